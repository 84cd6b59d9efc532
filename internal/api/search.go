package api

import (
	"encoding/json"
	"net/http"

	"github.com/imaginglake/backend/internal/faults"
	"github.com/imaginglake/backend/internal/warehouse"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type searchRequest struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

func decodeSearch(r *http.Request) (*searchRequest, error) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, faults.BadSchema("decode search request: %v", err)
	}
	if req.Key == "" {
		return nil, faults.BadSchema("search key is required")
	}
	if req.Limit <= 0 {
		req.Limit = defaultPageSize
	}
	if req.Limit > maxPageSize {
		req.Limit = maxPageSize
	}
	if req.Offset < 0 {
		req.Offset = 0
	}
	return &req, nil
}

func (s *Server) handleStudiesSearch(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSearch(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items, err := s.Warehouse.SearchStudies(r.Context(), req.Key, req.Value, req.Limit, req.Offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	total, err := s.Warehouse.CountStudies(r.Context(), req.Key, req.Value)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []warehouse.StudySummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":        items,
		"totalStudies": total,
		"limit":        req.Limit,
		"offset":       req.Offset,
	})
}

func (s *Server) handleStudiesCounts(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSearch(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	total, err := s.Warehouse.CountStudies(r.Context(), req.Key, req.Value)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totalStudies": total})
}

func (s *Server) handleInstancesSearch(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSearch(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items, err := s.Warehouse.SearchInstances(r.Context(), req.Key, req.Value, req.Limit, req.Offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	total, err := s.Warehouse.CountInstances(r.Context(), req.Key, req.Value)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":          items,
		"totalInstances": total,
		"limit":          req.Limit,
		"offset":         req.Offset,
	})
}

func (s *Server) handleInstancesCounts(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSearch(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	total, err := s.Warehouse.CountInstances(r.Context(), req.Key, req.Value)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totalInstances": total})
}
