package api

import (
	"net/http"
	"strconv"

	"github.com/imaginglake/backend/internal/pipeline"
	"github.com/imaginglake/backend/internal/warehouse"
)

func (s *Server) handleDLQCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.Warehouse.DLQCount(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

func (s *Server) handleDLQSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Warehouse.DLQSummary(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if summary == nil {
		summary = []warehouse.DLQSummaryRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": summary})
}

func (s *Server) handleDLQItems(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultPageSize, maxPageSize)
	offset := queryInt(r, "offset", 0, 1<<30)

	items, err := s.Warehouse.DLQItems(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []warehouse.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", maxPageSize, maxPageSize)
	result, err := s.Requeuer.Requeue(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if result.Failures == nil {
		result.Failures = []pipeline.RequeueFailure{}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDLQPurge(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.Warehouse.PurgeDLQ(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deletedMessageCount": deleted})
}

func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
