package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/imaginglake/backend/internal/cache"
	"github.com/imaginglake/backend/internal/faults"
	"github.com/imaginglake/backend/internal/warehouse"
)

func (s *Server) handleStudyInstances(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	rows, err := s.Warehouse.StudyInstances(r.Context(), uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []warehouse.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows, "totalInstances": len(rows)})
}

func (s *Server) handleStudyMetadata(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]

	if cached, err := s.Cache.Get(r.Context(), uid); err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached)
		return
	} else if !errors.Is(err, cache.ErrMiss) {
		s.Logger.Warn("study tree cache read failed", "study", uid, "error", err)
	}

	rows, err := s.Warehouse.StudyInstances(r.Context(), uid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(rows) == 0 {
		writeError(w, r, faults.InvalidInputf("study %s not found", uid))
		return
	}

	tree, err := warehouse.BuildStudyMetadataTree(uid, rows)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := json.Marshal(tree)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Cache.Set(r.Context(), uid, body); err != nil {
		s.Logger.Warn("study tree cache write failed", "study", uid, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handleInstanceByUIDs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := s.Warehouse.InstanceByUIDs(r.Context(), vars["study"], vars["series"], vars["sop"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, faults.InvalidInputf("instance not found"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleInstanceRendered streams the JPEG rendering uploaded during
// ingestion, located via the row's embedding input path.
func (s *Server) handleInstanceRendered(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := s.Warehouse.InstanceByUIDs(r.Context(), vars["study"], vars["series"], vars["sop"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, faults.InvalidInputf("instance not found"))
		return
	}
	artifact := rec.Info.Embedding.Input.Path
	if !artifact.Valid {
		writeError(w, r, faults.InvalidInputf("instance has no rendered artifact"))
		return
	}

	data, contentType, err := s.downloadArtifact(r, artifact.StringVal, rec.Info.Embedding.Input.MimeType.StringVal)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

type deleteInstancesRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleDeleteInstances(w http.ResponseWriter, r *http.Request) {
	var req deleteInstancesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, faults.BadSchema("decode delete request: %v", err))
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, r, faults.BadSchema("ids is required"))
		return
	}
	deleted, err := s.Warehouse.DeleteInstances(r.Context(), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deletedCount": deleted})
}

type deleteStudiesRequest struct {
	StudyInstanceUIDs []string `json:"studyInstanceUIDs"`
}

func (s *Server) handleDeleteStudies(w http.ResponseWriter, r *http.Request) {
	var req deleteStudiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, faults.BadSchema("decode delete request: %v", err))
		return
	}
	if len(req.StudyInstanceUIDs) == 0 {
		writeError(w, r, faults.BadSchema("studyInstanceUIDs is required"))
		return
	}
	deleted, err := s.Warehouse.DeleteStudies(r.Context(), req.StudyInstanceUIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Cache.Invalidate(r.Context(), req.StudyInstanceUIDs...); err != nil {
		s.Logger.Warn("study tree cache invalidation failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deletedCount": deleted})
}
