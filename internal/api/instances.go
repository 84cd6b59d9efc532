package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/imaginglake/backend/internal/faults"
	"github.com/imaginglake/backend/internal/objstore"
)

func (s *Server) handleInstanceByID(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.Warehouse.InstanceByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, faults.InvalidInputf("instance %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleInstanceContent streams the original stored artifact for a row.
func (s *Server) handleInstanceContent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.Warehouse.InstanceByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, faults.InvalidInputf("instance %s not found", id))
		return
	}
	if strings.Contains(rec.Path, "#") {
		// Archive members share the archive object; the member bytes are not
		// individually stored.
		writeError(w, r, faults.InvalidInputf("instance %s is an archive member, download the archive at %s", id, rec.Path[:strings.IndexByte(rec.Path, '#')]))
		return
	}

	data, contentType, err := s.downloadArtifact(r, rec.Path, "application/dicom")
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// downloadArtifact fetches "bucket/object" from the object store.
func (s *Server) downloadArtifact(r *http.Request, path, fallbackType string) ([]byte, string, error) {
	bucket, object, err := objstore.SplitURI(path)
	if err != nil {
		return nil, "", err
	}
	data, err := s.Store.Download(r.Context(), bucket, object, 0)
	if err != nil {
		return nil, "", err
	}
	contentType := fallbackType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}
