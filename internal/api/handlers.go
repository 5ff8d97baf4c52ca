package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/croftd/croft/internal/model"
)

// requestContext identifies the caller from headers. A gateway in front
// of the daemon is expected to authenticate and set them.
func requestContext(r *http.Request) model.RequestContext {
	return model.RequestContext{
		ProjectID: r.Header.Get("X-Project-Id"),
		UserID:    r.Header.Get("X-User-Id"),
		TrustID:   r.Header.Get("X-Trust-Id"),
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		projectID = r.Header.Get("X-Project-Id")
	}
	leases, err := s.service.List(r.Context(), projectID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leases": leases})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	lease, err := s.service.Get(r.Context(), chi.URLParam(r, "leaseID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lease": lease})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req model.LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	lease, err := s.service.Create(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"lease": lease})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var upd model.LeaseUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	lease, err := s.service.Update(r.Context(), requestContext(r), chi.URLParam(r, "leaseID"), upd)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lease": lease})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Delete(r.Context(), requestContext(r), chi.URLParam(r, "leaseID")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
