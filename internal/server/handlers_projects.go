package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/toolproxy/toolproxy/internal/journal"
)

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleProjects handles POST (create) and GET (list) on /api/v1/projects.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createProjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		project, err := s.store.CreateProject(r.Context(), req.Name, req.Description)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, project)

	case http.MethodGet:
		projects, err := s.store.ListProjects(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": projects})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleProjectByID handles GET/DELETE on /api/v1/projects/{id}.
func (s *Server) handleProjectByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/projects/")
	if id == "" {
		http.Error(w, "project id is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		project, err := s.store.GetProject(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, project)

	case http.MethodDelete:
		if err := s.store.DeleteProject(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// writeStoreError maps the journal's sentinel errors to HTTP status codes
// per spec.md §7's error taxonomy.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, journal.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, journal.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, journal.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
