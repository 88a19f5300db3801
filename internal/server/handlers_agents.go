package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/toolproxy/toolproxy/internal/model"
)

type createAgentRequest struct {
	ProjectID string          `json:"project_id"`
	Name      string          `json:"name"`
	Target    string          `json:"target"`
	Chaos     json.RawMessage `json:"chaos,omitempty"`
}

// handleAgents handles POST (create) and GET (list, filtered by
// ?project_id=) on /api/v1/agents.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.ProjectID == "" || req.Name == "" || req.Target == "" {
			http.Error(w, "project_id, name, and target are required", http.StatusBadRequest)
			return
		}
		agent, err := s.store.CreateAgent(r.Context(), req.ProjectID, req.Name, req.Target, model.ChaosConfig(req.Chaos))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, agent)

	case http.MethodGet:
		agents, err := s.store.ListAgents(r.Context(), r.URL.Query().Get("project_id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": agents})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAgentByID dispatches GET/DELETE on /api/v1/agents/{id} and the two
// stress-sweep sub-routes /api/v1/agents/{id}/stress and
// /api/v1/agents/{id}/stress/latest.
func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	if rest == "" {
		http.Error(w, "agent id is required", http.StatusBadRequest)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/stress/latest"); ok {
		s.handleLatestStressSummary(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/stress"); ok {
		s.handleStartStress(w, r, id)
		return
	}

	id := rest
	switch r.Method {
	case http.MethodGet:
		agent, err := s.store.GetAgent(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)

	case http.MethodDelete:
		if err := s.store.DeleteAgent(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
