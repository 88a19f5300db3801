package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/toolproxy/toolproxy/internal/fanout"
	"github.com/toolproxy/toolproxy/internal/journal"
	"github.com/toolproxy/toolproxy/internal/model"
)

type createRunRequest struct {
	AgentID string          `json:"agent_id"`
	Kind    model.RunKind   `json:"kind"`
	Target  string          `json:"target"`
	Chaos   json.RawMessage `json:"chaos,omitempty"`
}

// handleRuns handles POST (create a pending run — used to pre-register a
// run that a separate proxy process will drive) and GET (list, filtered by
// ?agent_id=&status=&kind=&target=&limit=&offset=) on /api/v1/runs.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Target == "" {
			http.Error(w, "target is required", http.StatusBadRequest)
			return
		}
		if req.Kind == "" {
			req.Kind = model.RunKindProxy
		}
		run, err := s.store.CreateRun(r.Context(), req.AgentID, req.Kind, req.Target, model.ChaosConfig(req.Chaos))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, run)

	case http.MethodGet:
		q := r.URL.Query()
		filter := journal.RunFilter{
			AgentID:      q.Get("agent_id"),
			Status:       model.RunStatus(q.Get("status")),
			Kind:         model.RunKind(q.Get("kind")),
			TargetSubstr: q.Get("target"),
			Limit:        atoiDefault(q.Get("limit"), 0),
			Offset:       atoiDefault(q.Get("offset"), 0),
		}
		runs, err := s.store.ListRuns(r.Context(), filter)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunByID dispatches GET/DELETE on /api/v1/runs/{id} and the
// /api/v1/runs/{id}/events sub-route (GET to list, POST to push a
// notification from a separate proxy process).
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if rest == "" {
		http.Error(w, "run id is required", http.StatusBadRequest)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/events"); ok {
		s.handleRunEvents(w, r, id)
		return
	}

	id := rest
	switch r.Method {
	case http.MethodGet:
		run, err := s.store.GetRun(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)

	case http.MethodDelete:
		if err := s.store.DeleteRun(r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunEvents serves GET (paged event list) and POST (the notification
// endpoint of spec.md §6: a separate proxy process pushes one event into
// the Journal and Fan-Out) for a single run.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		limit := atoiDefault(q.Get("limit"), 100)
		offset := atoiDefault(q.Get("offset"), 0)
		events, err := s.store.GetEvents(r.Context(), runID, limit, offset)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})

	case http.MethodPost:
		var e model.Event
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			http.Error(w, "invalid event body: "+err.Error(), http.StatusBadRequest)
			return
		}
		e.RunID = runID
		id, err := s.store.InsertEvent(r.Context(), &e)
		if err != nil {
			_ = s.audit.LogJournalWriteError(r.Context(), runID, err)
			writeStoreError(w, err)
			return
		}
		e.ID = id
		s.bus.Publish(fanout.RunTopic(runID), &e)
		s.bus.Publish(fanout.GlobalTopic, &e)
		writeJSON(w, http.StatusCreated, &e)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
