package server

import (
	"net/http"

	"github.com/toolproxy/toolproxy/internal/diff"
)

// handleDiff compares two runs' tool-call traces: ?baseline={runID}&current={runID}.
func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	baselineID := r.URL.Query().Get("baseline")
	currentID := r.URL.Query().Get("current")
	if baselineID == "" || currentID == "" {
		http.Error(w, "baseline and current run ids are required", http.StatusBadRequest)
		return
	}

	baselineEvents, err := s.store.GetEvents(r.Context(), baselineID, 0, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	currentEvents, err := s.store.GetEvents(r.Context(), currentID, 0, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	report := diff.Compare(diff.FromEvents(baselineEvents), diff.FromEvents(currentEvents))
	writeJSON(w, http.StatusOK, report)
}
