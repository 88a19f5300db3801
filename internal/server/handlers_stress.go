package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/toolproxy/toolproxy/internal/model"
	"github.com/toolproxy/toolproxy/internal/stress"
)

// handleStartStress creates a pending stress Run for an agent and dispatches
// the sweep on a detached goroutine bound to the server's own lifecycle
// context, so the HTTP request returns as soon as the run is recorded
// rather than blocking for the sweep's duration.
func (s *Server) handleStartStress(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	run, err := s.store.CreateRun(r.Context(), agent.ID, model.RunKindStress, agent.Target, agent.Chaos)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	runner := stress.New(stress.Config{
		RunID:         run.ID,
		AgentID:       agent.ID,
		TargetCommand: agent.Target,
		Store:         s.store,
		Bus:           s.bus,
		Audit:         s.audit,
		Log:           s.log,

		ProbeTimeout:    time.Duration(s.cfg.Stress.ProbeTimeoutMs) * time.Millisecond,
		InitializedWait: time.Duration(s.cfg.Stress.InitializedWaitMs) * time.Millisecond,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := runner.Run(s.ctx); err != nil {
			s.log.Warn("stress: sweep ended with error", zap.String("run_id", run.ID), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, run)
}

// handleLatestStressSummary returns the most recent completed or failed
// stress run for an agent.
func (s *Server) handleLatestStressSummary(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	run, err := s.store.LatestStressRun(r.Context(), agentID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
