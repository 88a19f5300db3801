// Package server exposes the external collaborator HTTP/WS API named by
// spec.md §6: Project/Agent/Run CRUD, run-events listing, stress-sweep
// dispatch, the latest-stress-summary query, a notification endpoint a
// separate proxy process can use to push events into the Journal and
// Fan-Out, and the {subscribe|unsubscribe} websocket transport. It is a
// thin composition root's HTTP surface, not a CLI or a UI.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/toolproxy/toolproxy/internal/audit"
	appconfig "github.com/toolproxy/toolproxy/internal/config"
	"github.com/toolproxy/toolproxy/internal/fanout"
	"github.com/toolproxy/toolproxy/internal/journal"
)

// Server wires together the Journal Store, Fan-Out Bus, and audit logger
// behind net/http.ServeMux routes. It owns none of the proxy/stress
// subprocess machinery directly — stress sweeps are dispatched as
// detached goroutines against the server's own lifecycle context, and a
// stdio proxy is expected to run as its own process, pushing events back
// here through the notification endpoint.
type Server struct {
	cfg *appconfig.Config

	store journal.Store
	bus   *fanout.Bus
	audit audit.Logger
	log   *zap.Logger

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewServer constructs a Server from a loaded configuration, opening its
// SQLite journal and audit log and standing up an in-process Fan-Out Bus.
func NewServer(cfg *appconfig.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server: config cannot be nil")
	}

	log, err := newAppLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("server: logger: %w", err)
	}

	store, err := journal.NewSQLiteStore(cfg.Journal.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("server: open journal: %w", err)
	}

	auditLogger, err := audit.NewLogger(nil)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("server: audit logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:    cfg,
		store:  store,
		bus:    fanout.NewBus(cfg.Fanout.SubscriberQueueSize),
		audit:  auditLogger,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// newAppLogger builds the process-wide structured logger per SPEC_FULL's
// AMBIENT STACK logging section; it is distinct from the audit sink.
func newAppLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if format == "text" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	return zcfg.Build()
}

// Start registers routes and begins serving HTTP in a background
// goroutine. It returns once the listener is configured, not once it has
// stopped.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server: already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	s.httpServer = &http.Server{
		Addr:         s.cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("server: listening", zap.String("addr", s.cfg.Server.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: listen failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP listener, waits for in-flight
// background work dispatched against s.ctx, and closes the Journal and
// audit sinks.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server: not running")
	}
	s.running = false
	s.mu.Unlock()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("server: shutdown error", zap.Error(err))
		}
	}

	s.cancel()
	s.wg.Wait()

	if err := s.audit.Close(); err != nil {
		s.log.Warn("server: audit logger close error", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("server: journal close error", zap.Error(err))
	}
	return nil
}

// Wait blocks until the server's lifecycle context is cancelled.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning reports whether the HTTP listener is active.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/info", s.handleInfo)

	mux.HandleFunc("/api/v1/projects", s.handleProjects)
	mux.HandleFunc("/api/v1/projects/", s.handleProjectByID)

	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agents/", s.handleAgentByID)

	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/runs/", s.handleRunByID)

	mux.HandleFunc("/api/v1/diff", s.handleDiff)

	mux.Handle("/ws/subscribe", fanout.NewHandler(s.bus, s.log, s.cfg.Server.AllowedOrigins))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "timestamp": time.Now().UTC()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.RLock()
	ready := s.running
	s.mu.RUnlock()
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "timestamp": time.Now().UTC()})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      "toolproxy",
		"listen":    s.cfg.Server.ListenAddr,
		"timestamp": time.Now().UTC(),
	})
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
