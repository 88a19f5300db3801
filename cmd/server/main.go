// Command server is the composition root for the tool-protocol
// interceptor's external collaborator API.
//
// Responsibilities:
//   - Load configuration from ./config.yaml plus TOOLPROXY_* environment
//     overrides
//   - Open the Journal Store and stand up the Fan-Out Bus
//   - Serve the HTTP/WS API (Project/Agent/Run CRUD, run-events,
//     stress dispatch, the subscription transport)
//   - Shut down cleanly on SIGINT/SIGTERM
//
// The stdio Proxy and Stress Runner themselves are driven per-run by the
// server package (stress sweeps dispatched on agent's behalf) or by a
// separate process speaking to this server's notification endpoint — this
// binary does not itself read a tool client's stdin/stdout; that belongs
// to an out-of-scope CLI wrapper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/toolproxy/toolproxy/internal/config"
	"github.com/toolproxy/toolproxy/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	configPath := os.Getenv("TOOLPROXY_CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	mgr, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("build config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	cfg := mgr.Get(ctx)

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return srv.Stop()
}
