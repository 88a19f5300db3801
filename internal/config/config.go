package config

import "context"

// Package config provides configuration management for the tool-proxy.
//
// Responsibilities:
//   - Load configuration from a YAML file and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support reloading on file change
//
// Configuration Sources (priority order, high to low):
//  1. Environment variables (TOOLPROXY_* prefix)
//  2. YAML config file (default: ./config.yaml)
//  3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//  1. Server
//     - listen_addr: HTTP/WS listen address (default ":8088")
//     - allowed_origins: origins permitted to open a WebSocket connection
//
//  2. Journal
//     - sqlite_path: path to the SQLite journal file
//
//  3. Chaos
//     - default_config_path: path to a chaos config JSON; it is loaded into
//       Config (TOOLPROXY_CHAOS_CONFIG also sets it), but no component in
//       this module reads it or applies it to an agent or run
//
//  4. Stress
//     - probe_timeout_ms: per-probe timeout (default 10000)
//     - initialized_wait_ms: delay after notifications/initialized before
//       tools/list (default 100, per the fixed stress init sequence)
//
//  5. Fanout
//     - subscriber_queue_size: bounded per-subscriber channel capacity
//
//  6. Logging
//     - level: "debug" | "info" | "warn" | "error"
//     - format: "json" | "text"
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		ListenAddr string
		// AllowedOrigins is a list of origins permitted to open WebSocket connections.
		// Use ["*"] to allow any origin (development only).
		// If empty, defaults to ["http://localhost:3000", "http://localhost:5173"].
		AllowedOrigins []string
	}

	// Journal configuration
	Journal struct {
		SQLitePath string
	}

	// Chaos configuration
	Chaos struct {
		DefaultConfigPath string
	}

	// Stress runner configuration
	Stress struct {
		ProbeTimeoutMs     int
		InitializedWaitMs  int
	}

	// Fan-out bus configuration
	Fanout struct {
		SubscriberQueueSize int
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}
}

// Manager defines the interface for configuration access.
type Manager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewManager creates a new configuration manager.
func NewManager(configPath string) (Manager, error) {
	mgr := &viperManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewManagerWithDefaults creates a manager with the default config path.
func NewManagerWithDefaults() (Manager, error) {
	return NewManager("./config.yaml")
}
