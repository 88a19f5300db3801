package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.ListenAddr == "" {
		errs = append(errs, &ValidationError{
			Field:   "server.listen_addr",
			Message: "listen_addr is required",
		})
	}

	if c.Journal.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "journal.sqlite_path",
			Message: "sqlite_path is required",
		})
	}

	if c.Stress.ProbeTimeoutMs < 1 {
		errs = append(errs, &ValidationError{
			Field:   "stress.probe_timeout_ms",
			Message: fmt.Sprintf("probe_timeout_ms must be at least 1, got %d", c.Stress.ProbeTimeoutMs),
		})
	}

	if c.Stress.InitializedWaitMs < 0 {
		errs = append(errs, &ValidationError{
			Field:   "stress.initialized_wait_ms",
			Message: fmt.Sprintf("initialized_wait_ms cannot be negative, got %d", c.Stress.InitializedWaitMs),
		})
	}

	if c.Fanout.SubscriberQueueSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "fanout.subscriber_queue_size",
			Message: fmt.Sprintf("subscriber_queue_size must be at least 1, got %d", c.Fanout.SubscriberQueueSize),
		})
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	return errs
}
