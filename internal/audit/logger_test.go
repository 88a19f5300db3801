package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	tmpDir := t.TempDir()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		MaxSize:      10,
		MaxBackups:   3,
		MaxAge:       7,
		Compress:     false,
		LogLevel:     "info",
	}

	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}
}

func TestNewLoggerWithInvalidLevel(t *testing.T) {
	tmpDir := t.TempDir()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		LogLevel:     "invalid",
	}

	_, err := NewLogger(config)
	if err == nil {
		t.Fatal("Expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("Expected 'invalid log level' error, got: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.AuditLogPath != "logs/audit.log" {
		t.Errorf("Expected audit log path 'logs/audit.log', got %s", config.AuditLogPath)
	}
	if config.AppLogPath != "logs/app.log" {
		t.Errorf("Expected app log path 'logs/app.log', got %s", config.AppLogPath)
	}
	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}
	if config.MaxBackups != 10 {
		t.Errorf("Expected max backups 10, got %d", config.MaxBackups)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected log level 'info', got %s", config.LogLevel)
	}
}

func newTestLogger(t *testing.T) (Logger, *Config) {
	t.Helper()
	tmpDir := t.TempDir()
	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		MaxSize:      10,
		MaxBackups:   3,
		LogLevel:     "info",
	}
	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger, config
}

func TestLogEvent(t *testing.T) {
	logger, config := newTestLogger(t)
	ctx := context.Background()

	event := NewEvent(EventRunCreated).
		WithCorrelationID("run-123").
		WithAgent("agent-1").
		WithResult(ResultSuccess)

	if err := logger.Log(ctx, event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	logContent := string(content)
	if !strings.Contains(logContent, "run-123") {
		t.Error("Log does not contain run id")
	}
	if !strings.Contains(logContent, "run.created") {
		t.Error("Log does not contain event type")
	}
	if !strings.Contains(logContent, "agent-1") {
		t.Error("Log does not contain agent id")
	}
}

func TestLogRunLifecycle(t *testing.T) {
	logger, config := newTestLogger(t)
	ctx := context.Background()
	runID := "run-456"

	if err := logger.LogRunCreated(ctx, runID, "agent-x"); err != nil {
		t.Fatalf("LogRunCreated failed: %v", err)
	}
	if err := logger.LogRunStatusChanged(ctx, runID, "completed"); err != nil {
		t.Fatalf("LogRunStatusChanged failed: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	logContent := string(content)
	if !strings.Contains(logContent, runID) {
		t.Error("Log does not contain run id")
	}
	if !strings.Contains(logContent, "run.created") {
		t.Error("Log does not contain created event")
	}
	if !strings.Contains(logContent, "run.status_changed") {
		t.Error("Log does not contain status_changed event")
	}
}

func TestLogSessionLifecycle(t *testing.T) {
	logger, config := newTestLogger(t)
	ctx := context.Background()
	runID := "run-789"

	if err := logger.LogSessionStarted(ctx, runID); err != nil {
		t.Fatalf("LogSessionStarted failed: %v", err)
	}
	if err := logger.LogSessionEnded(ctx, runID, 10, 2); err != nil {
		t.Fatalf("LogSessionEnded failed: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	logContent := string(content)
	if !strings.Contains(logContent, "session.started") {
		t.Error("Log does not contain session started event")
	}
	if !strings.Contains(logContent, "session.ended") {
		t.Error("Log does not contain session ended event")
	}
}

func TestLogStressSweepCompleted(t *testing.T) {
	logger, config := newTestLogger(t)
	ctx := context.Background()

	if err := logger.LogStressSweepCompleted(ctx, "run-1", 87, 2*time.Second); err != nil {
		t.Fatalf("LogStressSweepCompleted failed: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	logContent := string(content)
	if !strings.Contains(logContent, "stress.sweep_completed") {
		t.Error("Log does not contain sweep completed event")
	}
}

func TestLogJournalWriteError(t *testing.T) {
	logger, config := newTestLogger(t)
	ctx := context.Background()

	if err := logger.LogJournalWriteError(ctx, "run-1", os.ErrClosed); err != nil {
		t.Fatalf("LogJournalWriteError failed: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	logContent := string(content)
	if !strings.Contains(logContent, "journal.write_error") {
		t.Error("Log does not contain journal write error event")
	}
	if !strings.Contains(logContent, "failure") {
		t.Error("Log does not mark the event as failure")
	}
}

func TestBufferAutoFlush(t *testing.T) {
	logger, config := newTestLogger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event := NewEvent(EventHealthCheck).WithCorrelationID("test").WithResult(ResultSuccess)
		if err := logger.Log(ctx, event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	time.Sleep(1500 * time.Millisecond)

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	if len(content) == 0 {
		t.Error("Audit log is empty after auto-flush")
	}
}

func TestBufferFullFlush(t *testing.T) {
	logger, config := newTestLogger(t)
	ctx := context.Background()

	for i := 0; i < 105; i++ {
		event := NewEvent(EventHealthCheck).WithCorrelationID("test").WithResult(ResultSuccess)
		if err := logger.Log(ctx, event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	lines := strings.Split(string(content), "\n")
	eventCount := 0
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			eventCount++
		}
	}
	if eventCount < 105 {
		t.Errorf("Expected at least 105 events, got %d", eventCount)
	}
}

func TestEventBuilderChain(t *testing.T) {
	event := NewEvent(EventRunStatusChange).
		WithCorrelationID("run-123").
		WithAgent("agent-x").
		WithTool("read_file").
		WithDescription("transitioned to completed").
		WithDuration(3 * time.Second).
		WithMetadata("status", "completed")

	if event.CorrelationID != "run-123" {
		t.Errorf("Expected run id 'run-123', got %s", event.CorrelationID)
	}
	if event.AgentID != "agent-x" {
		t.Errorf("Expected agent id 'agent-x', got %s", event.AgentID)
	}
	if event.Tool != "read_file" {
		t.Errorf("Expected tool 'read_file', got %s", event.Tool)
	}
	if event.DurationMs != 3000 {
		t.Errorf("Expected duration 3000ms, got %d", event.DurationMs)
	}
	if status, ok := event.Metadata["status"].(string); !ok || status != "completed" {
		t.Errorf("Expected metadata status 'completed', got %v", event.Metadata["status"])
	}
}

func TestEventJSONSerialization(t *testing.T) {
	event := NewEvent(EventRunCreated).
		WithCorrelationID("run-789").
		WithAgent("agent-1").
		WithResult(ResultSuccess)

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}

	if decoded.CorrelationID != "run-789" {
		t.Errorf("Expected run id 'run-789', got %s", decoded.CorrelationID)
	}
	if decoded.AgentID != "agent-1" {
		t.Errorf("Expected agent id 'agent-1', got %s", decoded.AgentID)
	}
	if decoded.EventType != EventRunCreated {
		t.Errorf("Expected event type 'run.created', got %s", decoded.EventType)
	}
	if decoded.Result != ResultSuccess {
		t.Errorf("Expected result 'success', got %s", decoded.Result)
	}
}
