package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging. It is distinct from
// internal's free-form zap debug logging: these are durable, structured
// records of run/session/chaos lifecycle events, buffered and flushed to a
// dedicated rotated file.
type Logger interface {
	Log(ctx context.Context, event *Event) error

	LogRunCreated(ctx context.Context, runID, agentID string) error
	LogRunStatusChanged(ctx context.Context, runID string, status string) error
	LogStaleRunCleaned(ctx context.Context, runID, agentID string) error

	LogSessionStarted(ctx context.Context, runID string) error
	LogSessionEnded(ctx context.Context, runID string, totalCalls, totalErrors int) error

	LogStressSweepCompleted(ctx context.Context, runID string, score int, duration time.Duration) error

	LogJournalWriteError(ctx context.Context, runID string, err error) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	appCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(appRotator), level)
	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	auditCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(auditRotator), zapcore.InfoLevel)
	auditZapLogger := zap.New(auditCore)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZapLogger,
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}
	return nil
}

func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("run_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) LogRunCreated(ctx context.Context, runID, agentID string) error {
	event := NewEvent(EventRunCreated).
		WithCorrelationID(runID).
		WithAgent(agentID).
		WithDescription(fmt.Sprintf("run %s created", runID))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogRunStatusChanged(ctx context.Context, runID string, status string) error {
	event := NewEvent(EventRunStatusChange).
		WithCorrelationID(runID).
		WithDescription(fmt.Sprintf("run %s -> %s", runID, status)).
		WithMetadata("status", status)
	return l.Log(ctx, event)
}

func (l *auditLogger) LogStaleRunCleaned(ctx context.Context, runID, agentID string) error {
	event := NewEvent(EventStaleRunCleaned).
		WithCorrelationID(runID).
		WithAgent(agentID).
		WithDescription(fmt.Sprintf("stale run %s promoted to completed on cleanup", runID))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogSessionStarted(ctx context.Context, runID string) error {
	event := NewEvent(EventSessionStarted).
		WithCorrelationID(runID).
		WithDescription(fmt.Sprintf("session %s started", runID))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogSessionEnded(ctx context.Context, runID string, totalCalls, totalErrors int) error {
	event := NewEvent(EventSessionEnded).
		WithCorrelationID(runID).
		WithMetadata("total_calls", totalCalls).
		WithMetadata("total_errors", totalErrors).
		WithDescription(fmt.Sprintf("session %s ended", runID))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogStressSweepCompleted(ctx context.Context, runID string, score int, duration time.Duration) error {
	event := NewEvent(EventStressSweepDone).
		WithCorrelationID(runID).
		WithDuration(duration).
		WithMetadata("score", score).
		WithDescription(fmt.Sprintf("stress sweep %s completed, score=%d", runID, score))
	return l.Log(ctx, event)
}

func (l *auditLogger) LogJournalWriteError(ctx context.Context, runID string, err error) error {
	event := NewEvent(EventJournalWriteError).
		WithCorrelationID(runID).
		WithError(err, "journal_write_error").
		WithDescription(fmt.Sprintf("journal write failed for run %s", runID))
	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.auditLogger.Sync(); err != nil {
		return err
	}
	return l.appLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()
	return l.Sync()
}
