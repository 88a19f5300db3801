// Package stress implements the Stress Runner: a one-shot subprocess sweep
// that drives a tool server through initialize -> acknowledge-initialized
// -> list tools -> per-tool mutation matrix, classifying each probe's
// outcome (spec.md §4.5).
package stress

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/toolproxy/toolproxy/internal/audit"
	"github.com/toolproxy/toolproxy/internal/classify"
	"github.com/toolproxy/toolproxy/internal/fanout"
	"github.com/toolproxy/toolproxy/internal/journal"
	"github.com/toolproxy/toolproxy/internal/metrics"
	"github.com/toolproxy/toolproxy/internal/model"
	"github.com/toolproxy/toolproxy/internal/mutate"
	"github.com/toolproxy/toolproxy/internal/procspawn"
)

// protocolVersion is fixed by convention with the downstream ecosystem
// (spec.md §6).
const protocolVersion = "2024-11-05"

// Config bundles a Runner's collaborators, the run it drives, and the two
// knobs spec.md §6/§4.5 name.
type Config struct {
	RunID         string
	AgentID       string
	TargetCommand string

	Store journal.Store
	Bus   *fanout.Bus
	Audit audit.Logger
	Log   *zap.Logger

	// ProbeTimeout is the per-probe wall-clock budget; defaults to 10s.
	ProbeTimeout time.Duration
	// InitializedWait is how long to pause after notifications/initialized
	// before calling tools/list; defaults to 100ms.
	InitializedWait time.Duration
}

// Runner drives a single stress sweep.
type Runner struct {
	cfg Config
	log *zap.Logger

	nextID   int64
	passed   int
	graceful int
	crashed  int
}

// New constructs a Runner bound to an already-created pending Run.
func New(cfg Config) *Runner {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.InitializedWait <= 0 {
		cfg.InitializedWait = 100 * time.Millisecond
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{cfg: cfg, log: log}
}

// toolDescriptor is the subset of a tools/list entry the runner needs.
type toolDescriptor struct {
	Name        string          `json:"name"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// rawSchema mirrors the loosely-typed inputSchema shape the downstream
// ecosystem declares: a bag of named properties plus a required list.
type rawSchema struct {
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
	Required []string `json:"required"`
}

func toMutateSchema(raw json.RawMessage) *mutate.Schema {
	if len(raw) == 0 {
		return &mutate.Schema{}
	}
	var rs rawSchema
	if err := json.Unmarshal(raw, &rs); err != nil {
		return &mutate.Schema{}
	}
	schema := &mutate.Schema{Required: make(map[string]bool, len(rs.Required))}
	for _, name := range rs.Required {
		schema.Required[name] = true
	}
	for name, p := range rs.Properties {
		schema.Properties = append(schema.Properties, mutate.Property{
			Name: name,
			Type: mutate.PropertyType(p.Type),
		})
	}
	return schema
}

// session is the minimal JSON-RPC client half of the stress runner: it
// writes one line at a time to the subprocess's stdin and reads lines from
// its stdout, matching responses by id.
//
// A single background goroutine owns the stdout scanner and feeds decoded
// lines into a channel; recv only ever reads from that channel, so a
// probe that times out never leaves a second goroutine racing the scanner
// on the next probe.
type session struct {
	stdin io.Writer
	lines chan json.RawMessage
}

func newSession(stdin io.Writer, stdout io.Reader) *session {
	s := &session{stdin: stdin, lines: make(chan json.RawMessage, 16)}
	go s.pump(stdout)
	return s
}

func (s *session) pump(stdout io.Reader) {
	defer close(s.lines)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := append([]byte{}, scanner.Bytes()...)
		s.lines <- json.RawMessage(line)
	}
}

func (s *session) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = s.stdin.Write(b)
	return err
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Run executes the full sweep: spawn, handshake, tools/list, then the
// per-tool mutation matrix. The subprocess is killed at the end regardless
// of outcome.
func (r *Runner) Run(ctx context.Context) error {
	cmd, err := procspawn.Command(context.Background(), r.cfg.TargetCommand)
	if err != nil {
		r.markFailed(ctx, "spawn failed: "+err.Error())
		return fmt.Errorf("stress: %w", err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		r.markFailed(ctx, "spawn failed: "+err.Error())
		return fmt.Errorf("stress: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.markFailed(ctx, "spawn failed: "+err.Error())
		return fmt.Errorf("stress: stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		r.markFailed(ctx, "spawn failed: "+err.Error())
		return fmt.Errorf("stress: start: %w", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	if err := r.cfg.Store.UpdateRunStatus(ctx, r.cfg.RunID, model.RunStatusRunning, nil); err != nil {
		r.log.Warn("stress: mark running failed", zap.Error(err))
	}
	r.emitEvent(ctx, &model.Event{RunID: r.cfg.RunID, Kind: model.EventSessionStart, Timestamp: time.Now().UTC()})
	if r.cfg.Audit != nil {
		r.cfg.Audit.LogSessionStarted(ctx, r.cfg.RunID)
	}
	sweepStart := time.Now()

	sess := newSession(stdin, stdout)

	tools, err := r.handshake(ctx, sess)
	if err != nil {
		r.markFailed(ctx, "handshake failed: "+err.Error())
		return fmt.Errorf("stress: handshake: %w", err)
	}

	for _, tool := range tools {
		if len(tool.InputSchema) == 0 {
			continue
		}
		schema := toMutateSchema(tool.InputSchema)
		for _, mutation := range mutate.Generate(schema) {
			r.probe(ctx, sess, tool.Name, mutation)
		}
	}

	counters := r.snapshotCounters()
	if err := r.cfg.Store.UpdateRunStatus(ctx, r.cfg.RunID, model.RunStatusCompleted, &counters); err != nil {
		r.log.Warn("stress: mark completed failed", zap.Error(err))
	}
	r.emitEvent(ctx, &model.Event{RunID: r.cfg.RunID, Kind: model.EventSessionEnd, Timestamp: time.Now().UTC()})
	if r.cfg.Audit != nil {
		r.cfg.Audit.LogSessionEnded(ctx, r.cfg.RunID, counters.TotalCalls, counters.TotalErrors)
		r.cfg.Audit.LogStressSweepCompleted(ctx, r.cfg.RunID, counters.Score, time.Since(sweepStart))
	}
	metrics.StressSweepDuration.WithLabelValues(r.cfg.AgentID).Observe(time.Since(sweepStart).Seconds())
	metrics.StressScore.WithLabelValues(r.cfg.RunID).Set(float64(counters.Score))

	return nil
}

// handshake performs initialize -> notifications/initialized -> wait ->
// tools/list, per spec.md §6, and returns the declared tools.
func (r *Runner) handshake(ctx context.Context, sess *session) ([]toolDescriptor, error) {
	initID := r.newID()
	if err := sess.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      initID,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "toolproxy-stress-runner",
				"version": "1.0.0",
			},
		},
	}); err != nil {
		return nil, err
	}
	if _, err := r.recvWithTimeout(ctx, sess); err != nil {
		return nil, err
	}

	if err := sess.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	}); err != nil {
		return nil, err
	}

	select {
	case <-time.After(r.cfg.InitializedWait):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	listID := r.newID()
	if err := sess.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      listID,
		"method":  "tools/list",
	}); err != nil {
		return nil, err
	}
	raw, err := r.recvWithTimeout(ctx, sess)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Result struct {
			Tools []toolDescriptor `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parse tools/list response: %w", err)
	}
	return envelope.Result.Tools, nil
}

// probe issues one tools/call for a single mutation, classifies the
// outcome, and journals a stress_mutation event.
func (r *Runner) probe(ctx context.Context, sess *session, tool string, m mutate.Mutation) {
	id := r.newID()
	if err := sess.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      tool,
			"arguments": m.Args,
		},
	}); err != nil {
		r.recordOutcome(ctx, tool, m, classify.Classify("", true))
		return
	}

	raw, err := r.recvWithTimeout(ctx, sess)
	if err != nil {
		r.recordOutcome(ctx, tool, m, classify.Classify("", true))
		return
	}

	var envelope rpcEnvelope
	errMsg := ""
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		errMsg = envelope.Error.Message
	}

	outcome := classify.Classify(errMsg, false)
	r.recordOutcome(ctx, tool, m, outcome)
}

// recvWithTimeout waits for the next line already being read by the
// session's background pump goroutine, without itself touching the
// subprocess's stdout: a probe that times out leaves the pump running
// undisturbed for the next probe to read from.
func (r *Runner) recvWithTimeout(ctx context.Context, sess *session) (json.RawMessage, error) {
	select {
	case raw, ok := <-sess.lines:
		if !ok {
			return nil, io.EOF
		}
		return raw, nil
	case <-time.After(r.cfg.ProbeTimeout):
		return nil, errTimedOut
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var errTimedOut = fmt.Errorf("stress: probe timed out")

func (r *Runner) recordOutcome(ctx context.Context, tool string, m mutate.Mutation, outcome model.StressOutcome) {
	switch outcome {
	case model.OutcomePass:
		r.passed++
	case model.OutcomeGracefulFail:
		r.graceful++
	case model.OutcomeCrashOrHang:
		r.crashed++
	}
	metrics.StressMutationsTotal.WithLabelValues(tool, string(m.Kind), string(outcome)).Inc()

	argsJSON, _ := json.Marshal(m.Args)
	r.emitEvent(ctx, &model.Event{
		RunID:              r.cfg.RunID,
		Kind:               model.EventStressMutation,
		Timestamp:          time.Now().UTC(),
		Tool:               tool,
		Params:             argsJSON,
		StressMutationKind: string(m.Kind),
		StressOutcome:      outcome,
	})
}

func (r *Runner) emitEvent(ctx context.Context, e *model.Event) {
	if _, err := r.cfg.Store.InsertEvent(ctx, e); err != nil {
		r.log.Error("stress: journal write failed", zap.Error(err), zap.String("kind", string(e.Kind)))
		metrics.JournalWriteErrorsTotal.Inc()
		if r.cfg.Audit != nil {
			r.cfg.Audit.LogJournalWriteError(ctx, r.cfg.RunID, err)
		}
		return
	}
	metrics.JournalEventsWrittenTotal.WithLabelValues(string(e.Kind)).Inc()

	if r.cfg.Bus == nil {
		return
	}
	r.cfg.Bus.Publish(fanout.RunTopic(r.cfg.RunID), e)
	if r.cfg.AgentID != "" {
		r.cfg.Bus.Publish(fanout.AgentTopic(r.cfg.AgentID), e)
	}
	r.cfg.Bus.Publish(fanout.GlobalTopic, e)
}

func (r *Runner) snapshotCounters() model.Counters {
	total := r.passed + r.graceful + r.crashed
	score := 0
	if total > 0 {
		score = int((100*(r.passed+r.graceful) + total/2) / total)
	}
	return model.Counters{
		StressPassed:   r.passed,
		StressGraceful: r.graceful,
		StressCrashed:  r.crashed,
		Score:          score,
	}
}

func (r *Runner) markFailed(ctx context.Context, reason string) {
	counters := r.snapshotCounters()
	if err := r.cfg.Store.UpdateRunStatus(ctx, r.cfg.RunID, model.RunStatusFailed, &counters); err != nil {
		r.log.Warn("stress: mark failed transition rejected", zap.Error(err))
	}
	if r.cfg.Audit != nil {
		r.cfg.Audit.LogRunStatusChanged(ctx, r.cfg.RunID, string(model.RunStatusFailed)+": "+reason)
	}
}

func (r *Runner) newID() int64 {
	return atomic.AddInt64(&r.nextID, 1)
}
