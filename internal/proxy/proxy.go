// Package proxy implements the Stdio Proxy: a transparent relay that spawns
// a downstream tool server, pairs its JSON-RPC requests and responses, and
// injects deterministic chaos before forwarding tools/call traffic
// (spec.md §4.1).
//
// A Proxy owns exactly one subprocess and one Run. It pumps lines
// bidirectionally between the client (its own stdin/stdout) and the
// subprocess: a line that fails to parse as a JSON-RPC message is forwarded
// verbatim and never journaled. A parsed line that carries a method, and a
// server-to-client response (an id with no method), is written to the
// Journal and published to the Fan-Out Bus; any other parsed line without a
// method (such as a client-to-server response) is forwarded without being
// journaled. tools/call requests are passed through the chaos engine before
// they reach the tool server.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/toolproxy/toolproxy/internal/audit"
	"github.com/toolproxy/toolproxy/internal/chaos"
	"github.com/toolproxy/toolproxy/internal/fanout"
	"github.com/toolproxy/toolproxy/internal/journal"
	"github.com/toolproxy/toolproxy/internal/metrics"
	"github.com/toolproxy/toolproxy/internal/model"
	"github.com/toolproxy/toolproxy/internal/procspawn"
)

// rpcMessage is the subset of JSON-RPC 2.0 fields the proxy needs to
// correlate requests with responses and to locate a tools/call's tool name.
// Fields are left as json.RawMessage where the proxy only forwards them.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func (m rpcMessage) isRequest() bool  { return m.Method != "" && len(m.ID) > 0 }
func (m rpcMessage) isResponse() bool { return m.Method == "" && len(m.ID) > 0 }

func idKey(id json.RawMessage) string {
	return string(id)
}

// shutdownGrace bounds how long Run waits for the tool server (or the
// client) to close its own side after the other side has already closed,
// before forcing the issue with a kill/close.
const shutdownGrace = 2 * time.Second

// pending is what the correlation table remembers about an in-flight
// request while it waits for a matching response.
type pending struct {
	start time.Time
	tool  string // non-empty only for tools/call
	chaos *model.ChaosApplied
}

// Proxy relays one client<->tool-server session for the lifetime of a Run.
type Proxy struct {
	runID         string
	agentID       string
	targetCommand string

	store journal.Store
	bus   *fanout.Bus
	chaos chaos.Engine
	audit audit.Logger
	log   *zap.Logger

	mu         sync.Mutex
	inFlight   map[string]pending
	totalCalls int
	totalErrs  int
	lostCalls  int
}

// Config bundles a Proxy's collaborators and the run it will drive.
type Config struct {
	RunID         string
	AgentID       string
	TargetCommand string
	Chaos         chaos.Engine
	Store         journal.Store
	Bus           *fanout.Bus
	Audit         audit.Logger
	Log           *zap.Logger
}

// New constructs a Proxy bound to an already-created pending Run.
func New(cfg Config) *Proxy {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	engine := cfg.Chaos
	if engine == nil {
		engine = chaos.NewEngine(nil)
	}
	return &Proxy{
		runID:         cfg.RunID,
		agentID:       cfg.AgentID,
		targetCommand: cfg.TargetCommand,
		store:         cfg.Store,
		bus:           cfg.Bus,
		chaos:         engine,
		audit:         cfg.Audit,
		log:           log,
		inFlight:      make(map[string]pending),
	}
}

// Run spawns the target command and pumps client<->server traffic until
// either side closes or ctx is canceled. client is the proxy's own
// stdin/stdout pair (the AI client's side of the stdio pipe).
func (p *Proxy) Run(ctx context.Context, clientIn io.Reader, clientOut io.Writer) error {
	cmd, err := procspawn.Command(ctx, p.targetCommand)
	if err != nil {
		p.markFailed(ctx, "spawn failed: "+err.Error())
		return fmt.Errorf("proxy: %w", err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.markFailed(ctx, "spawn failed: "+err.Error())
		return fmt.Errorf("proxy: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.markFailed(ctx, "spawn failed: "+err.Error())
		return fmt.Errorf("proxy: stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		p.markFailed(ctx, "spawn failed: "+err.Error())
		return fmt.Errorf("proxy: start: %w", err)
	}

	if err := p.store.UpdateRunStatus(ctx, p.runID, model.RunStatusRunning, nil); err != nil {
		p.log.Warn("proxy: mark running failed", zap.Error(err))
	}
	p.emitEvent(ctx, &model.Event{RunID: p.runID, Kind: model.EventSessionStart, Timestamp: time.Now().UTC()})
	if p.audit != nil {
		p.audit.LogSessionStarted(ctx, p.runID)
	}
	metrics.ProxySessionsActive.Inc()
	defer metrics.ProxySessionsActive.Dec()

	var wg sync.WaitGroup
	wg.Add(2)

	done := make(chan struct{}, 2)
	var c2sErr, s2cErr error
	go func() {
		defer wg.Done()
		defer stdin.Close()
		c2sErr = p.pump(ctx, clientIn, stdin, directionClientToServer)
		done <- struct{}{}
	}()
	go func() {
		defer wg.Done()
		s2cErr = p.pump(ctx, stdout, clientOut, directionServerToClient)
		done <- struct{}{}
	}()

	// Either side closing ends the run (spec.md §4.1, §5): a client-stdin EOF
	// terminates the tool server, and a tool-server exit ends the run even if
	// the client never closes its side. Don't wait unconditionally for both
	// pumps to return on their own — the peer that's still open may hold a
	// blocking Read forever. Give the other side a short grace window first,
	// since a well-behaved tool server notices stdin EOF and exits on its
	// own, flushing any reply already in flight; once the grace window
	// elapses, force the issue outright.
	<-done
	allDone := make(chan struct{})
	go func() { wg.Wait(); close(allDone) }()
	var killedByProxy bool
	select {
	case <-allDone:
	case <-time.After(shutdownGrace):
		killedByProxy = true
		_ = cmd.Process.Kill()
		if closer, ok := clientIn.(io.Closer); ok {
			_ = closer.Close()
		}
		<-allDone
	}
	waitErr := cmd.Wait()
	if killedByProxy {
		// The tool server didn't exit on its own within the grace window
		// after the other side closed; being killed by the proxy itself is
		// an expected end-of-run, not a relay failure, so its exit status
		// isn't surfaced as an error.
		waitErr = nil
	}

	p.emitEvent(ctx, &model.Event{RunID: p.runID, Kind: model.EventSessionEnd, Timestamp: time.Now().UTC()})
	if p.audit != nil {
		counters := p.snapshotCounters()
		p.audit.LogSessionEnded(ctx, p.runID, counters.TotalCalls, counters.TotalErrors)
	}

	if c2sErr != nil || s2cErr != nil {
		p.markFailed(ctx, "peer write failed")
		return fmt.Errorf("proxy: relay failed: client=%v server=%v", c2sErr, s2cErr)
	}

	counters := p.snapshotCounters()
	if err := p.store.UpdateRunStatus(ctx, p.runID, model.RunStatusCompleted, &counters); err != nil {
		p.log.Warn("proxy: mark completed failed", zap.Error(err))
	}
	return waitErr
}

type direction string

const (
	directionClientToServer direction = "client_to_server"
	directionServerToClient direction = "server_to_client"
)

// pump copies newline-delimited messages from src to dst, journaling and
// chaos-processing any line that parses as JSON-RPC. A line that fails to
// parse is forwarded verbatim and never journaled, per spec.md §4.1's
// framing rule.
func (p *Proxy) pump(ctx context.Context, src io.Reader, dst io.Writer, dir direction) error {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			if _, werr := dst.Write(append(append([]byte{}, line...), '\n')); werr != nil {
				return werr
			}
			continue
		}

		metrics.ProxyRPCTotal.WithLabelValues(string(dir), msg.Method).Inc()

		out := line
		switch {
		case dir == directionClientToServer && msg.isRequest():
			out = p.handleOutboundRequest(ctx, msg, line)
		case dir == directionServerToClient && msg.isResponse():
			out = p.handleInboundResponse(ctx, msg, line)
		default:
			p.journalPassthrough(ctx, msg)
		}

		if _, err := dst.Write(append(out, '\n')); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// handleOutboundRequest records a request's arrival time for later latency
// measurement and, for tools/call, applies chaos before forwarding.
func (p *Proxy) handleOutboundRequest(ctx context.Context, msg rpcMessage, raw []byte) []byte {
	key := idKey(msg.ID)
	tool := ""
	if msg.Method == "tools/call" {
		tool = toolNameFromParams(msg.Params)
	}

	var applied *model.ChaosApplied
	if tool != "" {
		a := p.chaos.Apply(tool)
		applied = &a
	}

	p.mu.Lock()
	_, evicted := p.inFlight[key]
	if evicted {
		p.lostCalls++
		metrics.ProxyLostCallsTotal.WithLabelValues(p.runID).Inc()
	}
	p.inFlight[key] = pending{start: time.Now(), tool: tool, chaos: applied}
	p.mu.Unlock()

	if evicted {
		// Journaled so LostCalls stays recomputable from events alone (the
		// crash-recovery sweep in internal/journal recomputes counters purely
		// from trace_events, never from in-memory state).
		p.emitEvent(ctx, &model.Event{
			RunID:         p.runID,
			Kind:          model.EventLostCall,
			Timestamp:     time.Now().UTC(),
			Method:        msg.Method,
			CorrelationID: key,
		})
	}

	p.emitEvent(ctx, &model.Event{
		RunID:         p.runID,
		Kind:          model.EventRPCRequest,
		Timestamp:     time.Now().UTC(),
		Method:        msg.Method,
		Tool:          tool,
		Params:        msg.Params,
		CorrelationID: key,
	})

	if tool == "" {
		return raw
	}

	p.mu.Lock()
	p.totalCalls++
	p.mu.Unlock()
	metrics.ProxyToolCallsTotal.WithLabelValues(tool).Inc()

	if applied.DelayMs > 0 {
		metrics.ChaosDelayInjectedTotal.WithLabelValues(tool).Inc()
		select {
		case <-time.After(time.Duration(applied.DelayMs) * time.Millisecond):
		case <-ctx.Done():
		}
	}

	p.emitEvent(ctx, &model.Event{
		RunID:         p.runID,
		Kind:          model.EventToolCall,
		Timestamp:     time.Now().UTC(),
		Method:        msg.Method,
		Tool:          tool,
		Params:        msg.Params,
		CorrelationID: key,
	})

	return raw
}

// handleInboundResponse completes the correlation for a response, applies
// response-side chaos (error substitution / corruption) for tools/call
// responses, and records latency plus the ChaosApplied descriptor.
func (p *Proxy) handleInboundResponse(ctx context.Context, msg rpcMessage, raw []byte) []byte {
	key := idKey(msg.ID)

	p.mu.Lock()
	pend, ok := p.inFlight[key]
	if ok {
		delete(p.inFlight, key)
	}
	p.mu.Unlock()

	var latencyMs *int64
	if ok {
		l := time.Since(pend.start).Milliseconds()
		latencyMs = &l
	}

	tool := ""
	var applied *model.ChaosApplied
	if ok {
		tool = pend.tool
		applied = pend.chaos
	}

	out := raw
	if applied != nil {
		if applied.ErrorInjected {
			metrics.ChaosErrorsInjectedTotal.WithLabelValues(tool).Inc()
			out = injectError(msg, tool)
		} else if applied.Corrupted {
			metrics.ChaosCorruptionsInjectedTotal.WithLabelValues(tool).Inc()
			out = corruptResponse(msg)
		}

		if msg.Error != nil && len(msg.Error) > 0 && !applied.ErrorInjected {
			p.mu.Lock()
			p.totalErrs++
			p.mu.Unlock()
		}

		if latencyMs != nil {
			metrics.ProxyToolCallDuration.WithLabelValues(tool).Observe(time.Duration(*latencyMs * int64(time.Millisecond)).Seconds())
		}
	}

	p.emitEvent(ctx, &model.Event{
		RunID:         p.runID,
		Kind:          model.EventRPCResponse,
		Timestamp:     time.Now().UTC(),
		Method:        msg.Method,
		Tool:          tool,
		Result:        msg.Result,
		Error:         msg.Error,
		CorrelationID: key,
		LatencyMs:     latencyMs,
		ChaosApplied:  applied,
	})

	if tool != "" {
		p.emitEvent(ctx, &model.Event{
			RunID:         p.runID,
			Kind:          model.EventToolResult,
			Timestamp:     time.Now().UTC(),
			Tool:          tool,
			Result:        msg.Result,
			Error:         msg.Error,
			CorrelationID: key,
			LatencyMs:     latencyMs,
			ChaosApplied:  applied,
		})
	}

	return out
}

// journalPassthrough records a parseable JSON-RPC line that is neither a
// tracked request nor response (e.g. a notification) as an rpc_request event
// without altering it. A line without a method is not recorded.
func (p *Proxy) journalPassthrough(ctx context.Context, msg rpcMessage) {
	if msg.Method == "" {
		return
	}
	p.emitEvent(ctx, &model.Event{
		RunID:     p.runID,
		Kind:      model.EventRPCRequest,
		Timestamp: time.Now().UTC(),
		Method:    msg.Method,
		Params:    msg.Params,
	})
}

func (p *Proxy) emitEvent(ctx context.Context, e *model.Event) {
	if _, err := p.store.InsertEvent(ctx, e); err != nil {
		p.log.Error("proxy: journal write failed", zap.Error(err), zap.String("kind", string(e.Kind)))
		metrics.JournalWriteErrorsTotal.Inc()
		if p.audit != nil {
			p.audit.LogJournalWriteError(ctx, p.runID, err)
		}
		return
	}
	metrics.JournalEventsWrittenTotal.WithLabelValues(string(e.Kind)).Inc()

	if p.bus == nil {
		return
	}
	p.bus.Publish(fanout.RunTopic(p.runID), e)
	if p.agentID != "" {
		p.bus.Publish(fanout.AgentTopic(p.agentID), e)
	}
	p.bus.Publish(fanout.GlobalTopic, e)
}

func (p *Proxy) snapshotCounters() model.Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return model.Counters{
		TotalCalls:  p.totalCalls,
		TotalErrors: p.totalErrs,
		LostCalls:   p.lostCalls,
	}
}

func (p *Proxy) markFailed(ctx context.Context, reason string) {
	counters := p.snapshotCounters()
	if err := p.store.UpdateRunStatus(ctx, p.runID, model.RunStatusFailed, &counters); err != nil {
		p.log.Warn("proxy: mark failed transition rejected", zap.Error(err))
	}
	if p.audit != nil {
		p.audit.LogRunStatusChanged(ctx, p.runID, string(model.RunStatusFailed)+": "+reason)
	}
}

// toolNameFromParams extracts "name" from a tools/call request's params
// object; returns "" if params is absent or malformed.
func toolNameFromParams(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return p.Name
}

// injectError replaces a tools/call response with a synthetic JSON-RPC
// error, preserving jsonrpc and id.
func injectError(msg rpcMessage, tool string) []byte {
	errPayload := map[string]any{
		"jsonrpc": firstNonEmpty(msg.JSONRPC, "2.0"),
		"id":      rawOrNull(msg.ID),
		"error": map[string]any{
			"code":    -32000,
			"message": "chaos: injected failure for tool " + tool,
		},
	}
	b, err := json.Marshal(errPayload)
	if err != nil {
		return nil
	}
	return b
}

// corruptResponse replaces a tools/call response's result with the
// corruption envelope {...original, _corrupted:true, _originalKeys:[...]},
// preserving jsonrpc and id.
func corruptResponse(msg rpcMessage) []byte {
	var original map[string]any
	keys := []string{}
	if len(msg.Result) > 0 {
		_ = json.Unmarshal(msg.Result, &original)
		for k := range original {
			keys = append(keys, k)
		}
	}
	if original == nil {
		original = map[string]any{}
	}
	corrupted := make(map[string]any, len(original)+2)
	for k, v := range original {
		corrupted[k] = v
	}
	corrupted["_corrupted"] = true
	corrupted["_originalKeys"] = keys

	payload := map[string]any{
		"jsonrpc": firstNonEmpty(msg.JSONRPC, "2.0"),
		"id":      rawOrNull(msg.ID),
		"result":  corrupted,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
