package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/toolproxy/toolproxy/internal/chaos"
	"github.com/toolproxy/toolproxy/internal/fanout"
	"github.com/toolproxy/toolproxy/internal/journal"
	"github.com/toolproxy/toolproxy/internal/model"
)

// newFakeToolServer writes an executable shell script that reads one line
// of stdin and replies with a single fixed JSON-RPC response line,
// standing in for a real downstream tool server.
func newFakeToolServer(t *testing.T, responseLine string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake_tool_server.sh")
	script := fmt.Sprintf("#!/bin/sh\nread -r _line\nprintf '%%s\\n' %s\n", shellQuote(responseLine))
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake tool server: %v", err)
	}
	return path
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func newTestStore(t *testing.T) journal.Store {
	t.Helper()
	store, err := journal.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestRun(t *testing.T, store journal.Store, target string, chaosCfg model.ChaosConfig) *model.Run {
	t.Helper()
	run, err := store.CreateRun(context.Background(), "", model.RunKindProxy, target, chaosCfg)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

// Scenario 1 (spec.md §8): a happy proxy round-trip with no chaos. cat
// echoes the initialize request back verbatim, so the client sees the
// request line, an rpc_request event for initialize is journaled, and the
// run ends completed.
func TestProxyHappyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun(t, store, "cat", nil)

	p := New(Config{
		RunID:         run.ID,
		TargetCommand: "cat", // echoes stdin back on stdout, verbatim
		Store:         store,
		Bus:           fanout.NewBus(16),
		Chaos:         chaos.NewEngine(nil),
	})

	clientIn := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n")
	var clientOut bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Run(ctx, clientIn, &clientOut); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.Contains(clientOut.String(), `"method":"initialize"`) {
		t.Fatalf("expected the request echoed back verbatim by cat, got %q", clientOut.String())
	}

	events, err := store.GetEvents(context.Background(), run.ID, 100, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}

	var sawRequest bool
	for _, e := range events {
		if e.Kind == model.EventRPCRequest && e.Method == "initialize" {
			sawRequest = true
		}
	}
	if !sawRequest {
		t.Fatalf("expected a journaled rpc_request event for initialize, got %+v", events)
	}

	final, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Status != model.RunStatusCompleted {
		t.Fatalf("expected run completed, got %s", final.Status)
	}
}

// Scenario 2 (spec.md §8): seed=1, a global delayMs rule with p=1.0 and a
// fixed value of 500 must delay the tools/call response by at least 500ms
// and record chaos_applied.delayMs=500 / seed=1 on the rpc_response event.
func TestProxyChaosDelayAppliedToToolCall(t *testing.T) {
	store := newTestStore(t)

	value := 500
	chaosCfg := chaos.Config{
		Seed: 1,
		Global: &chaos.Rule{
			DelayMs: &chaos.Probabilistic{P: 1.0, Value: &value},
		},
	}
	chaosJSON, err := json.Marshal(chaosCfg)
	if err != nil {
		t.Fatalf("marshal chaos config: %v", err)
	}

	target := newFakeToolServer(t, `{"jsonrpc":"2.0","id":7,"result":{"output":"ok"}}`)
	run := newTestRun(t, store, target, model.ChaosConfig(chaosJSON))

	p := New(Config{
		RunID:         run.ID,
		TargetCommand: target,
		Store:         store,
		Bus:           fanout.NewBus(16),
		Chaos:         chaos.NewEngine(&chaosCfg),
	})

	req := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{}}}` + "\n"
	clientIn := strings.NewReader(req)
	var clientOut bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := p.Run(ctx, clientIn, &clientOut); err != nil {
		t.Fatalf("Run: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 500*time.Millisecond {
		t.Fatalf("expected at least 500ms of chaos delay, observed %s", elapsed)
	}

	events, err := store.GetEvents(context.Background(), run.ID, 100, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}

	var found bool
	for _, e := range events {
		if e.Kind == model.EventRPCResponse && e.Tool == "echo" {
			found = true
			if e.ChaosApplied == nil {
				t.Fatalf("expected chaos_applied on the rpc_response event")
			}
			if e.ChaosApplied.DelayMs != 500 {
				t.Fatalf("expected chaos_applied.delayMs=500, got %d", e.ChaosApplied.DelayMs)
			}
			if e.ChaosApplied.Seed != 1 {
				t.Fatalf("expected chaos_applied.seed=1, got %d", e.ChaosApplied.Seed)
			}
		}
	}
	if !found {
		t.Fatalf("expected a journaled rpc_response event for tool echo, got %+v", events)
	}
}

// A request id reused before its first response arrives evicts the earlier
// correlation entry as a lost call rather than being retried.
func TestProxyDuplicateCorrelationIDIsLost(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun(t, store, "cat", nil)

	p := New(Config{
		RunID:         run.ID,
		TargetCommand: "cat",
		Store:         store,
		Bus:           fanout.NewBus(16),
		Chaos:         chaos.NewEngine(nil),
	})

	req1 := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"a"}}` + "\n"
	req2 := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"b"}}` + "\n"
	clientIn := strings.NewReader(req1 + req2)
	var clientOut bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Run(ctx, clientIn, &clientOut); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Counters.LostCalls != 1 {
		t.Fatalf("expected 1 lost call from the reused id, got %d", final.Counters.LostCalls)
	}
}

// A line that does not parse as JSON is forwarded verbatim and never
// journaled.
func TestProxyNonJSONLinePassesThroughUnjournaled(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun(t, store, "cat", nil)

	p := New(Config{
		RunID:         run.ID,
		TargetCommand: "cat",
		Store:         store,
		Bus:           fanout.NewBus(16),
		Chaos:         chaos.NewEngine(nil),
	})

	clientIn := strings.NewReader("not json at all\n")
	var clientOut bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Run(ctx, clientIn, &clientOut); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if strings.TrimSpace(clientOut.String()) != "not json at all" {
		t.Fatalf("expected the raw line forwarded verbatim, got %q", clientOut.String())
	}

	events, err := store.GetEvents(context.Background(), run.ID, 100, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	for _, e := range events {
		if e.Kind == model.EventRPCRequest || e.Kind == model.EventRPCResponse {
			t.Fatalf("non-JSON line must not be journaled as rpc traffic, got %+v", e)
		}
	}
}

// Spec.md §4.1: client-stdin EOF terminates the tool server. A server that
// never reads stdin and never exits on its own must not wedge Run forever
// once the client closes its side.
func TestProxyClientEOFTerminatesNonExitingServer(t *testing.T) {
	store := newTestStore(t)

	path := filepath.Join(t.TempDir(), "hangs.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nwhile true; do sleep 1; done\n"), 0o755); err != nil {
		t.Fatalf("write hanging tool server: %v", err)
	}
	run := newTestRun(t, store, path, nil)

	p := New(Config{
		RunID:         run.ID,
		TargetCommand: path,
		Store:         store,
		Bus:           fanout.NewBus(16),
		Chaos:         chaos.NewEngine(nil),
	})

	clientIn := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n")
	var clientOut bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := p.Run(ctx, clientIn, &clientOut); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("Run took %v, expected the wedged tool server killed within the shutdown grace window", elapsed)
	}

	final, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Status != model.RunStatusCompleted {
		t.Fatalf("expected run to reach completed, got %q", final.Status)
	}
}
