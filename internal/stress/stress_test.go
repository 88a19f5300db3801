package stress

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolproxy/toolproxy/internal/fanout"
	"github.com/toolproxy/toolproxy/internal/journal"
	"github.com/toolproxy/toolproxy/internal/model"
)

// writeFakeToolServer builds a minimal shell-scripted tool server that
// answers the fixed handshake and classifies one "path" argument the way
// spec.md's literal scenarios 3 and 4 require: a non-string path draws a
// validation error, a 10,000-character path never replies.
func writeFakeToolServer(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake_tool_server.sh")
	script := `#!/bin/sh
while IFS= read -r line; do
  id=$(printf '%s' "$line" | grep -o '"id":[0-9]*' | head -1 | cut -d: -f2)
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
      ;;
    *'"method":"notifications/initialized"'*)
      ;;
    *'"method":"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"write_file","inputSchema":{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}}]}}\n' "$id"
      ;;
    *'"method":"tools/call"'*)
      case "$line" in
        *'"path":12345'*)
          printf '{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":"Invalid argument: path must be a string"}}\n' "$id"
          ;;
        *'xxxxxxxxxx'*)
          ;;
        *)
          printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id"
          ;;
      esac
      ;;
  esac
done
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake tool server: %v", err)
	}
	return path
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

func newTestRun(t *testing.T, store journal.Store, target string) *model.Run {
	t.Helper()
	run, err := store.CreateRun(context.Background(), "", model.RunKindStress, target, nil)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

// Scenario 3 (spec.md §8): a wrong-type mutation on a required string
// property draws a validation-vocabulary error and classifies graceful_fail.
func TestStressSweepClassifiesValidationError(t *testing.T) {
	store := newTestStore(t)
	target := writeFakeToolServer(t)
	run := newTestRun(t, store, target)

	runner := New(Config{
		RunID:           run.ID,
		TargetCommand:   target,
		Store:           store,
		Bus:             fanout.NewBus(16),
		ProbeTimeout:    2 * time.Second,
		InitializedWait: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events, err := store.GetEvents(context.Background(), run.ID, 1000, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}

	var sawGraceful bool
	for _, e := range events {
		if e.Kind == model.EventStressMutation && e.StressMutationKind == "wrong_type" && e.StressOutcome == model.OutcomeGracefulFail {
			sawGraceful = true
		}
	}
	if !sawGraceful {
		t.Fatalf("expected a graceful_fail stress_mutation event for the wrong_type probe, got %+v", events)
	}

	final, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Counters.StressGraceful < 1 {
		t.Fatalf("expected stress_graceful >= 1, got %d", final.Counters.StressGraceful)
	}
}

// Scenario 4 (spec.md §8): a 10,000-character string mutation against a
// server that never replies times out and classifies crash_or_hang; the
// sweep proceeds to later mutations rather than aborting.
func TestStressSweepClassifiesHangAndContinues(t *testing.T) {
	store := newTestStore(t)
	target := writeFakeToolServer(t)
	run := newTestRun(t, store, target)

	runner := New(Config{
		RunID:           run.ID,
		TargetCommand:   target,
		Store:           store,
		Bus:             fanout.NewBus(16),
		ProbeTimeout:    300 * time.Millisecond, // shortened from the spec's 10s default for test speed
		InitializedWait: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events, err := store.GetEvents(context.Background(), run.ID, 1000, 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}

	var sawHang, sawLaterMutation bool
	hangIndex := -1
	for i, e := range events {
		if e.Kind == model.EventStressMutation && e.StressMutationKind == "boundary" && e.StressOutcome == model.OutcomeCrashOrHang {
			sawHang = true
			hangIndex = i
		}
	}
	if !sawHang {
		t.Fatalf("expected a crash_or_hang stress_mutation event for the boundary probe, got %+v", events)
	}
	for i, e := range events {
		if i > hangIndex && e.Kind == model.EventStressMutation {
			sawLaterMutation = true
		}
	}
	if !sawLaterMutation {
		t.Fatalf("expected the sweep to continue probing after a timeout")
	}

	final, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Counters.StressCrashed < 1 {
		t.Fatalf("expected stress_crashed >= 1, got %d", final.Counters.StressCrashed)
	}
	if final.Status != model.RunStatusCompleted {
		t.Fatalf("expected run completed despite the hang, got %s", final.Status)
	}
}
