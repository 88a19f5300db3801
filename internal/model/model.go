// Package model defines the core data types shared across the tool-proxy:
// Projects, Agents, Runs, and the append-only Events each Run owns.
//
// These types carry no persistence or transport behavior of their own —
// see internal/journal for the store that creates and queries them.
package model

import (
	"encoding/json"
	"time"
)

// RunKind distinguishes a pass-through proxy session from a stress sweep.
type RunKind string

const (
	RunKindProxy  RunKind = "proxy"
	RunKindStress RunKind = "stress"
)

// RunStatus is the run lifecycle state. Transitions are monotonic:
// pending -> running -> {completed, failed}.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// statusRank gives each status its position in the monotonic sequence so
// callers can reject backwards transitions without hard-coding pairs.
var statusRank = map[RunStatus]int{
	RunStatusPending:   0,
	RunStatusRunning:   1,
	RunStatusCompleted: 2,
	RunStatusFailed:    2,
}

// CanTransition reports whether moving from "from" to "to" is forward (or a
// no-op). completed and failed are both terminal and cannot transition to
// each other.
func CanTransition(from, to RunStatus) bool {
	if from == to {
		return true
	}
	if from == RunStatusCompleted || from == RunStatusFailed {
		return false
	}
	return statusRank[to] > statusRank[from]
}

// EventKind is the closed set of journaled observation types.
type EventKind string

const (
	EventSessionStart   EventKind = "session_start"
	EventSessionEnd     EventKind = "session_end"
	EventRPCRequest     EventKind = "rpc_request"
	EventRPCResponse    EventKind = "rpc_response"
	EventToolCall       EventKind = "tool_call"
	EventToolResult     EventKind = "tool_result"
	EventStressMutation EventKind = "stress_mutation"
	EventChatMessage    EventKind = "chat_message"
	EventLostCall       EventKind = "lost_call"
)

// StressOutcome is the classification assigned to a single stress probe.
type StressOutcome string

const (
	OutcomePass         StressOutcome = "pass"
	OutcomeGracefulFail StressOutcome = "graceful_fail"
	OutcomeCrashOrHang  StressOutcome = "crash_or_hang"
)

// Project is the top-level grouping; deleting one cascades to its Agents.
type Project struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// ChaosConfig is copied by value into a Run at creation time, per §3, so
// later edits to an Agent's chaos config never mutate run history. It is
// stored as opaque JSON at the persistence boundary (internal/journal) and
// parsed only where it is consumed (internal/chaos).
type ChaosConfig = json.RawMessage

// Agent is a named, configured tool-server invocation within a Project.
// Name is unique within its owning Project.
type Agent struct {
	ID        string
	ProjectID string
	Name      string
	Target    string // the target-command string, tokenized at spawn time
	Chaos     ChaosConfig
	CreatedAt time.Time
}

// Counters are the cached, event-derived totals stored on a Run. They must
// equal a recomputation from the run's events at any terminal state.
type Counters struct {
	TotalCalls  int
	TotalErrors int
	LostCalls   int // evicted in-flight correlations, one lost_call event each; see SPEC_FULL "Correlation-table eviction accounting"

	// Stress-only counters.
	StressPassed  int
	StressGraceful int
	StressCrashed  int
	Score          int // round(100*(passed+graceful)/total), 0 if total==0
}

// Run is one recorded session: a proxy pass-through or a stress sweep.
type Run struct {
	ID        string
	AgentID   string // empty for agent-less ad hoc runs
	Kind      RunKind
	Target    string // snapshot of the target-command at creation
	Chaos     ChaosConfig
	Status    RunStatus
	StartedAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time
	Counters  Counters
}

// ChaosApplied describes the perturbation decided for one request, as
// recorded on its rpc_response event. Per the spec's Open Question, only
// the seed is retained — not the individual per-decision draws — so replay
// fidelity depends on replaying requests in identical order.
type ChaosApplied struct {
	Seed            int64 `json:"seed"`
	DelayMs         int   `json:"delay_ms,omitempty"`
	ErrorInjected   bool  `json:"error_injected,omitempty"`
	Corrupted       bool  `json:"corrupted,omitempty"`
}

// Event is a single immutable observation appended to a Run's journal.
type Event struct {
	ID        int64
	RunID     string
	Kind      EventKind
	Timestamp time.Time
	Method    string // present for rpc_request/tool_call/lost_call; empty on rpc_response
	Tool      string // present for tool_call/tool_result/stress_mutation

	Params json.RawMessage
	Result json.RawMessage
	Error  json.RawMessage

	CorrelationID string // stringified JSON-RPC id, empty for notifications
	LatencyMs     *int64

	ChaosApplied *ChaosApplied

	StressMutationKind string
	StressOutcome      StressOutcome
}
