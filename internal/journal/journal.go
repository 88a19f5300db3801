// Package journal provides the durable catalog of Projects, Agents, and
// Runs, plus the append-only Event log each Run owns.
//
// Responsibilities:
//   - Create and look up Projects, Agents, and Runs with uniqueness and
//     cascade-delete semantics (Project -> Agents -> Runs -> Events).
//   - Append Events with a server-assigned, strictly-increasing-per-run id.
//   - Serve indexed reads: list runs by agent/status/kind/target substring,
//     page through a run's events in id order.
//   - Recover crashed "running" runs left behind by a prior process: any
//     run still marked running for the same (agent, kind) pair is promoted
//     to completed, with counters recomputed from its events, before a new
//     run is created for that pair. This is intentional crash recovery
//     (spec.md §9 "Cleanup of stale running runs"), not a bug.
//
// Concurrency: writes are serialized through a single *sql.DB handle in
// WAL mode; SQLite's own locking gives single-writer, multiple-reader
// semantics without an explicit mutex in this package. Every write is a
// transaction: either it commits in full or the store is left unchanged.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/toolproxy/toolproxy/internal/model"
)

// Sentinel errors forming the spec.md §7 error taxonomy surface that this
// package can itself raise.
var (
	// ErrConflict is returned when creating a Project or Agent whose
	// identifying name already exists in its scope.
	ErrConflict = errors.New("journal: conflict")
	// ErrNotFound is returned when a lookup names an id that does not exist.
	ErrNotFound = errors.New("journal: not found")
	// ErrInvalidTransition is returned when a status update would move a
	// Run's status backwards or away from a terminal state.
	ErrInvalidTransition = errors.New("journal: invalid run status transition")
)

// RunFilter narrows list_runs per spec.md §4.2.
type RunFilter struct {
	AgentID       string // exact match, empty = any
	Status        model.RunStatus
	Kind          model.RunKind
	TargetSubstr  string // case-insensitive substring of the run's target
	Limit, Offset int
}

// Store is the Journal Store contract. A single implementation
// (sqliteStore) backs it; the interface exists so tests and the proxy/
// stress runner can be exercised against an in-memory SQLite handle
// without touching disk.
type Store interface {
	CreateProject(ctx context.Context, name, description string) (*model.Project, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
	DeleteProject(ctx context.Context, id string) error

	CreateAgent(ctx context.Context, projectID, name, target string, chaos model.ChaosConfig) (*model.Agent, error)
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgents(ctx context.Context, projectID string) ([]*model.Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	// CreateRun first runs cleanup_stale(agentID, kind) (a no-op when
	// agentID is empty), then inserts a new pending Run snapshotting the
	// given target/chaos.
	CreateRun(ctx context.Context, agentID string, kind model.RunKind, target string, chaos model.ChaosConfig) (*model.Run, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*model.Run, error)
	DeleteRun(ctx context.Context, id string) error

	// UpdateRunStatus performs a monotonic status transition; a backwards
	// one returns an error wrapping ErrInvalidTransition. The first move to
	// running sets started_at and the first move to completed or failed
	// sets ended_at, both to the current time; counters, if non-nil,
	// replace the cached run counters.
	UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, counters *model.Counters) error

	// RecomputeCounters derives Counters from the run's own events. Used
	// by cleanup_stale and by callers asserting the terminal-state
	// invariant that stored counters equal a recomputation.
	RecomputeCounters(ctx context.Context, runID string) (model.Counters, error)

	// LatestStressRun returns the most recent completed or failed stress
	// run for an agent, or ErrNotFound if none exists.
	LatestStressRun(ctx context.Context, agentID string) (*model.Run, error)

	InsertEvent(ctx context.Context, e *model.Event) (int64, error)
	GetEvents(ctx context.Context, runID string, limit, offset int) ([]*model.Event, error)

	Close() error
}

// now is a seam for tests; overridden only in test files.
var now = time.Now
