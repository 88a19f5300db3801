package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO required

	"github.com/toolproxy/toolproxy/internal/model"
)

// migrations builds the five-table relational catalog of spec.md §6:
// projects, agents, runs, trace_events, plus schema_versions for tracking
// which migrations have applied. Cascading delete from parent to child is
// mandatory and is expressed with ON DELETE CASCADE at every level, which
// requires `PRAGMA foreign_keys=ON` (set in NewSQLiteStore).
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS projects (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
    id          TEXT PRIMARY KEY,
    project_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    target      TEXT NOT NULL,
    chaos       TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    UNIQUE(project_id, name)
);
CREATE INDEX IF NOT EXISTS idx_agents_project_id ON agents(project_id);

CREATE TABLE IF NOT EXISTS runs (
    id              TEXT PRIMARY KEY,
    agent_id        TEXT REFERENCES agents(id) ON DELETE CASCADE,
    kind            TEXT NOT NULL,
    target          TEXT NOT NULL,
    chaos           TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    started_at      DATETIME,
    ended_at        DATETIME,
    created_at      DATETIME NOT NULL,
    total_calls     INTEGER NOT NULL DEFAULT 0,
    total_errors    INTEGER NOT NULL DEFAULT 0,
    lost_calls      INTEGER NOT NULL DEFAULT 0,
    stress_passed   INTEGER NOT NULL DEFAULT 0,
    stress_graceful INTEGER NOT NULL DEFAULT 0,
    stress_crashed  INTEGER NOT NULL DEFAULT 0,
    score           INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_agent_id   ON runs(agent_id);
CREATE INDEX IF NOT EXISTS idx_runs_status     ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_kind       ON runs(kind);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);

CREATE TABLE IF NOT EXISTS trace_events (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id               TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    kind                 TEXT NOT NULL,
    timestamp            DATETIME NOT NULL,
    method               TEXT NOT NULL DEFAULT '',
    tool_name            TEXT NOT NULL DEFAULT '',
    params               TEXT NOT NULL DEFAULT '',
    result               TEXT NOT NULL DEFAULT '',
    error                TEXT NOT NULL DEFAULT '',
    correlation_id       TEXT NOT NULL DEFAULT '',
    latency_ms           INTEGER,
    chaos_applied        TEXT NOT NULL DEFAULT '',
    stress_mutation_kind TEXT NOT NULL DEFAULT '',
    stress_outcome       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trace_events_run_id    ON trace_events(run_id);
CREATE INDEX IF NOT EXISTS idx_trace_events_method    ON trace_events(method);
CREATE INDEX IF NOT EXISTS idx_trace_events_tool_name ON trace_events(tool_name);
`,
	},
}

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs all
// pending schema migrations. Pass ":memory:" for an ephemeral store (used
// throughout this module's tests).
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// A single shared in-memory connection; SQLite's in-memory
		// databases are otherwise per-connection and migrations on one
		// connection would be invisible to pooled connections.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}
	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// ─── Projects ──────────────────────────────────────────────────────────────

func (s *sqliteStore) CreateProject(ctx context.Context, name, description string) (*model.Project, error) {
	p := &model.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects(id, name, description, created_at) VALUES(?,?,?,?)`,
		p.ID, p.Name, p.Description, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("project %q: %w", name, ErrConflict)
		}
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

func (s *sqliteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description, created_at FROM projects WHERE id=?`, id)
	p := &model.Project{}
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *sqliteStore) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	var out []*model.Project
	for rows.Next() {
		p := &model.Project{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return checkAffected(res, ErrNotFound)
}

// ─── Agents ────────────────────────────────────────────────────────────────

func (s *sqliteStore) CreateAgent(ctx context.Context, projectID, name, target string, chaos model.ChaosConfig) (*model.Agent, error) {
	a := &model.Agent{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		Target:    target,
		Chaos:     chaos,
		CreatedAt: now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents(id, project_id, name, target, chaos, created_at) VALUES(?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Name, a.Target, string(chaos), a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("agent %q in project %q: %w", name, projectID, ErrConflict)
		}
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return a, nil
}

func (s *sqliteStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, project_id, name, target, chaos, created_at FROM agents WHERE id=?`, id)
	return scanAgent(row)
}

func (s *sqliteStore) ListAgents(ctx context.Context, projectID string) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, target, chaos, created_at FROM agents WHERE project_id=? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return checkAffected(res, ErrNotFound)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*model.Agent, error) {
	a := &model.Agent{}
	var chaos string
	if err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Target, &chaos, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if chaos != "" {
		a.Chaos = model.ChaosConfig(chaos)
	}
	return a, nil
}

// ─── Runs ──────────────────────────────────────────────────────────────────

func (s *sqliteStore) CreateRun(ctx context.Context, agentID string, kind model.RunKind, target string, chaos model.ChaosConfig) (*model.Run, error) {
	if agentID != "" {
		if err := s.cleanupStale(ctx, agentID, kind); err != nil {
			return nil, fmt.Errorf("cleanup stale runs: %w", err)
		}
	}
	r := &model.Run{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Kind:      kind,
		Target:    target,
		Chaos:     chaos,
		Status:    model.RunStatusPending,
		CreatedAt: now().UTC(),
	}
	var agentCol any
	if agentID != "" {
		agentCol = agentID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, agent_id, kind, target, chaos, status, created_at) VALUES(?,?,?,?,?,?,?)`,
		r.ID, agentCol, string(kind), r.Target, string(chaos), string(r.Status), r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return r, nil
}

// cleanupStale promotes any run still "running" for (agentID, kind) to
// completed, recomputing its counters from its own events first. Scoped to
// (agent, kind) so it never disturbs unrelated concurrent runs.
func (s *sqliteStore) cleanupStale(ctx context.Context, agentID string, kind model.RunKind) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE agent_id=? AND kind=? AND status=?`,
		agentID, string(kind), string(model.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("find stale runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan stale run: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		counters, err := s.RecomputeCounters(ctx, id)
		if err != nil {
			return fmt.Errorf("recompute stale run %s: %w", id, err)
		}
		if err := s.UpdateRunStatus(ctx, id, model.RunStatusCompleted, &counters); err != nil {
			return fmt.Errorf("complete stale run %s: %w", id, err)
		}
	}
	return nil
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, runSelectColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row)
}

const runSelectColumns = `SELECT id, agent_id, kind, target, chaos, status, started_at, ended_at, created_at,
	total_calls, total_errors, lost_calls, stress_passed, stress_graceful, stress_crashed, score`

func scanRun(row scanner) (*model.Run, error) {
	r := &model.Run{}
	var agentID sql.NullString
	var chaos string
	var startedAt, endedAt sql.NullTime
	var kind, status string
	if err := row.Scan(&r.ID, &agentID, &kind, &r.Target, &chaos, &status, &startedAt, &endedAt, &r.CreatedAt,
		&r.Counters.TotalCalls, &r.Counters.TotalErrors, &r.Counters.LostCalls,
		&r.Counters.StressPassed, &r.Counters.StressGraceful, &r.Counters.StressCrashed, &r.Counters.Score); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.AgentID = agentID.String
	r.Kind = model.RunKind(kind)
	r.Status = model.RunStatus(status)
	if chaos != "" {
		r.Chaos = model.ChaosConfig(chaos)
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	return r, nil
}

func (s *sqliteStore) ListRuns(ctx context.Context, f RunFilter) ([]*model.Run, error) {
	q := runSelectColumns + ` FROM runs WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		q += ` AND agent_id=?`
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		q += ` AND status=?`
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		q += ` AND kind=?`
		args = append(args, string(f.Kind))
	}
	if f.TargetSubstr != "" {
		q += ` AND target LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(f.TargetSubstr)+"%")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *sqliteStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return checkAffected(res, ErrNotFound)
}

func (s *sqliteStore) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, counters *model.Counters) error {
	current, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if !model.CanTransition(current.Status, status) {
		return fmt.Errorf("run %s: %s -> %s: %w", id, current.Status, status, ErrInvalidTransition)
	}

	t := now().UTC()
	var startedAt, endedAt any
	if current.StartedAt != nil {
		startedAt = *current.StartedAt
	} else if status == model.RunStatusRunning {
		startedAt = t
	}
	if current.EndedAt != nil {
		endedAt = *current.EndedAt
	} else if status == model.RunStatusCompleted || status == model.RunStatusFailed {
		endedAt = t
	}

	c := current.Counters
	if counters != nil {
		c = *counters
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status=?, started_at=?, ended_at=?,
			total_calls=?, total_errors=?, lost_calls=?,
			stress_passed=?, stress_graceful=?, stress_crashed=?, score=?
		WHERE id=?`,
		string(status), startedAt, endedAt,
		c.TotalCalls, c.TotalErrors, c.LostCalls,
		c.StressPassed, c.StressGraceful, c.StressCrashed, c.Score,
		id)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecomputeCounters(ctx context.Context, runID string) (model.Counters, error) {
	var c model.Counters
	// Mirrors the live counters in internal/proxy exactly: TotalCalls only
	// counts tools/call traffic (kind='tool_call', never plain rpc_request),
	// and TotalErrors only counts matched, non-chaos-injected tool-call
	// errors (kind='tool_result', excluding rows whose chaos_applied marks
	// error_injected — the omitempty encoding leaves that field absent, i.e.
	// NULL under json_extract, when chaos didn't inject the error).
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE kind='tool_call'),
			COUNT(*) FILTER (WHERE kind='tool_result' AND error != ''
				AND json_extract(chaos_applied, '$.error_injected') IS NOT 1),
			COUNT(*) FILTER (WHERE kind='lost_call'),
			COUNT(*) FILTER (WHERE kind='stress_mutation' AND stress_outcome='pass'),
			COUNT(*) FILTER (WHERE kind='stress_mutation' AND stress_outcome='graceful_fail'),
			COUNT(*) FILTER (WHERE kind='stress_mutation' AND stress_outcome='crash_or_hang')
		FROM trace_events WHERE run_id=?`, runID)
	if err := row.Scan(&c.TotalCalls, &c.TotalErrors, &c.LostCalls, &c.StressPassed, &c.StressGraceful, &c.StressCrashed); err != nil {
		return c, fmt.Errorf("recompute counters: %w", err)
	}
	total := c.StressPassed + c.StressGraceful + c.StressCrashed
	if total > 0 {
		c.Score = int((100*(c.StressPassed+c.StressGraceful) + total/2) / total)
	}
	return c, nil
}

func (s *sqliteStore) LatestStressRun(ctx context.Context, agentID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, runSelectColumns+`
		FROM runs WHERE agent_id=? AND kind=? AND status IN (?,?)
		ORDER BY created_at DESC LIMIT 1`,
		agentID, string(model.RunKindStress), string(model.RunStatusCompleted), string(model.RunStatusFailed))
	return scanRun(row)
}

// ─── Events ────────────────────────────────────────────────────────────────

func (s *sqliteStore) InsertEvent(ctx context.Context, e *model.Event) (int64, error) {
	var chaos string
	if e.ChaosApplied != nil {
		b, err := marshalChaos(e.ChaosApplied)
		if err != nil {
			return 0, fmt.Errorf("marshal chaos applied: %w", err)
		}
		chaos = b
	}
	var latency any
	if e.LatencyMs != nil {
		latency = *e.LatencyMs
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trace_events(run_id, kind, timestamp, method, tool_name, params, result, error,
			correlation_id, latency_ms, chaos_applied, stress_mutation_kind, stress_outcome)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.RunID, string(e.Kind), e.Timestamp, e.Method, e.Tool,
		string(e.Params), string(e.Result), string(e.Error),
		e.CorrelationID, latency, chaos, e.StressMutationKind, string(e.StressOutcome))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) GetEvents(ctx context.Context, runID string, limit, offset int) ([]*model.Event, error) {
	q := `SELECT id, run_id, kind, timestamp, method, tool_name, params, result, error,
		correlation_id, latency_ms, chaos_applied, stress_mutation_kind, stress_outcome
		FROM trace_events WHERE run_id=? ORDER BY id ASC`
	args := []any{runID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
		if offset > 0 {
			q += ` OFFSET ?`
			args = append(args, offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()
	var out []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row scanner) (*model.Event, error) {
	e := &model.Event{}
	var kind, params, result, errPayload, chaos, outcome string
	var latency sql.NullInt64
	if err := row.Scan(&e.ID, &e.RunID, &kind, &e.Timestamp, &e.Method, &e.Tool,
		&params, &result, &errPayload, &e.CorrelationID, &latency, &chaos,
		&e.StressMutationKind, &outcome); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.Kind = model.EventKind(kind)
	e.StressOutcome = model.StressOutcome(outcome)
	if params != "" {
		e.Params = []byte(params)
	}
	if result != "" {
		e.Result = []byte(result)
	}
	if errPayload != "" {
		e.Error = []byte(errPayload)
	}
	if latency.Valid {
		e.LatencyMs = &latency.Int64
	}
	if chaos != "" {
		ca, err := unmarshalChaos(chaos)
		if err != nil {
			return nil, fmt.Errorf("unmarshal chaos applied: %w", err)
		}
		e.ChaosApplied = ca
	}
	return e, nil
}

func checkAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}

func marshalChaos(ca *model.ChaosApplied) (string, error) {
	b, err := json.Marshal(ca)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalChaos(s string) (*model.ChaosApplied, error) {
	ca := &model.ChaosApplied{}
	if err := json.Unmarshal([]byte(s), ca); err != nil {
		return nil, err
	}
	return ca, nil
}
