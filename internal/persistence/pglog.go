// Package persistence optionally persists each task's task_log (spec.md §3
// Orchestrator State) to Postgres after the task ends, for audit/debugging.
// It is asynchronous and additive: state is still fully in-memory during a
// task's own lifetime (spec §3's Lifecycle rule) and is never read back by
// the orchestrator itself.
//
// Grounded on the teacher's internal/config/config.go pgxpool.Pool wiring
// and internal/agentd/utils.go's databasesTestPool connection-pool pattern.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createTaskLogTable = `
CREATE TABLE IF NOT EXISTS task_log (
	task_id     TEXT PRIMARY KEY,
	role        TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	answer      TEXT,
	events      JSONB NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
)`

// Store wraps the connection pool used to persist task_log records.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the task_log table exists. Callers only
// invoke this when TASK_LOG_DATABASE_URL is configured (see
// cmd/agentrunner-server/main.go); there is no default DSN.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTaskLogTable); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Record is one completed task's task_log, persisted in full since the
// in-memory copy is discarded once the task returns.
type Record struct {
	TaskID     string
	Role       string
	Outcome    string
	Answer     string
	Events     []EventEntry
	FinishedAt time.Time
}

// EventEntry is a compact, JSON-serializable projection of one
// orchestrator.Event, independent of that package's internal field layout.
type EventEntry struct {
	Kind    string `json:"kind"`
	Text    string `json:"text,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// Persist writes one Record. It is safe to call from a goroutine spawned
// after the task's HTTP response has already completed.
func (s *Store) Persist(ctx context.Context, rec Record) error {
	if s == nil {
		return nil
	}
	events, err := json.Marshal(rec.Events)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_log (task_id, role, outcome, answer, events, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (task_id) DO UPDATE SET outcome = $3, answer = $4, events = $5, finished_at = $6`,
		rec.TaskID, rec.Role, rec.Outcome, rec.Answer, events, rec.FinishedAt)
	return err
}

// Close releases the underlying pool's connections.
func (s *Store) Close() {
	if s == nil {
		return
	}
	s.pool.Close()
}
