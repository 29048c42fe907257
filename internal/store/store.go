// Package store persists finished task runs to PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/copyleftdev/profilepool/internal/taskstypes"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool abstracts *pgxpool.Pool so the store can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS task_runs (
    id               UUID PRIMARY KEY,
    kind             TEXT NOT NULL,
    state            TEXT NOT NULL,
    total            INTEGER NOT NULL,
    processed        INTEGER NOT NULL,
    succeeded        INTEGER NOT NULL,
    failed           INTEGER NOT NULL,
    args             JSONB NOT NULL DEFAULT '{}',
    duration_seconds DOUBLE PRECISION NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL,
    started_at       TIMESTAMPTZ,
    ended_at         TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS task_results (
    task_id     UUID NOT NULL REFERENCES task_runs (id) ON DELETE CASCADE,
    item_id     TEXT NOT NULL,
    success     BOOLEAN NOT NULL,
    message     TEXT NOT NULL,
    error       TEXT NOT NULL,
    data        JSONB,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS task_results_task_id_idx ON task_results (task_id);
`

const insertRunSQL = `
INSERT INTO task_runs (id, kind, state, total, processed, succeeded, failed, args, duration_seconds, created_at, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    state = EXCLUDED.state,
    processed = EXCLUDED.processed,
    succeeded = EXCLUDED.succeeded,
    failed = EXCLUDED.failed,
    duration_seconds = EXCLUDED.duration_seconds,
    ended_at = EXCLUDED.ended_at;
`

const recentRunsSQL = `
SELECT id, kind, state, total, processed, succeeded, failed, duration_seconds, created_at, started_at, ended_at
FROM task_runs
ORDER BY created_at DESC
LIMIT $1;
`

var resultColumns = []string{"task_id", "item_id", "success", "message", "error", "data", "started_at", "finished_at"}

// Store writes terminal task runs. It satisfies tasks.Sink.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// Connect opens a pgx pool for dsn and verifies it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database dsn: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// New creates a store over pool and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

// EnsureSchema creates the run tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// PersistRun writes run and all of its item results in one transaction.
func (s *Store) PersistRun(ctx context.Context, run taskstypes.Run) error {
	args, err := marshalArgs(run.Args)
	if err != nil {
		return err
	}
	rows, err := resultRows(run)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, insertRunSQL,
		run.ID, run.Kind, string(run.State),
		run.Total, run.Processed, run.Succeeded, run.Failed,
		args, run.DurationSeconds,
		run.CreatedAt.UTC(), utcPtr(run.StartedAt), utcPtr(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	if len(rows) > 0 {
		copied, err := tx.CopyFrom(ctx, pgx.Identifier{"task_results"}, resultColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy results: %w", err)
		}
		if int(copied) != len(rows) {
			return fmt.Errorf("mismatch in copied results count: expected %d, got %d", len(rows), copied)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Persisted task run", zap.Stringer("task_id", run.ID), zap.Int("results", len(rows)))
	return nil
}

// RecentRuns returns up to limit persisted runs, newest first. Logs and
// results are not loaded.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]taskstypes.Snapshot, error) {
	rows, err := s.pool.Query(ctx, recentRunsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []taskstypes.Snapshot
	for rows.Next() {
		var snap taskstypes.Snapshot
		var id, state string
		err := rows.Scan(
			&id, &snap.Kind, &state,
			&snap.Total, &snap.Processed, &snap.Succeeded, &snap.Failed,
			&snap.DurationSeconds, &snap.CreatedAt, &snap.StartedAt, &snap.EndedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		if snap.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid run id %q: %w", id, err)
		}
		snap.State = taskstypes.State(state)
		runs = append(runs, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

func marshalArgs(args map[string]interface{}) ([]byte, error) {
	if len(args) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run args: %w", err)
	}
	return b, nil
}

func resultRows(run taskstypes.Run) ([][]interface{}, error) {
	rows := make([][]interface{}, len(run.Results))
	for i, r := range run.Results {
		var data []byte
		if r.Data != nil {
			b, err := json.Marshal(r.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to encode result data for %s: %w", r.ItemID, err)
			}
			data = b
		}
		rows[i] = []interface{}{
			run.ID, r.ItemID, r.Success, r.Message, r.Error, data,
			r.StartedAt.UTC(), r.FinishedAt.UTC(),
		}
	}
	return rows, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
