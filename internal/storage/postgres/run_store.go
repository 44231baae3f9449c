// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/dataimport/internal/store"
)

// Schema creates the tables used by RunStore.
const Schema = `
CREATE TABLE IF NOT EXISTS import_runs (
	id            UUID PRIMARY KEY,
	organization  TEXT NOT NULL,
	host          TEXT,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	status_code   INTEGER,
	error_kind    TEXT,
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS import_run_steps (
	run_id       UUID NOT NULL REFERENCES import_runs (id) ON DELETE CASCADE,
	step         TEXT NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL,
	duration_ms  BIGINT NOT NULL,
	bytes        BIGINT NOT NULL,
	status_class TEXT,
	error_kind   TEXT,
	PRIMARY KEY (run_id, step)
);`

// RunStoreConfig controls the Postgres connection pool used for run records.
type RunStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository on Postgres.
type RunStore struct {
	pool pool
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore connects a pgx pool using cfg.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("runs.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &RunStore{pool: p}, nil
}

// NewRunStoreWithPool wraps an existing pool (or pgxmock pool in tests).
func NewRunStoreWithPool(p pool) *RunStore {
	return &RunStore{pool: p}
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the run tables when they are missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// UpsertRunStart inserts a running record, or resets an existing one to running.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, organization string, startedAt time.Time) error {
	query := `
		INSERT INTO import_runs (id, organization, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE import_runs.status <> EXCLUDED.status;
	`
	_, err := s.pool.Exec(ctx, query, runID, organization, startedAt, store.RunRunning)
	if err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished.
func (s *RunStore) CompleteRun(ctx context.Context, runID uuid.UUID, c store.Completion) error {
	query := `
		UPDATE import_runs
		SET finished_at = $1, status = $2, host = NULLIF($3, ''), status_code = $4,
			error_kind = $5, error_message = $6
		WHERE id = $7;
	`
	res, err := s.pool.Exec(ctx, query, c.FinishedAt, c.Status, c.Host, c.StatusCode, c.ErrorKind, c.ErrorMessage, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordStep upserts one step row.
func (s *RunStore) RecordStep(ctx context.Context, step store.Step) error {
	query := `
		INSERT INTO import_run_steps (run_id, step, finished_at, duration_ms, bytes, status_class, error_kind)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (run_id, step) DO UPDATE
		SET finished_at = EXCLUDED.finished_at,
			duration_ms = EXCLUDED.duration_ms,
			bytes = EXCLUDED.bytes,
			status_class = EXCLUDED.status_class,
			error_kind = EXCLUDED.error_kind;
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		step.RunID,
		step.Name,
		step.FinishedAt,
		step.Duration.Milliseconds(),
		step.Bytes,
		step.StatusClass,
		step.ErrorKind,
	)
	if err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}
	return nil
}

const runColumns = `id, organization, host, started_at, finished_at, status, status_code, error_kind, error_message`

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM import_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs, newest first, with optional status filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM import_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// ListRunSteps retrieves the step rows of one run.
func (s *RunStore) ListRunSteps(ctx context.Context, runID uuid.UUID) ([]store.Step, error) {
	query := `
		SELECT run_id, step, finished_at, duration_ms, bytes, status_class, error_kind
		FROM import_run_steps
		WHERE run_id = $1
		ORDER BY finished_at ASC;
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run steps: %w", err)
	}
	defer rows.Close()

	var steps []store.Step
	for rows.Next() {
		var (
			step        store.Step
			durationMS  int64
			statusClass *string
		)
		if err := rows.Scan(
			&step.RunID,
			&step.Name,
			&step.FinishedAt,
			&durationMS,
			&step.Bytes,
			&statusClass,
			&step.ErrorKind,
		); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		step.Duration = time.Duration(durationMS) * time.Millisecond
		if statusClass != nil {
			step.StatusClass = *statusClass
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list run steps: %w", err)
	}
	return steps, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run  store.Run
		host *string
	)
	err := row.Scan(
		&run.ID,
		&run.Organization,
		&host,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.StatusCode,
		&run.ErrorKind,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.Run{}, err
	}
	if host != nil {
		run.Host = *host
	}
	return run, nil
}
