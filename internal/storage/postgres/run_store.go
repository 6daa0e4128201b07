package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ama66/datasync/internal/store"
)

const maxRunListLimit = 100

// RunStore persists run history rows. Every write is an upsert keyed on the
// run id, so lifecycle and counter updates may arrive in any order relative
// to process restarts.
type RunStore struct {
	pool pgxPool
}

// NewRunStore constructs a RunStore over an existing pool.
func NewRunStore(pool pgxPool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// UpsertRunStart records the run as running. A replayed start for a known
// run keeps the original started_at.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	query := `
INSERT INTO run_history (run_id, started_at, status)
VALUES ($1, $2, $3)
ON CONFLICT (run_id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun finalizes status, finished_at, and the optional error message.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	query := `
INSERT INTO run_history (run_id, started_at, finished_at, status, error_message)
VALUES ($1, $2, $2, $3, $4)
ON CONFLICT (run_id) DO UPDATE
SET finished_at = EXCLUDED.finished_at,
    status = EXCLUDED.status,
    error_message = EXCLUDED.error_message`

	if _, err := s.pool.Exec(ctx, query, runID, finishedAt, status, errMsg); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// ApplyBatchDeltas accumulates committed-page counters onto the run row.
func (s *RunStore) ApplyBatchDeltas(
	ctx context.Context,
	runID uuid.UUID,
	pages int64,
	events int64,
	inserted int64,
	duplicates int64,
	at time.Time,
) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	query := `
INSERT INTO run_history (run_id, started_at, status, pages, events, inserted, duplicates)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (run_id) DO UPDATE
SET pages = run_history.pages + EXCLUDED.pages,
    events = run_history.events + EXCLUDED.events,
    inserted = run_history.inserted + EXCLUDED.inserted,
    duplicates = run_history.duplicates + EXCLUDED.duplicates`

	_, err := s.pool.Exec(ctx, query, runID, at, store.RunRunning, pages, events, inserted, duplicates)
	if err != nil {
		return fmt.Errorf("apply batch deltas: %w", err)
	}
	return nil
}

// GetRun loads one run or store.ErrNotFound.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	if s == nil || s.pool == nil {
		return store.Run{}, fmt.Errorf("run store is not configured")
	}
	query := `
SELECT run_id, started_at, finished_at, status, error_message,
       pages, events, inserted, duplicates
FROM run_history
WHERE run_id = $1`

	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first. The limit is clamped to keep result
// sets bounded; offset pages through older runs.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store is not configured")
	}
	if limit <= 0 || limit > maxRunListLimit {
		limit = maxRunListLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := `
SELECT run_id, started_at, finished_at, status, error_message,
       pages, events, inserted, duplicates
FROM run_history
ORDER BY started_at DESC
LIMIT $1 OFFSET $2`
	args := []any{limit, offset}
	if status != nil {
		query = `
SELECT run_id, started_at, finished_at, status, error_message,
       pages, events, inserted, duplicates
FROM run_history
WHERE status = $1
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`
		args = []any{*status, limit, offset}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var run store.Run
	err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
		&run.Pages,
		&run.Events,
		&run.Inserted,
		&run.Duplicates,
	)
	return run, err
}
