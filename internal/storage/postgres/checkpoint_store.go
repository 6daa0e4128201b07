package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ama66/datasync/internal/ingest"
)

// CheckpointStore persists the singleton resume marker. The table holds at
// most one row; every save upserts it.
type CheckpointStore struct {
	pool pgxPool
}

// NewCheckpointStore constructs a CheckpointStore over an existing pool.
func NewCheckpointStore(pool pgxPool) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CheckpointStore{pool: pool}, nil
}

// Load reads the checkpoint. A missing row is not an error: it means no
// run has ever committed, and the zero checkpoint starts the scan from
// the beginning.
func (s *CheckpointStore) Load(ctx context.Context) (ingest.Checkpoint, error) {
	if s == nil || s.pool == nil {
		return ingest.Checkpoint{}, fmt.Errorf("checkpoint store is not configured")
	}
	query := `SELECT next_cursor, total_events, updated_at FROM ingest_checkpoints WHERE id = 1`

	var cursor *string
	var cp ingest.Checkpoint
	err := s.pool.QueryRow(ctx, query).Scan(&cursor, &cp.TotalEvents, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Checkpoint{}, nil
		}
		return ingest.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if cursor != nil {
		cp.NextCursor = *cursor
	}
	return cp, nil
}

// Save upserts the checkpoint after a batch has been made durable. An
// empty nextCursor is stored as NULL and marks the stream as fully
// drained.
func (s *CheckpointStore) Save(ctx context.Context, nextCursor string, totalEvents int64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("checkpoint store is not configured")
	}
	query := `
INSERT INTO ingest_checkpoints (id, next_cursor, total_events, updated_at)
VALUES (1, $1, $2, now())
ON CONFLICT (id) DO UPDATE
SET next_cursor = EXCLUDED.next_cursor,
    total_events = EXCLUDED.total_events,
    updated_at = now()`

	if _, err := s.pool.Exec(ctx, query, nullableText(nextCursor), totalEvents); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// ResetCursor clears the cursor while keeping the row and its running
// total, so the next fetch restarts from the beginning of the stream.
func (s *CheckpointStore) ResetCursor(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("checkpoint store is not configured")
	}
	query := `UPDATE ingest_checkpoints SET next_cursor = NULL, updated_at = now() WHERE id = 1`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("reset checkpoint cursor: %w", err)
	}
	return nil
}
