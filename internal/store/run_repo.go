package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the run_history status column.
type RunStatus string

// Run statuses persisted in run_history.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models one drain run for API responses.
type Run struct {
	// ID is the run identity shared with progress events.
	ID uuid.UUID
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	// Status is running/success/error.
	Status RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
	// Pages counts committed pages.
	Pages int64
	// Events counts normalized records handed to the persister.
	Events int64
	// Inserted counts rows that were new on write.
	Inserted int64
	// Duplicates counts rows skipped by idempotent insert.
	Duplicates int64
}

// RunRepository persists incremental run history.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently keeps) the started_at timestamp.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// ApplyBatchDeltas adds committed-page counters to the run row.
	ApplyBatchDeltas(
		ctx context.Context,
		runID uuid.UUID,
		pages int64,
		events int64,
		inserted int64,
		duplicates int64,
		at time.Time,
	) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs newest first, filtered by optional status plus
	// limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
