package ingest

import (
	"context"
	"time"
)

// EventStore persists event batches idempotently. InsertBatch writes all
// events in one set-oriented statement, skipping ids already present, and
// returns how many rows were newly inserted. Count reports stored events.
type EventStore interface {
	InsertBatch(ctx context.Context, events []Event) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// CheckpointStore persists the singleton resume marker. Load returns a
// zero-value Checkpoint when none has been saved yet. Save overwrites the
// marker (last write wins). ResetCursor clears only the cursor, keeping
// the row and its counters in place.
type CheckpointStore interface {
	Load(ctx context.Context) (Checkpoint, error)
	Save(ctx context.Context, nextCursor string, totalEvents int64) error
	ResetCursor(ctx context.Context) error
}

// PageFetcher retrieves one page of events for a cursor. An error is a
// network-level failure or an undecodable body; HTTP-level failures come
// back as a FetchResult with the status set.
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor string) (FetchResult, error)
}

// Gate is the shared rate-limit gate every upstream request passes
// through. Wait blocks until the next request may start; Penalize pushes
// the shared deadline forward after a throttle response and returns the
// deadline now in force.
type Gate interface {
	Wait(ctx context.Context) error
	Penalize(retryAfter time.Duration) time.Time
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes batch-commit notices to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
