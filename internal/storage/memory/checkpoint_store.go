package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ama66/datasync/internal/ingest"
)

// CheckpointStore keeps the singleton resume marker in memory.
type CheckpointStore struct {
	mu sync.RWMutex
	cp ingest.Checkpoint
}

// NewCheckpointStore constructs a CheckpointStore.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{}
}

// Load returns the current checkpoint; the zero value when nothing has
// been saved yet.
func (s *CheckpointStore) Load(context.Context) (ingest.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cp, nil
}

// Save replaces the checkpoint.
func (s *CheckpointStore) Save(_ context.Context, nextCursor string, totalEvents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = ingest.Checkpoint{
		NextCursor:  nextCursor,
		TotalEvents: totalEvents,
		UpdatedAt:   time.Now().UTC(),
	}
	return nil
}

// ResetCursor clears the cursor while keeping the running total.
func (s *CheckpointStore) ResetCursor(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp.NextCursor = ""
	s.cp.UpdatedAt = time.Now().UTC()
	return nil
}
