package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ama66/datasync/internal/store"
)

// RunStore keeps run history in memory. Writes mirror the postgres upsert
// semantics so either backend can sit behind the run endpoints.
type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]store.Run)}
}

// UpsertRunStart records the run as running; a replayed start keeps the
// original started_at.
func (s *RunStore) UpsertRunStart(_ context.Context, runID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; ok {
		return nil
	}
	s.runs[runID] = store.Run{ID: runID, StartedAt: startedAt, Status: store.RunRunning}
	return nil
}

// CompleteRun finalizes the run row, creating it if the start was lost.
func (s *RunStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, StartedAt: finishedAt}
	}
	finished := finishedAt
	run.FinishedAt = &finished
	run.Status = status
	run.ErrorMessage = errMsg
	s.runs[runID] = run
	return nil
}

// ApplyBatchDeltas accumulates committed-page counters onto the run row.
func (s *RunStore) ApplyBatchDeltas(
	_ context.Context,
	runID uuid.UUID,
	pages int64,
	events int64,
	inserted int64,
	duplicates int64,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, StartedAt: at, Status: store.RunRunning}
	}
	run.Pages += pages
	run.Events += events
	run.Inserted += inserted
	run.Duplicates += duplicates
	s.runs[runID] = run
	return nil
}

// GetRun loads one run or store.ErrNotFound.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first with optional status filtering.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID.String() > runs[j].ID.String()
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(runs) {
		return nil, nil
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}
