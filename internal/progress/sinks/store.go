package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ama66/datasync/internal/progress"
	"github.com/ama66/datasync/internal/store"
)

// StoreSink persists run history via a store.RunRepository. It coalesces
// batch-commit counters per flush to reduce write amplification.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume folds batch counters per run and forwards lifecycle transitions
// to the repository. Pending counters flush before a lifecycle row so a
// finished run never trails its own deltas. It respects ctx deadlines and
// returns repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*runDelta)

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
			if err := s.flushDeltas(ctx, deltas); err != nil {
				return err
			}
			if err := s.handleLifecycle(ctx, runID, evt); err != nil {
				return err
			}
		case progress.StageBatchCommit:
			s.recordBatch(deltas, runID, evt)
		}
	}

	return s.flushDeltas(ctx, deltas)
}

func (s *StoreSink) handleLifecycle(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageRunStart:
		if err := s.repo.UpsertRunStart(ctx, runID, evt.TS); err != nil {
			return fmt.Errorf("upsert run start: %w", err)
		}
	case progress.StageRunDone:
		if err := s.repo.CompleteRun(ctx, runID, evt.TS, store.RunSuccess, nil); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	case progress.StageRunError:
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		if err := s.repo.CompleteRun(ctx, runID, evt.TS, store.RunError, note); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) recordBatch(deltas map[uuid.UUID]*runDelta, runID uuid.UUID, evt progress.Event) {
	delta := deltas[runID]
	if delta == nil {
		delta = &runDelta{}
		deltas[runID] = delta
	}
	delta.pages++
	delta.events += evt.Events
	delta.inserted += evt.Inserted
	delta.duplicates += evt.Duplicates
	if evt.TS.After(delta.at) || delta.at.IsZero() {
		delta.at = evt.TS
	}
}

func (s *StoreSink) flushDeltas(ctx context.Context, deltas map[uuid.UUID]*runDelta) error {
	for runID, delta := range deltas {
		if delta.pages == 0 && delta.events == 0 {
			continue
		}
		if err := s.repo.ApplyBatchDeltas(
			ctx,
			runID,
			delta.pages,
			delta.events,
			delta.inserted,
			delta.duplicates,
			delta.at,
		); err != nil {
			return fmt.Errorf("apply batch deltas: %w", err)
		}
		delete(deltas, runID)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type runDelta struct {
	pages      int64
	events     int64
	inserted   int64
	duplicates int64
	at         time.Time
}
