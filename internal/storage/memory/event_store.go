// Package memory provides in-memory store implementations for development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ama66/datasync/internal/ingest"
)

// EventStore keeps ingested events in memory, deduplicating on event id
// the way the Postgres store does with ON CONFLICT.
type EventStore struct {
	mu    sync.RWMutex
	rows  map[string]ingest.Event
	order []string
}

// NewEventStore constructs an EventStore.
func NewEventStore() *EventStore {
	return &EventStore{rows: make(map[string]ingest.Event)}
}

// InsertBatch stores the batch, skipping ids already present, and returns
// the number of rows actually written.
func (s *EventStore) InsertBatch(_ context.Context, events []ingest.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted int64
	for i, evt := range events {
		if evt.ID == "" {
			return inserted, fmt.Errorf("event %d: id is required", i)
		}
		if _, dup := s.rows[evt.ID]; dup {
			continue
		}
		s.rows[evt.ID] = evt
		s.order = append(s.order, evt.ID)
		inserted++
	}
	return inserted, nil
}

// Count reports the number of stored events.
func (s *EventStore) Count(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.rows)), nil
}

// Events returns the stored events in insertion order.
func (s *EventStore) Events() []ingest.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Event, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rows[id])
	}
	return out
}
