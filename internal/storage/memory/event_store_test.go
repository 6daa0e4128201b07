package memory

import (
	"context"
	"testing"

	"github.com/ama66/datasync/internal/ingest"
)

func TestEventStoreDeduplicatesOnID(t *testing.T) {
	t.Parallel()

	store := NewEventStore()
	ctx := context.Background()

	inserted, err := store.InsertBatch(ctx, []ingest.Event{
		{ID: "a", Type: "track"},
		{ID: "b", Type: "page"},
	})
	if err != nil || inserted != 2 {
		t.Fatalf("InsertBatch() = %d, %v", inserted, err)
	}

	// Replaying a batch with one known id only writes the new row.
	inserted, err = store.InsertBatch(ctx, []ingest.Event{
		{ID: "b", Type: "page"},
		{ID: "c", Type: "track"},
	})
	if err != nil || inserted != 1 {
		t.Fatalf("replay InsertBatch() = %d, %v", inserted, err)
	}

	count, err := store.Count(ctx)
	if err != nil || count != 3 {
		t.Fatalf("Count() = %d, %v", count, err)
	}

	events := store.Events()
	if len(events) != 3 || events[0].ID != "a" || events[2].ID != "c" {
		t.Fatalf("expected insertion order preserved, got %+v", events)
	}
}

func TestEventStoreRejectsMissingID(t *testing.T) {
	t.Parallel()

	store := NewEventStore()
	if _, err := store.InsertBatch(context.Background(), []ingest.Event{{Type: "track"}}); err == nil {
		t.Fatal("expected error for event without id")
	}
}
