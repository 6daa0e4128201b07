package memory

import (
	"context"
	"testing"
)

func TestCheckpointStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewCheckpointStore()
	ctx := context.Background()

	cp, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp.NextCursor != "" || cp.TotalEvents != 0 || !cp.UpdatedAt.IsZero() {
		t.Fatalf("expected zero checkpoint, got %+v", cp)
	}

	if err := store.Save(ctx, "cursor-1", 500); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	cp, _ = store.Load(ctx)
	if cp.NextCursor != "cursor-1" || cp.TotalEvents != 500 || cp.UpdatedAt.IsZero() {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}

	// Reset clears the cursor but keeps the running total.
	if err := store.ResetCursor(ctx); err != nil {
		t.Fatalf("ResetCursor() error = %v", err)
	}
	cp, _ = store.Load(ctx)
	if cp.NextCursor != "" || cp.TotalEvents != 500 {
		t.Fatalf("expected cleared cursor with retained total, got %+v", cp)
	}
}
