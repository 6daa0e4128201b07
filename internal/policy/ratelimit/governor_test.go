package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestGovernorPacerSpacing(t *testing.T) {
	t.Parallel()

	g := New(Config{MinInterval: 100 * time.Millisecond})
	ctx := context.Background()

	// First call consumes the initial token and returns immediately.
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected second wait ~100ms, got %v", dur)
	}
}

func TestGovernorPenaltyBlocksUntilDeadline(t *testing.T) {
	t.Parallel()

	g := New(Config{SafetyMargin: 20 * time.Millisecond, DefaultPenalty: time.Second})
	before := time.Now()
	deadline := g.Penalize(60 * time.Millisecond)

	if deadline.Sub(before) < 80*time.Millisecond {
		t.Fatalf("expected deadline at least 80ms out (delay plus margin), got %v", deadline.Sub(before))
	}
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Now().Before(deadline) {
		t.Errorf("wait returned before deadline %v", deadline)
	}
}

func TestGovernorPenaltyOnlyMovesForward(t *testing.T) {
	t.Parallel()

	g := New(Config{DefaultPenalty: time.Second})
	far := g.Penalize(200 * time.Millisecond)
	near := g.Penalize(10 * time.Millisecond)

	if near.Before(far) {
		t.Errorf("shorter penalty moved deadline backwards: %v < %v", near, far)
	}
	if got := g.BlockedUntil(); !got.Equal(far) {
		t.Errorf("expected deadline %v to stay in force, got %v", far, got)
	}
}

func TestGovernorDefaultPenalty(t *testing.T) {
	t.Parallel()

	g := New(Config{DefaultPenalty: 50 * time.Millisecond})
	before := time.Now()
	deadline := g.Penalize(0)

	if deadline.Sub(before) < 50*time.Millisecond {
		t.Errorf("expected default penalty of at least 50ms, got %v", deadline.Sub(before))
	}
}

// TestGovernorFairness checks that no queued caller gets through before a
// concurrently recorded penalty deadline.
func TestGovernorFairness(t *testing.T) {
	t.Parallel()

	g := New(Config{DefaultPenalty: time.Second})
	deadline := g.Penalize(80 * time.Millisecond)

	var wg sync.WaitGroup
	results := make([]time.Time, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := g.Wait(context.Background()); err != nil {
				t.Errorf("waiter %d: unexpected error: %v", i, err)
				return
			}
			results[i] = time.Now()
		}(i)
	}
	wg.Wait()

	for i, released := range results {
		if released.Before(deadline) {
			t.Errorf("waiter %d released at %v, before deadline %v", i, released, deadline)
		}
	}
}

func TestGovernorConcurrentPenalize(t *testing.T) {
	t.Parallel()

	g := New(Config{DefaultPenalty: time.Second})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var latest time.Time
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := g.Penalize(time.Duration(i+1) * 10 * time.Millisecond)
			mu.Lock()
			if d.After(latest) {
				latest = d
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if got := g.BlockedUntil(); got.Before(latest) {
		t.Errorf("final deadline %v earlier than latest observed %v", got, latest)
	}
}

func TestGovernorWaitHonorsContext(t *testing.T) {
	t.Parallel()

	g := New(Config{DefaultPenalty: time.Second})
	g.Penalize(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := g.Wait(ctx); err == nil {
		t.Fatal("expected context error, got nil")
	}
}
