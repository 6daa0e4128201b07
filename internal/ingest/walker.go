package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ama66/datasync/internal/progress"
)

const defaultRetryDelay = 5 * time.Second

// WalkerConfig controls the cursor walk.
type WalkerConfig struct {
	// RetryDelay is the fixed pause before retrying after a transient
	// upstream or network failure.
	RetryDelay time.Duration
	// RunID tags progress events emitted during the walk.
	RunID [16]byte
}

// Walker owns the pagination cursor and drives the fetch loop. Exactly one
// fetch is in flight at a time: a request for a later cursor is never
// issued until the current response has been observed. Retries are
// iterative and unbounded; only protocol violations and storage faults
// terminate the walk. Walker is not safe for concurrent use, the
// pipeline's fetch stage is its sole driver.
type Walker struct {
	fetcher     PageFetcher
	gate        Gate
	checkpoints CheckpointStore
	emitter     progress.Emitter
	logger      *zap.Logger
	cfg         WalkerConfig

	state        WalkState
	cursor       string
	total        int64
	totalAdopted bool
	resets       int
}

// NewWalker constructs a Walker. The emitter may be nil when progress
// reporting is not wired.
func NewWalker(
	fetcher PageFetcher,
	gate Gate,
	checkpoints CheckpointStore,
	emitter progress.Emitter,
	cfg WalkerConfig,
	logger *zap.Logger,
) *Walker {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{
		fetcher:     fetcher,
		gate:        gate,
		checkpoints: checkpoints,
		emitter:     emitter,
		logger:      logger,
		cfg:         cfg,
		state:       WalkFetching,
	}
}

// Restore positions the walker at the checkpointed cursor. Called once
// before the first Next.
func (w *Walker) Restore(ctx context.Context) error {
	cp, err := w.checkpoints.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	w.cursor = cp.NextCursor
	w.total = cp.TotalEvents
	w.state = WalkFetching
	if cp.NextCursor != "" {
		w.logger.Info("resuming from checkpoint",
			zap.String("cursor", cp.NextCursor),
			zap.Int64("total_estimate", cp.TotalEvents),
		)
	} else {
		w.logger.Info("starting from beginning of stream")
	}
	return nil
}

// Next fetches until it can hand over a non-empty page or the stream ends.
// It returns ErrEndOfStream once exhausted; any other error is fatal to
// the run. Throttles, expired cursors, and transient failures are absorbed
// here and never surface to the caller.
func (w *Walker) Next(ctx context.Context) (*Page, error) {
	if w.state == WalkDone {
		return nil, ErrEndOfStream
	}
	for {
		w.state = WalkFetching
		if err := w.gate.Wait(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		res, err := w.fetcher.FetchPage(ctx, w.cursor)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrMalformedResponse) {
				return nil, err
			}
			w.logger.Warn("upstream fetch failed, retrying",
				zap.String("cursor", w.cursor),
				zap.Duration("delay", w.cfg.RetryDelay),
				zap.Error(err),
			)
			if err := w.pause(ctx); err != nil {
				return nil, err
			}
			continue
		}

		switch classifyStatus(res.StatusCode) {
		case classOK:
			return w.advance(res, time.Since(start))
		case classThrottled:
			w.handleThrottle(res)
		case classCursorExpired:
			if err := w.restart(ctx); err != nil {
				return nil, err
			}
		case classTransient:
			w.logger.Warn("upstream unavailable, retrying",
				zap.Int("status", res.StatusCode),
				zap.String("cursor", w.cursor),
				zap.Duration("delay", w.cfg.RetryDelay),
			)
			if err := w.pause(ctx); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("upstream returned status %d: %s", res.StatusCode, res.Snippet)
		}
	}
}

// advance consumes a successful response. The upstream total is adopted
// from the first successful response of the run; after that the stored
// estimate holds.
func (w *Walker) advance(res FetchResult, dur time.Duration) (*Page, error) {
	if !w.totalAdopted && res.Total > 0 {
		w.total = res.Total
		w.totalAdopted = true
	}
	if len(res.Records) == 0 {
		w.state = WalkDone
		w.logger.Info("upstream reports no more events", zap.String("cursor", w.cursor))
		return nil, ErrEndOfStream
	}
	page := &Page{
		Cursor:        w.cursor,
		Records:       res.Records,
		NextCursor:    res.NextCursor,
		Final:         res.NextCursor == "" || !res.HasMore,
		TotalEstimate: w.total,
		Raw:           res.Raw,
		FetchDuration: dur,
	}
	if page.Final {
		// An upstream that sends hasMore=false with a stray cursor still
		// terminates here.
		page.NextCursor = ""
		w.state = WalkDone
	} else {
		w.state = WalkAdvancing
		w.cursor = res.NextCursor
	}
	return page, nil
}

func (w *Walker) handleThrottle(res FetchResult) {
	until := w.gate.Penalize(res.RetryAfter)
	w.logger.Info("upstream throttled, backing off",
		zap.String("cursor", w.cursor),
		zap.Duration("retry_after", res.RetryAfter),
		zap.Time("until", until),
	)
	w.emit(progress.Event{
		Stage:  progress.StageThrottled,
		Cursor: w.cursor,
		Dur:    time.Until(until),
	})
}

// restart clears the checkpointed cursor and re-enters the stream from
// the beginning. Already ingested records deduplicate on write, so the
// rescan cannot produce duplicates. A 400 on a cursorless request cannot
// be cursor expiry and is fatal instead of looping forever.
func (w *Walker) restart(ctx context.Context) error {
	if w.cursor == "" {
		return fmt.Errorf("upstream rejected start-of-stream request")
	}
	w.state = WalkRestarting
	w.resets++
	w.logger.Warn("cursor rejected by upstream, restarting from beginning",
		zap.String("cursor", w.cursor),
	)
	if err := w.checkpoints.ResetCursor(ctx); err != nil {
		return fmt.Errorf("reset checkpoint cursor: %w", err)
	}
	stale := w.cursor
	w.cursor = ""
	w.emit(progress.Event{
		Stage:  progress.StageCursorReset,
		Cursor: stale,
		Note:   "expired cursor",
	})
	return nil
}

func (w *Walker) pause(ctx context.Context) error {
	timer := time.NewTimer(w.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (w *Walker) emit(evt progress.Event) {
	if w.emitter == nil {
		return
	}
	evt.RunID = w.cfg.RunID
	evt.TS = time.Now().UTC()
	w.emitter.Emit(evt)
}

// State reports the walker's lifecycle state.
func (w *Walker) State() WalkState { return w.state }

// Cursor reports the cursor the next fetch will use.
func (w *Walker) Cursor() string { return w.cursor }

// TotalEstimate reports the adopted upstream total, zero when unknown.
func (w *Walker) TotalEstimate() int64 { return w.total }

// Resets reports how many times an expired cursor forced a restart.
func (w *Walker) Resets() int { return w.resets }

type responseClass int

const (
	classOK responseClass = iota
	classThrottled
	classCursorExpired
	classTransient
	classFatal
)

func classifyStatus(code int) responseClass {
	switch {
	case code >= 200 && code < 300:
		return classOK
	case code == http.StatusBadRequest:
		return classCursorExpired
	case code == http.StatusTooManyRequests:
		return classThrottled
	case code == http.StatusBadGateway,
		code == http.StatusServiceUnavailable,
		code == http.StatusGatewayTimeout:
		return classTransient
	default:
		return classFatal
	}
}
