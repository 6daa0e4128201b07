// Package ratelimit implements the shared gate every upstream request
// passes through: token-bucket pacing for steady politeness plus a single
// penalty deadline honored by all callers after a throttle response.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const fallbackPenalty = 60 * time.Second

// Config holds governor configuration.
type Config struct {
	// MinInterval is the steady spacing between upstream request starts.
	MinInterval time.Duration
	// SafetyMargin is added on top of server-requested retry delays.
	SafetyMargin time.Duration
	// DefaultPenalty applies when a throttle response names no delay.
	DefaultPenalty time.Duration
}

// Governor is the process-wide upstream gate. The pacer enforces the
// steady request interval; blockedUntil carries the shared penalty
// deadline as unix nanoseconds so it can be advanced without locking.
type Governor struct {
	pacer          *rate.Limiter
	safetyMargin   time.Duration
	defaultPenalty time.Duration
	blockedUntil   atomic.Int64
}

// New creates a new Governor.
func New(cfg Config) *Governor {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	margin := cfg.SafetyMargin
	if margin < 0 {
		margin = 0
	}
	penalty := cfg.DefaultPenalty
	if penalty <= 0 {
		penalty = fallbackPenalty
	}
	return &Governor{
		pacer:          rate.NewLimiter(limit, 1),
		safetyMargin:   margin,
		defaultPenalty: penalty,
	}
}

// Wait blocks until the caller may start the next upstream request,
// respecting the context. The pacer runs first, then the penalty
// deadline; the deadline is re-read after every sleep because a
// concurrent caller may have extended it in the meantime.
func (g *Governor) Wait(ctx context.Context) error {
	if err := g.pacer.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	for {
		until := time.Unix(0, g.blockedUntil.Load())
		now := time.Now()
		if !now.Before(until) {
			return nil
		}
		if err := sleep(ctx, until.Sub(now)); err != nil {
			return err
		}
	}
}

// Penalize pushes the shared deadline to now + retryAfter + margin before
// any queued caller proceeds. The deadline only ever moves forward: when a
// later deadline is already in force it wins. Returns the deadline in
// force after the call.
func (g *Governor) Penalize(retryAfter time.Duration) time.Time {
	delay := retryAfter
	if delay <= 0 {
		delay = g.defaultPenalty
	}
	target := time.Now().Add(delay + g.safetyMargin)
	for {
		current := g.blockedUntil.Load()
		if current >= target.UnixNano() {
			return time.Unix(0, current)
		}
		if g.blockedUntil.CompareAndSwap(current, target.UnixNano()) {
			return target
		}
	}
}

// BlockedUntil reports the penalty deadline currently in force, zero when
// no penalty has been recorded.
func (g *Governor) BlockedUntil() time.Time {
	ns := g.blockedUntil.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("penalty wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
