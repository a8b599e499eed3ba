package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter paces calls to a fixed interval. Every caller reserves the next
// free slot on the timeline and sleeps until it arrives, so concurrent workers
// sharing one limiter are serialized against the upstream provider without a
// burst window. The first call goes through immediately.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// NewRateLimiter creates a RateLimiter allowing perMinute calls per minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	return &RateLimiter{interval: time.Minute / time.Duration(perMinute)}
}

// Wait blocks until the caller's reserved slot arrives or the context is
// cancelled. A cancelled wait gives up its slot to the next caller.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	now := time.Now()
	at := rl.next
	if at.Before(now) {
		at = now
	}
	rl.next = at.Add(rl.interval)
	rl.mu.Unlock()

	delay := time.Until(at)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		rl.release(at)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// release hands an unused slot back, provided nobody reserved past it in the
// meantime.
func (rl *RateLimiter) release(at time.Time) {
	rl.mu.Lock()
	if rl.next.Equal(at.Add(rl.interval)) {
		rl.next = at
	}
	rl.mu.Unlock()
}
