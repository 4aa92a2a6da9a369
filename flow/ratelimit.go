package flow

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is the per-key token bucket gate applied before every
// agent dispatch. Keys are typically procedure ids, so one noisy
// procedure cannot monopolize the agent fleet.
//
// Each bucket has capacity = rate-per-minute and refills at
// capacity/60 tokens per second. Waiters are served in FIFO order by
// the underlying limiter, which gives the fairness bound the engine
// promises: no waiter starves longer than capacity/rate seconds past
// its queue position.
//
// Buckets are created lazily under a creation lock with a double
// check, so concurrent first users of a key share one bucket.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter creates an empty limiter registry.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*rate.Limiter)}
}

// Acquire blocks until a token for key is available or the deadline
// passes. maxPerMinute <= 0 disables limiting for the key.
//
// Deadline exhaustion returns a rate-limit kind error; the caller's
// retry policy decides what happens next.
func (rl *RateLimiter) Acquire(ctx context.Context, key string, maxPerMinute int, timeout time.Duration) error {
	if maxPerMinute <= 0 {
		return nil
	}

	limiter := rl.bucket(key, maxPerMinute)

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Errorf(KindRateLimit, "rate limit for %q not acquired within %s", key, timeout)
	}
	return nil
}

// bucket returns the limiter for key, creating it on first use.
// Creation is double-checked under the registry lock.
func (rl *RateLimiter) bucket(key string, maxPerMinute int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if l, ok := rl.buckets[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(float64(maxPerMinute)/60.0), maxPerMinute)
	rl.buckets[key] = l
	return l
}

// Forget drops the bucket for key. Used by retention cleanup when a
// procedure is archived.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}
