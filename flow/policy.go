package flow

import (
	"math/rand"
	"time"
)

// RetryPolicy defines automatic retry behavior for transient step
// failures. When a dispatch fails, the policy determines whether the
// failure is retryable and how long to wait before the next attempt.
// Exponential backoff with jitter avoids synchronized retry storms.
type RetryPolicy struct {
	// MaxAttempts is the total number of execution attempts, including
	// the first. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base for exponential backoff:
	// delay = min(BaseDelay * 2^attempt, MaxDelay) + jitter(0, BaseDelay).
	BaseDelay time.Duration

	// MaxDelay caps the exponential component.
	MaxDelay time.Duration
}

// DefaultRetryPolicy is applied to steps with retry_on_failure set but
// no explicit configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// policyFor resolves the effective retry policy for a step: the
// per-step override wins, then the procedure's global defaults, then
// DefaultRetryPolicy. Steps without retry_on_failure get a single
// attempt.
func policyFor(step *Step, global GlobalConfig) RetryPolicy {
	if !step.RetryOnFailure {
		return RetryPolicy{MaxAttempts: 1}
	}
	cfg := step.Retry
	if cfg == nil && global.Retry.MaxRetries > 0 {
		g := global.Retry
		cfg = &g
	}
	if cfg == nil {
		return DefaultRetryPolicy()
	}
	p := RetryPolicy{
		MaxAttempts: cfg.MaxRetries + 1,
		BaseDelay:   time.Duration(cfg.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.MaxDelayMS) * time.Millisecond,
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// computeBackoff calculates the delay before retry attempt `attempt`
// (zero-based): min(base * 2^attempt, maxDelay) + jitter(0, base).
//
// The exponential component doubles per attempt to reduce load on a
// failing agent; the jitter spreads concurrent retries apart.
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = time.Millisecond
	}
	exponential := base * (1 << attempt)
	if exponential > maxDelay || exponential <= 0 {
		exponential = maxDelay
	}
	// Jitter for retry spacing, not security.
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404
	return exponential + jitter
}
