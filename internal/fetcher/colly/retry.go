package collyfetcher

import (
	"math"
	"time"
)

// RetryPolicy computes the capped exponential backoff applied between fetch
// attempts. Attempts are counted per target in the checkpoint store, so the
// sequence survives process restarts.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// NewRetryPolicy builds a policy, substituting sane defaults for zero values.
func NewRetryPolicy(maxAttempts int, base, cap time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if cap <= 0 {
		cap = time.Minute
	}
	return RetryPolicy{MaxAttempts: maxAttempts, Base: base, Cap: cap}
}

// Backoff returns base * 2^attempt bounded by the cap. The sequence is
// monotone non-decreasing in the attempt number.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.Base) * math.Pow(2, float64(attempt))
	if delay > float64(p.Cap) {
		return p.Cap
	}
	return time.Duration(delay)
}

// Exhausted reports whether a target that has already failed `attempts`
// times is out of retries.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
