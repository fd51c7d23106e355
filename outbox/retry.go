package outbox

import (
	"math"
	"time"
)

// RetryPolicy bounds how long a transiently failing message keeps retrying.
type RetryPolicy struct {
	BaseBackoff time.Duration
	Factor      float64
	MaxBackoff  time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is 30s doubling to a 30 minute cap, 8 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseBackoff: 30 * time.Second,
		Factor:      2,
		MaxBackoff:  30 * time.Minute,
		MaxAttempts: 8,
	}
}

// Backoff is the delay after the attempt-th failed attempt:
// base * factor^(attempt-1), capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseBackoff
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(p.BaseBackoff) * math.Pow(factor, float64(attempt-1))
	if delay > float64(p.MaxBackoff) || math.IsInf(delay, 0) {
		return p.MaxBackoff
	}
	return time.Duration(delay)
}

// Exhausted reports whether a message that has now failed attempt times
// must be dead-lettered instead of retried.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
