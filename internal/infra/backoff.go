package infra

import (
	"time"
)

const (
	// DefaultBackoffBase is used when callers pass a non-positive base.
	DefaultBackoffBase = 1 * time.Second
	// DefaultBackoffMax caps the delay regardless of attempt count.
	DefaultBackoffMax = 60 * time.Second
)

// CalculateBackoff returns the exponential backoff duration for a given
// attempt count: base * 2^attempt, capped at max.
// A negative attempt returns base.
func CalculateBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if attempt < 0 {
		return base
	}

	// 2^attempt overflows quickly; anything past 2^30 is beyond any
	// sane cap already.
	if attempt > 30 {
		return max
	}

	backoff := base * time.Duration(1<<attempt)
	if backoff > max || backoff < base {
		return max
	}
	return backoff
}
