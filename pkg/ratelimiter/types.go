package ratelimiter

import (
	"math"
	"time"
)

// Config defines the token bucket configuration.
type Config struct {
	Capacity       int           // burst size
	RefillRate     int           // tokens added per RefillInterval
	RefillInterval time.Duration // how often tokens are added
}

// Result describes the outcome of a rate limit check.
type Result struct {
	Limit     int
	Remaining int // negative when the request was denied
	ResetAt   time.Time
	now       time.Time
}

// Allowed reports whether the request fits in the bucket.
func (r *Result) Allowed() bool {
	return r.Remaining >= 0
}

// RetryAfter returns how long to wait before the next attempt, 0 if allowed.
func (r *Result) RetryAfter() time.Duration {
	if r.Allowed() {
		return 0
	}
	now := r.now
	if now.IsZero() {
		now = time.Now()
	}
	return max(r.ResetAt.Sub(now), 0)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1 when denied.
func (r *Result) RetryAfterSeconds() int {
	if r.Allowed() {
		return 0
	}
	return max(int(math.Ceil(r.RetryAfter().Seconds())), 1)
}
