// Package backoff computes capped exponential retry delays with jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential schedule: Base doubles per attempt up to Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the next try after the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return WithJitter(p.Base, p.Max, attempt)
}

// WithJitter returns a delay in [wait/2, wait) where wait = base*2^(attempt-1) capped at max.
func WithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && (wait > max || exp > float64(math.MaxInt64)) {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}
