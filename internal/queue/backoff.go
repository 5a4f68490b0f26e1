package queue

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy decides when a failed item becomes eligible again and
// when it stops being retried.
type BackoffPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait before the given attempt number is retried:
// exponential from Initial, capped at Max, with the upper half jittered.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	return backoffWithJitter(p.Initial, p.Max, attempt)
}

// Exhausted reports whether attempts has reached the retry budget.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
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
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(half))
	return wait/2 + jitter
}
