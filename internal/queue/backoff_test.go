package queue

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff should be capped, got %s", b10)
	}
}

func TestBackoffPolicyExhausted(t *testing.T) {
	p := BackoffPolicy{Initial: time.Second, Max: time.Minute, MaxAttempts: 3}
	if p.Exhausted(2) {
		t.Fatalf("2 of 3 attempts should not exhaust")
	}
	if !p.Exhausted(3) {
		t.Fatalf("3 of 3 attempts should exhaust")
	}
	if (BackoffPolicy{}).Exhausted(100) {
		t.Fatalf("zero MaxAttempts means unlimited")
	}
	if d := (BackoffPolicy{}).Delay(4); d != 0 {
		t.Fatalf("zero Initial should not delay, got %s", d)
	}
}
