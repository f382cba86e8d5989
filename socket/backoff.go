// Package socket owns the realtime connection: the physical websocket, the
// connection state machine with health monitoring, and the reconnection
// backoff policy.
package socket

import (
	"math/rand"
	"time"
)

// reconnector computes exponential backoff delays with jitter for the
// reconnect loop: seeded low, doubling, capped high. Delays are
// non-decreasing up to the cap and stay at the cap afterwards.
type reconnector struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	attempt   int

	// randInt64 is swappable in tests to pin the jitter.
	randInt64 func(n int64) int64
}

func newReconnector(baseDelay, maxDelay time.Duration) *reconnector {
	return &reconnector{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		randInt64: rand.Int63n,
	}
}

// nextDelay returns the delay before the next reconnect attempt and
// advances the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	raw := r.baseDelay << uint(r.attempt)
	if raw <= 0 || raw > r.maxDelay {
		raw = r.maxDelay
	}
	delay := raw
	if half := int64(raw) / 2; half > 0 {
		delay += time.Duration(r.randInt64(half))
	}
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	r.attempt++
	return delay
}

// reset restarts the curve after a successful connection.
func (r *reconnector) reset() {
	r.attempt = 0
}
