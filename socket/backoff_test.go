package socket

import (
	"testing"
	"time"
)

func fixedJitter(n int64) int64 { return n - 1 }

// The backoff curve must never shrink between consecutive attempts and
// must settle at the cap.
func TestBackoffMonotoneUntilCap(t *testing.T) {
	r := newReconnector(500*time.Millisecond, 25*time.Second)
	r.randInt64 = fixedJitter

	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := r.nextDelay()
		if d < prev {
			t.Fatalf("attempt %d: delay %v shrank below previous %v", i, d, prev)
		}
		if d > 25*time.Second {
			t.Fatalf("attempt %d: delay %v exceeds cap", i, d)
		}
		prev = d
	}
	if prev != 25*time.Second {
		t.Errorf("curve settled at %v, want the 25s cap", prev)
	}
}

func TestBackoffFirstDelayNearBase(t *testing.T) {
	r := newReconnector(500*time.Millisecond, 25*time.Second)
	r.randInt64 = func(int64) int64 { return 0 }

	if d := r.nextDelay(); d != 500*time.Millisecond {
		t.Errorf("first delay = %v, want 500ms with zero jitter", d)
	}
	if d := r.nextDelay(); d != time.Second {
		t.Errorf("second delay = %v, want 1s with zero jitter", d)
	}
}

// Jitter is additive and bounded by half the raw delay, so the jittered
// value stays within [raw, raw*1.5).
func TestBackoffJitterBounds(t *testing.T) {
	r := newReconnector(time.Second, time.Minute)

	for i := 0; i < 100; i++ {
		r.reset()
		d := r.nextDelay()
		if d < time.Second || d >= 1500*time.Millisecond {
			t.Fatalf("jittered first delay %v outside [1s, 1.5s)", d)
		}
	}
}

func TestBackoffResetRestartsCurve(t *testing.T) {
	r := newReconnector(500*time.Millisecond, 25*time.Second)
	r.randInt64 = func(int64) int64 { return 0 }

	for i := 0; i < 6; i++ {
		r.nextDelay()
	}
	r.reset()
	if d := r.nextDelay(); d != 500*time.Millisecond {
		t.Errorf("delay after reset = %v, want 500ms", d)
	}
}

// Shifting far enough to overflow must clamp to the cap, not go negative.
func TestBackoffOverflowClampsToCap(t *testing.T) {
	r := newReconnector(time.Second, 30*time.Second)
	r.randInt64 = func(int64) int64 { return 0 }
	r.attempt = 62

	if d := r.nextDelay(); d != 30*time.Second {
		t.Errorf("overflowed delay = %v, want 30s cap", d)
	}
}
