// Package retry implements the retry policy contract and the call execution
// wrapper that re-invokes failed units of work according to a policy.
package retry

import "time"

// Policy decides, per attempt, whether a failed call should be retried and
// after what delay. Implementations must be pure: no side effects, same
// answer for the same inputs.
type Policy interface {
	// ShouldRetry is consulted after attempt N failed (attempts count
	// from 1).
	ShouldRetry(attempt int, err error) bool
	// RetryTimeout returns the delay before attempt+1. Zero is legal and
	// means retry immediately.
	RetryTimeout(attempt int, err error) time.Duration
}

// NoRetry is the default policy: never retry. Failed calls are left for the
// sync manager to pick up when connectivity recovers.
type NoRetry struct{}

func (NoRetry) ShouldRetry(int, error) bool           { return false }
func (NoRetry) RetryTimeout(int, error) time.Duration { return 0 }

// Exponential retries up to MaxAttempts with an attempt-scaled delay capped
// at MaxDelay.
type Exponential struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultExponential mirrors the customary client defaults: three attempts,
// one second base, ten second cap.
func DefaultExponential() Exponential {
	return Exponential{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

func (p Exponential) ShouldRetry(attempt int, _ error) bool {
	return attempt < p.MaxAttempts
}

func (p Exponential) RetryTimeout(attempt int, _ error) time.Duration {
	d := p.BaseDelay * time.Duration(1<<uint(attempt-1))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
