package retry

import (
	"context"
	"time"

	"github.com/chatwire/chatwire/apierr"
	"go.uber.org/zap"
)

// Call is a single asynchronous unit of work.
type Call func(ctx context.Context) error

// Service wraps calls with policy-driven retries.
type Service struct {
	policy Policy
	logger *zap.Logger
}

// NewService creates a retry service. A nil policy means NoRetry.
func NewService(policy Policy, logger *zap.Logger) *Service {
	if policy == nil {
		policy = NoRetry{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{policy: policy, logger: logger}
}

// Run invokes call until it succeeds, fails permanently, or the policy gives
// up. A permanent failure returns immediately without consulting the policy.
// Giving up on a temporary failure is not an error loop: it means "retry
// later when connectivity recovers", which is the sync manager's job.
func (s *Service) Run(ctx context.Context, call Call) error {
	attempt := 1
	for {
		err := call(ctx)
		if err == nil {
			return nil
		}
		if apierr.IsPermanent(err) {
			return err
		}
		if !s.policy.ShouldRetry(attempt, err) {
			s.logger.Info("call failed, giving up until connection recovers",
				zap.Int("attempt", attempt), zap.Error(err))
			return err
		}

		timeout := s.policy.RetryTimeout(attempt, err)
		s.logger.Info("call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("timeout", timeout),
			zap.Error(err))

		if timeout > 0 {
			timer := time.NewTimer(timeout)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
	}
}
