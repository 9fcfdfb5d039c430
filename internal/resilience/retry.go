// Package resilience holds the call-site decorators applied around remote
// calls: bounded retry with exponential backoff and a circuit breaker.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryPolicy shapes a Retrier. Zero delay and multiplier fields fall back to
// DefaultRetryPolicy; a zero MaxRetries means a single attempt.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter is the randomization factor in [0,1). Zero gives the exact
	// min(InitialDelay*Multiplier^attempt, MaxDelay) schedule.
	Jitter float64
	// Retryable decides whether an error is worth another attempt. nil
	// retries everything.
	Retryable func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Retrier re-runs a failing operation up to MaxRetries extra times. It knows
// nothing about circuits, queues or credentials.
type Retrier struct {
	policy RetryPolicy
	logger *zap.Logger
}

func NewRetrier(policy RetryPolicy, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{policy: policy.normalized(), logger: logger}
}

func (r *Retrier) Policy() RetryPolicy { return r.policy }

// Do runs op until it succeeds, returns a non-retryable error, or runs out of
// attempts. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialDelay
	b.Multiplier = r.policy.Multiplier
	b.MaxInterval = r.policy.MaxDelay
	b.RandomizationFactor = r.policy.Jitter
	b.Reset()

	attempt := 0
	var last error
	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			attempt++
			err := op(ctx)
			last = err
			if err == nil {
				return struct{}{}, nil
			}
			if r.policy.Retryable != nil && !r.policy.Retryable(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.policy.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Debug("retrying after error",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		return nil
	}
	// backoff wraps non-retryable errors; callers see what op returned.
	if ctx.Err() == nil && last != nil {
		return last
	}
	return err
}
