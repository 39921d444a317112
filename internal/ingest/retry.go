package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures a worker's retry budget. A worker makes at most
// MaxRetries+1 attempts, sleeping Delay between them. A positive
// AttemptTimeout bounds every single attempt; a timed out attempt counts as
// an ordinary failure.
type RetryPolicy struct {
	MaxRetries     int
	Delay          time.Duration
	AttemptTimeout time.Duration
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries %d", ErrPrecondition, p.MaxRetries)
	}
	if p.Delay < 0 {
		return fmt.Errorf("%w: retry delay %s", ErrPrecondition, p.Delay)
	}
	if p.AttemptTimeout < 0 {
		return fmt.Errorf("%w: attempt timeout %s", ErrPrecondition, p.AttemptTimeout)
	}
	return nil
}

// backOff builds a fresh budget for one worker invocation.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(p.MaxRetries))
	return backoff.WithContext(b, ctx)
}

// retryFunc is notified before each sleep with the 1-based number of the
// attempt that just failed.
type retryFunc func(attempt int, err error, next time.Duration)

// retry runs op until it succeeds, the budget is spent, or ctx is done. It
// returns the number of attempts made. When ctx ends the retry loop, the
// context's error is returned.
func retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error, notify retryFunc) (int, error) {
	attempts := 0
	operation := func() error {
		attempts++
		actx, cancel := attemptContext(ctx, p.AttemptTimeout)
		defer cancel()
		return op(actx)
	}
	onRetry := func(err error, next time.Duration) {
		if notify != nil {
			notify(attempts, err, next)
		}
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), onRetry)
	return attempts, err
}

func attemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
