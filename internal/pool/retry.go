package pool

import (
	"context"
	"errors"
	"time"

	"github.com/copyleftdev/profilepool/internal/browser"
	"github.com/copyleftdev/profilepool/internal/profile"
)

// RetryPolicy bounds Retry: Attempts calls in total, Delay apart.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// RetryPolicy returns the policy configured for this pool.
func (p *Pool) RetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: p.cfg.RetryAttempts, Delay: p.cfg.RetryDelay}
}

// IsRetryable reports whether err is a transient pool condition worth another
// attempt: a busy session, a full pool, a failed launch or a lost connection.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSessionBusy) ||
		errors.Is(err, ErrCapacityExhausted) ||
		errors.Is(err, profile.ErrLaunch) ||
		errors.Is(err, browser.ErrConnection)
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. The last error is returned.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		zero T
		err  error
	)
	for i := 0; i < attempts; i++ {
		if i > 0 && policy.Delay > 0 {
			timer := time.NewTimer(policy.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		}

		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
	}
	return zero, err
}
