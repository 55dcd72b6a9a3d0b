// Package retry runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy configures Do.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	// Multiplier grows the delay after each failed attempt. Defaults to 1.5.
	Multiplier float64
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another attempt.
	// A nil predicate retries every error.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy matches the AI endpoint settings: 3 attempts, 1s base, x1.5.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  1.5,
		MaxDelay:    20 * time.Second,
	}
}

// Do calls op until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
	if b.Multiplier <= 0 {
		b.Multiplier = 1.5
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(1<<62 - 1)
	}

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempt, d, err)
			}
		}),
	)

	// Retry only strips the permanent wrapper before the attempt ceiling.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return res, err
}
