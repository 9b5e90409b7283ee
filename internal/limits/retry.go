package limits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryOptions configures Retry. ShouldRetry decides whether a failure is
// worth another attempt; BeforeRetry runs before the wait (used to close
// and reinitialize a model client on auth failure); OnWait reports the
// backoff duration to the surrounding working-time accounting.
type RetryOptions struct {
	MaxRetries     int           // attempt count bound (0 = no retries)
	InitialDelay   time.Duration // delay before first retry
	MaxDelay       time.Duration // backoff cap
	Multiplier     float64       // exponential multiplier
	Jitter         bool          // add 0-20% random jitter
	AttemptTimeout time.Duration // per-attempt deadline (0 = none)

	ShouldRetry func(err error) bool
	BeforeRetry func(ctx context.Context, err error) error
	OnWait      func(d time.Duration)
}

// DefaultRetryOptions returns the retry policy used for model calls.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:   5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// ExhaustedError indicates that all retry attempts were used up.
type ExhaustedError struct {
	Err      error
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsRetryExhausted checks if an error is an ExhaustedError.
func IsRetryExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// retryAfterer is implemented by provider errors that carry a Retry-After
// hint; the backoff uses it in place of the exponential delay.
type retryAfterer interface {
	RetryAfter() time.Duration
}

// Retry executes fn with exponential jittered backoff. Attempt timeouts
// (the attempt's context deadline expiring while the parent is still live)
// are always retried; other errors go through ShouldRetry. Errors that are
// not retryable propagate unchanged.
func Retry[T any](ctx context.Context, opts RetryOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attempt := 0
	for {
		result, err := runAttempt(ctx, opts.AttemptTimeout, fn)
		if err == nil {
			return result, nil
		}

		attemptTimedOut := isAttemptTimeout(ctx, err)
		if !attemptTimedOut {
			if opts.ShouldRetry == nil || !opts.ShouldRetry(err) {
				return zero, err
			}
		}

		if attempt >= opts.MaxRetries {
			return zero, &ExhaustedError{Err: err, Attempts: attempt + 1}
		}

		if opts.BeforeRetry != nil {
			if berr := opts.BeforeRetry(ctx, err); berr != nil {
				return zero, fmt.Errorf("before-retry hook failed: %w", berr)
			}
		}

		delay := backoffDelay(opts, attempt, err)
		if opts.OnWait != nil {
			opts.OnWait(delay)
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-time.After(delay):
		}

		attempt++
	}
}

// runAttempt runs one attempt under an optional per-attempt deadline.
func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}

// isAttemptTimeout reports whether err is a deadline expiry of the attempt
// context while the parent context is still live.
func isAttemptTimeout(parent context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil
}

// backoffDelay computes the wait before the next attempt. A Retry-After
// hint on the error takes precedence, capped at MaxDelay.
func backoffDelay(opts RetryOptions, attempt int, err error) time.Duration {
	var ra retryAfterer
	if errors.As(err, &ra) {
		if after := ra.RetryAfter(); after > 0 {
			if after > opts.MaxDelay {
				return opts.MaxDelay
			}
			return after
		}
	}

	delay := float64(opts.InitialDelay) * math.Pow(opts.Multiplier, float64(attempt))
	if delay > float64(opts.MaxDelay) {
		delay = float64(opts.MaxDelay)
	}
	if opts.Jitter {
		delay += rand.Float64() * 0.2 * delay
	}
	return time.Duration(delay)
}
