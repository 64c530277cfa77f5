package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"time"
)

// RetryPolicy controls how transient provider failures are retried.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

// DefaultRetryPolicy retries twice with exponential backoff. Provider calls
// are slow, so the first wait is already a couple of seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// RetryableError marks a provider failure worth another attempt, such as a
// rate limit or an attempt that ran out of its own deadline.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %v)", e.Err, e.RetryAfter)
	}
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err as retryable.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err should trigger a retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// policy is exhausted.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		// No wait after the final attempt
		if attempt == policy.MaxRetries {
			break
		}

		// A Retry-After hint from the provider beats our own schedule
		backoff := calculateBackoff(policy, attempt)
		var retryErr *RetryableError
		if errors.As(err, &retryErr) && retryErr.RetryAfter > 0 {
			backoff = retryErr.RetryAfter
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retries exceeded (%d): %w", policy.MaxRetries, lastErr)
}

// RetryWithTimeout is Retry with each attempt bounded by timeout. An attempt
// that hits its own deadline, or a network timeout reported by the provider
// client, is retried like a 5xx. Once ctx itself is done nothing is retried.
func RetryWithTimeout(ctx context.Context, policy RetryPolicy, timeout time.Duration, fn func(ctx context.Context) error) error {
	return Retry(ctx, policy, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return classifyTimeout(ctx, fn(attemptCtx))
	})
}

// classifyTimeout turns an attempt-level timeout into a RetryableError while
// parent is still alive.
func classifyTimeout(parent context.Context, err error) error {
	if err == nil || IsRetryable(err) || parent.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RetryableError{Err: fmt.Errorf("provider call timed out: %w", err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &RetryableError{Err: fmt.Errorf("provider call timed out: %w", err)}
	}
	return err
}

// calculateBackoff is InitialBackoff * BackoffFactor^attempt, capped at
// MaxBackoff.
func calculateBackoff(policy RetryPolicy, attempt int) time.Duration {
	backoff := float64(policy.InitialBackoff) * math.Pow(policy.BackoffFactor, float64(attempt))
	if backoff > float64(policy.MaxBackoff) {
		backoff = float64(policy.MaxBackoff)
	}

	duration := time.Duration(backoff)

	// +/-10%
	if policy.Jitter {
		duration += time.Duration(float64(duration) * 0.1 * (2*rand.Float64() - 1))
	}
	return duration
}
