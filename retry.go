package agentpay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var errPermanent = errors.New("permanent failure")

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errPermanent, err)
}

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// BaseDelay is doubled after each failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration
}

// DefaultRetryPolicy is used when a component is not given one.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:  3,
	BaseDelay: 200 * time.Millisecond,
	MaxDelay:  5 * time.Second,
}

// NoRetry runs an operation exactly once.
var NoRetry = RetryPolicy{Attempts: 1}

// Retry runs op until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done. The last error is returned
// unchanged so callers can decide how to surface it.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := range attempts {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		delay := policy.BaseDelay * time.Duration(1<<uint(attempt))
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

var errNotSubmitted = errors.New("not submitted")

// ErrOutcomeUnknown marks a write that failed after it may have reached
// the network. It must be reconciled, never sent again.
var ErrOutcomeUnknown = errors.New("write outcome unknown")

// NotSubmitted marks a write failure that happened before anything left
// the process, or that the remote side answered with a rejection. Such a
// write can be sent again without risk of applying twice.
func NotSubmitted(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errNotSubmitted, err)
}

// IsNotSubmitted reports whether err was marked by NotSubmitted.
func IsNotSubmitted(err error) bool {
	return errors.Is(err, errNotSubmitted)
}

// SubmitOnce runs a fund-moving write under policy. Only failures marked
// NotSubmitted are retried. Any other failure is returned wrapped in
// ErrOutcomeUnknown, together with whatever handle the write reported.
func SubmitOnce(ctx context.Context, policy RetryPolicy, write func(ctx context.Context) (string, error)) (string, error) {
	var handle string
	var unknown error
	err := Retry(ctx, policy, func(ctx context.Context) error {
		h, err := write(ctx)
		handle = h
		if err != nil && !IsNotSubmitted(err) {
			unknown = err
			return Permanent(err)
		}
		return err
	})
	if unknown != nil {
		return handle, fmt.Errorf("%w: %w", ErrOutcomeUnknown, unknown)
	}
	return handle, err
}
