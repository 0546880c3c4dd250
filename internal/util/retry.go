package util

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds retries of external calls. Delays grow by doubling
// from BaseDelay up to MaxDelay. The policy is passed explicitly to
// every retry helper so call sites never carry ad hoc retry loops.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used for model and storage
// calls unless configuration overrides it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Delay returns the backoff delay before the given attempt. Attempt
// counting starts at 1; the first attempt has no delay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) wait(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// RetryErr calls fn until it returns nil or the policy is exhausted.
// Context cancellation and deadline errors are never retried.
func RetryErr(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= policy.attempts(); attempt++ {
		if err := policy.wait(ctx, attempt); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if retryAbort(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// Retry calls fn until it returns a result or the policy is exhausted.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var lastErr error
	var zero T
	for attempt := 1; attempt <= policy.attempts(); attempt++ {
		if err := policy.wait(ctx, attempt); err != nil {
			return zero, err
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if retryAbort(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

// Retry2 is Retry for functions returning two results.
func Retry2[A, B any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (A, B, error)) (A, B, error) {
	var lastErr error
	var zeroA A
	var zeroB B
	for attempt := 1; attempt <= policy.attempts(); attempt++ {
		if err := policy.wait(ctx, attempt); err != nil {
			return zeroA, zeroB, err
		}
		a, b, err := fn(ctx)
		if err == nil {
			return a, b, nil
		}
		if retryAbort(err) {
			return zeroA, zeroB, err
		}
		lastErr = err
	}
	return zeroA, zeroB, lastErr
}

// Retry3 is Retry for functions returning three results.
func Retry3[A, B, C any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (A, B, C, error)) (A, B, C, error) {
	var lastErr error
	var zeroA A
	var zeroB B
	var zeroC C
	for attempt := 1; attempt <= policy.attempts(); attempt++ {
		if err := policy.wait(ctx, attempt); err != nil {
			return zeroA, zeroB, zeroC, err
		}
		a, b, c, err := fn(ctx)
		if err == nil {
			return a, b, c, nil
		}
		if retryAbort(err) {
			return zeroA, zeroB, zeroC, err
		}
		lastErr = err
	}
	return zeroA, zeroB, zeroC, lastErr
}
