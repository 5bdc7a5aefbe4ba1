package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBackoffStep = 500 * time.Millisecond
)

// LinearRetryPolicy retries up to MaxAttempts with a delay of Step*attempt.
type LinearRetryPolicy struct {
	maxAttempts int
	step        time.Duration
}

// NewLinearRetryPolicy builds a policy; non-positive values fall back to 3
// attempts and a 500ms step.
func NewLinearRetryPolicy(maxAttempts int, step time.Duration) *LinearRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if step <= 0 {
		step = defaultBackoffStep
	}
	return &LinearRetryPolicy{maxAttempts: maxAttempts, step: step}
}

// MaxAttempts returns the attempt ceiling.
func (p *LinearRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt follows attempt (1-based).
// Transient fetch failures and unclassified errors are retried; every other
// classified failure is permanent in-process. ErrNotYetPersisted is left to
// broker redelivery.
func (p *LinearRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	return IsTransient(err) || !classified(err)
}

func classified(err error) bool {
	var statusErr *StatusError
	return IsCanceled(err) ||
		IsParse(err) ||
		IsFatal(err) ||
		errors.As(err, &statusErr) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNotYetPersisted)
}

// Backoff returns the wait before the attempt following attempt.
func (p *LinearRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.step * time.Duration(attempt)
}

// Retry runs fn until it succeeds or policy gives up. Cancellation is checked
// before every sleep. It returns the last error and the attempts made.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) (int, error) {
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if !policy.ShouldRetry(err, attempt) {
			return attempt, err
		}
		if err := Sleep(ctx, policy.Backoff(attempt)); err != nil {
			return attempt, fmt.Errorf("retry wait canceled: %w", err)
		}
	}
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
