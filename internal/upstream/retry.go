package upstream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Policy controls how failed attempts are retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Delay returns the pause after the given failed attempt (1-based).
	Delay func(attempt int, err error) time.Duration
	// Retryable reports whether err is worth another attempt.
	Retryable func(err error) bool
	// Logger receives a warning per retried attempt; nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultPolicy makes two attempts with linear delays: one second per
// attempt after a 429, half a second per attempt after a transport error.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 2,
		Delay:       LinearDelay,
		Retryable:   IsRetryable,
	}
}

// LinearDelay is the default delay function.
func LinearDelay(attempt int, err error) time.Duration {
	if isRateLimit(err) {
		return time.Duration(attempt) * time.Second
	}
	return time.Duration(attempt) * 500 * time.Millisecond
}

// IsRetryable retries rate limiting and transport errors. Any other non-2xx
// status, a missing credential or an undecodable body is final.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrMalformedResponse) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == 429
	}
	return true
}

// backOffFunc adapts a closure to backoff.BackOff.
type backOffFunc func() time.Duration

func (f backOffFunc) NextBackOff() time.Duration { return f() }
func (f backOffFunc) Reset()                     {}

// Do runs op until it succeeds, fails fatally, runs out of attempts or ctx
// is done. It returns the number of attempts made and the last error.
// Cancelling ctx abandons any pending delay immediately.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := max(1, p.MaxAttempts)
	delay := p.Delay
	if delay == nil {
		delay = LinearDelay
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attempt := 0
	var lastErr error
	operation := func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	next := backOffFunc(func() time.Duration { return delay(attempt, lastErr) })
	b := backoff.WithContext(backoff.WithMaxRetries(next, uint64(maxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		logger.Warn("upstream attempt failed, retrying",
			"attempt", attempt, "max_attempts", maxAttempts, "delay", wait, "error", err)
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}
		if lastErr != nil {
			return attempt, lastErr
		}
		return attempt, err
	}
	return attempt, nil
}
