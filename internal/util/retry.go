package util

import (
	"context"
	"time"
)

// RetryPolicy bounds how often a pipeline step is attempted. Attempts is
// the total number of calls, not the number of retries.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	// Retryable reports whether err is worth another attempt. Nil means
	// every error is.
	Retryable func(error) bool
	// OnRetry is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. No backoff is spent after the final attempt.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || attempt == attempts || (p.Retryable != nil && !p.Retryable(err)) {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		select {
		case <-time.After(p.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Retry executes fn with retries and backoff.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	return RetryPolicy{Attempts: attempts, Backoff: backoff}.Do(ctx, fn)
}
