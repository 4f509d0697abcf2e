// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"time"

	"github.com/jllopis/kairosflow/pkg/errors"
)

// RetryConfig repeats an operation while it fails with recoverable errors,
// sleeping Backoff.Delay between attempts. The engine uses it to re-admit
// steps rejected by a full queue.
type RetryConfig struct {
	// MaxAttempts counts the first try. Values below 1 mean 1.
	MaxAttempts int
	Backoff     Backoff

	// IsRecoverable defaults to errors.IsRecoverable.
	IsRecoverable func(error) bool

	// OnRetry runs before each sleep with the failed attempt (1-based),
	// its error and the delay about to be taken.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig tries three times starting at 100ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff: Backoff{
			Base:       100 * time.Millisecond,
			Max:        10 * time.Second,
			Multiplier: 2.0,
			Jitter:     0.1,
		},
		IsRecoverable: errors.IsRecoverable,
	}
}

func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig {
	rc.MaxAttempts = n
	return rc
}

func (rc RetryConfig) WithBackoff(b Backoff) RetryConfig {
	rc.Backoff = b
	return rc
}

func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

func (rc RetryConfig) WithOnRetry(fn func(attempt int, err error, delay time.Duration)) RetryConfig {
	rc.OnRetry = fn
	return rc
}

// Do calls fn with the 1-based attempt number until it succeeds, fails
// with an unrecoverable error or runs out of attempts. The last error is
// returned. Cancelling ctx during a sleep yields a Cancellation error.
func (rc RetryConfig) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := max(rc.MaxAttempts, 1)
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = errors.IsRecoverable
	}

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil || !recoverable(err) || attempt == attempts {
			return err
		}

		delay := rc.Backoff.Delay(attempt - 1)
		if rc.OnRetry != nil {
			rc.OnRetry(attempt, err, delay)
		}
		if werr := sleep(ctx, delay); werr != nil {
			return errors.Cancellation("retry", werr).
				WithContext("attempt", attempt).
				WithContext("max_attempts", attempts).
				WithContext("last_error", err.Error())
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
