// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"time"

	"github.com/jllopis/kairosflow/pkg/errors"
)

// WithTimeout runs fn under a deadline. fn receives a context that is
// cancelled on timeout or when the parent is cancelled; WithTimeout returns as
// soon as either happens without waiting for fn, which is left to observe its
// context. A parent cancellation yields CodeCancelled, an elapsed deadline
// CodeTimeout. A zero timeout means no deadline.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	runCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn(runCtx)
		done <- result{value, err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return zero, errors.Cancellation(name, ctx.Err())
		}
		return zero, errors.Timeout(name, timeout, runCtx.Err())
	}
}

// Deadline formats a timeout for logs.
func Deadline(timeout time.Duration) string {
	if timeout <= 0 {
		return "none"
	}
	return timeout.String()
}
