// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"sync"

	"github.com/jllopis/kairosflow/pkg/core"
)

// Handle tracks a submitted task across all of its attempts. It is done once
// the last attempt reaches a terminal status and no retry follows.
type Handle struct {
	ctx       context.Context
	onAttempt func(*core.Task)
	stopWatch func() bool

	mu       sync.Mutex
	attempts []*core.Task
	once     sync.Once
	done     chan struct{}
}

func newHandle(ctx context.Context, first *core.Task, onAttempt func(*core.Task)) *Handle {
	return &Handle{
		ctx:       ctx,
		onAttempt: onAttempt,
		attempts:  []*core.Task{first},
		done:      make(chan struct{}),
	}
}

// Done is closed when the handle reaches its final outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Task returns the latest attempt.
func (h *Handle) Task() *core.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[len(h.attempts)-1]
}

// Attempts returns every attempt in order.
func (h *Handle) Attempts() []*core.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*core.Task, len(h.attempts))
	copy(out, h.attempts)
	return out
}

// Result returns the latest attempt's result. Only final once Done is closed.
func (h *Handle) Result() core.Result {
	return h.Task().Result()
}

// Wait blocks until the handle is done or ctx ends.
func (h *Handle) Wait(ctx context.Context) (*core.Task, error) {
	select {
	case <-h.done:
		return h.Task(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) addAttempt(t *core.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, t)
}

func (h *Handle) attemptDone(t *core.Task) {
	if h.onAttempt != nil {
		h.onAttempt(t)
	}
}

func (h *Handle) finish() {
	h.once.Do(func() {
		if h.stopWatch != nil {
			h.stopWatch()
		}
		close(h.done)
	})
}
