// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/kairosflow/pkg/agent"
	"github.com/jllopis/kairosflow/pkg/capability"
	"github.com/jllopis/kairosflow/pkg/core"
	kerrors "github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/registry"
	"github.com/jllopis/kairosflow/pkg/resilience"
	"github.com/jllopis/kairosflow/pkg/telemetry"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = resilience.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}
	cfg.RescanInterval = 10 * time.Millisecond
	return cfg
}

func addAgent(t *testing.T, reg *registry.Registry, id, typ string, h agent.HandlerFunc, opts ...agent.Option) *agent.Agent {
	t.Helper()
	base := []agent.Option{
		agent.WithType(typ),
		agent.WithCapabilities(capability.ToolUse, capability.Communication),
		agent.WithHandler(h),
	}
	a, err := agent.New(id, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, reg.Register(a))
	return a
}

func startScheduler(t *testing.T, cfg Config, reg *registry.Registry, opts ...Option) *Scheduler {
	t.Helper()
	s := New(cfg, reg, opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func wait(t *testing.T, h *Handle) *core.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	task, err := h.Wait(ctx)
	require.NoError(t, err, "handle did not finish in time")
	return task
}

func ok(context.Context, *core.Task) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueCapacity = 10
	s := New(cfg, registry.New(nil))

	for i := 0; i < 10; i++ {
		_, err := s.Submit(context.Background(), core.NewTask("track", capability.ToolUse, nil))
		require.NoError(t, err, "task %d should be admitted", i)
	}
	_, err := s.Submit(context.Background(), core.NewTask("track", capability.ToolUse, nil))
	require.Error(t, err)
	assert.True(t, kerrors.IsCode(err, kerrors.CodeQueueFull))

	// Queues are per capability.
	_, err = s.Submit(context.Background(), core.NewTask("plan", capability.Planning, nil))
	assert.NoError(t, err)

	queues, _ := s.Stats()
	require.Len(t, queues, 2)
	assert.Equal(t, QueueStats{Capability: "planning", Queued: 1, Capacity: 10}, queues[0])
	assert.Equal(t, QueueStats{Capability: "tool_use", Queued: 10, Capacity: 10}, queues[1])
	assert.Equal(t, core.HealthDegraded, s.Check(context.Background()).Status)
}

func TestSubmitValidation(t *testing.T) {
	s := New(fastConfig(), registry.New(nil))
	_, err := s.Submit(context.Background(), nil)
	assert.True(t, kerrors.IsCode(err, kerrors.CodeValidation))

	_, err = s.Submit(context.Background(), core.NewTask("x", capability.Capability(0), nil))
	assert.True(t, kerrors.IsCode(err, kerrors.CodeValidation))
}

func TestDispatchOrderIsPriorityThenFIFO(t *testing.T) {
	reg := registry.New(nil)
	var mu sync.Mutex
	var order []string
	addAgent(t, reg, "a1", "logistics", func(_ context.Context, task *core.Task) (map[string]any, error) {
		mu.Lock()
		order = append(order, task.Type)
		mu.Unlock()
		return nil, nil
	})

	s := New(fastConfig(), reg)
	var handles []*Handle
	for _, spec := range []struct {
		name     string
		priority int
	}{{"low", 1}, {"high-1", 5}, {"high-2", 5}, {"mid", 3}} {
		task := core.NewTask(spec.name, capability.ToolUse, nil)
		task.Priority = spec.priority
		h, err := s.Submit(context.Background(), task)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	for _, h := range handles {
		wait(t, h)
	}
	assert.Equal(t, []string{"high-1", "high-2", "mid", "low"}, order)
}

func TestAgentRunsOneTaskAtATime(t *testing.T) {
	reg := registry.New(nil)
	var current, peak int32
	addAgent(t, reg, "a1", "logistics", func(context.Context, *core.Task) (map[string]any, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return nil, nil
	})
	s := startScheduler(t, fastConfig(), reg)

	var handles []*Handle
	for i := 0; i < 6; i++ {
		h, err := s.Submit(context.Background(), core.NewTask("track", capability.ToolUse, nil))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		assert.Equal(t, core.TaskStatusCompleted, wait(t, h).Status())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestConcurrencyCapPerAgentType(t *testing.T) {
	reg := registry.New(nil)
	var current, peak int32
	slow := func(context.Context, *core.Task) (map[string]any, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return nil, nil
	}
	for _, id := range []string{"l1", "l2", "l3", "l4"} {
		addAgent(t, reg, id, "logistics", slow)
	}
	cfg := fastConfig()
	cfg.Concurrency = map[string]int{"logistics": 2}
	s := startScheduler(t, cfg, reg)

	var handles []*Handle
	for i := 0; i < 8; i++ {
		h, err := s.Submit(context.Background(), core.NewTask("track", capability.ToolUse, nil))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		wait(t, h)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestRetryUntilSuccess(t *testing.T) {
	reg := registry.New(nil)
	var calls int32
	addAgent(t, reg, "a1", "logistics", func(context.Context, *core.Task) (map[string]any, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, kerrors.ExternalTool("carrier.track", errors.New("503"))
		}
		return map[string]any{"status": "delivered"}, nil
	})
	s := startScheduler(t, fastConfig(), reg)

	var mu sync.Mutex
	var seen []core.TaskStatus
	task := core.NewTask("track", capability.ToolUse, nil)
	task.MaxRetries = 3
	h, err := s.Submit(context.Background(), task, OnAttempt(func(t *core.Task) {
		mu.Lock()
		seen = append(seen, t.Status())
		mu.Unlock()
	}))
	require.NoError(t, err)

	final := wait(t, h)
	assert.Equal(t, core.TaskStatusCompleted, final.Status())
	assert.Equal(t, "delivered", final.Result().Output["status"])
	assert.Equal(t, 3, final.Attempt())
	assert.Len(t, h.Attempts(), 3)
	assert.Equal(t, []core.TaskStatus{core.TaskStatusFailed, core.TaskStatusFailed, core.TaskStatusCompleted}, seen)
}

func TestTimeoutRetriesAreBounded(t *testing.T) {
	reg := registry.New(nil)
	addAgent(t, reg, "a1", "logistics", func(ctx context.Context, _ *core.Task) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := fastConfig()
	s := startScheduler(t, cfg, reg)

	task := core.NewTask("track", capability.ToolUse, nil)
	task.Timeout = 20 * time.Millisecond
	task.MaxRetries = 2
	start := time.Now()
	h, err := s.Submit(context.Background(), task)
	require.NoError(t, err)

	final := wait(t, h)
	elapsed := time.Since(start)
	assert.Equal(t, core.TaskStatusFailed, final.Status())
	assert.True(t, kerrors.IsCode(final.Err(), kerrors.CodeTimeout), "got %v", final.Err())

	attempts := h.Attempts()
	assert.Len(t, attempts, 3, "maxRetries+1 attempts")
	for _, a := range attempts {
		assert.Equal(t, core.TaskStatusFailed, a.Status())
	}
	bound := task.Timeout*3 + cfg.Backoff.Total(2)
	assert.Less(t, elapsed, bound+time.Second, "liveness bound exceeded")
}

func TestNonRecoverableErrorIsNotRetried(t *testing.T) {
	reg := registry.New(nil)
	var calls int32
	addAgent(t, reg, "a1", "logistics", func(context.Context, *core.Task) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, kerrors.Validation("bad tracking number")
	})
	s := startScheduler(t, fastConfig(), reg)

	task := core.NewTask("track", capability.ToolUse, nil)
	task.MaxRetries = 3
	h, err := s.Submit(context.Background(), task)
	require.NoError(t, err)
	final := wait(t, h)
	assert.Equal(t, core.TaskStatusFailed, final.Status())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQueuedDeadlineExpires(t *testing.T) {
	s := startScheduler(t, fastConfig(), registry.New(nil))

	task := core.NewTask("plan", capability.Planning, nil)
	task.Deadline = time.Now().Add(20 * time.Millisecond)
	h, err := s.Submit(context.Background(), task)
	require.NoError(t, err)

	final := wait(t, h)
	assert.Equal(t, core.TaskStatusCancelled, final.Status())
	assert.True(t, kerrors.IsCode(final.Err(), kerrors.CodeTimeout))
	assert.Equal(t, []core.TaskStatus{core.TaskStatusPending, core.TaskStatusCancelled}, final.Transitions())
}

func TestCancelPropagatesToRunningTask(t *testing.T) {
	reg := registry.New(nil)
	started := make(chan struct{})
	addAgent(t, reg, "a1", "logistics", func(ctx context.Context, _ *core.Task) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := startScheduler(t, fastConfig(), reg)

	ctx, cancel := context.WithCancel(context.Background())
	task := core.NewTask("track", capability.ToolUse, nil)
	task.MaxRetries = 3
	h, err := s.Submit(ctx, task)
	require.NoError(t, err)

	<-started
	cancel()
	final := wait(t, h)
	assert.Equal(t, core.TaskStatusCancelled, final.Status())
	assert.True(t, kerrors.IsCode(final.Err(), kerrors.CodeCancelled))
	assert.Len(t, h.Attempts(), 1, "cancelled tasks are not retried")
}

func TestStopDrainsQueueAndRejectsNewWork(t *testing.T) {
	s := New(fastConfig(), registry.New(nil))
	s.Start(context.Background())
	h, err := s.Submit(context.Background(), core.NewTask("plan", capability.Planning, nil))
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	final := wait(t, h)
	assert.Equal(t, core.TaskStatusCancelled, final.Status())

	_, err = s.Submit(context.Background(), core.NewTask("plan", capability.Planning, nil))
	assert.True(t, kerrors.IsCode(err, kerrors.CodeShuttingDown))
	assert.Equal(t, core.HealthUnhealthy, s.Check(context.Background()).Status)
}

func TestStopForceCancelsAfterGrace(t *testing.T) {
	reg := registry.New(nil)
	started := make(chan struct{})
	addAgent(t, reg, "a1", "logistics", func(ctx context.Context, _ *core.Task) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := New(fastConfig(), reg)
	s.Start(context.Background())
	h, err := s.Submit(context.Background(), core.NewTask("track", capability.ToolUse, nil))
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	assert.Equal(t, core.TaskStatusCancelled, wait(t, h).Status())
}

func TestDegradedAgentEmitsEvent(t *testing.T) {
	reg := registry.New(nil)
	addAgent(t, reg, "a1", "logistics", func(context.Context, *core.Task) (map[string]any, error) {
		return nil, errors.New("down")
	}, agent.WithDegradedAfter(2))

	var degraded int32
	emitter := core.EventEmitterFunc(func(_ context.Context, e core.Event) {
		if e.Type == core.EventAgentDegraded {
			atomic.AddInt32(&degraded, 1)
		}
	})
	s := startScheduler(t, fastConfig(), reg, WithEventEmitter(emitter))

	task := core.NewTask("track", capability.ToolUse, nil)
	task.MaxRetries = 3
	h, err := s.Submit(context.Background(), task)
	require.NoError(t, err)
	wait(t, h)
	assert.Equal(t, int32(1), atomic.LoadInt32(&degraded))
}

func TestSetConcurrencyUnblocksQueue(t *testing.T) {
	reg := registry.New(nil)
	addAgent(t, reg, "a1", "logistics", ok)
	cfg := fastConfig()
	cfg.Concurrency = map[string]int{"logistics": 1}
	s := startScheduler(t, cfg, reg)

	s.SetConcurrency("logistics", 0)
	h, err := s.Submit(context.Background(), core.NewTask("track", capability.ToolUse, nil))
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, wait(t, h).Status())
	_, running := s.Stats()
	assert.Equal(t, 0, running["logistics"])
}

func TestFailUnservableAfterDeregister(t *testing.T) {
	reg := registry.New(nil)
	a := addAgent(t, reg, "a1", "logistics", ok)
	a.Pause()
	s := startScheduler(t, fastConfig(), reg)

	var attempts []*core.Task
	var mu sync.Mutex
	stranded := core.NewTask("track", capability.ToolUse, nil)
	stranded.StepID = "track"
	stranded.MaxRetries = 3
	h, err := s.Submit(context.Background(), stranded, OnAttempt(func(t *core.Task) {
		mu.Lock()
		attempts = append(attempts, t)
		mu.Unlock()
	}))
	require.NoError(t, err)

	typed := core.NewTask("plan", capability.Planning, nil)
	typed.AgentType = "marketing"
	other, err := s.Submit(context.Background(), typed)
	require.NoError(t, err)

	// Paused agents still count as able to serve.
	assert.Equal(t, 1, s.FailUnservable(), "only the typed task has no candidate")
	final := wait(t, other)
	assert.Equal(t, core.TaskStatusCancelled, final.Status())
	assert.True(t, kerrors.IsCode(final.Err(), kerrors.CodeCapabilityMismatch))

	_, err = reg.Deregister("a1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.FailUnservable())

	final = wait(t, h)
	assert.Equal(t, core.TaskStatusCancelled, final.Status())
	assert.True(t, kerrors.IsCode(final.Err(), kerrors.CodeCapabilityMismatch))
	assert.False(t, kerrors.IsRecoverable(final.Err()))
	assert.Len(t, h.Attempts(), 1, "an unservable task is not retried")
	mu.Lock()
	assert.Len(t, attempts, 1)
	mu.Unlock()

	queues, _ := s.Stats()
	for _, q := range queues {
		assert.Zero(t, q.Queued, q.Capability)
	}
}

func TestDegradedAfterTimedOutAttempt(t *testing.T) {
	reg := registry.New(nil)
	addAgent(t, reg, "a1", "logistics", func(ctx context.Context, _ *core.Task) (map[string]any, error) {
		<-ctx.Done()
		time.Sleep(30 * time.Millisecond)
		return nil, ctx.Err()
	}, agent.WithDegradedAfter(1))

	var degraded int32
	emitter := core.EventEmitterFunc(func(_ context.Context, e core.Event) {
		if e.Type == core.EventAgentDegraded {
			atomic.AddInt32(&degraded, 1)
		}
	})
	s := startScheduler(t, fastConfig(), reg, WithEventEmitter(emitter))

	task := core.NewTask("track", capability.ToolUse, nil)
	task.Timeout = 20 * time.Millisecond
	h, err := s.Submit(context.Background(), task)
	require.NoError(t, err)
	final := wait(t, h)
	require.True(t, kerrors.IsCode(final.Err(), kerrors.CodeTimeout))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&degraded) == 1 },
		time.Second, 5*time.Millisecond, "the timed out attempt must mark the agent degraded")
}

func TestLoggerIsTaggedOnce(t *testing.T) {
	var buf bytes.Buffer
	tagged := telemetry.ComponentLogger(slog.New(slog.NewTextHandler(&buf, nil)), "scheduler")
	s := startScheduler(t, fastConfig(), registry.New(nil), WithLogger(tagged))
	s.SetConcurrency("logistics", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, "component=scheduler"), line)
	}
}
