// SPDX-License-Identifier: Apache-2.0

// Package scheduler matches queued tasks to idle agents. Each capability has
// its own bounded priority queue; a single dispatch loop assigns work while
// agents execute on their own goroutines, so a slow external call never
// holds the assignment lock.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/jllopis/kairosflow/pkg/capability"
	"github.com/jllopis/kairosflow/pkg/core"
	kerrors "github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/resilience"
	"github.com/jllopis/kairosflow/pkg/telemetry"
)

// AgentSource lists candidate agents. The registry satisfies it.
type AgentSource interface {
	List() []core.Agent
}

// Config controls admission, concurrency and retry behavior.
type Config struct {
	// QueueCapacity bounds each per-capability queue (default 100).
	QueueCapacity int
	// Concurrency caps simultaneously running agents per agent type.
	// Missing or zero means unlimited.
	Concurrency map[string]int
	// DefaultTimeout applies to tasks without their own timeout. Zero means none.
	DefaultTimeout time.Duration
	// Backoff computes the delay before each retry attempt.
	Backoff resilience.Backoff
	// RescanInterval forces a dispatch pass even without a trigger, so agents
	// resumed out of band are noticed (default 250ms).
	RescanInterval time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  100,
		Concurrency:    map[string]int{},
		Backoff:        resilience.DefaultBackoff(),
		RescanInterval: 250 * time.Millisecond,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. It is used as given; the default is
// slog.Default() tagged component=scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithEventEmitter sets the event sink.
func WithEventEmitter(e core.EventEmitter) Option {
	return func(s *Scheduler) { s.events = e }
}

// SubmitOption customizes a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	onAttempt func(*core.Task)
}

// OnAttempt registers a callback invoked each time an attempt of the task
// reaches a terminal status, before any retry is queued. It runs on a
// scheduler goroutine and must not block.
func OnAttempt(fn func(*core.Task)) SubmitOption {
	return func(o *submitOptions) { o.onAttempt = fn }
}

// Scheduler is the task dispatcher.
type Scheduler struct {
	cfg     Config
	agents  AgentSource
	logger  *slog.Logger
	metrics *telemetry.EngineMetrics
	events  core.EventEmitter

	baseCtx    context.Context
	cancelBase context.CancelFunc
	trigger    chan struct{}
	runs       conc.WaitGroup
	loop       conc.WaitGroup

	mu       sync.Mutex
	queues   map[capability.Capability]*taskQueue
	running  map[string]int
	degraded map[string]bool
	seq      uint64
	started  bool
	stopped  bool
	stopLoop context.CancelFunc
}

// New creates a scheduler reading agents from src.
func New(cfg Config, src AgentSource, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = def.RescanInterval
	}
	caps := make(map[string]int, len(cfg.Concurrency))
	for k, v := range cfg.Concurrency {
		caps[k] = v
	}
	cfg.Concurrency = caps

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		agents:     src,
		logger:     telemetry.ComponentLogger(nil, "scheduler"),
		events:     core.NoopEventEmitter{},
		baseCtx:    baseCtx,
		cancelBase: cancel,
		trigger:    make(chan struct{}, 1),
		queues:     make(map[capability.Capability]*taskQueue),
		running:    make(map[string]int),
		degraded:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the dispatch loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.stopLoop = cancel
	s.mu.Unlock()

	s.loop.Go(func() { s.dispatchLoop(loopCtx) })
	s.logger.Info("scheduler.started", slog.Int("queue_capacity", s.cfg.QueueCapacity))
}

// Submit admits a task to the queue of its required capability. It fails
// with CodeQueueFull when that queue is at capacity and with
// CodeShuttingDown after Stop. Cancelling ctx cancels the task (and any
// pending retry) at the next dispatch boundary and is propagated to the
// running attempt.
func (s *Scheduler) Submit(ctx context.Context, task *core.Task, opts ...SubmitOption) (*Handle, error) {
	if task == nil {
		return nil, kerrors.Validation("task is required")
	}
	if !task.Capability.Valid() {
		return nil, kerrors.Validation("task %s has invalid capability", task.ID)
	}
	if task.Status() != core.TaskStatusPending {
		return nil, kerrors.Validation("task %s is %s, not pending", task.ID, task.Status())
	}
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	capName := task.Capability.String()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, kerrors.ShuttingDown("scheduler")
	}
	q := s.queueLocked(task.Capability)
	if q.Len() >= s.cfg.QueueCapacity {
		s.mu.Unlock()
		s.metrics.TaskRejected(ctx, capName)
		s.logger.Warn("scheduler.task.rejected",
			slog.String("task_id", task.ID),
			slog.String("capability", capName),
			slog.Int("capacity", s.cfg.QueueCapacity),
		)
		return nil, kerrors.QueueFull(capName, s.cfg.QueueCapacity)
	}
	h := newHandle(ctx, task, o.onAttempt)
	h.stopWatch = context.AfterFunc(ctx, s.notify)
	s.pushLocked(&item{task: task, handle: h})
	s.mu.Unlock()

	s.metrics.TaskSubmitted(ctx, capName)
	s.events.Emit(ctx, core.NewTaskEvent(core.EventTaskQueued, task, nil))
	s.logger.Debug("scheduler.task.queued",
		slog.String("task_id", task.ID),
		slog.String("capability", capName),
		slog.Int("priority", task.Priority),
	)
	s.notify()
	return h, nil
}

// SetConcurrency changes the cap for an agent type. n <= 0 removes the cap.
// Running agents above a lowered cap finish normally.
func (s *Scheduler) SetConcurrency(agentType string, n int) {
	s.mu.Lock()
	if n <= 0 {
		delete(s.cfg.Concurrency, agentType)
	} else {
		s.cfg.Concurrency[agentType] = n
	}
	s.mu.Unlock()
	s.logger.Info("scheduler.concurrency.updated", slog.String("agent_type", agentType), slog.Int("limit", n))
	s.notify()
}

// Notify requests a dispatch pass, e.g. after agents were registered or resumed.
func (s *Scheduler) Notify() { s.notify() }

// Stop stops admission, cancels queued tasks and waits for running attempts
// until ctx ends; then running attempts are force-cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	stopLoop := s.stopLoop
	s.mu.Unlock()

	// No dispatch pass may launch work once we start waiting on s.runs.
	if stopLoop != nil {
		stopLoop()
	}
	s.loop.Wait()

	s.mu.Lock()
	var drained []*item
	for _, c := range capability.All() {
		q := s.queues[c]
		for q != nil && q.Len() > 0 {
			drained = append(drained, heap.Pop(q).(*item))
		}
	}
	s.mu.Unlock()

	for _, it := range drained {
		s.metrics.TaskDequeued(ctx, it.task.Capability.String())
		s.cancelQueued(it, kerrors.Cancellation("task "+it.task.ID, kerrors.ShuttingDown("scheduler")))
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler.stop.forced", slog.String("reason", ctx.Err().Error()))
		s.cancelBase()
		<-done
		err = ctx.Err()
	}
	s.cancelBase()
	s.logger.Info("scheduler.stopped", slog.Int("drained", len(drained)))
	return err
}

// QueueStats is a point-in-time view of one capability queue.
type QueueStats struct {
	Capability string
	Queued     int
	Capacity   int
}

// Stats returns queue depths in capability order and running counts per agent type.
func (s *Scheduler) Stats() ([]QueueStats, map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queues := make([]QueueStats, 0, len(s.queues))
	for _, c := range capability.All() {
		q, ok := s.queues[c]
		if !ok {
			continue
		}
		queues = append(queues, QueueStats{Capability: c.String(), Queued: q.Len(), Capacity: s.cfg.QueueCapacity})
	}
	running := make(map[string]int, len(s.running))
	for k, v := range s.running {
		running[k] = v
	}
	return queues, running
}

// Check implements core.HealthChecker.
func (s *Scheduler) Check(context.Context) core.HealthResult {
	result := core.HealthResult{Component: "scheduler", Status: core.HealthHealthy, LastCheck: time.Now()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		result.Status = core.HealthUnhealthy
		result.Message = "stopped"
		return result
	}
	for _, c := range capability.All() {
		if q, ok := s.queues[c]; ok && q.Len() >= s.cfg.QueueCapacity {
			result.Status = core.HealthDegraded
			result.Message = fmt.Sprintf("queue %s is full", c)
			return result
		}
	}
	return result
}

func (s *Scheduler) notify() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) queueLocked(c capability.Capability) *taskQueue {
	q, ok := s.queues[c]
	if !ok {
		q = &taskQueue{}
		s.queues[c] = q
	}
	return q
}

func (s *Scheduler) pushLocked(it *item) {
	s.seq++
	it.seq = s.seq
	heap.Push(s.queueLocked(it.task.Capability), it)
}

// popLocked pops the globally highest-priority item across all queues.
func (s *Scheduler) popLocked() *item {
	var best *taskQueue
	for _, c := range capability.All() {
		q, ok := s.queues[c]
		if !ok || q.Len() == 0 {
			continue
		}
		if best == nil || before((*q)[0], (*best)[0]) {
			best = q
		}
	}
	if best == nil {
		return nil
	}
	return heap.Pop(best).(*item)
}

var _ core.HealthChecker = (*Scheduler)(nil)
