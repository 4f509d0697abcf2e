// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jllopis/kairosflow/pkg/core"
	kerrors "github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/resilience"
)

type assignment struct {
	it    *item
	agent core.Agent
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	rescan := time.NewTicker(s.cfg.RescanInterval)
	defer rescan.Stop()

	for {
		next := s.dispatch(ctx)

		var wake <-chan time.Time
		var timer *time.Timer
		if !next.IsZero() {
			timer = time.NewTimer(time.Until(next))
			wake = timer.C
		}
		select {
		case <-ctx.Done():
		case <-s.trigger:
		case <-rescan.C:
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// dispatch runs one assignment pass over every queued item in priority
// order and returns the earliest time a held item may change state (a retry
// becoming ready or a queued deadline elapsing).
func (s *Scheduler) dispatch(ctx context.Context) time.Time {
	agents := s.agents.List()
	now := time.Now()

	var (
		next      time.Time
		held      []*item
		launched  []assignment
		expired   []*item
		cancelled []*item
	)
	wakeAt := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return time.Time{}
	}
	for it := s.popLocked(); it != nil; it = s.popLocked() {
		task := it.task
		switch {
		case it.handle.ctx.Err() != nil:
			cancelled = append(cancelled, it)
			continue
		case !task.Deadline.IsZero() && !now.Before(task.Deadline):
			expired = append(expired, it)
			continue
		case !it.readyAt.IsZero() && now.Before(it.readyAt):
			wakeAt(it.readyAt)
			held = append(held, it)
			continue
		}
		if a := s.pickLocked(agents, task); a != nil {
			launched = append(launched, assignment{it: it, agent: a})
			continue
		}
		if !task.Deadline.IsZero() {
			wakeAt(task.Deadline)
		}
		held = append(held, it)
	}
	for _, it := range held {
		s.pushHeldLocked(it)
	}
	s.mu.Unlock()

	for _, it := range cancelled {
		s.metrics.TaskDequeued(ctx, it.task.Capability.String())
		s.cancelQueued(it, kerrors.Cancellation("task "+it.task.ID, it.handle.ctx.Err()))
	}
	for _, it := range expired {
		s.metrics.TaskDequeued(ctx, it.task.Capability.String())
		s.expireQueued(it)
	}
	for _, as := range launched {
		s.metrics.TaskDequeued(ctx, as.it.task.Capability.String())
		s.runs.Go(func() { s.run(as.it, as.agent) })
	}
	return next
}

// pushHeldLocked re-queues an item without renumbering it, so it keeps its
// place among equal priorities.
func (s *Scheduler) pushHeldLocked(it *item) {
	heap.Push(s.queueLocked(it.task.Capability), it)
}

// FailUnservable ends every queued attempt that no registered agent can
// serve, whatever the agent's current state, with CodeCapabilityMismatch.
// It returns how many were failed. Call it after agents leave the pool.
func (s *Scheduler) FailUnservable() int {
	agents := s.agents.List()
	var keep, stranded []*item

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0
	}
	for it := s.popLocked(); it != nil; it = s.popLocked() {
		if servable(agents, it.task) {
			keep = append(keep, it)
		} else {
			stranded = append(stranded, it)
		}
	}
	for _, it := range keep {
		s.pushHeldLocked(it)
	}
	s.mu.Unlock()

	for _, it := range stranded {
		s.metrics.TaskDequeued(it.handle.ctx, it.task.Capability.String())
		s.strandQueued(it)
	}
	return len(stranded)
}

// servable reports whether any agent declares the task's capability and
// matches its agent type, ignoring whether the agent is busy or paused.
func servable(agents []core.Agent, task *core.Task) bool {
	for _, a := range agents {
		if a.Capabilities().Has(task.Capability) && (task.AgentType == "" || a.Type() == task.AgentType) {
			return true
		}
	}
	return false
}

// pickLocked claims the first registered agent that accepts the task and
// whose type is under its concurrency cap. Non-degraded agents are preferred.
func (s *Scheduler) pickLocked(agents []core.Agent, task *core.Task) core.Agent {
	for _, preferHealthy := range []bool{true, false} {
		for _, a := range agents {
			if preferHealthy == s.degraded[a.ID()] {
				continue
			}
			if !a.Accepts(task) {
				continue
			}
			typ := a.Type()
			if limit := s.cfg.Concurrency[typ]; limit > 0 && s.running[typ] >= limit {
				continue
			}
			if !a.Claim(task) {
				continue
			}
			s.running[typ]++
			return a
		}
	}
	return nil
}

func (s *Scheduler) release(agentType string) {
	s.mu.Lock()
	if s.running[agentType] > 0 {
		s.running[agentType]--
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Scheduler) run(it *item, a core.Agent) {
	task := it.task
	h := it.handle
	agentType := a.Type()

	if err := task.Start(a.ID()); err != nil {
		s.logger.Error("scheduler.task.start_failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		s.release(agentType)
		h.finish()
		return
	}
	s.events.Emit(h.ctx, core.NewTaskEvent(core.EventTaskStarted, task, nil))
	s.logger.Debug("scheduler.task.dispatched",
		slog.String("task_id", task.ID),
		slog.String("agent_id", a.ID()),
		slog.String("step_id", task.StepID),
		slog.Int("attempt", task.Attempt()),
	)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithCancel(h.ctx)
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()
	defer cancel()

	started := time.Now()
	res, err := resilience.WithTimeout(runCtx, timeout, task.ID, func(ctx context.Context) (core.Result, error) {
		defer s.release(agentType)
		// Runs even after a timeout returned early, once the agent has
		// recorded the outcome in its stats.
		defer s.trackDegraded(h.ctx, a)
		return a.Execute(ctx, task), nil
	})
	latency := time.Since(started)
	if err == nil {
		err = res.Err
	}
	err = s.classify(runCtx, err, task.ID, timeout, latency)
	if kerrors.IsCode(err, kerrors.CodeTimeout) {
		s.logger.Warn("scheduler.task.timeout",
			slog.String("task_id", task.ID),
			slog.String("agent_id", a.ID()),
			slog.String("limit", resilience.Deadline(timeout)),
		)
	}

	s.metrics.TaskFinished(h.ctx, agentType, latency, err)

	switch {
	case err == nil:
		if terr := task.Complete(res.Output); terr != nil {
			s.logger.Error("scheduler.task.transition", slog.String("error", terr.Error()))
		}
		s.events.Emit(h.ctx, core.NewTaskEvent(core.EventTaskCompleted, task, nil))
		s.logger.Debug("scheduler.task.completed", slog.String("task_id", task.ID), slog.Duration("latency", latency))
		h.attemptDone(task)
		h.finish()
	case kerrors.IsCode(err, kerrors.CodeCancelled):
		_ = task.Cancel(err)
		s.events.Emit(h.ctx, core.NewTaskEvent(core.EventTaskCancelled, task, nil))
		h.attemptDone(task)
		h.finish()
	default:
		_ = task.Fail(err)
		s.events.Emit(h.ctx, core.NewTaskEvent(core.EventTaskFailed, task, map[string]any{"error": err.Error()}))
		s.logger.Info("scheduler.task.failed",
			slog.String("task_id", task.ID),
			slog.String("step_id", task.StepID),
			slog.Int("attempt", task.Attempt()),
			slog.String("code", string(kerrors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
		h.attemptDone(task)
		s.retryOrFinish(h, task, err)
	}
}

// classify maps context errors surfaced by the agent onto the taxonomy.
func (s *Scheduler) classify(runCtx context.Context, err error, taskID string, timeout, latency time.Duration) error {
	if err == nil {
		if runCtx.Err() != nil {
			// The result arrived after cancellation and is discarded.
			return kerrors.Cancellation("task "+taskID, runCtx.Err())
		}
		return nil
	}
	if kerrors.IsCode(err, kerrors.CodeCancelled) || kerrors.IsCode(err, kerrors.CodeTimeout) {
		return err
	}
	if runCtx.Err() != nil {
		return kerrors.Cancellation("task "+taskID, err)
	}
	if errors.Is(err, context.DeadlineExceeded) && timeout > 0 && latency >= timeout {
		return kerrors.Timeout(taskID, timeout, err)
	}
	return err
}

func (s *Scheduler) trackDegraded(ctx context.Context, a core.Agent) {
	degraded := a.Stats().Degraded
	s.mu.Lock()
	was := s.degraded[a.ID()]
	s.degraded[a.ID()] = degraded
	s.mu.Unlock()
	if degraded && !was {
		s.metrics.AgentDegraded(ctx, a.ID(), a.Type())
		s.events.Emit(ctx, core.Event{
			Type:      core.EventAgentDegraded,
			Agent:     a.ID(),
			Timestamp: time.Now().UTC(),
		})
	}
}

// retryOrFinish re-queues a failed attempt after backoff when the error is
// recoverable and the retry budget allows it.
func (s *Scheduler) retryOrFinish(h *Handle, failed *core.Task, err error) {
	if failed.RetryCount >= failed.MaxRetries || !kerrors.IsRecoverable(err) || h.ctx.Err() != nil {
		h.finish()
		return
	}
	if !servable(s.agents.List(), failed) {
		s.logger.Info("scheduler.task.retry_dropped",
			slog.String("task_id", failed.ID),
			slog.String("reason", "no registered agent serves the task"),
		)
		h.finish()
		return
	}
	delay := s.cfg.Backoff.Delay(failed.RetryCount)
	next := failed.NextAttempt()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		h.finish()
		return
	}
	h.addAttempt(next)
	s.pushLocked(&item{task: next, handle: h, readyAt: time.Now().Add(delay)})
	s.mu.Unlock()

	capName := next.Capability.String()
	s.metrics.TaskRetried(h.ctx, capName)
	s.events.Emit(h.ctx, core.NewTaskEvent(core.EventTaskRetry, next, map[string]any{"delay": delay.String()}))
	s.logger.Info("scheduler.task.retry",
		slog.String("task_id", next.ID),
		slog.String("step_id", next.StepID),
		slog.Int("attempt", next.Attempt()),
		slog.Duration("backoff", delay),
	)
	s.notify()
}

func (s *Scheduler) cancelQueued(it *item, cause error) {
	_ = it.task.Cancel(cause)
	s.events.Emit(context.Background(), core.NewTaskEvent(core.EventTaskCancelled, it.task, nil))
	it.handle.attemptDone(it.task)
	it.handle.finish()
}

// expireQueued handles a task whose deadline elapsed before any agent took
// it. The attempt never ran, so it is cancelled with a timeout cause and the
// usual retry rules apply.
func (s *Scheduler) expireQueued(it *item) {
	task := it.task
	limit := task.Deadline.Sub(task.CreatedAt)
	err := kerrors.Timeout(task.ID, limit, errors.New("deadline elapsed while queued"))
	_ = task.Cancel(err)
	s.logger.Info("scheduler.task.expired", slog.String("task_id", task.ID), slog.String("step_id", task.StepID))
	s.events.Emit(it.handle.ctx, core.NewTaskEvent(core.EventTaskFailed, task, map[string]any{"error": err.Error()}))
	it.handle.attemptDone(task)
	s.retryOrFinish(it.handle, task, err)
}

// strandQueued ends a queued attempt nobody can serve. The attempt never
// ran, so it is cancelled with a capability mismatch cause and not retried.
func (s *Scheduler) strandQueued(it *item) {
	task := it.task
	step := task.StepID
	if step == "" {
		step = task.ID
	}
	err := kerrors.CapabilityMismatch(step, task.Capability.String(), task.AgentType)
	_ = task.Cancel(err)
	s.logger.Warn("scheduler.task.unservable",
		slog.String("task_id", task.ID),
		slog.String("step_id", task.StepID),
		slog.String("capability", task.Capability.String()),
	)
	s.events.Emit(it.handle.ctx, core.NewTaskEvent(core.EventTaskFailed, task, map[string]any{"error": err.Error()}))
	it.handle.attemptDone(task)
	it.handle.finish()
}
