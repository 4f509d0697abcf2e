// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/execution"
	"github.com/jllopis/kairosflow/pkg/scheduler"
	"github.com/jllopis/kairosflow/pkg/telemetry"
	"github.com/jllopis/kairosflow/pkg/workflow"
)

type outcome struct {
	stepID string
	handle *scheduler.Handle
}

type inflight struct {
	handle *scheduler.Handle
	span   trace.Span
}

// run is the state of one Engine.Run call. Only the driving goroutine
// touches it; waiter goroutines communicate through results.
type run struct {
	e      *Engine
	g      *workflow.Graph
	exec   *execution.Execution
	logger *slog.Logger

	// remaining counts predecessors that are not yet terminal.
	remaining map[string]int
	// routed marks steps some finished predecessor routed to.
	routed   map[string]bool
	ready    []string
	inflight map[string]inflight
	results  chan outcome
	waiters  conc.WaitGroup
}

func newRun(e *Engine, g *workflow.Graph, exec *execution.Execution) *run {
	r := &run{
		e:         e,
		g:         g,
		exec:      exec,
		logger:    e.logger.With(slog.String("execution_id", exec.ID()), slog.String("workflow_id", g.ID())),
		remaining: make(map[string]int, g.Len()),
		routed:    make(map[string]bool, g.Len()),
		inflight:  make(map[string]inflight),
		results:   make(chan outcome),
	}
	for _, id := range g.StepIDs() {
		r.remaining[id] = len(g.Predecessors(id))
	}
	for _, id := range g.Starts() {
		r.routed[id] = true
		r.ready = append(r.ready, id)
	}
	return r
}

func (r *run) drive(ctx context.Context) error {
	ctx, span := r.e.tracer.Start(ctx, "Engine.Execution",
		trace.WithAttributes(telemetry.ExecutionAttributes(r.g.ID(), r.exec.ID(), "")...),
	)
	defer span.End()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.logger.InfoContext(ctx, "engine.execution.start", slog.Int("steps", r.g.Len()))
	err := r.loop(runCtx)
	if err != nil {
		cancel()
		r.drain()
	}
	r.waiters.Wait()

	status := string(execution.StatusCompleted)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.IsCode(err, errors.CodeCancelled):
		status = string(execution.StatusCancelled)
		span.SetStatus(codes.Error, "cancelled")
	default:
		status = string(execution.StatusFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String(telemetry.AttrExecutionStatus, status))
	return err
}

func (r *run) loop(ctx context.Context) error {
	for {
		for len(r.ready) > 0 {
			if err := r.cancelled(ctx); err != nil {
				return err
			}
			id := r.ready[0]
			r.ready = r.ready[1:]
			if err := r.start(ctx, id); err != nil {
				return err
			}
		}
		if len(r.inflight) == 0 {
			return nil
		}
		select {
		case o := <-r.results:
			if err := r.complete(ctx, o); err != nil {
				return err
			}
		case <-ctx.Done():
			return r.cancelled(ctx)
		}
	}
}

// cancelled returns a cancellation error once cancel was requested or ctx
// ended. It is checked at every step boundary.
func (r *run) cancelled(ctx context.Context) error {
	if r.exec.CancelRequested() || ctx.Err() != nil {
		return errors.Cancellation("execution "+r.exec.ID(), context.Cause(ctx))
	}
	return nil
}

func (r *run) start(ctx context.Context, id string) error {
	st, _ := r.g.Step(id)
	view := r.exec.Context()
	if !r.g.ShouldRun(id, view) {
		r.setStatus(id, execution.StepSkipped)
		r.exec.Record(execution.LogEntry{StepID: id, Status: execution.StepSkipped})
		r.logger.DebugContext(ctx, "engine.step.skipped", slog.String("step_id", id))
		r.advance(id, r.g.Route(id, view))
		return nil
	}

	if r.e.agents != nil && !r.e.agents.CanServe(st.Capability, st.AgentType) {
		err := errors.CapabilityMismatch(id, st.Capability.String(), st.AgentType)
		r.setStatus(id, execution.StepFailed)
		r.exec.Record(failedEntry(id, err))
		r.logger.ErrorContext(ctx, "engine.step.unservable",
			slog.String("step_id", id),
			slog.String("capability", st.Capability.String()),
		)
		r.e.metrics.RecordError(ctx, err, "engine")
		return err
	}

	task := core.NewTask(r.g.TaskType(id), st.Capability, r.g.Payload(id, view))
	task.AgentType = st.AgentType
	task.Priority = st.Priority
	task.MaxRetries = st.MaxRetries
	task.Timeout = st.Timeout
	task.ExecutionID = r.exec.ID()
	task.StepID = id
	if st.QueueTimeout > 0 {
		task.Deadline = task.CreatedAt.Add(st.QueueTimeout)
	}

	stepCtx, span := r.e.tracer.Start(ctx, "Engine.Step",
		trace.WithAttributes(telemetry.StepAttributes(id, st.Capability.String(), st.Optional)...),
		trace.WithAttributes(attribute.String(telemetry.AttrTaskType, task.Type)),
	)
	var h *scheduler.Handle
	admission := r.e.admission.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		r.logger.WarnContext(ctx, "engine.step.admission.retry",
			slog.String("step_id", id),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	})
	err := admission.Do(stepCtx, func(int) error {
		var serr error
		h, serr = r.e.sched.Submit(stepCtx, task, scheduler.OnAttempt(r.recordAttempt))
		return serr
	})
	if err != nil {
		endSpan(span, execution.StepFailed, err)
		if cerr := r.cancelled(ctx); cerr != nil {
			return cerr
		}
		r.exec.Record(failedEntry(id, err))
		return r.fail(ctx, st, err)
	}

	r.setStatus(id, execution.StepRunning)
	r.inflight[id] = inflight{handle: h, span: span}
	r.logger.DebugContext(ctx, "engine.step.dispatched",
		slog.String("step_id", id),
		slog.String("task_id", task.ID),
		slog.String("capability", st.Capability.String()),
	)
	r.waiters.Go(func() {
		<-h.Done()
		r.results <- outcome{stepID: id, handle: h}
	})
	return nil
}

func (r *run) complete(ctx context.Context, o outcome) error {
	inf := r.inflight[o.stepID]
	delete(r.inflight, o.stepID)
	task := o.handle.Task()
	res := task.Result()

	if err := r.cancelled(ctx); err != nil {
		r.setStatus(o.stepID, execution.StepCancelled)
		endSpan(inf.span, execution.StepCancelled, err)
		return err
	}

	st, _ := r.g.Step(o.stepID)
	if task.Status() == core.TaskStatusCompleted {
		r.exec.Merge(r.g.Outputs(o.stepID, res.Output))
		r.setStatus(o.stepID, execution.StepCompleted)
		endSpan(inf.span, execution.StepCompleted, nil)
		r.logger.InfoContext(ctx, "engine.step.completed",
			slog.String("step_id", o.stepID),
			slog.Int("attempts", task.Attempt()),
		)
		r.advance(o.stepID, r.g.Route(o.stepID, r.exec.Context()))
		return nil
	}

	err := res.Err
	if err == nil {
		err = errors.New(errors.CodeInternal, "step "+o.stepID+" ended without a result", nil)
	}
	endSpan(inf.span, execution.StepFailed, err)
	return r.fail(ctx, st, err)
}

// fail marks a step failed after its retries are exhausted. Optional steps
// route on; a required step ends the execution with err.
func (r *run) fail(ctx context.Context, st workflow.Step, err error) error {
	r.setStatus(st.ID, execution.StepFailed)
	r.e.metrics.RecordError(ctx, err, "engine")
	attrs := []any{
		slog.String("step_id", st.ID),
		slog.String("code", string(errors.CodeOf(err))),
		slog.String("error", err.Error()),
	}
	if st.Optional {
		r.logger.WarnContext(ctx, "engine.step.optional_failed", attrs...)
		r.advance(st.ID, r.g.Route(st.ID, r.exec.Context()))
		return nil
	}
	r.logger.ErrorContext(ctx, "engine.step.failed", attrs...)
	return err
}

// advance records that id is terminal and releases successors whose
// predecessors are all terminal. Successors nobody routed to become
// unreachable, which in turn releases their own successors.
func (r *run) advance(id string, routes []string) {
	for _, next := range r.g.Successors(id) {
		if slices.Contains(routes, next) {
			r.routed[next] = true
		}
		r.remaining[next]--
		if r.remaining[next] > 0 {
			continue
		}
		if r.routed[next] {
			r.ready = append(r.ready, next)
			continue
		}
		r.setStatus(next, execution.StepUnreachable)
		r.logger.Debug("engine.step.unreachable", slog.String("step_id", next))
		r.advance(next, nil)
	}
}

// drain waits for in-flight steps after the run context was cancelled.
// Their results are discarded, so they end cancelled even when the task
// itself completed.
func (r *run) drain() {
	for len(r.inflight) > 0 {
		o := <-r.results
		inf := r.inflight[o.stepID]
		delete(r.inflight, o.stepID)
		r.setStatus(o.stepID, execution.StepCancelled)
		endSpan(inf.span, execution.StepCancelled, nil)
	}
}

// recordAttempt logs one finished attempt. It runs on scheduler goroutines.
func (r *run) recordAttempt(task *core.Task) {
	res := task.Result()
	started, finished := task.Timestamps()
	entry := execution.LogEntry{
		StepID:     task.StepID,
		TaskID:     task.ID,
		Attempt:    task.Attempt(),
		AgentID:    task.AssignedTo(),
		Status:     attemptStatus(task),
		StartedAt:  started,
		FinishedAt: finished,
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
		entry.ErrorCode = string(errors.CodeOf(res.Err))
	}
	if entry.Status == execution.StepCompleted {
		entry.Output = res.Output
	}
	r.exec.Record(entry)
}

func (r *run) setStatus(id string, status execution.StepStatus) {
	if err := r.exec.SetStepStatus(id, status); err != nil {
		r.logger.Error("engine.step.status", slog.String("step_id", id), slog.String("error", err.Error()))
	}
}

// attemptStatus maps a finished task onto a log status. A queued attempt
// whose deadline elapsed, or that no agent was left to serve, is cancelled
// by the scheduler but logged as failed.
func attemptStatus(task *core.Task) execution.StepStatus {
	switch task.Status() {
	case core.TaskStatusCompleted:
		return execution.StepCompleted
	case core.TaskStatusFailed:
		return execution.StepFailed
	}
	if errors.IsCode(task.Err(), errors.CodeTimeout) || errors.IsCode(task.Err(), errors.CodeCapabilityMismatch) {
		return execution.StepFailed
	}
	return execution.StepCancelled
}

func failedEntry(stepID string, err error) execution.LogEntry {
	return execution.LogEntry{
		StepID:    stepID,
		Status:    execution.StepFailed,
		Error:     err.Error(),
		ErrorCode: string(errors.CodeOf(err)),
	}
}

func endSpan(span trace.Span, status execution.StepStatus, err error) {
	span.SetAttributes(attribute.String(telemetry.AttrStepStatus, string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
