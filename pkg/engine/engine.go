// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine drives workflow executions: it selects ready steps, turns
// them into tasks for the scheduler, merges results into the execution
// context and resolves the terminal status. Each execution is driven by a
// single goroutine, so step selection and context merges never interleave.
package engine

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kairosflow/pkg/capability"
	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/execution"
	"github.com/jllopis/kairosflow/pkg/resilience"
	"github.com/jllopis/kairosflow/pkg/scheduler"
	"github.com/jllopis/kairosflow/pkg/telemetry"
	"github.com/jllopis/kairosflow/pkg/workflow"
)

// Submitter admits tasks for dispatch. *scheduler.Scheduler implements it.
type Submitter interface {
	Submit(ctx context.Context, task *core.Task, opts ...scheduler.SubmitOption) (*scheduler.Handle, error)
}

// CapabilityIndex answers whether any registered agent can serve a step.
// *registry.Registry implements it.
type CapabilityIndex interface {
	CanServe(c capability.Capability, agentType string) bool
}

// Engine runs executions against a scheduler. It holds no per-execution
// state and is safe for concurrent use.
type Engine struct {
	sched     Submitter
	agents    CapabilityIndex
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *telemetry.EngineMetrics
	admission resilience.RetryConfig
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer overrides the tracer used for execution and step spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithMetrics records step failures.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAdmissionRetry retries Submit while the scheduler reports a full
// queue. Other admission errors are returned at once.
func WithAdmissionRetry(cfg resilience.RetryConfig) Option {
	return func(e *Engine) {
		cfg.IsRecoverable = func(err error) bool { return errors.IsCode(err, errors.CodeQueueFull) }
		e.admission = cfg
	}
}

// New creates an engine submitting to sched. agents may be nil, in which
// case the capability pre-check is skipped.
func New(sched Submitter, agents CapabilityIndex, opts ...Option) *Engine {
	e := &Engine{
		sched:  sched,
		agents: agents,
		logger: slog.Default(),
		tracer: telemetry.Tracer(),
		admission: resilience.RetryConfig{
			MaxAttempts:   1,
			Backoff:       resilience.DefaultBackoff(),
			IsRecoverable: func(err error) bool { return errors.IsCode(err, errors.CodeQueueFull) },
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Runner binds the engine to a compiled workflow.
func (e *Engine) Runner(g *workflow.Graph) execution.Runner {
	return execution.RunnerFunc(func(ctx context.Context, exec *execution.Execution) error {
		return e.Run(ctx, g, exec)
	})
}

// Run drives exec through g until no step is ready. It returns nil when
// the execution completed, a cancellation error when ctx ended or cancel
// was requested, and the failing step's error otherwise.
func (e *Engine) Run(ctx context.Context, g *workflow.Graph, exec *execution.Execution) error {
	r := newRun(e, g, exec)
	return r.drive(ctx)
}
