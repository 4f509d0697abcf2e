// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/kairosflow/pkg/errors"
)

const meterName = "kairosflow/engine"

// EngineMetrics records scheduler and engine counters. A nil *EngineMetrics
// is valid and records nothing.
type EngineMetrics struct {
	submitted  metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	rejected   metric.Int64Counter
	retried    metric.Int64Counter
	latency    metric.Float64Histogram
	queueDepth metric.Int64UpDownCounter
	degraded   metric.Int64Counter
	executions metric.Int64Counter
	errors     metric.Int64Counter
	breaker    metric.Int64Gauge
	toolCalls  metric.Int64Counter
	toolTime   metric.Float64Histogram
}

// NewEngineMetrics creates the engine instruments on the global meter provider.
func NewEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter(meterName)
	m := &EngineMetrics{}
	var err error

	if m.submitted, err = meter.Int64Counter("kairosflow.tasks.submitted",
		metric.WithDescription("Tasks admitted to a capability queue")); err != nil {
		return nil, err
	}
	if m.completed, err = meter.Int64Counter("kairosflow.tasks.completed",
		metric.WithDescription("Task attempts that completed successfully")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("kairosflow.tasks.failed",
		metric.WithDescription("Task attempts that failed, by error code")); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("kairosflow.tasks.rejected",
		metric.WithDescription("Submissions rejected by admission control")); err != nil {
		return nil, err
	}
	if m.retried, err = meter.Int64Counter("kairosflow.tasks.retried",
		metric.WithDescription("Task attempts re-submitted after a recoverable failure")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("kairosflow.task.latency_ms",
		metric.WithDescription("Task execution latency in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.queueDepth, err = meter.Int64UpDownCounter("kairosflow.queue.depth",
		metric.WithDescription("Queued tasks per capability")); err != nil {
		return nil, err
	}
	if m.degraded, err = meter.Int64Counter("kairosflow.agents.degraded",
		metric.WithDescription("Agents flagged as degraded")); err != nil {
		return nil, err
	}
	if m.executions, err = meter.Int64Counter("kairosflow.executions.finished",
		metric.WithDescription("Executions reaching a terminal status")); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("kairosflow.errors.total",
		metric.WithDescription("Errors by code and component")); err != nil {
		return nil, err
	}
	if m.breaker, err = meter.Int64Gauge("kairosflow.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state per tool (0=open, 1=half-open, 2=closed)")); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter("kairosflow.tool.calls",
		metric.WithDescription("Tool invocations by tool, source and outcome")); err != nil {
		return nil, err
	}
	if m.toolTime, err = meter.Float64Histogram("kairosflow.tool.duration_ms",
		metric.WithDescription("Tool invocation latency in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// TaskSubmitted counts an admitted task.
func (m *EngineMetrics) TaskSubmitted(ctx context.Context, capability string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrTaskCapability, capability))
	m.submitted.Add(ctx, 1, attrs)
	m.queueDepth.Add(ctx, 1, attrs)
}

// TaskDequeued decrements the queue depth for a capability.
func (m *EngineMetrics) TaskDequeued(ctx context.Context, capability string) {
	if m == nil {
		return
	}
	m.queueDepth.Add(ctx, -1, metric.WithAttributes(attribute.String(AttrTaskCapability, capability)))
}

// TaskRejected counts an admission rejection.
func (m *EngineMetrics) TaskRejected(ctx context.Context, capability string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrTaskCapability, capability)))
}

// TaskFinished records the outcome and latency of one attempt.
func (m *EngineMetrics) TaskFinished(ctx context.Context, agentType string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String(AttrAgentType, agentType)}
	m.latency.Record(ctx, float64(latency)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	if err == nil {
		m.completed.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	attrs = append(attrs, attribute.String(AttrErrorCode, string(errors.CodeOf(err))))
	m.failed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// TaskRetried counts a retry attempt, which re-enters its capability queue.
func (m *EngineMetrics) TaskRetried(ctx context.Context, capability string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrTaskCapability, capability))
	m.retried.Add(ctx, 1, attrs)
	m.queueDepth.Add(ctx, 1, attrs)
}

// AgentDegraded counts an agent entering the degraded state.
func (m *EngineMetrics) AgentDegraded(ctx context.Context, agentID, agentType string) {
	if m == nil {
		return
	}
	m.degraded.Add(ctx, 1, metric.WithAttributes(AgentAttributes(agentID, agentType)...))
}

// ExecutionFinished counts a terminal execution.
func (m *EngineMetrics) ExecutionFinished(ctx context.Context, workflowID, status string) {
	if m == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrWorkflowID, workflowID),
		attribute.String(AttrExecutionStatus, status),
	))
}

// RecordError counts an error by code and component.
func (m *EngineMetrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	ke := errors.As(err)
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, string(ke.Code)),
		attribute.String(AttrComponent, component),
		attribute.String(AttrErrorRecoverable, ke.RecoverableString()),
	))
}

// RecordCircuitBreakerState records a breaker state (0=open, 1=half-open, 2=closed).
func (m *EngineMetrics) RecordCircuitBreakerState(ctx context.Context, tool string, state int64) {
	if m == nil {
		return
	}
	m.breaker.Record(ctx, state, metric.WithAttributes(attribute.String(AttrToolName, tool)))
}

// ToolCalled records one tool invocation.
func (m *EngineMetrics) ToolCalled(ctx context.Context, tool, source string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String(AttrToolName, tool),
		attribute.String(AttrToolSource, source),
	}
	m.toolTime.Record(ctx, float64(latency)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	attrs = append(attrs, attribute.Bool(AttrToolSuccess, err == nil))
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}
