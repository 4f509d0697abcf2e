// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry integration for the orchestration
// engine: trace-aware logging, span attributes and engine metrics.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used on spans and metrics.
const (
	// Agent attributes
	AttrAgentID   = "kairosflow.agent.id"
	AttrAgentType = "kairosflow.agent.type"

	// Workflow and execution attributes
	AttrWorkflowID      = "kairosflow.workflow.id"
	AttrExecutionID     = "kairosflow.execution.id"
	AttrExecutionStatus = "kairosflow.execution.status"
	AttrStepID          = "kairosflow.step.id"
	AttrStepStatus      = "kairosflow.step.status"
	AttrStepOptional    = "kairosflow.step.optional"

	// Task attributes
	AttrTaskID         = "kairosflow.task.id"
	AttrTaskType       = "kairosflow.task.type"
	AttrTaskCapability = "kairosflow.task.capability"
	AttrTaskPriority   = "kairosflow.task.priority"
	AttrTaskAttempt    = "kairosflow.task.attempt"
	AttrTaskStatus     = "kairosflow.task.status"

	// Tool attributes
	AttrToolName       = "kairosflow.tool.name"
	AttrToolSource     = "kairosflow.tool.source" // "local", "mcp"
	AttrToolDurationMs = "kairosflow.tool.duration_ms"
	AttrToolSuccess    = "kairosflow.tool.success"

	// Error attributes
	AttrErrorCode        = "error.code"
	AttrErrorRecoverable = "error.recoverable"
	AttrComponent        = "component"
)

// ExecutionAttributes returns attributes for an execution span.
func ExecutionAttributes(workflowID, executionID, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrWorkflowID, workflowID),
		attribute.String(AttrExecutionID, executionID),
	}
	if status != "" {
		attrs = append(attrs, attribute.String(AttrExecutionStatus, status))
	}
	return attrs
}

// StepAttributes returns attributes for a step span.
func StepAttributes(stepID, capability string, optional bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrStepID, stepID),
		attribute.String(AttrTaskCapability, capability),
	}
	if optional {
		attrs = append(attrs, attribute.Bool(AttrStepOptional, true))
	}
	return attrs
}

// TaskAttributes returns attributes describing one task attempt.
func TaskAttributes(taskID, taskType, capability string, priority, attempt int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrTaskCapability, capability),
	}
	if taskType != "" {
		attrs = append(attrs, attribute.String(AttrTaskType, taskType))
	}
	if priority > 0 {
		attrs = append(attrs, attribute.Int(AttrTaskPriority, priority))
	}
	if attempt > 0 {
		attrs = append(attrs, attribute.Int(AttrTaskAttempt, attempt))
	}
	return attrs
}

// AgentAttributes returns attributes identifying an agent.
func AgentAttributes(agentID, agentType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrAgentID, agentID)}
	if agentType != "" {
		attrs = append(attrs, attribute.String(AttrAgentType, agentType))
	}
	return attrs
}

// ToolCallAttributes returns attributes for a tool call.
func ToolCallAttributes(name, source string, durationMs float64, success bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, name),
		attribute.String(AttrToolSource, source),
		attribute.Float64(AttrToolDurationMs, durationMs),
		attribute.Bool(AttrToolSuccess, success),
	}
}
