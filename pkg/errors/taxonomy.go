// SPDX-License-Identifier: Apache-2.0

package errors

import "fmt"

// Validation reports a malformed workflow or missing required input.
// Validation errors are raised at registration or start time and are never retried.
func Validation(format string, args ...any) *Error {
	return New(CodeValidation, fmt.Sprintf(format, args...), nil).WithRecoverable(false)
}

// CapabilityMismatch reports that no registered agent can serve a step.
func CapabilityMismatch(stepID, capability, agentType string) *Error {
	e := New(CodeCapabilityMismatch, fmt.Sprintf("no agent can serve step %q", stepID), nil).
		WithContext("step_id", stepID).
		WithContext("capability", capability).
		WithRecoverable(false)
	if agentType != "" {
		e.WithContext("agent_type", agentType)
	}
	return e
}

// Timeout reports a task that exceeded its deadline.
func Timeout(taskID string, limit fmt.Stringer, cause error) *Error {
	return New(CodeTimeout, fmt.Sprintf("task %s exceeded its deadline", taskID), cause).
		WithContext("task_id", taskID).
		WithContext("timeout", limit.String()).
		WithRecoverable(true)
}

// ExternalTool wraps a failure returned by a collaborator integration.
func ExternalTool(tool string, cause error) *Error {
	return New(CodeExternalTool, fmt.Sprintf("tool %q failed", tool), cause).
		WithContext("tool", tool).
		WithAttribute("tool_name", tool).
		WithRecoverable(true)
}

// QueueFull reports that admission control rejected a task.
func QueueFull(capability string, capacity int) *Error {
	return New(CodeQueueFull, fmt.Sprintf("queue for %s is at capacity", capability), nil).
		WithContext("capability", capability).
		WithContext("capacity", capacity).
		WithRecoverable(false)
}

// Cancellation reports an execution or task stopped by request.
func Cancellation(what string, cause error) *Error {
	return New(CodeCancelled, what+" cancelled", cause).WithRecoverable(false)
}

// WorkflowNotFound reports an unregistered workflow id.
func WorkflowNotFound(id string) *Error {
	return New(CodeWorkflowNotFound, fmt.Sprintf("workflow %q not found", id), nil).
		WithContext("workflow_id", id)
}

// ExecutionNotFound reports an unknown execution id.
func ExecutionNotFound(id string) *Error {
	return New(CodeExecutionNotFound, fmt.Sprintf("execution %q not found", id), nil).
		WithContext("execution_id", id)
}

// AgentNotFound reports an unregistered agent id.
func AgentNotFound(id string) *Error {
	return New(CodeAgentNotFound, fmt.Sprintf("agent %q not found", id), nil).
		WithContext("agent_id", id)
}

// AgentExists reports a duplicate agent registration.
func AgentExists(id string) *Error {
	return New(CodeAgentExists, fmt.Sprintf("agent %q already registered", id), nil).
		WithContext("agent_id", id)
}

// ShuttingDown reports that a component stopped accepting new work.
func ShuttingDown(component string) *Error {
	return New(CodeShuttingDown, component+" is shutting down", nil).WithRecoverable(false)
}

// PolicyDenied reports a tool call rejected by a policy rule. Retrying cannot
// change the decision.
func PolicyDenied(tool, agentType, ruleID, reason string) *Error {
	msg := fmt.Sprintf("tool %q denied for agent type %q", tool, agentType)
	if reason != "" {
		msg += ": " + reason
	}
	return New(CodePolicyDenied, msg, nil).
		WithContext("tool", tool).
		WithContext("agent_type", agentType).
		WithContext("rule_id", ruleID).
		WithAttribute("tool_name", tool).
		WithRecoverable(false)
}
