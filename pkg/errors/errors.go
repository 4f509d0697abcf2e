// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for kairosflow.
// Every failure surfaced by the scheduler, engine or orchestrator carries one of
// the codes below so callers can tell structural errors from transient ones.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies kairosflow errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeValidation indicates a malformed workflow graph or missing required input.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeCapabilityMismatch indicates no registered agent can serve a step.
	CodeCapabilityMismatch ErrorCode = "CAPABILITY_MISMATCH"

	// CodeTimeout indicates a task exceeded its deadline.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeExternalTool indicates a collaborator integration failed.
	CodeExternalTool ErrorCode = "EXTERNAL_TOOL"

	// CodeQueueFull indicates admission control rejected a task.
	CodeQueueFull ErrorCode = "QUEUE_FULL"

	// CodeCancelled indicates an execution or task was stopped by request.
	CodeCancelled ErrorCode = "CANCELLED"

	// CodeWorkflowNotFound indicates the workflow id is not registered.
	CodeWorkflowNotFound ErrorCode = "WORKFLOW_NOT_FOUND"

	// CodeExecutionNotFound indicates the execution id is unknown.
	CodeExecutionNotFound ErrorCode = "EXECUTION_NOT_FOUND"

	// CodeAgentNotFound indicates the agent id is not registered.
	CodeAgentNotFound ErrorCode = "AGENT_NOT_FOUND"

	// CodeAgentExists indicates an agent id is already registered.
	CodeAgentExists ErrorCode = "AGENT_EXISTS"

	// CodeShuttingDown indicates the component no longer accepts work.
	CodeShuttingDown ErrorCode = "SHUTTING_DOWN"

	// CodeMemoryError indicates a memory system error.
	CodeMemoryError ErrorCode = "MEMORY_ERROR"

	// CodePolicyDenied indicates a tool policy rejected the call.
	CodePolicyDenied ErrorCode = "POLICY_DENIED"
)

// Error is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type Error struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, errors.New(CodeTimeout, "", nil)) style checks work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *Error) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Err         string                 `json:"error,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Attributes  map[string]string      `json:"attributes,omitempty"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         cause,
		Recoverable: e.Recoverable,
		Context:     e.Context,
		Attributes:  e.Attributes,
	})
}

// New creates a new Error with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *Error) WithAttribute(key, value string) *Error {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *Error) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// As converts an error to an *Error, searching the chain first and wrapping
// unknown errors as internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first *Error in the chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether any *Error in the chain carries code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRecoverable reports whether err may be retried. Untyped errors are treated
// as recoverable; typed errors use their Recoverable flag.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Recoverable
	}
	return true
}

// codeToStatusCode maps error codes to HTTP-style status codes for the API layer.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeWorkflowNotFound, CodeExecutionNotFound, CodeAgentNotFound:
		return 404
	case CodeValidation:
		return 400
	case CodeAgentExists:
		return 409
	case CodePolicyDenied:
		return 403
	case CodeTimeout:
		return 408
	case CodeQueueFull, CodeShuttingDown:
		return 503
	case CodeCancelled:
		return 499
	case CodeCapabilityMismatch:
		return 422
	case CodeExternalTool:
		return 502
	default:
		return 500
	}
}
