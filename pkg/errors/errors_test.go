// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	cause := errors.New("network timeout")
	ke := New(CodeTimeout, "task timed out", cause)

	if ke.Code != CodeTimeout {
		t.Errorf("expected CodeTimeout, got %v", ke.Code)
	}
	if ke.Message != "task timed out" {
		t.Errorf("expected message 'task timed out', got %q", ke.Message)
	}
	if ke.Err != cause {
		t.Errorf("expected cause to be preserved")
	}
	if !errors.Is(ke, cause) {
		t.Errorf("expected errors.Is to work with wrapped error")
	}
}

func TestWithContext(t *testing.T) {
	ke := New(CodeExternalTool, "tool failed", nil)
	ke.WithContext("tool", "carrier.track").
		WithContext("args", map[string]interface{}{"tracking_number": "1Z"})

	if ke.Context["tool"] != "carrier.track" {
		t.Errorf("expected context tool to be 'carrier.track'")
	}
	if ke.Context["args"] == nil {
		t.Errorf("expected context args to be set")
	}
}

func TestWithRecoverable(t *testing.T) {
	ke := New(CodeExternalTool, "network error", nil)
	if ke.Recoverable {
		t.Errorf("expected recoverable to be false by default")
	}

	ke.WithRecoverable(true)
	if !ke.Recoverable {
		t.Errorf("expected recoverable to be true after WithRecoverable")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		ke       *Error
		expected string
	}{
		{
			name:     "with cause",
			ke:       New(CodeTimeout, "operation timed out", errors.New("deadline exceeded")),
			expected: "[TIMEOUT] operation timed out: deadline exceeded",
		},
		{
			name:     "without cause",
			ke:       New(CodeWorkflowNotFound, "workflow not found", nil),
			expected: "[WORKFLOW_NOT_FOUND] workflow not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.ke.Error()
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestAs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCode
	}{
		{name: "nil error", err: nil, expected: ""},
		{name: "typed", err: New(CodeQueueFull, "full", nil), expected: CodeQueueFull},
		{name: "wrapped typed", err: fmt.Errorf("submit: %w", QueueFull("tool_use", 10)), expected: CodeQueueFull},
		{name: "generic error", err: errors.New("generic error"), expected: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ke := As(tt.err)
			if tt.expected == "" {
				if ke != nil {
					t.Errorf("expected nil for nil error")
				}
				return
			}
			if ke == nil {
				t.Fatalf("expected non-nil Error")
			}
			if ke.Code != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, ke.Code)
			}
		})
	}
}

func TestIsCodeAndRecoverable(t *testing.T) {
	timeout := Timeout("t-1", time.Second, nil)
	if !IsCode(fmt.Errorf("wrap: %w", timeout), CodeTimeout) {
		t.Errorf("expected wrapped timeout to carry CodeTimeout")
	}
	if !IsRecoverable(timeout) {
		t.Errorf("timeouts must be recoverable")
	}
	if IsRecoverable(Validation("bad graph")) {
		t.Errorf("validation errors must not be recoverable")
	}
	if !IsRecoverable(errors.New("plain")) {
		t.Errorf("untyped errors default to recoverable")
	}
	if IsRecoverable(nil) {
		t.Errorf("nil is not recoverable")
	}
	if !errors.Is(timeout, New(CodeTimeout, "", nil)) {
		t.Errorf("expected code sentinel match")
	}
}

func TestExternalToolKeepsCause(t *testing.T) {
	cause := errors.New("carrier api 503")
	err := ExternalTool("carrier.track", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected original cause in chain")
	}
	if err.Attributes["tool_name"] != "carrier.track" {
		t.Fatalf("expected tool attribute, got %v", err.Attributes)
	}
}

func TestPolicyDenied(t *testing.T) {
	err := PolicyDenied("email.send", "logistics", "no-email", "marketing only")
	if err.Recoverable {
		t.Error("policy denials must not be retried")
	}
	if err.Context["rule_id"] != "no-email" || err.Context["agent_type"] != "logistics" {
		t.Errorf("unexpected context: %v", err.Context)
	}
	if err.Message != `tool "email.send" denied for agent type "logistics": marketing only` {
		t.Errorf("unexpected message: %s", err.Message)
	}
}

func TestMarshalJSON(t *testing.T) {
	ke := New(CodeExternalTool, "tool failed", errors.New("network error"))
	ke.WithContext("tool", "email.send").
		WithAttribute("retry_count", "1").
		WithRecoverable(true)

	data, err := json.Marshal(ke)
	if err != nil {
		t.Fatalf("unexpected error marshaling: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unexpected error unmarshaling: %v", err)
	}

	if result["code"] != "EXTERNAL_TOOL" {
		t.Errorf("expected code 'EXTERNAL_TOOL', got %v", result["code"])
	}
	if result["recoverable"] != true {
		t.Errorf("expected recoverable true")
	}
	if result["error"] != "network error" {
		t.Errorf("expected cause text, got %v", result["error"])
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected int
	}{
		{CodeWorkflowNotFound, 404},
		{CodeExecutionNotFound, 404},
		{CodeValidation, 400},
		{CodeTimeout, 408},
		{CodeQueueFull, 503},
		{CodePolicyDenied, 403},
		{CodeInternal, 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			ke := New(tt.code, "test", nil)
			if ke.StatusCode != tt.expected {
				t.Errorf("expected status %d, got %d", tt.expected, ke.StatusCode)
			}
		})
	}
}
