package core

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/jllopis/kairosflow/pkg/capability"
)

func TestTaskLifecycle(t *testing.T) {
	task := NewTask("track_shipment", capability.ToolUse, nil)
	if task.Status() != TaskStatusPending {
		t.Fatalf("expected pending status")
	}
	if err := task.Start("agent-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if task.AssignedTo() != "agent-1" {
		t.Fatalf("expected assignment to be recorded")
	}
	if err := task.Complete(map[string]any{"status": "delivered"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.Result().Output["status"] != "delivered" {
		t.Fatalf("expected result to be set")
	}
	if err := task.Fail(errors.New("late")); err == nil {
		t.Fatalf("expected completed -> failed to be rejected")
	}
	if err := task.Cancel(nil); err == nil {
		t.Fatalf("expected completed -> cancelled to be rejected")
	}
	want := []TaskStatus{TaskStatusPending, TaskStatusRunning, TaskStatusCompleted}
	if got := task.Transitions(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestTaskInvalidTransitions(t *testing.T) {
	task := NewTask("noop", capability.Planning, nil)
	if err := task.Complete(nil); err == nil {
		t.Fatalf("pending -> completed must be rejected")
	}
	if err := task.Fail(errors.New("x")); err == nil {
		t.Fatalf("pending -> failed must be rejected")
	}
	if err := task.Cancel(errors.New("stop")); err != nil {
		t.Fatalf("pending -> cancelled must be allowed: %v", err)
	}
	if err := task.Start("a"); err == nil {
		t.Fatalf("cancelled -> running must be rejected")
	}
}

func TestTaskNextAttempt(t *testing.T) {
	task := NewTask("send_campaign", capability.Communication, map[string]any{"campaign": "c1"})
	task.MaxRetries = 3
	task.Priority = 7
	task.Timeout = time.Second
	task.StepID = "send"
	task.Deadline = task.CreatedAt.Add(5 * time.Second)

	next := task.NextAttempt()
	if next.ID == task.ID {
		t.Fatalf("expected a fresh id per attempt")
	}
	if next.Attempt() != 2 || next.RetryCount != 1 {
		t.Fatalf("unexpected attempt counters: %d/%d", next.Attempt(), next.RetryCount)
	}
	if next.Status() != TaskStatusPending {
		t.Fatalf("expected pending attempt")
	}
	if next.Priority != 7 || next.MaxRetries != 3 || next.StepID != "send" {
		t.Fatalf("attempt lost task settings: %+v", next)
	}
	if got := next.Deadline.Sub(next.CreatedAt); got != 5*time.Second {
		t.Fatalf("expected relative deadline to carry over, got %v", got)
	}
}
