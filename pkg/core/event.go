package core

import (
	"context"
	"time"
)

// EventType identifies a semantic event emitted by the scheduler or engine.
type EventType string

const (
	EventTaskQueued        EventType = "task.queued"
	EventTaskStarted       EventType = "task.started"
	EventTaskCompleted     EventType = "task.completed"
	EventTaskFailed        EventType = "task.failed"
	EventTaskCancelled     EventType = "task.cancelled"
	EventTaskRetry         EventType = "task.retry"
	EventAgentDegraded     EventType = "agent.degraded"
	EventExecutionStarted  EventType = "execution.started"
	EventExecutionFinished EventType = "execution.finished"
)

// Event captures a semantic streaming/logging event.
type Event struct {
	Type        EventType
	Agent       string
	TaskID      string
	ExecutionID string
	StepID      string
	Timestamp   time.Time
	Payload     map[string]any
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// EventEmitterFunc adapts a function to EventEmitter.
type EventEmitterFunc func(ctx context.Context, event Event)

// Emit implements EventEmitter.
func (f EventEmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// NewTaskEvent builds an event describing a task transition.
func NewTaskEvent(eventType EventType, task *Task, payload map[string]any) Event {
	return Event{
		Type:        eventType,
		Agent:       task.AssignedTo(),
		TaskID:      task.ID,
		ExecutionID: task.ExecutionID,
		StepID:      task.StepID,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}
