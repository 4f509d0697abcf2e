package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jllopis/kairosflow/pkg/capability"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Result is what an agent returns for a task. Err carries an error
// classification from pkg/errors when the task failed.
type Result struct {
	Output map[string]any
	Err    error
}

// Task is one dispatchable unit of work for a workflow step. Each retry is a
// new Task (see NextAttempt) so a single Task only ever moves forward through
// pending -> running -> completed|failed, or to cancelled from any non-terminal state.
type Task struct {
	ID          string
	Type        string
	Capability  capability.Capability
	AgentType   string
	Priority    int
	Payload     map[string]any
	MaxRetries  int
	RetryCount  int
	Timeout     time.Duration
	Deadline    time.Time
	ExecutionID string
	StepID      string
	CreatedAt   time.Time

	mu          sync.Mutex
	status      TaskStatus
	assignedTo  string
	startedAt   time.Time
	finishedAt  time.Time
	result      Result
	transitions []TaskStatus
}

// NewTask creates a pending task with a generated ID.
func NewTask(taskType string, required capability.Capability, payload map[string]any) *Task {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		Capability:  required,
		Priority:    1,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
		status:      TaskStatusPending,
		transitions: []TaskStatus{TaskStatusPending},
	}
}

// NextAttempt returns a fresh pending task for the next retry attempt.
func (t *Task) NextAttempt() *Task {
	next := NewTask(t.Type, t.Capability, t.Payload)
	next.AgentType = t.AgentType
	next.Priority = t.Priority
	next.MaxRetries = t.MaxRetries
	next.RetryCount = t.RetryCount + 1
	next.Timeout = t.Timeout
	next.ExecutionID = t.ExecutionID
	next.StepID = t.StepID
	if !t.Deadline.IsZero() && !t.CreatedAt.IsZero() {
		next.Deadline = next.CreatedAt.Add(t.Deadline.Sub(t.CreatedAt))
	}
	return next
}

// Attempt returns the 1-based attempt number.
func (t *Task) Attempt() int {
	return t.RetryCount + 1
}

// Status returns the current status.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// AssignedTo returns the id of the agent running the task, if any.
func (t *Task) AssignedTo() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assignedTo
}

// Result returns the recorded result.
func (t *Task) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the failure cause, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result.Err
}

// Timestamps returns the start and finish times.
func (t *Task) Timestamps() (started, finished time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt, t.finishedAt
}

// Transitions returns every status the task has held, in order.
func (t *Task) Transitions() []TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TaskStatus, len(t.transitions))
	copy(out, t.transitions)
	return out
}

// Start moves a pending task to running on the given agent.
func (t *Task) Start(agentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transitionLocked(TaskStatusRunning); err != nil {
		return err
	}
	t.assignedTo = agentID
	t.startedAt = time.Now().UTC()
	return nil
}

// Complete records a successful result.
func (t *Task) Complete(output map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transitionLocked(TaskStatusCompleted); err != nil {
		return err
	}
	t.result = Result{Output: output}
	t.finishedAt = time.Now().UTC()
	return nil
}

// Fail records a failed result.
func (t *Task) Fail(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err2 := t.transitionLocked(TaskStatusFailed); err2 != nil {
		return err2
	}
	t.result = Result{Err: err}
	t.finishedAt = time.Now().UTC()
	return nil
}

// Cancel moves any non-terminal task to cancelled.
func (t *Task) Cancel(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transitionLocked(TaskStatusCancelled); err != nil {
		return err
	}
	t.result = Result{Err: cause}
	t.finishedAt = time.Now().UTC()
	return nil
}

func (t *Task) transitionLocked(to TaskStatus) error {
	if !validTransition(t.status, to) {
		return fmt.Errorf("task %s: invalid transition %s -> %s", t.ID, t.status, to)
	}
	t.status = to
	t.transitions = append(t.transitions, to)
	return nil
}

func validTransition(from, to TaskStatus) bool {
	switch to {
	case TaskStatusRunning:
		return from == TaskStatusPending
	case TaskStatusCompleted, TaskStatusFailed:
		return from == TaskStatusRunning
	case TaskStatusCancelled:
		return !from.Terminal()
	default:
		return false
	}
}
