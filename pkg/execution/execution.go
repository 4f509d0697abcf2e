// SPDX-License-Identifier: Apache-2.0

// Package execution holds the state of one running workflow instance and
// the Supervisor that owns it: status, context, step statuses and the
// attempt log, plus cooperative cancellation.
package execution

import (
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/kairosflow/pkg/errors"
)

// Status is the overall state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the state of one step within an execution.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepSkipped     StepStatus = "skipped"
	StepCancelled   StepStatus = "cancelled"
	StepUnreachable StepStatus = "unreachable"
)

// Terminal reports whether the step will not change again.
func (s StepStatus) Terminal() bool {
	return s != StepPending && s != StepRunning
}

// LogEntry is one timestamped step event. Every task attempt produces an
// entry when it finishes, so the log reconstructs why an execution ended
// the way it did.
type LogEntry struct {
	Time        time.Time      `json:"time"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	StepID      string         `json:"step_id"`
	TaskID      string         `json:"task_id,omitempty"`
	Attempt     int            `json:"attempt,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Status      StepStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	FinishedAt  time.Time      `json:"finished_at,omitempty"`
}

// Execution is the mutable state of one workflow run. All methods are safe
// for concurrent use; context merges are atomic.
type Execution struct {
	id         string
	workflowID string
	stepOrder  []string

	mu         sync.Mutex
	status     Status
	context    map[string]any
	steps      map[string]StepStatus
	log        []LogEntry
	err        error
	cancelled  bool
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
}

// New creates a pending execution over the given step ids. An empty id is
// replaced with a generated one. input is copied.
func New(id, workflowID string, stepIDs []string, input map[string]any) *Execution {
	if id == "" {
		id = "exec-" + uuid.NewString()
	}
	e := &Execution{
		id:         id,
		workflowID: workflowID,
		stepOrder:  append([]string(nil), stepIDs...),
		status:     StatusPending,
		context:    make(map[string]any, len(input)),
		steps:      make(map[string]StepStatus, len(stepIDs)),
		createdAt:  time.Now().UTC(),
	}
	maps.Copy(e.context, input)
	for _, s := range stepIDs {
		e.steps[s] = StepPending
	}
	return e
}

// ID returns the execution id.
func (e *Execution) ID() string { return e.id }

// WorkflowID returns the id of the workflow being executed.
func (e *Execution) WorkflowID() string { return e.workflowID }

// Status returns the overall status.
func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns the error that ended the execution, if any.
func (e *Execution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Context returns a shallow copy of the execution context.
func (e *Execution) Context() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.context)
}

// Merge writes values into the context in one step. It is refused once
// cancellation was requested or the execution is terminal, so late results
// never reach the context.
func (e *Execution) Merge(values map[string]any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled || e.status.Terminal() {
		return false
	}
	maps.Copy(e.context, values)
	return true
}

// StepStatus returns the status of one step.
func (e *Execution) StepStatus(id string) StepStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.steps[id]
}

// SetStepStatus updates the status of a known step.
func (e *Execution) SetStepStatus(id string, status StepStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.steps[id]; !ok {
		return errors.Validation("execution %s has no step %q", e.id, id)
	}
	e.steps[id] = status
	return nil
}

// Steps returns a copy of every step status.
func (e *Execution) Steps() map[string]StepStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.steps)
}

// Record appends a log entry, stamping time and identifiers.
func (e *Execution) Record(entry LogEntry) {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	entry.ExecutionID = e.id
	entry.WorkflowID = e.workflowID
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, entry)
}

// Log returns a copy of the execution log.
func (e *Execution) Log() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]LogEntry(nil), e.log...)
}

// CancelRequested reports whether Cancel was called before the execution
// became terminal.
func (e *Execution) CancelRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// requestCancel sets the cooperative cancel flag. It returns false when the
// execution is already terminal or the flag was already set.
func (e *Execution) requestCancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() || e.cancelled {
		return false
	}
	e.cancelled = true
	return true
}

func (e *Execution) markRunning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusPending {
		e.status = StatusRunning
		e.startedAt = time.Now().UTC()
	}
}

// finish moves the execution to a terminal status. A pending cancel request
// forces StatusCancelled. Only the first call has an effect.
func (e *Execution) finish(status Status, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return false
	}
	if e.cancelled {
		status = StatusCancelled
		if !errors.IsCode(err, errors.CodeCancelled) {
			err = errors.Cancellation("execution "+e.id, err)
		}
	}
	e.status = status
	e.err = err
	e.finishedAt = time.Now().UTC()
	return true
}

// Snapshot is a point-in-time view of an execution.
type Snapshot struct {
	ID           string                `json:"id"`
	WorkflowID   string                `json:"workflow_id"`
	Status       Status                `json:"status"`
	Progress     int                   `json:"progress"`
	CurrentSteps []string              `json:"current_steps"`
	Steps        map[string]StepStatus `json:"steps"`
	Context      map[string]any        `json:"context"`
	Log          []LogEntry            `json:"log"`
	Error        string                `json:"error,omitempty"`
	ErrorCode    string                `json:"error_code,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	StartedAt    time.Time             `json:"started_at,omitempty"`
	FinishedAt   time.Time             `json:"finished_at,omitempty"`
}

// Snapshot returns a consistent copy of the execution state. Progress is
// the share of steps in a terminal step status, 0..100.
func (e *Execution) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		ID:           e.id,
		WorkflowID:   e.workflowID,
		Status:       e.status,
		CurrentSteps: []string{},
		Steps:        maps.Clone(e.steps),
		Context:      maps.Clone(e.context),
		Log:          append([]LogEntry(nil), e.log...),
		CreatedAt:    e.createdAt,
		StartedAt:    e.startedAt,
		FinishedAt:   e.finishedAt,
	}
	done := 0
	for _, id := range e.stepOrder {
		switch st := e.steps[id]; {
		case st == StepRunning:
			snap.CurrentSteps = append(snap.CurrentSteps, id)
		case st.Terminal():
			done++
		}
	}
	if len(e.stepOrder) > 0 {
		snap.Progress = done * 100 / len(e.stepOrder)
	}
	if e.status == StatusCompleted {
		snap.Progress = 100
	}
	if e.err != nil {
		snap.Error = e.err.Error()
		snap.ErrorCode = string(errors.CodeOf(e.err))
	}
	return snap
}
