// SPDX-License-Identifier: Apache-2.0

// Package workflow defines workflow graphs: steps bound to a required
// capability, explicit input/output field mappings, guard predicates and
// conditional edges. Definitions are validated and compiled into an
// immutable Graph before any execution starts.
package workflow

import (
	"time"

	"github.com/jllopis/kairosflow/pkg/capability"
)

// Defaults applied to steps loaded from definition files.
const (
	DefaultMaxRetries = 3
	DefaultTimeout    = 300 * time.Second
	DefaultPriority   = 1
)

// Workflow is a named, directed acyclic graph of steps.
type Workflow struct {
	ID          string
	Name        string
	Description string
	// Inputs lists context keys that must be present to start an execution.
	Inputs []string
	// OptionalInputs lists context keys steps may map from when provided.
	OptionalInputs []string
	Steps          []Step
	// Start lists the entry steps. Empty means every step without a
	// predecessor.
	Start []string
}

// Step is one unit of work in a workflow.
type Step struct {
	ID         string
	Name       string
	Capability capability.Capability
	// AgentType optionally restricts the step to agents of one type.
	AgentType string
	// TaskType is passed to the agent as the task type; defaults to the step id.
	TaskType string
	Priority int
	// Input maps task payload fields to execution context keys.
	Input map[string]string
	// Output maps result fields to execution context keys.
	Output map[string]string
	// When is a guard expression (see ParseCondition).
	When string
	// Conditions is a guard requiring each context key to equal its value.
	Conditions map[string]any
	// Guard is a programmatic guard evaluated against the context.
	Guard func(ctx map[string]any) bool

	MaxRetries int
	// Timeout bounds each attempt once it runs. Zero means no limit.
	Timeout time.Duration
	// QueueTimeout bounds how long an attempt may wait for an agent.
	QueueTimeout time.Duration
	// Optional steps may fail without failing the execution.
	Optional bool

	// Next lists outgoing edges in evaluation order.
	Next []Edge
	// Default is followed when no conditional edge matches.
	Default string
}

// Edge is a transition to another step. An empty When makes the edge
// unconditional.
type Edge struct {
	To   string
	When string
}

// Conditional reports whether the edge carries a condition.
func (e Edge) Conditional() bool { return e.When != "" }

func (s Step) taskType() string {
	if s.TaskType != "" {
		return s.TaskType
	}
	return s.ID
}
