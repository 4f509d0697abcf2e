package core

import (
	"context"
	"time"

	"github.com/jllopis/kairosflow/pkg/capability"
)

// AgentState is the lifecycle state of an agent instance.
type AgentState string

const (
	AgentIdle      AgentState = "idle"
	AgentRunning   AgentState = "running"
	AgentCompleted AgentState = "completed"
	AgentFailed    AgentState = "failed"
	AgentPaused    AgentState = "paused"
)

// AgentStats is a point-in-time view of an agent's counters.
type AgentStats struct {
	State               AgentState
	Degraded            bool
	CurrentTask         string
	Completed           int
	Failed              int
	ConsecutiveFailures int
	TotalLatency        time.Duration
	AvgLatency          time.Duration
	SuccessRate         float64
	LastActive          time.Time
}

// Agent is the contract every worker implements. Agents are not re-entrant:
// Claim succeeds for at most one task at a time and the agent stays claimed
// until Execute returns.
type Agent interface {
	ID() string
	Type() string
	Capabilities() capability.Set
	// Accepts reports whether the agent declares the task's capability
	// (and agent type, if the task names one) and is currently idle.
	Accepts(task *Task) bool
	// Claim atomically moves an idle agent to running for task.
	Claim(task *Task) bool
	// Execute runs a claimed task. Failures are returned in Result.Err,
	// never as panics.
	Execute(ctx context.Context, task *Task) Result
	Pause()
	Resume()
	Stats() AgentStats
}

// MemoryScope selects one of the memory storage classes.
type MemoryScope string

const (
	ScopeShortTerm MemoryScope = "short_term"
	ScopeLongTerm  MemoryScope = "long_term"
	ScopeEpisodic  MemoryScope = "episodic"
	ScopeSemantic  MemoryScope = "semantic"
)

// EpisodicEvent is a timestamped record appended to episodic memory.
type EpisodicEvent struct {
	Time        time.Time      `json:"time"`
	Kind        string         `json:"kind"`
	AgentID     string         `json:"agent_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Importance  float64        `json:"importance"`
}

// PutOptions carries optional attributes of a memory write.
type PutOptions struct {
	Importance float64
}

// PutOption customizes a memory write.
type PutOption func(*PutOptions)

// WithImportance sets the importance score used by eviction policies.
func WithImportance(score float64) PutOption {
	return func(o *PutOptions) {
		o.Importance = score
	}
}

// Memory is the narrow read/write contract agents and the engine use.
// Eviction and compaction are the store's concern.
type Memory interface {
	Get(ctx context.Context, scope MemoryScope, key string) (any, bool, error)
	Put(ctx context.Context, scope MemoryScope, key string, value any, opts ...PutOption) error
	Append(ctx context.Context, event EpisodicEvent) error
}

// ToolInvoker is the seam through which agents reach external integrations.
type ToolInvoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]any) (any, error)
}
