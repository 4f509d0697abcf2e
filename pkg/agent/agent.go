// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the standard capability-typed agent used by the
// scheduler. Concrete variants (logistics, marketing, analytics) supply a
// Handler; the Agent owns the state machine, metrics and degradation flag.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/jllopis/kairosflow/pkg/capability"
	"github.com/jllopis/kairosflow/pkg/core"
	kerrors "github.com/jllopis/kairosflow/pkg/errors"
)

// DefaultDegradedAfter is the number of consecutive failures after which an
// agent is flagged as degraded.
const DefaultDegradedAfter = 3

// Handler executes the variant-specific behavior for one task.
type Handler interface {
	Handle(ctx context.Context, task *core.Task) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *core.Task) (map[string]any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task *core.Task) (map[string]any, error) {
	return f(ctx, task)
}

var ErrMissingHandler = errors.New("agent handler is required")

// Agent is the standard implementation of core.Agent.
type Agent struct {
	id            string
	agentType     string
	name          string
	caps          capability.Set
	handler       Handler
	memory        core.Memory
	tools         core.ToolInvoker
	degradedAfter int
	logger        *slog.Logger
	onDegraded    func(*Agent)

	mu           sync.Mutex
	state        core.AgentState
	paused       bool
	degraded     bool
	current      string
	completed    int
	failed       int
	consecutive  int
	totalLatency time.Duration
	lastActive   time.Time
}

// Option configures an Agent instance.
type Option func(*Agent) error

// New creates a new Agent. An empty id gets a generated one.
func New(id string, opts ...Option) (*Agent, error) {
	a := &Agent{
		id:            id,
		agentType:     "generic",
		degradedAfter: DefaultDegradedAfter,
		state:         core.AgentIdle,
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.id == "" {
		a.id = a.agentType + "-" + uuid.NewString()[:8]
	}
	if a.handler == nil {
		return nil, ErrMissingHandler
	}
	if a.caps.Empty() {
		return nil, fmt.Errorf("agent %s: at least one capability is required", a.id)
	}
	if a.name == "" {
		a.name = a.id
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

// WithType sets the agent type used for per-type concurrency caps and routing.
func WithType(agentType string) Option {
	return func(a *Agent) error {
		if agentType == "" {
			return errors.New("agent type must not be empty")
		}
		a.agentType = agentType
		return nil
	}
}

// WithName sets a human readable name.
func WithName(name string) Option {
	return func(a *Agent) error {
		a.name = name
		return nil
	}
}

// WithCapabilities declares the agent's capabilities.
func WithCapabilities(caps ...capability.Capability) Option {
	return func(a *Agent) error {
		for _, c := range caps {
			if !c.Valid() {
				return fmt.Errorf("invalid capability %d", c)
			}
			a.caps = a.caps.Add(c)
		}
		return nil
	}
}

// WithCapabilitySet declares the agent's capabilities from a set.
func WithCapabilitySet(set capability.Set) Option {
	return func(a *Agent) error {
		a.caps |= set
		return nil
	}
}

// WithHandler sets the agent handler.
func WithHandler(handler Handler) Option {
	return func(a *Agent) error {
		a.handler = handler
		return nil
	}
}

// WithMemory attaches a memory backend, exposed to the handler through the context.
func WithMemory(memory core.Memory) Option {
	return func(a *Agent) error {
		a.memory = memory
		return nil
	}
}

// WithTools attaches a tool invoker, exposed to the handler through the context.
func WithTools(tools core.ToolInvoker) Option {
	return func(a *Agent) error {
		a.tools = tools
		return nil
	}
}

// WithDegradedAfter sets the consecutive-failure threshold for the degraded flag.
func WithDegradedAfter(n int) Option {
	return func(a *Agent) error {
		if n < 1 {
			return fmt.Errorf("degraded threshold must be >= 1, got %d", n)
		}
		a.degradedAfter = n
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) error {
		a.logger = logger
		return nil
	}
}

// WithDegradedHook is called once each time the agent becomes degraded.
func WithDegradedHook(fn func(*Agent)) Option {
	return func(a *Agent) error {
		a.onDegraded = fn
		return nil
	}
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Type returns the agent type.
func (a *Agent) Type() string { return a.agentType }

// Name returns the display name.
func (a *Agent) Name() string { return a.name }

// Capabilities returns the declared capability set.
func (a *Agent) Capabilities() capability.Set { return a.caps }

// Serves reports whether the agent could ever run the task, ignoring its
// current state.
func (a *Agent) Serves(task *core.Task) bool {
	if !a.caps.Has(task.Capability) {
		return false
	}
	return task.AgentType == "" || task.AgentType == a.agentType
}

// Accepts implements core.Agent.
func (a *Agent) Accepts(task *core.Task) bool {
	if !a.Serves(task) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == core.AgentIdle && !a.paused
}

// Claim implements core.Agent.
func (a *Agent) Claim(task *core.Task) bool {
	if !a.Serves(task) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != core.AgentIdle || a.paused {
		return false
	}
	a.state = core.AgentRunning
	a.current = task.ID
	return true
}

// Execute implements core.Agent. Handler panics are recovered and reported
// as internal errors.
func (a *Agent) Execute(ctx context.Context, task *core.Task) core.Result {
	a.mu.Lock()
	if a.state != core.AgentRunning || a.current != task.ID {
		a.mu.Unlock()
		return core.Result{Err: kerrors.New(kerrors.CodeInternal,
			fmt.Sprintf("agent %s did not claim task %s", a.id, task.ID), nil)}
	}
	a.mu.Unlock()

	ctx = core.WithAgent(ctx, core.AgentRef{ID: a.id, Type: a.agentType})
	if a.memory != nil {
		ctx = core.WithMemory(ctx, a.memory)
	}
	if a.tools != nil {
		ctx = core.WithTools(ctx, a.tools)
	}

	start := time.Now()
	var (
		output map[string]any
		err    error
		pc     panics.Catcher
	)
	pc.Try(func() {
		output, err = a.handler.Handle(ctx, task)
	})
	if recovered := pc.Recovered(); recovered != nil {
		err = kerrors.New(kerrors.CodeInternal, "agent handler panicked", recovered.AsError()).
			WithContext("agent_id", a.id).
			WithContext("task_type", task.Type)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	a.finish(time.Since(start), err)
	if err != nil {
		return core.Result{Err: err}
	}
	if output == nil {
		output = map[string]any{}
	}
	return core.Result{Output: output}
}

func (a *Agent) finish(elapsed time.Duration, err error) {
	var becameDegraded bool

	a.mu.Lock()
	a.totalLatency += elapsed
	a.lastActive = time.Now()
	a.current = ""
	if err != nil {
		a.failed++
		a.consecutive++
		if !a.degraded && a.consecutive >= a.degradedAfter {
			a.degraded = true
			becameDegraded = true
		}
	} else {
		a.completed++
		a.consecutive = 0
		a.degraded = false
	}
	// Completed and Failed are transient: the agent is idle again as soon as
	// the result is recorded.
	a.state = core.AgentIdle
	consecutive := a.consecutive
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn("agent.task.failed",
			slog.String("agent_id", a.id),
			slog.Int("consecutive_failures", consecutive),
			slog.String("error", err.Error()),
		)
	}
	if becameDegraded {
		a.logger.Warn("agent.degraded",
			slog.String("agent_id", a.id),
			slog.String("agent_type", a.agentType),
			slog.Int("consecutive_failures", consecutive),
		)
		if a.onDegraded != nil {
			a.onDegraded(a)
		}
	}
}

// Pause stops the agent from accepting new tasks. A running task finishes.
func (a *Agent) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = true
}

// Resume lets a paused agent accept tasks again.
func (a *Agent) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = false
}

// Stats implements core.Agent.
func (a *Agent) Stats() core.AgentStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := core.AgentStats{
		State:               a.state,
		Degraded:            a.degraded,
		CurrentTask:         a.current,
		Completed:           a.completed,
		Failed:              a.failed,
		ConsecutiveFailures: a.consecutive,
		TotalLatency:        a.totalLatency,
		LastActive:          a.lastActive,
	}
	if a.paused && a.state == core.AgentIdle {
		stats.State = core.AgentPaused
	}
	if total := a.completed + a.failed; total > 0 {
		stats.AvgLatency = a.totalLatency / time.Duration(total)
		stats.SuccessRate = float64(a.completed) / float64(total)
	}
	return stats
}

// Descriptor returns the registration descriptor of the agent.
func (a *Agent) Descriptor() core.AgentDescriptor {
	return core.AgentDescriptor{
		ID:           a.id,
		Type:         a.agentType,
		Name:         a.name,
		Capabilities: a.caps.Strings(),
	}
}

var _ core.Agent = (*Agent)(nil)
