// SPDX-License-Identifier: Apache-2.0

// Package registry holds the live agent set. It is read-mostly: the
// scheduler looks agents up on every dispatch pass while registrations are
// rare, so lookups share a read lock and mutations take the write lock.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jllopis/kairosflow/pkg/capability"
	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
)

// Registry stores agents by id, preserving registration order so dispatch
// scans are deterministic.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]core.Agent
	order  []string
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]core.Agent),
		logger: logger,
	}
}

// Register adds an agent. Duplicate ids fail with CodeAgentExists; agents
// without capabilities fail validation.
func (r *Registry) Register(a core.Agent) error {
	if a == nil || a.ID() == "" {
		return errors.Validation("agent id is required")
	}
	if a.Capabilities().Empty() {
		return errors.Validation("agent %s declares no capabilities", a.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID()]; exists {
		return errors.AgentExists(a.ID())
	}
	r.agents[a.ID()] = a
	r.order = append(r.order, a.ID())

	r.logger.Info("registry.agent.registered",
		slog.String("agent_id", a.ID()),
		slog.String("agent_type", a.Type()),
		slog.String("capabilities", a.Capabilities().String()),
	)
	return nil
}

// Deregister removes an agent. A task already running on it finishes; the
// agent simply receives no further work.
func (r *Registry) Deregister(id string) (core.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, errors.AgentNotFound(id)
	}
	delete(r.agents, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("registry.agent.deregistered", slog.String("agent_id", id))
	return a, nil
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, errors.AgentNotFound(id)
	}
	return a, nil
}

// List returns all agents in registration order.
func (r *Registry) List() []core.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// CanServe reports whether any registered agent declares the capability
// (and matches agentType when set), regardless of its current state.
func (r *Registry) CanServe(c capability.Capability, agentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		a := r.agents[id]
		if !a.Capabilities().Has(c) {
			continue
		}
		if agentType == "" || a.Type() == agentType {
			return true
		}
	}
	return false
}

// Types returns the distinct agent types in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, id := range r.order {
		t := r.agents[id].Type()
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Check implements core.HealthChecker: degraded when any agent is degraded,
// unhealthy when no agent is registered.
func (r *Registry) Check(context.Context) core.HealthResult {
	result := core.HealthResult{Component: "registry", Status: core.HealthHealthy, LastCheck: time.Now()}
	agents := r.List()
	if len(agents) == 0 {
		result.Status = core.HealthUnhealthy
		result.Message = "no agents registered"
		return result
	}
	degraded := 0
	for _, a := range agents {
		if a.Stats().Degraded {
			degraded++
		}
	}
	result.Message = fmt.Sprintf("%d agents, %d degraded", len(agents), degraded)
	if degraded > 0 {
		result.Status = core.HealthDegraded
	}
	return result
}

var _ core.HealthChecker = (*Registry)(nil)
