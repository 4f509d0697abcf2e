// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"sort"
	"time"

	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/execution"
)

// AgentStatus is one agent's entry in an AgentSummary.
type AgentStatus struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Capabilities []string        `json:"capabilities"`
	State        core.AgentState `json:"state"`
	Degraded     bool            `json:"degraded"`
	Completed    int             `json:"completed"`
	Failed       int             `json:"failed"`
	AvgLatency   time.Duration   `json:"avg_latency"`
	SuccessRate  float64         `json:"success_rate"`
	LastActive   time.Time       `json:"last_active,omitempty"`
}

// AgentSummary counts registered agents by state.
type AgentSummary struct {
	Total    int           `json:"total"`
	Running  int           `json:"running"`
	Idle     int           `json:"idle"`
	Paused   int           `json:"paused"`
	Degraded int           `json:"degraded"`
	Agents   []AgentStatus `json:"agents"`
}

// AgentSummary reports every registered agent in registration order.
func (o *Orchestrator) AgentSummary() AgentSummary {
	agents := o.agents.List()
	summary := AgentSummary{Total: len(agents), Agents: make([]AgentStatus, 0, len(agents))}
	for _, a := range agents {
		stats := a.Stats()
		switch stats.State {
		case core.AgentRunning:
			summary.Running++
		case core.AgentPaused:
			summary.Paused++
		default:
			summary.Idle++
		}
		if stats.Degraded {
			summary.Degraded++
		}
		summary.Agents = append(summary.Agents, AgentStatus{
			ID:           a.ID(),
			Type:         a.Type(),
			Capabilities: a.Capabilities().Strings(),
			State:        stats.State,
			Degraded:     stats.Degraded,
			Completed:    stats.Completed,
			Failed:       stats.Failed,
			AvgLatency:   stats.AvgLatency,
			SuccessRate:  stats.SuccessRate,
			LastActive:   stats.LastActive,
		})
	}
	return summary
}

// ExecutionStatus is one execution's entry in a WorkflowSummary.
type ExecutionStatus struct {
	ID         string           `json:"id"`
	WorkflowID string           `json:"workflow_id"`
	Status     execution.Status `json:"status"`
	Progress   int              `json:"progress"`
}

// WorkflowSummary lists registered workflows and known executions.
type WorkflowSummary struct {
	Workflows  []string          `json:"workflows"`
	Running    int               `json:"running"`
	Executions []ExecutionStatus `json:"executions"`
}

// WorkflowSummary reports registered workflow ids (sorted) and every
// execution in start order.
func (o *Orchestrator) WorkflowSummary() WorkflowSummary {
	o.mu.RLock()
	summary := WorkflowSummary{
		Workflows:  make([]string, 0, len(o.workflows)),
		Executions: make([]ExecutionStatus, 0, len(o.execOrder)),
	}
	for id := range o.workflows {
		summary.Workflows = append(summary.Workflows, id)
	}
	sups := make([]*execution.Supervisor, 0, len(o.execOrder))
	for _, id := range o.execOrder {
		sups = append(sups, o.executions[id])
	}
	o.mu.RUnlock()

	sort.Strings(summary.Workflows)
	for _, sup := range sups {
		snap := sup.GetStatus()
		if !snap.Status.Terminal() {
			summary.Running++
		}
		summary.Executions = append(summary.Executions, ExecutionStatus{
			ID:         snap.ID,
			WorkflowID: snap.WorkflowID,
			Status:     snap.Status,
			Progress:   snap.Progress,
		})
	}
	return summary
}
