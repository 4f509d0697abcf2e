// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jllopis/kairosflow/pkg/errors"
)

// Graph is a validated, immutable workflow ready for execution.
type Graph struct {
	wf     Workflow
	steps  map[string]*node
	order  []string
	preds  map[string][]string
	starts []string
}

type node struct {
	step  Step
	guard Condition
	edges []edge
	dflt  string
}

type edge struct {
	to   string
	cond Condition // nil for unconditional edges
}

// Compile validates wf and builds its Graph. All failures are
// CodeValidation errors. The workflow is deep-copied, so later changes to
// wf do not affect the graph.
func Compile(wf Workflow) (*Graph, error) {
	if strings.TrimSpace(wf.ID) == "" {
		return nil, errors.Validation("workflow id is required")
	}
	if len(wf.Steps) == 0 {
		return nil, errors.Validation("workflow %s has no steps", wf.ID)
	}

	g := &Graph{
		wf:    copyWorkflow(wf),
		steps: make(map[string]*node, len(wf.Steps)),
		preds: make(map[string][]string, len(wf.Steps)),
	}
	for i := range g.wf.Steps {
		st := &g.wf.Steps[i]
		if strings.TrimSpace(st.ID) == "" {
			return nil, errors.Validation("workflow %s: step %d has no id", wf.ID, i)
		}
		if _, dup := g.steps[st.ID]; dup {
			return nil, errors.Validation("workflow %s: duplicate step id %q", wf.ID, st.ID)
		}
		if !st.Capability.Valid() {
			return nil, errors.Validation("workflow %s: step %q has no valid capability", wf.ID, st.ID)
		}
		if st.MaxRetries < 0 {
			return nil, errors.Validation("workflow %s: step %q has negative max_retries", wf.ID, st.ID)
		}
		if st.Timeout < 0 || st.QueueTimeout < 0 {
			return nil, errors.Validation("workflow %s: step %q has a negative timeout", wf.ID, st.ID)
		}
		if st.Priority <= 0 {
			st.Priority = DefaultPriority
		}
		if st.Name == "" {
			st.Name = st.ID
		}
		n := &node{step: *st, dflt: st.Default}
		guard, err := compileGuard(*st)
		if err != nil {
			return nil, errors.Validation("workflow %s: step %q guard: %v", wf.ID, st.ID, err)
		}
		n.guard = guard
		for _, e := range st.Next {
			ce := edge{to: e.To}
			if e.Conditional() {
				c, err := ParseCondition(e.When)
				if err != nil {
					return nil, errors.Validation("workflow %s: step %q edge to %q: %v", wf.ID, st.ID, e.To, err)
				}
				ce.cond = c
			}
			n.edges = append(n.edges, ce)
		}
		g.steps[st.ID] = n
		g.order = append(g.order, st.ID)
	}

	for _, id := range g.order {
		n := g.steps[id]
		targets := n.targets()
		for _, to := range targets {
			if _, ok := g.steps[to]; !ok {
				return nil, errors.Validation("workflow %s: step %q routes to unknown step %q", wf.ID, id, to)
			}
			if to == id {
				return nil, errors.Validation("workflow %s: step %q routes to itself", wf.ID, id)
			}
		}
		for _, to := range dedupe(targets) {
			g.preds[to] = append(g.preds[to], id)
		}
	}

	if err := g.resolveStarts(); err != nil {
		return nil, err
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	if err := g.checkReachable(); err != nil {
		return nil, err
	}
	if err := g.checkMappings(); err != nil {
		return nil, err
	}
	return g, nil
}

func compileGuard(st Step) (Condition, error) {
	var all andCond
	if st.Guard != nil {
		all = append(all, funcCond(st.Guard))
	}
	if len(st.Conditions) > 0 {
		all = append(all, EqualsAll(st.Conditions))
	}
	if st.When != "" {
		c, err := ParseCondition(st.When)
		if err != nil {
			return nil, err
		}
		all = append(all, c)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

type funcCond func(map[string]any) bool

func (f funcCond) Eval(ctx map[string]any) bool { return f(ctx) }
func (f funcCond) String() string               { return "func" }

func (n *node) targets() []string {
	out := make([]string, 0, len(n.edges)+1)
	for _, e := range n.edges {
		out = append(out, e.to)
	}
	if n.dflt != "" {
		out = append(out, n.dflt)
	}
	return out
}

func (g *Graph) resolveStarts() error {
	if len(g.wf.Start) > 0 {
		for _, id := range g.wf.Start {
			if _, ok := g.steps[id]; !ok {
				return errors.Validation("workflow %s: unknown start step %q", g.wf.ID, id)
			}
			if len(g.preds[id]) > 0 {
				return errors.Validation("workflow %s: start step %q has predecessors", g.wf.ID, id)
			}
		}
		g.starts = dedupe(g.wf.Start)
		return nil
	}
	for _, id := range g.order {
		if len(g.preds[id]) == 0 {
			g.starts = append(g.starts, id)
		}
	}
	if len(g.starts) == 0 {
		return errors.Validation("workflow %s has no start step", g.wf.ID)
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the routing edges.
func (g *Graph) checkAcyclic() error {
	indeg := make(map[string]int, len(g.order))
	for _, id := range g.order {
		indeg[id] = len(g.preds[id])
	}
	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range dedupe(g.steps[id].targets()) {
			indeg[to]--
			if indeg[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if visited != len(g.order) {
		var cyclic []string
		for _, id := range g.order {
			if indeg[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return errors.Validation("workflow %s has a cycle through %s", g.wf.ID, strings.Join(cyclic, ", "))
	}
	return nil
}

func (g *Graph) checkReachable() error {
	seen := make(map[string]bool, len(g.order))
	stack := append([]string(nil), g.starts...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, g.steps[id].targets()...)
	}
	for _, id := range g.order {
		if !seen[id] {
			return errors.Validation("workflow %s: step %q is not reachable from a start step", g.wf.ID, id)
		}
	}
	return nil
}

// checkMappings ensures every input mapping reads a key that is either a
// declared input or written by some step's output mapping.
func (g *Graph) checkMappings() error {
	known := make(map[string]bool)
	for _, k := range g.wf.Inputs {
		known[k] = true
	}
	for _, k := range g.wf.OptionalInputs {
		known[k] = true
	}
	for _, id := range g.order {
		for field, key := range g.steps[id].step.Output {
			if field == "" || key == "" {
				return errors.Validation("workflow %s: step %q has an empty output mapping", g.wf.ID, id)
			}
			known[key] = true
		}
	}
	for _, id := range g.order {
		for _, field := range sortedKeys(g.steps[id].step.Input) {
			key := g.steps[id].step.Input[field]
			if field == "" || key == "" {
				return errors.Validation("workflow %s: step %q has an empty input mapping", g.wf.ID, id)
			}
			if !known[key] {
				return errors.Validation("workflow %s: step %q maps %q from undeclared context key %q",
					g.wf.ID, id, field, key)
			}
		}
	}
	return nil
}

// ID returns the workflow id.
func (g *Graph) ID() string { return g.wf.ID }

// Workflow returns a copy of the compiled definition.
func (g *Graph) Workflow() Workflow { return copyWorkflow(g.wf) }

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.order) }

// StepIDs returns step ids in declaration order.
func (g *Graph) StepIDs() []string { return append([]string(nil), g.order...) }

// Step returns the step with the given id.
func (g *Graph) Step(id string) (Step, bool) {
	n, ok := g.steps[id]
	if !ok {
		return Step{}, false
	}
	return n.step, true
}

// Starts returns the entry steps.
func (g *Graph) Starts() []string { return append([]string(nil), g.starts...) }

// Predecessors returns the steps with an edge into id.
func (g *Graph) Predecessors(id string) []string { return append([]string(nil), g.preds[id]...) }

// Successors returns every step id reachable through one edge of id,
// including the default edge.
func (g *Graph) Successors(id string) []string {
	n, ok := g.steps[id]
	if !ok {
		return nil
	}
	return dedupe(n.targets())
}

// MissingInputs returns the required input keys absent from input.
func (g *Graph) MissingInputs(input map[string]any) []string {
	var missing []string
	for _, k := range g.wf.Inputs {
		if _, ok := input[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// ShouldRun evaluates the step guard against ctx. Steps without a guard
// always run.
func (g *Graph) ShouldRun(id string, ctx map[string]any) bool {
	n, ok := g.steps[id]
	if !ok {
		return false
	}
	return n.guard == nil || n.guard.Eval(ctx)
}

// Route returns the successors a finished step routes to: every
// unconditional edge, plus the first conditional edge whose condition
// holds, or the default edge when none does.
func (g *Graph) Route(id string, ctx map[string]any) []string {
	n, ok := g.steps[id]
	if !ok {
		return nil
	}
	var out []string
	matched := false
	for _, e := range n.edges {
		if e.cond == nil {
			out = append(out, e.to)
			continue
		}
		if !matched && e.cond.Eval(ctx) {
			out = append(out, e.to)
			matched = true
		}
	}
	if !matched && n.dflt != "" {
		out = append(out, n.dflt)
	}
	return dedupe(out)
}

// Payload builds a task payload from ctx through the step's input mapping.
// Context keys that are absent are omitted.
func (g *Graph) Payload(id string, ctx map[string]any) map[string]any {
	n, ok := g.steps[id]
	if !ok {
		return nil
	}
	payload := make(map[string]any, len(n.step.Input))
	for field, key := range n.step.Input {
		if v, found := Lookup(ctx, key); found {
			payload[field] = v
		}
	}
	return payload
}

// Outputs maps a task result through the step's output mapping. Fields
// may be dotted paths into nested results. Absent fields produce no
// context write.
func (g *Graph) Outputs(id string, result map[string]any) map[string]any {
	n, ok := g.steps[id]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(n.step.Output))
	for field, key := range n.step.Output {
		if v, found := Lookup(result, field); found {
			out[key] = v
		}
	}
	return out
}

// TaskType returns the task type dispatched for the step.
func (g *Graph) TaskType(id string) string {
	if n, ok := g.steps[id]; ok {
		return n.step.taskType()
	}
	return ""
}

func (g *Graph) String() string {
	return fmt.Sprintf("workflow %s (%d steps, start %s)", g.wf.ID, len(g.order), strings.Join(g.starts, ","))
}

func copyWorkflow(wf Workflow) Workflow {
	out := wf
	out.Inputs = append([]string(nil), wf.Inputs...)
	out.OptionalInputs = append([]string(nil), wf.OptionalInputs...)
	out.Start = append([]string(nil), wf.Start...)
	out.Steps = make([]Step, len(wf.Steps))
	for i, st := range wf.Steps {
		cp := st
		cp.Input = copyStrings(st.Input)
		cp.Output = copyStrings(st.Output)
		if st.Conditions != nil {
			cp.Conditions = make(map[string]any, len(st.Conditions))
			for k, v := range st.Conditions {
				cp.Conditions[k] = v
			}
		}
		cp.Next = append([]Edge(nil), st.Next...)
		out.Steps[i] = cp
	}
	return out
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
