// Package governance decides which agent types may call which tools.
//
// A Policy is an ordered list of rules. The first rule whose agent type and
// tool patterns both match decides; when none matches the default effect
// applies. Patterns use path.Match syntax, so "email.*" covers every tool
// registered under the email prefix.
package governance

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
)

// Effect is the outcome a rule assigns.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule defines a single policy rule. Empty patterns match anything.
type Rule struct {
	ID        string
	Effect    Effect
	AgentType string
	Tool      string
	Reason    string
}

// Decision captures the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	RuleID  string
	Reason  string
}

// Policy evaluates rules in order. It is immutable and safe for concurrent use.
type Policy struct {
	rules    []Rule
	fallback Effect
}

// Option configures a Policy.
type Option func(*Policy)

// WithDefaultDeny rejects calls no rule matches.
func WithDefaultDeny() Option {
	return func(p *Policy) { p.fallback = EffectDeny }
}

// NewPolicy validates rules and builds a policy that allows unmatched calls
// unless WithDefaultDeny is given.
func NewPolicy(rules []Rule, opts ...Option) (*Policy, error) {
	p := &Policy{rules: make([]Rule, 0, len(rules)), fallback: EffectAllow}
	for i, r := range rules {
		r.Effect = Effect(strings.ToLower(string(r.Effect)))
		if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return nil, errors.Validation("policy rule %d: effect must be allow or deny, got %q", i, r.Effect)
		}
		for _, pattern := range []string{r.AgentType, r.Tool} {
			if _, err := path.Match(pattern, ""); err != nil {
				return nil, errors.Validation("policy rule %d: bad pattern %q", i, pattern)
			}
		}
		if strings.TrimSpace(r.ID) == "" {
			r.ID = fmt.Sprintf("rule-%d", i+1)
		}
		p.rules = append(p.rules, r)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Evaluate returns the decision for agentType calling tool.
func (p *Policy) Evaluate(agentType, tool string) Decision {
	for _, r := range p.rules {
		if !match(r.AgentType, agentType) || !match(r.Tool, tool) {
			continue
		}
		return Decision{Allowed: r.Effect == EffectAllow, RuleID: r.ID, Reason: r.Reason}
	}
	if p.fallback == EffectDeny {
		return Decision{Allowed: false, RuleID: "default", Reason: "no rule allows this tool"}
	}
	return Decision{Allowed: true, RuleID: "default"}
}

// Authorize checks the agent executing on ctx. Calls made outside an agent
// are evaluated with an empty agent type.
func (p *Policy) Authorize(ctx context.Context, tool string) error {
	ref, _ := core.AgentFromContext(ctx)
	d := p.Evaluate(ref.Type, tool)
	if d.Allowed {
		return nil
	}
	err := errors.PolicyDenied(tool, ref.Type, d.RuleID, d.Reason)
	if ref.ID != "" {
		err.WithContext("agent_id", ref.ID)
	}
	return err
}

// Filter returns the tools agentType may call, preserving order.
func (p *Policy) Filter(agentType string, tools []string) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		if p.Evaluate(agentType, t).Allowed {
			out = append(out, t)
		}
	}
	return out
}

func match(pattern, value string) bool {
	if pattern == "" || pattern == value {
		return true
	}
	ok, _ := path.Match(pattern, value)
	return ok
}
