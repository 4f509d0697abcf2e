package governance

import (
	"context"
	"reflect"
	"testing"

	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
)

func testPolicy(t *testing.T, opts ...Option) *Policy {
	t.Helper()
	p, err := NewPolicy([]Rule{
		{ID: "marketing-email", Effect: "allow", AgentType: "marketing", Tool: "email.*"},
		{ID: "no-email", Effect: "DENY", Tool: "email.*", Reason: "only marketing sends email"},
		{Effect: "allow", AgentType: "logistics", Tool: "carrier.*"},
	}, opts...)
	if err != nil {
		t.Fatalf("NewPolicy failed: %v", err)
	}
	return p
}

func TestPolicyEvaluate(t *testing.T) {
	p := testPolicy(t)

	tests := []struct {
		agentType, tool string
		allowed         bool
		rule            string
	}{
		{"marketing", "email.send", true, "marketing-email"},
		{"logistics", "email.send", false, "no-email"},
		{"logistics", "carrier.track", true, "rule-3"},
		{"analytics", "carrier.track", true, "default"},
	}
	for _, tc := range tests {
		d := p.Evaluate(tc.agentType, tc.tool)
		if d.Allowed != tc.allowed || d.RuleID != tc.rule {
			t.Errorf("%s -> %s: got %+v", tc.agentType, tc.tool, d)
		}
	}
	if d := p.Evaluate("logistics", "email.send"); d.Reason != "only marketing sends email" {
		t.Errorf("unexpected reason: %q", d.Reason)
	}
}

func TestPolicyDefaultDeny(t *testing.T) {
	p := testPolicy(t, WithDefaultDeny())
	if p.Evaluate("analytics", "carrier.track").Allowed {
		t.Fatal("unmatched call should be denied")
	}
	if !p.Evaluate("logistics", "carrier.track").Allowed {
		t.Fatal("explicit allow should win over the default")
	}
}

func TestPolicyAuthorize(t *testing.T) {
	p := testPolicy(t)

	ctx := core.WithAgent(context.Background(), core.AgentRef{ID: "tracker-1", Type: "logistics"})
	err := p.Authorize(ctx, "email.send")
	if !errors.IsCode(err, errors.CodePolicyDenied) {
		t.Fatalf("expected POLICY_DENIED, got %v", err)
	}
	if errors.IsRecoverable(err) {
		t.Error("denials should not be recoverable")
	}
	if errors.As(err).Context["agent_id"] != "tracker-1" {
		t.Errorf("missing agent id: %v", errors.As(err).Context)
	}

	if err := p.Authorize(ctx, "carrier.track"); err != nil {
		t.Errorf("expected allow, got %v", err)
	}
	if err := p.Authorize(context.Background(), "email.send"); err == nil {
		t.Error("calls outside an agent still match agent-independent rules")
	}
}

func TestPolicyFilter(t *testing.T) {
	p := testPolicy(t, WithDefaultDeny())
	got := p.Filter("marketing", []string{"carrier.track", "email.send", "email.stats"})
	if !reflect.DeepEqual(got, []string{"email.send", "email.stats"}) {
		t.Errorf("Filter: got %v", got)
	}
}

func TestNewPolicyValidation(t *testing.T) {
	for _, rules := range [][]Rule{
		{{Effect: "pending", Tool: "email.*"}},
		{{Effect: "deny", Tool: "email.["}},
	} {
		if _, err := NewPolicy(rules); !errors.IsCode(err, errors.CodeValidation) {
			t.Errorf("expected validation error for %+v, got %v", rules, err)
		}
	}
}
