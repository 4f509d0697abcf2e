// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Capability
	}{
		{"perception", Perception},
		{"Planning", Planning},
		{"tool-use", ToolUse},
		{"tool_use", ToolUse},
		{"knowledge_retrieval", Knowledge},
		{" memory ", Memory},
		{"communication", Communication},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q: expected %v, got %v", tc.in, tc.want, got)
		}
	}
	if _, err := Parse("telepathy"); err == nil {
		t.Fatalf("expected error for unknown capability")
	}
}

func TestSetContains(t *testing.T) {
	agent := NewSet(Perception, ToolUse, Communication)
	if !agent.Has(ToolUse) {
		t.Fatalf("expected tool_use in %v", agent)
	}
	if agent.Has(Planning) {
		t.Fatalf("did not expect planning in %v", agent)
	}
	if !agent.Contains(NewSet(Perception, Communication)) {
		t.Fatalf("expected superset")
	}
	if agent.Contains(NewSet(Perception, Knowledge)) {
		t.Fatalf("did not expect superset")
	}
	if !agent.Contains(0) {
		t.Fatalf("every set contains the empty set")
	}
	if Set(0).Has(0) {
		t.Fatalf("zero capability must never match")
	}
}

func TestSetStrings(t *testing.T) {
	s, err := ParseSet("communication", "perception")
	if err != nil {
		t.Fatalf("parse set: %v", err)
	}
	if got := s.String(); got != "[perception,communication]" {
		t.Fatalf("unexpected string %q", got)
	}
}

func TestTextEncoding(t *testing.T) {
	type doc struct {
		Capability Capability `json:"capability" yaml:"capability"`
	}
	var fromYAML doc
	if err := yaml.Unmarshal([]byte("capability: knowledge\n"), &fromYAML); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if fromYAML.Capability != Knowledge {
		t.Fatalf("expected knowledge, got %v", fromYAML.Capability)
	}

	raw, err := json.Marshal(doc{Capability: ToolUse})
	if err != nil {
		t.Fatalf("json marshal: %v", err)
	}
	if string(raw) != `{"capability":"tool_use"}` {
		t.Fatalf("unexpected json %s", raw)
	}
	var fromJSON doc
	if err := json.Unmarshal([]byte(`{"capability":"bogus"}`), &fromJSON); err == nil {
		t.Fatalf("expected json error for unknown capability")
	}
}
