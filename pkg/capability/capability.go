// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability defines the fixed set of abilities an agent may declare
// and a step may require. Capabilities are bit flags so that matching an agent
// against a task is a single mask test.
package capability

import (
	"fmt"
	"strings"
)

// Capability is a single named ability.
type Capability uint8

const (
	Perception Capability = 1 << iota
	Planning
	ToolUse
	Knowledge
	Memory
	Communication
)

var names = []struct {
	cap  Capability
	name string
}{
	{Perception, "perception"},
	{Planning, "planning"},
	{ToolUse, "tool_use"},
	{Knowledge, "knowledge"},
	{Memory, "memory"},
	{Communication, "communication"},
}

// All lists every capability in declaration order.
func All() []Capability {
	out := make([]Capability, 0, len(names))
	for _, n := range names {
		out = append(out, n.cap)
	}
	return out
}

// Parse resolves a capability name. Hyphens and case are ignored, and
// "knowledge_retrieval" is accepted as an alias for knowledge.
func Parse(name string) (Capability, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, "-", "_")
	if key == "knowledge_retrieval" {
		key = "knowledge"
	}
	for _, n := range names {
		if n.name == key {
			return n.cap, nil
		}
	}
	return 0, fmt.Errorf("unknown capability %q", name)
}

// Valid reports whether c is exactly one known capability.
func (c Capability) Valid() bool {
	for _, n := range names {
		if n.cap == c {
			return true
		}
	}
	return false
}

func (c Capability) String() string {
	for _, n := range names {
		if n.cap == c {
			return n.name
		}
	}
	return fmt.Sprintf("capability(%d)", uint8(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c Capability) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid capability %d", uint8(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Capability) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Set is a collection of capabilities.
type Set uint8

// NewSet builds a set from the given capabilities.
func NewSet(caps ...Capability) Set {
	var s Set
	for _, c := range caps {
		s |= Set(c)
	}
	return s
}

// ParseSet builds a set from capability names.
func ParseSet(values ...string) (Set, error) {
	var s Set
	for _, v := range values {
		c, err := Parse(v)
		if err != nil {
			return 0, err
		}
		s |= Set(c)
	}
	return s, nil
}

// Has reports whether c is in the set.
func (s Set) Has(c Capability) bool {
	return c != 0 && s&Set(c) == Set(c)
}

// Contains reports whether s is a superset of other.
func (s Set) Contains(other Set) bool {
	return s&other == other
}

// Add returns a copy of the set with c added.
func (s Set) Add(c Capability) Set {
	return s | Set(c)
}

// Empty reports whether the set has no capabilities.
func (s Set) Empty() bool {
	return s == 0
}

// List returns the capabilities in declaration order.
func (s Set) List() []Capability {
	var out []Capability
	for _, n := range names {
		if s.Has(n.cap) {
			out = append(out, n.cap)
		}
	}
	return out
}

// Strings returns capability names in declaration order.
func (s Set) Strings() []string {
	caps := s.List()
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = c.String()
	}
	return out
}

func (s Set) String() string {
	return "[" + strings.Join(s.Strings(), ",") + "]"
}
