package core

import "github.com/jllopis/kairosflow/pkg/capability"

// AgentDescriptor describes an agent to be built by a registered agent type
// factory. Capabilities holds capability names as they appear in configuration.
type AgentDescriptor struct {
	ID           string            `json:"id" yaml:"id"`
	Type         string            `json:"type" yaml:"type"`
	Name         string            `json:"name,omitempty" yaml:"name,omitempty"`
	Capabilities []string          `json:"capabilities" yaml:"capabilities"`
	Config       map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// CapabilitySet parses the declared capability names.
func (d AgentDescriptor) CapabilitySet() (capability.Set, error) {
	return capability.ParseSet(d.Capabilities...)
}
