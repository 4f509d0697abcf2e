// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/kairosflow/pkg/capability"
	"github.com/jllopis/kairosflow/pkg/errors"
)

// document is the on-disk form of a workflow.
type document struct {
	ID             string    `json:"id" yaml:"id"`
	Name           string    `json:"name,omitempty" yaml:"name,omitempty"`
	Description    string    `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs         []string  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	OptionalInputs []string  `json:"optional_inputs,omitempty" yaml:"optional_inputs,omitempty"`
	Start          []string  `json:"start,omitempty" yaml:"start,omitempty"`
	Steps          []stepDoc `json:"steps" yaml:"steps"`
}

type stepDoc struct {
	ID                  string            `json:"id" yaml:"id"`
	Name                string            `json:"name,omitempty" yaml:"name,omitempty"`
	Capability          string            `json:"capability" yaml:"capability"`
	AgentType           string            `json:"agent_type,omitempty" yaml:"agent_type,omitempty"`
	TaskType            string            `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	Priority            int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Input               map[string]string `json:"input,omitempty" yaml:"input,omitempty"`
	Output              map[string]string `json:"output,omitempty" yaml:"output,omitempty"`
	When                string            `json:"when,omitempty" yaml:"when,omitempty"`
	Conditions          map[string]any    `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	MaxRetries          *int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Timeout             string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	TimeoutSeconds      *int              `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	QueueTimeout        string            `json:"queue_timeout,omitempty" yaml:"queue_timeout,omitempty"`
	QueueTimeoutSeconds int               `json:"queue_timeout_seconds,omitempty" yaml:"queue_timeout_seconds,omitempty"`
	Optional            bool              `json:"optional,omitempty" yaml:"optional,omitempty"`
	Next                []edgeDoc         `json:"next,omitempty" yaml:"next,omitempty"`
	Default             string            `json:"default,omitempty" yaml:"default,omitempty"`
}

// edgeDoc accepts either a bare step id or {to, when}.
type edgeDoc struct {
	To   string `json:"to" yaml:"to"`
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

func (e *edgeDoc) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		e.To = value.Value
		return nil
	}
	type plain edgeDoc
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*e = edgeDoc(p)
	return nil
}

func (e *edgeDoc) UnmarshalJSON(data []byte) error {
	var to string
	if err := json.Unmarshal(data, &to); err == nil {
		e.To = to
		return nil
	}
	type plain edgeDoc
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = edgeDoc(p)
	return nil
}

// ParseYAML decodes a workflow definition from YAML.
func ParseYAML(data []byte) (Workflow, error) {
	if len(data) == 0 {
		return Workflow{}, errors.Validation("empty YAML payload")
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Workflow{}, errors.New(errors.CodeValidation, "parse yaml workflow", err)
	}
	return doc.toWorkflow()
}

// ParseJSON decodes a workflow definition from JSON.
func ParseJSON(data []byte) (Workflow, error) {
	if len(data) == 0 {
		return Workflow{}, errors.Validation("empty JSON payload")
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Workflow{}, errors.New(errors.CodeValidation, "parse json workflow", err)
	}
	return doc.toWorkflow()
}

func (d document) toWorkflow() (Workflow, error) {
	wf := Workflow{
		ID:             d.ID,
		Name:           d.Name,
		Description:    d.Description,
		Inputs:         d.Inputs,
		OptionalInputs: d.OptionalInputs,
		Start:          d.Start,
	}
	for _, sd := range d.Steps {
		st, err := sd.toStep()
		if err != nil {
			return Workflow{}, errors.Validation("workflow %s: step %q: %v", d.ID, sd.ID, err)
		}
		wf.Steps = append(wf.Steps, st)
	}
	return wf, nil
}

func (sd stepDoc) toStep() (Step, error) {
	c, err := capability.Parse(sd.Capability)
	if err != nil {
		return Step{}, err
	}
	st := Step{
		ID:         sd.ID,
		Name:       sd.Name,
		Capability: c,
		AgentType:  sd.AgentType,
		TaskType:   sd.TaskType,
		Priority:   sd.Priority,
		Input:      sd.Input,
		Output:     sd.Output,
		When:       sd.When,
		Conditions: sd.Conditions,
		MaxRetries: DefaultMaxRetries,
		Timeout:    DefaultTimeout,
		Optional:   sd.Optional,
		Default:    sd.Default,
	}
	if sd.MaxRetries != nil {
		st.MaxRetries = *sd.MaxRetries
	}
	switch {
	case sd.Timeout != "":
		if st.Timeout, err = time.ParseDuration(sd.Timeout); err != nil {
			return Step{}, fmt.Errorf("timeout: %w", err)
		}
	case sd.TimeoutSeconds != nil:
		st.Timeout = time.Duration(*sd.TimeoutSeconds) * time.Second
	}
	switch {
	case sd.QueueTimeout != "":
		if st.QueueTimeout, err = time.ParseDuration(sd.QueueTimeout); err != nil {
			return Step{}, fmt.Errorf("queue_timeout: %w", err)
		}
	case sd.QueueTimeoutSeconds > 0:
		st.QueueTimeout = time.Duration(sd.QueueTimeoutSeconds) * time.Second
	}
	for _, e := range sd.Next {
		st.Next = append(st.Next, Edge{To: e.To, When: e.When})
	}
	return st, nil
}

// MarshalYAML encodes a workflow in its definition-file form.
func MarshalYAML(wf Workflow) ([]byte, error) {
	doc := document{
		ID:             wf.ID,
		Name:           wf.Name,
		Description:    wf.Description,
		Inputs:         wf.Inputs,
		OptionalInputs: wf.OptionalInputs,
		Start:          wf.Start,
	}
	for _, st := range wf.Steps {
		retries := st.MaxRetries
		sd := stepDoc{
			ID:         st.ID,
			Name:       st.Name,
			Capability: st.Capability.String(),
			AgentType:  st.AgentType,
			TaskType:   st.TaskType,
			Priority:   st.Priority,
			Input:      st.Input,
			Output:     st.Output,
			When:       st.When,
			Conditions: st.Conditions,
			MaxRetries: &retries,
			Optional:   st.Optional,
			Default:    st.Default,
		}
		if st.Timeout > 0 {
			sd.Timeout = st.Timeout.String()
		} else {
			zero := 0
			sd.TimeoutSeconds = &zero
		}
		if st.QueueTimeout > 0 {
			sd.QueueTimeout = st.QueueTimeout.String()
		}
		for _, e := range st.Next {
			sd.Next = append(sd.Next, edgeDoc{To: e.To, When: e.When})
		}
		doc.Steps = append(doc.Steps, sd)
	}
	return yaml.Marshal(doc)
}
