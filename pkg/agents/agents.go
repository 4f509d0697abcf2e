// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package agents holds what the domain agent variants share: payload
// access, tool result decoding and the dispatch table that maps a task
// type to its operation.
package agents

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"

	"github.com/jllopis/kairosflow/pkg/agent"
	"github.com/jllopis/kairosflow/pkg/capability"
	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
)

// Operation handles one task type.
type Operation func(ctx context.Context, p Payload) (map[string]any, error)

// Dispatcher routes tasks to operations by task type. It implements
// agent.Handler.
type Dispatcher struct {
	variant string
	ops     map[string]Operation
}

// NewDispatcher creates an empty dispatcher for a variant name.
func NewDispatcher(variant string) *Dispatcher {
	return &Dispatcher{variant: variant, ops: make(map[string]Operation)}
}

// Register sets the operation for a task type.
func (d *Dispatcher) Register(taskType string, op Operation) *Dispatcher {
	d.ops[taskType] = op
	return d
}

// TaskTypes lists the supported task types, sorted.
func (d *Dispatcher) TaskTypes() []string {
	out := make([]string, 0, len(d.ops))
	for t := range d.ops {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Handle runs the operation registered for task.Type.
func (d *Dispatcher) Handle(ctx context.Context, task *core.Task) (map[string]any, error) {
	op, ok := d.ops[task.Type]
	if !ok {
		return nil, errors.Validation("%s agent does not support task type %q", d.variant, task.Type).
			WithContext("supported", strings.Join(d.TaskTypes(), ","))
	}
	return op(ctx, Payload(task.Payload))
}

var _ agent.Handler = (*Dispatcher)(nil)

// Build creates an agent from a descriptor. Descriptors that declare no
// capabilities get defaults.
func Build(desc core.AgentDescriptor, defaults capability.Set, handler agent.Handler, opts ...agent.Option) (*agent.Agent, error) {
	caps, err := desc.CapabilitySet()
	if err != nil {
		return nil, errors.Validation("agent %s: %v", desc.ID, err)
	}
	if caps.Empty() {
		caps = defaults
	}
	base := []agent.Option{
		agent.WithType(desc.Type),
		agent.WithCapabilitySet(caps),
		agent.WithHandler(handler),
	}
	if desc.Name != "" {
		base = append(base, agent.WithName(desc.Name))
	}
	return agent.New(desc.ID, append(base, opts...)...)
}

// Tools returns the invoker the agent runtime placed in ctx.
func Tools(ctx context.Context) (core.ToolInvoker, error) {
	inv, ok := core.ToolsFromContext(ctx)
	if !ok || inv == nil {
		return nil, errors.New(errors.CodeInternal, "no tool invoker attached to the agent", nil).
			WithRecoverable(false)
	}
	return inv, nil
}

// Invoke calls a tool through the invoker attached to ctx.
func Invoke(ctx context.Context, tool string, args map[string]any) (any, error) {
	inv, err := Tools(ctx)
	if err != nil {
		return nil, err
	}
	return inv.Invoke(ctx, tool, args)
}

// Remember writes to the agent memory when one is attached.
func Remember(ctx context.Context, key string, value any, opts ...core.PutOption) error {
	mem, ok := core.MemoryFromContext(ctx)
	if !ok || mem == nil {
		return nil
	}
	return mem.Put(ctx, core.ScopeLongTerm, key, value, opts...)
}

// Recall reads from the agent memory when one is attached.
func Recall(ctx context.Context, key string) (any, bool, error) {
	mem, ok := core.MemoryFromContext(ctx)
	if !ok || mem == nil {
		return nil, false, nil
	}
	return mem.Get(ctx, core.ScopeLongTerm, key)
}

// Record appends an episodic event when a memory is attached.
func Record(ctx context.Context, kind string, data map[string]any, importance float64) error {
	mem, ok := core.MemoryFromContext(ctx)
	if !ok || mem == nil {
		return nil
	}
	event := core.EpisodicEvent{Kind: kind, Data: data, Importance: importance}
	if id, ok := core.ExecutionID(ctx); ok {
		event.ExecutionID = id
	}
	return mem.Append(ctx, event)
}

// Decode copies a loosely typed value, usually a tool result or a payload
// entry, into out. Fields are matched by their json tag, numbers and
// strings convert weakly and RFC 3339 strings become time.Time.
// Unknown fields are ignored.
func Decode(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToTime,
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

var timeType = reflect.TypeOf(time.Time{})

// stringToTime parses RFC 3339 strings and maps "" to the zero time.
func stringToTime(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != timeType {
		return data, nil
	}
	s := reflect.ValueOf(data).String()
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Payload is a task payload with typed accessors.
type Payload map[string]any

// String returns the value at key as a string, or "".
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	return cast.ToString(v)
}

// StringOr returns the value at key or def when it is empty.
func (p Payload) StringOr(key, def string) string {
	if s := p.String(key); s != "" {
		return s
	}
	return def
}

// Require returns the value at key or a validation error naming it.
func (p Payload) Require(key string) (string, error) {
	s := strings.TrimSpace(p.String(key))
	if s == "" {
		return "", errors.Validation("payload field %q is required", key)
	}
	return s, nil
}

// Float returns the numeric value at key, or def when absent.
func (p Payload) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, errors.Validation("payload field %q must be a number: %v", key, err)
	}
	return f, nil
}

// Int returns the integer value at key, or def when absent.
func (p Payload) Int(key string, def int) (int, error) {
	f, err := p.Float(key, float64(def))
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// Bool returns the boolean value at key, or false.
func (p Payload) Bool(key string) bool {
	return cast.ToBool(p[key])
}

// Map returns the object at key, or nil.
func (p Payload) Map(key string) map[string]any {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	m, err := cast.ToStringMapE(v)
	if err != nil {
		return nil
	}
	return m
}

// Records returns the list of objects at key. Entries that are not
// objects are rejected.
func (p Payload) Records(key string) ([]map[string]any, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	return ToRecords(v)
}

// ToRecords converts a list of objects as produced by JSON or YAML
// decoding.
func ToRecords(v any) ([]map[string]any, error) {
	if recs, ok := v.([]map[string]any); ok {
		return recs, nil
	}
	items, err := ToList(v)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(items))
	for i, item := range items {
		m, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, errors.Validation("item %d is not an object", i)
		}
		out = append(out, m)
	}
	return out, nil
}

// ToList converts a JSON or YAML list.
func ToList(v any) ([]any, error) {
	if items, err := cast.ToSliceE(v); err == nil {
		return items, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, errors.Validation("expected a list, got %T", v)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

// Number converts a loosely typed value to float64.
func Number(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	if _, ok := v.(bool); ok {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Key builds a memory key from its parts.
func Key(parts ...any) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, "/")
}
