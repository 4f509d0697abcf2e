// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jllopis/kairosflow/pkg/core"
)

// ScriptedHandler is an agent handler that consumes scripted responses in
// order and records every task it receives. It implements agent.Handler.
type ScriptedHandler struct {
	mu           sync.Mutex
	responses    []ScriptedResponse
	tasks        []*core.Task
	defaultOut   map[string]any
	defaultError error
	onHandle     func(ctx context.Context, task *core.Task) (map[string]any, error)
}

// ScriptedResponse defines one reply of a ScriptedHandler.
type ScriptedResponse struct {
	Output map[string]any
	Error  error
	// Delay holds the reply back, honouring cancellation.
	Delay time.Duration
	// Condition restricts the response to matching tasks.
	Condition func(task *core.Task) bool
}

// NewScriptedHandler creates an empty handler. Without responses it
// returns an empty output.
func NewScriptedHandler() *ScriptedHandler {
	return &ScriptedHandler{}
}

// AddResponse queues a successful reply.
func (h *ScriptedHandler) AddResponse(output map[string]any) *ScriptedHandler {
	return h.AddScriptedResponse(ScriptedResponse{Output: output})
}

// AddError queues a failing reply.
func (h *ScriptedHandler) AddError(err error) *ScriptedHandler {
	return h.AddScriptedResponse(ScriptedResponse{Error: err})
}

// AddDelayed queues a reply delivered after d.
func (h *ScriptedHandler) AddDelayed(d time.Duration, output map[string]any) *ScriptedHandler {
	return h.AddScriptedResponse(ScriptedResponse{Output: output, Delay: d})
}

// AddScriptedResponse queues a fully specified reply.
func (h *ScriptedHandler) AddScriptedResponse(resp ScriptedResponse) *ScriptedHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses = append(h.responses, resp)
	return h
}

// WithDefault sets the reply used once the script is exhausted.
func (h *ScriptedHandler) WithDefault(output map[string]any, err error) *ScriptedHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.defaultOut = output
	h.defaultError = err
	return h
}

// WithHandleFunc bypasses the script entirely.
func (h *ScriptedHandler) WithHandleFunc(fn func(ctx context.Context, task *core.Task) (map[string]any, error)) *ScriptedHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onHandle = fn
	return h
}

// Handle implements agent.Handler.
func (h *ScriptedHandler) Handle(ctx context.Context, task *core.Task) (map[string]any, error) {
	h.mu.Lock()
	h.tasks = append(h.tasks, task)
	if h.onHandle != nil {
		fn := h.onHandle
		h.mu.Unlock()
		return fn(ctx, task)
	}

	resp, ok := h.nextLocked(task)
	if !ok {
		out, err := h.defaultOut, h.defaultError
		h.mu.Unlock()
		if out == nil && err == nil {
			out = map[string]any{}
		}
		return out, err
	}
	h.mu.Unlock()

	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Output, nil
}

func (h *ScriptedHandler) nextLocked(task *core.Task) (ScriptedResponse, bool) {
	for i, resp := range h.responses {
		if resp.Condition != nil && !resp.Condition(task) {
			continue
		}
		h.responses = append(h.responses[:i], h.responses[i+1:]...)
		return resp, true
	}
	return ScriptedResponse{}, false
}

// Tasks returns every task handled so far.
func (h *ScriptedHandler) Tasks() []*core.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*core.Task(nil), h.tasks...)
}

// TaskTypes returns the type of every handled task in order.
func (h *ScriptedHandler) TaskTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.tasks))
	for i, t := range h.tasks {
		out[i] = t.Type
	}
	return out
}

// CallCount returns the number of handled tasks.
func (h *ScriptedHandler) CallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

// Reset clears the script and the recorded tasks.
func (h *ScriptedHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses = nil
	h.tasks = nil
}

// FakeInvoker is a core.ToolInvoker returning canned results per tool.
type FakeInvoker struct {
	mu      sync.Mutex
	results map[string]func(args map[string]any) (any, error)
	calls   []ToolCallRecord
}

// ToolCallRecord records one tool invocation.
type ToolCallRecord struct {
	Name      string
	Arguments map[string]any
	Result    any
	Error     error
}

// NewFakeInvoker creates an invoker with no tools.
func NewFakeInvoker() *FakeInvoker {
	return &FakeInvoker{results: make(map[string]func(map[string]any) (any, error))}
}

// On registers a fixed result for a tool.
func (f *FakeInvoker) On(tool string, result any, err error) *FakeInvoker {
	return f.OnFunc(tool, func(map[string]any) (any, error) { return result, err })
}

// OnFunc registers a function computing the tool result.
func (f *FakeInvoker) OnFunc(tool string, fn func(args map[string]any) (any, error)) *FakeInvoker {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[tool] = fn
	return f
}

// Invoke implements core.ToolInvoker. Unknown tools fail.
func (f *FakeInvoker) Invoke(ctx context.Context, tool string, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	fn, ok := f.results[tool]
	f.mu.Unlock()

	var (
		result any
		err    error
	)
	if ok {
		result, err = fn(args)
	} else {
		err = fmt.Errorf("tool %q not registered", tool)
	}

	f.mu.Lock()
	f.calls = append(f.calls, ToolCallRecord{Name: tool, Arguments: args, Result: result, Error: err})
	f.mu.Unlock()
	return result, err
}

// Calls returns every recorded invocation.
func (f *FakeInvoker) Calls() []ToolCallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ToolCallRecord(nil), f.calls...)
}

// CallsTo returns the invocations of one tool.
func (f *FakeInvoker) CallsTo(tool string) []ToolCallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ToolCallRecord
	for _, c := range f.calls {
		if c.Name == tool {
			out = append(out, c)
		}
	}
	return out
}
