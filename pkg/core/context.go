package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type executionIDKey struct{}
type memoryKey struct{}
type toolsKey struct{}
type agentKey struct{}

// AgentRef identifies the agent executing the current task.
type AgentRef struct {
	ID   string
	Type string
}

// WithExecutionID attaches an execution id to the context.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

// ExecutionID returns the execution id if present.
func ExecutionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(executionIDKey{}).(string)
	return id, ok
}

// EnsureExecutionID ensures an execution id exists in the context.
func EnsureExecutionID(ctx context.Context) (context.Context, string) {
	if id, ok := ExecutionID(ctx); ok {
		return ctx, id
	}
	id := newExecutionID()
	return WithExecutionID(ctx, id), id
}

// WithMemory attaches a memory backend to the context.
func WithMemory(ctx context.Context, mem Memory) context.Context {
	return context.WithValue(ctx, memoryKey{}, mem)
}

// MemoryFromContext returns the memory backend if present.
func MemoryFromContext(ctx context.Context) (Memory, bool) {
	mem, ok := ctx.Value(memoryKey{}).(Memory)
	return mem, ok
}

// WithTools attaches a tool invoker to the context.
func WithTools(ctx context.Context, tools ToolInvoker) context.Context {
	return context.WithValue(ctx, toolsKey{}, tools)
}

// ToolsFromContext returns the tool invoker if present.
func ToolsFromContext(ctx context.Context) (ToolInvoker, bool) {
	tools, ok := ctx.Value(toolsKey{}).(ToolInvoker)
	return tools, ok
}

// WithAgent records the executing agent on the context.
func WithAgent(ctx context.Context, ref AgentRef) context.Context {
	return context.WithValue(ctx, agentKey{}, ref)
}

// AgentFromContext returns the executing agent if present.
func AgentFromContext(ctx context.Context) (AgentRef, bool) {
	ref, ok := ctx.Value(agentKey{}).(AgentRef)
	return ref, ok
}

func newExecutionID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "exec-unknown"
	}
	return "exec-" + hex.EncodeToString(buf)
}
