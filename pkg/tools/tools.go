// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package tools is the seam between agents and external integrations.
// A Registry maps tool names to functions, guards each tool with its own
// circuit breaker and deadline, and reports every failure as an
// EXTERNAL_TOOL error unless the tool already returned a typed one.
package tools

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/resilience"
	"github.com/jllopis/kairosflow/pkg/telemetry"
)

// Tool sources reported in logs and metrics.
const (
	SourceLocal   = "local"
	SourceMCP     = "mcp"
	SourceOpenAPI = "openapi"
	SourceSQL     = "sql"
)

// DefaultTimeout bounds a tool call that sets no timeout of its own.
const DefaultTimeout = 30 * time.Second

// Func performs a tool call.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Tool describes one invocable integration.
type Tool struct {
	Name        string
	Description string
	// Timeout overrides the registry default when positive.
	Timeout time.Duration
	Call    Func
}

type entry struct {
	tool    Tool
	source  string
	breaker *resilience.CircuitBreaker
}

// Info describes a registered tool.
type Info struct {
	Name        string                         `json:"name"`
	Description string                         `json:"description,omitempty"`
	Source      string                         `json:"source"`
	Breaker     resilience.CircuitBreakerState `json:"breaker"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records tool calls and breaker states.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer overrides the tracer used for tool spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Registry) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithTimeout sets the default per-call deadline. Zero disables it.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout >= 0 {
			r.timeout = timeout
		}
	}
}

// WithBreaker sets the circuit breaker template. Name is replaced by the
// tool name for every breaker.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(r *Registry) { r.breaker = cfg }
}

// Authorizer decides whether the agent executing on ctx may call a tool.
// *governance.Policy implements it.
type Authorizer interface {
	Authorize(ctx context.Context, tool string) error
}

// WithAuthorizer checks every call before it reaches the tool's breaker.
func WithAuthorizer(a Authorizer) Option {
	return func(r *Registry) { r.auth = a }
}

// Registry is a concurrency-safe core.ToolInvoker.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	logger  *slog.Logger
	metrics *telemetry.EngineMetrics
	tracer  trace.Tracer
	timeout time.Duration
	breaker resilience.CircuitBreakerConfig
	auth    Authorizer
}

var _ core.ToolInvoker = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]*entry),
		logger:  slog.Default(),
		tracer:  telemetry.Tracer(),
		timeout: DefaultTimeout,
		breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a local tool.
func (r *Registry) Register(tool Tool) error {
	return r.add(tool, SourceLocal)
}

// RegisterSource adds tools generated by a connector, tagging each with
// source. It stops at the first failure and returns the names added so far.
func (r *Registry) RegisterSource(source string, tools ...Tool) ([]string, error) {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if err := r.add(t, source); err != nil {
			return names, err
		}
		names = append(names, t.Name)
	}
	r.logger.Info("tools.source.registered", slog.String("source", source), slog.Int("tools", len(names)))
	return names, nil
}

// RegisterFunc adds a local tool with no description.
func (r *Registry) RegisterFunc(name string, fn Func) error {
	return r.Register(Tool{Name: name, Call: fn})
}

func (r *Registry) add(tool Tool, source string) error {
	if tool.Name == "" {
		return errors.Validation("tool name is required")
	}
	if tool.Call == nil {
		return errors.Validation("tool %s has no call function", tool.Name)
	}
	cfg := r.breaker
	cfg.Name = tool.Name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return errors.Validation("tool %s is already registered", tool.Name)
	}
	r.tools[tool.Name] = &entry{tool: tool, source: source, breaker: resilience.NewCircuitBreaker(cfg)}
	r.logger.Debug("tools.registered", slog.String("tool", tool.Name), slog.String("source", source))
	return nil
}

// Unregister removes a tool. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// List describes every tool, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, Info{
			Name:        e.tool.Name,
			Description: e.tool.Description,
			Source:      e.source,
			Breaker:     e.breaker.State(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// ResetBreaker closes the breaker of a tool.
func (r *Registry) ResetBreaker(name string) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if ok {
		e.breaker.Reset()
	}
}

// Invoke implements core.ToolInvoker. Unknown tools fail with a
// non-recoverable EXTERNAL_TOOL error; open breakers reject with a
// recoverable one so the scheduler can retry after backoff.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.ExternalTool(name, nil).
			WithContext("reason", "not registered").
			WithRecoverable(false)
	}
	if r.auth != nil {
		if err := r.auth.Authorize(ctx, name); err != nil {
			r.metrics.RecordError(ctx, err, "tools")
			r.logger.WarnContext(ctx, "tools.call.denied",
				slog.String("tool", name),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	ctx, span := r.tracer.Start(ctx, "Tools.Invoke")
	defer span.End()

	timeout := r.timeout
	if e.tool.Timeout > 0 {
		timeout = e.tool.Timeout
	}

	start := time.Now()
	var out any
	err := e.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = resilience.WithTimeout(ctx, timeout, name, func(ctx context.Context) (any, error) {
			return e.tool.Call(ctx, args)
		})
		return err
	})
	elapsed := time.Since(start)

	span.SetAttributes(telemetry.ToolCallAttributes(name, e.source, float64(elapsed)/float64(time.Millisecond), err == nil)...)
	r.metrics.ToolCalled(ctx, name, e.source, elapsed, err)
	r.metrics.RecordCircuitBreakerState(ctx, name, breakerGauge(e.breaker.State()))

	if err != nil {
		err = classify(name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.RecordError(ctx, err, "tools")
		r.logger.WarnContext(ctx, "tools.call.failed",
			slog.String("tool", name),
			slog.String("source", e.source),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed),
		)
		return nil, err
	}
	r.logger.DebugContext(ctx, "tools.call.completed",
		slog.String("tool", name),
		slog.String("source", e.source),
		slog.Duration("elapsed", elapsed),
	)
	return out, nil
}

// classify keeps typed errors and wraps anything else as EXTERNAL_TOOL.
func classify(name string, err error) error {
	switch errors.CodeOf(err) {
	case errors.CodeInternal:
		return errors.ExternalTool(name, err)
	default:
		return err
	}
}

func breakerGauge(state resilience.CircuitBreakerState) int64 {
	switch state {
	case resilience.StateOpen:
		return 0
	case resilience.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
