// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator owns the agent registry, the scheduler and the set of
// executions, and exposes the operations callers use to run workflows.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/kairosflow/pkg/agent"
	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/engine"
	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/execution"
	"github.com/jllopis/kairosflow/pkg/registry"
	"github.com/jllopis/kairosflow/pkg/resilience"
	"github.com/jllopis/kairosflow/pkg/scheduler"
	"github.com/jllopis/kairosflow/pkg/telemetry"
	"github.com/jllopis/kairosflow/pkg/workflow"
)

// DefaultShutdownGrace is how long Shutdown lets executions finish before
// cancelling them.
const DefaultShutdownGrace = 30 * time.Second

// DefaultRetainExecutions bounds how many executions stay queryable.
const DefaultRetainExecutions = 1000

// Config tunes an Orchestrator.
type Config struct {
	Scheduler scheduler.Config
	// ShutdownGrace bounds how long Shutdown waits for running executions.
	ShutdownGrace time.Duration
	// AdmissionAttempts is how many times a step is submitted when the
	// scheduler reports a full queue. Values below 2 disable the retry.
	AdmissionAttempts int
	// RetainExecutions is how many executions are kept for status queries.
	// Beyond it the oldest finished ones are dropped; their logs stay in the
	// LogStore. Running executions are never dropped.
	RetainExecutions int
}

// DefaultConfig returns the defaults used by New when no config is given.
func DefaultConfig() Config {
	return Config{
		Scheduler:         scheduler.DefaultConfig(),
		ShutdownGrace:     DefaultShutdownGrace,
		AdmissionAttempts: 1,
		RetainExecutions:  DefaultRetainExecutions,
	}
}

// AgentFactory builds an agent from its descriptor.
type AgentFactory func(desc core.AgentDescriptor) (core.Agent, error)

type state int

const (
	stateNew state = iota
	stateRunning
	stateClosing
	stateClosed
)

// Orchestrator is the explicit owner of everything a running system shares.
// Construct one with New, call Init before starting executions and Shutdown
// when done.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.EngineMetrics
	events  core.EventEmitter
	store   execution.LogStore

	agents *registry.Registry
	sched  *scheduler.Scheduler
	engine *engine.Engine
	health *core.HealthRegistry

	mu         sync.RWMutex
	state      state
	workflows  map[string]*workflow.Graph
	executions map[string]*execution.Supervisor
	execOrder  []string
	factories  map[string]AgentFactory
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the base logger; components derive their own from it.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry instruments.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithEventEmitter receives task and execution events.
func WithEventEmitter(e core.EventEmitter) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.events = e
		}
	}
}

// WithLogStore archives execution logs when executions finish.
func WithLogStore(store execution.LogStore) Option {
	return func(o *Orchestrator) { o.store = store }
}

// New builds an orchestrator. Nothing runs until Init.
func New(cfg Config, opts ...Option) *Orchestrator {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.RetainExecutions <= 0 {
		cfg.RetainExecutions = DefaultRetainExecutions
	}
	o := &Orchestrator{
		cfg:        cfg,
		logger:     slog.Default(),
		events:     core.NoopEventEmitter{},
		health:     core.NewHealthRegistry(),
		workflows:  make(map[string]*workflow.Graph),
		executions: make(map[string]*execution.Supervisor),
		factories:  make(map[string]AgentFactory),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.agents = registry.New(telemetry.ComponentLogger(o.logger, "registry"))
	o.sched = scheduler.New(cfg.Scheduler, o.agents,
		scheduler.WithLogger(telemetry.ComponentLogger(o.logger, "scheduler")),
		scheduler.WithMetrics(o.metrics),
		scheduler.WithEventEmitter(o.events),
	)
	engineOpts := []engine.Option{
		engine.WithLogger(telemetry.ComponentLogger(o.logger, "engine")),
		engine.WithMetrics(o.metrics),
	}
	if cfg.AdmissionAttempts > 1 {
		engineOpts = append(engineOpts, engine.WithAdmissionRetry(resilience.RetryConfig{
			MaxAttempts: cfg.AdmissionAttempts,
			Backoff:     cfg.Scheduler.Backoff,
		}))
	}
	o.engine = engine.New(o.sched, o.agents, engineOpts...)

	o.health.Register("registry", o.agents)
	o.health.Register("scheduler", o.sched)
	return o
}

// Init starts the scheduler. It fails if the orchestrator was already
// started or shut down.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case stateRunning:
		return errors.Validation("orchestrator already initialized")
	case stateClosing, stateClosed:
		return errors.ShuttingDown("orchestrator")
	}
	o.sched.Start(ctx)
	o.state = stateRunning
	o.logger.Info("orchestrator.init",
		slog.Int("agents", o.agents.Len()),
		slog.Int("workflows", len(o.workflows)),
	)
	return nil
}

// Scheduler exposes the scheduler, e.g. to adjust concurrency caps.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }

// Health runs every registered health checker.
func (o *Orchestrator) Health(ctx context.Context) ([]core.HealthResult, core.HealthStatus) {
	return o.health.CheckAll(ctx)
}

// RegisterWorkflow validates and registers a workflow definition. A
// registered workflow is immutable; registering the same id twice fails.
func (o *Orchestrator) RegisterWorkflow(wf workflow.Workflow) error {
	g, err := workflow.Compile(wf)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state >= stateClosing {
		return errors.ShuttingDown("orchestrator")
	}
	if _, exists := o.workflows[g.ID()]; exists {
		return errors.Validation("workflow %s is already registered", g.ID())
	}
	o.workflows[g.ID()] = g

	for _, id := range g.StepIDs() {
		st, _ := g.Step(id)
		if !o.agents.CanServe(st.Capability, st.AgentType) {
			o.logger.Warn("orchestrator.workflow.unserved_step",
				slog.String("workflow_id", g.ID()),
				slog.String("step_id", id),
				slog.String("capability", st.Capability.String()),
			)
		}
	}
	o.logger.Info("orchestrator.workflow.registered",
		slog.String("workflow_id", g.ID()),
		slog.Int("steps", g.Len()),
	)
	return nil
}

// LoadWorkflows registers every definition matched by the given files,
// directories or glob patterns.
func (o *Orchestrator) LoadWorkflows(patterns ...string) ([]string, error) {
	wfs, err := workflow.LoadPaths(patterns...)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(wfs))
	for _, wf := range wfs {
		if err := o.RegisterWorkflow(wf); err != nil {
			return ids, err
		}
		ids = append(ids, wf.ID)
	}
	return ids, nil
}

// Workflow returns the compiled graph of a registered workflow.
func (o *Orchestrator) Workflow(id string) (*workflow.Graph, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	g, ok := o.workflows[id]
	if !ok {
		return nil, errors.WorkflowNotFound(id)
	}
	return g, nil
}

// StartExecution runs a registered workflow against input and returns the
// execution id. The execution outlives ctx; use CancelExecution to stop it.
func (o *Orchestrator) StartExecution(ctx context.Context, workflowID string, input map[string]any) (string, error) {
	o.mu.Lock()
	if o.state != stateRunning {
		o.mu.Unlock()
		if o.state == stateNew {
			return "", errors.New(errors.CodeInternal, "orchestrator is not initialized", nil)
		}
		return "", errors.ShuttingDown("orchestrator")
	}
	g, ok := o.workflows[workflowID]
	if !ok {
		o.mu.Unlock()
		return "", errors.WorkflowNotFound(workflowID)
	}
	if missing := g.MissingInputs(input); len(missing) > 0 {
		o.mu.Unlock()
		return "", errors.Validation("workflow %s: missing required inputs: %s",
			workflowID, strings.Join(missing, ", "))
	}

	exec := execution.New("", workflowID, g.StepIDs(), input)
	sup := execution.NewSupervisor(exec, o.engine.Runner(g),
		execution.WithLogger(telemetry.ComponentLogger(o.logger, "execution")),
		execution.WithLogStore(o.store),
		execution.WithMetrics(o.metrics),
		execution.WithEventEmitter(o.events),
	)
	o.executions[exec.ID()] = sup
	o.execOrder = append(o.execOrder, exec.ID())
	evicted := o.evictLocked()
	o.mu.Unlock()

	if evicted > 0 {
		o.logger.Debug("orchestrator.execution.evicted", slog.Int("count", evicted))
	}

	o.logger.Info("orchestrator.execution.start",
		slog.String("workflow_id", workflowID),
		slog.String("execution_id", exec.ID()),
	)
	sup.Start(context.WithoutCancel(ctx))
	return exec.ID(), nil
}

// evictLocked drops the oldest finished executions while more than
// RetainExecutions are held.
func (o *Orchestrator) evictLocked() int {
	excess := len(o.execOrder) - o.cfg.RetainExecutions
	if excess <= 0 {
		return 0
	}
	kept := o.execOrder[:0]
	evicted := 0
	for _, id := range o.execOrder {
		if evicted < excess && o.executions[id].GetStatus().Status.Terminal() {
			delete(o.executions, id)
			evicted++
			continue
		}
		kept = append(kept, id)
	}
	clear(o.execOrder[len(kept):])
	o.execOrder = kept
	return evicted
}

func (o *Orchestrator) supervisor(id string) (*execution.Supervisor, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sup, ok := o.executions[id]
	if !ok {
		return nil, errors.ExecutionNotFound(id)
	}
	return sup, nil
}

// GetExecutionStatus returns a snapshot of an execution.
func (o *Orchestrator) GetExecutionStatus(id string) (execution.Snapshot, error) {
	sup, err := o.supervisor(id)
	if err != nil {
		return execution.Snapshot{}, err
	}
	return sup.GetStatus(), nil
}

// CancelExecution requests cancellation. Cancelling a finished execution is
// a no-op.
func (o *Orchestrator) CancelExecution(id string) error {
	sup, err := o.supervisor(id)
	if err != nil {
		return err
	}
	if sup.Cancel() {
		o.logger.Info("orchestrator.execution.cancel", slog.String("execution_id", id))
	}
	return nil
}

// WaitExecution blocks until the execution is terminal or ctx ends.
func (o *Orchestrator) WaitExecution(ctx context.Context, id string) (execution.Snapshot, error) {
	sup, err := o.supervisor(id)
	if err != nil {
		return execution.Snapshot{}, err
	}
	return sup.Wait(ctx)
}

// RegisterAgent adds an agent to the registry and wakes the scheduler.
func (o *Orchestrator) RegisterAgent(a core.Agent) error {
	o.mu.RLock()
	closing := o.state >= stateClosing
	o.mu.RUnlock()
	if closing {
		return errors.ShuttingDown("orchestrator")
	}
	if err := o.agents.Register(a); err != nil {
		return err
	}
	o.health.Register("agent:"+a.ID(), agent.HealthChecker(a))
	o.sched.Notify()
	return nil
}

// DeregisterAgent removes an agent. A task it is running finishes normally.
func (o *Orchestrator) DeregisterAgent(id string) error {
	if _, err := o.agents.Deregister(id); err != nil {
		return err
	}
	o.health.Unregister("agent:" + id)
	if n := o.sched.FailUnservable(); n > 0 {
		o.logger.Warn("orchestrator.agent.deregistered.stranded",
			slog.String("agent_id", id),
			slog.Int("failed_tasks", n),
		)
	}
	return nil
}

// RegisterAgentType makes a factory available to CreateAgent.
func (o *Orchestrator) RegisterAgentType(agentType string, factory AgentFactory) error {
	if strings.TrimSpace(agentType) == "" || factory == nil {
		return errors.Validation("agent type and factory are required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.factories[agentType]; exists {
		return errors.Validation("agent type %s is already registered", agentType)
	}
	o.factories[agentType] = factory
	return nil
}

// AgentTypes lists the registered factory types, sorted.
func (o *Orchestrator) AgentTypes() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	types := make([]string, 0, len(o.factories))
	for t := range o.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CreateAgent builds an agent through its type's factory and registers it.
func (o *Orchestrator) CreateAgent(desc core.AgentDescriptor) (core.Agent, error) {
	o.mu.RLock()
	factory, ok := o.factories[desc.Type]
	o.mu.RUnlock()
	if !ok {
		return nil, errors.Validation("unknown agent type %q", desc.Type)
	}
	a, err := factory(desc)
	if err != nil {
		return nil, err
	}
	if err := o.RegisterAgent(a); err != nil {
		return nil, err
	}
	return a, nil
}

// PauseAgent stops an agent from accepting new tasks.
func (o *Orchestrator) PauseAgent(id string) error {
	a, err := o.agents.Get(id)
	if err != nil {
		return err
	}
	a.Pause()
	return nil
}

// ResumeAgent lets a paused agent accept tasks again.
func (o *Orchestrator) ResumeAgent(id string) error {
	a, err := o.agents.Get(id)
	if err != nil {
		return err
	}
	a.Resume()
	o.sched.Notify()
	return nil
}

// Shutdown stops accepting executions, waits up to the grace period for the
// running ones, cancels whatever is left, stops the scheduler and
// deregisters every agent. It returns an error if ctx ends first.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.state >= stateClosing {
		o.mu.Unlock()
		return nil
	}
	started := o.state == stateRunning
	o.state = stateClosing
	running := make([]*execution.Supervisor, 0, len(o.executions))
	for _, id := range o.execOrder {
		if sup := o.executions[id]; !sup.GetStatus().Status.Terminal() {
			running = append(running, sup)
		}
	}
	o.mu.Unlock()

	o.logger.Info("orchestrator.shutdown.start", slog.Int("running_executions", len(running)))

	graceCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownGrace)
	pending := waitAll(graceCtx, running)
	cancel()

	for _, sup := range pending {
		sup.Cancel()
	}
	var firstErr error
	if left := waitAll(ctx, pending); len(left) > 0 {
		firstErr = errors.New(errors.CodeCancelled, "shutdown interrupted", ctx.Err()).
			WithContext("executions", len(left))
	}
	if len(pending) > 0 {
		o.logger.Warn("orchestrator.shutdown.cancelled_executions", slog.Int("count", len(pending)))
	}

	if started {
		if err := o.sched.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, a := range o.agents.List() {
		if err := o.DeregisterAgent(a.ID()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	o.mu.Lock()
	o.state = stateClosed
	o.mu.Unlock()
	o.logger.Info("orchestrator.shutdown.complete")
	return firstErr
}

// waitAll waits for every supervisor to finish and returns the ones still
// running when ctx ended.
func waitAll(ctx context.Context, sups []*execution.Supervisor) []*execution.Supervisor {
	for i, sup := range sups {
		select {
		case <-sup.Done():
		case <-ctx.Done():
			var left []*execution.Supervisor
			for _, rest := range sups[i:] {
				select {
				case <-rest.Done():
				default:
					left = append(left, rest)
				}
			}
			return left
		}
	}
	return nil
}
