// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/jllopis/kairosflow/pkg/agent"
	"github.com/jllopis/kairosflow/pkg/agents/analytics"
	"github.com/jllopis/kairosflow/pkg/agents/logistics"
	"github.com/jllopis/kairosflow/pkg/agents/marketing"
	"github.com/jllopis/kairosflow/pkg/config"
	"github.com/jllopis/kairosflow/pkg/connectors"
	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/execution"
	"github.com/jllopis/kairosflow/pkg/mcp/pool"
	"github.com/jllopis/kairosflow/pkg/memory"
	"github.com/jllopis/kairosflow/pkg/memory/ollama"
	"github.com/jllopis/kairosflow/pkg/memory/qdrant"
	"github.com/jllopis/kairosflow/pkg/orchestrator"
	"github.com/jllopis/kairosflow/pkg/telemetry"
	"github.com/jllopis/kairosflow/pkg/tools"
)

const memoryNamespace = "kairosflow"

// app is a fully wired orchestrator and the resources it borrows.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	orch    *orchestrator.Orchestrator
	tools   *tools.Registry
	memory  core.Memory
	logs    execution.LogStore
	pool    *pool.Pool
	closers []func() error
}

// newApp builds every component named in cfg. On error the resources
// opened so far are released.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *telemetry.EngineMetrics) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	if a.logs, err = a.openLogStore(); err != nil {
		return nil, newStartupError(err, "log store")
	}
	if a.memory, err = a.openMemory(ctx); err != nil {
		return nil, newStartupError(err, "memory")
	}

	a.tools = tools.NewRegistry(append(cfg.Tools.RegistryOptions(),
		tools.WithLogger(telemetry.ComponentLogger(logger, "tools")),
		tools.WithMetrics(metrics),
	)...)
	if err = a.registerMCP(ctx); err != nil {
		return nil, newStartupError(err, "mcp")
	}
	if err = a.registerKnowledge(ctx); err != nil {
		return nil, newStartupError(err, "semantic")
	}
	if err = a.registerGenerator(); err != nil {
		return nil, newStartupError(err, "generator")
	}
	if err = a.registerConnectors(ctx); err != nil {
		return nil, newStartupError(err, "connectors")
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
	}
	if a.logs != nil {
		opts = append(opts, orchestrator.WithLogStore(a.logs))
	}
	a.orch = orchestrator.New(cfg.Orchestrator(), opts...)

	if err = a.registerAgentTypes(); err != nil {
		return nil, newStartupError(err, "agents")
	}
	for _, desc := range cfg.Descriptors() {
		if _, err = a.orch.CreateAgent(desc); err != nil {
			return nil, newStartupError(err, "agents")
		}
	}
	if len(cfg.Workflows.Paths) > 0 {
		ids, lerr := a.orch.LoadWorkflows(cfg.Workflows.Paths...)
		if lerr != nil {
			err = lerr
			return nil, newStartupError(err, "workflows")
		}
		logger.Info("kairosflow.workflows.loaded", slog.Int("count", len(ids)))
	}
	return a, nil
}

func (a *app) openLogStore() (execution.LogStore, error) {
	switch a.cfg.Engine.LogStore {
	case "sqlite":
		store, err := execution.OpenSQLiteLogStore(a.cfg.Engine.LogPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case "memory":
		return execution.NewMemoryLogStore(), nil
	default:
		return nil, nil
	}
}

func (a *app) openMemory(ctx context.Context) (core.Memory, error) {
	m := a.cfg.Memory
	switch m.Provider {
	case "sqlite":
		store, err := memory.OpenSQLiteStore(m.Path, memoryNamespace, m.Options()...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case "redis":
		store, err := memory.OpenRedisStore(ctx, m.Redis.Addr, m.Redis.Password, m.Redis.DB, memoryNamespace, m.Options()...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return memory.NewStore(m.Options()...), nil
	}
}

func (a *app) registerMCP(ctx context.Context) error {
	servers := a.cfg.Tools.Servers()
	if len(servers) == 0 {
		return nil
	}
	a.pool = pool.New(pool.WithLogger(telemetry.ComponentLogger(a.logger, "mcp")))
	for i, s := range servers {
		if err := a.pool.Register(s); err != nil {
			return err
		}
		if _, err := a.tools.RegisterMCP(ctx, a.pool, s.Name, a.cfg.Tools.MCPServers[i].Prefix); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) registerKnowledge(ctx context.Context) error {
	sc := a.cfg.Memory.Semantic
	if !sc.Enabled {
		return nil
	}
	embedder, err := ollama.NewEmbedder(sc.EmbedderBaseURL, sc.EmbedderModel)
	if err != nil {
		return err
	}
	var vectors memory.VectorStore
	switch sc.Store {
	case "qdrant":
		store, err := qdrant.New(sc.QdrantAddr)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		vectors = store
	default:
		vectors = memory.NewMemoryVectorStore()
	}
	index := memory.NewSemanticIndex(vectors, embedder, sc.Collection).WithThreshold(sc.Threshold())
	if err := index.Initialize(ctx); err != nil {
		return err
	}
	return a.tools.RegisterKnowledge(index)
}

func (a *app) registerGenerator() error {
	gc := a.cfg.Tools.Generator
	if !gc.Enabled {
		return nil
	}
	gen, err := ollama.NewGenerator(gc.BaseURL, gc.Model)
	if err != nil {
		return err
	}
	return a.tools.RegisterGenerator(gc.Name, gen)
}

func (a *app) registerConnectors(ctx context.Context) error {
	for _, oc := range a.cfg.Tools.OpenAPI {
		c, err := connectors.LoadOpenAPI(oc.Spec, oc.Options()...)
		if err != nil {
			return err
		}
		if _, err := a.tools.RegisterSource(tools.SourceOpenAPI, c.Tools()...); err != nil {
			return err
		}
	}
	for _, sc := range a.cfg.Tools.SQL {
		c, err := connectors.OpenSQLite(ctx, sc.Path, sc.Options()...)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, c.Close)
		if _, err := a.tools.RegisterSource(tools.SourceSQL, c.Tools()...); err != nil {
			return err
		}
	}
	return nil
}

// registerAgentTypes installs the built-in agent types. Agents of one type
// share a handler, so caches and campaign state are per process.
func (a *app) registerAgentTypes() error {
	agentOpts := func(agentType string) []agent.Option {
		return []agent.Option{
			agent.WithMemory(a.memory),
			agent.WithTools(a.tools),
			agent.WithLogger(telemetry.ComponentLogger(a.logger, "agent."+agentType)),
			agent.WithDegradedAfter(a.cfg.Scheduler.DegradedAfter),
		}
	}
	v := a.cfg.Variants

	lh := logistics.NewHandler(append(v.Logistics.Options(),
		logistics.WithLogger(telemetry.ComponentLogger(a.logger, logistics.AgentType)))...)
	mh := marketing.NewHandler(append(v.Marketing.Options(),
		marketing.WithLogger(telemetry.ComponentLogger(a.logger, marketing.AgentType)))...)
	ah := analytics.NewHandler(append(v.Analytics.Options(),
		analytics.WithLogger(telemetry.ComponentLogger(a.logger, analytics.AgentType)))...)

	factories := map[string]orchestrator.AgentFactory{
		logistics.AgentType: logistics.Factory(lh, agentOpts(logistics.AgentType)...),
		marketing.AgentType: marketing.Factory(mh, agentOpts(marketing.AgentType)...),
		analytics.AgentType: analytics.Factory(ah, agentOpts(analytics.AgentType)...),
	}
	for agentType, factory := range factories {
		if err := a.orch.RegisterAgentType(agentType, factory); err != nil {
			return err
		}
	}
	return nil
}

// watch applies config reloads that need no restart: the log level and
// per-type concurrency caps.
func (a *app) watch(ctx context.Context, path, profile string) (*config.Watcher, error) {
	w, err := config.NewWatcher(path, profile, config.WithWatchLogger(telemetry.ComponentLogger(a.logger, "config")))
	if err != nil {
		return nil, err
	}
	w.OnChange(func(next *config.Config) {
		prev := a.cfg
		if !next.Changed(prev) {
			return
		}
		if next.Log.Level != prev.Log.Level {
			telemetry.SetLogLevel(next.Log.Level)
		}
		for agentType, n := range concurrencyDelta(prev.Scheduler.Concurrency, next.Scheduler.Concurrency) {
			a.orch.Scheduler().SetConcurrency(agentType, n)
		}
		a.cfg = next
		a.logger.Info("kairosflow.config.applied", slog.String("log_level", next.Log.Level))
	})
	w.Start(ctx)
	return w, nil
}

// concurrencyDelta returns the caps that differ between prev and next. A
// removed cap maps to 0, which lifts it.
func concurrencyDelta(prev, next map[string]int) map[string]int {
	out := map[string]int{}
	for agentType, n := range next {
		if p, ok := prev[agentType]; !ok || p != n {
			out[agentType] = n
		}
	}
	for agentType := range prev {
		if _, ok := next[agentType]; !ok {
			out[agentType] = 0
		}
	}
	return out
}

// close shuts the orchestrator down and releases every resource.
func (a *app) close(ctx context.Context) error {
	err := a.orch.Shutdown(ctx)
	a.release()
	return err
}

func (a *app) release() {
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.logger.Warn("kairosflow.close", slog.String("resource", "mcp pool"), slog.String("error", err.Error()))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("kairosflow.close", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
	a.pool = nil
}
