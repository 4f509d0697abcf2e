// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"github.com/jllopis/kairosflow/pkg/agents/analytics"
	"github.com/jllopis/kairosflow/pkg/agents/logistics"
	"github.com/jllopis/kairosflow/pkg/agents/marketing"
	"github.com/jllopis/kairosflow/pkg/connectors"
	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/governance"
	"github.com/jllopis/kairosflow/pkg/guardrails"
	"github.com/jllopis/kairosflow/pkg/mcp/pool"
	"github.com/jllopis/kairosflow/pkg/memory"
	"github.com/jllopis/kairosflow/pkg/orchestrator"
	"github.com/jllopis/kairosflow/pkg/resilience"
	"github.com/jllopis/kairosflow/pkg/scheduler"
	"github.com/jllopis/kairosflow/pkg/telemetry"
	"github.com/jllopis/kairosflow/pkg/tools"
)

// Telemetry returns the exporter settings for telemetry.InitWithConfig.
func (t TelemetryConfig) Telemetry() telemetry.Config {
	return telemetry.Config{
		Exporter:           t.Exporter,
		OTLPEndpoint:       t.OTLPEndpoint,
		OTLPInsecure:       t.OTLPInsecure,
		OTLPTimeoutSeconds: t.OTLPTimeoutSeconds,
	}
}

// Scheduler returns the scheduler settings. Backoff doubles without jitter.
func (s SchedulerConfig) Scheduler() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.QueueCapacity = s.QueueCapacity
	cfg.DefaultTimeout = s.DefaultTimeout
	if s.RescanInterval > 0 {
		cfg.RescanInterval = s.RescanInterval
	}
	cfg.Backoff = resilience.Backoff{Base: s.BackoffBase, Max: s.BackoffMax, Multiplier: 2}
	cfg.Concurrency = make(map[string]int, len(s.Concurrency))
	for agentType, n := range s.Concurrency {
		cfg.Concurrency[agentType] = n
	}
	return cfg
}

// Orchestrator returns the orchestrator settings.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Scheduler:         c.Scheduler.Scheduler(),
		ShutdownGrace:     c.Engine.ShutdownGrace,
		AdmissionAttempts: c.Engine.AdmissionAttempts,
		RetainExecutions:  c.Engine.RetainExecutions,
	}
}

// Options returns the memory store options.
func (m MemoryConfig) Options() []memory.Option {
	policy := memory.KeepImportant
	if m.Eviction == "recent" {
		policy = memory.KeepRecent
	}
	return []memory.Option{
		memory.WithShortTermLimit(m.ShortTermLimit),
		memory.WithEpisodicLimit(m.EpisodicLimit),
		memory.WithEviction(policy),
	}
}

// RegistryOptions returns the tool registry timeout and breaker settings.
func (t ToolsConfig) RegistryOptions() []tools.Option {
	opts := []tools.Option{
		tools.WithTimeout(t.Timeout),
		tools.WithBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: t.BreakerThreshold,
			SuccessThreshold: 1,
			Timeout:          t.BreakerCooldown,
		}),
	}
	// Validate has already rejected malformed rules.
	if p, err := t.Policy(); err == nil && p != nil {
		opts = append(opts, tools.WithAuthorizer(p))
	}
	return opts
}

// Policy builds the tool policy, or returns nil when every call is allowed.
func (t ToolsConfig) Policy() (*governance.Policy, error) {
	if len(t.Policies) == 0 && t.DefaultEffect != "deny" {
		return nil, nil
	}
	rules := make([]governance.Rule, 0, len(t.Policies))
	for _, r := range t.Policies {
		rules = append(rules, governance.Rule{
			ID:        r.ID,
			Effect:    governance.Effect(r.Effect),
			AgentType: r.AgentType,
			Tool:      r.Tool,
			Reason:    r.Reason,
		})
	}
	var opts []governance.Option
	if t.DefaultEffect == "deny" {
		opts = append(opts, governance.WithDefaultDeny())
	}
	p, err := governance.NewPolicy(rules, opts...)
	if err != nil {
		return nil, errors.Validation("tools.policies: %s", errors.As(err).Message)
	}
	return p, nil
}

// Options returns the connector options, reading the secret from the
// environment.
func (o OpenAPIConfig) Options() []connectors.OpenAPIOption {
	opts := []connectors.OpenAPIOption{connectors.WithPrefix(o.Prefix)}
	if o.BaseURL != "" {
		opts = append(opts, connectors.WithBaseURL(o.BaseURL))
	}
	if len(o.Operations) > 0 {
		opts = append(opts, connectors.WithOperations(o.Operations...))
	}
	if o.Auth.Type != "" && o.Auth.Type != "none" {
		opts = append(opts, connectors.WithAuth(connectors.Auth{
			Type:   connectors.AuthType(o.Auth.Type),
			Header: o.Auth.Header,
			User:   o.Auth.User,
			Secret: os.Getenv(o.Auth.SecretEnv),
		}))
	}
	return opts
}

func (s SQLSourceConfig) Options() []connectors.SQLOption {
	return []connectors.SQLOption{
		connectors.WithSQLPrefix(s.Prefix),
		connectors.WithSQLTables(s.Tables...),
		connectors.WithSQLMaxLimit(s.MaxRows),
	}
}

// Servers returns the pool registrations of the configured MCP servers.
func (t ToolsConfig) Servers() []pool.Server {
	out := make([]pool.Server, 0, len(t.MCPServers))
	for _, s := range t.MCPServers {
		out = append(out, pool.Server{
			Name:    s.Name,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			URL:     s.URL,
		})
	}
	return out
}

// Threshold returns the semantic score threshold as the index expects it.
func (s SemanticConfig) Threshold() float32 {
	return float32(s.ScoreThreshold)
}

// Descriptors expands the declared agents into descriptors.
func (c *Config) Descriptors() []core.AgentDescriptor {
	var out []core.AgentDescriptor
	for _, a := range c.Agents {
		desc := core.AgentDescriptor{
			ID:           a.ID,
			Type:         a.Type,
			Name:         a.Name,
			Capabilities: a.Capabilities,
			Config:       a.Config,
		}
		if a.Count <= 1 {
			out = append(out, desc)
			continue
		}
		for i := range a.Count {
			d := desc
			d.ID = fmt.Sprintf("%s-%d", a.ID, i+1)
			if a.Name != "" {
				d.Name = fmt.Sprintf("%s %d", a.Name, i+1)
			}
			out = append(out, d)
		}
	}
	return out
}

// Options returns the logistics handler options. Unset tools keep the
// handler defaults.
func (l LogisticsConfig) Options() []logistics.Option {
	opts := []logistics.Option{
		logistics.WithCacheTTL(l.CacheTTL),
		logistics.WithParallelism(l.Parallelism),
		logistics.WithCarriers(l.Carriers...),
	}
	if l.TrackTool != "" {
		opts = append(opts, logistics.WithTrackTool(l.TrackTool))
	}
	if l.NotifyTool != "" {
		opts = append(opts, logistics.WithNotifyTool(l.NotifyTool))
	}
	return opts
}

func (m MarketingConfig) Options() []marketing.Option {
	opts := []marketing.Option{marketing.WithParallelism(m.Parallelism)}
	if m.SendTool != "" {
		opts = append(opts, marketing.WithSendTool(m.SendTool))
	}
	if m.ContentTool != "" {
		opts = append(opts, marketing.WithContentTool(m.ContentTool))
	}
	if m.StatsTool != "" {
		opts = append(opts, marketing.WithStatsTool(m.StatsTool))
	}
	if g := m.Guardrails.Guardrails(); g != nil {
		opts = append(opts, marketing.WithGuardrails(g))
	}
	return opts
}

// Guardrails builds the content screen, or nil when disabled. PII types
// were checked by Validate.
func (g GuardrailsConfig) Guardrails() *guardrails.Guardrails {
	if !g.Enabled {
		return nil
	}
	var opts []guardrails.Option
	if g.DetectInjection {
		opts = append(opts, guardrails.WithInputChecker(guardrails.NewInjectionDetector()))
	}
	if len(g.BlockedTerms) > 0 {
		opts = append(opts, guardrails.WithOutputChecker(guardrails.NewTermFilter(g.BlockedTerms...)))
	}
	if len(g.PIITypes) > 0 {
		types := make([]guardrails.PIIType, 0, len(g.PIITypes))
		for _, t := range g.PIITypes {
			if pt, err := guardrails.ParsePIIType(t); err == nil {
				types = append(types, pt)
			}
		}
		opts = append(opts, guardrails.WithOutputFilter(guardrails.NewPIIFilter(types...)))
	}
	return guardrails.New(opts...)
}

func (a AnalyticsConfig) Options() []analytics.Option {
	if len(a.Sources) == 0 {
		return nil
	}
	return []analytics.Option{analytics.WithAllowedSources(a.Sources...)}
}

// Changed reports whether two configs differ in a setting that can be
// applied without a restart.
func (c *Config) Changed(prev *Config) bool {
	if prev == nil {
		return true
	}
	if c.Log != prev.Log {
		return true
	}
	if len(c.Scheduler.Concurrency) != len(prev.Scheduler.Concurrency) {
		return true
	}
	for k, v := range c.Scheduler.Concurrency {
		if n, ok := prev.Scheduler.Concurrency[k]; !ok || n != v {
			return true
		}
	}
	return false
}
