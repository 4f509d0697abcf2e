// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads kairosflow settings. Sources are layered in order:
// built-in defaults, the YAML file, an optional profile file next to it
// (config.<profile>.yaml), KAIROSFLOW_ environment variables and finally
// --set command line overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/guardrails"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// key levels: KAIROSFLOW_SCHEDULER__QUEUE_CAPACITY sets scheduler.queue_capacity.
const EnvPrefix = "KAIROSFLOW_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Engine    EngineConfig    `koanf:"engine"`
	Memory    MemoryConfig    `koanf:"memory"`
	Tools     ToolsConfig     `koanf:"tools"`
	Workflows WorkflowsConfig `koanf:"workflows"`
	Agents    []AgentConfig   `koanf:"agents"`
	Variants  VariantsConfig  `koanf:"variants"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter           string `koanf:"exporter"` // stdout, otlp, none
	OTLPEndpoint       string `koanf:"otlp_endpoint"`
	OTLPInsecure       bool   `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int    `koanf:"otlp_timeout_seconds"`
}

type SchedulerConfig struct {
	QueueCapacity  int            `koanf:"queue_capacity"`
	Concurrency    map[string]int `koanf:"concurrency"` // agent type -> max running
	DefaultTimeout time.Duration  `koanf:"default_timeout"`
	BackoffBase    time.Duration  `koanf:"backoff_base"`
	BackoffMax     time.Duration  `koanf:"backoff_max"`
	RescanInterval time.Duration  `koanf:"rescan_interval"`
	DegradedAfter  int            `koanf:"degraded_after"`
}

type EngineConfig struct {
	ShutdownGrace     time.Duration `koanf:"shutdown_grace"`
	AdmissionAttempts int           `koanf:"admission_attempts"`
	RetainExecutions  int           `koanf:"retain_executions"`
	LogStore          string        `koanf:"log_store"` // memory, sqlite, none
	LogPath           string        `koanf:"log_path"`
}

type MemoryConfig struct {
	Provider       string         `koanf:"provider"` // inmemory, sqlite, redis
	Path           string         `koanf:"path"`     // sqlite database file
	ShortTermLimit int            `koanf:"short_term_limit"`
	EpisodicLimit  int            `koanf:"episodic_limit"`
	Eviction       string         `koanf:"eviction"` // important, recent
	Redis          RedisConfig    `koanf:"redis"`
	Semantic       SemanticConfig `koanf:"semantic"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// SemanticConfig enables the knowledge tools backed by a vector index.
type SemanticConfig struct {
	Enabled         bool    `koanf:"enabled"`
	Store           string  `koanf:"store"` // qdrant, inmemory
	QdrantAddr      string  `koanf:"qdrant_addr"`
	Collection      string  `koanf:"collection"`
	EmbedderBaseURL string  `koanf:"embedder_base_url"`
	EmbedderModel   string  `koanf:"embedder_model"`
	ScoreThreshold  float64 `koanf:"score_threshold"`
}

type ToolsConfig struct {
	Timeout          time.Duration     `koanf:"timeout"`
	BreakerThreshold int               `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration     `koanf:"breaker_cooldown"`
	MCPServers       []MCPServerConfig `koanf:"mcp_servers"`
	Generator        GeneratorConfig   `koanf:"generator"`
	OpenAPI          []OpenAPIConfig   `koanf:"openapi"`
	SQL              []SQLSourceConfig `koanf:"sql"`
	// Policies are evaluated in order; the first match decides.
	Policies      []PolicyRuleConfig `koanf:"policies"`
	DefaultEffect string             `koanf:"default_effect"` // allow, deny
}

// PolicyRuleConfig allows or denies agent types calling tools. AgentType
// and Tool are glob patterns; empty matches anything.
type PolicyRuleConfig struct {
	ID        string `koanf:"id"`
	Effect    string `koanf:"effect"`
	AgentType string `koanf:"agent_type"`
	Tool      string `koanf:"tool"`
	Reason    string `koanf:"reason"`
}

// GeneratorConfig registers an Ollama backed text generation tool.
type GeneratorConfig struct {
	Enabled bool   `koanf:"enabled"`
	Name    string `koanf:"name"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

// OpenAPIConfig turns the operations of an OpenAPI 3 document into tools.
type OpenAPIConfig struct {
	Spec       string            `koanf:"spec"`
	BaseURL    string            `koanf:"base_url"`
	Prefix     string            `koanf:"prefix"`
	Operations []string          `koanf:"operations"` // empty selects all
	Auth       OpenAPIAuthConfig `koanf:"auth"`
}

// OpenAPIAuthConfig never holds the secret itself, only the name of the
// environment variable that does.
type OpenAPIAuthConfig struct {
	Type      string `koanf:"type"` // none, api_key, bearer, basic
	Header    string `koanf:"header"`
	User      string `koanf:"user"`
	SecretEnv string `koanf:"secret_env"`
}

// SQLSourceConfig exposes the tables of a SQLite file as read-only tools.
type SQLSourceConfig struct {
	Path    string   `koanf:"path"`
	Prefix  string   `koanf:"prefix"`
	Tables  []string `koanf:"tables"`
	MaxRows int      `koanf:"max_rows"`
}

// MCPServerConfig names one MCP server. Command starts a stdio server; URL
// reaches a Streamable HTTP one. Its tools are registered as Prefix+name.
type MCPServerConfig struct {
	Name    string   `koanf:"name"`
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
	Env     []string `koanf:"env"`
	URL     string   `koanf:"url"`
	Prefix  string   `koanf:"prefix"`
}

type WorkflowsConfig struct {
	Paths []string `koanf:"paths"` // glob patterns of YAML definitions
}

// AgentConfig declares agents created at startup. With Count > 1 the
// agents get IDs <id>-1 .. <id>-<count>.
type AgentConfig struct {
	ID           string            `koanf:"id"`
	Type         string            `koanf:"type"`
	Name         string            `koanf:"name"`
	Capabilities []string          `koanf:"capabilities"`
	Count        int               `koanf:"count"`
	Config       map[string]string `koanf:"config"`
}

// VariantsConfig tunes the built-in agent types.
type VariantsConfig struct {
	Logistics LogisticsConfig `koanf:"logistics"`
	Marketing MarketingConfig `koanf:"marketing"`
	Analytics AnalyticsConfig `koanf:"analytics"`
}

type LogisticsConfig struct {
	TrackTool   string        `koanf:"track_tool"`
	NotifyTool  string        `koanf:"notify_tool"`
	Carriers    []string      `koanf:"carriers"` // first is the default
	CacheTTL    time.Duration `koanf:"cache_ttl"`
	Parallelism int           `koanf:"parallelism"`
}

type MarketingConfig struct {
	SendTool    string `koanf:"send_tool"`
	ContentTool string `koanf:"content_tool"`
	StatsTool   string `koanf:"stats_tool"`
	Parallelism int    `koanf:"parallelism"`

	Guardrails GuardrailsConfig `koanf:"guardrails"`
}

// GuardrailsConfig screens generated email content.
type GuardrailsConfig struct {
	Enabled         bool     `koanf:"enabled"`
	DetectInjection bool     `koanf:"detect_injection"`
	BlockedTerms    []string `koanf:"blocked_terms"`
	PIITypes        []string `koanf:"pii_types"` // masked in generated text
}

type AnalyticsConfig struct {
	Sources []string `koanf:"sources"` // empty allows any tool
}

func defaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.otlp_endpoint", "localhost:4317")
	k.Set("telemetry.otlp_insecure", true)
	k.Set("telemetry.otlp_timeout_seconds", 10)

	k.Set("scheduler.queue_capacity", 100)
	k.Set("scheduler.default_timeout", 300*time.Second)
	k.Set("scheduler.backoff_base", 100*time.Millisecond)
	k.Set("scheduler.backoff_max", 30*time.Second)
	k.Set("scheduler.rescan_interval", 250*time.Millisecond)
	k.Set("scheduler.degraded_after", 3)

	k.Set("engine.shutdown_grace", 30*time.Second)
	k.Set("engine.admission_attempts", 1)
	k.Set("engine.retain_executions", 1000)
	k.Set("engine.log_store", "memory")
	k.Set("engine.log_path", "kairosflow-executions.db")

	k.Set("memory.provider", "inmemory")
	k.Set("memory.path", "kairosflow-memory.db")
	k.Set("memory.short_term_limit", 100)
	k.Set("memory.episodic_limit", 1000)
	k.Set("memory.eviction", "important")
	k.Set("memory.redis.addr", "localhost:6379")
	k.Set("memory.semantic.enabled", false)
	k.Set("memory.semantic.store", "qdrant")
	k.Set("memory.semantic.qdrant_addr", "localhost:6334")
	k.Set("memory.semantic.collection", "kairosflow_knowledge")
	k.Set("memory.semantic.embedder_base_url", "http://localhost:11434")
	k.Set("memory.semantic.embedder_model", "nomic-embed-text")
	k.Set("memory.semantic.score_threshold", 0.6)

	k.Set("tools.timeout", 30*time.Second)
	k.Set("tools.breaker_threshold", 5)
	k.Set("tools.breaker_cooldown", 30*time.Second)
	k.Set("tools.default_effect", "allow")
	k.Set("tools.generator.enabled", false)
	k.Set("tools.generator.name", "llm.generate")
	k.Set("tools.generator.base_url", "http://localhost:11434")
	k.Set("tools.generator.model", "llama3.2")

	k.Set("variants.logistics.cache_ttl", 5*time.Minute)
	k.Set("variants.logistics.parallelism", 8)
	k.Set("variants.marketing.parallelism", 8)
	k.Set("variants.marketing.guardrails.enabled", false)
	k.Set("variants.marketing.guardrails.detect_injection", true)
	k.Set("variants.marketing.guardrails.blocked_terms", guardrails.DefaultSpamTerms)
	k.Set("variants.marketing.guardrails.pii_types", []string{"credit_card", "ssn"})
}

// Load reads defaults, path (when set) and the environment.
func Load(path string) (*Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile is Load plus the profile file next to path, when it exists.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

func load(path, profile string, overrides []override) (*Config, error) {
	k := koanf.New(".")
	defaults(k)

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		if p := profileConfigPath(path, profile); p != "" {
			if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load profile %s: %w", p, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		if err := k.Set(o.key, o.value); err != nil {
			return nil, fmt.Errorf("apply --set %s: %w", o.key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// profileConfigPath returns base with ".<profile>" inserted before the
// extension, or "" when there is no such file.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	candidate := strings.TrimSuffix(base, ext) + "." + profile + ext
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

// Validate checks enumerated settings and numeric bounds.
func (c *Config) Validate() error {
	checks := []struct {
		field string
		value string
		valid []string
	}{
		{"log.level", strings.ToLower(c.Log.Level), []string{"debug", "info", "warn", "warning", "error"}},
		{"log.format", c.Log.Format, []string{"text", "json"}},
		{"telemetry.exporter", c.Telemetry.Exporter, []string{"stdout", "otlp", "none"}},
		{"memory.provider", c.Memory.Provider, []string{"inmemory", "sqlite", "redis"}},
		{"memory.eviction", c.Memory.Eviction, []string{"important", "recent"}},
		{"memory.semantic.store", c.Memory.Semantic.Store, []string{"qdrant", "inmemory"}},
		{"engine.log_store", c.Engine.LogStore, []string{"memory", "sqlite", "none"}},
	}
	for _, chk := range checks {
		if !slices.Contains(chk.valid, chk.value) {
			return errors.Validation("%s: unsupported value %q (want one of %s)",
				chk.field, chk.value, strings.Join(chk.valid, ", "))
		}
	}
	if c.Scheduler.QueueCapacity < 1 {
		return errors.Validation("scheduler.queue_capacity must be >= 1")
	}
	for agentType, n := range c.Scheduler.Concurrency {
		if n < 0 {
			return errors.Validation("scheduler.concurrency.%s must be >= 0", agentType)
		}
	}
	if c.Scheduler.DegradedAfter < 1 {
		return errors.Validation("scheduler.degraded_after must be >= 1")
	}
	if c.Engine.AdmissionAttempts < 1 {
		return errors.Validation("engine.admission_attempts must be >= 1")
	}
	if c.Engine.RetainExecutions < 1 {
		return errors.Validation("engine.retain_executions must be >= 1")
	}
	if c.Memory.ShortTermLimit < 2 {
		return errors.Validation("memory.short_term_limit must be >= 2")
	}
	if c.Memory.EpisodicLimit < 1 {
		return errors.Validation("memory.episodic_limit must be >= 1")
	}
	seen := map[string]bool{}
	for i, s := range c.Tools.MCPServers {
		switch {
		case s.Name == "":
			return errors.Validation("tools.mcp_servers[%d]: name is required", i)
		case seen[s.Name]:
			return errors.Validation("tools.mcp_servers: duplicate server %q", s.Name)
		case (s.Command == "") == (s.URL == ""):
			return errors.Validation("tools.mcp_servers[%s]: set exactly one of command or url", s.Name)
		}
		seen[s.Name] = true
	}
	if c.Tools.Generator.Enabled && (c.Tools.Generator.Name == "" || c.Tools.Generator.Model == "") {
		return errors.Validation("tools.generator: name and model are required when enabled")
	}
	for i, o := range c.Tools.OpenAPI {
		if o.Spec == "" {
			return errors.Validation("tools.openapi[%d]: spec is required", i)
		}
		switch o.Auth.Type {
		case "", "none", "api_key", "bearer", "basic":
		default:
			return errors.Validation("tools.openapi[%d]: unknown auth type %q", i, o.Auth.Type)
		}
		if o.Auth.Type != "" && o.Auth.Type != "none" && o.Auth.SecretEnv == "" {
			return errors.Validation("tools.openapi[%d]: auth.secret_env is required for %s", i, o.Auth.Type)
		}
	}
	for i, s := range c.Tools.SQL {
		if s.Path == "" {
			return errors.Validation("tools.sql[%d]: path is required", i)
		}
		if s.MaxRows < 0 {
			return errors.Validation("tools.sql[%d]: max_rows must be >= 0", i)
		}
	}
	switch c.Tools.DefaultEffect {
	case "allow", "deny":
	default:
		return errors.Validation("tools.default_effect must be allow or deny, got %q", c.Tools.DefaultEffect)
	}
	if _, err := c.Tools.Policy(); err != nil {
		return err
	}
	for _, t := range c.Variants.Marketing.Guardrails.PIITypes {
		if _, err := guardrails.ParsePIIType(t); err != nil {
			return errors.Validation("variants.marketing.guardrails.pii_types: %v", err)
		}
	}
	if c.Variants.Logistics.CacheTTL < 0 {
		return errors.Validation("variants.logistics.cache_ttl must be >= 0")
	}
	ids := map[string]bool{}
	for i, a := range c.Agents {
		switch {
		case a.ID == "":
			return errors.Validation("agents[%d]: id is required", i)
		case a.Type == "":
			return errors.Validation("agents[%s]: type is required", a.ID)
		case a.Count < 0:
			return errors.Validation("agents[%s]: count must be >= 0", a.ID)
		case ids[a.ID]:
			return errors.Validation("agents: duplicate id %q", a.ID)
		}
		ids[a.ID] = true
	}
	return nil
}

type override struct {
	key   string
	value any
}

// LoadWithCLI loads configuration from command line arguments:
//
//	--config <path>            YAML file
//	--profile <name>           profile file (alias --env)
//	--set key=value            override, repeatable; JSON objects and arrays are decoded
//
// Unknown arguments are ignored so the caller can parse its own flags.
func LoadWithCLI(args []string) (*Config, error) {
	path, profile, overrides, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return load(path, profile, overrides)
}

// CLISource returns the --config path and --profile named in args, for
// callers that watch the file after LoadWithCLI.
func CLISource(args []string) (path, profile string, err error) {
	path, profile, _, err = parseCLIOverrides(args)
	return path, profile, err
}

func parseCLIOverrides(args []string) (string, string, []override, error) {
	var (
		path      string
		profile   string
		overrides []override
	)
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		switch name {
		case "--config", "-config", "--profile", "-profile", "--env", "-env", "--set", "-set":
		default:
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return "", "", nil, errors.Validation("%s requires a value", name)
			}
			i++
			value = args[i]
		}
		switch strings.TrimLeft(name, "-") {
		case "config":
			path = value
		case "profile", "env":
			profile = value
		case "set":
			o, err := parseOverride(value)
			if err != nil {
				return "", "", nil, err
			}
			overrides = append(overrides, o)
		}
	}
	return path, profile, overrides, nil
}

func parseOverride(raw string) (override, error) {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return override{}, errors.Validation("--set expects key=value, got %q", raw)
	}
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return override{}, errors.Validation("--set %s: invalid JSON: %v", key, err)
		}
		return override{key: key, value: decoded}, nil
	}
	return override{key: key, value: value}, nil
}
