// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jllopis/kairosflow/pkg/agents/analytics"
	"github.com/jllopis/kairosflow/pkg/agents/logistics"
	"github.com/jllopis/kairosflow/pkg/agents/marketing"
	"github.com/jllopis/kairosflow/pkg/capability"
	"github.com/jllopis/kairosflow/pkg/config"
	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/mcp/pool"
	"github.com/jllopis/kairosflow/pkg/workflow"
)

// builtinTypes maps each built-in agent type to its default capabilities.
var builtinTypes = map[string]capability.Set{
	logistics.AgentType: logistics.DefaultCapabilities,
	marketing.AgentType: marketing.DefaultCapabilities,
	analytics.AgentType: analytics.DefaultCapabilities,
}

type validateResult struct {
	Config    checkResult   `json:"config"`
	Agents    []checkResult `json:"agents"`
	Workflows []checkResult `json:"workflows"`
	Probes    []checkResult `json:"probes,omitempty"`
	Overall   string        `json:"overall"`
}

type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // ok, warn, error, skip
	Message string `json:"message,omitempty"`
}

type declaredAgent struct {
	desc core.AgentDescriptor
	caps capability.Set
}

func runValidate(ctx context.Context, flags globalFlags, args []string) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	var files multiFlag
	cmd.Var(&files, "f", "Workflow definition file, directory or glob (repeatable)")
	probe := cmd.Bool("probe", false, "Connect to memory and MCP servers")
	if _, err := parseFlags(cmd, args); err != nil {
		fatal(newInvalidArgumentError("validate", err.Error()))
	}

	result := validateResult{Agents: []checkResult{}, Workflows: []checkResult{}}
	cfg, err := config.LoadWithCLI(flags.ConfigArgs)
	if err != nil {
		result.Config = checkResult{Name: "config", Status: "error", Message: err.Error()}
	} else {
		result.Config = checkResult{Name: "config", Status: "ok"}
		agents, checks := validateAgents(cfg.Descriptors())
		result.Agents = checks
		result.Workflows = validateWorkflows(append(append([]string{}, cfg.Workflows.Paths...), files...), agents)
		if *probe {
			timeout := flags.Timeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			result.Probes = probeServices(ctx, cfg, timeout)
		}
	}
	result.Overall = overall(result)

	if flags.JSON {
		printJSON(result)
	} else {
		printValidateResult(os.Stdout, result)
	}
	if result.Overall == "error" {
		return 1
	}
	return 0
}

func validateAgents(descs []core.AgentDescriptor) ([]declaredAgent, []checkResult) {
	var (
		agents []declaredAgent
		checks = make([]checkResult, 0, len(descs))
	)
	for _, d := range descs {
		name := "agent " + d.ID
		defaults, ok := builtinTypes[d.Type]
		if !ok {
			checks = append(checks, checkResult{Name: name, Status: "error", Message: fmt.Sprintf("unknown agent type %q", d.Type)})
			continue
		}
		caps, err := d.CapabilitySet()
		if err != nil {
			checks = append(checks, checkResult{Name: name, Status: "error", Message: err.Error()})
			continue
		}
		if caps.Empty() {
			caps = defaults
		}
		agents = append(agents, declaredAgent{desc: d, caps: caps})
		checks = append(checks, checkResult{Name: name, Status: "ok", Message: d.Type + " " + caps.String()})
	}
	return agents, checks
}

// validateWorkflows compiles every definition and warns about steps no
// declared agent can serve.
func validateWorkflows(paths []string, agents []declaredAgent) []checkResult {
	if len(paths) == 0 {
		return []checkResult{{Name: "workflows", Status: "warn", Message: "no workflow paths configured"}}
	}
	wfs, err := workflow.LoadPaths(paths...)
	if err != nil {
		return []checkResult{{Name: "workflows", Status: "error", Message: err.Error()}}
	}
	checks := make([]checkResult, 0, len(wfs))
	for _, wf := range wfs {
		name := "workflow " + wf.ID
		if _, err := workflow.Compile(wf); err != nil {
			checks = append(checks, checkResult{Name: name, Status: "error", Message: err.Error()})
			continue
		}
		if step, ok := unservedStep(wf, agents); ok {
			checks = append(checks, checkResult{Name: name, Status: "warn",
				Message: fmt.Sprintf("no declared agent serves step %q (%s)", step.ID, step.Capability)})
			continue
		}
		checks = append(checks, checkResult{Name: name, Status: "ok", Message: fmt.Sprintf("%d steps", len(wf.Steps))})
	}
	return checks
}

func unservedStep(wf workflow.Workflow, agents []declaredAgent) (workflow.Step, bool) {
	for _, st := range wf.Steps {
		served := false
		for _, a := range agents {
			if a.caps.Has(st.Capability) && (st.AgentType == "" || st.AgentType == a.desc.Type) {
				served = true
				break
			}
		}
		if !served {
			return st, true
		}
	}
	return workflow.Step{}, false
}

func probeServices(ctx context.Context, cfg *config.Config, timeout time.Duration) []checkResult {
	var checks []checkResult

	a := &app{cfg: cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	mctx, cancel := context.WithTimeout(ctx, timeout)
	if _, err := a.openMemory(mctx); err != nil {
		checks = append(checks, checkResult{Name: "memory", Status: "error", Message: err.Error()})
	} else {
		checks = append(checks, checkResult{Name: "memory", Status: "ok", Message: cfg.Memory.Provider})
	}
	cancel()
	a.release()

	for _, s := range cfg.Tools.Servers() {
		checks = append(checks, probeMCP(ctx, s, timeout))
	}
	return checks
}

func probeMCP(ctx context.Context, s pool.Server, timeout time.Duration) checkResult {
	name := "mcp " + s.Name
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := pool.Dial(ctx, s)
	if err != nil {
		return checkResult{Name: name, Status: "error", Message: err.Error()}
	}
	defer client.Close()
	listed, err := client.ListTools(ctx)
	if err != nil {
		return checkResult{Name: name, Status: "error", Message: err.Error()}
	}
	return checkResult{Name: name, Status: "ok", Message: fmt.Sprintf("%d tools", len(listed))}
}

func overall(r validateResult) string {
	all := append([]checkResult{r.Config}, r.Agents...)
	all = append(all, r.Workflows...)
	all = append(all, r.Probes...)
	status := "ok"
	for _, c := range all {
		switch c.Status {
		case "error":
			return "error"
		case "warn":
			status = "warn"
		}
	}
	return status
}

func printValidateResult(w io.Writer, result validateResult) {
	icons := map[string]string{
		"ok":    "✓",
		"warn":  "⚠",
		"error": "✗",
		"skip":  "○",
	}

	fmt.Fprintln(w, "kairosflow configuration")
	fmt.Fprintln(w, "========================")
	fmt.Fprintln(w)

	printCheck(w, icons, result.Config)
	if len(result.Agents) == 0 {
		fmt.Fprintf(w, "%s agents: none declared\n", icons["warn"])
	}
	for _, group := range [][]checkResult{result.Agents, result.Workflows, result.Probes} {
		for _, r := range group {
			printCheck(w, icons, r)
		}
	}

	fmt.Fprintln(w)
	switch result.Overall {
	case "ok":
		fmt.Fprintln(w, "✓ All checks passed")
	case "warn":
		fmt.Fprintln(w, "⚠ Validation completed with warnings")
	case "error":
		fmt.Fprintln(w, "✗ Validation failed")
	}
}

func printCheck(w io.Writer, icons map[string]string, r checkResult) {
	if r.Message != "" {
		fmt.Fprintf(w, "%s %s: %s\n", icons[r.Status], r.Name, r.Message)
		return
	}
	fmt.Fprintf(w, "%s %s\n", icons[r.Status], r.Name)
}
