// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/kairosflow/pkg/config"
	"github.com/jllopis/kairosflow/pkg/execution"
	"github.com/jllopis/kairosflow/pkg/telemetry"
)

const shutdownTimeout = 45 * time.Second

// runRun executes one workflow to completion and returns the exit code.
func runRun(ctx context.Context, flags globalFlags, args []string) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	var files, vars multiFlag
	cmd.Var(&files, "f", "Workflow definition file, directory or glob (repeatable)")
	input := cmd.String("input", "", "Execution input as a JSON object")
	inputFile := cmd.String("input-file", "", "Execution input from a YAML or JSON file")
	cmd.Var(&vars, "var", "Input value key=value (repeatable)")
	watch := cmd.Bool("watch", false, "Apply config file changes while running")
	positional, err := parseFlags(cmd, args)
	if err != nil {
		fatal(newInvalidArgumentError("run", err.Error()))
	}
	if len(positional) != 1 {
		fatal(newInvalidArgumentError("workflow_id", "usage: kairosflow run <workflow_id>"))
	}
	workflowID := positional[0]

	in, err := buildInput(*input, *inputFile, vars)
	if err != nil {
		fatal(err)
	}

	cfg, err := config.LoadWithCLI(flags.ConfigArgs)
	if err != nil {
		fatal(newConfigError(err, flags.ConfigArgs))
	}
	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	shutdownTelemetry, err := telemetry.InitWithConfig("kairosflow", version, cfg.Telemetry.Telemetry())
	if err != nil {
		fatal(newStartupError(err, "telemetry"))
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("kairosflow.telemetry.shutdown", slog.String("error", err.Error()))
		}
	}()
	metrics, err := telemetry.NewEngineMetrics()
	if err != nil {
		return report(newStartupError(err, "telemetry"))
	}

	a, err := newApp(ctx, cfg, logger, metrics)
	if err != nil {
		return report(err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.close(sctx); err != nil {
			logger.Warn("kairosflow.shutdown", slog.String("error", err.Error()))
		}
	}()

	if len(files) > 0 {
		if _, err := a.orch.LoadWorkflows(files...); err != nil {
			return report(newStartupError(err, "workflows"))
		}
	}
	if *watch {
		path, profile, err := config.CLISource(flags.ConfigArgs)
		if err != nil || path == "" {
			return report(newInvalidArgumentError("watch", "--watch needs --config"))
		}
		w, err := a.watch(ctx, path, profile)
		if err != nil {
			return report(newStartupError(err, "config watcher"))
		}
		defer w.Stop()
	}
	if err := a.orch.Init(ctx); err != nil {
		return report(err)
	}

	id, err := a.orch.StartExecution(ctx, workflowID, in)
	if err != nil {
		return report(wrapError(err))
	}

	waitCtx := ctx
	if flags.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, flags.Timeout)
		defer cancel()
	}
	snap, err := a.orch.WaitExecution(waitCtx, id)
	if err != nil {
		// Interrupted or timed out: cancel and report what finished.
		_ = a.orch.CancelExecution(id)
		snap, _ = a.orch.WaitExecution(context.Background(), id)
	}

	if flags.JSON {
		printJSON(snap)
	} else {
		printSnapshot(os.Stdout, snap)
	}
	if snap.Status != execution.StatusCompleted {
		return 1
	}
	return 0
}

// buildInput merges the input file, the --input object and --var pairs,
// later sources winning.
func buildInput(raw, path string, vars []string) (map[string]any, error) {
	in := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, newInvalidArgumentError("input-file", err.Error())
		}
		var fromFile map[string]any
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return nil, newInvalidArgumentError("input-file", err.Error())
		}
		for k, v := range fromFile {
			in[k] = v
		}
	}
	if strings.TrimSpace(raw) != "" {
		var fromFlag map[string]any
		if err := json.Unmarshal([]byte(raw), &fromFlag); err != nil {
			return nil, newInvalidArgumentError("input", "must be a JSON object: "+err.Error())
		}
		for k, v := range fromFlag {
			in[k] = v
		}
	}
	for _, kv := range vars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, newInvalidArgumentError("var", fmt.Sprintf("expected key=value, got %q", kv))
		}
		in[strings.TrimSpace(k)] = parseScalar(v)
	}
	return in, nil
}

// parseScalar turns "true", "42" and "1.5" into typed values. Values with
// a leading zero such as tracking numbers stay strings.
func parseScalar(v string) any {
	switch v {
	case "true", "false":
		return v == "true"
	}
	if len(v) > 1 && v[0] == '0' && v[1] != '.' {
		return v
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func printSnapshot(w io.Writer, snap execution.Snapshot) {
	fmt.Fprintf(w, "Execution %s (%s): %s, %d%%\n", snap.ID, snap.WorkflowID, snap.Status, snap.Progress)
	if snap.Error != "" {
		fmt.Fprintf(w, "Error [%s]: %s\n", snap.ErrorCode, snap.Error)
	}
	fmt.Fprintln(w)

	ids := make([]string, 0, len(snap.Steps))
	for id := range snap.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	tw := newTabWriter(w)
	writeRow(tw, "STEP", "STATUS")
	for _, id := range ids {
		writeRow(tw, id, string(snap.Steps[id]))
	}
	_ = tw.Flush()

	if len(snap.Log) > 0 {
		fmt.Fprintln(w)
		printLog(w, snap.Log)
	}
}

func printLog(w io.Writer, entries []execution.LogEntry) {
	tw := newTabWriter(w)
	writeRow(tw, "TIME", "STEP", "ATTEMPT", "AGENT", "STATUS", "ERROR")
	for _, e := range entries {
		writeRow(tw, formatTime(e.Time), e.StepID, fmt.Sprint(e.Attempt), e.AgentID, string(e.Status), truncateMessage(e.Error, 60))
	}
	_ = tw.Flush()
}
