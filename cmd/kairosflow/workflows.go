// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jllopis/kairosflow/pkg/config"
	"github.com/jllopis/kairosflow/pkg/execution"
	"github.com/jllopis/kairosflow/pkg/workflow"
)

func runWorkflows(flags globalFlags, args []string) {
	if len(args) == 0 {
		fatal(newInvalidArgumentError("workflows", "usage: kairosflow workflows <list|show>"))
	}
	cmd := flag.NewFlagSet("workflows "+args[0], flag.ContinueOnError)
	var files multiFlag
	cmd.Var(&files, "f", "Workflow definition file, directory or glob (repeatable)")
	positional, err := parseFlags(cmd, args[1:])
	if err != nil {
		fatal(newInvalidArgumentError("workflows", err.Error()))
	}

	cfg, err := config.LoadWithCLI(flags.ConfigArgs)
	if err != nil {
		fatal(newConfigError(err, flags.ConfigArgs))
	}
	paths := append(append([]string{}, cfg.Workflows.Paths...), files...)
	if len(paths) == 0 {
		fatal(newInvalidArgumentError("f", "no workflow paths configured; use -f or workflows.paths"))
	}
	wfs, err := workflow.LoadPaths(paths...)
	if err != nil {
		fatal(err)
	}

	switch args[0] {
	case "list":
		if flags.JSON {
			out := make([]map[string]any, 0, len(wfs))
			for _, wf := range wfs {
				out = append(out, map[string]any{"id": wf.ID, "name": wf.Name, "steps": len(wf.Steps), "inputs": wf.Inputs})
			}
			printJSON(out)
			return
		}
		tw := newTabWriter(os.Stdout)
		writeRow(tw, "ID", "NAME", "STEPS", "INPUTS")
		for _, wf := range wfs {
			writeRow(tw, wf.ID, wf.Name, strconv.Itoa(len(wf.Steps)), strings.Join(wf.Inputs, ","))
		}
		_ = tw.Flush()
	case "show":
		if len(positional) != 1 {
			fatal(newInvalidArgumentError("workflow_id", "usage: kairosflow workflows show <workflow_id>"))
		}
		for _, wf := range wfs {
			if wf.ID != positional[0] {
				continue
			}
			g, err := workflow.Compile(wf)
			if err != nil {
				fatal(err)
			}
			printGraph(g)
			return
		}
		fatal(newInvalidArgumentError("workflow_id", fmt.Sprintf("workflow %q not found", positional[0])))
	default:
		fatal(newInvalidArgumentError("workflows", fmt.Sprintf("unknown subcommand %q", args[0])))
	}
}

func printGraph(g *workflow.Graph) {
	wf := g.Workflow()
	fmt.Printf("Workflow %s", wf.ID)
	if wf.Name != "" {
		fmt.Printf(" (%s)", wf.Name)
	}
	fmt.Println()
	if len(wf.Inputs) > 0 {
		fmt.Printf("Inputs: %s\n", strings.Join(wf.Inputs, ", "))
	}
	fmt.Printf("Start: %s\n\n", strings.Join(g.Starts(), ", "))

	tw := newTabWriter(os.Stdout)
	writeRow(tw, "STEP", "CAPABILITY", "AGENT TYPE", "TASK", "NEXT")
	for _, id := range g.StepIDs() {
		st, _ := g.Step(id)
		task := st.TaskType
		if task == "" {
			task = st.ID
		}
		writeRow(tw, st.ID, st.Capability.String(), st.AgentType, task, strings.Join(g.Successors(id), ","))
	}
	_ = tw.Flush()
}

// runHistory lists archived execution log entries from the sqlite log store.
func runHistory(ctx context.Context, flags globalFlags, args []string) {
	cmd := flag.NewFlagSet("history", flag.ContinueOnError)
	filter := execution.LogFilter{}
	cmd.StringVar(&filter.ExecutionID, "execution", "", "Execution id")
	cmd.StringVar(&filter.WorkflowID, "workflow", "", "Workflow id")
	cmd.StringVar(&filter.StepID, "step", "", "Step id")
	status := cmd.String("status", "", "Step status")
	cmd.IntVar(&filter.Limit, "limit", 50, "Maximum entries")
	if _, err := parseFlags(cmd, args); err != nil {
		fatal(newInvalidArgumentError("history", err.Error()))
	}
	filter.Status = execution.StepStatus(*status)

	cfg, err := config.LoadWithCLI(flags.ConfigArgs)
	if err != nil {
		fatal(newConfigError(err, flags.ConfigArgs))
	}
	if cfg.Engine.LogStore != "sqlite" {
		fatal(newInvalidArgumentError("history", "history needs engine.log_store: sqlite"))
	}
	store, err := execution.OpenSQLiteLogStore(cfg.Engine.LogPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	entries, err := store.List(ctx, filter)
	if err != nil {
		fatal(err)
	}
	if flags.JSON {
		printJSON(entries)
		return
	}
	printLog(os.Stdout, entries)
}
