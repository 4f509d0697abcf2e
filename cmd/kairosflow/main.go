// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Command kairosflow runs business workflows on a pool of logistics,
// marketing and analytics agents.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
)

var version = "dev"

type globalFlags struct {
	ConfigArgs []string
	Timeout    time.Duration
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	switch args[0] {
	case "run":
		os.Exit(runRun(ctx, global, args[1:]))
	case "validate":
		os.Exit(runValidate(ctx, global, args[1:]))
	case "workflows":
		runWorkflows(global, args[1:])
	case "history":
		runHistory(ctx, global, args[1:])
	case "help":
		printUsage()
	case "version":
		printVersion()
	default:
		fatal(newInvalidArgumentError("command", fmt.Sprintf("unknown command %q", args[0])))
	}
}

// parseGlobalFlags consumes the flags that precede the command. Config
// flags are kept verbatim for config.LoadWithCLI.
func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "-h", "--help":
			flags.Help = true
			return flags, nil, nil
		case "--json":
			flags.JSON = true
		case "--config", "--profile", "--set":
			if hasValue {
				flags.ConfigArgs = append(flags.ConfigArgs, arg)
				continue
			}
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for %s", name)
			}
			flags.ConfigArgs = append(flags.ConfigArgs, arg, args[i+1])
			i++
		case "--timeout":
			if !hasValue {
				if i+1 >= len(args) {
					return flags, nil, fmt.Errorf("missing value for --timeout")
				}
				i++
				value = args[i]
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = d
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func printJSON(value any) {
	writeJSON(os.Stdout, value)
}

func writeJSON(w io.Writer, value any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		fatal(err)
	}
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

func truncateMessage(value string, limit int) string {
	value = normalizeCell(value)
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}

func printVersion() {
	fmt.Println(version)
}

func printUsage() {
	fmt.Println(`kairosflow

Usage:
  kairosflow [global flags] <command> [args]

Global flags:
  --config <path>      YAML configuration file
  --profile <name>     Profile file next to the config (config.<name>.yaml)
  --set key=value      Override config (repeatable)
  --timeout <dur>      Bound the command (default none)
  --json               JSON output

Commands:
  run <workflow_id> [-f <file>]... [--input <json>] [--input-file <path>] [--var k=v]... [--watch]
  validate [-f <file>]...
  workflows list [-f <file>]...
  workflows show <workflow_id> [-f <file>]...
  history [--execution <id>] [--workflow <id>] [--step <id>] [--status <s>] [--limit N]
  version`)
}

func fatal(err error) {
	os.Exit(report(err))
}

// report prints err and returns the failure exit code. Commands use it
// instead of fatal once they hold resources that need closing.
func report(err error) int {
	if cliErr, ok := err.(*cliError); ok {
		cliErr.print(os.Stderr, false)
		return 1
	}
	fmt.Fprintln(os.Stderr, err)
	return 1
}

type multiFlag []string

func (m *multiFlag) String() string {
	return strings.Join(*m, ",")
}

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

// parseFlags parses fs and lets positional arguments appear before flags.
func parseFlags(fs *flag.FlagSet, args []string) ([]string, error) {
	fs.SetOutput(io.Discard)
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}
