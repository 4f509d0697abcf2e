// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jllopis/kairosflow/pkg/config"
	"github.com/jllopis/kairosflow/pkg/errors"
)

// cliError pairs a typed error with a hint for the operator.
type cliError struct {
	err  *errors.Error
	hint string
}

func (e *cliError) Error() string {
	msg := e.err.Error()
	if e.hint != "" {
		msg += "\n  Hint: " + e.hint
	}
	return msg
}

func (e *cliError) Unwrap() error { return e.err }

func (e *cliError) print(w io.Writer, asJSON bool) {
	if asJSON {
		payload, _ := json.Marshal(map[string]any{"error": map[string]any{
			"code":        e.err.Code,
			"message":     e.err.Message,
			"recoverable": e.err.Recoverable,
			"hint":        e.hint,
		}})
		fmt.Fprintln(w, string(payload))
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", e.err.Code, e.err.Message)
	if e.err.Err != nil {
		fmt.Fprintf(w, "  Cause: %v\n", e.err.Err)
	}
	if e.hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", e.hint)
	}
}

func newInvalidArgumentError(arg, reason string) *cliError {
	ke := errors.Validation("invalid argument: %s", reason).WithContext("argument", arg)
	return &cliError{err: ke, hint: "run 'kairosflow help' for usage information"}
}

func newConfigError(err error, args []string) *cliError {
	ke := errors.New(errors.CodeValidation, "configuration error", err)
	hint := "check your configuration file syntax"
	if path, _, perr := config.CLISource(args); perr == nil && path != "" {
		ke.WithContext("config_path", path)
		hint = fmt.Sprintf("check %s for syntax errors", path)
	}
	return &cliError{err: ke, hint: hint}
}

func newStartupError(err error, component string) *cliError {
	ke := errors.As(err)
	if ke == nil {
		ke = errors.New(errors.CodeInternal, component+" failed to start", err)
	}
	ke.WithContext("component", component)
	return &cliError{err: ke, hint: startupHint(component)}
}

func startupHint(component string) string {
	switch component {
	case "memory":
		return "check memory.provider and its connection settings"
	case "semantic":
		return "check that qdrant and the embedding model are reachable"
	case "mcp":
		return "check tools.mcp_servers commands and urls"
	case "generator":
		return "check that the Ollama server is running and the model is pulled"
	case "connectors":
		return "check tools.openapi specs and tools.sql paths"
	case "workflows":
		return "run 'kairosflow validate' to see definition errors"
	case "agents":
		return "check agents[].type against the built-in types and capability names"
	default:
		return ""
	}
}

// wrapError attaches a hint to errors raised while running a command.
func wrapError(err error) error {
	ke := errors.As(err)
	if ke == nil {
		return err
	}
	var hint string
	switch ke.Code {
	case errors.CodeWorkflowNotFound:
		hint = "use 'kairosflow workflows list' to see registered workflows"
	case errors.CodeQueueFull:
		hint = "raise scheduler.queue_capacity or add agents"
	case errors.CodeCapabilityMismatch:
		hint = "declare an agent with the required capability under agents"
	case errors.CodeTimeout, errors.CodeCancelled:
		hint = "try a longer --timeout"
	}
	return &cliError{err: ke, hint: hint}
}
