// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"log/slog"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/mcp"
	"github.com/jllopis/kairosflow/pkg/mcp/pool"
)

// Sessions hands out MCP sessions. *pool.Pool implements it.
type Sessions interface {
	Get(ctx context.Context, server string) (*mcp.Client, error)
	Release(server string)
	Discard(server string)
}

var _ Sessions = (*pool.Pool)(nil)

// RegisterMCP lists the tools of an MCP server and registers each one as
// prefix+name. Calls borrow a session from sessions for their duration.
// It returns the registered names.
func (r *Registry) RegisterMCP(ctx context.Context, sessions Sessions, server, prefix string) ([]string, error) {
	client, err := sessions.Get(ctx, server)
	if err != nil {
		return nil, err
	}
	listed, err := client.ListTools(ctx)
	sessions.Release(server)
	if err != nil {
		return nil, errors.ExternalTool(server, err).WithContext("reason", "list tools")
	}

	names := make([]string, 0, len(listed))
	for _, def := range listed {
		name := prefix + def.Name
		tool := Tool{
			Name:        name,
			Description: def.Description,
			Call:        remoteCall(sessions, server, def),
		}
		if err := r.add(tool, SourceMCP); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	r.logger.Info("tools.mcp.registered", slog.String("server", server), slog.Int("tools", len(names)))
	return names, nil
}

func remoteCall(sessions Sessions, server string, def mcpgo.Tool) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		if err := mcp.CheckArguments(def, args); err != nil {
			return nil, err
		}
		client, err := sessions.Get(ctx, server)
		if err != nil {
			return nil, err
		}
		defer sessions.Release(server)

		res, err := client.CallTool(ctx, def.Name, args)
		if err != nil {
			// A transport failure may have left the session unusable.
			if ctx.Err() == nil {
				sessions.Discard(server)
			}
			return nil, err
		}
		return mcp.ResultValue(res)
	}
}
