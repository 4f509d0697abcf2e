// SPDX-License-Identifier: Apache-2.0

// Package mcp connects kairosflow tool calls to Model Context Protocol servers.
package mcp

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/resilience"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3
	defaultCacheTTL = 30 * time.Second

	clientName    = "kairosflow"
	clientVersion = "0.1.0"
)

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry sets how many times a failed request is attempted and the
// backoff between attempts.
func WithRetry(attempts int, backoff resilience.Backoff) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.retry.MaxAttempts = attempts
		}
		c.retry.Backoff = backoff
	}
}

// WithToolCacheTTL sets how long a tool listing is reused. Zero disables caching.
func WithToolCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl >= 0 {
			c.cacheTTL = ttl
		}
	}
}

// Client is a connected MCP session with per-request timeouts, retries and a
// cached tool listing.
type Client struct {
	session  client.MCPClient
	timeout  time.Duration
	retry    resilience.RetryConfig
	cacheTTL time.Duration

	mu          sync.Mutex
	toolsCache  []mcp.Tool
	cacheExpiry time.Time
}

// NewClient wraps an already initialized MCP session.
func NewClient(session client.MCPClient, opts ...ClientOption) *Client {
	c := &Client{
		session:  session,
		timeout:  defaultTimeout,
		retry:    resilience.DefaultRetryConfig().WithMaxAttempts(defaultAttempts),
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	// Request errors are retried unless the caller gave up.
	c.retry.IsRecoverable = func(err error) bool {
		return !stderrors.Is(err, context.Canceled) && !stderrors.Is(err, context.DeadlineExceeded)
	}
	return c
}

// NewClientWithStdio starts command as a subprocess and speaks MCP over its stdio.
func NewClientWithStdio(command string, args []string, env []string, opts ...ClientOption) (*Client, error) {
	return NewClientWithStdioProtocol(command, args, env, mcp.LATEST_PROTOCOL_VERSION, opts...)
}

// NewClientWithStdioProtocol is NewClientWithStdio with an explicit protocol version.
func NewClientWithStdioProtocol(command string, args []string, env []string, protocolVersion string, opts ...ClientOption) (*Client, error) {
	session, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, connectError(command, err)
	}
	// The stdio transport is already running once the subprocess starts.
	return connect(session, command, protocolVersion, false, opts)
}

// NewClientWithStreamableHTTP connects to an MCP server over Streamable HTTP.
func NewClientWithStreamableHTTP(url string, opts ...ClientOption) (*Client, error) {
	return NewClientWithStreamableHTTPProtocol(url, mcp.LATEST_PROTOCOL_VERSION, opts...)
}

// NewClientWithStreamableHTTPProtocol is NewClientWithStreamableHTTP with an
// explicit protocol version.
func NewClientWithStreamableHTTPProtocol(url, protocolVersion string, opts ...ClientOption) (*Client, error) {
	session, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, connectError(url, err)
	}
	return connect(session, url, protocolVersion, true, opts)
}

func connect(session *client.Client, target, protocolVersion string, start bool, opts []ClientOption) (*Client, error) {
	if protocolVersion == "" {
		protocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if start {
		if err := session.Start(ctx); err != nil {
			_ = session.Close()
			return nil, connectError(target, err)
		}
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = protocolVersion
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := session.Initialize(ctx, req); err != nil {
		_ = session.Close()
		return nil, connectError(target, err)
	}
	return NewClient(session, opts...), nil
}

func connectError(target string, err error) error {
	return errors.New(errors.CodeExternalTool, "mcp connect failed", err).
		WithContext("target", target).
		WithRecoverable(true)
}

// ListTools returns the server's tools, served from cache while fresh.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if cached := c.cachedTools(); cached != nil {
		return cached, nil
	}
	var res *mcp.ListToolsResult
	err := c.retry.Do(ctx, func(int) error {
		reqCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		var err error
		res, err = c.session.ListTools(reqCtx, mcp.ListToolsRequest{})
		return err
	})
	if err != nil {
		return nil, err
	}
	c.storeTools(res.Tools)
	return res.Tools, nil
}

// CallTool runs a tool on the server and returns the raw result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	var res *mcp.CallToolResult
	err := c.retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		slog.DebugContext(ctx, "mcp.call.retry",
			slog.String("tool", name),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	}).Do(ctx, func(int) error {
		reqCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		var err error
		res, err = c.session.CallTool(reqCtx, req)
		return err
	})
	return res, err
}

// Call runs a tool and converts its result with ResultValue.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	res, err := c.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return ResultValue(res)
}

// Ping checks the session is alive.
func (c *Client) Ping(ctx context.Context) error {
	reqCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.session.Ping(reqCtx)
}

// Close ends the session.
func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) cachedTools() []mcp.Tool {
	if c.cacheTTL == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.toolsCache) == 0 || time.Now().After(c.cacheExpiry) {
		return nil
	}
	return append([]mcp.Tool(nil), c.toolsCache...)
}

func (c *Client) storeTools(tools []mcp.Tool) {
	if c.cacheTTL == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolsCache = append([]mcp.Tool(nil), tools...)
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
