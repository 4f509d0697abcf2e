// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool shares MCP sessions between agents.
//
// Every registered server gets at most one live session. Agents borrow it
// with Get and hand it back with Release; a background loop pings idle
// sessions, drops the ones that stopped answering and closes sessions
// nobody used for longer than the idle timeout. The next Get reconnects.
//
//	p := pool.New(pool.WithIdleTimeout(5 * time.Minute))
//	_ = p.Register(pool.Server{Name: "carriers", URL: "http://localhost:8080/mcp"})
//
//	client, err := p.Get(ctx, "carriers")
//	defer p.Release("carriers")
package pool

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/mcp"
)

// Server describes how to reach one MCP server. Exactly one of Command
// (stdio subprocess) or URL (Streamable HTTP) must be set.
type Server struct {
	Name    string
	Command string
	Args    []string
	Env     []string
	URL     string
	Options []mcp.ClientOption
}

func (s Server) validate() error {
	switch {
	case s.Name == "":
		return errors.Validation("mcp server name is required")
	case s.Command == "" && s.URL == "":
		return errors.Validation("mcp server %s needs a command or a url", s.Name)
	case s.Command != "" && s.URL != "":
		return errors.Validation("mcp server %s sets both command and url", s.Name)
	}
	return nil
}

// Dialer opens a session to a server.
type Dialer func(ctx context.Context, server Server) (*mcp.Client, error)

// Dial connects with the transport the server config names.
func Dial(_ context.Context, server Server) (*mcp.Client, error) {
	if server.URL != "" {
		return mcp.NewClientWithStreamableHTTP(server.URL, server.Options...)
	}
	return mcp.NewClientWithStdio(server.Command, server.Args, server.Env, server.Options...)
}

type session struct {
	client   *mcp.Client
	refs     int
	lastUsed time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithHealthCheckInterval sets how often idle sessions are pinged.
func WithHealthCheckInterval(interval time.Duration) Option {
	return func(p *Pool) {
		if interval > 0 {
			p.healthInterval = interval
		}
	}
}

// WithIdleTimeout sets how long an unused session is kept open.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		if timeout > 0 {
			p.idleTimeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDialer replaces the connection function.
func WithDialer(dial Dialer) Option {
	return func(p *Pool) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// Pool owns the MCP sessions of a process.
type Pool struct {
	mu       sync.Mutex
	servers  map[string]Server
	sessions map[string]*session
	closed   bool

	dial           Dialer
	logger         *slog.Logger
	healthInterval time.Duration
	idleTimeout    time.Duration

	cancel context.CancelFunc
	wg     conc.WaitGroup

	connects      atomic.Int64
	connectErrors atomic.Int64
	pingFailures  atomic.Int64
}

// New creates a pool and starts its maintenance loop.
func New(opts ...Option) *Pool {
	p := &Pool{
		servers:        make(map[string]Server),
		sessions:       make(map[string]*session),
		dial:           Dial,
		logger:         slog.Default(),
		healthInterval: 30 * time.Second,
		idleTimeout:    5 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Go(func() { p.maintain(ctx) })
	return p
}

// Register adds or replaces a server. Replacing closes its current session.
func (p *Pool) Register(server Server) error {
	if err := server.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.ShuttingDown("mcp pool")
	}
	p.servers[server.Name] = server
	p.dropLocked(server.Name)
	return nil
}

// Unregister removes a server and closes its session.
func (p *Pool) Unregister(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.servers, name)
	p.dropLocked(name)
}

// Servers returns registered server names, sorted.
func (p *Pool) Servers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.servers))
	for name := range p.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get borrows the session of a server, connecting on first use. Every
// successful Get must be paired with a Release.
func (p *Pool) Get(ctx context.Context, name string) (*mcp.Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.ShuttingDown("mcp pool")
	}
	server, ok := p.servers[name]
	if !ok {
		p.mu.Unlock()
		return nil, errors.Validation("mcp server %q is not registered", name)
	}
	if s, ok := p.sessions[name]; ok {
		s.refs++
		s.lastUsed = time.Now()
		p.mu.Unlock()
		return s.client, nil
	}
	p.mu.Unlock()

	client, err := p.dial(ctx, server)
	if err != nil {
		p.connectErrors.Add(1)
		p.logger.Warn("mcp.pool.connect_failed", slog.String("server", name), slog.String("error", err.Error()))
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = client.Close()
		return nil, errors.ShuttingDown("mcp pool")
	}
	// Another caller may have connected while the lock was released.
	if s, ok := p.sessions[name]; ok {
		_ = client.Close()
		s.refs++
		s.lastUsed = time.Now()
		return s.client, nil
	}
	p.connects.Add(1)
	p.sessions[name] = &session{client: client, refs: 1, lastUsed: time.Now()}
	p.logger.Info("mcp.pool.connected", slog.String("server", name))
	return client, nil
}

// Release returns a session borrowed with Get.
func (p *Pool) Release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[name]; ok && s.refs > 0 {
		s.refs--
		s.lastUsed = time.Now()
	}
}

// Discard closes the session of a server after a transport failure so the
// next Get reconnects. Borrowers holding the old client see its errors.
func (p *Pool) Discard(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropLocked(name)
}

// Stats reports pool counters.
type Stats struct {
	Servers       int
	Sessions      int
	InUse         int
	Connects      int64
	ConnectErrors int64
	PingFailures  int64
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	stats := Stats{Servers: len(p.servers), Sessions: len(p.sessions)}
	for _, s := range p.sessions {
		if s.refs > 0 {
			stats.InUse++
		}
	}
	p.mu.Unlock()
	stats.Connects = p.connects.Load()
	stats.ConnectErrors = p.connectErrors.Load()
	stats.PingFailures = p.pingFailures.Load()
	return stats
}

// Close stops maintenance and closes every session. Later calls are no-ops.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for name, s := range p.sessions {
		if err := s.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	p.sessions = make(map[string]*session)
	return stderrors.Join(errs...)
}

func (p *Pool) dropLocked(name string) {
	if s, ok := p.sessions[name]; ok {
		_ = s.client.Close()
		delete(p.sessions, name)
	}
}

func (p *Pool) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep closes idle sessions past the idle timeout and pings the others.
// Sessions in use are left alone.
func (p *Pool) sweep(ctx context.Context) {
	type probe struct {
		name   string
		client *mcp.Client
	}
	var probes []probe

	p.mu.Lock()
	now := time.Now()
	for name, s := range p.sessions {
		if s.refs > 0 {
			continue
		}
		if now.Sub(s.lastUsed) > p.idleTimeout {
			p.logger.Debug("mcp.pool.idle_closed", slog.String("server", name))
			p.dropLocked(name)
			continue
		}
		probes = append(probes, probe{name, s.client})
	}
	p.mu.Unlock()

	for _, pr := range probes {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := pr.client.Ping(pingCtx)
		cancel()
		if err == nil {
			continue
		}
		p.pingFailures.Add(1)
		p.logger.Warn("mcp.pool.ping_failed", slog.String("server", pr.name), slog.String("error", err.Error()))
		p.mu.Lock()
		if s, ok := p.sessions[pr.name]; ok && s.client == pr.client && s.refs == 0 {
			p.dropLocked(pr.name)
		}
		p.mu.Unlock()
	}
}
