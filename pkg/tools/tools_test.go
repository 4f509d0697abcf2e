// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/governance"
	"github.com/jllopis/kairosflow/pkg/mcp/pool"
	"github.com/jllopis/kairosflow/pkg/memory"
	"github.com/jllopis/kairosflow/pkg/resilience"
)

func echo(_ context.Context, args map[string]any) (any, error) {
	return args, nil
}

func TestInvokeLocalTool(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc("echo", echo))

	out, err := r.Invoke(context.Background(), "echo", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)

	out, err = r.Invoke(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)
}

func TestInvokeChecksPolicy(t *testing.T) {
	policy, err := governance.NewPolicy([]governance.Rule{
		{ID: "marketing-email", Effect: governance.EffectAllow, AgentType: "marketing", Tool: "email.*"},
		{ID: "no-email", Effect: governance.EffectDeny, Tool: "email.*"},
	})
	require.NoError(t, err)

	var calls atomic.Int32
	r := NewRegistry(WithAuthorizer(policy))
	require.NoError(t, r.RegisterFunc("email.send", func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return "sent", nil
	}))

	marketing := core.WithAgent(context.Background(), core.AgentRef{ID: "mailer", Type: "marketing"})
	out, err := r.Invoke(marketing, "email.send", nil)
	require.NoError(t, err)
	assert.Equal(t, "sent", out)

	logistics := core.WithAgent(context.Background(), core.AgentRef{ID: "tracker", Type: "logistics"})
	_, err = r.Invoke(logistics, "email.send", nil)
	assert.True(t, errors.IsCode(err, errors.CodePolicyDenied))
	assert.False(t, errors.IsRecoverable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRegisterValidates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc("echo", echo))

	tests := []struct {
		name string
		tool Tool
	}{
		{"missing name", Tool{Call: echo}},
		{"missing func", Tool{Name: "x"}},
		{"duplicate", Tool{Name: "echo", Call: echo}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.IsCode(r.Register(tt.tool), errors.CodeValidation))
		})
	}
}

func TestInvokeErrors(t *testing.T) {
	cause := stderrors.New("carrier api returned 503")
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc("flaky", func(context.Context, map[string]any) (any, error) {
		return nil, cause
	}))
	require.NoError(t, r.RegisterFunc("strict", func(context.Context, map[string]any) (any, error) {
		return nil, errors.Validation("tracking number malformed")
	}))

	ctx := context.Background()

	_, err := r.Invoke(ctx, "missing", nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeExternalTool))
	assert.False(t, errors.IsRecoverable(err))

	_, err = r.Invoke(ctx, "flaky", nil)
	assert.True(t, errors.IsCode(err, errors.CodeExternalTool))
	assert.True(t, errors.IsRecoverable(err))
	assert.ErrorIs(t, err, cause)

	_, err = r.Invoke(ctx, "strict", nil)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

func TestInvokeTimeout(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Call: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	_, err := r.Invoke(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTimeout))
	assert.True(t, errors.IsRecoverable(err))
}

func TestBreakerOpensPerTool(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(WithBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour}))
	require.NoError(t, r.RegisterFunc("down", func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, stderrors.New("unreachable")
	}))
	require.NoError(t, r.RegisterFunc("echo", echo))

	ctx := context.Background()
	for range 2 {
		_, err := r.Invoke(ctx, "down", nil)
		require.Error(t, err)
	}
	_, err := r.Invoke(ctx, "down", nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeExternalTool))
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, int32(2), calls.Load())

	_, err = r.Invoke(ctx, "echo", nil)
	assert.NoError(t, err, "other tools keep their own breaker")

	states := map[string]resilience.CircuitBreakerState{}
	for _, info := range r.List() {
		states[info.Name] = info.Breaker
	}
	assert.Equal(t, resilience.StateOpen, states["down"])
	assert.Equal(t, resilience.StateClosed, states["echo"])

	r.ResetBreaker("down")
	_, _ = r.Invoke(ctx, "down", nil)
	assert.Equal(t, int32(3), calls.Load())
}

func TestConcurrentInvoke(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc("count", func(context.Context, map[string]any) (any, error) {
		return calls.Add(1), nil
	}))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Invoke(context.Background(), "count", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), calls.Load())
}

func TestListAndUnregister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{Name: "b", Description: "second", Call: echo}))
	require.NoError(t, r.RegisterFunc("a", echo))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, SourceLocal, list[1].Source)
	assert.Equal(t, "second", list[1].Description)

	r.Unregister("a")
	assert.False(t, r.Has("a"))
	assert.True(t, r.Has("b"))
}

func TestRegisterSource(t *testing.T) {
	r := NewRegistry()
	names, err := r.RegisterSource(SourceSQL,
		Tool{Name: "sql.list_orders", Call: echo},
		Tool{Name: "sql.get_orders", Call: echo},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"sql.list_orders", "sql.get_orders"}, names)
	for _, info := range r.List() {
		assert.Equal(t, SourceSQL, info.Source)
	}

	names, err = r.RegisterSource(SourceOpenAPI,
		Tool{Name: "carrier.rates", Call: echo},
		Tool{Name: "sql.list_orders", Call: echo},
	)
	require.Error(t, err)
	assert.Equal(t, []string{"carrier.rates"}, names)
}

func TestRegisterMCP(t *testing.T) {
	server := mcpserver.NewMCPServer("carriers", "1.0.0")
	server.AddTool(
		mcpgo.NewTool("status", mcpgo.WithDescription("Carrier status"), mcpgo.WithString("tracking_number", mcpgo.Required())),
		func(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			return mcpgo.NewToolResultText(`{"status":"delivered","tracking_number":"` + req.GetString("tracking_number", "") + `"}`), nil
		},
	)
	ts := mcpserver.NewTestStreamableHTTPServer(server)
	defer ts.Close()

	p := pool.New()
	defer p.Close()
	require.NoError(t, p.Register(pool.Server{Name: "carriers", URL: ts.URL}))

	r := NewRegistry()
	ctx := context.Background()
	names, err := r.RegisterMCP(ctx, p, "carriers", "carrier.")
	require.NoError(t, err)
	assert.Equal(t, []string{"carrier.status"}, names)
	assert.Equal(t, SourceMCP, r.List()[0].Source)

	out, err := r.Invoke(ctx, "carrier.status", map[string]any{"tracking_number": "1Z1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "delivered", "tracking_number": "1Z1"}, out)
	assert.Equal(t, 0, p.Stats().InUse)

	_, err = r.Invoke(ctx, "carrier.status", map[string]any{})
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

type wordEmbedder []string

func (w wordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, len(w)+1)
	for i, word := range w {
		vec[i] = float32(strings.Count(strings.ToLower(text), word))
	}
	vec[len(w)] = 0.1
	return vec, nil
}

func TestKnowledgeTools(t *testing.T) {
	ctx := context.Background()
	index := memory.NewSemanticIndex(memory.NewMemoryVectorStore(), wordEmbedder{"customs", "refund"}, "kb")
	require.NoError(t, index.Initialize(ctx))

	r := NewRegistry()
	require.NoError(t, r.RegisterKnowledge(index))

	_, err := r.Invoke(ctx, KnowledgeIndex, map[string]any{"key": "doc-1", "text": "Customs holds add two days", "lang": "en"})
	require.NoError(t, err)
	_, err = r.Invoke(ctx, KnowledgeIndex, map[string]any{"key": "doc-2", "text": "Refund within 14 days"})
	require.NoError(t, err)

	out, err := r.Invoke(ctx, KnowledgeSearch, map[string]any{"query": "stuck in customs", "limit": float64(3)})
	require.NoError(t, err)
	hits := out.([]map[string]any)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc-1", hits[0]["key"])
	assert.Equal(t, map[string]any{"lang": "en"}, hits[0]["payload"])

	_, err = r.Invoke(ctx, KnowledgeSearch, map[string]any{})
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}
