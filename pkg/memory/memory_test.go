package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
)

// exerciseScopes runs the behaviour every core.Memory backend shares.
func exerciseScopes(t *testing.T, mem core.Memory) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := mem.Get(ctx, core.ScopeLongTerm, "carrier")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mem.Put(ctx, core.ScopeLongTerm, "carrier", "ups", core.WithImportance(0.9)))
	require.NoError(t, mem.Put(ctx, core.ScopeLongTerm, "carrier", "dhl"))
	v, ok, err := mem.Get(ctx, core.ScopeLongTerm, "carrier")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dhl", v)

	require.NoError(t, mem.Put(ctx, core.ScopeSemantic, "carrier", "semantic-value"))
	v, _, err = mem.Get(ctx, core.ScopeSemantic, "carrier")
	require.NoError(t, err)
	assert.Equal(t, "semantic-value", v)

	require.NoError(t, mem.Put(ctx, core.ScopeShortTerm, "last_status", "in_transit"))
	require.NoError(t, mem.Put(ctx, core.ScopeShortTerm, "last_status", "delivered"))
	v, ok, err = mem.Get(ctx, core.ScopeShortTerm, "last_status")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "delivered", v)

	require.NoError(t, mem.Append(ctx, core.EpisodicEvent{Kind: "exception", Data: map[string]any{"code": "lost"}}))
	v, ok, err = mem.Get(ctx, core.ScopeEpisodic, "exception")
	require.NoError(t, err)
	require.True(t, ok)
	events := v.([]core.EpisodicEvent)
	require.Len(t, events, 1)
	assert.False(t, events[0].Time.IsZero(), "append stamps the event time")
	assert.Equal(t, "lost", events[0].Data["code"])

	err = mem.Put(ctx, core.ScopeEpisodic, "x", 1)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	err = mem.Put(ctx, core.MemoryScope("scratch"), "x", 1)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	_, _, err = mem.Get(ctx, core.MemoryScope("scratch"), "x")
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	assert.True(t, errors.IsCode(mem.Put(ctx, core.ScopeLongTerm, "", 1), errors.CodeValidation))
}

func TestStoreScopes(t *testing.T) {
	exerciseScopes(t, NewStore())
}

func TestStoreShortTermKeepsNewestHalf(t *testing.T) {
	ctx := context.Background()
	s := NewStore(WithShortTermLimit(10))
	for i := range 11 {
		require.NoError(t, s.Put(ctx, core.ScopeShortTerm, fmt.Sprintf("m%d", i), i))
	}
	entries := s.ShortTerm()
	require.Len(t, entries, 5)
	assert.Equal(t, "m6", entries[0].Key)
	assert.Equal(t, "m10", entries[4].Key)

	_, ok, err := s.Get(ctx, core.ScopeShortTerm, "m0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvictionPolicies(t *testing.T) {
	events := []core.EpisodicEvent{
		{Kind: "a", Importance: 0.9},
		{Kind: "b", Importance: 0.1},
		{Kind: "c", Importance: 0.5},
		{Kind: "d", Importance: 0.1},
	}
	assert.Equal(t, []int{2, 3}, KeepRecent(events, 2))
	assert.Equal(t, []int{0, 2}, KeepImportant(events, 2))
	assert.Equal(t, []int{0, 2, 3}, KeepImportant(events, 3))
	assert.Equal(t, []int{0, 1, 2, 3}, KeepImportant(events, 10))
}

func TestStoreEpisodicEviction(t *testing.T) {
	ctx := context.Background()
	s := NewStore(WithEpisodicLimit(2), WithEviction(KeepRecent))
	for _, kind := range []string{"first", "second", "third"} {
		require.NoError(t, s.Append(ctx, core.EpisodicEvent{Kind: kind}))
	}
	kinds := make([]string, 0, 2)
	for _, ev := range s.Episodes() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{"second", "third"}, kinds)

	s = NewStore(WithEpisodicLimit(2))
	require.NoError(t, s.Append(ctx, core.EpisodicEvent{Kind: "vip", Importance: 1}))
	require.NoError(t, s.Append(ctx, core.EpisodicEvent{Kind: "noise", Importance: 0}))
	require.NoError(t, s.Append(ctx, core.EpisodicEvent{Kind: "alert", Importance: 0.7}))
	kinds = kinds[:0]
	for _, ev := range s.Episodes() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{"vip", "alert"}, kinds)
}

func TestStoreKeys(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Put(ctx, core.ScopeLongTerm, "b", 1))
	require.NoError(t, s.Put(ctx, core.ScopeLongTerm, "a", 2))
	assert.Equal(t, []string{"a", "b"}, s.Keys(core.ScopeLongTerm))
	assert.Nil(t, s.Keys(core.ScopeShortTerm))
}

func openSQLite(t *testing.T, name, namespace string, opts ...Option) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore("file:"+name+"?mode=memory&cache=shared", namespace, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreScopes(t *testing.T) {
	exerciseScopes(t, openSQLite(t, "memory_scopes", "agent-1"))
}

func TestSQLiteStoreLimitsAndNamespaces(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t, "memory_limits", "tracker", WithShortTermLimit(4), WithEpisodicLimit(2))
	for i := range 5 {
		require.NoError(t, store.Put(ctx, core.ScopeShortTerm, fmt.Sprintf("m%d", i), i))
	}
	_, ok, err := store.Get(ctx, core.ScopeShortTerm, "m2")
	require.NoError(t, err)
	assert.False(t, ok)
	v, ok, err := store.Get(ctx, core.ScopeShortTerm, "m4")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(4), v)

	require.NoError(t, store.Append(ctx, core.EpisodicEvent{Kind: "vip", Importance: 1, AgentID: "tracker"}))
	require.NoError(t, store.Append(ctx, core.EpisodicEvent{Kind: "noise"}))
	require.NoError(t, store.Append(ctx, core.EpisodicEvent{Kind: "alert", Importance: 0.5, ExecutionID: "exec-1"}))
	events, err := store.Episodes(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "vip", events[0].Kind)
	assert.Equal(t, "tracker", events[0].AgentID)
	assert.Equal(t, "alert", events[1].Kind)
	assert.Equal(t, "exec-1", events[1].ExecutionID)

	other, err := NewSQLiteStore(store.db, "marketer")
	require.NoError(t, err)
	_, ok, err = other.Get(ctx, core.ScopeShortTerm, "m4")
	require.NoError(t, err)
	assert.False(t, ok, "namespaces are isolated")
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("Skipping Redis tests. Set REDIS_TEST_ADDR to run.")
	}
	ctx := context.Background()
	store, err := OpenRedisStore(ctx, addr, os.Getenv("REDIS_TEST_PASSWORD"), 0,
		"test-"+strings.ReplaceAll(time.Now().Format(time.RFC3339Nano), ":", ""), WithShortTermLimit(4))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Clear(ctx)
		_ = store.Close()
	})
	exerciseScopes(t, store)
}

// keywordEmbedder maps text onto keyword counts so similarity is predictable.
type keywordEmbedder struct{ words []string }

func (k keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, len(k.words)+1)
	lower := strings.ToLower(text)
	for i, w := range k.words {
		vec[i] = float32(strings.Count(lower, w))
	}
	vec[len(k.words)] = 0.1
	return vec, nil
}

func TestSemanticIndex(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryVectorStore()
	idx := NewSemanticIndex(store, keywordEmbedder{words: []string{"delay", "refund", "address"}}, "kb")
	require.NoError(t, idx.Initialize(ctx))
	require.NoError(t, idx.Initialize(ctx), "existing collection is accepted")

	require.NoError(t, idx.Index(ctx, "kb-1", "Shipment delay at the regional hub", map[string]any{"source": "faq"}))
	require.NoError(t, idx.Index(ctx, "kb-2", "Refund policy for damaged goods", nil))
	require.NoError(t, idx.Index(ctx, "kb-3", "How to change the delivery address", nil))
	require.NoError(t, idx.Index(ctx, "kb-1", "Delay notices are sent within one day", nil))

	results, err := idx.Search(ctx, "why is my parcel delayed", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "kb-1", results[0].Point.Payload["key"])
	assert.Equal(t, "Delay notices are sent within one day", results[0].Point.Payload["text"])
	assert.NotContains(t, results[0].Point.Payload, "source", "re-indexing replaces the point")

	loose := idx.WithThreshold(0)
	results, err = loose.Search(ctx, "refund for a delay", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
