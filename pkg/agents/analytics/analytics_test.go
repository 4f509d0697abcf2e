// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/kairosflow/pkg/capability"
	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/memory"
	kftesting "github.com/jllopis/kairosflow/pkg/testing"
)

func handle(ctx context.Context, h *Handler, taskType string, payload map[string]any) (map[string]any, error) {
	return h.Handle(ctx, core.NewTask(taskType, capability.Knowledge, payload))
}

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{4, 1, 3, 2, 5})
	assert.Equal(t, 5, s.Count)
	assert.Equal(t, 15.0, s.Sum)
	assert.Equal(t, 3.0, s.Mean)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 5.0, s.Max)
	assert.Equal(t, 3.0, s.P50)
	assert.InDelta(t, 4.6, s.P90, 1e-9)
	assert.InDelta(t, 1.41421356, s.StdDev, 1e-6)

	assert.Equal(t, Stats{}, Summarize(nil))
	assert.Equal(t, 7.0, Summarize([]float64{7}).P95)
}

func TestSummarizeTask(t *testing.T) {
	h := NewHandler()
	out, err := handle(context.Background(), h, TaskSummarize, map[string]any{
		"values": []any{10, "20", 30.0, "n/a", nil},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, 20.0, out["mean"])
	assert.Equal(t, 2, out["skipped"])

	out, err = handle(context.Background(), h, TaskSummarize, map[string]any{
		"field":   "latency_ms",
		"records": []map[string]any{{"latency_ms": 100}, {"latency_ms": 300}, {"other": 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 200.0, out["mean"])
	assert.Equal(t, 1, out["skipped"])

	_, err = handle(context.Background(), h, TaskSummarize, map[string]any{"records": []any{}})
	assert.True(t, errors.IsCode(err, errors.CodeValidation), "field is required for records")
}

func TestAggregate(t *testing.T) {
	h := NewHandler()
	out, err := handle(context.Background(), h, TaskAggregate, map[string]any{
		"group_by": "carrier",
		"metrics":  []any{"cost", "days"},
		"records": []any{
			map[string]any{"carrier": "ups", "cost": 10, "days": 2},
			map[string]any{"carrier": "dhl", "cost": 30, "days": 4},
			map[string]any{"carrier": "ups", "cost": 20, "days": 3},
			map[string]any{"cost": 5},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, out["total_records"])

	groups := out["groups"].([]map[string]any)
	require.Len(t, groups, 3)
	assert.Equal(t, "dhl", groups[0]["key"])
	assert.Equal(t, "unknown", groups[1]["key"])
	ups := groups[2]
	assert.Equal(t, "ups", ups["key"])
	assert.Equal(t, 2, ups["count"])
	assert.Equal(t, map[string]any{"sum": 30.0, "avg": 15.0, "min": 10.0, "max": 20.0, "count": 2}, ups["cost"])
	assert.Equal(t, 0, groups[1]["days"].(map[string]any)["count"])
}

func TestAggregateFromSourceTool(t *testing.T) {
	inv := kftesting.NewFakeInvoker().On("warehouse.query", map[string]any{
		"records": []any{
			map[string]any{"region": "eu", "orders": 3},
			map[string]any{"region": "eu", "orders": 5},
		},
	}, nil)
	mem := memory.NewStore()
	ctx := core.WithMemory(core.WithTools(context.Background(), inv), mem)

	h := NewHandler(WithAllowedSources("warehouse.query"))
	out, err := handle(ctx, h, TaskAggregate, map[string]any{
		"source":      "warehouse.query",
		"source_args": map[string]any{"since": "2026-01-01"},
		"group_by":    "region",
		"metric":      "orders",
		"store_as":    "report/orders",
	})
	require.NoError(t, err)
	groups := out["groups"].([]map[string]any)
	require.Len(t, groups, 1)
	assert.Equal(t, 8.0, groups[0]["orders"].(map[string]any)["sum"])
	assert.Equal(t, map[string]any{"since": "2026-01-01"}, inv.CallsTo("warehouse.query")[0].Arguments)

	stored, ok, err := mem.Get(ctx, core.ScopeLongTerm, "report/orders")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, out, stored)

	_, err = handle(ctx, h, TaskAggregate, map[string]any{"source": "crm.export"})
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

func TestSummarizeFromMemory(t *testing.T) {
	mem := memory.NewStore()
	ctx := core.WithMemory(context.Background(), mem)
	require.NoError(t, mem.Put(ctx, core.ScopeLongTerm, "samples", []any{
		map[string]any{"v": 1}, map[string]any{"v": 3},
	}))

	out, err := handle(ctx, NewHandler(), TaskSummarize, map[string]any{"field": "v", "memory_key": "samples"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, out["mean"])

	_, err = handle(ctx, NewHandler(), TaskSummarize, map[string]any{"field": "v", "memory_key": "absent"})
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

func TestUnknownTaskType(t *testing.T) {
	_, err := handle(context.Background(), NewHandler(), "forecast", nil)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}
