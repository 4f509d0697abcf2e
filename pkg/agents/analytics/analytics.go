// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package analytics is the reporting agent variant. It aggregates records
// by a grouping field and summarizes numeric series. Records come from the
// task payload, from a data tool or from agent memory.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/jllopis/kairosflow/pkg/agent"
	"github.com/jllopis/kairosflow/pkg/agents"
	"github.com/jllopis/kairosflow/pkg/capability"
	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
)

// AgentType is the type name the variant registers under.
const AgentType = "analytics"

// Task types.
const (
	TaskAggregate = "aggregate"
	TaskSummarize = "summarize"
)

// DefaultCapabilities apply when a descriptor declares none.
var DefaultCapabilities = capability.NewSet(capability.Knowledge, capability.Memory, capability.ToolUse)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithAllowedSources restricts which tools may be named as a data source.
// Without it any tool is allowed.
func WithAllowedSources(tools ...string) Option {
	return func(h *Handler) {
		h.sources = make(map[string]bool, len(tools))
		for _, t := range tools {
			h.sources[t] = true
		}
	}
}

// Handler implements the analytics task types. It keeps no state.
type Handler struct {
	*agents.Dispatcher

	logger  *slog.Logger
	sources map[string]bool
}

// NewHandler creates a handler.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.Dispatcher = agents.NewDispatcher(AgentType).
		Register(TaskAggregate, h.aggregate).
		Register(TaskSummarize, h.summarize)
	return h
}

// Factory returns an agent factory whose agents share h.
func Factory(h *Handler, opts ...agent.Option) func(core.AgentDescriptor) (core.Agent, error) {
	return func(desc core.AgentDescriptor) (core.Agent, error) {
		a, err := agents.Build(desc, DefaultCapabilities, h, opts...)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

// records resolves the input records: payload "records", then the tool
// named by "source" called with "source_args", then the long-term memory
// entry named by "memory_key".
func (h *Handler) records(ctx context.Context, p agents.Payload) ([]map[string]any, error) {
	if _, ok := p["records"]; ok {
		return p.Records("records")
	}
	if source := p.String("source"); source != "" {
		if h.sources != nil && !h.sources[source] {
			return nil, errors.Validation("data source %q is not allowed", source)
		}
		res, err := agents.Invoke(ctx, source, p.Map("source_args"))
		if err != nil {
			return nil, err
		}
		if m, ok := res.(map[string]any); ok {
			res = m["records"]
		}
		recs, err := agents.ToRecords(res)
		if err != nil {
			return nil, errors.ExternalTool(source, err).WithRecoverable(false)
		}
		return recs, nil
	}
	if key := p.String("memory_key"); key != "" {
		v, ok, err := agents.Recall(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Validation("memory key %q not found", key)
		}
		return agents.ToRecords(v)
	}
	return nil, errors.Validation("one of records, source or memory_key is required")
}

// Stats describes a numeric series.
type Stats struct {
	Count  int
	Sum    float64
	Mean   float64
	Min    float64
	Max    float64
	StdDev float64
	P50    float64
	P90    float64
	P95    float64
}

// Summarize computes Stats over values. An empty series yields a zero Stats.
func Summarize(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	s := Stats{Count: len(sorted), Min: sorted[0], Max: sorted[len(sorted)-1]}
	for _, v := range sorted {
		s.Sum += v
	}
	s.Mean = s.Sum / float64(s.Count)
	var sq float64
	for _, v := range sorted {
		sq += (v - s.Mean) * (v - s.Mean)
	}
	s.StdDev = math.Sqrt(sq / float64(s.Count))
	s.P50 = percentile(sorted, 0.50)
	s.P90 = percentile(sorted, 0.90)
	s.P95 = percentile(sorted, 0.95)
	return s
}

// percentile interpolates linearly between closest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// Map renders the stats as task output.
func (s Stats) Map() map[string]any {
	return map[string]any{
		"count":  s.Count,
		"sum":    s.Sum,
		"mean":   s.Mean,
		"min":    s.Min,
		"max":    s.Max,
		"stddev": s.StdDev,
		"p50":    s.P50,
		"p90":    s.P90,
		"p95":    s.P95,
	}
}

func (h *Handler) summarize(ctx context.Context, p agents.Payload) (map[string]any, error) {
	var (
		values  []float64
		skipped int
	)
	if raw, ok := p["values"]; ok {
		items, err := agents.ToList(raw)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if v, ok := agents.Number(item); ok {
				values = append(values, v)
			} else {
				skipped++
			}
		}
	} else {
		field, err := p.Require("field")
		if err != nil {
			return nil, err
		}
		recs, err := h.records(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if v, ok := agents.Number(r[field]); ok {
				values = append(values, v)
			} else {
				skipped++
			}
		}
	}

	out := Summarize(values).Map()
	out["skipped"] = skipped
	if err := h.store(ctx, p, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *Handler) aggregate(ctx context.Context, p agents.Payload) (map[string]any, error) {
	recs, err := h.records(ctx, p)
	if err != nil {
		return nil, err
	}
	metrics, err := metricFields(p)
	if err != nil {
		return nil, err
	}
	groupBy := p.String("group_by")

	type bucket struct {
		count  int
		series map[string][]float64
	}
	buckets := map[string]*bucket{}
	for _, r := range recs {
		key := "all"
		if groupBy != "" {
			v, ok := r[groupBy]
			if !ok || v == nil {
				key = "unknown"
			} else {
				key = fmt.Sprint(v)
			}
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{series: map[string][]float64{}}
			buckets[key] = b
		}
		b.count++
		for _, m := range metrics {
			if v, ok := agents.Number(r[m]); ok {
				b.series[m] = append(b.series[m], v)
			}
		}
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	groups := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		b := buckets[k]
		g := map[string]any{"key": k, "count": b.count}
		for _, m := range metrics {
			s := Summarize(b.series[m])
			g[m] = map[string]any{"sum": s.Sum, "avg": s.Mean, "min": s.Min, "max": s.Max, "count": s.Count}
		}
		groups = append(groups, g)
	}

	out := map[string]any{
		"group_by":      groupBy,
		"metrics":       metrics,
		"groups":        groups,
		"total_records": len(recs),
	}
	if err := h.store(ctx, p, out); err != nil {
		return nil, err
	}
	h.logger.DebugContext(ctx, "analytics.aggregated",
		slog.Int("records", len(recs)),
		slog.Int("groups", len(groups)),
	)
	return out, nil
}

func metricFields(p agents.Payload) ([]string, error) {
	if raw, ok := p["metrics"]; ok && raw != nil {
		items, err := agents.ToList(raw)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s := fmt.Sprint(item); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	}
	if m := p.String("metric"); m != "" {
		return []string{m}, nil
	}
	return nil, nil
}

// store keeps the output in long-term memory under "store_as" when set.
func (h *Handler) store(ctx context.Context, p agents.Payload, out map[string]any) error {
	key := p.String("store_as")
	if key == "" {
		return nil
	}
	return agents.Remember(ctx, key, out)
}
