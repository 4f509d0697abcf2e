// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/kairosflow/pkg/core"
)

var logLevel slog.LevelVar

// ConfigureSlog installs a default logger that correlates records with the
// active span and execution. The level can be changed later with
// SetLogLevel.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	logLevel.Set(parseLogLevel(level))
	logger := slog.New(newSlogHandler(output, &logLevel, format))
	slog.SetDefault(logger)
	return logger
}

// SetLogLevel changes the level of loggers built by ConfigureSlog.
func SetLogLevel(level string) {
	logLevel.Set(parseLogLevel(level))
}

// ComponentLogger derives a logger tagged with the component name. A nil base
// uses slog.Default().
func ComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String(AttrComponent, component))
}

func newSlogHandler(output io.Writer, level slog.Leveler, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return &correlationHandler{inner: slog.NewJSONHandler(output, opts)}
	}
	return &correlationHandler{inner: slog.NewTextHandler(output, opts)}
}

// correlationHandler adds trace_id, span_id and execution_id from the
// context unless the record or the logger already carries them.
type correlationHandler struct {
	inner  slog.Handler
	preset map[string]bool
}

func (h *correlationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *correlationHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx != nil {
		present := recordKeys(record)
		for _, attr := range correlationAttrs(ctx) {
			if !present[attr.Key] && !h.preset[attr.Key] {
				record.AddAttrs(attr)
			}
		}
	}
	return h.inner.Handle(ctx, record)
}

func (h *correlationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	preset := make(map[string]bool, len(h.preset)+len(attrs))
	for k := range h.preset {
		preset[k] = true
	}
	for _, attr := range attrs {
		preset[attr.Key] = true
	}
	return &correlationHandler{inner: h.inner.WithAttrs(attrs), preset: preset}
}

func (h *correlationHandler) WithGroup(name string) slog.Handler {
	return &correlationHandler{inner: h.inner.WithGroup(name), preset: h.preset}
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id, ok := core.ExecutionID(ctx); ok && id != "" {
		attrs = append(attrs, slog.String("execution_id", id))
	}
	return attrs
}

func recordKeys(record slog.Record) map[string]bool {
	keys := make(map[string]bool, record.NumAttrs())
	record.Attrs(func(attr slog.Attr) bool {
		keys[attr.Key] = true
		return true
	})
	return keys
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
