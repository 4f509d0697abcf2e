// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package logistics is the shipment tracking agent variant. It queries
// carriers through a tracking tool, caches what it learns, flags delayed
// or failed shipments and notifies customers through a notification tool.
package logistics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/jllopis/kairosflow/pkg/agent"
	"github.com/jllopis/kairosflow/pkg/agents"
	"github.com/jllopis/kairosflow/pkg/capability"
	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
)

// AgentType is the type name the variant registers under.
const AgentType = "logistics"

// Task types.
const (
	TaskTrackShipment   = "track_shipment"
	TaskBatchTrack      = "batch_track"
	TaskCheckExceptions = "check_exceptions"
	TaskNotifyCustomer  = "notify_customer"
	TaskPredictDelivery = "predict_delivery"
)

// Default tool names.
const (
	DefaultTrackTool  = "carrier.track"
	DefaultNotifyTool = "notify.email"
)

// DefaultCapabilities apply when a descriptor declares none.
var DefaultCapabilities = capability.NewSet(capability.Perception, capability.ToolUse, capability.Communication)

// Status is the lifecycle state of a shipment as reported by a carrier.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInTransit      Status = "in_transit"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusException      Status = "exception"
	StatusReturned       Status = "returned"
	StatusCancelled      Status = "cancelled"
)

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusInTransit, StatusOutForDelivery, StatusDelivered,
		StatusException, StatusReturned, StatusCancelled:
		return true
	}
	return false
}

// TrackingEvent is one scan reported by the carrier.
type TrackingEvent struct {
	Status      string    `json:"status"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	Time        time.Time `json:"timestamp"`
}

// TrackingInfo is the state of a shipment. Zero times are unknown.
type TrackingInfo struct {
	TrackingNumber    string          `json:"tracking_number"`
	Carrier           string          `json:"carrier"`
	Status            Status          `json:"status"`
	CurrentLocation   string          `json:"current_location"`
	EstimatedDelivery time.Time       `json:"estimated_delivery"`
	ActualDelivery    time.Time       `json:"actual_delivery"`
	Events            []TrackingEvent `json:"tracking_events"`
	ExceptionInfo     string          `json:"exception_info"`
	LastUpdated       time.Time       `json:"last_updated"`
}

// Map renders the info as task output.
func (t TrackingInfo) Map() map[string]any {
	events := make([]map[string]any, 0, len(t.Events))
	for _, e := range t.Events {
		events = append(events, map[string]any{
			"status":      e.Status,
			"location":    e.Location,
			"description": e.Description,
			"timestamp":   formatTime(e.Time),
		})
	}
	return map[string]any{
		"tracking_number":    t.TrackingNumber,
		"carrier":            t.Carrier,
		"status":             string(t.Status),
		"current_location":   t.CurrentLocation,
		"estimated_delivery": formatTime(t.EstimatedDelivery),
		"actual_delivery":    formatTime(t.ActualDelivery),
		"tracking_events":    events,
		"exception_info":     t.ExceptionInfo,
		"last_updated":       formatTime(t.LastUpdated),
	}
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// Option configures a Handler.
type Option func(*Handler)

// WithTrackTool sets the tool queried for tracking information.
func WithTrackTool(name string) Option {
	return func(h *Handler) { h.trackTool = name }
}

// WithNotifyTool sets the tool used to reach customers.
func WithNotifyTool(name string) Option {
	return func(h *Handler) { h.notifyTool = name }
}

// WithCarriers replaces the supported carriers. The first one is the default.
func WithCarriers(carriers ...string) Option {
	return func(h *Handler) {
		if len(carriers) == 0 {
			return
		}
		h.carriers = make(map[string]bool, len(carriers))
		for _, c := range carriers {
			h.carriers[c] = true
		}
		h.defaultCarrier = carriers[0]
	}
}

// WithCacheTTL sets how long tracking results are served from cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(h *Handler) { h.cacheTTL = ttl }
}

// WithParallelism bounds concurrent carrier queries in batch tracking.
func WithParallelism(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.parallelism = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Handler implements the logistics task types. One Handler is shared by
// every agent of the type so they see the same tracking cache.
type Handler struct {
	*agents.Dispatcher

	trackTool      string
	notifyTool     string
	carriers       map[string]bool
	defaultCarrier string
	cacheTTL       time.Duration
	parallelism    int
	now            func() time.Time
	logger         *slog.Logger

	mu    sync.RWMutex
	cache map[string]TrackingInfo
}

// NewHandler creates a handler with the default carriers and tools.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		trackTool:   DefaultTrackTool,
		notifyTool:  DefaultNotifyTool,
		cacheTTL:    5 * time.Minute,
		parallelism: 8,
		now:         time.Now,
		logger:      slog.Default(),
		cache:       make(map[string]TrackingInfo),
	}
	WithCarriers("aftership", "fedex", "ups", "dhl", "usps")(h)
	for _, opt := range opts {
		opt(h)
	}
	h.Dispatcher = agents.NewDispatcher(AgentType).
		Register(TaskTrackShipment, h.trackShipment).
		Register(TaskBatchTrack, h.batchTrack).
		Register(TaskCheckExceptions, h.checkExceptions).
		Register(TaskNotifyCustomer, h.notifyCustomer).
		Register(TaskPredictDelivery, h.predictDelivery)
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

// Cached returns the cached info of a shipment, if any.
func (h *Handler) Cached(carrier, trackingNumber string) (TrackingInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	info, ok := h.cache[cacheKey(carrier, trackingNumber)]
	return info, ok
}

// Forget empties the tracking cache.
func (h *Handler) Forget() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.cache)
}

func cacheKey(carrier, number string) string {
	return carrier + "_" + number
}

func (h *Handler) trackShipment(ctx context.Context, p agents.Payload) (map[string]any, error) {
	info, source, err := h.track(ctx, p)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"tracking_info": info.Map(),
		"source":        source,
		"carrier":       info.Carrier,
	}
	if source == "api" && (info.Status == StatusDelivered || info.Status == StatusException) {
		if email := agents.Payload(p.Map("customer_info")).String("email"); email != "" {
			kind := "exception"
			if info.Status == StatusDelivered {
				kind = "delivery"
			}
			sent, err := h.notify(ctx, info, email, kind)
			if err != nil {
				h.logger.WarnContext(ctx, "logistics.notify.failed",
					slog.String("tracking_number", info.TrackingNumber),
					slog.String("error", err.Error()),
				)
				out["notification_error"] = err.Error()
			} else {
				out["notification"] = sent
			}
		}
	}
	return out, nil
}

// track returns the shipment state and whether it came from "cache" or "api".
func (h *Handler) track(ctx context.Context, p agents.Payload) (TrackingInfo, string, error) {
	number, err := p.Require("tracking_number")
	if err != nil {
		return TrackingInfo{}, "", err
	}
	carrier := p.StringOr("carrier", h.defaultCarrier)
	if !h.carriers[carrier] {
		return TrackingInfo{}, "", errors.Validation("unsupported carrier %q", carrier)
	}

	if !p.Bool("force_refresh") {
		if info, ok := h.Cached(carrier, number); ok && h.now().Sub(info.LastUpdated) < h.cacheTTL {
			return info, "cache", nil
		}
	}

	res, err := agents.Invoke(ctx, h.trackTool, map[string]any{
		"tracking_number": number,
		"carrier":         carrier,
	})
	if err != nil {
		return TrackingInfo{}, "", err
	}
	var info TrackingInfo
	if err := agents.Decode(res, &info); err != nil {
		return TrackingInfo{}, "", errors.ExternalTool(h.trackTool, err).
			WithContext("reason", "malformed tracking result").
			WithRecoverable(false)
	}
	if info.TrackingNumber == "" {
		info.TrackingNumber = number
	}
	if info.Carrier == "" {
		info.Carrier = carrier
	}
	if !info.Status.valid() {
		return TrackingInfo{}, "", errors.ExternalTool(h.trackTool, fmt.Errorf("unknown shipment status %q", info.Status)).
			WithRecoverable(false)
	}
	info.LastUpdated = h.now()

	h.mu.Lock()
	h.cache[cacheKey(carrier, number)] = info
	h.mu.Unlock()

	importance := 0.3
	if info.Status == StatusException {
		importance = 0.9
	}
	if err := agents.Remember(ctx, agents.Key("shipment", carrier, number), info.Map(), core.WithImportance(importance)); err != nil {
		h.logger.WarnContext(ctx, "logistics.memory.failed", slog.String("error", err.Error()))
	}
	_ = agents.Record(ctx, "shipment.tracked", map[string]any{
		"tracking_number": number,
		"carrier":         carrier,
		"status":          string(info.Status),
	}, importance)

	h.logger.InfoContext(ctx, "logistics.shipment.tracked",
		slog.String("tracking_number", number),
		slog.String("carrier", carrier),
		slog.String("status", string(info.Status)),
	)
	return info, "api", nil
}

func (h *Handler) batchTrack(ctx context.Context, p agents.Payload) (map[string]any, error) {
	requests, err := p.Records("tracking_requests")
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, errors.Validation("payload field %q is required", "tracking_requests")
	}

	results := make([]map[string]any, len(requests))
	wp := pool.New().WithMaxGoroutines(h.parallelism)
	for i, req := range requests {
		wp.Go(func() {
			rp := agents.Payload(req)
			entry := map[string]any{"tracking_number": rp.String("tracking_number")}
			info, source, err := h.track(ctx, rp)
			if err != nil {
				entry["success"] = false
				entry["error"] = err.Error()
			} else {
				entry["success"] = true
				entry["source"] = source
				entry["carrier"] = info.Carrier
				entry["tracking_info"] = info.Map()
			}
			results[i] = entry
		})
	}
	wp.Wait()
	if err := ctx.Err(); err != nil {
		return nil, errors.Cancellation("batch tracking", err)
	}

	succeeded := 0
	for _, r := range results {
		if r["success"] == true {
			succeeded++
		}
	}
	return map[string]any{
		"results":             results,
		"total_requests":      len(requests),
		"successful_requests": succeeded,
		"failed_requests":     len(requests) - succeeded,
	}, nil
}

func (h *Handler) checkExceptions(_ context.Context, p agents.Payload) (map[string]any, error) {
	hours, err := p.Float("time_range", 24)
	if err != nil {
		return nil, err
	}
	window := time.Duration(hours * float64(time.Hour))
	now := h.now()

	h.mu.RLock()
	infos := make([]TrackingInfo, 0, len(h.cache))
	for _, info := range h.cache {
		infos = append(infos, info)
	}
	h.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].TrackingNumber < infos[j].TrackingNumber })

	exceptions := []map[string]any{}
	for _, info := range infos {
		if now.Sub(info.LastUpdated) > window {
			continue
		}
		if info.Status == StatusException {
			exceptions = append(exceptions, map[string]any{
				"tracking_number": info.TrackingNumber,
				"carrier":         info.Carrier,
				"kind":            "exception",
				"exception_info":  info.ExceptionInfo,
				"last_updated":    formatTime(info.LastUpdated),
			})
		}
		if !info.EstimatedDelivery.IsZero() && now.After(info.EstimatedDelivery) && info.Status != StatusDelivered {
			exceptions = append(exceptions, map[string]any{
				"tracking_number":    info.TrackingNumber,
				"carrier":            info.Carrier,
				"kind":               "delay",
				"exception_info":     "shipment delayed",
				"estimated_delivery": formatTime(info.EstimatedDelivery),
				"delay_hours":        now.Sub(info.EstimatedDelivery).Hours(),
			})
		}
	}
	return map[string]any{
		"exceptions":       exceptions,
		"total_exceptions": len(exceptions),
		"check_time":       formatTime(now),
	}, nil
}

func (h *Handler) notifyCustomer(ctx context.Context, p agents.Payload) (map[string]any, error) {
	number, err := p.Require("tracking_number")
	if err != nil {
		return nil, err
	}
	email, err := p.Require("customer_email")
	if err != nil {
		return nil, err
	}
	info, err := h.lookup(ctx, number)
	if err != nil {
		return nil, err
	}
	return h.notify(ctx, info, email, p.StringOr("notification_type", "status_update"))
}

func (h *Handler) notify(ctx context.Context, info TrackingInfo, email, kind string) (map[string]any, error) {
	content := notificationContent(info, kind)
	if _, err := agents.Invoke(ctx, h.notifyTool, map[string]any{
		"to":                email,
		"subject":           "Shipment " + info.TrackingNumber,
		"body":              content,
		"tracking_number":   info.TrackingNumber,
		"notification_type": kind,
	}); err != nil {
		return nil, err
	}
	h.logger.InfoContext(ctx, "logistics.customer.notified",
		slog.String("tracking_number", info.TrackingNumber),
		slog.String("notification_type", kind),
	)
	return map[string]any{
		"notification_sent": true,
		"tracking_number":   info.TrackingNumber,
		"customer_email":    email,
		"notification_type": kind,
		"content":           content,
		"sent_at":           formatTime(h.now()),
	}, nil
}

func notificationContent(info TrackingInfo, kind string) string {
	switch kind {
	case "delivery":
		return fmt.Sprintf("Your package %s has been delivered.", info.TrackingNumber)
	case "exception":
		return fmt.Sprintf("Your package %s has a problem: %s", info.TrackingNumber, info.ExceptionInfo)
	case "status_update":
		return fmt.Sprintf("Your package %s is now %s.", info.TrackingNumber, info.Status)
	default:
		return fmt.Sprintf("Your package %s has an update.", info.TrackingNumber)
	}
}

// lookup prefers any cached entry for the number and tracks with the
// default carrier otherwise.
func (h *Handler) lookup(ctx context.Context, number string) (TrackingInfo, error) {
	h.mu.RLock()
	for _, info := range h.cache {
		if info.TrackingNumber == number {
			h.mu.RUnlock()
			return info, nil
		}
	}
	h.mu.RUnlock()
	info, _, err := h.track(ctx, agents.Payload{"tracking_number": number})
	return info, err
}

func (h *Handler) predictDelivery(ctx context.Context, p agents.Payload) (map[string]any, error) {
	number, err := p.Require("tracking_number")
	if err != nil {
		return nil, err
	}
	info, err := h.lookup(ctx, number)
	if err != nil {
		return nil, err
	}
	estimate, confidence, factors := predict(info, h.now())
	return map[string]any{
		"tracking_number":    number,
		"current_status":     string(info.Status),
		"predicted_delivery": formatTime(estimate),
		"confidence":         confidence,
		"factors":            factors,
	}, nil
}

func predict(info TrackingInfo, now time.Time) (time.Time, float64, []string) {
	switch info.Status {
	case StatusDelivered:
		at := info.ActualDelivery
		if at.IsZero() {
			at = info.LastUpdated
		}
		return at, 1.0, []string{"delivered"}
	case StatusOutForDelivery:
		return now.Add(8 * time.Hour), 0.9, []string{"out for delivery", "expected today"}
	case StatusInTransit:
		return now.Add(48 * time.Hour), 0.7, []string{"in transit", "historical transit time"}
	default:
		return now.Add(5 * 24 * time.Hour), 0.5, []string{"status unclear", "conservative estimate"}
	}
}
