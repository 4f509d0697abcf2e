// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package marketing is the email marketing agent variant: campaign
// creation from templates, per-recipient content, delivery through a send
// tool, audience segmentation and performance analysis.
package marketing

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cast"

	"github.com/jllopis/kairosflow/pkg/agent"
	"github.com/jllopis/kairosflow/pkg/agents"
	"github.com/jllopis/kairosflow/pkg/capability"
	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/guardrails"
)

// AgentType is the type name the variant registers under.
const AgentType = "marketing"

// Task types.
const (
	TaskCreateCampaign       = "create_campaign"
	TaskGenerateEmailContent = "generate_email_content"
	TaskSendCampaign         = "send_campaign"
	TaskSegmentAudience      = "segment_audience"
	TaskAnalyzePerformance   = "analyze_performance"
	TaskOptimizeCampaign     = "optimize_campaign"
	TaskABTest               = "ab_test"
)

// DefaultSendTool delivers one email.
const DefaultSendTool = "email.send"

// DefaultCapabilities apply when a descriptor declares none.
var DefaultCapabilities = capability.NewSet(capability.Planning, capability.ToolUse, capability.Communication, capability.Memory)

// Option configures a Handler.
type Option func(*Handler)

// WithSendTool sets the tool that delivers emails.
func WithSendTool(name string) Option {
	return func(h *Handler) { h.sendTool = name }
}

// WithContentTool sets a text generation tool used for campaigns that ask
// for AI personalization. Without one, templates are always used.
func WithContentTool(name string) Option {
	return func(h *Handler) { h.contentTool = name }
}

// WithStatsTool sets a tool that reports engagement counters for a
// campaign. It is queried before performance analysis.
func WithStatsTool(name string) Option {
	return func(h *Handler) { h.statsTool = name }
}

// WithTemplates adds templates, replacing defaults with the same ID.
func WithTemplates(templates ...Template) Option {
	return func(h *Handler) {
		for _, t := range templates {
			h.addTemplate(t)
		}
	}
}

// WithParallelism bounds concurrent sends.
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

// WithGuardrails screens generated content. Customer fields that fail the
// input checks keep the prompt from being sent; generated text that fails
// the output checks is replaced by the template.
func WithGuardrails(g *guardrails.Guardrails) Option {
	return func(h *Handler) { h.guard = g }
}

// Handler implements the marketing task types. Campaigns and metrics live
// in the handler so every agent of the type shares them.
type Handler struct {
	*agents.Dispatcher

	sendTool    string
	contentTool string
	statsTool   string
	parallelism int
	now         func() time.Time
	logger      *slog.Logger
	guard       *guardrails.Guardrails

	mu        sync.RWMutex
	templates map[string]Template
	order     []string
	campaigns map[string]*Campaign
	metrics   map[string]*Metrics
}

// NewHandler creates a handler loaded with DefaultTemplates.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		sendTool:    DefaultSendTool,
		parallelism: 8,
		now:         time.Now,
		logger:      slog.Default(),
		templates:   make(map[string]Template),
		campaigns:   make(map[string]*Campaign),
		metrics:     make(map[string]*Metrics),
	}
	for _, t := range DefaultTemplates() {
		h.addTemplate(t)
	}
	for _, opt := range opts {
		opt(h)
	}
	h.Dispatcher = agents.NewDispatcher(AgentType).
		Register(TaskCreateCampaign, h.createCampaign).
		Register(TaskGenerateEmailContent, h.generateEmailContent).
		Register(TaskSendCampaign, h.sendCampaign).
		Register(TaskSegmentAudience, h.segmentAudience).
		Register(TaskAnalyzePerformance, h.analyzePerformance).
		Register(TaskOptimizeCampaign, h.optimizeCampaign).
		Register(TaskABTest, h.abTest)
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

func (h *Handler) addTemplate(t Template) {
	if _, exists := h.templates[t.ID]; !exists {
		h.order = append(h.order, t.ID)
	}
	h.templates[t.ID] = t
}

// Campaign returns a copy of a campaign.
func (h *Handler) Campaign(id string) (Campaign, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.campaigns[id]
	if !ok {
		return Campaign{}, false
	}
	return *c, true
}

// Metrics returns a copy of the counters of a campaign.
func (h *Handler) Metrics(id string) (Metrics, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.metrics[id]
	if !ok {
		return Metrics{}, false
	}
	return *m, true
}

// selectTemplate honours an explicit template_id preference, then the
// first template of the campaign type, then the first template.
func (h *Handler) selectTemplate(ct CampaignType, prefs map[string]any) (Template, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if id := agents.Payload(prefs).String("template_id"); id != "" {
		if t, ok := h.templates[id]; ok {
			return t, true
		}
	}
	for _, id := range h.order {
		if h.templates[id].Type == ct {
			return h.templates[id], true
		}
	}
	if len(h.order) > 0 {
		return h.templates[h.order[0]], true
	}
	return Template{}, false
}

func (h *Handler) createCampaign(ctx context.Context, p agents.Payload) (map[string]any, error) {
	name, err := p.Require("name")
	if err != nil {
		return nil, err
	}
	typ, err := p.Require("type")
	if err != nil {
		return nil, err
	}
	ct := CampaignType(typ)
	if !ct.valid() {
		return nil, errors.Validation("unknown campaign type %q", typ)
	}
	tmpl, ok := h.selectTemplate(ct, p.Map("template_preferences"))
	if !ok {
		return nil, errors.Validation("no email template available")
	}

	now := h.now()
	c := &Campaign{
		ID:              "campaign-" + uuid.NewString(),
		Name:            name,
		Type:            ct,
		TargetAudience:  orEmpty(p.Map("target_audience")),
		TemplateID:      tmpl.ID,
		Schedule:        orEmpty(p.Map("schedule")),
		Personalization: orEmpty(p.Map("personalization")),
		ABTest:          p.Map("a_b_test"),
		Status:          "draft",
		CreatedAt:       now,
	}
	h.mu.Lock()
	h.campaigns[c.ID] = c
	h.metrics[c.ID] = &Metrics{CampaignID: c.ID, UpdatedAt: now}
	h.mu.Unlock()

	if err := agents.Remember(ctx, agents.Key("campaign", c.ID), c.Map()); err != nil {
		h.logger.WarnContext(ctx, "marketing.memory.failed", slog.String("error", err.Error()))
	}
	h.logger.InfoContext(ctx, "marketing.campaign.created",
		slog.String("campaign_id", c.ID),
		slog.String("campaign_type", string(ct)),
		slog.String("template_id", tmpl.ID),
	)
	return map[string]any{
		"campaign_id": c.ID,
		"campaign":    c.Map(),
		"template":    tmpl.Map(),
	}, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func (h *Handler) campaign(p agents.Payload) (Campaign, Template, error) {
	id, err := p.Require("campaign_id")
	if err != nil {
		return Campaign{}, Template{}, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.campaigns[id]
	if !ok {
		return Campaign{}, Template{}, errors.Validation("campaign %q not found", id)
	}
	t, ok := h.templates[c.TemplateID]
	if !ok {
		return Campaign{}, Template{}, errors.Validation("template %q not found", c.TemplateID)
	}
	return *c, t, nil
}

func (h *Handler) generateEmailContent(ctx context.Context, p agents.Payload) (map[string]any, error) {
	c, t, err := h.campaign(p)
	if err != nil {
		return nil, err
	}
	customer := orEmpty(p.Map("customer_data"))
	subject, content, personalized := h.render(ctx, c, t, customer)
	return map[string]any{
		"campaign_id":   c.ID,
		"subject":       subject,
		"content":       content,
		"personalized":  personalized,
		"customer_data": customer,
	}, nil
}

// render produces the email for one customer. Campaign personalization
// values fill placeholders the customer data leaves open. A failing
// content tool falls back to the template.
func (h *Handler) render(ctx context.Context, c Campaign, t Template, customer map[string]any) (string, string, bool) {
	vars := make(map[string]any, len(c.Personalization)+len(customer))
	for k, v := range c.Personalization {
		vars[k] = v
	}
	for k, v := range customer {
		vars[k] = v
	}
	subject, content := t.Render(vars)
	if !c.useAI() || h.contentTool == "" {
		return subject, content, false
	}

	if h.guard != nil {
		if r := h.guard.CheckInput(ctx, customerText(customer)); r.Blocked {
			h.guarded(ctx, c, "input", r)
			return subject, content, false
		}
	}

	res, err := agents.Invoke(ctx, h.contentTool, map[string]any{
		"prompt":        contentPrompt(c, t, customer),
		"campaign_type": string(c.Type),
		"subject":       subject,
		"content":       content,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "marketing.content.fallback",
			slog.String("campaign_id", c.ID),
			slog.String("error", err.Error()),
		)
		return subject, content, false
	}
	s, b, ok := parseGenerated(res)
	if !ok {
		return subject, content, false
	}
	if h.guard != nil {
		fs, r := h.guard.Screen(ctx, s)
		if r.Blocked {
			h.guarded(ctx, c, "output", r)
			return subject, content, false
		}
		fb, r := h.guard.Screen(ctx, b)
		if r.Blocked {
			h.guarded(ctx, c, "output", r)
			return subject, content, false
		}
		s, b = fs.Content, fb.Content
	}
	return s, b, true
}

func (h *Handler) guarded(ctx context.Context, c Campaign, stage string, r guardrails.CheckResult) {
	h.logger.WarnContext(ctx, "marketing.content.guarded",
		slog.String("campaign_id", c.ID),
		slog.String("stage", stage),
		slog.String("guardrail", r.GuardrailID),
		slog.String("reason", r.Reason),
	)
}

// customerText joins the customer values that end up in the prompt.
func customerText(customer map[string]any) string {
	keys := make([]string, 0, len(customer))
	for k := range customer {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, toString(customer[k]))
	}
	return strings.Join(parts, "\n")
}

func contentPrompt(c Campaign, t Template, customer map[string]any) string {
	keys := make([]string, 0, len(customer))
	for k := range customer {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("You write marketing emails. Produce a personalised email for a ")
	b.WriteString(string(c.Type))
	b.WriteString(" campaign. Reply with the subject on the first line and the body after it.\n\nCustomer:\n")
	for _, k := range keys {
		b.WriteString("- " + k + ": " + toString(customer[k]) + "\n")
	}
	b.WriteString("\nSubject template: " + t.Subject + "\nBody template:\n" + t.Content + "\n")
	return b.String()
}

// parseGenerated accepts {subject, content} objects or plain text whose
// first line is the subject.
func parseGenerated(res any) (string, string, bool) {
	if m, ok := res.(map[string]any); ok {
		if text, ok := m["text"]; ok {
			return parseGenerated(text)
		}
		s, b := toString(m["subject"]), toString(m["content"])
		return s, b, s != "" && b != ""
	}
	text := strings.TrimSpace(toString(res))
	subject, body, found := strings.Cut(text, "\n")
	if !found || strings.TrimSpace(body) == "" {
		return "", "", false
	}
	subject = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(subject), "Subject:"))
	return subject, strings.TrimSpace(body), subject != ""
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	return cast.ToString(v)
}

type delivery struct {
	delivered int
	bounced   int
}

// deliver sends the campaign to every recipient with bounded parallelism.
// Recipients without an email and failed sends count as bounced.
func (h *Handler) deliver(ctx context.Context, c Campaign, t Template, recipients []map[string]any, subjectOverride string) delivery {
	var (
		mu  sync.Mutex
		res delivery
	)
	wp := pool.New().WithMaxGoroutines(h.parallelism)
	for _, r := range recipients {
		wp.Go(func() {
			ok := h.sendOne(ctx, c, t, r, subjectOverride)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				res.delivered++
			} else {
				res.bounced++
			}
		})
	}
	wp.Wait()
	return res
}

func (h *Handler) sendOne(ctx context.Context, c Campaign, t Template, recipient map[string]any, subjectOverride string) bool {
	email := toString(recipient["email"])
	if email == "" {
		return false
	}
	subject, content, _ := h.render(ctx, c, t, recipient)
	if subjectOverride != "" {
		subject = fill(subjectOverride, recipient)
	}
	_, err := agents.Invoke(ctx, h.sendTool, map[string]any{
		"to":          email,
		"subject":     subject,
		"body":        content,
		"campaign_id": c.ID,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "marketing.send.failed",
			slog.String("campaign_id", c.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (h *Handler) sendCampaign(ctx context.Context, p agents.Payload) (map[string]any, error) {
	c, t, err := h.campaign(p)
	if err != nil {
		return nil, err
	}
	recipients, err := p.Records("recipients")
	if err != nil {
		return nil, err
	}
	res := h.deliver(ctx, c, t, recipients, "")
	if err := ctx.Err(); err != nil {
		return nil, errors.Cancellation("campaign delivery", err)
	}

	h.mu.Lock()
	m := h.metrics[c.ID]
	m.Sent += len(recipients)
	m.Delivered += res.delivered
	m.Bounced += res.bounced
	m.UpdatedAt = h.now()
	m.recompute()
	h.campaigns[c.ID].Status = "sent"
	snapshot := *m
	h.mu.Unlock()

	_ = agents.Record(ctx, "campaign.sent", map[string]any{
		"campaign_id": c.ID,
		"sent":        len(recipients),
		"delivered":   res.delivered,
		"bounced":     res.bounced,
	}, 0.6)
	h.logger.InfoContext(ctx, "marketing.campaign.sent",
		slog.String("campaign_id", c.ID),
		slog.Int("sent", len(recipients)),
		slog.Int("delivered", res.delivered),
		slog.Int("bounced", res.bounced),
	)
	return map[string]any{
		"campaign_id": c.ID,
		"sent_count":  len(recipients),
		"results":     map[string]any{"delivered": res.delivered, "bounced": res.bounced},
		"metrics":     snapshot.Map(),
	}, nil
}

func (h *Handler) segmentAudience(_ context.Context, p agents.Payload) (map[string]any, error) {
	customers, err := p.Records("customers")
	if err != nil {
		return nil, err
	}
	if len(customers) == 0 {
		return nil, errors.Validation("payload field %q is required", "customers")
	}

	counts := make(map[string]any, len(segments))
	details := make(map[string]any, len(segments))
	recommendations := map[string]any{}
	for _, seg := range segments {
		members := []map[string]any{}
		for _, customer := range customers {
			v, ok := agents.Number(customer[seg.field])
			if !ok {
				continue
			}
			if (seg.above && v > seg.limit) || (!seg.above && v < seg.limit) {
				members = append(members, customer)
			}
		}
		counts[seg.name] = len(members)
		details[seg.name] = members
		if len(members) > 0 {
			recommendations[seg.name] = seg.strategy
		}
	}
	return map[string]any{
		"segments":        counts,
		"segment_details": details,
		"recommendations": recommendations,
	}, nil
}

func (h *Handler) analyzePerformance(ctx context.Context, p agents.Payload) (map[string]any, error) {
	id, err := p.Require("campaign_id")
	if err != nil {
		return nil, err
	}
	days, err := p.Int("time_range", 7)
	if err != nil {
		return nil, err
	}
	if _, ok := h.Metrics(id); !ok {
		return nil, errors.Validation("no metrics for campaign %q", id)
	}

	if h.statsTool != "" {
		res, err := agents.Invoke(ctx, h.statsTool, map[string]any{"campaign_id": id, "time_range": days})
		if err != nil {
			return nil, err
		}
		var stats struct {
			Opened       int `json:"opened_count"`
			Clicked      int `json:"clicked_count"`
			Unsubscribed int `json:"unsubscribed_count"`
			Conversions  int `json:"conversions"`
		}
		if err := agents.Decode(res, &stats); err != nil {
			return nil, errors.ExternalTool(h.statsTool, err).WithRecoverable(false)
		}
		h.mu.Lock()
		m := h.metrics[id]
		m.Opened, m.Clicked, m.Unsubscribed, m.Conversions = stats.Opened, stats.Clicked, stats.Unsubscribed, stats.Conversions
		m.UpdatedAt = h.now()
		h.mu.Unlock()
	}

	h.mu.Lock()
	m := h.metrics[id]
	m.recompute()
	snapshot := *m
	h.mu.Unlock()

	return map[string]any{
		"campaign_id":     id,
		"time_range_days": days,
		"metrics":         snapshot.Map(),
		"analysis":        analyze(snapshot),
		"recommendations": recommend(snapshot),
	}, nil
}

func analyze(m Metrics) map[string]any {
	overall := "needs improvement"
	if m.OpenRate > 0.2 {
		overall = "good"
	}
	insights := []string{}
	switch {
	case m.OpenRate > 0.25:
		insights = append(insights, "open rate is excellent")
	case m.OpenRate < 0.15:
		insights = append(insights, "open rate is low, revisit subject lines")
	}
	switch {
	case m.ClickRate > 0.05:
		insights = append(insights, "click rate is healthy")
	case m.ClickRate < 0.02:
		insights = append(insights, "click rate is low, revisit content and calls to action")
	}
	return map[string]any{"overall_performance": overall, "key_insights": insights}
}

func recommend(m Metrics) []string {
	out := []string{}
	if m.OpenRate < 0.2 {
		out = append(out, "personalise subject lines", "test different send times")
	}
	if m.ClickRate < 0.03 {
		out = append(out, "improve layout and visual hierarchy", "use clearer calls to action")
	}
	if float64(m.Unsubscribed) > float64(m.Sent)*0.01 {
		out = append(out, "reduce sending frequency", "send more value-focused content")
	}
	return out
}

func (h *Handler) optimizeCampaign(_ context.Context, p agents.Payload) (map[string]any, error) {
	c, _, err := h.campaign(p)
	if err != nil {
		return nil, err
	}
	goals := []string{"open_rate", "click_rate"}
	if raw, ok := p["goals"]; ok && raw != nil {
		goals = cast.ToStringSlice(raw)
	}
	opts := map[string]any{
		"subject_line": []string{},
		"content":      []string{},
		"timing":       []string{},
		"targeting":    []string{},
	}
	for _, g := range goals {
		switch g {
		case "open_rate":
			opts["subject_line"] = []string{"make subject lines more compelling", "add urgency or scarcity", "personalise subject lines"}
			opts["timing"] = []string{"test morning and evening sends"}
		case "click_rate":
			opts["content"] = []string{"tighten layout and hierarchy", "make the call to action stand out", "add social proof"}
		case "conversion_rate":
			opts["targeting"] = []string{"focus on high value and frequent buyer segments"}
		}
	}
	var current any
	if m, ok := h.Metrics(c.ID); ok {
		current = m.Map()
	}
	return map[string]any{
		"campaign_id":         c.ID,
		"current_performance": current,
		"optimizations":       opts,
	}, nil
}

// abTest splits recipients in payload order by the first traffic share
// and sends each group its variant subject.
func (h *Handler) abTest(ctx context.Context, p agents.Payload) (map[string]any, error) {
	c, t, err := h.campaign(p)
	if err != nil {
		return nil, err
	}
	cfg := agents.Payload(p.Map("test_config"))
	variants, err := cfg.Records("variants")
	if err != nil {
		return nil, err
	}
	if len(variants) < 2 {
		return nil, errors.Validation("an A/B test needs at least two variants")
	}
	share := 0.5
	if split := cast.ToSlice(cfg["traffic_split"]); len(split) > 0 {
		v, ok := agents.Number(split[0])
		if !ok {
			return nil, errors.Validation("traffic split must be numeric")
		}
		share = v
	}
	if share < 0 || share > 1 {
		return nil, errors.Validation("traffic split must be within [0,1], got %v", share)
	}
	recipients, err := p.Records("recipients")
	if err != nil {
		return nil, err
	}

	cut := int(float64(len(recipients)) * share)
	groups := [][]map[string]any{recipients[:cut], recipients[cut:]}
	out := map[string]any{"campaign_id": c.ID, "test_config": map[string]any(cfg)}
	for i, name := range []string{"group_a", "group_b"} {
		res := h.deliver(ctx, c, t, groups[i], toString(variants[i]["subject"]))
		out[name] = map[string]any{
			"size":    len(groups[i]),
			"variant": variants[i],
			"results": map[string]any{"delivered": res.delivered, "bounced": res.bounced},
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Cancellation("A/B test", err)
	}
	return out, nil
}
