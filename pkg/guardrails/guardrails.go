// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package guardrails screens text that crosses a trust boundary: customer
// supplied values on their way into a generation prompt, and generated
// content on its way to a recipient.
//
//	guard := guardrails.New(
//	    guardrails.WithInputChecker(guardrails.NewInjectionDetector()),
//	    guardrails.WithOutputChecker(guardrails.NewTermFilter(guardrails.DefaultSpamTerms...)),
//	    guardrails.WithOutputFilter(guardrails.NewPIIFilter(guardrails.PIICreditCard)),
//	)
//
//	if r := guard.CheckInput(ctx, customerText); r.Blocked {
//	    // use the template instead
//	}
//	body, r := guard.Screen(ctx, generated)
package guardrails

import (
	"context"
)

// CheckResult is the outcome of a guardrail check.
type CheckResult struct {
	Blocked     bool
	Reason      string
	GuardrailID string
	Metadata    map[string]any
}

// FilterResult is the outcome of output filtering.
type FilterResult struct {
	Content    string
	Modified   bool
	Redactions []Redaction
}

// Redaction describes a single masked span. The original text is never kept.
type Redaction struct {
	Type        string
	Replacement string
	Position    int
}

// Checker decides whether text may proceed.
type Checker interface {
	ID() string
	Check(ctx context.Context, text string) CheckResult
}

// Filter rewrites text, masking what must not leave the system.
type Filter interface {
	ID() string
	Filter(ctx context.Context, text string) FilterResult
}

// Guardrails runs checkers and filters in registration order. It is
// immutable after New and safe for concurrent use.
type Guardrails struct {
	inputs   []Checker
	outputs  []Checker
	filters  []Filter
	failOpen bool
}

// Option configures Guardrails.
type Option func(*Guardrails)

// New creates guardrails. Without options every check passes.
func New(opts ...Option) *Guardrails {
	g := &Guardrails{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithInputChecker adds a checker for untrusted input.
func WithInputChecker(c Checker) Option {
	return func(g *Guardrails) { g.inputs = append(g.inputs, c) }
}

// WithOutputChecker adds a checker for generated output.
func WithOutputChecker(c Checker) Option {
	return func(g *Guardrails) { g.outputs = append(g.outputs, c) }
}

// WithOutputFilter adds a filter for generated output.
func WithOutputFilter(f Filter) Option {
	return func(g *Guardrails) { g.filters = append(g.filters, f) }
}

// WithFailOpen lets text through when the context is done mid-check.
// The default blocks.
func WithFailOpen(failOpen bool) Option {
	return func(g *Guardrails) { g.failOpen = failOpen }
}

// Empty reports whether no checker or filter is installed.
func (g *Guardrails) Empty() bool {
	return len(g.inputs) == 0 && len(g.outputs) == 0 && len(g.filters) == 0
}

// CheckInput returns the first blocking input check.
func (g *Guardrails) CheckInput(ctx context.Context, text string) CheckResult {
	return g.check(ctx, g.inputs, text)
}

// CheckOutput returns the first blocking output check.
func (g *Guardrails) CheckOutput(ctx context.Context, text string) CheckResult {
	return g.check(ctx, g.outputs, text)
}

func (g *Guardrails) check(ctx context.Context, checkers []Checker, text string) CheckResult {
	for _, c := range checkers {
		if ctx.Err() != nil {
			if g.failOpen {
				return CheckResult{}
			}
			return CheckResult{Blocked: true, Reason: "guardrail check cancelled", GuardrailID: "system"}
		}
		if r := c.Check(ctx, text); r.Blocked {
			r.GuardrailID = c.ID()
			return r
		}
	}
	return CheckResult{}
}

// FilterOutput runs every filter, each on the previous one's output.
func (g *Guardrails) FilterOutput(ctx context.Context, text string) FilterResult {
	result := FilterResult{Content: text}
	for _, f := range g.filters {
		if ctx.Err() != nil {
			break
		}
		r := f.Filter(ctx, result.Content)
		if r.Modified {
			result.Content = r.Content
			result.Modified = true
			result.Redactions = append(result.Redactions, r.Redactions...)
		}
	}
	return result
}

// Screen checks generated text and, when it passes, filters it.
func (g *Guardrails) Screen(ctx context.Context, text string) (FilterResult, CheckResult) {
	if r := g.CheckOutput(ctx, text); r.Blocked {
		return FilterResult{Content: text}, r
	}
	return g.FilterOutput(ctx, text), CheckResult{}
}
