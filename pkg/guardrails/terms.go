// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package guardrails

import (
	"context"
	"regexp"
	"strings"
)

// DefaultSpamTerms are phrases that get marketing email filtered as spam.
var DefaultSpamTerms = []string{
	"100% free",
	"act now",
	"click here now",
	"guaranteed winner",
	"no credit check",
	"risk-free",
	"wire transfer",
}

// TermFilter blocks text containing any listed term, case-insensitively.
type TermFilter struct {
	terms []string
}

// NewTermFilter creates a filter for terms. Blank terms are ignored.
func NewTermFilter(terms ...string) *TermFilter {
	f := &TermFilter{}
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			f.terms = append(f.terms, t)
		}
	}
	return f
}

func (f *TermFilter) ID() string { return "term-filter" }

func (f *TermFilter) Check(_ context.Context, text string) CheckResult {
	normalized := strings.ToLower(text)
	for _, t := range f.terms {
		if strings.Contains(normalized, t) {
			return CheckResult{
				Blocked:  true,
				Reason:   "blocked term: " + t,
				Metadata: map[string]any{"term": t},
			}
		}
	}
	return CheckResult{}
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(ignore|disregard|forget|override)\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an)\s+`),
	regexp.MustCompile(`(?i)pretend\s+(you\s+are|to\s+be)\s+`),
	regexp.MustCompile(`(?i)(show|reveal|print)\s+(me\s+)?your\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)\b(jailbreak|developer\s+mode|do\s+anything\s+now)\b`),
	regexp.MustCompile(`(?i)(\[/?INST\]|<</?SYS>>|<\|.*\|>)`),
}

// InjectionDetector blocks text that tries to steer a generation model.
type InjectionDetector struct {
	patterns []*regexp.Regexp
}

// NewInjectionDetector uses the built-in patterns plus any extra ones.
func NewInjectionDetector(extra ...*regexp.Regexp) *InjectionDetector {
	return &InjectionDetector{patterns: append(append([]*regexp.Regexp{}, injectionPatterns...), extra...)}
}

func (d *InjectionDetector) ID() string { return "prompt-injection" }

func (d *InjectionDetector) Check(_ context.Context, text string) CheckResult {
	for _, p := range d.patterns {
		if p.MatchString(text) {
			return CheckResult{
				Blocked:  true,
				Reason:   "possible prompt injection",
				Metadata: map[string]any{"pattern": p.String()},
			}
		}
	}
	return CheckResult{}
}
