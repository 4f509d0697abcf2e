// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package guardrails

import (
	"context"
	"fmt"
	"regexp"
)

// PIIType categorizes personal data.
type PIIType string

const (
	PIIEmail      PIIType = "email"
	PIIPhone      PIIType = "phone"
	PIISSN        PIIType = "ssn"
	PIICreditCard PIIType = "credit_card"
	PIIIPAddress  PIIType = "ip_address"
)

type piiPattern struct {
	piiType PIIType
	pattern *regexp.Regexp
	mask    string
}

// Order matters: card numbers and SSNs would otherwise be eaten as phones.
var piiPatterns = []piiPattern{
	{PIICreditCard, regexp.MustCompile(`\b[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}\b`), "[CREDIT_CARD]"},
	{PIICreditCard, regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13})\b`), "[CREDIT_CARD]"},
	{PIISSN, regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`), "[SSN]"},
	{PIIEmail, regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "[EMAIL]"},
	{PIIPhone, regexp.MustCompile(`\+?1?[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`), "[PHONE]"},
	{PIIPhone, regexp.MustCompile(`\+[0-9]{1,3}[-.\s]?[0-9]{6,14}\b`), "[PHONE]"},
	{PIIIPAddress, regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`), "[IP_ADDRESS]"},
}

// ParsePIIType validates a configured PII type name.
func ParsePIIType(s string) (PIIType, error) {
	for _, p := range piiPatterns {
		if string(p.piiType) == s {
			return p.piiType, nil
		}
	}
	return "", fmt.Errorf("unknown pii type %q", s)
}

// PIIFilter masks personal data with placeholders such as "[EMAIL]".
type PIIFilter struct {
	enabled map[PIIType]bool
}

// NewPIIFilter masks the given types, or every known type when none is given.
func NewPIIFilter(types ...PIIType) *PIIFilter {
	f := &PIIFilter{enabled: make(map[PIIType]bool)}
	if len(types) == 0 {
		for _, p := range piiPatterns {
			f.enabled[p.piiType] = true
		}
	}
	for _, t := range types {
		f.enabled[t] = true
	}
	return f
}

func (f *PIIFilter) ID() string { return "pii-filter" }

// Filter masks every enabled match.
func (f *PIIFilter) Filter(_ context.Context, text string) FilterResult {
	result := FilterResult{Content: text}
	for _, p := range piiPatterns {
		if !f.enabled[p.piiType] {
			continue
		}
		matches := p.pattern.FindAllStringIndex(result.Content, -1)
		// Reverse order keeps earlier offsets valid.
		for i := len(matches) - 1; i >= 0; i-- {
			m := matches[i]
			result.Content = result.Content[:m[0]] + p.mask + result.Content[m[1]:]
			result.Redactions = append(result.Redactions, Redaction{
				Type:        string(p.piiType),
				Replacement: p.mask,
				Position:    m[0],
			})
			result.Modified = true
		}
	}
	return result
}

// Check blocks text containing any enabled type.
func (f *PIIFilter) Check(_ context.Context, text string) CheckResult {
	for _, p := range piiPatterns {
		if f.enabled[p.piiType] && p.pattern.MatchString(text) {
			return CheckResult{
				Blocked:  true,
				Reason:   "personal data detected: " + string(p.piiType),
				Metadata: map[string]any{"pii_type": string(p.piiType)},
			}
		}
	}
	return CheckResult{}
}
