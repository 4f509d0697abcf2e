// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package testing provides utilities for testing kairosflow agents and
// workflows.
//
// This package includes:
//   - Scenario definitions for declarative workflow execution tests
//   - Scripted agent handlers and fake tool invokers
//   - Assertion helpers for execution snapshots
//   - Event collectors for verifying scheduler and engine behavior
//
// Example usage:
//
//	scenario := testing.NewScenario("shipment").
//	    ForWorkflow("track-shipment").
//	    WithInput(map[string]any{"tracking_number": "TN-1"}).
//	    ExpectStatus(execution.StatusCompleted).
//	    ExpectStepOrder("validate", "track", "notify")
//
//	result := scenario.Run(t, orch)
//	result.Assert(t, scenario)
package testing

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/execution"
)

// Scenario is a declarative workflow execution test.
type Scenario struct {
	name          string
	description   string
	workflowID    string
	input         map[string]any
	timeout       time.Duration
	context       context.Context
	events        *EventCollector
	setupFuncs    []func() error
	teardownFuncs []func() error
	expectations  []Expectation
}

// Expectation defines an expected outcome of a scenario.
type Expectation interface {
	// Check verifies the expectation against the result.
	Check(result *ScenarioResult) error
	// Description returns a human-readable description of the expectation.
	Description() string
}

// ScenarioResult contains the outcome of running a scenario.
type ScenarioResult struct {
	ExecutionID string
	Snapshot    execution.Snapshot
	// StartError is the error returned when starting the execution.
	StartError error
	Events     []core.Event
	Duration   time.Duration
}

// ExecutionRunner starts and awaits workflow executions.
type ExecutionRunner interface {
	StartExecution(ctx context.Context, workflowID string, input map[string]any) (string, error)
	WaitExecution(ctx context.Context, executionID string) (execution.Snapshot, error)
}

// NewScenario creates a new test scenario with the given name.
func NewScenario(name string) *Scenario {
	return &Scenario{
		name:    name,
		timeout: 10 * time.Second,
		context: context.Background(),
	}
}

// WithDescription adds a description to the scenario.
func (s *Scenario) WithDescription(desc string) *Scenario {
	s.description = desc
	return s
}

// ForWorkflow selects the workflow to execute.
func (s *Scenario) ForWorkflow(id string) *Scenario {
	s.workflowID = id
	return s
}

// WithInput sets the input context of the execution.
func (s *Scenario) WithInput(input map[string]any) *Scenario {
	s.input = input
	return s
}

// WithContext sets the context for the scenario.
func (s *Scenario) WithContext(ctx context.Context) *Scenario {
	s.context = ctx
	return s
}

// WithTimeout bounds how long the scenario waits for a terminal status.
func (s *Scenario) WithTimeout(d time.Duration) *Scenario {
	s.timeout = d
	return s
}

// WithEvents attaches a collector whose events are copied into the result.
func (s *Scenario) WithEvents(c *EventCollector) *Scenario {
	s.events = c
	return s
}

// WithSetup adds a setup function to run before the scenario.
func (s *Scenario) WithSetup(fn func() error) *Scenario {
	s.setupFuncs = append(s.setupFuncs, fn)
	return s
}

// WithTeardown adds a teardown function to run after the scenario.
func (s *Scenario) WithTeardown(fn func() error) *Scenario {
	s.teardownFuncs = append(s.teardownFuncs, fn)
	return s
}

// Expect adds an expectation to the scenario.
func (s *Scenario) Expect(exp Expectation) *Scenario {
	s.expectations = append(s.expectations, exp)
	return s
}

// ExpectStatus expects the execution to end with status.
func (s *Scenario) ExpectStatus(status execution.Status) *Scenario {
	return s.Expect(statusExpectation{status: status})
}

// ExpectStartError expects StartExecution to fail with a matching error.
func (s *Scenario) ExpectStartError(matcher StringMatcher) *Scenario {
	return s.Expect(startErrorExpectation{matcher: matcher})
}

// ExpectErrorCode expects the execution (or its start) to fail with code.
func (s *Scenario) ExpectErrorCode(code errors.ErrorCode) *Scenario {
	return s.Expect(errorCodeExpectation{code: code})
}

// ExpectStepOrder expects the completed steps, in log order, to be ids.
func (s *Scenario) ExpectStepOrder(ids ...string) *Scenario {
	return s.Expect(stepOrderExpectation{ids: ids})
}

// ExpectNotDispatched expects no task attempt for the step.
func (s *Scenario) ExpectNotDispatched(id string) *Scenario {
	return s.Expect(notDispatchedExpectation{id: id})
}

// ExpectAttempts expects exactly n logged attempts for the step.
func (s *Scenario) ExpectAttempts(id string, n int) *Scenario {
	return s.Expect(attemptsExpectation{id: id, n: n})
}

// ExpectContext expects the final context to hold key with value.
func (s *Scenario) ExpectContext(key string, value any) *Scenario {
	return s.Expect(contextExpectation{key: key, value: value})
}

// ExpectNoContextKey expects key to be absent from the final context.
func (s *Scenario) ExpectNoContextKey(key string) *Scenario {
	return s.Expect(contextExpectation{key: key, absent: true})
}

// ExpectEvent expects an event of the given type.
func (s *Scenario) ExpectEvent(eventType core.EventType) *Scenario {
	return s.Expect(eventExpectation{eventType: eventType})
}

// ExpectMaxDuration expects the scenario to complete within the given duration.
func (s *Scenario) ExpectMaxDuration(d time.Duration) *Scenario {
	return s.Expect(maxDurationExpectation{max: d})
}

// Run starts the execution and waits for it to finish.
func (s *Scenario) Run(t *testing.T, runner ExecutionRunner) *ScenarioResult {
	t.Helper()

	for _, setup := range s.setupFuncs {
		if err := setup(); err != nil {
			t.Fatalf("scenario %q setup failed: %v", s.name, err)
		}
	}
	defer func() {
		for _, teardown := range s.teardownFuncs {
			if err := teardown(); err != nil {
				t.Errorf("scenario %q teardown failed: %v", s.name, err)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(s.context, s.timeout)
	defer cancel()

	start := time.Now()
	result := &ScenarioResult{}
	id, err := runner.StartExecution(ctx, s.workflowID, s.input)
	if err != nil {
		result.StartError = err
	} else {
		result.ExecutionID = id
		snap, werr := runner.WaitExecution(ctx, id)
		if werr != nil {
			t.Fatalf("scenario %q: execution %s did not finish: %v", s.name, id, werr)
		}
		result.Snapshot = snap
	}
	result.Duration = time.Since(start)
	if s.events != nil {
		result.Events = s.events.Events()
	}
	return result
}

// Assert checks all expectations and reports failures to the test.
func (r *ScenarioResult) Assert(t *testing.T, scenario *Scenario) {
	t.Helper()
	for _, exp := range scenario.expectations {
		if err := exp.Check(r); err != nil {
			t.Errorf("expectation %q failed: %v", exp.Description(), err)
		}
	}
}

// CompletedSteps returns the step ids of completed attempts in log order.
func (r *ScenarioResult) CompletedSteps() []string {
	var out []string
	for _, e := range r.Snapshot.Log {
		if e.Status == execution.StepCompleted {
			out = append(out, e.StepID)
		}
	}
	return out
}

// Attempts returns the logged task attempts of one step.
func (r *ScenarioResult) Attempts(stepID string) []execution.LogEntry {
	var out []execution.LogEntry
	for _, e := range r.Snapshot.Log {
		if e.StepID == stepID && e.TaskID != "" {
			out = append(out, e)
		}
	}
	return out
}

// StringMatcher defines how to match strings in expectations.
type StringMatcher interface {
	Match(s string) bool
	Description() string
}

// Contains returns a matcher that checks if the string contains the substring.
func Contains(substr string) StringMatcher {
	return containsMatcher(substr)
}

// Equals returns a matcher that checks exact string equality.
func Equals(expected string) StringMatcher {
	return equalsMatcher(expected)
}

// Regex returns a matcher for a regular expression. It panics on an
// invalid pattern.
func Regex(pattern string) StringMatcher {
	return regexMatcher{re: regexp.MustCompile(pattern)}
}

type containsMatcher string

func (m containsMatcher) Match(s string) bool  { return strings.Contains(s, string(m)) }
func (m containsMatcher) Description() string { return fmt.Sprintf("contains %q", string(m)) }

type equalsMatcher string

func (m equalsMatcher) Match(s string) bool  { return s == string(m) }
func (m equalsMatcher) Description() string { return fmt.Sprintf("equals %q", string(m)) }

type regexMatcher struct{ re *regexp.Regexp }

func (m regexMatcher) Match(s string) bool  { return m.re.MatchString(s) }
func (m regexMatcher) Description() string { return fmt.Sprintf("matches regex %q", m.re.String()) }

type statusExpectation struct{ status execution.Status }

func (e statusExpectation) Check(r *ScenarioResult) error {
	if r.StartError != nil {
		return fmt.Errorf("execution did not start: %v", r.StartError)
	}
	if r.Snapshot.Status != e.status {
		return fmt.Errorf("status is %s (error %q)", r.Snapshot.Status, r.Snapshot.Error)
	}
	return nil
}

func (e statusExpectation) Description() string { return fmt.Sprintf("status %s", e.status) }

type startErrorExpectation struct{ matcher StringMatcher }

func (e startErrorExpectation) Check(r *ScenarioResult) error {
	if r.StartError == nil {
		return fmt.Errorf("expected start error matching %s, got nil", e.matcher.Description())
	}
	if !e.matcher.Match(r.StartError.Error()) {
		return fmt.Errorf("error %q does not match: %s", r.StartError.Error(), e.matcher.Description())
	}
	return nil
}

func (e startErrorExpectation) Description() string {
	return fmt.Sprintf("start error %s", e.matcher.Description())
}

type errorCodeExpectation struct{ code errors.ErrorCode }

func (e errorCodeExpectation) Check(r *ScenarioResult) error {
	got := r.Snapshot.ErrorCode
	if r.StartError != nil {
		got = string(errors.CodeOf(r.StartError))
	}
	if got != string(e.code) {
		return fmt.Errorf("error code is %q", got)
	}
	return nil
}

func (e errorCodeExpectation) Description() string { return fmt.Sprintf("error code %s", e.code) }

type stepOrderExpectation struct{ ids []string }

func (e stepOrderExpectation) Check(r *ScenarioResult) error {
	if got := r.CompletedSteps(); !slices.Equal(got, e.ids) {
		return fmt.Errorf("completed steps %v", got)
	}
	return nil
}

func (e stepOrderExpectation) Description() string {
	return fmt.Sprintf("completed steps %v", e.ids)
}

type notDispatchedExpectation struct{ id string }

func (e notDispatchedExpectation) Check(r *ScenarioResult) error {
	if n := len(r.Attempts(e.id)); n > 0 {
		return fmt.Errorf("step %q has %d attempts", e.id, n)
	}
	return nil
}

func (e notDispatchedExpectation) Description() string {
	return fmt.Sprintf("step %q not dispatched", e.id)
}

type attemptsExpectation struct {
	id string
	n  int
}

func (e attemptsExpectation) Check(r *ScenarioResult) error {
	if got := len(r.Attempts(e.id)); got != e.n {
		return fmt.Errorf("step %q has %d attempts", e.id, got)
	}
	return nil
}

func (e attemptsExpectation) Description() string {
	return fmt.Sprintf("step %q attempted %d times", e.id, e.n)
}

type contextExpectation struct {
	key    string
	value  any
	absent bool
}

func (e contextExpectation) Check(r *ScenarioResult) error {
	got, ok := r.Snapshot.Context[e.key]
	if e.absent {
		if ok {
			return fmt.Errorf("context holds %q = %v", e.key, got)
		}
		return nil
	}
	if !ok {
		return fmt.Errorf("context has no key %q", e.key)
	}
	if !reflect.DeepEqual(got, e.value) {
		return fmt.Errorf("context %q = %v, want %v", e.key, got, e.value)
	}
	return nil
}

func (e contextExpectation) Description() string {
	if e.absent {
		return fmt.Sprintf("context without %q", e.key)
	}
	return fmt.Sprintf("context %q = %v", e.key, e.value)
}

type eventExpectation struct{ eventType core.EventType }

func (e eventExpectation) Check(r *ScenarioResult) error {
	for _, ev := range r.Events {
		if ev.Type == e.eventType {
			return nil
		}
	}
	return fmt.Errorf("event type %q was not emitted", e.eventType)
}

func (e eventExpectation) Description() string {
	return fmt.Sprintf("event %q emitted", e.eventType)
}

type maxDurationExpectation struct{ max time.Duration }

func (e maxDurationExpectation) Check(r *ScenarioResult) error {
	if r.Duration > e.max {
		return fmt.Errorf("duration %v exceeds maximum %v", r.Duration, e.max)
	}
	return nil
}

func (e maxDurationExpectation) Description() string {
	return fmt.Sprintf("duration <= %v", e.max)
}

// EventCollector collects emitted events. It implements core.EventEmitter.
type EventCollector struct {
	mu     sync.RWMutex
	events []core.Event
}

// NewEventCollector creates a new event collector.
func NewEventCollector() *EventCollector {
	return &EventCollector{}
}

// Emit implements core.EventEmitter.
func (c *EventCollector) Emit(_ context.Context, event core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns all collected events.
func (c *EventCollector) Events() []core.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]core.Event(nil), c.events...)
}

// EventTypes returns the types of all collected events.
func (c *EventCollector) EventTypes() []core.EventType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]core.EventType, len(c.events))
	for i, ev := range c.events {
		types[i] = ev.Type
	}
	return types
}

// HasEvent checks if an event of the given type was collected.
func (c *EventCollector) HasEvent(eventType core.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ev := range c.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

// Count returns the number of collected events.
func (c *EventCollector) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Reset clears all collected events.
func (c *EventCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = c.events[:0]
}
