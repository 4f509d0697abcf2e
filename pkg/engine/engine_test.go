// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/kairosflow/pkg/agent"
	"github.com/jllopis/kairosflow/pkg/capability"
	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/execution"
	"github.com/jllopis/kairosflow/pkg/registry"
	"github.com/jllopis/kairosflow/pkg/resilience"
	"github.com/jllopis/kairosflow/pkg/scheduler"
	kftesting "github.com/jllopis/kairosflow/pkg/testing"
	"github.com/jllopis/kairosflow/pkg/workflow"
)

type harness struct {
	reg   *registry.Registry
	sched *scheduler.Scheduler
	eng   *Engine
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	reg := registry.New(nil)
	cfg := scheduler.DefaultConfig()
	cfg.Backoff = resilience.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}
	cfg.RescanInterval = 10 * time.Millisecond
	sched := scheduler.New(cfg, reg)
	sched.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})
	return &harness{reg: reg, sched: sched, eng: New(sched, reg, opts...)}
}

func (h *harness) agent(t *testing.T, id string, c capability.Capability, handler agent.Handler) {
	t.Helper()
	a, err := agent.New(id, agent.WithType(id), agent.WithCapabilities(c), agent.WithHandler(handler))
	require.NoError(t, err)
	require.NoError(t, h.reg.Register(a))
}

func (h *harness) start(t *testing.T, wf workflow.Workflow, input map[string]any) *execution.Supervisor {
	t.Helper()
	g, err := workflow.Compile(wf)
	require.NoError(t, err)
	exec := execution.New("", wf.ID, g.StepIDs(), input)
	sup := execution.NewSupervisor(exec, h.eng.Runner(g))
	sup.Start(context.Background())
	return sup
}

func (h *harness) run(t *testing.T, wf workflow.Workflow, input map[string]any) execution.Snapshot {
	t.Helper()
	return wait(t, h.start(t, wf, input))
}

func wait(t *testing.T, sup *execution.Supervisor) execution.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := sup.Wait(ctx)
	require.NoError(t, err, "execution did not finish in time")
	return snap
}

func reply(out map[string]any) *kftesting.ScriptedHandler {
	return kftesting.NewScriptedHandler().WithDefault(out, nil)
}

func completedSteps(snap execution.Snapshot) []string {
	var out []string
	for _, e := range snap.Log {
		if e.Status == execution.StepCompleted {
			out = append(out, e.StepID)
		}
	}
	return out
}

func attempts(snap execution.Snapshot, step string) int {
	n := 0
	for _, e := range snap.Log {
		if e.StepID == step && e.TaskID != "" {
			n++
		}
	}
	return n
}

// sequential builds a -> b -> c over three capabilities.
func sequential() workflow.Workflow {
	return workflow.Workflow{
		ID:     "sequential",
		Inputs: []string{"order"},
		Steps: []workflow.Step{
			{ID: "a", Capability: capability.Perception, MaxRetries: 3,
				Input: map[string]string{"order": "order"}, Output: map[string]string{"ok": "a_ok"},
				Next: []workflow.Edge{{To: "b"}}},
			{ID: "b", Capability: capability.ToolUse, MaxRetries: 3,
				Input: map[string]string{"ok": "a_ok"}, Output: map[string]string{"ok": "b_ok"},
				Next: []workflow.Edge{{To: "c"}}},
			{ID: "c", Capability: capability.Communication, MaxRetries: 3,
				Output: map[string]string{"ok": "c_ok"}},
		},
	}
}

func TestSequentialStepsComplete(t *testing.T) {
	h := newHarness(t)
	hb := reply(map[string]any{"ok": true})
	h.agent(t, "perceiver", capability.Perception, reply(map[string]any{"ok": true}))
	h.agent(t, "tooler", capability.ToolUse, hb)
	h.agent(t, "notifier", capability.Communication, reply(map[string]any{"ok": true}))

	snap := h.run(t, sequential(), map[string]any{"order": "o-1"})

	kftesting.AssertSnapshot(t, snap).
		HasStatus(execution.StatusCompleted).
		HasProgress(100).
		ContextKeys("order", "a_ok", "b_ok", "c_ok")
	assert.Equal(t, []string{"a", "b", "c"}, completedSteps(snap))
	assert.Len(t, snap.Log, 3)
	require.Len(t, hb.Tasks(), 1)
	assert.Equal(t, map[string]any{"ok": true}, hb.Tasks()[0].Payload)
	kftesting.AssertTransitions(t, hb.Tasks()[0])
}

func TestRetryThenSuccess(t *testing.T) {
	h := newHarness(t)
	flaky := kftesting.NewScriptedHandler().
		AddError(errors.ExternalTool("carrier", stderrors.New("503"))).
		AddError(errors.ExternalTool("carrier", stderrors.New("503"))).
		WithDefault(map[string]any{"ok": true}, nil)
	h.agent(t, "perceiver", capability.Perception, reply(map[string]any{"ok": true}))
	h.agent(t, "tooler", capability.ToolUse, flaky)
	h.agent(t, "notifier", capability.Communication, reply(map[string]any{"ok": true}))

	snap := h.run(t, sequential(), map[string]any{"order": "o-1"})

	kftesting.AssertSnapshot(t, snap).
		HasStatus(execution.StatusCompleted).
		LogStatuses("b", execution.StepFailed, execution.StepFailed, execution.StepCompleted).
		LogStatuses("c", execution.StepCompleted)
	assert.Equal(t, []string{"a", "b", "c"}, completedSteps(snap))
	assert.LessOrEqual(t, attempts(snap, "b"), 3+1)
	for _, task := range flaky.Tasks() {
		kftesting.AssertTransitions(t, task)
	}
}

func TestTimeoutWithoutRetriesFailsExecution(t *testing.T) {
	h := newHarness(t)
	notifier := reply(map[string]any{"ok": true})
	h.agent(t, "perceiver", capability.Perception, reply(map[string]any{"ok": true}))
	h.agent(t, "tooler", capability.ToolUse, kftesting.NewScriptedHandler().
		WithHandleFunc(func(ctx context.Context, _ *core.Task) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	h.agent(t, "notifier", capability.Communication, notifier)

	wf := sequential()
	wf.Steps[1].MaxRetries = 0
	wf.Steps[1].Timeout = 30 * time.Millisecond

	snap := h.run(t, wf, map[string]any{"order": "o-1"})

	kftesting.AssertSnapshot(t, snap).
		HasStatus(execution.StatusFailed).
		HasErrorCode(errors.CodeTimeout).
		StepIs("b", execution.StepFailed).
		StepIs("c", execution.StepPending)
	assert.Equal(t, 1, attempts(snap, "b"))
	assert.Equal(t, 0, attempts(snap, "c"))
	assert.Zero(t, notifier.CallCount())
}

func TestConditionalEdgeOverridesDefault(t *testing.T) {
	h := newHarness(t)
	b := reply(map[string]any{"tracked": true})
	h.agent(t, "validator", capability.Perception, reply(map[string]any{"valid": false}))
	h.agent(t, "tracker", capability.ToolUse, b)
	h.agent(t, "escalator", capability.Communication, reply(map[string]any{"ticket": "T-9"}))

	wf := workflow.Workflow{
		ID: "shipment",
		Steps: []workflow.Step{
			{ID: "a", Capability: capability.Perception, Output: map[string]string{"valid": "is_valid"},
				Next: []workflow.Edge{{To: "d", When: "is_valid==false"}}, Default: "b"},
			{ID: "b", Capability: capability.ToolUse, Output: map[string]string{"tracked": "tracked"}},
			{ID: "d", Capability: capability.Communication, Output: map[string]string{"ticket": "ticket"}},
		},
	}
	snap := h.run(t, wf, nil)

	kftesting.AssertSnapshot(t, snap).
		HasStatus(execution.StatusCompleted).
		StepIs("b", execution.StepUnreachable).
		ContextKeys("is_valid", "ticket")
	assert.Equal(t, []string{"a", "d"}, completedSteps(snap))
	assert.Zero(t, b.CallCount())
}

func TestCapabilityMismatchFailsImmediately(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "perceiver", capability.Perception, reply(map[string]any{"ok": true}))

	wf := workflow.Workflow{
		ID: "unservable",
		Steps: []workflow.Step{
			{ID: "a", Capability: capability.Perception, Next: []workflow.Edge{{To: "b"}}},
			{ID: "b", Capability: capability.Memory, MaxRetries: 5},
		},
	}
	snap := h.run(t, wf, nil)

	kftesting.AssertSnapshot(t, snap).
		HasStatus(execution.StatusFailed).
		HasErrorCode(errors.CodeCapabilityMismatch).
		StepIs("b", execution.StepFailed)
	assert.Equal(t, 0, attempts(snap, "b"))
}

func TestOptionalFailureContinues(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "perceiver", capability.Perception, kftesting.NewScriptedHandler().
		WithDefault(nil, errors.Validation("bad address")))
	h.agent(t, "notifier", capability.Communication, reply(map[string]any{"sent": true}))

	wf := workflow.Workflow{
		ID: "optional",
		Steps: []workflow.Step{
			{ID: "enrich", Capability: capability.Perception, Optional: true, MaxRetries: 3,
				Output: map[string]string{"addr": "address"}, Next: []workflow.Edge{{To: "notify"}}},
			{ID: "notify", Capability: capability.Communication, Output: map[string]string{"sent": "sent"}},
		},
	}
	snap := h.run(t, wf, nil)

	kftesting.AssertSnapshot(t, snap).
		HasStatus(execution.StatusCompleted).
		StepIs("enrich", execution.StepFailed).
		StepIs("notify", execution.StepCompleted).
		ContextKeys("sent")
	// Validation errors are not retried.
	assert.Equal(t, 1, attempts(snap, "enrich"))
}

func TestGuardSkipsStepAndKeepsSuccessorsReachable(t *testing.T) {
	h := newHarness(t)
	planner := reply(map[string]any{"plan": "p"})
	h.agent(t, "planner", capability.Planning, planner)
	h.agent(t, "notifier", capability.Communication, reply(map[string]any{"sent": true}))

	wf := workflow.Workflow{
		ID:     "guarded",
		Inputs: []string{"segment"},
		Steps: []workflow.Step{
			{ID: "plan", Capability: capability.Planning, Conditions: map[string]any{"segment": "vip"},
				Output: map[string]string{"plan": "plan"}, Next: []workflow.Edge{{To: "send"}}},
			{ID: "send", Capability: capability.Communication, Output: map[string]string{"sent": "sent"}},
		},
	}
	snap := h.run(t, wf, map[string]any{"segment": "all"})

	kftesting.AssertSnapshot(t, snap).
		HasStatus(execution.StatusCompleted).
		StepIs("plan", execution.StepSkipped).
		StepIs("send", execution.StepCompleted).
		LogStatuses("plan", execution.StepSkipped).
		ContextKeys("segment", "sent")
	assert.Zero(t, planner.CallCount())
}

func TestFanOutAndJoin(t *testing.T) {
	h := newHarness(t)
	joiner := reply(map[string]any{"report": "r"})
	h.agent(t, "planner", capability.Planning, reply(map[string]any{"plan": "p"}))
	h.agent(t, "tooler", capability.ToolUse, reply(map[string]any{"tracking": "t"}))
	h.agent(t, "knower", capability.Knowledge, reply(map[string]any{"facts": "f"}))
	h.agent(t, "notifier", capability.Communication, joiner)

	wf := workflow.Workflow{
		ID: "diamond",
		Steps: []workflow.Step{
			{ID: "a", Capability: capability.Planning, Output: map[string]string{"plan": "plan"},
				Next: []workflow.Edge{{To: "b"}, {To: "c"}}},
			{ID: "b", Capability: capability.ToolUse, Output: map[string]string{"tracking": "tracking"},
				Next: []workflow.Edge{{To: "d"}}},
			{ID: "c", Capability: capability.Knowledge, Output: map[string]string{"facts": "facts"},
				Next: []workflow.Edge{{To: "d"}}},
			{ID: "d", Capability: capability.Communication,
				Input:  map[string]string{"tracking": "tracking", "facts": "facts"},
				Output: map[string]string{"report": "report"}},
		},
	}
	snap := h.run(t, wf, nil)

	kftesting.AssertSnapshot(t, snap).HasStatus(execution.StatusCompleted)
	steps := completedSteps(snap)
	require.Len(t, steps, 4)
	assert.Equal(t, "a", steps[0])
	assert.Equal(t, "d", steps[3])
	require.Len(t, joiner.Tasks(), 1)
	assert.Equal(t, map[string]any{"tracking": "t", "facts": "f"}, joiner.Tasks()[0].Payload)
}

func TestUnroutedBranchIsUnreachable(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "planner", capability.Planning, reply(map[string]any{}))
	h.agent(t, "tooler", capability.ToolUse, reply(map[string]any{}))
	h.agent(t, "notifier", capability.Communication, reply(map[string]any{}))

	wf := workflow.Workflow{
		ID:     "branch",
		Inputs: []string{"x"},
		Steps: []workflow.Step{
			{ID: "a", Capability: capability.Planning, Next: []workflow.Edge{{To: "b", When: "x==1"}}},
			{ID: "b", Capability: capability.ToolUse, Next: []workflow.Edge{{To: "c"}}},
			{ID: "c", Capability: capability.Communication},
		},
	}
	snap := h.run(t, wf, map[string]any{"x": 0})

	kftesting.AssertSnapshot(t, snap).
		HasStatus(execution.StatusCompleted).
		HasProgress(100).
		StepIs("b", execution.StepUnreachable).
		StepIs("c", execution.StepUnreachable)
}

func TestRequiredFailureCancelsInFlightSteps(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "planner", capability.Planning, reply(map[string]any{}))
	h.agent(t, "tooler", capability.ToolUse, kftesting.NewScriptedHandler().
		WithDefault(nil, errors.Validation("malformed tracking number")))
	h.agent(t, "knower", capability.Knowledge, kftesting.NewScriptedHandler().
		AddDelayed(5*time.Second, map[string]any{"facts": "late"}))

	wf := workflow.Workflow{
		ID: "abort",
		Steps: []workflow.Step{
			{ID: "a", Capability: capability.Planning, Next: []workflow.Edge{{To: "b"}, {To: "c"}}},
			{ID: "b", Capability: capability.ToolUse},
			{ID: "c", Capability: capability.Knowledge, Output: map[string]string{"facts": "facts"}},
		},
	}
	snap := h.run(t, wf, nil)

	kftesting.AssertSnapshot(t, snap).
		HasStatus(execution.StatusFailed).
		HasErrorCode(errors.CodeValidation).
		StepIs("b", execution.StepFailed).
		StepIs("c", execution.StepCancelled)
	assert.NotContains(t, snap.Context, "facts")
}

func TestCancelDiscardsInFlightResults(t *testing.T) {
	h := newHarness(t)
	running := make(chan struct{})
	h.agent(t, "tooler", capability.ToolUse, kftesting.NewScriptedHandler().
		WithHandleFunc(func(ctx context.Context, _ *core.Task) (map[string]any, error) {
			close(running)
			<-ctx.Done()
			return map[string]any{"status": "late"}, nil
		}))

	wf := workflow.Workflow{
		ID: "cancel",
		Steps: []workflow.Step{
			{ID: "track", Capability: capability.ToolUse, Output: map[string]string{"status": "status"}},
		},
	}
	sup := h.start(t, wf, nil)
	<-running
	require.True(t, sup.Cancel())
	snap := wait(t, sup)

	kftesting.AssertSnapshot(t, snap).
		HasStatus(execution.StatusCancelled).
		HasErrorCode(errors.CodeCancelled).
		StepIs("track", execution.StepCancelled)
	assert.NotContains(t, snap.Context, "status")

	before := len(snap.Log)
	assert.False(t, sup.Cancel())
	assert.Len(t, sup.GetStatus().Log, before)
}

// flakySubmitter rejects the first n submissions with QueueFull.
type flakySubmitter struct {
	next     Submitter
	rejected atomic.Int32
	n        int32
}

func (f *flakySubmitter) Submit(ctx context.Context, task *core.Task, opts ...scheduler.SubmitOption) (*scheduler.Handle, error) {
	if f.rejected.Add(1) <= f.n {
		return nil, errors.QueueFull(task.Capability.String(), 1)
	}
	return f.next.Submit(ctx, task, opts...)
}

func TestAdmissionRetry(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "tooler", capability.ToolUse, reply(map[string]any{"ok": true}))
	wf := workflow.Workflow{
		ID:    "admission",
		Steps: []workflow.Step{{ID: "track", Capability: capability.ToolUse}},
	}
	g, err := workflow.Compile(wf)
	require.NoError(t, err)

	runWith := func(eng *Engine) execution.Snapshot {
		exec := execution.New("", wf.ID, g.StepIDs(), nil)
		sup := execution.NewSupervisor(exec, eng.Runner(g))
		sup.Start(context.Background())
		return wait(t, sup)
	}

	noRetry := New(&flakySubmitter{next: h.sched, n: 1}, h.reg)
	kftesting.AssertSnapshot(t, runWith(noRetry)).
		HasStatus(execution.StatusFailed).
		HasErrorCode(errors.CodeQueueFull)

	retrying := New(&flakySubmitter{next: h.sched, n: 2}, h.reg, WithAdmissionRetry(resilience.RetryConfig{
		MaxAttempts: 3,
		Backoff:     resilience.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond},
	}))
	kftesting.AssertSnapshot(t, runWith(retrying)).HasStatus(execution.StatusCompleted)
}

func TestDrainMarksLateCompletionsCancelled(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "tooler", capability.ToolUse, reply(map[string]any{"status": "in_transit"}))

	wf := workflow.Workflow{
		ID:    "late",
		Steps: []workflow.Step{{ID: "track", Capability: capability.ToolUse, Output: map[string]string{"status": "status"}}},
	}
	g, err := workflow.Compile(wf)
	require.NoError(t, err)

	task := core.NewTask("track", capability.ToolUse, nil)
	task.StepID = "track"
	handle, err := h.sched.Submit(context.Background(), task)
	require.NoError(t, err)
	<-handle.Done()
	require.Equal(t, core.TaskStatusCompleted, handle.Task().Status())

	exec := execution.New("", wf.ID, g.StepIDs(), nil)
	r := newRun(h.eng, g, exec)
	r.setStatus("track", execution.StepRunning)
	_, span := h.eng.tracer.Start(context.Background(), "Engine.Step")
	r.inflight["track"] = inflight{handle: handle, span: span}
	go func() { r.results <- outcome{stepID: "track", handle: handle} }()
	r.drain()

	assert.Equal(t, execution.StepCancelled, exec.StepStatus("track"))
	assert.NotContains(t, exec.Context(), "status")
	assert.Empty(t, r.inflight)
}
