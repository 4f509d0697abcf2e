// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/execution"
)

// SnapshotAssertions chains checks over an execution snapshot. Failures are
// reported through testify and do not stop the test.
type SnapshotAssertions struct {
	t    *testing.T
	snap execution.Snapshot
}

// AssertSnapshot starts a chain of snapshot checks.
func AssertSnapshot(t *testing.T, snap execution.Snapshot) *SnapshotAssertions {
	return &SnapshotAssertions{t: t, snap: snap}
}

// HasStatus checks the overall status.
func (s *SnapshotAssertions) HasStatus(status execution.Status) *SnapshotAssertions {
	s.t.Helper()
	assert.Equal(s.t, status, s.snap.Status, "execution %s: %s", s.snap.ID, s.snap.Error)
	return s
}

// HasErrorCode checks the code of the error that ended the execution.
func (s *SnapshotAssertions) HasErrorCode(code errors.ErrorCode) *SnapshotAssertions {
	s.t.Helper()
	assert.Equal(s.t, string(code), s.snap.ErrorCode)
	return s
}

// StepIs checks the status of one step.
func (s *SnapshotAssertions) StepIs(id string, status execution.StepStatus) *SnapshotAssertions {
	s.t.Helper()
	assert.Equal(s.t, status, s.snap.Steps[id], "step %q", id)
	return s
}

// LogStatuses checks the sequence of log statuses recorded for one step.
func (s *SnapshotAssertions) LogStatuses(id string, want ...execution.StepStatus) *SnapshotAssertions {
	s.t.Helper()
	var got []execution.StepStatus
	for _, e := range s.snap.Log {
		if e.StepID == id {
			got = append(got, e.Status)
		}
	}
	assert.Equal(s.t, want, got, "log statuses of step %q", id)
	return s
}

// ContextKeys checks that the context holds exactly keys.
func (s *SnapshotAssertions) ContextKeys(keys ...string) *SnapshotAssertions {
	s.t.Helper()
	got := make([]string, 0, len(s.snap.Context))
	for k := range s.snap.Context {
		got = append(got, k)
	}
	assert.ElementsMatch(s.t, keys, got, "context keys")
	return s
}

// HasProgress checks the reported progress.
func (s *SnapshotAssertions) HasProgress(progress int) *SnapshotAssertions {
	s.t.Helper()
	assert.Equal(s.t, progress, s.snap.Progress)
	return s
}

// AssertTransitions checks that a task only moved along allowed edges:
// pending, running, then completed or failed, or to cancelled from any
// non-terminal status.
func AssertTransitions(t *testing.T, task *core.Task) bool {
	t.Helper()
	seq := task.Transitions()
	if len(seq) == 0 || seq[0] != core.TaskStatusPending {
		return assert.Fail(t, "task must start pending", "transitions %v", seq)
	}
	for i := 1; i < len(seq); i++ {
		from, to := seq[i-1], seq[i]
		ok := (from == core.TaskStatusPending && to == core.TaskStatusRunning) ||
			(from == core.TaskStatusRunning && (to == core.TaskStatusCompleted || to == core.TaskStatusFailed)) ||
			(to == core.TaskStatusCancelled && !from.Terminal())
		if !ok {
			return assert.Fail(t, "illegal task transition", "%s -> %s in %v", from, to, seq)
		}
	}
	return true
}

// FormatLog renders a log compactly for failure messages.
func FormatLog(entries []execution.LogEntry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s#%d:%s", e.StepID, e.Attempt, e.Status)
	}
	return strings.Join(parts, ", ")
}
