// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"time"

	"github.com/jllopis/kairosflow/pkg/core"
)

// item is one queued task attempt.
type item struct {
	task    *core.Task
	handle  *Handle
	seq     uint64
	readyAt time.Time // zero means dispatchable now; set for retries in backoff
	index   int
}

// taskQueue implements heap.Interface ordered by priority desc, then
// enqueue order asc.
type taskQueue []*item

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool { return before(q[i], q[j]) }

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func before(a, b *item) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	return a.seq < b.seq
}
