// SPDX-License-Identifier: Apache-2.0

package execution

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// LogStore archives execution log entries once an execution is terminal.
type LogStore interface {
	Record(ctx context.Context, entries ...LogEntry) error
	List(ctx context.Context, filter LogFilter) ([]LogEntry, error)
}

// LogFilter limits log queries. Zero fields match everything.
type LogFilter struct {
	ExecutionID string
	WorkflowID  string
	StepID      string
	Status      StepStatus
	Limit       int
}

func (f LogFilter) match(e LogEntry) bool {
	switch {
	case f.ExecutionID != "" && e.ExecutionID != f.ExecutionID:
		return false
	case f.WorkflowID != "" && e.WorkflowID != f.WorkflowID:
		return false
	case f.StepID != "" && e.StepID != f.StepID:
		return false
	case f.Status != "" && e.Status != f.Status:
		return false
	}
	return true
}

// MemoryLogStore keeps archived entries in memory.
type MemoryLogStore struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewMemoryLogStore returns an empty in-memory store.
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{}
}

// Record appends entries.
func (s *MemoryLogStore) Record(_ context.Context, entries ...LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

// List returns entries matching filter in insertion order.
func (s *MemoryLogStore) List(_ context.Context, filter LogFilter) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if !filter.match(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func encodeOutput(output map[string]any) (string, error) {
	if output == nil {
		return "", nil
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeOutput(raw string) (map[string]any, error) {
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
