// Package memory provides stores behind the core.Memory seam: a scoped
// in-process store, durable SQLite and Redis stores, and a semantic index
// backed by a vector database.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
)

const (
	// DefaultShortTermLimit is the short-term entry count that triggers
	// truncation to the newest half.
	DefaultShortTermLimit = 100
	// DefaultEpisodicLimit bounds the episodic log of one store.
	DefaultEpisodicLimit = 1000
)

// Entry is one short-term record.
type Entry struct {
	Key        string    `json:"key"`
	Value      any       `json:"value"`
	Importance float64   `json:"importance"`
	Time       time.Time `json:"time"`
}

// EvictionPolicy picks which of events to keep when the log exceeds limit.
// It returns at most limit indexes into events, in ascending order.
type EvictionPolicy func(events []core.EpisodicEvent, limit int) []int

// KeepRecent keeps the newest events.
func KeepRecent(events []core.EpisodicEvent, limit int) []int {
	from := max(len(events)-limit, 0)
	keep := make([]int, 0, len(events)-from)
	for i := from; i < len(events); i++ {
		keep = append(keep, i)
	}
	return keep
}

// KeepImportant drops the least important events, oldest first on ties.
func KeepImportant(events []core.EpisodicEvent, limit int) []int {
	idx := make([]int, len(events))
	for i := range idx {
		idx[i] = i
	}
	if len(events) <= limit {
		return idx
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch ia, ib := events[a].Importance, events[b].Importance; {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		}
		return a - b
	})
	keep := slices.Clone(idx[len(events)-limit:])
	slices.Sort(keep)
	return keep
}

func pick(events []core.EpisodicEvent, keep []int) []core.EpisodicEvent {
	out := make([]core.EpisodicEvent, 0, len(keep))
	for _, i := range keep {
		out = append(out, events[i])
	}
	return out
}

// Option configures a store.
type Option func(*options)

type options struct {
	shortTermLimit int
	episodicLimit  int
	eviction       EvictionPolicy
}

func defaultOptions() options {
	return options{
		shortTermLimit: DefaultShortTermLimit,
		episodicLimit:  DefaultEpisodicLimit,
		eviction:       KeepImportant,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithShortTermLimit sets the short-term truncation threshold.
func WithShortTermLimit(n int) Option {
	return func(o *options) {
		if n > 1 {
			o.shortTermLimit = n
		}
	}
}

// WithEpisodicLimit bounds the episodic log.
func WithEpisodicLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.episodicLimit = n
		}
	}
}

// WithEviction sets the policy applied when the episodic log exceeds its limit.
func WithEviction(policy EvictionPolicy) Option {
	return func(o *options) {
		if policy != nil {
			o.eviction = policy
		}
	}
}

// Store is an in-process core.Memory. Short-term writes are kept as an
// ordered list; long-term and semantic scopes are key/value maps; episodic
// events are appended to a bounded log.
type Store struct {
	opts options

	mu        sync.RWMutex
	shortTerm []Entry
	longTerm  map[string]Entry
	semantic  map[string]Entry
	episodic  []core.EpisodicEvent
}

var _ core.Memory = (*Store)(nil)

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	return &Store{
		opts:     applyOptions(opts),
		longTerm: make(map[string]Entry),
		semantic: make(map[string]Entry),
	}
}

// Get implements core.Memory. Short-term reads return the newest value for
// key; episodic reads return every event whose kind is key.
func (s *Store) Get(_ context.Context, scope core.MemoryScope, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch scope {
	case core.ScopeShortTerm:
		for i := len(s.shortTerm) - 1; i >= 0; i-- {
			if s.shortTerm[i].Key == key {
				return s.shortTerm[i].Value, true, nil
			}
		}
		return nil, false, nil
	case core.ScopeLongTerm:
		e, ok := s.longTerm[key]
		return e.Value, ok, nil
	case core.ScopeSemantic:
		e, ok := s.semantic[key]
		return e.Value, ok, nil
	case core.ScopeEpisodic:
		events := episodesOfKind(s.episodic, key)
		return events, len(events) > 0, nil
	default:
		return nil, false, invalidScope(scope)
	}
}

// Put implements core.Memory.
func (s *Store) Put(_ context.Context, scope core.MemoryScope, key string, value any, opts ...core.PutOption) error {
	if key == "" {
		return errors.Validation("memory key is required")
	}
	entry := Entry{Key: key, Value: value, Importance: putOptions(opts).Importance, Time: time.Now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch scope {
	case core.ScopeShortTerm:
		s.shortTerm = append(s.shortTerm, entry)
		if len(s.shortTerm) > s.opts.shortTermLimit {
			s.shortTerm = slices.Clone(s.shortTerm[len(s.shortTerm)-s.opts.shortTermLimit/2:])
		}
	case core.ScopeLongTerm:
		s.longTerm[key] = entry
	case core.ScopeSemantic:
		s.semantic[key] = entry
	case core.ScopeEpisodic:
		return errors.Validation("episodic memory is written with Append")
	default:
		return invalidScope(scope)
	}
	return nil
}

// Append implements core.Memory. Events without a time are stamped now.
func (s *Store) Append(_ context.Context, event core.EpisodicEvent) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodic = append(s.episodic, event)
	if len(s.episodic) > s.opts.episodicLimit {
		s.episodic = pick(s.episodic, s.opts.eviction(s.episodic, s.opts.episodicLimit))
	}
	return nil
}

// ShortTerm returns the short-term entries, oldest first.
func (s *Store) ShortTerm() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.shortTerm)
}

// Episodes returns the episodic log, oldest first.
func (s *Store) Episodes() []core.EpisodicEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.episodic)
}

// Keys returns the sorted keys of a key/value scope.
func (s *Store) Keys(scope core.MemoryScope) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var m map[string]Entry
	switch scope {
	case core.ScopeLongTerm:
		m = s.longTerm
	case core.ScopeSemantic:
		m = s.semantic
	default:
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func episodesOfKind(events []core.EpisodicEvent, kind string) []core.EpisodicEvent {
	var out []core.EpisodicEvent
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func putOptions(opts []core.PutOption) core.PutOptions {
	var o core.PutOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func invalidScope(scope core.MemoryScope) error {
	return errors.Validation("unknown memory scope %q", scope)
}
