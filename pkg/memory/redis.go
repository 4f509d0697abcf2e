package memory

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
)

// RedisStore is a core.Memory shared across processes through Redis.
// Short-term entries and episodic events are Redis lists; long-term and
// semantic scopes are hashes. All keys live under kairosflow:memory:<namespace>.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	opts      options
}

var _ core.Memory = (*RedisStore)(nil)

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, namespace string, opts ...Option) *RedisStore {
	return &RedisStore{client: client, namespace: namespace, opts: applyOptions(opts)}
}

// OpenRedisStore connects to addr and verifies the connection.
func OpenRedisStore(ctx context.Context, addr, password string, db int, namespace string, opts ...Option) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.New(errors.CodeMemoryError, "connect to redis", err).WithContext("addr", addr)
	}
	return NewRedisStore(client, namespace, opts...), nil
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) key(part string) string {
	return fmt.Sprintf("kairosflow:memory:%s:%s", r.namespace, part)
}

// Get implements core.Memory.
func (r *RedisStore) Get(ctx context.Context, scope core.MemoryScope, key string) (any, bool, error) {
	switch scope {
	case core.ScopeShortTerm:
		entries, err := r.shortTerm(ctx)
		if err != nil {
			return nil, false, err
		}
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].Key == key {
				return entries[i].Value, true, nil
			}
		}
		return nil, false, nil
	case core.ScopeLongTerm, core.ScopeSemantic:
		raw, err := r.client.HGet(ctx, r.key(string(scope)), key).Result()
		if stderrors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, storeError("read", scope, key, err)
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, false, storeError("decode", scope, key, err)
		}
		return entry.Value, true, nil
	case core.ScopeEpisodic:
		events, err := r.Episodes(ctx)
		if err != nil {
			return nil, false, err
		}
		matched := episodesOfKind(events, key)
		return matched, len(matched) > 0, nil
	default:
		return nil, false, invalidScope(scope)
	}
}

// Put implements core.Memory.
func (r *RedisStore) Put(ctx context.Context, scope core.MemoryScope, key string, value any, opts ...core.PutOption) error {
	if key == "" {
		return errors.Validation("memory key is required")
	}
	raw, err := json.Marshal(Entry{Key: key, Value: value, Importance: putOptions(opts).Importance, Time: time.Now().UTC()})
	if err != nil {
		return storeError("encode", scope, key, err)
	}

	switch scope {
	case core.ScopeShortTerm:
		listKey := r.key(string(scope))
		n, err := r.client.RPush(ctx, listKey, raw).Result()
		if err != nil {
			return storeError("write", scope, key, err)
		}
		if n > int64(r.opts.shortTermLimit) {
			keep := int64(r.opts.shortTermLimit / 2)
			if err := r.client.LTrim(ctx, listKey, -keep, -1).Err(); err != nil {
				return storeError("truncate", scope, key, err)
			}
		}
		return nil
	case core.ScopeLongTerm, core.ScopeSemantic:
		if err := r.client.HSet(ctx, r.key(string(scope)), key, raw).Err(); err != nil {
			return storeError("write", scope, key, err)
		}
		return nil
	case core.ScopeEpisodic:
		return errors.Validation("episodic memory is written with Append")
	default:
		return invalidScope(scope)
	}
}

// Append implements core.Memory.
func (r *RedisStore) Append(ctx context.Context, event core.EpisodicEvent) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return storeError("encode", core.ScopeEpisodic, event.Kind, err)
	}
	listKey := r.key(string(core.ScopeEpisodic))
	n, err := r.client.RPush(ctx, listKey, raw).Result()
	if err != nil {
		return storeError("write", core.ScopeEpisodic, event.Kind, err)
	}
	if n <= int64(r.opts.episodicLimit) {
		return nil
	}

	events, err := r.Episodes(ctx)
	if err != nil {
		return err
	}
	kept := pick(events, r.opts.eviction(events, r.opts.episodicLimit))
	values := make([]any, 0, len(kept))
	for _, ev := range kept {
		b, err := json.Marshal(ev)
		if err != nil {
			return storeError("encode", core.ScopeEpisodic, ev.Kind, err)
		}
		values = append(values, b)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, listKey)
		if len(values) > 0 {
			pipe.RPush(ctx, listKey, values...)
		}
		return nil
	})
	if err != nil {
		return storeError("evict", core.ScopeEpisodic, "", err)
	}
	return nil
}

// Episodes returns the episodic log, oldest first.
func (r *RedisStore) Episodes(ctx context.Context) ([]core.EpisodicEvent, error) {
	raws, err := r.client.LRange(ctx, r.key(string(core.ScopeEpisodic)), 0, -1).Result()
	if err != nil {
		return nil, storeError("read", core.ScopeEpisodic, "", err)
	}
	events := make([]core.EpisodicEvent, 0, len(raws))
	for _, raw := range raws {
		var ev core.EpisodicEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, storeError("decode", core.ScopeEpisodic, "", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *RedisStore) shortTerm(ctx context.Context) ([]Entry, error) {
	raws, err := r.client.LRange(ctx, r.key(string(core.ScopeShortTerm)), 0, -1).Result()
	if err != nil {
		return nil, storeError("read", core.ScopeShortTerm, "", err)
	}
	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, storeError("decode", core.ScopeShortTerm, "", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Clear removes every key of the namespace.
func (r *RedisStore) Clear(ctx context.Context) error {
	keys := []string{
		r.key(string(core.ScopeShortTerm)),
		r.key(string(core.ScopeLongTerm)),
		r.key(string(core.ScopeSemantic)),
		r.key(string(core.ScopeEpisodic)),
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return storeError("clear", "", "", err)
	}
	return nil
}
