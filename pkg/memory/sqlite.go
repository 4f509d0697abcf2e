package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jllopis/kairosflow/pkg/core"
	"github.com/jllopis/kairosflow/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable core.Memory. Several agents can share one
// database; each store only sees rows of its own namespace. Values are
// stored as JSON, so numbers read back as float64.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
	opts      options
}

var _ core.Memory = (*SQLiteStore)(nil)

// NewSQLiteStore wraps db and ensures the schema exists.
func NewSQLiteStore(db *sql.DB, namespace string, opts ...Option) (*SQLiteStore, error) {
	if db == nil {
		return nil, stderrors.New("db is nil")
	}
	if err := ensureMemorySchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, namespace: namespace, opts: applyOptions(opts)}, nil
}

// OpenSQLiteStore opens (or creates) a SQLite database at path.
func OpenSQLiteStore(path, namespace string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	store, err := NewSQLiteStore(db, namespace, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get implements core.Memory.
func (s *SQLiteStore) Get(ctx context.Context, scope core.MemoryScope, key string) (any, bool, error) {
	var (
		row *sql.Row
		raw string
	)
	switch scope {
	case core.ScopeShortTerm:
		row = s.db.QueryRowContext(ctx, `
			SELECT value_json FROM memory_short_term
			WHERE namespace = ? AND key = ? ORDER BY id DESC LIMIT 1
		`, s.namespace, key)
	case core.ScopeLongTerm, core.ScopeSemantic:
		row = s.db.QueryRowContext(ctx, `
			SELECT value_json FROM memory_kv WHERE namespace = ? AND scope = ? AND key = ?
		`, s.namespace, string(scope), key)
	case core.ScopeEpisodic:
		events, err := s.episodes(ctx, key)
		if err != nil {
			return nil, false, err
		}
		return events, len(events) > 0, nil
	default:
		return nil, false, invalidScope(scope)
	}

	if err := row.Scan(&raw); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, storeError("read", scope, key, err)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, storeError("decode", scope, key, err)
	}
	return value, true, nil
}

// Put implements core.Memory.
func (s *SQLiteStore) Put(ctx context.Context, scope core.MemoryScope, key string, value any, opts ...core.PutOption) error {
	if key == "" {
		return errors.Validation("memory key is required")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return storeError("encode", scope, key, err)
	}
	importance := putOptions(opts).Importance
	now := time.Now().UTC()

	switch scope {
	case core.ScopeShortTerm:
		return s.putShortTerm(ctx, key, string(raw), importance, now)
	case core.ScopeLongTerm, core.ScopeSemantic:
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO memory_kv (namespace, scope, key, value_json, importance, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (namespace, scope, key) DO UPDATE SET
				value_json = excluded.value_json,
				importance = excluded.importance,
				updated_at = excluded.updated_at
		`, s.namespace, string(scope), key, string(raw), importance, now)
		if err != nil {
			return storeError("write", scope, key, err)
		}
		return nil
	case core.ScopeEpisodic:
		return errors.Validation("episodic memory is written with Append")
	default:
		return invalidScope(scope)
	}
}

func (s *SQLiteStore) putShortTerm(ctx context.Context, key, raw string, importance float64, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("write", core.ScopeShortTerm, key, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_short_term (namespace, key, value_json, importance, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, s.namespace, key, raw, importance, now); err != nil {
		return storeError("write", core.ScopeShortTerm, key, err)
	}
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_short_term WHERE namespace = ?`, s.namespace).Scan(&count); err != nil {
		return storeError("count", core.ScopeShortTerm, key, err)
	}
	if count > s.opts.shortTermLimit {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM memory_short_term WHERE namespace = ? AND id NOT IN (
				SELECT id FROM memory_short_term WHERE namespace = ? ORDER BY id DESC LIMIT ?
			)
		`, s.namespace, s.namespace, s.opts.shortTermLimit/2); err != nil {
			return storeError("truncate", core.ScopeShortTerm, key, err)
		}
	}
	return tx.Commit()
}

// Append implements core.Memory. When the log exceeds its limit the
// eviction policy decides which events survive.
func (s *SQLiteStore) Append(ctx context.Context, event core.EpisodicEvent) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return storeError("encode", core.ScopeEpisodic, event.Kind, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("write", core.ScopeEpisodic, event.Kind, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_episodic (namespace, kind, agent_id, execution_id, data_json, importance, event_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.namespace, event.Kind, event.AgentID, event.ExecutionID, string(data), event.Importance, event.Time); err != nil {
		return storeError("write", core.ScopeEpisodic, event.Kind, err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_episodic WHERE namespace = ?`, s.namespace).Scan(&count); err != nil {
		return storeError("count", core.ScopeEpisodic, event.Kind, err)
	}
	if count > s.opts.episodicLimit {
		if err := s.evict(ctx, tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) evict(ctx context.Context, tx *sql.Tx) error {
	ids, events, err := queryEpisodes(ctx, tx, `
		SELECT id, kind, agent_id, execution_id, data_json, importance, event_time
		FROM memory_episodic WHERE namespace = ? ORDER BY id
	`, s.namespace)
	if err != nil {
		return err
	}
	keep := make(map[int64]bool, s.opts.episodicLimit)
	for _, i := range s.opts.eviction(events, s.opts.episodicLimit) {
		keep[ids[i]] = true
	}
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM memory_episodic WHERE id = ?`)
	if err != nil {
		return storeError("evict", core.ScopeEpisodic, "", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if keep[id] {
			continue
		}
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return storeError("evict", core.ScopeEpisodic, "", err)
		}
	}
	return nil
}

// Episodes returns the episodic log of the namespace, oldest first.
func (s *SQLiteStore) Episodes(ctx context.Context) ([]core.EpisodicEvent, error) {
	return s.episodes(ctx, "")
}

func (s *SQLiteStore) episodes(ctx context.Context, kind string) ([]core.EpisodicEvent, error) {
	query := `
		SELECT id, kind, agent_id, execution_id, data_json, importance, event_time
		FROM memory_episodic WHERE namespace = ?`
	args := []any{s.namespace}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	_, events, err := queryEpisodes(ctx, s.db, query+` ORDER BY id`, args...)
	return events, err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEpisodes(ctx context.Context, q querier, query string, args ...any) ([]int64, []core.EpisodicEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, storeError("read", core.ScopeEpisodic, "", err)
	}
	defer rows.Close()

	var (
		ids    []int64
		events []core.EpisodicEvent
	)
	for rows.Next() {
		var (
			id          int64
			ev          core.EpisodicEvent
			agentID     sql.NullString
			executionID sql.NullString
			data        sql.NullString
			at          sql.NullTime
		)
		if err := rows.Scan(&id, &ev.Kind, &agentID, &executionID, &data, &ev.Importance, &at); err != nil {
			return nil, nil, storeError("read", core.ScopeEpisodic, "", err)
		}
		ev.AgentID = agentID.String
		ev.ExecutionID = executionID.String
		ev.Time = at.Time
		if data.Valid && data.String != "null" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, nil, storeError("decode", core.ScopeEpisodic, ev.Kind, err)
			}
		}
		ids = append(ids, id)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, storeError("read", core.ScopeEpisodic, "", err)
	}
	return ids, events, nil
}

func ensureMemorySchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_kv (
			namespace TEXT NOT NULL,
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			value_json TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (namespace, scope, key)
		);
		CREATE TABLE IF NOT EXISTS memory_short_term (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value_json TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memory_short_term_ns ON memory_short_term(namespace, key);
		CREATE TABLE IF NOT EXISTS memory_episodic (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			namespace TEXT NOT NULL,
			kind TEXT NOT NULL,
			agent_id TEXT,
			execution_id TEXT,
			data_json TEXT,
			importance REAL NOT NULL DEFAULT 0,
			event_time TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memory_episodic_ns ON memory_episodic(namespace, kind);
	`)
	return err
}

func storeError(op string, scope core.MemoryScope, key string, err error) error {
	return errors.New(errors.CodeMemoryError, fmt.Sprintf("memory %s failed", op), err).
		WithContext("scope", string(scope)).
		WithContext("key", key)
}
