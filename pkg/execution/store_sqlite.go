// SPDX-License-Identifier: Apache-2.0

package execution

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLogStore archives log entries in SQLite.
type SQLiteLogStore struct {
	db *sql.DB
}

// NewSQLiteLogStore wraps db and ensures the schema exists.
func NewSQLiteLogStore(db *sql.DB) (*SQLiteLogStore, error) {
	if db == nil {
		return nil, stderrors.New("db is nil")
	}
	if err := ensureLogSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteLogStore{db: db}, nil
}

// OpenSQLiteLogStore opens (or creates) a SQLite database at path.
func OpenSQLiteLogStore(path string) (*SQLiteLogStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open execution log db: %w", err)
	}
	store, err := NewSQLiteLogStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *SQLiteLogStore) Close() error {
	return s.db.Close()
}

// Record stores entries in a single transaction.
func (s *SQLiteLogStore) Record(ctx context.Context, entries ...LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO execution_log (
			execution_id, workflow_id, step_id, task_id, attempt, agent_id, status,
			output_json, error_text, error_code, logged_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		output, err := encodeOutput(e.Output)
		if err != nil {
			return fmt.Errorf("encode output for step %s: %w", e.StepID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ExecutionID,
			e.WorkflowID,
			e.StepID,
			e.TaskID,
			e.Attempt,
			e.AgentID,
			string(e.Status),
			output,
			e.Error,
			e.ErrorCode,
			utc(e.Time),
			nullTime(e.StartedAt),
			nullTime(e.FinishedAt),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// List returns entries matching filter ordered by insertion.
func (s *SQLiteLogStore) List(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	query := `
		SELECT execution_id, workflow_id, step_id, task_id, attempt, agent_id, status,
			output_json, error_text, error_code, logged_at, started_at, finished_at
		FROM execution_log
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.ExecutionID != "" {
		addFilter("execution_id = ?", filter.ExecutionID)
	}
	if filter.WorkflowID != "" {
		addFilter("workflow_id = ?", filter.WorkflowID)
	}
	if filter.StepID != "" {
		addFilter("step_id = ?", filter.StepID)
	}
	if filter.Status != "" {
		addFilter("status = ?", string(filter.Status))
	}
	query += where + " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			e          LogEntry
			status     string
			outputJSON sql.NullString
			errText    sql.NullString
			errCode    sql.NullString
			logged     sql.NullTime
			started    sql.NullTime
			finished   sql.NullTime
		)
		if err := rows.Scan(
			&e.ExecutionID,
			&e.WorkflowID,
			&e.StepID,
			&e.TaskID,
			&e.Attempt,
			&e.AgentID,
			&status,
			&outputJSON,
			&errText,
			&errCode,
			&logged,
			&started,
			&finished,
		); err != nil {
			return nil, err
		}
		e.Status = StepStatus(status)
		e.Error = errText.String
		e.ErrorCode = errCode.String
		if out, err := decodeOutput(outputJSON.String); err == nil {
			e.Output = out
		}
		if logged.Valid {
			e.Time = logged.Time
		}
		if started.Valid {
			e.StartedAt = started.Time
		}
		if finished.Valid {
			e.FinishedAt = finished.Time
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func ensureLogSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			task_id TEXT,
			attempt INTEGER,
			agent_id TEXT,
			status TEXT NOT NULL,
			output_json TEXT,
			error_text TEXT,
			error_code TEXT,
			logged_at TIMESTAMP,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_execution_log_exec ON execution_log(execution_id);
		CREATE INDEX IF NOT EXISTS idx_execution_log_workflow ON execution_log(workflow_id);
		CREATE INDEX IF NOT EXISTS idx_execution_log_status ON execution_log(status);
	`)
	return err
}
