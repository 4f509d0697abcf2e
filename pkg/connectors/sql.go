// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package connectors

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
	_ "modernc.org/sqlite"

	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/tools"
)

// DefaultRowLimit caps list results when the caller sets no limit.
const DefaultRowLimit = 100

// SQLTable describes an introspected table.
type SQLTable struct {
	Name       string
	Columns    []SQLColumn
	PrimaryKey []string
}

func (t *SQLTable) hasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

type SQLColumn struct {
	Name     string
	Type     string
	Nullable bool
}

// SQLConnector exposes the tables of a SQLite database as read-only tools:
// prefix+"list_"+table and prefix+"get_"+table.
type SQLConnector struct {
	db       *sql.DB
	owned    bool
	prefix   string
	only     map[string]bool
	maxLimit int
	tables   map[string]*SQLTable
}

// SQLOption configures a SQLConnector.
type SQLOption func(*SQLConnector)

// WithSQLPrefix is prepended to every tool name, e.g. "sales.".
func WithSQLPrefix(prefix string) SQLOption {
	return func(c *SQLConnector) { c.prefix = prefix }
}

// WithSQLTables limits the generated tools to the named tables.
func WithSQLTables(tables ...string) SQLOption {
	return func(c *SQLConnector) {
		if len(tables) == 0 {
			return
		}
		c.only = make(map[string]bool, len(tables))
		for _, t := range tables {
			c.only[t] = true
		}
	}
}

// WithSQLMaxLimit caps the rows a single list call may return.
func WithSQLMaxLimit(n int) SQLOption {
	return func(c *SQLConnector) {
		if n > 0 {
			c.maxLimit = n
		}
	}
}

// OpenSQLite opens the database at path read-only and introspects it.
// The connector owns the handle; Close releases it.
func OpenSQLite(ctx context.Context, path string, opts ...SQLOption) (*SQLConnector, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, errors.ExternalTool("sql", err).WithContext("path", path)
	}
	c, err := NewSQLConnector(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	c.owned = true
	return c, nil
}

// NewSQLConnector introspects an open SQLite handle. The caller keeps
// ownership of db.
func NewSQLConnector(ctx context.Context, db *sql.DB, opts ...SQLOption) (*SQLConnector, error) {
	c := &SQLConnector{
		db:       db,
		maxLimit: 1000,
		tables:   make(map[string]*SQLTable),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.introspect(ctx); err != nil {
		return nil, errors.ExternalTool("sql", err).WithContext("reason", "introspect")
	}
	for t := range c.only {
		if _, ok := c.tables[t]; !ok {
			return nil, errors.Validation("table %q not found", t)
		}
	}
	return c, nil
}

func (c *SQLConnector) introspect(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range names {
		table, err := c.tableInfo(ctx, name)
		if err != nil {
			return err
		}
		c.tables[name] = table
	}
	return nil
}

func (c *SQLConnector) tableInfo(ctx context.Context, name string) (*SQLTable, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT name, type, \"notnull\", pk FROM pragma_table_info(?)", name)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", name, err)
	}
	defer rows.Close()

	table := &SQLTable{Name: name}
	pk := map[int]string{}
	for rows.Next() {
		var col SQLColumn
		var notNull, pkPos int
		if err := rows.Scan(&col.Name, &col.Type, &notNull, &pkPos); err != nil {
			return nil, err
		}
		col.Nullable = notNull == 0
		table.Columns = append(table.Columns, col)
		if pkPos > 0 {
			pk[pkPos] = col.Name
		}
	}
	for i := 1; i <= len(pk); i++ {
		table.PrimaryKey = append(table.PrimaryKey, pk[i])
	}
	return table, rows.Err()
}

// Tables returns the selected tables sorted by name.
func (c *SQLConnector) Tables() []*SQLTable {
	out := make([]*SQLTable, 0, len(c.tables))
	for name, t := range c.tables {
		if c.only == nil || c.only[name] {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tools returns a list tool for every selected table and a get tool for
// those with a primary key.
func (c *SQLConnector) Tools() []tools.Tool {
	var out []tools.Tool
	for _, t := range c.Tables() {
		out = append(out, tools.Tool{
			Name:        c.prefix + "list_" + t.Name,
			Description: fmt.Sprintf("List rows of %s. Args: filters, order_by, order_desc, limit, offset", t.Name),
			Call:        c.listCall(t),
		})
		if len(t.PrimaryKey) > 0 {
			out = append(out, tools.Tool{
				Name:        c.prefix + "get_" + t.Name,
				Description: fmt.Sprintf("Get one row of %s by %s", t.Name, strings.Join(t.PrimaryKey, ", ")),
				Call:        c.getCall(t),
			})
		}
	}
	return out
}

func (c *SQLConnector) listCall(t *SQLTable) tools.Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		query, params, err := c.listQuery(t, args)
		if err != nil {
			return nil, err
		}
		rows, err := c.db.QueryContext(ctx, query, params...)
		if err != nil {
			return nil, errors.ExternalTool(c.prefix+"list_"+t.Name, err)
		}
		defer rows.Close()
		return rowsToMaps(rows)
	}
}

func (c *SQLConnector) listQuery(t *SQLTable, args map[string]any) (string, []any, error) {
	var b strings.Builder
	var params []any
	fmt.Fprintf(&b, "SELECT * FROM %s", quoteIdentifier(t.Name))

	if raw, ok := args["filters"]; ok && raw != nil {
		filters, err := cast.ToStringMapE(raw)
		if err != nil {
			return "", nil, errors.Validation("argument \"filters\" must be an object")
		}
		cols := make([]string, 0, len(filters))
		for col := range filters {
			if !t.hasColumn(col) {
				return "", nil, errors.Validation("unknown column %q in %s", col, t.Name)
			}
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for i, col := range cols {
			if i == 0 {
				b.WriteString(" WHERE ")
			} else {
				b.WriteString(" AND ")
			}
			fmt.Fprintf(&b, "%s = ?", quoteIdentifier(col))
			params = append(params, filters[col])
		}
	}

	if orderBy := cast.ToString(args["order_by"]); orderBy != "" {
		if !t.hasColumn(orderBy) {
			return "", nil, errors.Validation("unknown column %q in %s", orderBy, t.Name)
		}
		fmt.Fprintf(&b, " ORDER BY %s", quoteIdentifier(orderBy))
		if cast.ToBool(args["order_desc"]) {
			b.WriteString(" DESC")
		}
	}

	limit := DefaultRowLimit
	if v, ok := args["limit"]; ok {
		n, err := cast.ToIntE(v)
		if err != nil || n <= 0 {
			return "", nil, errors.Validation("argument \"limit\" must be a positive number")
		}
		limit = n
	}
	limit = min(limit, c.maxLimit)
	offset, err := cast.ToIntE(args["offset"])
	if err != nil || offset < 0 {
		return "", nil, errors.Validation("argument \"offset\" must be a non-negative number")
	}
	fmt.Fprintf(&b, " LIMIT %d OFFSET %d", limit, offset)
	return b.String(), params, nil
}

func (c *SQLConnector) getCall(t *SQLTable) tools.Func {
	name := c.prefix + "get_" + t.Name
	return func(ctx context.Context, args map[string]any) (any, error) {
		conds := make([]string, 0, len(t.PrimaryKey))
		params := make([]any, 0, len(t.PrimaryKey))
		for _, pk := range t.PrimaryKey {
			v, ok := args[pk]
			if !ok || v == nil {
				return nil, errors.Validation("missing argument %q", pk)
			}
			conds = append(conds, quoteIdentifier(pk)+" = ?")
			params = append(params, v)
		}
		query := fmt.Sprintf("SELECT * FROM %s WHERE %s LIMIT 1", quoteIdentifier(t.Name), strings.Join(conds, " AND "))

		rows, err := c.db.QueryContext(ctx, query, params...)
		if err != nil {
			return nil, errors.ExternalTool(name, err)
		}
		defer rows.Close()
		found, err := rowsToMaps(rows)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, errors.ExternalTool(name, fmt.Errorf("no %s row matches", t.Name)).WithRecoverable(false)
		}
		return found[0], nil
	}
}

// rowsToMaps scans every row into a column-keyed map. Text stored as
// bytes comes back as string.
func rowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Close releases the database when the connector opened it.
func (c *SQLConnector) Close() error {
	if c.owned {
		return c.db.Close()
	}
	return nil
}
