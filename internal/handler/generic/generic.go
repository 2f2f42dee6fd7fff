// Package generic provides a schema-introspecting handler.Handler that
// works against any table matching a simple convention (an "id" primary
// key, an integer "version" column, plus arbitrary scope columns). It is
// grounded directly on the column-introspection and alphabetical-insert
// idioms in the teacher's internal/sync/events.go (getTableColumns via
// PRAGMA table_info, buildInsert, validColumnName) — the one place in
// Syncular where that reflective approach is kept deliberately, because a
// schema-flexible fallback handler is exactly the case spec §9's "runtime
// reflection on rows" note does not rule out; hand-written handlers for a
// host's actual tables should still prefer explicit ExtractScopes functions
// and their own row marshalling over this one.
package generic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/syncular/syncular/internal/handler"
)

var validIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ResolveScopesFunc computes the scope dimensions an actor may see for the
// handler's table; it is necessarily application-specific, so the host
// supplies it rather than Generic inferring it from schema.
type ResolveScopesFunc func(ctx context.Context, tx *sql.Tx, actor handler.Actor) (map[string][]string, error)

// Handler is a reflective, convention-based handler.Handler.
type Handler struct {
	table       string
	scopeCols   []string
	readOnly    bool
	resolveFunc ResolveScopesFunc
}

// New builds a Handler for table, tagging emitted changes with the given
// scope columns (each must already exist on the table).
func New(table string, scopeCols []string, resolve ResolveScopesFunc) (*Handler, error) {
	if !validIdent.MatchString(table) {
		return nil, fmt.Errorf("generic: invalid table name %q", table)
	}
	for _, c := range scopeCols {
		if !validIdent.MatchString(c) {
			return nil, fmt.Errorf("generic: invalid scope column %q", c)
		}
	}
	return &Handler{table: table, scopeCols: scopeCols, resolveFunc: resolve}, nil
}

// ReadOnlyHandler marks the handler's writes as always rejected.
func (h *Handler) ReadOnlyHandler() *Handler {
	h.readOnly = true
	return h
}

func (h *Handler) Table() string    { return h.table }
func (h *Handler) ReadOnly() bool   { return h.readOnly }

func (h *Handler) ResolveScopes(ctx context.Context, tx *sql.Tx, actor handler.Actor) (map[string][]string, error) {
	if h.resolveFunc == nil {
		return map[string][]string{}, nil
	}
	return h.resolveFunc(ctx, tx, actor)
}

func (h *Handler) ExtractScopes(row map[string]any) map[string]string {
	out := make(map[string]string, len(h.scopeCols))
	for _, c := range h.scopeCols {
		if v, ok := row[c]; ok && v != nil {
			out[c] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

func (h *Handler) tableColumns(tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", h.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (h *Handler) Snapshot(ctx context.Context, tx *sql.Tx, scopeFilter map[string]string, cursor string, limit int) ([]map[string]any, string, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("generic: bad cursor %q: %w", cursor, err)
		}
		offset = n
	}

	var where []string
	var args []any
	for col, val := range scopeFilter {
		if val == "*" {
			continue
		}
		where = append(where, col+" = ?")
		args = append(args, val)
	}
	query := "SELECT * FROM " + h.table
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("generic: snapshot query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, "", err
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, "", fmt.Errorf("generic: scan row: %w", err)
		}
		rowMap := make(map[string]any, len(cols))
		for i, c := range cols {
			rowMap[c] = vals[i]
		}
		out = append(out, rowMap)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) == limit {
		next = strconv.Itoa(offset + limit)
	}
	return out, next, nil
}

func (h *Handler) currentVersion(tx *sql.Tx, rowID string) (map[string]any, int64, bool, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE id = ?", h.table)
	rows, err := tx.Query(query, rowID)
	if err != nil {
		return nil, 0, false, err
	}
	defer rows.Close()
	cols, _ := rows.Columns()
	if !rows.Next() {
		return nil, 0, false, rows.Err()
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, 0, false, err
	}
	rowMap := make(map[string]any, len(cols))
	for i, c := range cols {
		rowMap[c] = vals[i]
	}
	var ver int64
	if v, ok := rowMap["version"]; ok && v != nil {
		switch n := v.(type) {
		case int64:
			ver = n
		case int:
			ver = int64(n)
		case []byte:
			ver, _ = strconv.ParseInt(string(n), 10, 64)
		}
	}
	return rowMap, ver, true, nil
}

// buildInsert sorts fields alphabetically, exactly like the teacher's
// buildInsert, so regenerating the same payload always produces the same
// SQL text (useful for tests asserting on recorded statements).
func buildInsert(fields map[string]any) (cols, placeholders string, vals []any, err error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !validIdent.MatchString(k) {
			return "", "", nil, fmt.Errorf("generic: invalid column name %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ph := make([]string, len(keys))
	vals = make([]any, len(keys))
	for i, k := range keys {
		ph[i] = "?"
		vals[i] = fields[k]
	}
	return strings.Join(keys, ", "), strings.Join(ph, ", "), vals, nil
}

func (h *Handler) Apply(ctx context.Context, tx *sql.Tx, actor handler.Actor, op handler.Operation) (handler.Result, []handler.Change, error) {
	if h.readOnly {
		return handler.Result{Status: handler.StatusError, Code: "READ_ONLY", Retriable: false}, nil, handler.ErrReadOnly
	}

	oldRow, oldVersion, existed, err := h.currentVersion(tx, op.RowID)
	if err != nil {
		return handler.Result{}, nil, fmt.Errorf("generic: read current row: %w", err)
	}

	if op.BaseVersion != nil && existed && *op.BaseVersion != oldVersion {
		return handler.Result{
			Status:        handler.StatusConflict,
			ServerRow:     oldRow,
			ServerVersion: oldVersion,
			Code:          "CONFLICT",
		}, nil, nil
	}

	switch op.Kind {
	case handler.Delete:
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", h.table), op.RowID); err != nil {
			return handler.Result{}, nil, fmt.Errorf("generic: delete %s/%s: %w", h.table, op.RowID, err)
		}
		return handler.Result{Status: handler.StatusApplied},
			[]handler.Change{{RowID: op.RowID, Kind: handler.Delete, Scopes: h.ExtractScopes(oldRow)}}, nil

	case handler.Upsert:
		fields := make(map[string]any, len(op.Payload)+2)
		for k, v := range op.Payload {
			if !validIdent.MatchString(k) {
				continue
			}
			fields[k] = v
		}
		validCols, err := h.tableColumns(tx)
		if err != nil {
			return handler.Result{}, nil, fmt.Errorf("generic: table columns: %w", err)
		}
		for k := range fields {
			if !validCols[k] {
				delete(fields, k)
			}
		}
		fields["id"] = op.RowID
		newVersion := oldVersion + 1
		if validCols["version"] {
			fields["version"] = newVersion
		}

		cols, placeholders, vals, err := buildInsert(fields)
		if err != nil {
			return handler.Result{}, nil, err
		}
		query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)", h.table, cols, placeholders)
		if _, err := tx.ExecContext(ctx, query, vals...); err != nil {
			return handler.Result{}, nil, fmt.Errorf("generic: upsert %s/%s: %w", h.table, op.RowID, err)
		}

		row, _, _, err := h.currentVersion(tx, op.RowID)
		if err != nil {
			return handler.Result{}, nil, fmt.Errorf("generic: reread row: %w", err)
		}
		rowJSON, _ := json.Marshal(row)
		_ = rowJSON

		return handler.Result{Status: handler.StatusApplied, ServerVersion: newVersion},
			[]handler.Change{{RowID: op.RowID, Kind: handler.Upsert, Row: row, Scopes: h.ExtractScopes(row)}}, nil
	}

	return handler.Result{}, nil, fmt.Errorf("generic: unknown op kind %q", op.Kind)
}

var _ handler.Handler = (*Handler)(nil)
