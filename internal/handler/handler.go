// Package handler defines the Table Handler capability object spec §4.2
// requires and its registry. Each handler is explicit Go code written by the
// host application for one logical table — this is the replacement spec §9
// calls for in place of the teacher's runtime reflection over dynamic rows
// (internal/sync/events.go's PRAGMA table_info + SELECT * dance): instead of
// discovering a table's shape at call time, the host supplies ExtractScopes
// and its own row marshalling as ordinary typed code when it registers the
// handler.
package handler

import (
	"context"
	"database/sql"
	"errors"
)

// Actor is the authenticated identity driving a request (spec GLOSSARY).
type Actor struct {
	ID    string
	Roles []string
}

// OpKind is the kind of row-level effect an operation or change carries.
type OpKind string

const (
	Upsert OpKind = "upsert"
	Delete OpKind = "delete"
)

// Operation is a single row-level write requested within a commit.
type Operation struct {
	RowID       string
	Kind        OpKind
	Payload     map[string]any // opaque mapping, per spec §9 "Dynamic payloads"
	BaseVersion *int64
}

// Change is a single emitted row-level effect, tagged with the scopes that
// determine its fan-out (spec §3, Change entity).
type Change struct {
	RowID  string
	Kind   OpKind
	Row    map[string]any
	Scopes map[string]string
}

// Status is the outcome of applying one Operation (spec §4.2).
type Status string

const (
	StatusApplied  Status = "applied"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
)

// Result is what Apply returns for a single operation.
type Result struct {
	Status        Status
	ServerRow     map[string]any
	ServerVersion int64
	Code          string
	Retriable     bool
}

// Sentinel errors a Handler may return from Apply; serverengine's Push
// translates them into per-operation stable wire error codes (wire.Err*).
var (
	ErrReadOnly      = errors.New("handler: table is read-only")
	ErrForbidden     = errors.New("handler: actor not authorized")
	ErrUnknownColumn = errors.New("handler: payload references unknown column")
)

// Handler is the capability object spec §4.2 describes for one logical
// table. Implementations are supplied by the host application, not by
// Syncular itself — Syncular only defines the shape and drives it.
type Handler interface {
	// Table is the logical table name used in wire messages and in the
	// commits/changes log (spec's Commit Log "affected tables").
	Table() string

	// ReadOnly reports whether Apply must reject every operation with
	// ErrReadOnly (spec §4.2: "handlers may define the operation as
	// read_only (all writes return a READ_ONLY error)").
	ReadOnly() bool

	// ResolveScopes returns the scope dimensions and values actor is
	// authorized to see for this table (spec §4.2, §4.5).
	ResolveScopes(ctx context.Context, tx *sql.Tx, actor Actor) (map[string][]string, error)

	// ExtractScopes computes the scope tags for a row already materialized
	// as a generic map (spec §9: replaces reflection with an explicit
	// per-table function).
	ExtractScopes(row map[string]any) map[string]string

	// Snapshot returns one page of rows for bootstrap, in a stable order,
	// plus an opaque cursor token to resume from (empty string when done).
	Snapshot(ctx context.Context, tx *sql.Tx, scopeFilter map[string]string, cursor string, limit int) (rows []map[string]any, nextCursor string, err error)

	// Apply performs one operation inside tx and returns its outcome plus
	// any Changes to append to the log (spec §4.2, §4.1 step 3).
	Apply(ctx context.Context, tx *sql.Tx, actor Actor, op Operation) (Result, []Change, error)
}

// Registry maps table names to their Handler.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a Registry from a set of handlers, keyed by Table().
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Table()] = h
	}
	return r
}

// Get looks up the handler for table.
func (r *Registry) Get(table string) (Handler, bool) {
	h, ok := r.handlers[table]
	return h, ok
}

// Tables lists every registered table name.
func (r *Registry) Tables() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
