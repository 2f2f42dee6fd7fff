package handler

import (
	"context"
	"database/sql"
	"testing"
)

type fakeHandler struct{ table string }

func (f fakeHandler) Table() string  { return f.table }
func (f fakeHandler) ReadOnly() bool { return false }
func (f fakeHandler) ResolveScopes(ctx context.Context, tx *sql.Tx, actor Actor) (map[string][]string, error) {
	return nil, nil
}
func (f fakeHandler) ExtractScopes(row map[string]any) map[string]string { return nil }
func (f fakeHandler) Snapshot(ctx context.Context, tx *sql.Tx, scopeFilter map[string]string, cursor string, limit int) ([]map[string]any, string, error) {
	return nil, "", nil
}
func (f fakeHandler) Apply(ctx context.Context, tx *sql.Tx, actor Actor, op Operation) (Result, []Change, error) {
	return Result{}, nil, nil
}

func TestRegistryGetAndTables(t *testing.T) {
	widgets := fakeHandler{table: "widgets"}
	gadgets := fakeHandler{table: "gadgets"}
	r := NewRegistry(widgets, gadgets)

	h, ok := r.Get("widgets")
	if !ok || h.Table() != "widgets" {
		t.Fatalf("get widgets: ok=%v h=%v", ok, h)
	}

	_, ok = r.Get("nonexistent")
	if ok {
		t.Fatal("expected lookup of an unregistered table to miss")
	}

	tables := r.Tables()
	if len(tables) != 2 {
		t.Fatalf("tables = %v, want 2 entries", tables)
	}
	seen := map[string]bool{}
	for _, name := range tables {
		seen[name] = true
	}
	if !seen["widgets"] || !seen["gadgets"] {
		t.Fatalf("tables = %v, want widgets and gadgets", tables)
	}
}

func TestNewRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	if len(r.Tables()) != 0 {
		t.Fatalf("tables = %v, want empty", r.Tables())
	}
	if _, ok := r.Get("anything"); ok {
		t.Fatal("expected empty registry to never find a handler")
	}
}
