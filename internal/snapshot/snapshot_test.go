package snapshot

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/syncular/syncular/internal/handler"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/store/sqlitestore"
)

// pagingHandler serves two fixed pages of rows, tracking how many times
// Snapshot is invoked so tests can assert on cache-hit behavior.
type pagingHandler struct {
	calls int
}

func (h *pagingHandler) Table() string  { return "widgets" }
func (h *pagingHandler) ReadOnly() bool { return true }

func (h *pagingHandler) ResolveScopes(ctx context.Context, tx *sql.Tx, actor handler.Actor) (map[string][]string, error) {
	return nil, nil
}
func (h *pagingHandler) ExtractScopes(row map[string]any) map[string]string { return nil }

func (h *pagingHandler) Apply(ctx context.Context, tx *sql.Tx, actor handler.Actor, op handler.Operation) (handler.Result, []handler.Change, error) {
	return handler.Result{}, nil, nil
}

func (h *pagingHandler) Snapshot(ctx context.Context, tx *sql.Tx, scopeFilter map[string]string, cursor string, limit int) ([]map[string]any, string, error) {
	h.calls++
	if cursor == "" {
		return []map[string]any{{"id": "w1"}, {"id": "w2"}}, "page2", nil
	}
	return []map[string]any{{"id": "w3"}}, "", nil
}

// scopedHandler records the scopeFilter it was called with, so tests can
// assert NextChunk/generate actually confine a page to the declared scope
// instead of always scanning the whole table.
type scopedHandler struct {
	gotFilters []map[string]string
}

func (h *scopedHandler) Table() string  { return "widgets" }
func (h *scopedHandler) ReadOnly() bool { return true }

func (h *scopedHandler) ResolveScopes(ctx context.Context, tx *sql.Tx, actor handler.Actor) (map[string][]string, error) {
	return nil, nil
}
func (h *scopedHandler) ExtractScopes(row map[string]any) map[string]string { return nil }

func (h *scopedHandler) Apply(ctx context.Context, tx *sql.Tx, actor handler.Actor, op handler.Operation) (handler.Result, []handler.Change, error) {
	return handler.Result{}, nil, nil
}

func (h *scopedHandler) Snapshot(ctx context.Context, tx *sql.Tx, scopeFilter map[string]string, cursor string, limit int) ([]map[string]any, string, error) {
	h.gotFilters = append(h.gotFilters, scopeFilter)
	return []map[string]any{{"id": "w1"}}, "", nil
}

func TestNextChunkConfinesGenerateToDeclaredScope(t *testing.T) {
	s, _ := newTestStore(t)
	h := &scopedHandler{}
	ctx := context.Background()

	if _, _, err := s.NextChunk(ctx, nil, h, "tenant-1", scope.Declared{"project": "alpha"}, 10, "", 100); err != nil {
		t.Fatalf("NextChunk: %v", err)
	}
	if len(h.gotFilters) != 1 || h.gotFilters[0]["project"] != "alpha" {
		t.Fatalf("scope filter = %+v, want project=alpha", h.gotFilters)
	}
}

func TestNextChunkCacheHitReappliesSameScopeFilter(t *testing.T) {
	s, _ := newTestStore(t)
	h := &scopedHandler{}
	ctx := context.Background()
	declared := scope.Declared{"project": "alpha"}

	if _, _, err := s.NextChunk(ctx, nil, h, "tenant-1", declared, 10, "", 100); err != nil {
		t.Fatalf("first NextChunk: %v", err)
	}
	if _, _, err := s.NextChunk(ctx, nil, h, "tenant-1", declared, 10, "", 100); err != nil {
		t.Fatalf("second NextChunk: %v", err)
	}
	if len(h.gotFilters) != 2 {
		t.Fatalf("calls = %d, want 2", len(h.gotFilters))
	}
	for i, f := range h.gotFilters {
		if f["project"] != "alpha" {
			t.Fatalf("call %d scope filter = %+v, want project=alpha", i, f)
		}
	}
}

type memBlobPutter struct {
	bodies map[string][]byte
}

func newMemBlobPutter() *memBlobPutter { return &memBlobPutter{bodies: map[string][]byte{}} }

func (b *memBlobPutter) PutBody(ctx context.Context, hash string, body []byte) error {
	b.bodies[hash] = append([]byte(nil), body...)
	return nil
}

func (b *memBlobPutter) GetBody(ctx context.Context, hash string) ([]byte, error) {
	return b.bodies[hash], nil
}

func newTestStore(t *testing.T) (*Store, *sqlitestore.DB) {
	t.Helper()
	st, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, newMemBlobPutter(), "gzip", time.Hour), st
}

func TestNextChunkGeneratesThenCaches(t *testing.T) {
	s, _ := newTestStore(t)
	h := &pagingHandler{}
	ctx := context.Background()

	ref1, next1, err := s.NextChunk(ctx, nil, h, "tenant-1", scope.Declared{}, 10, "", 100)
	if err != nil {
		t.Fatalf("first NextChunk: %v", err)
	}
	if next1 != "page2" {
		t.Fatalf("next cursor = %q, want page2", next1)
	}
	if h.calls != 1 {
		t.Fatalf("handler calls = %d, want 1", h.calls)
	}

	ref2, next2, err := s.NextChunk(ctx, nil, h, "tenant-1", scope.Declared{}, 10, "", 100)
	if err != nil {
		t.Fatalf("second NextChunk: %v", err)
	}
	if ref2.ChunkID != ref1.ChunkID {
		t.Fatalf("chunk id changed on cache hit: %s vs %s", ref2.ChunkID, ref1.ChunkID)
	}
	if next2 != next1 {
		t.Fatalf("next cursor changed on cache hit: %q vs %q", next2, next1)
	}
	// The cache hit path still re-derives the handler's next-page cursor.
	if h.calls != 2 {
		t.Fatalf("handler calls after cache hit = %d, want 2", h.calls)
	}
}

func TestNextChunkDistinctKeysDontShareChunks(t *testing.T) {
	s, _ := newTestStore(t)
	h := &pagingHandler{}
	ctx := context.Background()

	ref1, _, err := s.NextChunk(ctx, nil, h, "tenant-1", scope.Declared{}, 10, "", 100)
	if err != nil {
		t.Fatalf("tenant-1 chunk: %v", err)
	}
	ref2, _, err := s.NextChunk(ctx, nil, h, "tenant-2", scope.Declared{}, 10, "", 100)
	if err != nil {
		t.Fatalf("tenant-2 chunk: %v", err)
	}
	if ref1.ChunkID == ref2.ChunkID {
		t.Fatal("different partitions must not share a chunk id")
	}
}

func TestReadChunkRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	h := &pagingHandler{}
	ctx := context.Background()

	ref, _, err := s.NextChunk(ctx, nil, h, "tenant-1", scope.Declared{}, 10, "", 100)
	if err != nil {
		t.Fatalf("NextChunk: %v", err)
	}

	body, err := s.ReadChunk(ctx, ref.ChunkID)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if body.SHA256 != ref.SHA256 {
		t.Fatalf("sha256 = %q, want %q", body.SHA256, ref.SHA256)
	}
	if len(body.Rows) == 0 {
		t.Fatal("expected a non-empty compressed row body")
	}
}

func TestReadChunkUnknownID(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.ReadChunk(context.Background(), "chunk_does_not_exist"); err == nil {
		t.Fatal("expected an error reading an unknown chunk id")
	}
}

func TestCleanupExpiredReclaimsPastTTL(t *testing.T) {
	s, _ := newTestStore(t)
	s.ttl = -time.Second // force immediate expiry
	h := &pagingHandler{}
	ctx := context.Background()

	if _, _, err := s.NextChunk(ctx, nil, h, "tenant-1", scope.Declared{}, 10, "", 100); err != nil {
		t.Fatalf("NextChunk: %v", err)
	}

	n, err := s.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
}
