package clientsync

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/syncular/syncular/internal/wire"
)

type fakeTransport struct {
	pullResp    wire.PullResponse
	pullErr     error
	chunkBodies map[string]wire.ChunkBody
	chunkCalls  int
}

func (f *fakeTransport) Pull(ctx context.Context, req wire.PullRequest) (wire.PullResponse, error) {
	return f.pullResp, f.pullErr
}

func (f *fakeTransport) FetchChunk(ctx context.Context, chunkID string) (wire.ChunkBody, error) {
	f.chunkCalls++
	body, ok := f.chunkBodies[chunkID]
	if !ok {
		return wire.ChunkBody{}, fmt.Errorf("no such chunk: %s", chunkID)
	}
	return body, nil
}

type fakeProgress struct {
	partition string
	seq       int64
}

func (p *fakeProgress) GetAppliedThrough(ctx context.Context, partitionID string) (int64, error) {
	return p.seq, nil
}

func (p *fakeProgress) SetAppliedThrough(ctx context.Context, partitionID string, seq int64) error {
	p.partition = partitionID
	p.seq = seq
	return nil
}

type recordingHandler struct {
	table         string
	snapshotRows  [][]map[string]any
	appliedChange []wire.ChangeDTO
	started       int
	committed     int
}

func (h *recordingHandler) Table() string { return h.table }

func (h *recordingHandler) OnSnapshotStart(ctx context.Context) error {
	h.started++
	return nil
}

func (h *recordingHandler) ApplySnapshotRows(ctx context.Context, rows []map[string]any) error {
	h.snapshotRows = append(h.snapshotRows, rows)
	return nil
}

func (h *recordingHandler) OnSnapshotCommit(ctx context.Context) error {
	h.committed++
	return nil
}

func (h *recordingHandler) ApplyChange(ctx context.Context, ch wire.ChangeDTO) error {
	h.appliedChange = append(h.appliedChange, ch)
	return nil
}

func chunkOf(t *testing.T, rows []map[string]any) (wire.ChunkRef, wire.ChunkBody) {
	t.Helper()
	frame, err := json.Marshal(rows)
	if err != nil {
		t.Fatalf("marshal rows: %v", err)
	}
	sum := sha256.Sum256(frame)
	hash := hex.EncodeToString(sum[:])
	return wire.ChunkRef{ChunkID: "chunk-1", SHA256: hash, ByteLen: int64(len(frame))},
		wire.ChunkBody{SHA256: hash, Rows: frame}
}

// gzipChunkOf mirrors internal/snapshot.generate's default "gzip" path: the
// SHA256 is over the uncompressed frame, but Rows carries the gzipped bytes.
func gzipChunkOf(t *testing.T, rows []map[string]any) (wire.ChunkRef, wire.ChunkBody) {
	t.Helper()
	frame, err := json.Marshal(rows)
	if err != nil {
		t.Fatalf("marshal rows: %v", err)
	}
	sum := sha256.Sum256(frame)
	hash := hex.EncodeToString(sum[:])

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(frame); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	return wire.ChunkRef{ChunkID: "chunk-1", SHA256: hash, ByteLen: int64(buf.Len()), Compression: "gzip"},
		wire.ChunkBody{SHA256: hash, Compression: "gzip", Rows: buf.Bytes()}
}

func TestPullOnceAppliesGzipSnapshotChunk(t *testing.T) {
	rows := []map[string]any{{"id": "w1"}, {"id": "w2"}}
	ref, body := gzipChunkOf(t, rows)

	sub := wire.SubscriptionRequest{ID: "sub-1", Table: "widgets"}
	transport := &fakeTransport{
		pullResp: wire.PullResponse{Subscriptions: []wire.SubscriptionResult{
			{ID: "sub-1", SnapshotChunkRef: &ref, NewCursor: 12},
		}},
		chunkBodies: map[string]wire.ChunkBody{"chunk-1": body},
	}
	h := &recordingHandler{table: "widgets"}
	e := New(transport, &fakeProgress{}, []LocalHandler{h}, "dev-1", "default", []wire.SubscriptionRequest{sub}, nil)

	if err := e.PullOnce(context.Background()); err != nil {
		t.Fatalf("pull once: %v", err)
	}
	if h.started != 1 || h.committed != 1 {
		t.Fatalf("snapshot lifecycle calls: started=%d committed=%d", h.started, h.committed)
	}
	if len(h.snapshotRows) != 1 || len(h.snapshotRows[0]) != 2 {
		t.Fatalf("snapshot rows = %+v", h.snapshotRows)
	}
}

func TestPullOnceUsesInlineGzipChunkWithoutFetch(t *testing.T) {
	rows := []map[string]any{{"id": "w1"}}
	ref, body := gzipChunkOf(t, rows)
	ref.Inline = body.Rows

	sub := wire.SubscriptionRequest{ID: "sub-1", Table: "widgets"}
	transport := &fakeTransport{pullResp: wire.PullResponse{Subscriptions: []wire.SubscriptionResult{
		{ID: "sub-1", SnapshotChunkRef: &ref, NewCursor: 1},
	}}}
	h := &recordingHandler{table: "widgets"}
	e := New(transport, &fakeProgress{}, []LocalHandler{h}, "dev-1", "default", []wire.SubscriptionRequest{sub}, nil)

	if err := e.PullOnce(context.Background()); err != nil {
		t.Fatalf("pull once: %v", err)
	}
	if transport.chunkCalls != 0 {
		t.Fatalf("chunk fetches = %d, want 0 for an inlined chunk", transport.chunkCalls)
	}
	if len(h.snapshotRows) != 1 || len(h.snapshotRows[0]) != 1 {
		t.Fatalf("snapshot rows = %+v", h.snapshotRows)
	}
}

func TestPullOnceAppliesIncrementalChanges(t *testing.T) {
	sub := wire.SubscriptionRequest{ID: "sub-1", Table: "widgets", Cursor: 5}
	transport := &fakeTransport{pullResp: wire.PullResponse{Subscriptions: []wire.SubscriptionResult{
		{ID: "sub-1", NewCursor: 9, Changes: []wire.ChangeDTO{
			{CommitSeq: 9, Table: "widgets", RowID: "w1", Op: "upsert"},
		}},
	}}}
	h := &recordingHandler{table: "widgets"}
	progress := &fakeProgress{}

	e := New(transport, progress, []LocalHandler{h}, "dev-1", "default", []wire.SubscriptionRequest{sub}, nil)
	if err := e.PullOnce(context.Background()); err != nil {
		t.Fatalf("pull once: %v", err)
	}

	if len(h.appliedChange) != 1 || h.appliedChange[0].RowID != "w1" {
		t.Fatalf("applied changes = %+v", h.appliedChange)
	}
	if progress.seq != 9 {
		t.Fatalf("applied through = %d, want 9", progress.seq)
	}
}

func TestPullOnceAppliesSnapshotChunk(t *testing.T) {
	rows := []map[string]any{{"id": "w1"}, {"id": "w2"}}
	ref, body := chunkOf(t, rows)

	sub := wire.SubscriptionRequest{ID: "sub-1", Table: "widgets"}
	transport := &fakeTransport{
		pullResp: wire.PullResponse{Subscriptions: []wire.SubscriptionResult{
			{ID: "sub-1", SnapshotChunkRef: &ref, NextBootstrap: "", NewCursor: 12},
		}},
		chunkBodies: map[string]wire.ChunkBody{"chunk-1": body},
	}
	h := &recordingHandler{table: "widgets"}
	progress := &fakeProgress{}

	e := New(transport, progress, []LocalHandler{h}, "dev-1", "default", []wire.SubscriptionRequest{sub}, nil)
	if err := e.PullOnce(context.Background()); err != nil {
		t.Fatalf("pull once: %v", err)
	}

	if h.started != 1 || h.committed != 1 {
		t.Fatalf("snapshot lifecycle calls: started=%d committed=%d", h.started, h.committed)
	}
	if len(h.snapshotRows) != 1 || len(h.snapshotRows[0]) != 2 {
		t.Fatalf("snapshot rows = %+v", h.snapshotRows)
	}
	if transport.chunkCalls != 1 {
		t.Fatalf("chunk fetches = %d, want 1", transport.chunkCalls)
	}
}

func TestPullOnceUsesInlineChunkWithoutFetch(t *testing.T) {
	rows := []map[string]any{{"id": "w1"}}
	ref, body := chunkOf(t, rows)
	ref.Inline = body.Rows

	sub := wire.SubscriptionRequest{ID: "sub-1", Table: "widgets"}
	transport := &fakeTransport{pullResp: wire.PullResponse{Subscriptions: []wire.SubscriptionResult{
		{ID: "sub-1", SnapshotChunkRef: &ref, NewCursor: 1},
	}}}
	h := &recordingHandler{table: "widgets"}
	e := New(transport, &fakeProgress{}, []LocalHandler{h}, "dev-1", "default", []wire.SubscriptionRequest{sub}, nil)

	if err := e.PullOnce(context.Background()); err != nil {
		t.Fatalf("pull once: %v", err)
	}
	if transport.chunkCalls != 0 {
		t.Fatalf("chunk fetches = %d, want 0 for an inlined chunk", transport.chunkCalls)
	}
}

func TestPullOnceRejectsCorruptChunkAfterRestarts(t *testing.T) {
	rows := []map[string]any{{"id": "w1"}}
	ref, body := chunkOf(t, rows)
	body.Rows = []byte(`corrupted`) // sha256 no longer matches ref.SHA256

	sub := wire.SubscriptionRequest{ID: "sub-1", Table: "widgets"}
	transport := &fakeTransport{
		pullResp: wire.PullResponse{Subscriptions: []wire.SubscriptionResult{
			{ID: "sub-1", SnapshotChunkRef: &ref, NewCursor: 1},
		}},
		chunkBodies: map[string]wire.ChunkBody{"chunk-1": body},
	}
	h := &recordingHandler{table: "widgets"}
	e := New(transport, &fakeProgress{}, []LocalHandler{h}, "dev-1", "default", []wire.SubscriptionRequest{sub}, nil)

	err := e.PullOnce(context.Background())
	if err == nil {
		t.Fatal("expected an error for a corrupted chunk")
	}
	if transport.chunkCalls != maxChunkRestarts+1 {
		t.Fatalf("fetch attempts = %d, want %d", transport.chunkCalls, maxChunkRestarts+1)
	}
}

// TestPullOnceAppliesRevocationDeletesWithoutResettingCursor guards against
// regressing to the half-finished "reset cursor to force rebootstrap"
// strategy: RevokedScopes now means the server already folded synthetic
// deletes into Changes, and the client must apply them and advance its
// cursor normally, not discard progress.
func TestPullOnceAppliesRevocationDeletesWithoutResettingCursor(t *testing.T) {
	sub := wire.SubscriptionRequest{ID: "sub-1", Table: "widgets", Cursor: 5, BootstrapState: "done"}
	transport := &fakeTransport{pullResp: wire.PullResponse{Subscriptions: []wire.SubscriptionResult{
		{ID: "sub-1", NewCursor: 9, RevokedScopes: true, Changes: []wire.ChangeDTO{
			{CommitSeq: 9, Table: "widgets", RowID: "w-alpha", Op: "delete"},
		}},
	}}}
	h := &recordingHandler{table: "widgets"}
	progress := &fakeProgress{}

	e := New(transport, progress, []LocalHandler{h}, "dev-1", "default", []wire.SubscriptionRequest{sub}, nil)
	if err := e.PullOnce(context.Background()); err != nil {
		t.Fatalf("pull once: %v", err)
	}

	if len(h.appliedChange) != 1 || h.appliedChange[0].Op != "delete" || h.appliedChange[0].RowID != "w-alpha" {
		t.Fatalf("applied changes = %+v", h.appliedChange)
	}
	if e.subscriptions[0].Cursor != 9 {
		t.Fatalf("cursor = %d, want 9 (advanced, not reset to 0)", e.subscriptions[0].Cursor)
	}
}

func TestPullOnceMissingLocalHandlerErrors(t *testing.T) {
	sub := wire.SubscriptionRequest{ID: "sub-1", Table: "gadgets"}
	transport := &fakeTransport{pullResp: wire.PullResponse{Subscriptions: []wire.SubscriptionResult{
		{ID: "sub-1", NewCursor: 1},
	}}}
	e := New(transport, &fakeProgress{}, nil, "dev-1", "default", []wire.SubscriptionRequest{sub}, nil)

	if err := e.PullOnce(context.Background()); err == nil {
		t.Fatal("expected ErrNoLocalHandler")
	}
}

func TestPrefetchChunksFetchesNonInlineOnly(t *testing.T) {
	rows := []map[string]any{{"id": "w1"}}
	ref, body := chunkOf(t, rows)
	inlineRef := wire.ChunkRef{ChunkID: "inline-1", SHA256: "x", Inline: []byte(`[]`)}

	transport := &fakeTransport{chunkBodies: map[string]wire.ChunkBody{"chunk-1": body}}
	e := New(transport, &fakeProgress{}, nil, "dev-1", "default", nil, nil)

	bodies, err := e.PrefetchChunks(context.Background(), []wire.ChunkRef{ref, inlineRef})
	if err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("bodies = %d, want 2", len(bodies))
	}
	if transport.chunkCalls != 1 {
		t.Fatalf("chunk fetches = %d, want 1 (inline chunk must not be fetched)", transport.chunkCalls)
	}
}
