package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/syncular/syncular/internal/store"
)

// These tests exercise DB against a real Postgres instance. They are opt-in:
// set PGSTORE_TEST_DSN to a reachable Postgres connection string to run them.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("PGSTORE_TEST_DSN")
	if dsn == "" {
		t.Skip("PGSTORE_TEST_DSN not set, skipping pgstore integration tests")
	}
	db, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCommitAndFindByClientCommitID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	txn, err := db.Begin(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	seq, err := txn.NextCommitSeq(ctx)
	if err != nil {
		t.Fatalf("next commit seq: %v", err)
	}
	if err := txn.InsertChange(ctx, store.ChangeRecord{
		CommitSeq: seq, ChangeID: 0, Table: "widgets", RowID: "w1", Op: "upsert",
		RowJSON: []byte(`{"id":"w1"}`), Scopes: map[string]string{"owner": "alice"},
	}); err != nil {
		t.Fatalf("insert change: %v", err)
	}
	if err := txn.InsertCommit(ctx, store.CommitRecord{
		CommitSeq: seq, ClientCommitID: "c1", ActorID: "alice", ClientID: "dev-1",
		PartitionID: "tenant-1", SchemaVersion: 1, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert commit: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	txn2, err := db.Begin(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("begin 2: %v", err)
	}
	defer txn2.Rollback()
	rec, changes, found, err := txn2.FindCommitByClientCommitID(ctx, "dev-1", "c1")
	if err != nil {
		t.Fatalf("find commit: %v", err)
	}
	if !found {
		t.Fatal("expected commit to be found")
	}
	if rec.CommitSeq != seq {
		t.Fatalf("commit seq = %d, want %d", rec.CommitSeq, seq)
	}
	if len(changes) != 1 || changes[0].RowID != "w1" {
		t.Fatalf("changes = %+v", changes)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.PutCursor(ctx, store.CursorRecord{
		ClientID: "dev-1", PartitionID: "tenant-1", SubscriptionID: "sub-1", Cursor: 5,
	}); err != nil {
		t.Fatalf("put cursor: %v", err)
	}
	got, err := db.GetCursor(ctx, "dev-1", "tenant-1", "sub-1")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if got.Cursor != 5 {
		t.Fatalf("cursor = %d, want 5", got.Cursor)
	}
}

func TestFindChunkHonorsExpiry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := store.ChunkKey{PartitionID: "tenant-1", Table: "widgets", Encoding: "json", Compression: "gzip"}

	if err := db.PutChunk(ctx, store.ChunkRecord{
		ChunkID: "chunk-pg-1", PartitionID: key.PartitionID, Table: key.Table,
		Encoding: key.Encoding, Compression: key.Compression, ExpiresAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("put chunk: %v", err)
	}

	_, found, err := db.FindChunk(ctx, key)
	if err != nil {
		t.Fatalf("find chunk: %v", err)
	}
	if found {
		t.Fatal("expired chunk should not be found by FindChunk")
	}

	rec, found, err := db.GetChunkByID(ctx, "chunk-pg-1")
	if err != nil {
		t.Fatalf("get chunk by id: %v", err)
	}
	if !found || rec.ChunkID != "chunk-pg-1" {
		t.Fatalf("expected GetChunkByID to still serve an expired chunk: found=%v rec=%+v", found, rec)
	}
}
