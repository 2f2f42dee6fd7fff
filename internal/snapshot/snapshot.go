// Package snapshot implements the Snapshot Chunk Store (spec §4.6): it pages
// a table handler's rows into content-addressed, cacheable chunks so many
// subscriptions bootstrapping the same table/scope/as-of combination share
// one body instead of each paying its own encode cost.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syncular/syncular/internal/handler"
	"github.com/syncular/syncular/internal/ids"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/wire"
)

// BlobPutter is the seam to the Blob Manager: chunk bodies are content-
// addressed binary objects, so the store keeps only metadata here and the
// actual bytes go wherever internal/blob is configured to keep them.
type BlobPutter interface {
	PutBody(ctx context.Context, hash string, body []byte) error
	GetBody(ctx context.Context, hash string) ([]byte, error)
}

// Store generates, caches, and serves snapshot chunks.
type Store struct {
	st          store.Store
	blobs       BlobPutter
	encoding    string // "json" is the only encoding this build produces
	compression string // "gzip" or "none"
	ttl         time.Duration
}

// New builds a chunk Store. ttl is how long a generated chunk stays valid
// before CleanupExpired may reclaim it (spec §4.6: "chunks... expire after
// a retention window; the snapshot store enforces this at find time only").
func New(st store.Store, blobs BlobPutter, compression string, ttl time.Duration) *Store {
	if compression == "" {
		compression = "gzip"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{st: st, blobs: blobs, encoding: "json", compression: compression, ttl: ttl}
}

// NextChunk satisfies internal/serverengine.Snapshotter: it returns the
// chunk reference for the next page of h's rows at asOf, reusing a cached
// chunk when the exact page key (spec §4.6) has already been generated.
func (s *Store) NextChunk(ctx context.Context, tx *sql.Tx, h handler.Handler, partitionID string, declared scope.Declared, asOf int64, cursor string, rowLimit int) (wire.ChunkRef, string, error) {
	key := store.ChunkKey{
		PartitionID: partitionID, ScopeKey: declared.Key(), Table: h.Table(),
		AsOfCommitSeq: asOf, RowCursor: cursor, RowLimit: rowLimit,
		Encoding: s.encoding, Compression: s.compression,
	}
	if cached, found, err := s.st.FindChunk(ctx, key); err != nil {
		return wire.ChunkRef{}, "", fmt.Errorf("snapshot: find chunk: %w", err)
	} else if found {
		// A cache hit still needs the handler's next-page cursor, which isn't
		// stored on the chunk row itself; re-deriving it costs one handler
		// call but avoids re-encoding or re-uploading the body.
		_, nextCursor, err := h.Snapshot(ctx, tx, map[string]string(declared), cached.RowCursor, cached.RowLimit)
		if err != nil {
			return wire.ChunkRef{}, "", fmt.Errorf("snapshot: handler snapshot (cache hit): %w", err)
		}
		return wire.ChunkRef{ChunkID: cached.ChunkID, SHA256: cached.SHA256, ByteLen: cached.ByteLength, Compression: cached.Compression}, nextCursor, nil
	}
	return s.generate(ctx, tx, h, key, declared)
}

// generate materializes one page, encodes/compresses it, stores the body
// content-addressed, and records the chunk's metadata row. scopeFilter
// restricts the page to declared's scope (spec §8 confinement) — the chunk
// key is already partitioned on the same declared scope via ScopeKey, so a
// cached chunk and a freshly generated one are always filtered identically.
func (s *Store) generate(ctx context.Context, tx *sql.Tx, h handler.Handler, key store.ChunkKey, declared scope.Declared) (wire.ChunkRef, string, error) {
	scopeFilter := map[string]string(declared)
	rows, nextCursor, err := h.Snapshot(ctx, tx, scopeFilter, key.RowCursor, key.RowLimit)
	if err != nil {
		return wire.ChunkRef{}, "", fmt.Errorf("snapshot: handler snapshot: %w", err)
	}

	frame, err := json.Marshal(rows)
	if err != nil {
		return wire.ChunkRef{}, "", fmt.Errorf("snapshot: encode rows: %w", err)
	}
	decodedSum := sha256.Sum256(frame)
	decodedHex := hex.EncodeToString(decodedSum[:])

	body := frame
	if key.Compression == "gzip" {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(frame); err != nil {
			return wire.ChunkRef{}, "", fmt.Errorf("snapshot: gzip: %w", err)
		}
		if err := gw.Close(); err != nil {
			return wire.ChunkRef{}, "", fmt.Errorf("snapshot: gzip close: %w", err)
		}
		body = buf.Bytes()
	}

	bodyHash := wire.ChunkHash(key.Encoding, key.Compression, decodedHex)
	if err := s.blobs.PutBody(ctx, bodyHash, body); err != nil {
		return wire.ChunkRef{}, "", fmt.Errorf("snapshot: put body: %w", err)
	}

	chunkID := ids.New("chunk")
	rec := store.ChunkRecord{
		ChunkID: chunkID, PartitionID: key.PartitionID, ScopeKey: key.ScopeKey, Table: key.Table,
		AsOfCommitSeq: key.AsOfCommitSeq, RowCursor: key.RowCursor, RowLimit: key.RowLimit,
		Encoding: key.Encoding, Compression: key.Compression, SHA256: decodedHex, BodyHash: bodyHash,
		ByteLength: int64(len(body)), ExpiresAt: time.Now().Add(s.ttl).UTC(),
	}
	if err := s.st.PutChunk(ctx, rec); err != nil {
		return wire.ChunkRef{}, "", fmt.Errorf("snapshot: put chunk metadata: %w", err)
	}

	ref := wire.ChunkRef{ChunkID: chunkID, SHA256: decodedHex, ByteLen: rec.ByteLength, Compression: key.Compression}
	if rec.ByteLength <= inlineThreshold {
		ref.Inline = body
	}
	return ref, nextCursor, nil
}

// inlineThreshold is the body size under which a chunk is inlined directly
// into the pull response rather than requiring a separate fetch.
const inlineThreshold = 16 * 1024

// ReadChunk implements spec §4.6's read_chunk: it serves a previously
// generated chunk's body by ID. It does not check the chunk's expiry
// (GetChunkByID ignores expires_at): a chunk stays readable until
// CleanupExpired removes its row.
func (s *Store) ReadChunk(ctx context.Context, chunkID string) (wire.ChunkBody, error) {
	rec, found, err := s.st.GetChunkByID(ctx, chunkID)
	if err != nil {
		return wire.ChunkBody{}, fmt.Errorf("snapshot: get chunk: %w", err)
	}
	if !found {
		return wire.ChunkBody{}, fmt.Errorf("snapshot: %w: chunk %s", store.ErrNotFound, chunkID)
	}
	body, err := s.blobs.GetBody(ctx, rec.BodyHash)
	if err != nil {
		return wire.ChunkBody{}, fmt.Errorf("snapshot: get body: %w", err)
	}
	return wire.ChunkBody{Encoding: rec.Encoding, Compression: rec.Compression, SHA256: rec.SHA256, Rows: body}, nil
}

// CleanupExpired implements spec §4.6's cleanup_expired, deleting chunk
// metadata rows past their retention window. The underlying blob body and
// its blob record are not deleted (they are content-addressed and may be
// shared by other chunks), and blob.Manager.Cleanup removes only expired
// pending upload slots, so a body no chunk references any more stays stored.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	n, err := s.st.CleanupExpiredChunks(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("snapshot: cleanup expired: %w", err)
	}
	return n, nil
}
