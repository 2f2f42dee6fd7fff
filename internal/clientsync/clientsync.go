// Package clientsync implements the Client Sync Engine's pull half (spec
// §4.4): it drives a client's subscriptions through bootstrap (chunked
// snapshot streaming with sha256 verification and restart-on-corruption)
// and then incremental change application in commit order. Concurrent chunk
// prefetch uses golang.org/x/sync/errgroup, the idiom the broader retrieval
// pack reaches for whenever a fixed-size fan-out needs one shared error
// return instead of the teacher's own (single-goroutine) sync engine, which
// never needed to parallelize network fetches.
package clientsync

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/syncular/syncular/internal/wire"
)

// ErrChunkVerifyFailed is returned when a fetched chunk body's sha256
// doesn't match the reference the server provided.
var ErrChunkVerifyFailed = errors.New("clientsync: chunk body failed sha256 verification")

// ErrNoLocalHandler is returned when a pull response names a table this
// client has no registered LocalHandler for.
var ErrNoLocalHandler = errors.New("clientsync: no local handler registered for table")

// Transport is the client's seam to the server: one pull round trip and one
// chunk fetch. internal/httpapi (or a test double) implements it.
type Transport interface {
	Pull(ctx context.Context, req wire.PullRequest) (wire.PullResponse, error)
	FetchChunk(ctx context.Context, chunkID string) (wire.ChunkBody, error)
}

// LocalHandler is the client-side counterpart of handler.Handler: it applies
// snapshot rows and incremental changes to the client's local tables. It
// deliberately excludes ResolveScopes/ExtractScopes/Apply(operation) —
// those are server-only concerns; the client only ever applies what the
// server already decided to send it.
type LocalHandler interface {
	Table() string
	OnSnapshotStart(ctx context.Context) error
	ApplySnapshotRows(ctx context.Context, rows []map[string]any) error
	OnSnapshotCommit(ctx context.Context) error
	ApplyChange(ctx context.Context, ch wire.ChangeDTO) error
}

// Progress is the client-local persistence seam for cursors (internal/store/clientstore).
type Progress interface {
	GetAppliedThrough(ctx context.Context, partitionID string) (int64, error)
	SetAppliedThrough(ctx context.Context, partitionID string, seq int64) error
}

// maxChunkRestarts bounds how many times applySnapshotChunk re-fetches a
// chunk that failed to fetch, decompress, verify or decode. Once the bound is
// used up PullOnce returns the error; the engine does not reset the
// subscription's Cursor or BootstrapState to start a fresh bootstrap.
const maxChunkRestarts = 3

// Engine drives pull for a fixed set of subscriptions against a fixed set
// of local table handlers.
type Engine struct {
	transport     Transport
	progress      Progress
	handlers      map[string]LocalHandler
	clientID      string
	partitionID   string
	logger        *slog.Logger
	subscriptions []wire.SubscriptionRequest
	prefetch      int
}

// New builds an Engine. subscriptions is the client's declared set; its
// Cursor/BootstrapState fields are mutated in place as pulls complete so
// callers can persist them between process restarts.
func New(transport Transport, progress Progress, handlers []LocalHandler, clientID, partitionID string, subscriptions []wire.SubscriptionRequest, logger *slog.Logger) *Engine {
	byTable := make(map[string]LocalHandler, len(handlers))
	for _, h := range handlers {
		byTable[h.Table()] = h
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		transport: transport, progress: progress, handlers: byTable,
		clientID: clientID, partitionID: partitionID, logger: logger,
		subscriptions: subscriptions, prefetch: 4,
	}
}

// PullOnce issues one pull round trip and applies every returned
// subscription result, advancing each subscription's cursor in place.
func (e *Engine) PullOnce(ctx context.Context) error {
	req := wire.PullRequest{ClientID: e.clientID, PartitionID: e.partitionID, Subscriptions: e.subscriptions}
	resp, err := e.transport.Pull(ctx, req)
	if err != nil {
		return fmt.Errorf("clientsync: pull: %w", err)
	}

	byID := make(map[string]*wire.SubscriptionRequest, len(e.subscriptions))
	for i := range e.subscriptions {
		byID[e.subscriptions[i].ID] = &e.subscriptions[i]
	}

	for _, result := range resp.Subscriptions {
		sub, ok := byID[result.ID]
		if !ok {
			continue
		}
		if result.Error != "" {
			e.logger.Warn("subscription pull error", "subscription", result.ID, "code", result.Error)
			continue
		}
		h, ok := e.handlers[sub.Table]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoLocalHandler, sub.Table)
		}

		if result.RevokedScopes {
			// The server already folded synthetic deletes for the revoked
			// scope values into result.Changes (serverengine.revocationDeletes);
			// applying them below is all a client needs to do.
			e.logger.Info("scope revoked, applying synthesized deletes", "subscription", sub.ID)
		}

		if result.SnapshotChunkRef != nil {
			if err := e.applySnapshotChunk(ctx, h, *result.SnapshotChunkRef); err != nil {
				return fmt.Errorf("clientsync: apply snapshot chunk (subscription %s): %w", sub.ID, err)
			}
			sub.BootstrapState = result.NextBootstrap
			if result.NextBootstrap == "" {
				sub.Cursor = result.NewCursor
			}
			continue
		}

		if err := e.applyChanges(ctx, h, result.Changes); err != nil {
			return fmt.Errorf("clientsync: apply changes (subscription %s): %w", sub.ID, err)
		}
		sub.Cursor = result.NewCursor
	}

	if err := e.progress.SetAppliedThrough(ctx, e.partitionID, maxCursor(e.subscriptions)); err != nil {
		return fmt.Errorf("clientsync: persist progress: %w", err)
	}
	return nil
}

// applySnapshotChunk fetches (when not inlined), verifies, and applies one
// bootstrap chunk, retrying per spec §4.4's restart policy on corruption.
func (e *Engine) applySnapshotChunk(ctx context.Context, h LocalHandler, ref wire.ChunkRef) error {
	var body wire.ChunkBody
	var lastErr error
	for attempt := 0; attempt <= maxChunkRestarts; attempt++ {
		if len(ref.Inline) > 0 {
			body = wire.ChunkBody{SHA256: ref.SHA256, Compression: ref.Compression, Rows: ref.Inline}
		} else {
			fetched, err := e.transport.FetchChunk(ctx, ref.ChunkID)
			if err != nil {
				lastErr = fmt.Errorf("fetch chunk %s: %w", ref.ChunkID, err)
				continue
			}
			body = fetched
		}

		decoded, err := decompressChunk(body.Compression, body.Rows)
		if err != nil {
			lastErr = fmt.Errorf("decompress chunk %s: %w", ref.ChunkID, err)
			continue
		}
		sum := sha256.Sum256(decoded)
		if hex.EncodeToString(sum[:]) != ref.SHA256 {
			lastErr = fmt.Errorf("%w: chunk %s", ErrChunkVerifyFailed, ref.ChunkID)
			continue
		}

		var rows []map[string]any
		if err := json.Unmarshal(decoded, &rows); err != nil {
			lastErr = fmt.Errorf("decode chunk %s: %w", ref.ChunkID, err)
			continue
		}

		if err := h.OnSnapshotStart(ctx); err != nil {
			return fmt.Errorf("on_snapshot_start: %w", err)
		}
		if err := h.ApplySnapshotRows(ctx, rows); err != nil {
			return fmt.Errorf("apply_snapshot_rows: %w", err)
		}
		return h.OnSnapshotCommit(ctx)
	}
	return fmt.Errorf("clientsync: chunk %s failed after %d restarts, rebootstrap required: %w", ref.ChunkID, maxChunkRestarts, lastErr)
}

// applyChanges applies a subscription's incremental changes in the order
// the server returned them (commit order, then change order within a
// commit), per spec's "per-table application order equals commit order".
func (e *Engine) applyChanges(ctx context.Context, h LocalHandler, changes []wire.ChangeDTO) error {
	for _, ch := range changes {
		if err := h.ApplyChange(ctx, ch); err != nil {
			return fmt.Errorf("apply change (table=%s row=%s): %w", ch.Table, ch.RowID, err)
		}
	}
	return nil
}

// PrefetchChunks concurrently fetches a batch of chunk refs ahead of
// application, bounding concurrency to e.prefetch; it returns fetched
// bodies indexed the same as refs, or the first error encountered.
func (e *Engine) PrefetchChunks(ctx context.Context, refs []wire.ChunkRef) ([]wire.ChunkBody, error) {
	out := make([]wire.ChunkBody, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.prefetch)
	for i, ref := range refs {
		i, ref := i, ref
		if len(ref.Inline) > 0 {
			out[i] = wire.ChunkBody{SHA256: ref.SHA256, Compression: ref.Compression, Rows: ref.Inline}
			continue
		}
		g.Go(func() error {
			body, err := e.transport.FetchChunk(gctx, ref.ChunkID)
			if err != nil {
				return fmt.Errorf("prefetch chunk %s: %w", ref.ChunkID, err)
			}
			out[i] = body
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// decompressChunk undoes whatever internal/snapshot applied before hashing
// and serving the frame; sha256 verification and JSON decoding both operate
// on the decompressed bytes, matching the hash the server computed over the
// uncompressed frame.
func decompressChunk(compression string, data []byte) ([]byte, error) {
	switch compression {
	case "", "none":
		return data, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		decoded, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unsupported chunk compression %q", compression)
	}
}

func maxCursor(subs []wire.SubscriptionRequest) int64 {
	var max int64
	for _, s := range subs {
		if s.Cursor > max {
			max = s.Cursor
		}
	}
	return max
}
