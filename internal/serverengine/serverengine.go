// Package serverengine implements the Server Sync Engine (spec §4.2): it
// validates pushes against registered table handlers inside one atomic
// commit transaction, and serves pulls by fanning changes out through the
// Subscription & Scope Resolver. It is grounded on the teacher's
// internal/api/sync.go (handleSyncPush/handleSyncPull) and
// internal/sync/engine.go (InsertServerEvents/GetEventsSince), generalized
// from one hardcoded issue-tracker schema to any set of registered
// handler.Handler implementations.
package serverengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/syncular/syncular/internal/handler"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/telemetry"
	"github.com/syncular/syncular/internal/wire"
)

// Snapshotter is the seam to the Snapshot Chunk Store (internal/snapshot):
// the server sync engine asks it for the next bootstrap chunk reference
// without needing to know how chunks are paginated, encoded, or addressed.
type Snapshotter interface {
	NextChunk(ctx context.Context, tx *sql.Tx, h handler.Handler, partitionID string, declared scope.Declared, asOf int64, cursor string, rowLimit int) (wire.ChunkRef, string, error)
}

// Waker publishes advisory wake notifications; nil is a valid no-op Waker
// (wake delivery is never required for correctness, per spec §4.4).
type Waker interface {
	Notify(partitionID string, commitSeq int64)
}

// Engine is the Server Sync Engine.
type Engine struct {
	db          *sql.DB // application tables live here; handlers run against it
	store       store.Store
	registry    *handler.Registry
	snapshotter Snapshotter
	waker       Waker
	sink        telemetry.Sink
	logger      *slog.Logger
}

// New builds an Engine. appDB is the connection handlers run their SQL
// against (the host application's own tables); st is the Syncular
// bookkeeping store (commits/changes/cursors/chunks/blobs).
func New(appDB *sql.DB, st store.Store, registry *handler.Registry, snapshotter Snapshotter, waker Waker, sink telemetry.Sink, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = telemetry.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: appDB, store: st, registry: registry, snapshotter: snapshotter, waker: waker, sink: sink, logger: logger}
}

// Push implements spec §4.1's push handler: atomic idempotency check,
// commit_seq assignment, per-operation handler dispatch, and change
// persistence, all inside one transaction.
func (e *Engine) Push(ctx context.Context, actor handler.Actor, req wire.PushRequest) (wire.PushResponse, error) {
	start := time.Now()
	defer func() { e.sink.Observe("push_duration", time.Since(start)) }()

	partitionID := req.PartitionID
	stx, err := e.store.Begin(ctx, partitionID)
	if err != nil {
		return wire.PushResponse{}, fmt.Errorf("serverengine: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			stx.Rollback()
		}
	}()

	// Step 1: idempotency (spec §4.1 step 1).
	if cached, changes, found, err := stx.FindCommitByClientCommitID(ctx, req.ClientID, req.ClientCommitID); err != nil {
		return wire.PushResponse{}, fmt.Errorf("serverengine: idempotency check: %w", err)
	} else if found {
		e.sink.Count("push_cached", 1)
		return cachedResponse(cached, changes, req), nil
	}

	appTx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return wire.PushResponse{}, fmt.Errorf("serverengine: begin app tx: %w", err)
	}
	appCommitted := false
	defer func() {
		if !appCommitted {
			appTx.Rollback()
		}
	}()

	// Step 2: assign commit_seq (spec §4.1 step 2).
	seq, err := stx.NextCommitSeq(ctx)
	if err != nil {
		return wire.PushResponse{}, fmt.Errorf("serverengine: next commit seq: %w", err)
	}

	perOp := make([]wire.OpResult, 0, len(req.Operations))
	var allChanges []handler.Change
	tablesTouched := map[string]bool{}
	var changeID int64

	// Step 3: invoke table handlers in declared order, inside one
	// transaction per spec §4.1 step 3 — a handler failure aborts the
	// whole commit (spec §4.1 "Failure semantics").
	for i, op := range req.Operations {
		h, ok := e.registry.Get(op.Table)
		if !ok {
			perOp = append(perOp, wire.OpResult{OpIndex: i, Status: "error", Code: wire.ErrUnknownTable, Retriable: false})
			continue
		}

		hop := handler.Operation{RowID: op.RowID, Kind: handler.OpKind(op.Op), BaseVersion: op.BaseVersion}
		if len(op.Payload) > 0 {
			if err := json.Unmarshal(op.Payload, &hop.Payload); err != nil {
				perOp = append(perOp, wire.OpResult{OpIndex: i, Status: "error", Code: wire.ErrInvalidRequest, Retriable: false})
				continue
			}
		}

		result, changes, err := h.Apply(ctx, appTx, actor, hop)
		if err != nil {
			code := ""
			switch {
			case errors.Is(err, handler.ErrReadOnly):
				code = wire.ErrReadOnly
			case errors.Is(err, handler.ErrForbidden):
				code = wire.ErrForbidden
			case errors.Is(err, handler.ErrUnknownColumn):
				code = wire.ErrInvalidRequest
			}
			if code == "" {
				return wire.PushResponse{}, fmt.Errorf("serverengine: handler %s apply: %w", op.Table, err)
			}
			perOp = append(perOp, wire.OpResult{OpIndex: i, Status: "error", Code: code, Retriable: false})
			continue
		}

		switch result.Status {
		case handler.StatusApplied:
			tablesTouched[op.Table] = true
			for _, ch := range changes {
				rowJSON, _ := json.Marshal(ch.Row)
				allChanges = append(allChanges, ch)
				if err := stx.InsertChange(ctx, store.ChangeRecord{
					CommitSeq: seq, ChangeID: changeID, Table: op.Table, RowID: ch.RowID,
					Op: string(ch.Kind), RowJSON: rowJSON, Scopes: ch.Scopes,
				}); err != nil {
					return wire.PushResponse{}, fmt.Errorf("serverengine: insert change: %w", err)
				}
				changeID++
			}
			perOp = append(perOp, wire.OpResult{OpIndex: i, Status: "applied"})
		case handler.StatusConflict:
			serverRow, _ := json.Marshal(result.ServerRow)
			ver := result.ServerVersion
			perOp = append(perOp, wire.OpResult{OpIndex: i, Status: "conflict", Code: wire.ErrConflict, ServerRow: serverRow, ServerVer: &ver})
		default:
			perOp = append(perOp, wire.OpResult{OpIndex: i, Status: "error", Code: result.Code, Retriable: result.Retriable})
		}
	}

	for t := range tablesTouched {
		if err := stx.InsertTableCommit(ctx, seq, t); err != nil {
			return wire.PushResponse{}, fmt.Errorf("serverengine: insert table_commit: %w", err)
		}
	}

	// Step 4: persist the commit row (spec §4.1 step 4); a commit with no
	// applied operations (everything rejected/conflicted) is still
	// recorded so the idempotency key is stable on retry.
	if err := stx.InsertCommit(ctx, store.CommitRecord{
		CommitSeq: seq, ClientCommitID: req.ClientCommitID, ActorID: actor.ID,
		ClientID: req.ClientID, PartitionID: partitionID, SchemaVersion: req.SchemaVersion, CreatedAt: time.Now().UTC(),
	}); err != nil {
		return wire.PushResponse{}, fmt.Errorf("serverengine: insert commit: %w", err)
	}

	if err := appTx.Commit(); err != nil {
		return wire.PushResponse{}, fmt.Errorf("serverengine: commit app tx: %w", err)
	}
	appCommitted = true

	if err := stx.Commit(); err != nil {
		return wire.PushResponse{}, fmt.Errorf("serverengine: commit store tx: %w", err)
	}
	committed = true

	// Step 5: wake notification (spec §4.1 step 5) — advisory only.
	if e.waker != nil {
		e.waker.Notify(partitionID, seq)
	}

	e.sink.Count("push_commits", 1)
	e.sink.Count("push_changes", int64(len(allChanges)))
	e.logger.Debug("push applied", "partition", partitionID, "commit_seq", seq, "ops", len(req.Operations))

	status := "applied"
	for _, r := range perOp {
		if r.Status == "conflict" {
			status = "conflict"
			break
		}
	}
	return wire.PushResponse{Status: status, CommitSeq: seq, PerOpResults: perOp}, nil
}

func cachedResponse(c store.CommitRecord, changes []store.ChangeRecord, req wire.PushRequest) wire.PushResponse {
	perOp := make([]wire.OpResult, len(req.Operations))
	for i := range req.Operations {
		perOp[i] = wire.OpResult{OpIndex: i, Status: "applied"}
	}
	_ = changes
	return wire.PushResponse{Status: "cached", CommitSeq: c.CommitSeq, PerOpResults: perOp}
}

// Pull implements spec §4.4's server half: for each subscription, either
// advance its bootstrap (snapshot chunk references) or return incremental
// changes since its cursor, confined by the Subscription & Scope Resolver.
func (e *Engine) Pull(ctx context.Context, actor handler.Actor, req wire.PullRequest) (wire.PullResponse, error) {
	start := time.Now()
	defer func() { e.sink.Observe("pull_duration", time.Since(start)) }()
	e.sink.Count("pull_requests", 1)

	resp := wire.PullResponse{Subscriptions: make([]wire.SubscriptionResult, 0, len(req.Subscriptions))}

	appTx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return wire.PullResponse{}, fmt.Errorf("serverengine: begin read tx: %w", err)
	}
	defer appTx.Rollback()

	for _, sub := range req.Subscriptions {
		result, err := e.pullOne(ctx, appTx, actor, req.PartitionID, sub)
		if err != nil {
			e.logger.Warn("pull subscription failed", "subscription", sub.ID, "err", err)
			result = wire.SubscriptionResult{ID: sub.ID, Error: wire.ErrInvalidRequest, NewCursor: sub.Cursor}
		}
		resp.Subscriptions = append(resp.Subscriptions, result)
	}

	return resp, nil
}

func (e *Engine) pullOne(ctx context.Context, appTx *sql.Tx, actor handler.Actor, partitionID string, sub wire.SubscriptionRequest) (wire.SubscriptionResult, error) {
	h, ok := e.registry.Get(sub.Table)
	if !ok {
		return wire.SubscriptionResult{ID: sub.ID, Error: wire.ErrUnknownTable, NewCursor: sub.Cursor}, nil
	}

	authorized, err := h.ResolveScopes(ctx, appTx, actor)
	if err != nil {
		return wire.SubscriptionResult{}, fmt.Errorf("resolve scopes: %w", err)
	}
	effective := scope.Resolve(scope.Authorized(authorized), scope.Declared(sub.Scopes))

	cursorRec, err := e.store.GetCursor(ctx, "", partitionID, sub.ID)
	if err != nil {
		return wire.SubscriptionResult{}, fmt.Errorf("get cursor: %w", err)
	}

	var revoked map[string][]string
	if cursorRec.ResolvedScopesJSON != "" {
		var prior scope.Effective
		if json.Unmarshal([]byte(cursorRec.ResolvedScopesJSON), &prior) == nil {
			revoked = scope.Revoked(prior, effective)
		}
	}
	revokedScopes := len(revoked) > 0

	// Bootstrap: no cursor yet, or the bootstrap protocol is mid-flight
	// (spec §4.4 "Bootstrap protocol").
	if sub.Cursor == 0 && (sub.BootstrapState != "" || cursorRec.Cursor == 0) {
		asOf, err := e.latestCommitSeq(ctx, partitionID)
		if err != nil {
			return wire.SubscriptionResult{}, err
		}
		chunkRef, next, err := e.snapshotter.NextChunk(ctx, appTx, h, partitionID, scope.Declared(sub.Scopes), asOf, sub.BootstrapState, 500)
		if err != nil {
			return wire.SubscriptionResult{}, fmt.Errorf("snapshot chunk: %w", err)
		}
		newCursor := sub.Cursor
		if next == "" {
			newCursor = asOf
		}
		effJSON, _ := json.Marshal(effective)
		if err := e.store.PutCursor(ctx, store.CursorRecord{
			ClientID: "", PartitionID: partitionID, SubscriptionID: sub.ID,
			Cursor: newCursor, BootstrapState: next, ResolvedScopesJSON: string(effJSON),
		}); err != nil {
			return wire.SubscriptionResult{}, fmt.Errorf("put cursor: %w", err)
		}
		return wire.SubscriptionResult{
			ID: sub.ID, SnapshotChunkRef: &chunkRef, NextBootstrap: next, NewCursor: newCursor, RevokedScopes: revokedScopes,
		}, nil
	}

	changes, last, _, err := e.store.ChangesSince(ctx, partitionID, sub.Cursor, 500, "")
	if err != nil {
		return wire.SubscriptionResult{}, fmt.Errorf("changes since: %w", err)
	}

	var out []wire.ChangeDTO
	for _, ch := range changes {
		if ch.Table != sub.Table {
			continue
		}
		if !effective.Matches(ch.Scopes) {
			continue
		}
		out = append(out, wire.ChangeDTO{CommitSeq: ch.CommitSeq, ChangeID: ch.ChangeID, Table: ch.Table, RowID: ch.RowID, Op: ch.Op, Row: ch.RowJSON, Scopes: ch.Scopes})
	}

	newCursor := sub.Cursor
	if last > newCursor {
		newCursor = last
	}

	if revokedScopes {
		deletes, err := e.revocationDeletes(ctx, appTx, h, newCursor, revoked)
		if err != nil {
			return wire.SubscriptionResult{}, fmt.Errorf("revocation deletes: %w", err)
		}
		out = append(out, deletes...)
	}
	effJSON, _ := json.Marshal(effective)
	if err := e.store.PutCursor(ctx, store.CursorRecord{
		ClientID: "", PartitionID: partitionID, SubscriptionID: sub.ID, Cursor: newCursor, ResolvedScopesJSON: string(effJSON),
	}); err != nil {
		return wire.SubscriptionResult{}, fmt.Errorf("put cursor: %w", err)
	}

	return wire.SubscriptionResult{ID: sub.ID, Changes: out, NewCursor: newCursor, RevokedScopes: revokedScopes}, nil
}

// revocationDeletes implements the no-leak half of spec §4.5's scope
// revocation decision (DESIGN.md Open Question 1): for every scope value an
// actor has lost access to since the last pull, it walks the handler's
// current rows tagged with that value and synthesizes a delete change for
// each, so a revoked row is removed from the client's local table instead
// of lingering there forever. A lost wildcard (scope.Revoked's "*" entry)
// walks the whole table for that dimension, matching generic.Handler's
// Snapshot treatment of "*" as "no filter".
func (e *Engine) revocationDeletes(ctx context.Context, tx *sql.Tx, h handler.Handler, asOf int64, revoked map[string][]string) ([]wire.ChangeDTO, error) {
	var out []wire.ChangeDTO
	for dim, vals := range revoked {
		for _, val := range vals {
			cursor := ""
			for {
				rows, next, err := h.Snapshot(ctx, tx, map[string]string{dim: val}, cursor, 500)
				if err != nil {
					return nil, fmt.Errorf("revocation snapshot (%s=%s): %w", dim, val, err)
				}
				for _, row := range rows {
					id, ok := row["id"]
					if !ok || id == nil {
						continue
					}
					rowID := fmt.Sprintf("%v", id)
					out = append(out, wire.ChangeDTO{
						CommitSeq: asOf, Table: h.Table(), RowID: rowID, Op: "delete",
						Scopes: map[string]string{dim: val},
					})
				}
				if next == "" {
					break
				}
				cursor = next
			}
		}
	}
	return out, nil
}

func (e *Engine) latestCommitSeq(ctx context.Context, partitionID string) (int64, error) {
	last, err := e.store.LatestCommitSeq(ctx, partitionID)
	if err != nil {
		return 0, fmt.Errorf("latest commit seq: %w", err)
	}
	return last, nil
}
