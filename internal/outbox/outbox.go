// Package outbox implements the Client Outbox (spec §4.3): a durable
// pending→sending→{acked|failed|conflict} state machine for client writes,
// pushed to the server over github.com/hashicorp/go-retryablehttp so
// network failures and 429/503 responses get exponential backoff with
// jitter for free. The state machine and its exponential-backoff-with-cap
// shape follow the teacher's internal/db/lock.go write-lock retry loop,
// generalized from "retry acquiring a local file lock" to "retry delivering
// a commit to a remote server".
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/syncular/syncular/internal/ids"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/wire"
)

// Store is the subset of client-local persistence the outbox needs; it is
// deliberately narrower than store.Store since the client keeps its own
// local bookkeeping table separate from the server's commit log.
type Store interface {
	PutOutbox(ctx context.Context, o store.OutboxRecord) error
	GetOutbox(ctx context.Context, clientCommitID string) (store.OutboxRecord, bool, error)
	OldestPending(ctx context.Context) (store.OutboxRecord, bool, error)
	ListSending(ctx context.Context, olderThan time.Time) ([]store.OutboxRecord, error)
	PutConflict(ctx context.Context, c store.ConflictRecord) error
}

// Engine drives the outbox state machine for one client.
type Engine struct {
	st           Store
	client       *retryablehttp.Client
	endpoint     string
	clientID     string
	schemaVer    int
	partitionID  string
	logger       *slog.Logger
	sendingGrace time.Duration
}

// New builds an outbox Engine. endpoint is the server's push URL.
func New(st Store, endpoint, clientID string, schemaVersion int, partitionID string, logger *slog.Logger) *Engine {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 5
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	// retryablehttp's DefaultBackoff is exponential but deterministic; spread
	// each wait over [d/2, d], leaving a server's Retry-After untouched.
	rc.Backoff = func(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
		d := retryablehttp.DefaultBackoff(min, max, attempt, resp)
		if d <= 1 || (resp != nil && resp.Header.Get("Retry-After") != "") {
			return d
		}
		return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
	}
	rc.Logger = nil // the engine logs through its own slog.Logger instead
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		st: st, client: rc, endpoint: endpoint, clientID: clientID,
		schemaVer: schemaVersion, partitionID: partitionID, logger: logger,
		sendingGrace: 30 * time.Second,
	}
}

// Enqueue persists a new commit intent in state pending, assigning a fresh
// client_commit_id (spec §4.3).
func (e *Engine) Enqueue(ctx context.Context, ops []wire.Op) (string, error) {
	payload, err := json.Marshal(ops)
	if err != nil {
		return "", fmt.Errorf("outbox: marshal operations: %w", err)
	}
	commitID := ids.NewCommitID()
	now := time.Now().UTC()
	if err := e.st.PutOutbox(ctx, store.OutboxRecord{
		ClientCommitID: commitID, State: "pending", SchemaVersion: e.schemaVer,
		PartitionID: e.partitionID, Operations: payload, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("outbox: enqueue: %w", err)
	}
	return commitID, nil
}

// RecoverStaleSending moves entries stuck in sending past the grace period
// back to pending (spec §4.3 step 2: "restart recovery moves stale sending
// entries back to pending after a grace").
func (e *Engine) RecoverStaleSending(ctx context.Context) (int, error) {
	stale, err := e.st.ListSending(ctx, time.Now().Add(-e.sendingGrace))
	if err != nil {
		return 0, fmt.Errorf("outbox: list sending: %w", err)
	}
	for i := range stale {
		stale[i].State = "pending"
		stale[i].UpdatedAt = time.Now().UTC()
		if err := e.st.PutOutbox(ctx, stale[i]); err != nil {
			return 0, fmt.Errorf("outbox: recover %s: %w", stale[i].ClientCommitID, err)
		}
	}
	return len(stale), nil
}

// PumpOnce drains the single oldest pending commit, if any, through the
// push loop (spec §4.3 steps 1-5). It returns false when there was nothing
// to send.
func (e *Engine) PumpOnce(ctx context.Context) (bool, error) {
	rec, found, err := e.st.OldestPending(ctx)
	if err != nil {
		return false, fmt.Errorf("outbox: oldest pending: %w", err)
	}
	if !found {
		return false, nil
	}

	rec.State = "sending"
	rec.Attempts++
	rec.UpdatedAt = time.Now().UTC()
	if err := e.st.PutOutbox(ctx, rec); err != nil {
		return false, fmt.Errorf("outbox: mark sending: %w", err)
	}

	var ops []wire.Op
	if err := json.Unmarshal(rec.Operations, &ops); err != nil {
		return false, fmt.Errorf("outbox: decode operations: %w", err)
	}
	req := wire.PushRequest{
		ClientID: e.clientID, ClientCommitID: rec.ClientCommitID,
		SchemaVersion: rec.SchemaVersion, PartitionID: rec.PartitionID, Operations: ops,
	}

	resp, err := e.send(ctx, req)
	if err != nil {
		// Network failure leaves the record in sending; RecoverStaleSending
		// will requeue it after the grace period (spec §4.3 step 2).
		e.logger.Warn("outbox push failed", "client_commit_id", rec.ClientCommitID, "err", err)
		return true, nil
	}

	switch resp.Status {
	case "applied", "cached":
		rec.State = "acked"
		rec.CommitSeq = resp.CommitSeq
		rec.UpdatedAt = time.Now().UTC()
		return true, e.st.PutOutbox(ctx, rec)
	case "conflict":
		rec.State = "conflict"
		rec.UpdatedAt = time.Now().UTC()
		if err := e.st.PutOutbox(ctx, rec); err != nil {
			return true, err
		}
		for _, opResult := range resp.PerOpResults {
			if opResult.Status != "conflict" {
				continue
			}
			if err := e.st.PutConflict(ctx, store.ConflictRecord{
				ClientCommitID: rec.ClientCommitID, ServerRow: opResult.ServerRow,
				ServerVersion: derefOr0(opResult.ServerVer), CreatedAt: time.Now().UTC(),
			}); err != nil {
				return true, fmt.Errorf("outbox: record conflict: %w", err)
			}
		}
		return true, nil
	default:
		rec.State = "failed"
		rec.UpdatedAt = time.Now().UTC()
		return true, e.st.PutOutbox(ctx, rec)
	}
}

// send performs the HTTP round trip for one push, per spec §4.3 step 5:
// retryablehttp's own policy already retries 429/503 and network errors
// with exponential backoff and jitter before this call returns.
func (e *Engine) send(ctx context.Context, req wire.PushRequest) (wire.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return wire.PushResponse{}, fmt.Errorf("outbox: marshal push request: %w", err)
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return wire.PushResponse{}, fmt.Errorf("outbox: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return wire.PushResponse{}, fmt.Errorf("outbox: push: %w", err)
	}
	defer resp.Body.Close()

	var out wire.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return wire.PushResponse{}, fmt.Errorf("outbox: decode response: %w", err)
	}
	return out, nil
}

func derefOr0(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
