// Package clientstore implements the client-local persistence the outbox
// and client sync engine need: the OutboxCommit table, conflict records,
// and per-subscription cursors. It follows the same database/sql +
// modernc.org/sqlite pragma style as internal/store/sqlitestore, kept as a
// separate package because the client's local schema (outbox, conflicts)
// is disjoint from the server's bookkeeping schema (commits, changes).
package clientstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/syncular/syncular/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_commits (
	client_commit_id TEXT PRIMARY KEY,
	state            TEXT NOT NULL,
	schema_version   INTEGER NOT NULL,
	partition_id     TEXT NOT NULL DEFAULT '',
	operations_json  BLOB NOT NULL,
	commit_seq       INTEGER NOT NULL DEFAULT 0,
	attempts         INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_state ON outbox_commits(state, created_at);

CREATE TABLE IF NOT EXISTS conflicts (
	client_commit_id TEXT NOT NULL,
	tbl              TEXT NOT NULL DEFAULT '',
	row_id           TEXT NOT NULL DEFAULT '',
	server_row       BLOB,
	server_version   INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL,
	PRIMARY KEY (client_commit_id)
);

CREATE TABLE IF NOT EXISTS pull_progress (
	partition_id TEXT NOT NULL,
	applied_through INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (partition_id)
);
`

// DB is a client-local SQLite handle.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the client-local database at path and
// applies the teacher's WAL/busy-timeout/foreign-key pragma set
// (internal/serverdb/serverdb.go's Open).
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("clientstore: open: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clientstore: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (d *DB) Close() error { return d.conn.Close() }

// Conn exposes the raw connection so internal/migrate and application
// table handlers can share it.
func (d *DB) Conn() *sql.DB { return d.conn }

func (d *DB) PutOutbox(ctx context.Context, o store.OutboxRecord) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO outbox_commits (client_commit_id, state, schema_version, partition_id, operations_json, commit_seq, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(client_commit_id) DO UPDATE SET
		   state=excluded.state, commit_seq=excluded.commit_seq, attempts=excluded.attempts, updated_at=excluded.updated_at`,
		o.ClientCommitID, o.State, o.SchemaVersion, o.PartitionID, o.Operations, o.CommitSeq, o.Attempts,
		o.CreatedAt.Format(time.RFC3339Nano), o.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("clientstore: put outbox: %w", err)
	}
	return nil
}

func scanOutbox(row interface{ Scan(...any) error }) (store.OutboxRecord, error) {
	var o store.OutboxRecord
	var createdAt, updatedAt string
	err := row.Scan(&o.ClientCommitID, &o.State, &o.SchemaVersion, &o.PartitionID, &o.Operations, &o.CommitSeq, &o.Attempts, &createdAt, &updatedAt)
	if err == nil {
		o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	}
	return o, err
}

func (d *DB) GetOutbox(ctx context.Context, clientCommitID string) (store.OutboxRecord, bool, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT client_commit_id, state, schema_version, partition_id, operations_json, commit_seq, attempts, created_at, updated_at
		 FROM outbox_commits WHERE client_commit_id = ?`, clientCommitID)
	o, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return store.OutboxRecord{}, false, nil
	}
	if err != nil {
		return store.OutboxRecord{}, false, fmt.Errorf("clientstore: get outbox: %w", err)
	}
	return o, true, nil
}

func (d *DB) OldestPending(ctx context.Context) (store.OutboxRecord, bool, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT client_commit_id, state, schema_version, partition_id, operations_json, commit_seq, attempts, created_at, updated_at
		 FROM outbox_commits WHERE state = 'pending' ORDER BY created_at ASC LIMIT 1`)
	o, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return store.OutboxRecord{}, false, nil
	}
	if err != nil {
		return store.OutboxRecord{}, false, fmt.Errorf("clientstore: oldest pending: %w", err)
	}
	return o, true, nil
}

func (d *DB) ListSending(ctx context.Context, olderThan time.Time) ([]store.OutboxRecord, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT client_commit_id, state, schema_version, partition_id, operations_json, commit_seq, attempts, created_at, updated_at
		 FROM outbox_commits WHERE state = 'sending' AND updated_at < ?`, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("clientstore: list sending: %w", err)
	}
	defer rows.Close()
	var out []store.OutboxRecord
	for rows.Next() {
		o, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("clientstore: scan sending: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (d *DB) PutConflict(ctx context.Context, c store.ConflictRecord) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO conflicts (client_commit_id, tbl, row_id, server_row, server_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(client_commit_id) DO UPDATE SET server_row=excluded.server_row, server_version=excluded.server_version`,
		c.ClientCommitID, c.Table, c.RowID, c.ServerRow, c.ServerVersion, c.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("clientstore: put conflict: %w", err)
	}
	return nil
}

// ListConflicts returns every unresolved conflict, exposed to the host
// application for resolution (spec §4.3 step 4).
func (d *DB) ListConflicts(ctx context.Context) ([]store.ConflictRecord, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT client_commit_id, tbl, row_id, server_row, server_version, created_at FROM conflicts`)
	if err != nil {
		return nil, fmt.Errorf("clientstore: list conflicts: %w", err)
	}
	defer rows.Close()
	var out []store.ConflictRecord
	for rows.Next() {
		var c store.ConflictRecord
		var createdAt string
		if err := rows.Scan(&c.ClientCommitID, &c.Table, &c.RowID, &c.ServerRow, &c.ServerVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("clientstore: scan conflict: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetAppliedThrough and SetAppliedThrough track the client cursor for
// incremental pull application (internal/clientsync).
func (d *DB) GetAppliedThrough(ctx context.Context, partitionID string) (int64, error) {
	var v int64
	err := d.conn.QueryRowContext(ctx, `SELECT applied_through FROM pull_progress WHERE partition_id = ?`, partitionID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("clientstore: get applied through: %w", err)
	}
	return v, nil
}

func (d *DB) SetAppliedThrough(ctx context.Context, partitionID string, seq int64) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO pull_progress (partition_id, applied_through) VALUES (?, ?)
		 ON CONFLICT(partition_id) DO UPDATE SET applied_through=excluded.applied_through`,
		partitionID, seq,
	)
	if err != nil {
		return fmt.Errorf("clientstore: set applied through: %w", err)
	}
	return nil
}
