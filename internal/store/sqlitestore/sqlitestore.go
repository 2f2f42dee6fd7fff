// Package sqlitestore implements store.Store on database/sql against
// modernc.org/sqlite, the teacher's own database stack (internal/serverdb,
// internal/db). Pragmas and schema bootstrapping follow
// internal/serverdb/serverdb.go's Open function closely.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/syncular/syncular/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS commits (
	commit_seq        INTEGER NOT NULL,
	partition_id      TEXT NOT NULL,
	client_commit_id  TEXT NOT NULL,
	actor_id          TEXT NOT NULL,
	client_id         TEXT NOT NULL,
	schema_version    INTEGER NOT NULL,
	created_at        TEXT NOT NULL,
	PRIMARY KEY (partition_id, commit_seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_commits_idem ON commits(client_id, client_commit_id);

CREATE TABLE IF NOT EXISTS table_commits (
	partition_id TEXT NOT NULL,
	commit_seq   INTEGER NOT NULL,
	tbl          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_table_commits ON table_commits(tbl, partition_id, commit_seq);

CREATE TABLE IF NOT EXISTS changes (
	partition_id TEXT NOT NULL,
	commit_seq   INTEGER NOT NULL,
	change_id    INTEGER NOT NULL,
	tbl          TEXT NOT NULL,
	row_id       TEXT NOT NULL,
	op           TEXT NOT NULL,
	row_json     BLOB,
	row_version  INTEGER,
	scopes_json  TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (partition_id, commit_seq, change_id)
);
CREATE INDEX IF NOT EXISTS idx_changes_seq ON changes(partition_id, commit_seq);

CREATE TABLE IF NOT EXISTS client_cursors (
	client_id       TEXT NOT NULL,
	partition_id    TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	cursor          INTEGER NOT NULL DEFAULT 0,
	bootstrap_state TEXT NOT NULL DEFAULT '',
	resolved_scopes_json TEXT NOT NULL DEFAULT '',
	updated_at      TEXT NOT NULL,
	PRIMARY KEY (client_id, partition_id, subscription_id)
);

CREATE TABLE IF NOT EXISTS snapshot_chunks (
	chunk_id        TEXT PRIMARY KEY,
	partition_id    TEXT NOT NULL,
	scope_key       TEXT NOT NULL,
	tbl             TEXT NOT NULL,
	as_of_commit_seq INTEGER NOT NULL,
	row_cursor      TEXT NOT NULL,
	row_limit       INTEGER NOT NULL,
	encoding        TEXT NOT NULL,
	compression     TEXT NOT NULL,
	sha256          TEXT NOT NULL,
	body_hash       TEXT NOT NULL,
	byte_length     INTEGER NOT NULL,
	expires_at      TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_key ON snapshot_chunks(partition_id, scope_key, tbl, as_of_commit_seq, row_cursor, row_limit, encoding, compression);

CREATE TABLE IF NOT EXISTS blob_uploads (
	hash       TEXT PRIMARY KEY,
	size       INTEGER NOT NULL,
	mime_type  TEXT NOT NULL,
	actor_id   TEXT NOT NULL,
	status     TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS blobs (
	hash       TEXT PRIMARY KEY,
	size       INTEGER NOT NULL,
	mime_type  TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// DB wraps a *sql.DB opened against a sqlite file, implementing store.Store.
type DB struct {
	conn *sql.DB
}

// Open opens (and creates, if absent) a sqlite-backed store at path,
// applying the same pragmas as internal/serverdb.Open: WAL mode, a 5s busy
// timeout, NORMAL synchronous, and foreign keys on.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=ON")

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Conn exposes the underlying *sql.DB for components (migrate, handler,
// proxy) that operate on application tables directly.
func (d *DB) Conn() *sql.DB { return d.conn }

func (d *DB) Close() error {
	d.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return d.conn.Close()
}

type tx struct {
	tx          *sql.Tx
	partitionID string
}

func (d *DB) Begin(ctx context.Context, partitionID string) (store.Tx, error) {
	t, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &tx{tx: t, partitionID: partitionID}, nil
}

func (t *tx) Commit() error   { return t.tx.Commit() }
func (t *tx) Rollback() error { return t.tx.Rollback() }

func (t *tx) FindCommitByClientCommitID(ctx context.Context, clientID, clientCommitID string) (store.CommitRecord, []store.ChangeRecord, bool, error) {
	var c store.CommitRecord
	var createdAt string
	err := t.tx.QueryRowContext(ctx,
		`SELECT commit_seq, partition_id, client_commit_id, actor_id, client_id, schema_version, created_at
		 FROM commits WHERE client_id=? AND client_commit_id=?`,
		clientID, clientCommitID,
	).Scan(&c.CommitSeq, &c.PartitionID, &c.ClientCommitID, &c.ActorID, &c.ClientID, &c.SchemaVersion, &createdAt)
	if err == sql.ErrNoRows {
		return store.CommitRecord{}, nil, false, nil
	}
	if err != nil {
		return store.CommitRecord{}, nil, false, fmt.Errorf("find commit: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	rows, err := t.tx.QueryContext(ctx,
		`SELECT commit_seq, change_id, tbl, row_id, op, row_json, row_version, scopes_json
		 FROM changes WHERE partition_id=? AND commit_seq=? ORDER BY change_id ASC`,
		c.PartitionID, c.CommitSeq,
	)
	if err != nil {
		return c, nil, true, fmt.Errorf("load cached changes: %w", err)
	}
	defer rows.Close()

	var changes []store.ChangeRecord
	for rows.Next() {
		var ch store.ChangeRecord
		var scopesJSON string
		if err := rows.Scan(&ch.CommitSeq, &ch.ChangeID, &ch.Table, &ch.RowID, &ch.Op, &ch.RowJSON, &ch.RowVer, &scopesJSON); err != nil {
			return c, nil, true, fmt.Errorf("scan cached change: %w", err)
		}
		json.Unmarshal([]byte(scopesJSON), &ch.Scopes)
		changes = append(changes, ch)
	}
	return c, changes, true, rows.Err()
}

func (t *tx) NextCommitSeq(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := t.tx.QueryRowContext(ctx,
		`SELECT MAX(commit_seq) FROM commits WHERE partition_id=?`, t.partitionID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("next commit seq: %w", err)
	}
	return max.Int64 + 1, nil
}

func (t *tx) InsertCommit(ctx context.Context, c store.CommitRecord) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO commits (commit_seq, partition_id, client_commit_id, actor_id, client_id, schema_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.CommitSeq, c.PartitionID, c.ClientCommitID, c.ActorID, c.ClientID, c.SchemaVersion, c.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert commit: %w", err)
	}
	return nil
}

func (t *tx) InsertTableCommit(ctx context.Context, commitSeq int64, table string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO table_commits (partition_id, commit_seq, tbl) VALUES (?, ?, ?)`,
		t.partitionID, commitSeq, table,
	)
	if err != nil {
		return fmt.Errorf("insert table_commit: %w", err)
	}
	return nil
}

func (t *tx) InsertChange(ctx context.Context, ch store.ChangeRecord) error {
	scopesJSON, err := json.Marshal(ch.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO changes (partition_id, commit_seq, change_id, tbl, row_id, op, row_json, row_version, scopes_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.partitionID, ch.CommitSeq, ch.ChangeID, ch.Table, ch.RowID, ch.Op, ch.RowJSON, ch.RowVer, string(scopesJSON),
	)
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	return nil
}

func (d *DB) ChangesSince(ctx context.Context, partitionID string, afterSeq int64, limit int, excludeClientID string) ([]store.ChangeRecord, int64, bool, error) {
	var rows *sql.Rows
	var err error
	if excludeClientID != "" {
		rows, err = d.conn.QueryContext(ctx,
			`SELECT c.commit_seq, c.change_id, c.tbl, c.row_id, c.op, c.row_json, c.row_version, c.scopes_json
			 FROM changes c JOIN commits m ON m.partition_id=c.partition_id AND m.commit_seq=c.commit_seq
			 WHERE c.partition_id=? AND c.commit_seq>? AND m.client_id!=?
			 ORDER BY c.commit_seq ASC, c.change_id ASC LIMIT ?`,
			partitionID, afterSeq, excludeClientID, limit,
		)
	} else {
		rows, err = d.conn.QueryContext(ctx,
			`SELECT commit_seq, change_id, tbl, row_id, op, row_json, row_version, scopes_json
			 FROM changes WHERE partition_id=? AND commit_seq>? ORDER BY commit_seq ASC, change_id ASC LIMIT ?`,
			partitionID, afterSeq, limit,
		)
	}
	if err != nil {
		return nil, afterSeq, false, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	last := afterSeq
	var out []store.ChangeRecord
	for rows.Next() {
		var ch store.ChangeRecord
		var scopesJSON string
		if err := rows.Scan(&ch.CommitSeq, &ch.ChangeID, &ch.Table, &ch.RowID, &ch.Op, &ch.RowJSON, &ch.RowVer, &scopesJSON); err != nil {
			return nil, afterSeq, false, fmt.Errorf("scan change: %w", err)
		}
		json.Unmarshal([]byte(scopesJSON), &ch.Scopes)
		out = append(out, ch)
		last = ch.CommitSeq
	}
	return out, last, len(out) == limit, rows.Err()
}

// LatestCommitSeq returns the highest commit_seq recorded for partitionID,
// or 0 if the partition has no commits yet.
func (d *DB) LatestCommitSeq(ctx context.Context, partitionID string) (int64, error) {
	var seq sql.NullInt64
	err := d.conn.QueryRowContext(ctx,
		`SELECT MAX(commit_seq) FROM commits WHERE partition_id=?`, partitionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest commit seq: %w", err)
	}
	return seq.Int64, nil
}

func (d *DB) GetCursor(ctx context.Context, clientID, partitionID, subscriptionID string) (store.CursorRecord, error) {
	var c store.CursorRecord
	var updatedAt string
	err := d.conn.QueryRowContext(ctx,
		`SELECT client_id, partition_id, subscription_id, cursor, bootstrap_state, resolved_scopes_json, updated_at
		 FROM client_cursors WHERE client_id=? AND partition_id=? AND subscription_id=?`,
		clientID, partitionID, subscriptionID,
	).Scan(&c.ClientID, &c.PartitionID, &c.SubscriptionID, &c.Cursor, &c.BootstrapState, &c.ResolvedScopesJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return store.CursorRecord{ClientID: clientID, PartitionID: partitionID, SubscriptionID: subscriptionID}, nil
	}
	if err != nil {
		return store.CursorRecord{}, fmt.Errorf("get cursor: %w", err)
	}
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return c, nil
}

func (d *DB) PutCursor(ctx context.Context, c store.CursorRecord) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO client_cursors (client_id, partition_id, subscription_id, cursor, bootstrap_state, resolved_scopes_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(client_id, partition_id, subscription_id) DO UPDATE SET
		   cursor=excluded.cursor, bootstrap_state=excluded.bootstrap_state, resolved_scopes_json=excluded.resolved_scopes_json, updated_at=excluded.updated_at`,
		c.ClientID, c.PartitionID, c.SubscriptionID, c.Cursor, c.BootstrapState, c.ResolvedScopesJSON, time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put cursor: %w", err)
	}
	return nil
}

func (d *DB) PutChunk(ctx context.Context, c store.ChunkRecord) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO snapshot_chunks (chunk_id, partition_id, scope_key, tbl, as_of_commit_seq, row_cursor, row_limit, encoding, compression, sha256, body_hash, byte_length, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chunk_id) DO NOTHING`,
		c.ChunkID, c.PartitionID, c.ScopeKey, c.Table, c.AsOfCommitSeq, c.RowCursor, c.RowLimit, c.Encoding, c.Compression, c.SHA256, c.BodyHash, c.ByteLength, c.ExpiresAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put chunk: %w", err)
	}
	return nil
}

func scanChunk(row interface{ Scan(...any) error }) (store.ChunkRecord, error) {
	var c store.ChunkRecord
	var expiresAt string
	err := row.Scan(&c.ChunkID, &c.PartitionID, &c.ScopeKey, &c.Table, &c.AsOfCommitSeq, &c.RowCursor, &c.RowLimit, &c.Encoding, &c.Compression, &c.SHA256, &c.BodyHash, &c.ByteLength, &expiresAt)
	if err == nil {
		c.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	}
	return c, err
}

func (d *DB) FindChunk(ctx context.Context, key store.ChunkKey) (store.ChunkRecord, bool, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT chunk_id, partition_id, scope_key, tbl, as_of_commit_seq, row_cursor, row_limit, encoding, compression, sha256, body_hash, byte_length, expires_at
		 FROM snapshot_chunks
		 WHERE partition_id=? AND scope_key=? AND tbl=? AND as_of_commit_seq=? AND row_cursor=? AND row_limit=? AND encoding=? AND compression=?
		   AND expires_at > ?`,
		key.PartitionID, key.ScopeKey, key.Table, key.AsOfCommitSeq, key.RowCursor, key.RowLimit, key.Encoding, key.Compression, time.Now().Format(time.RFC3339Nano),
	)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return store.ChunkRecord{}, false, nil
	}
	if err != nil {
		return store.ChunkRecord{}, false, fmt.Errorf("find chunk: %w", err)
	}
	return c, true, nil
}

func (d *DB) GetChunkByID(ctx context.Context, chunkID string) (store.ChunkRecord, bool, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT chunk_id, partition_id, scope_key, tbl, as_of_commit_seq, row_cursor, row_limit, encoding, compression, sha256, body_hash, byte_length, expires_at
		 FROM snapshot_chunks WHERE chunk_id=?`, chunkID,
	)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return store.ChunkRecord{}, false, nil
	}
	if err != nil {
		return store.ChunkRecord{}, false, fmt.Errorf("get chunk: %w", err)
	}
	return c, true, nil
}

func (d *DB) CleanupExpiredChunks(ctx context.Context, now time.Time) (int, error) {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM snapshot_chunks WHERE expires_at <= ?`, now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("cleanup expired chunks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (d *DB) PutBlobUpload(ctx context.Context, u store.BlobUploadRecord) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO blob_uploads (hash, size, mime_type, actor_id, status, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(hash) DO UPDATE SET status=excluded.status, expires_at=excluded.expires_at`,
		u.Hash, u.Size, u.MimeType, u.ActorID, u.Status, u.ExpiresAt.Format(time.RFC3339Nano), u.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put blob upload: %w", err)
	}
	return nil
}

func (d *DB) GetBlobUpload(ctx context.Context, hash string) (store.BlobUploadRecord, bool, error) {
	var u store.BlobUploadRecord
	var expiresAt, createdAt string
	err := d.conn.QueryRowContext(ctx,
		`SELECT hash, size, mime_type, actor_id, status, expires_at, created_at FROM blob_uploads WHERE hash=?`, hash,
	).Scan(&u.Hash, &u.Size, &u.MimeType, &u.ActorID, &u.Status, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return store.BlobUploadRecord{}, false, nil
	}
	if err != nil {
		return store.BlobUploadRecord{}, false, fmt.Errorf("get blob upload: %w", err)
	}
	u.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return u, true, nil
}

func (d *DB) CompleteBlobUpload(ctx context.Context, hash string) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE blob_uploads SET status='complete' WHERE hash=?`, hash)
	if err != nil {
		return fmt.Errorf("complete blob upload: %w", err)
	}
	return nil
}

func (d *DB) PutBlob(ctx context.Context, b store.BlobRecord) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO blobs (hash, size, mime_type, created_at) VALUES (?, ?, ?, ?) ON CONFLICT(hash) DO NOTHING`,
		b.Hash, b.Size, b.MimeType, b.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	return nil
}

func (d *DB) GetBlob(ctx context.Context, hash string) (store.BlobRecord, bool, error) {
	var b store.BlobRecord
	var createdAt string
	err := d.conn.QueryRowContext(ctx, `SELECT hash, size, mime_type, created_at FROM blobs WHERE hash=?`, hash).
		Scan(&b.Hash, &b.Size, &b.MimeType, &createdAt)
	if err == sql.ErrNoRows {
		return store.BlobRecord{}, false, nil
	}
	if err != nil {
		return store.BlobRecord{}, false, fmt.Errorf("get blob: %w", err)
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return b, true, nil
}

func (d *DB) CleanupExpiredUploads(ctx context.Context, now time.Time) (int, error) {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM blob_uploads WHERE status='pending' AND expires_at <= ?`, now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("cleanup expired uploads: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var _ store.Store = (*DB)(nil)
