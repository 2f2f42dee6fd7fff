// Package pgstore implements store.Store natively on github.com/jackc/pgx/v5,
// grounded on the pgx pooling idioms used by primal-pds's database package
// and DBAShand-cdc-sink-redshift's sinktest fixtures in the retrieval pack.
// It exists to prove the sync core in internal/serverengine never assumes
// database/sql or sqlite: the same Store interface that sqlitestore
// satisfies with *sql.DB is satisfied here with a native *pgxpool.Pool.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/syncular/syncular/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS commits (
	commit_seq       BIGINT NOT NULL,
	partition_id     TEXT NOT NULL,
	client_commit_id TEXT NOT NULL,
	actor_id         TEXT NOT NULL,
	client_id        TEXT NOT NULL,
	schema_version   INT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (partition_id, commit_seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_commits_idem ON commits(client_id, client_commit_id);

CREATE TABLE IF NOT EXISTS table_commits (
	partition_id TEXT NOT NULL,
	commit_seq   BIGINT NOT NULL,
	tbl          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS changes (
	partition_id TEXT NOT NULL,
	commit_seq   BIGINT NOT NULL,
	change_id    BIGINT NOT NULL,
	tbl          TEXT NOT NULL,
	row_id       TEXT NOT NULL,
	op           TEXT NOT NULL,
	row_json     BYTEA,
	row_version  BIGINT,
	scopes_json  TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (partition_id, commit_seq, change_id)
);

CREATE TABLE IF NOT EXISTS client_cursors (
	client_id       TEXT NOT NULL,
	partition_id    TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	cursor          BIGINT NOT NULL DEFAULT 0,
	bootstrap_state TEXT NOT NULL DEFAULT '',
	resolved_scopes_json TEXT NOT NULL DEFAULT '',
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (client_id, partition_id, subscription_id)
);

CREATE TABLE IF NOT EXISTS snapshot_chunks (
	chunk_id         TEXT PRIMARY KEY,
	partition_id     TEXT NOT NULL,
	scope_key        TEXT NOT NULL,
	tbl              TEXT NOT NULL,
	as_of_commit_seq BIGINT NOT NULL,
	row_cursor       TEXT NOT NULL,
	row_limit        INT NOT NULL,
	encoding         TEXT NOT NULL,
	compression      TEXT NOT NULL,
	sha256           TEXT NOT NULL,
	body_hash        TEXT NOT NULL,
	byte_length      BIGINT NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (partition_id, scope_key, tbl, as_of_commit_seq, row_cursor, row_limit, encoding, compression)
);

CREATE TABLE IF NOT EXISTS blob_uploads (
	hash       TEXT PRIMARY KEY,
	size       BIGINT NOT NULL,
	mime_type  TEXT NOT NULL,
	actor_id   TEXT NOT NULL,
	status     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS blobs (
	hash       TEXT PRIMARY KEY,
	size       BIGINT NOT NULL,
	mime_type  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// DB wraps a *pgxpool.Pool, implementing store.Store.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: create schema: %w", err)
	}
	return &DB{pool: pool}, nil
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

type tx struct {
	tx          pgx.Tx
	partitionID string
}

func (d *DB) Begin(ctx context.Context, partitionID string) (store.Tx, error) {
	t, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin: %w", err)
	}
	return &tx{tx: t, partitionID: partitionID}, nil
}

func (t *tx) Commit() error   { return t.tx.Commit(context.Background()) }
func (t *tx) Rollback() error { return t.tx.Rollback(context.Background()) }

func (t *tx) FindCommitByClientCommitID(ctx context.Context, clientID, clientCommitID string) (store.CommitRecord, []store.ChangeRecord, bool, error) {
	var c store.CommitRecord
	err := t.tx.QueryRow(ctx,
		`SELECT commit_seq, partition_id, client_commit_id, actor_id, client_id, schema_version, created_at
		 FROM commits WHERE client_id=$1 AND client_commit_id=$2`,
		clientID, clientCommitID,
	).Scan(&c.CommitSeq, &c.PartitionID, &c.ClientCommitID, &c.ActorID, &c.ClientID, &c.SchemaVersion, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return store.CommitRecord{}, nil, false, nil
	}
	if err != nil {
		return store.CommitRecord{}, nil, false, fmt.Errorf("pgstore: find commit: %w", err)
	}

	rows, err := t.tx.Query(ctx,
		`SELECT commit_seq, change_id, tbl, row_id, op, row_json, row_version, scopes_json
		 FROM changes WHERE partition_id=$1 AND commit_seq=$2 ORDER BY change_id ASC`,
		c.PartitionID, c.CommitSeq,
	)
	if err != nil {
		return c, nil, true, fmt.Errorf("pgstore: load cached changes: %w", err)
	}
	defer rows.Close()

	var changes []store.ChangeRecord
	for rows.Next() {
		var ch store.ChangeRecord
		var scopesJSON string
		if err := rows.Scan(&ch.CommitSeq, &ch.ChangeID, &ch.Table, &ch.RowID, &ch.Op, &ch.RowJSON, &ch.RowVer, &scopesJSON); err != nil {
			return c, nil, true, fmt.Errorf("pgstore: scan cached change: %w", err)
		}
		json.Unmarshal([]byte(scopesJSON), &ch.Scopes)
		changes = append(changes, ch)
	}
	return c, changes, true, rows.Err()
}

func (t *tx) NextCommitSeq(ctx context.Context) (int64, error) {
	var max *int64
	err := t.tx.QueryRow(ctx, `SELECT MAX(commit_seq) FROM commits WHERE partition_id=$1`, t.partitionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("pgstore: next commit seq: %w", err)
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}

func (t *tx) InsertCommit(ctx context.Context, c store.CommitRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO commits (commit_seq, partition_id, client_commit_id, actor_id, client_id, schema_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.CommitSeq, c.PartitionID, c.ClientCommitID, c.ActorID, c.ClientID, c.SchemaVersion, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: insert commit: %w", err)
	}
	return nil
}

func (t *tx) InsertTableCommit(ctx context.Context, commitSeq int64, table string) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO table_commits (partition_id, commit_seq, tbl) VALUES ($1, $2, $3)`, t.partitionID, commitSeq, table)
	if err != nil {
		return fmt.Errorf("pgstore: insert table_commit: %w", err)
	}
	return nil
}

func (t *tx) InsertChange(ctx context.Context, ch store.ChangeRecord) error {
	scopesJSON, err := json.Marshal(ch.Scopes)
	if err != nil {
		return fmt.Errorf("pgstore: marshal scopes: %w", err)
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO changes (partition_id, commit_seq, change_id, tbl, row_id, op, row_json, row_version, scopes_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.partitionID, ch.CommitSeq, ch.ChangeID, ch.Table, ch.RowID, ch.Op, ch.RowJSON, ch.RowVer, string(scopesJSON),
	)
	if err != nil {
		return fmt.Errorf("pgstore: insert change: %w", err)
	}
	return nil
}

func (d *DB) ChangesSince(ctx context.Context, partitionID string, afterSeq int64, limit int, excludeClientID string) ([]store.ChangeRecord, int64, bool, error) {
	var rows pgx.Rows
	var err error
	if excludeClientID != "" {
		rows, err = d.pool.Query(ctx,
			`SELECT c.commit_seq, c.change_id, c.tbl, c.row_id, c.op, c.row_json, c.row_version, c.scopes_json
			 FROM changes c JOIN commits m ON m.partition_id=c.partition_id AND m.commit_seq=c.commit_seq
			 WHERE c.partition_id=$1 AND c.commit_seq>$2 AND m.client_id!=$3
			 ORDER BY c.commit_seq ASC, c.change_id ASC LIMIT $4`,
			partitionID, afterSeq, excludeClientID, limit,
		)
	} else {
		rows, err = d.pool.Query(ctx,
			`SELECT commit_seq, change_id, tbl, row_id, op, row_json, row_version, scopes_json
			 FROM changes WHERE partition_id=$1 AND commit_seq>$2 ORDER BY commit_seq ASC, change_id ASC LIMIT $3`,
			partitionID, afterSeq, limit,
		)
	}
	if err != nil {
		return nil, afterSeq, false, fmt.Errorf("pgstore: query changes: %w", err)
	}
	defer rows.Close()

	last := afterSeq
	var out []store.ChangeRecord
	for rows.Next() {
		var ch store.ChangeRecord
		var scopesJSON string
		if err := rows.Scan(&ch.CommitSeq, &ch.ChangeID, &ch.Table, &ch.RowID, &ch.Op, &ch.RowJSON, &ch.RowVer, &scopesJSON); err != nil {
			return nil, afterSeq, false, fmt.Errorf("pgstore: scan change: %w", err)
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
	var seq int64
	err := d.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(commit_seq), 0) FROM commits WHERE partition_id=$1`, partitionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("pgstore: latest commit seq: %w", err)
	}
	return seq, nil
}

func (d *DB) GetCursor(ctx context.Context, clientID, partitionID, subscriptionID string) (store.CursorRecord, error) {
	var c store.CursorRecord
	err := d.pool.QueryRow(ctx,
		`SELECT client_id, partition_id, subscription_id, cursor, bootstrap_state, resolved_scopes_json, updated_at
		 FROM client_cursors WHERE client_id=$1 AND partition_id=$2 AND subscription_id=$3`,
		clientID, partitionID, subscriptionID,
	).Scan(&c.ClientID, &c.PartitionID, &c.SubscriptionID, &c.Cursor, &c.BootstrapState, &c.ResolvedScopesJSON, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return store.CursorRecord{ClientID: clientID, PartitionID: partitionID, SubscriptionID: subscriptionID}, nil
	}
	if err != nil {
		return store.CursorRecord{}, fmt.Errorf("pgstore: get cursor: %w", err)
	}
	return c, nil
}

func (d *DB) PutCursor(ctx context.Context, c store.CursorRecord) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO client_cursors (client_id, partition_id, subscription_id, cursor, bootstrap_state, resolved_scopes_json, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (client_id, partition_id, subscription_id) DO UPDATE SET
		   cursor=excluded.cursor, bootstrap_state=excluded.bootstrap_state, resolved_scopes_json=excluded.resolved_scopes_json, updated_at=excluded.updated_at`,
		c.ClientID, c.PartitionID, c.SubscriptionID, c.Cursor, c.BootstrapState, c.ResolvedScopesJSON, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("pgstore: put cursor: %w", err)
	}
	return nil
}

func (d *DB) PutChunk(ctx context.Context, c store.ChunkRecord) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO snapshot_chunks (chunk_id, partition_id, scope_key, tbl, as_of_commit_seq, row_cursor, row_limit, encoding, compression, sha256, body_hash, byte_length, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (chunk_id) DO NOTHING`,
		c.ChunkID, c.PartitionID, c.ScopeKey, c.Table, c.AsOfCommitSeq, c.RowCursor, c.RowLimit, c.Encoding, c.Compression, c.SHA256, c.BodyHash, c.ByteLength, c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: put chunk: %w", err)
	}
	return nil
}

func scanChunkRow(row pgx.Row) (store.ChunkRecord, error) {
	var c store.ChunkRecord
	err := row.Scan(&c.ChunkID, &c.PartitionID, &c.ScopeKey, &c.Table, &c.AsOfCommitSeq, &c.RowCursor, &c.RowLimit, &c.Encoding, &c.Compression, &c.SHA256, &c.BodyHash, &c.ByteLength, &c.ExpiresAt)
	return c, err
}

func (d *DB) FindChunk(ctx context.Context, key store.ChunkKey) (store.ChunkRecord, bool, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT chunk_id, partition_id, scope_key, tbl, as_of_commit_seq, row_cursor, row_limit, encoding, compression, sha256, body_hash, byte_length, expires_at
		 FROM snapshot_chunks
		 WHERE partition_id=$1 AND scope_key=$2 AND tbl=$3 AND as_of_commit_seq=$4 AND row_cursor=$5 AND row_limit=$6 AND encoding=$7 AND compression=$8
		   AND expires_at > now()`,
		key.PartitionID, key.ScopeKey, key.Table, key.AsOfCommitSeq, key.RowCursor, key.RowLimit, key.Encoding, key.Compression,
	)
	c, err := scanChunkRow(row)
	if err == pgx.ErrNoRows {
		return store.ChunkRecord{}, false, nil
	}
	if err != nil {
		return store.ChunkRecord{}, false, fmt.Errorf("pgstore: find chunk: %w", err)
	}
	return c, true, nil
}

func (d *DB) GetChunkByID(ctx context.Context, chunkID string) (store.ChunkRecord, bool, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT chunk_id, partition_id, scope_key, tbl, as_of_commit_seq, row_cursor, row_limit, encoding, compression, sha256, body_hash, byte_length, expires_at
		 FROM snapshot_chunks WHERE chunk_id=$1`, chunkID,
	)
	c, err := scanChunkRow(row)
	if err == pgx.ErrNoRows {
		return store.ChunkRecord{}, false, nil
	}
	if err != nil {
		return store.ChunkRecord{}, false, fmt.Errorf("pgstore: get chunk: %w", err)
	}
	return c, true, nil
}

func (d *DB) CleanupExpiredChunks(ctx context.Context, now time.Time) (int, error) {
	tag, err := d.pool.Exec(ctx, `DELETE FROM snapshot_chunks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("pgstore: cleanup expired chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (d *DB) PutBlobUpload(ctx context.Context, u store.BlobUploadRecord) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO blob_uploads (hash, size, mime_type, actor_id, status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (hash) DO UPDATE SET status=excluded.status, expires_at=excluded.expires_at`,
		u.Hash, u.Size, u.MimeType, u.ActorID, u.Status, u.ExpiresAt, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: put blob upload: %w", err)
	}
	return nil
}

func (d *DB) GetBlobUpload(ctx context.Context, hash string) (store.BlobUploadRecord, bool, error) {
	var u store.BlobUploadRecord
	err := d.pool.QueryRow(ctx,
		`SELECT hash, size, mime_type, actor_id, status, expires_at, created_at FROM blob_uploads WHERE hash=$1`, hash,
	).Scan(&u.Hash, &u.Size, &u.MimeType, &u.ActorID, &u.Status, &u.ExpiresAt, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return store.BlobUploadRecord{}, false, nil
	}
	if err != nil {
		return store.BlobUploadRecord{}, false, fmt.Errorf("pgstore: get blob upload: %w", err)
	}
	return u, true, nil
}

func (d *DB) CompleteBlobUpload(ctx context.Context, hash string) error {
	_, err := d.pool.Exec(ctx, `UPDATE blob_uploads SET status='complete' WHERE hash=$1`, hash)
	if err != nil {
		return fmt.Errorf("pgstore: complete blob upload: %w", err)
	}
	return nil
}

func (d *DB) PutBlob(ctx context.Context, b store.BlobRecord) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO blobs (hash, size, mime_type, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (hash) DO NOTHING`,
		b.Hash, b.Size, b.MimeType, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: put blob: %w", err)
	}
	return nil
}

func (d *DB) GetBlob(ctx context.Context, hash string) (store.BlobRecord, bool, error) {
	var b store.BlobRecord
	err := d.pool.QueryRow(ctx, `SELECT hash, size, mime_type, created_at FROM blobs WHERE hash=$1`, hash).
		Scan(&b.Hash, &b.Size, &b.MimeType, &b.CreatedAt)
	if err == pgx.ErrNoRows {
		return store.BlobRecord{}, false, nil
	}
	if err != nil {
		return store.BlobRecord{}, false, fmt.Errorf("pgstore: get blob: %w", err)
	}
	return b, true, nil
}

func (d *DB) CleanupExpiredUploads(ctx context.Context, now time.Time) (int, error) {
	tag, err := d.pool.Exec(ctx, `DELETE FROM blob_uploads WHERE status='pending' AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("pgstore: cleanup expired uploads: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ store.Store = (*DB)(nil)
