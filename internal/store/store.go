// Package store defines the storage-agnostic interface the sync core is
// built against. Per spec §1, "the concrete database driver... is an
// external collaborator"; this package is the seam. internal/store/sqlitestore
// implements it on database/sql + modernc.org/sqlite (the teacher's own
// stack); internal/store/pgstore implements the same interface natively on
// github.com/jackc/pgx/v5 to prove the core never assumes a particular
// driver or even a particular Go SQL abstraction.
//
// The persisted record kinds named in spec §6 ("storage-agnostic names") are
// modeled here as plain structs, except table_commits (written through
// Tx.InsertTableCommit without a struct) and the migration tracking table
// (owned by internal/migrate); table handlers (internal/handler)
// operate on application tables directly through database/sql and are out
// of this interface's remit, since those tables belong to the host
// application, not to Syncular.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors callers branch on.
var (
	ErrNotFound       = errors.New("store: not found")
	ErrCommitIDExists = errors.New("store: client_commit_id already recorded")
)

// CommitRecord is the persisted form of spec's Commit entity.
type CommitRecord struct {
	CommitSeq      int64
	ClientCommitID string
	ActorID        string
	ClientID       string
	PartitionID    string
	SchemaVersion  int
	CreatedAt      time.Time
}

// ChangeRecord is the persisted form of spec's Change entity.
type ChangeRecord struct {
	CommitSeq int64
	ChangeID  int64
	Table     string
	RowID     string
	Op        string // upsert | delete
	RowJSON   []byte
	RowVer    *int64
	Scopes    map[string]string
}

// CursorRecord is the persisted form of spec's ClientCursor entity, scoped
// to one subscription.
type CursorRecord struct {
	ClientID       string
	PartitionID    string
	SubscriptionID string
	Cursor         int64
	BootstrapState string
	// ResolvedScopesJSON is the json-encoded scope.Effective set this
	// subscription resolved to as of the last pull; comparing it against a
	// freshly computed Effective set is how the server sync engine detects
	// scope revocation (spec §4.5).
	ResolvedScopesJSON string
	UpdatedAt          time.Time
}

// ChunkRecord is the persisted metadata half of spec's SnapshotChunk entity
// (the body lives in the blob substrate, addressed by BodyHash).
type ChunkRecord struct {
	ChunkID        string
	PartitionID    string
	ScopeKey       string
	Table          string
	AsOfCommitSeq  int64
	RowCursor      string
	RowLimit       int
	Encoding       string
	Compression    string
	SHA256         string // of the decoded frame
	BodyHash       string // blob-substrate address, derived per spec §4.6
	ByteLength     int64
	ExpiresAt      time.Time
}

// BlobUploadRecord is the persisted form of a pending/complete upload slot.
type BlobUploadRecord struct {
	Hash      string
	Size      int64
	MimeType  string
	ActorID   string
	Status    string // pending | complete
	ExpiresAt time.Time
	CreatedAt time.Time
}

// BlobRecord records a completed, content-addressed binary body's metadata
// (the body itself lives in whatever substrate Blob Manager is configured
// with — see internal/blob).
type BlobRecord struct {
	Hash      string
	Size      int64
	MimeType  string
	CreatedAt time.Time
}

// OutboxRecord is the client-side persisted form of spec's OutboxCommit.
type OutboxRecord struct {
	ClientCommitID string
	State          string // pending | sending | acked | failed | conflict
	SchemaVersion  int
	PartitionID    string
	Operations     []byte // encoded []wire.Op
	CommitSeq      int64
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConflictRecord is the client-local record of a rejected operation,
// exposed to the host application for resolution.
type ConflictRecord struct {
	ClientCommitID string
	Table          string
	RowID          string
	ServerRow      []byte
	ServerVersion  int64
	CreatedAt      time.Time
}

// Tx is a storage transaction scoped to a single partition's commit
// sequence. Implementations must serialize commit-seq assignment within a
// partition (spec §4.1: "a single serialisable increment per partition").
type Tx interface {
	// FindCommitByClientCommitID implements push idempotency (spec §4.1 step 1).
	FindCommitByClientCommitID(ctx context.Context, clientID, clientCommitID string) (CommitRecord, []ChangeRecord, bool, error)

	// NextCommitSeq assigns the next commit_seq for the transaction's partition.
	NextCommitSeq(ctx context.Context) (int64, error)

	InsertCommit(ctx context.Context, c CommitRecord) error
	InsertTableCommit(ctx context.Context, commitSeq int64, table string) error
	InsertChange(ctx context.Context, ch ChangeRecord) error

	Commit() error
	Rollback() error
}

// Store is the top-level storage handle. Begin opens a Tx scoped to
// partitionID; callers (internal/serverengine) drive the whole push inside
// it so a handler failure aborts commit insertion atomically (spec §4.1).
type Store interface {
	Begin(ctx context.Context, partitionID string) (Tx, error)

	ChangesSince(ctx context.Context, partitionID string, afterSeq int64, limit int, excludeClientID string) ([]ChangeRecord, int64, bool, error)
	LatestCommitSeq(ctx context.Context, partitionID string) (int64, error)

	GetCursor(ctx context.Context, clientID, partitionID, subscriptionID string) (CursorRecord, error)
	PutCursor(ctx context.Context, c CursorRecord) error

	PutChunk(ctx context.Context, c ChunkRecord) error
	FindChunk(ctx context.Context, key ChunkKey) (ChunkRecord, bool, error)
	GetChunkByID(ctx context.Context, chunkID string) (ChunkRecord, bool, error)
	CleanupExpiredChunks(ctx context.Context, now time.Time) (int, error)

	PutBlobUpload(ctx context.Context, u BlobUploadRecord) error
	GetBlobUpload(ctx context.Context, hash string) (BlobUploadRecord, bool, error)
	CompleteBlobUpload(ctx context.Context, hash string) error
	PutBlob(ctx context.Context, b BlobRecord) error
	GetBlob(ctx context.Context, hash string) (BlobRecord, bool, error)
	CleanupExpiredUploads(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// ChunkKey is the page key spec §4.6 defines: "(partition_id, scope_key,
// table, as_of_commit_seq, row_cursor, row_limit, encoding, compression)".
type ChunkKey struct {
	PartitionID   string
	ScopeKey      string
	Table         string
	AsOfCommitSeq int64
	RowCursor     string
	RowLimit      int
	Encoding      string
	Compression   string
}
