// Package ids generates identifiers in the two styles used across Syncular:
// short prefixed hex ids for human-facing records, and uuids for high-volume
// client-assigned identifiers such as outbox commit ids.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// New creates a prefixed id with 10 random hex chars, e.g. "sub_3f9a1c2b4d".
func New(prefix string) string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		panic("ids: generate id: " + err.Error())
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// NewCommitID returns a fresh client_commit_id. It is a uuid rather than a
// prefixed hex id because the outbox mints these at a much higher rate than
// any other identifier in the system and has no need for a human-readable
// prefix — only global uniqueness and stability across retries.
func NewCommitID() string {
	return uuid.NewString()
}

// NewUploadToken returns an opaque token for a pending blob upload record.
func NewUploadToken() string {
	return uuid.NewString()
}
