// Package blob implements the Blob Manager (spec §4.7): content-addressed
// binary storage with presigned upload/download URLs. Signing follows the
// HMAC-SHA256 pattern the teacher uses to authenticate outbound webhook
// deliveries (internal/webhook/webhook.go's Dispatch), generalized from
// "sign a request body" to "sign a {hash, action, expiry} capability".
package blob

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/wire"
)

var (
	// ErrSizeMismatch is returned when a completed upload's body doesn't
	// match the size declared at initiate_upload.
	ErrSizeMismatch = errors.New("blob: body size does not match declared size")
	// ErrHashMismatch is returned when a completed upload's content hash
	// doesn't match the declared hash (spec §4.7: "content-addressed").
	ErrHashMismatch = errors.New("blob: body hash does not match declared hash")
	// ErrUploadExpired is returned when completing an upload slot whose
	// presigned window has elapsed.
	ErrUploadExpired = errors.New("blob: upload slot expired")
)

// Substrate is where blob bodies actually live. Manager itself implements
// internal/snapshot.BlobPutter (PutBody/GetBody) on top of its Substrate.
type Substrate interface {
	Put(ctx context.Context, hash string, body io.Reader, size int64) error
	Get(ctx context.Context, hash string) (io.ReadCloser, error)
	Delete(ctx context.Context, hash string) error
}

// Manager implements spec §4.7's initiate_upload/complete_upload/
// get_download_url/cleanup operations.
type Manager struct {
	st        store.Store
	substrate Substrate
	secret    []byte
	urlPrefix string
	uploadTTL time.Duration
}

// New builds a Manager. secret signs presigned URLs; urlPrefix is the base
// the manager appends "/blobs/<hash>" style paths to.
func New(st store.Store, substrate Substrate, secret []byte, urlPrefix string, uploadTTL time.Duration) *Manager {
	if uploadTTL <= 0 {
		uploadTTL = 15 * time.Minute
	}
	return &Manager{st: st, substrate: substrate, secret: secret, urlPrefix: urlPrefix, uploadTTL: uploadTTL}
}

// InitiateUpload implements spec §4.7's initiate_upload: it records a
// pending upload slot for hash and returns a presigned PUT URL. If hash is
// already a completed blob, no upload slot is recorded and the manager
// returns an empty PresignedURL with the bool result true, so the client can
// skip the body transfer (spec §4.7: "dedup... skip body transfer").
func (m *Manager) InitiateUpload(ctx context.Context, actorID, hash string, size int64, mimeType string) (wire.PresignedURL, bool, error) {
	if existing, found, err := m.st.GetBlob(ctx, hash); err != nil {
		return wire.PresignedURL{}, false, fmt.Errorf("blob: check existing: %w", err)
	} else if found {
		_ = existing
		return wire.PresignedURL{}, true, nil
	}

	expiresAt := time.Now().Add(m.uploadTTL).UTC()
	if err := m.st.PutBlobUpload(ctx, store.BlobUploadRecord{
		Hash: hash, Size: size, MimeType: mimeType, ActorID: actorID,
		Status: "pending", ExpiresAt: expiresAt, CreatedAt: time.Now().UTC(),
	}); err != nil {
		return wire.PresignedURL{}, false, fmt.Errorf("blob: initiate upload: %w", err)
	}

	return m.sign(hash, "PUT", expiresAt), false, nil
}

// CompleteUpload implements spec §4.7's complete_upload: it verifies the
// uploaded body's size and content hash against what was declared, then
// promotes the upload slot to a durable blob record.
func (m *Manager) CompleteUpload(ctx context.Context, hash string, body io.Reader, size int64) error {
	upload, found, err := m.st.GetBlobUpload(ctx, hash)
	if err != nil {
		return fmt.Errorf("blob: get upload: %w", err)
	}
	if !found {
		return fmt.Errorf("blob: %w: no upload slot for %s", store.ErrNotFound, hash)
	}
	if time.Now().After(upload.ExpiresAt) {
		return ErrUploadExpired
	}
	if size != upload.Size {
		return ErrSizeMismatch
	}

	hasher := sha256.New()
	tee := io.TeeReader(body, hasher)
	if err := m.substrate.Put(ctx, hash, tee, size); err != nil {
		return fmt.Errorf("blob: put body: %w", err)
	}
	actualHash := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	if actualHash != hash {
		_ = m.substrate.Delete(ctx, hash)
		return ErrHashMismatch
	}

	if err := m.st.PutBlob(ctx, store.BlobRecord{Hash: hash, Size: size, MimeType: upload.MimeType, CreatedAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("blob: put blob record: %w", err)
	}
	if err := m.st.CompleteBlobUpload(ctx, hash); err != nil {
		return fmt.Errorf("blob: complete upload: %w", err)
	}
	return nil
}

// GetDownloadURL implements spec §4.7's get_download_url for a completed blob.
func (m *Manager) GetDownloadURL(ctx context.Context, hash string) (wire.PresignedURL, error) {
	if _, found, err := m.st.GetBlob(ctx, hash); err != nil {
		return wire.PresignedURL{}, fmt.Errorf("blob: get blob: %w", err)
	} else if !found {
		return wire.PresignedURL{}, fmt.Errorf("blob: %w: %s", store.ErrNotFound, hash)
	}
	return m.sign(hash, "GET", time.Now().Add(m.uploadTTL).UTC()), nil
}

// sign builds a presigned URL whose signature binds {hash, action,
// expires_at}, following the teacher's webhook HMAC-SHA256 construction
// (timestamp + "." + body, here hash + "." + action + "." + expiry).
func (m *Manager) sign(hash, action string, expiresAt time.Time) wire.PresignedURL {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(hash))
	mac.Write([]byte("."))
	mac.Write([]byte(action))
	mac.Write([]byte("."))
	mac.Write([]byte(expiresAt.Format(time.RFC3339)))
	sig := hex.EncodeToString(mac.Sum(nil))
	return wire.PresignedURL{
		URL:       fmt.Sprintf("%s/blobs/%s?action=%s&expires=%s&sig=%s", m.urlPrefix, hash, action, expiresAt.Format(time.RFC3339), sig),
		Method:    action,
		ExpiresAt: expiresAt,
	}
}

// Verify reports whether sig is a valid signature for {hash, action,
// expiresAt} and that expiresAt has not yet passed. The blob routes of the
// HTTP binding (internal/httpapi) do not call it.
func (m *Manager) Verify(hash, action, expires, sig string) bool {
	expiresAt, err := time.Parse(time.RFC3339, expires)
	if err != nil || time.Now().After(expiresAt) {
		return false
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(hash))
	mac.Write([]byte("."))
	mac.Write([]byte(action))
	mac.Write([]byte("."))
	mac.Write([]byte(expires))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Cleanup implements spec §4.7's cleanup: it reclaims upload slots whose
// presigned window lapsed without a completed body.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	n, err := m.st.CleanupExpiredUploads(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("blob: cleanup: %w", err)
	}
	return n, nil
}

// FSSubstrate is a filesystem-backed Substrate, suitable for a single-node
// deployment or local development; production deployments swap in an
// object-storage-backed Substrate without changing Manager.
type FSSubstrate struct {
	dir string
}

// NewFSSubstrate builds a Substrate rooted at dir, creating it if absent.
func NewFSSubstrate(dir string) (*FSSubstrate, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: fs substrate: %w", err)
	}
	return &FSSubstrate{dir: dir}, nil
}

func (f *FSSubstrate) path(hash string) string {
	// hash is "sha256:<hex>"; the colon is a valid filename byte on every
	// filesystem this substrate targets.
	return filepath.Join(f.dir, hash)
}

func (f *FSSubstrate) Put(ctx context.Context, hash string, body io.Reader, size int64) error {
	file, err := os.Create(f.path(hash))
	if err != nil {
		return fmt.Errorf("fs substrate: create: %w", err)
	}
	defer file.Close()
	if _, err := io.Copy(file, body); err != nil {
		return fmt.Errorf("fs substrate: write: %w", err)
	}
	return nil
}

func (f *FSSubstrate) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	file, err := os.Open(f.path(hash))
	if err != nil {
		return nil, fmt.Errorf("fs substrate: open: %w", err)
	}
	return file, nil
}

func (f *FSSubstrate) Delete(ctx context.Context, hash string) error {
	if err := os.Remove(f.path(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fs substrate: delete: %w", err)
	}
	return nil
}

// PutBody and GetBody satisfy internal/snapshot.BlobPutter, letting the
// snapshot chunk store share this same content-addressed substrate.
func (m *Manager) PutBody(ctx context.Context, hash string, body []byte) error {
	if _, found, err := m.st.GetBlob(ctx, hash); err == nil && found {
		return nil
	}
	if err := m.substrate.Put(ctx, hash, bytes.NewReader(body), int64(len(body))); err != nil {
		return err
	}
	return m.st.PutBlob(ctx, store.BlobRecord{Hash: hash, Size: int64(len(body)), MimeType: "application/octet-stream", CreatedAt: time.Now().UTC()})
}

func (m *Manager) GetBody(ctx context.Context, hash string) ([]byte, error) {
	rc, err := m.substrate.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
