package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/syncular/syncular/internal/clientconfig"
	"github.com/syncular/syncular/internal/httpapi"
	"github.com/syncular/syncular/internal/outbox"
	"github.com/syncular/syncular/internal/store/clientstore"
)

// schemaVersion is the wire schema version this syncctl build speaks; a
// host application embedding clientsync/outbox directly picks its own.
const schemaVersion = 1

// openClientDB opens the local outbox/cursor database at
// ~/.config/syncular/client.db, mirroring clientconfig.ConfigDir's layout.
func openClientDB() (*clientstore.DB, error) {
	dir, err := clientconfig.ConfigDir()
	if err != nil {
		return nil, err
	}
	return clientstore.Open(filepath.Join(dir, "client.db"))
}

func newAPIClient() *httpapi.Client {
	return httpapi.NewClient(clientconfig.GetServerURL(), clientconfig.GetAPIKey())
}

func newOutboxEngine(db *clientstore.DB) (*outbox.Engine, error) {
	deviceID, err := clientconfig.GetDeviceID()
	if err != nil {
		return nil, err
	}
	endpoint := clientconfig.GetServerURL() + "/v1/sync/push"
	return outbox.New(db, endpoint, deviceID, schemaVersion, clientconfig.GetPartitionID(), cliLogger()), nil
}

func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// subCursor is the persisted state of one subscription between syncctl
// invocations: clientsync.Engine otherwise only tracks it in memory for the
// lifetime of a single PullOnce call.
type subCursor struct {
	Cursor         int64  `json:"cursor"`
	BootstrapState string `json:"bootstrap_state,omitempty"`
}

func cursorsPath() (string, error) {
	dir, err := clientconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cursors.json"), nil
}

func loadCursors() (map[string]subCursor, error) {
	path, err := cursorsPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]subCursor{}, nil
		}
		return nil, err
	}
	cursors := map[string]subCursor{}
	if err := json.Unmarshal(data, &cursors); err != nil {
		return nil, err
	}
	return cursors, nil
}

func saveCursors(cursors map[string]subCursor) error {
	path, err := cursorsPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cursors, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
