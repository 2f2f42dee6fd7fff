// Command syncd is the Syncular server binary: it wires the storage layer,
// blob substrate, snapshot chunk store, server sync engine, wake hub, and
// HTTP binding together and serves them, following the teacher's
// cmd/td-sync/main.go startup shape (load config, configure slog, open the
// store, build the server, serve until SIGINT/SIGTERM, shut down within a
// deadline).
//
// syncd ships with no table handlers registered: which tables a deployment
// syncs, and how their rows are shaped, is the host application's call (see
// internal/handler's package doc). A real deployment forks this file (or
// imports internal/httpapi directly) and calls handler.NewRegistry with its
// own handler.Handler implementations before passing it to serverengine.New.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/syncular/syncular/internal/blob"
	"github.com/syncular/syncular/internal/handler"
	"github.com/syncular/syncular/internal/httpapi"
	"github.com/syncular/syncular/internal/serverconfig"
	"github.com/syncular/syncular/internal/serverengine"
	"github.com/syncular/syncular/internal/snapshot"
	"github.com/syncular/syncular/internal/store/sqlitestore"
	"github.com/syncular/syncular/internal/telemetry/promsink"
	"github.com/syncular/syncular/internal/wake"
)

func main() {
	cfg := serverconfig.Load()

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.ToLower(cfg.LogFormat) == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)

	st, err := sqlitestore.Open(cfg.StoreDSN)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	// syncd's own bookkeeping tables (commits, changes, cursors, chunk and
	// blob metadata) are bootstrapped directly by sqlitestore.Open. A host
	// application layers internal/migrate on top of st.Conn() to manage the
	// schema of the application tables its own handlers read and write.

	substrate, err := blob.NewFSSubstrate(cfg.BlobDir)
	if err != nil {
		logger.Error("init blob substrate", "err", err)
		os.Exit(1)
	}
	blobs := blob.New(st, substrate, []byte(cfg.BlobSecret), "/v1", cfg.UploadTTL)
	snapshots := snapshot.New(st, blobs, "gzip", cfg.ChunkTTL)

	hub := wake.NewHub(logger)

	// A real deployment registers its own table handlers here.
	registry := handler.NewRegistry()

	sink := promsink.New()
	engine := serverengine.New(st.Conn(), st, registry, snapshots, hub, sink, logger)

	srv := httpapi.New(cfg, engine, snapshots, blobs, hub, noopAuthenticator{}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go cleanupLoop(ctx, blobs, snapshots, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("serve", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}
}

// cleanupLoop periodically reclaims expired upload slots and chunk metadata
// (spec §4.6/§4.7's cleanup operations are never invoked by the hot path).
func cleanupLoop(ctx context.Context, blobs *blob.Manager, snapshots *snapshot.Store, logger *slog.Logger) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := blobs.Cleanup(ctx); err != nil {
				logger.Warn("blob cleanup", "err", err)
			} else if n > 0 {
				logger.Info("blob cleanup reclaimed uploads", "count", n)
			}
			if n, err := snapshots.CleanupExpired(ctx); err != nil {
				logger.Warn("snapshot cleanup", "err", err)
			} else if n > 0 {
				logger.Info("snapshot cleanup reclaimed chunks", "count", n)
			}
		}
	}
}

// noopAuthenticator accepts every request as an anonymous actor; a real
// deployment supplies its own httpapi.Authenticator (API keys, device auth,
// mTLS, whatever the host application already uses).
type noopAuthenticator struct{}

func (noopAuthenticator) Authenticate(r *http.Request) (handler.Actor, error) {
	return handler.Actor{ID: "anonymous"}, nil
}
