// Package httpapi binds the server sync engine, snapshot chunk store, blob
// manager, and wake hub onto net/http, following the teacher's
// internal/api/server.go shape: a Server struct wrapping http.Server, a
// routes() method building a *http.ServeMux with Go 1.22+ method+pattern
// routes, and a chain() middleware helper applied outermost-first.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/syncular/syncular/internal/blob"
	"github.com/syncular/syncular/internal/handler"
	"github.com/syncular/syncular/internal/serverconfig"
	"github.com/syncular/syncular/internal/serverengine"
	"github.com/syncular/syncular/internal/snapshot"
	"github.com/syncular/syncular/internal/wake"
	"github.com/syncular/syncular/internal/wire"
)

// Authenticator resolves an inbound request into an actor; an error rejects
// the request with 401.
type Authenticator interface {
	Authenticate(r *http.Request) (handler.Actor, error)
}

// Server exposes the sync engine over HTTP.
type Server struct {
	httpServer  *http.Server
	engine      *serverengine.Engine
	snapshots   *snapshot.Store
	blobs       *blob.Manager
	wake        *wake.Hub
	auth        Authenticator
	rateLimiter *RateLimiter
	cfg         serverconfig.Config
	logger      *slog.Logger
}

// New builds a Server bound to cfg.ListenAddr, wiring routes() as its handler.
func New(cfg serverconfig.Config, engine *serverengine.Engine, snapshots *snapshot.Store, blobs *blob.Manager, hub *wake.Hub, auth Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: engine, snapshots: snapshots, blobs: blobs, wake: hub, auth: auth,
		rateLimiter: NewRateLimiter(),
		cfg:         cfg, logger: logger,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// ListenAndServe starts serving until Shutdown is called or a fatal error
// occurs; a clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("httpapi: listening", "addr", s.cfg.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests within the configured
// shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/sync/push", s.chain(s.handlePush, s.cfg.RateLimitPush))
	mux.Handle("POST /v1/sync/pull", s.chain(s.handlePull, s.cfg.RateLimitPull))
	mux.Handle("GET /v1/sync/chunks/{chunkID}", s.chain(s.handleGetChunk, s.cfg.RateLimitOther))

	mux.Handle("POST /v1/blobs", s.chain(s.handleInitiateUpload, s.cfg.RateLimitOther))
	mux.Handle("POST /v1/blobs/{hash}/complete", s.chain(s.handleCompleteUpload, s.cfg.RateLimitOther))
	mux.Handle("GET /v1/blobs/{hash}", s.chain(s.handleGetBlobURL, s.cfg.RateLimitOther))

	mux.Handle("GET /v1/wake", http.HandlerFunc(s.handleWake))
	mux.Handle("GET /healthz", http.HandlerFunc(s.handleHealthz))

	return s.recovery(s.requestLogger(mux))
}

// chain wraps an authenticated JSON handler with per-route rate limiting,
// applied outermost-first like the teacher's internal/api/middleware.go.
func (s *Server) chain(h func(w http.ResponseWriter, r *http.Request, actor handler.Actor), limit int) http.Handler {
	return s.withRateLimit(s.requireAuth(h), limit)
}

func (s *Server) withRateLimit(next http.HandlerFunc, limit int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if !s.rateLimiter.Allow(key, limit) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next(w, r)
	})
}

func (s *Server) requireAuth(h func(w http.ResponseWriter, r *http.Request, actor handler.Actor)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		h(w, r, actor)
	}
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("httpapi: panic recovered", "err", rec, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sc := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sc, r)
		s.logger.Info("httpapi: request", "method", r.Method, "path", r.URL.Path, "status", sc.status, "dur", time.Since(start))
	})
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (sc *statusCapture) WriteHeader(code int) {
	sc.status = code
	sc.ResponseWriter.WriteHeader(code)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// handlePush handles POST /v1/sync/push (spec §4.1).
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, actor handler.Actor) {
	var req wire.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if req.ClientCommitID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "client_commit_id is required")
		return
	}
	resp, err := s.engine.Push(r.Context(), actor, req)
	if err != nil {
		s.logger.Error("httpapi: push failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "push failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePull handles POST /v1/sync/pull (spec §4.2/§4.4). Pull takes a body
// rather than query params because a client may have many subscriptions.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request, actor handler.Actor) {
	var req wire.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	resp, err := s.engine.Pull(r.Context(), actor, req)
	if err != nil {
		s.logger.Error("httpapi: pull failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "pull failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetChunk handles GET /v1/sync/chunks/{chunkID}, serving a
// previously-referenced snapshot chunk body.
func (s *Server) handleGetChunk(w http.ResponseWriter, r *http.Request, _ handler.Actor) {
	chunkID := r.PathValue("chunkID")
	body, err := s.snapshots.ReadChunk(r.Context(), chunkID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "chunk not found")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type initiateUploadRequest struct {
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// handleInitiateUpload handles POST /v1/blobs (spec §4.7).
func (s *Server) handleInitiateUpload(w http.ResponseWriter, r *http.Request, actor handler.Actor) {
	var req initiateUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	presigned, dedup, err := s.blobs.InitiateUpload(r.Context(), actor.ID, req.Hash, req.Size, req.MimeType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", fmt.Sprintf("initiate upload: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"upload": presigned, "deduped": dedup})
}

// handleCompleteUpload handles POST /v1/blobs/{hash}/complete: the request
// body IS the blob's bytes, uploaded directly to this endpoint rather than
// through the presigned URL's own object-storage target in this single-node
// deployment (internal/blob.FSSubstrate has no separate PUT endpoint of its
// own to presign against).
func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request, _ handler.Actor) {
	hash := r.PathValue("hash")
	if err := s.blobs.CompleteUpload(r.Context(), hash, r.Body, r.ContentLength); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("complete upload: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// handleGetBlobURL handles GET /v1/blobs/{hash}, returning a presigned
// download URL.
func (s *Server) handleGetBlobURL(w http.ResponseWriter, r *http.Request, _ handler.Actor) {
	hash := r.PathValue("hash")
	url, err := s.blobs.GetDownloadURL(r.Context(), hash)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "blob not found")
		return
	}
	writeJSON(w, http.StatusOK, url)
}

// handleWake upgrades to the advisory wake websocket (spec §4.4); it skips
// the JSON auth chain since it is a long-lived connection the wake.Hub
// itself manages.
func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	s.wake.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
