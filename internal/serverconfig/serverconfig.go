// Package serverconfig loads syncd's configuration from the environment,
// following the teacher's internal/api/config.go LoadConfig pattern: a flat
// struct, one env var per field with a SYNC-prefixed name, a sensible
// default inline at the declaration, no config file for the server process.
package serverconfig

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds syncd's full runtime configuration.
type Config struct {
	ListenAddr  string
	StoreDriver string // "sqlite" or "postgres"
	StoreDSN    string
	BlobDir     string
	BlobSecret  string
	LogFormat   string // "json" (default) or "text"
	LogLevel    string // "debug", "info" (default), "warn", "error"

	ShutdownTimeout time.Duration
	UploadTTL       time.Duration
	ChunkTTL        time.Duration

	RateLimitPush  int
	RateLimitPull  int
	RateLimitOther int

	MigrationMode string // "error" (default) or "reset"

	CORSAllowedOrigins []string
}

// Load reads syncd's configuration from the environment, applying defaults
// for anything unset.
func Load() Config {
	cfg := Config{
		ListenAddr:      ":8090",
		StoreDriver:     "sqlite",
		StoreDSN:        "./data/syncd.db",
		BlobDir:         "./data/blobs",
		LogFormat:       "json",
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
		UploadTTL:       15 * time.Minute,
		ChunkTTL:        24 * time.Hour,
		RateLimitPush:   60,
		RateLimitPull:   120,
		RateLimitOther:  300,
		MigrationMode:   "error",
	}

	if v := os.Getenv("SYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SYNC_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("SYNC_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("SYNC_BLOB_DIR"); v != "" {
		cfg.BlobDir = v
	}
	if v := os.Getenv("SYNC_BLOB_SECRET"); v != "" {
		cfg.BlobSecret = v
	}
	if v := os.Getenv("SYNC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("SYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("SYNC_UPLOAD_TTL"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.UploadTTL = d
		}
	}
	if v := os.Getenv("SYNC_CHUNK_TTL"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.ChunkTTL = d
		}
	}
	if v := os.Getenv("SYNC_RATE_LIMIT_PUSH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPush = n
		}
	}
	if v := os.Getenv("SYNC_RATE_LIMIT_PULL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPull = n
		}
	}
	if v := os.Getenv("SYNC_RATE_LIMIT_OTHER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitOther = n
		}
	}
	if v := os.Getenv("SYNC_MIGRATION_MODE"); v != "" {
		cfg.MigrationMode = v
	}
	if v := os.Getenv("SYNC_CORS_ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	return cfg
}

// parseDaysDuration parses a string like "90d" into a time.Duration, falling
// back to time.ParseDuration for standard Go durations.
func parseDaysDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(s, "d")); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}
