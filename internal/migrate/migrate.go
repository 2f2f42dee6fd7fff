// Package migrate implements the Migration Runner (spec §4.8): versioned
// schema evolution with checksum-gated drift detection. It is grounded on
// the teacher's internal/db/migrations.go — a sorted migration list, a
// schema_info-style tracking table, and idempotent per-version application —
// generalized to host-supplied Go functions instead of a fixed issue-tracker
// migration list, and with de-duplication of concurrent Run calls via
// golang.org/x/sync/singleflight rather than the teacher's write-mutex. The
// singleflight group belongs to one Runner: separate Runners, and separate
// server processes sharing one tracking table, are not coordinated by it.
//
// The tracking table insert uses SQLite's datetime('now'); this runner
// targets internal/store/sqlitestore's schema. internal/store/pgstore
// manages its own schema directly with idempotent `CREATE TABLE IF NOT
// EXISTS` DDL and does not go through this runner or its tracking table.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Migration is one versioned schema step. Up is required; Down is required
// only for versions a RunToVersion call will revert past.
type Migration struct {
	Version     int
	Name        string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
	UpSource    string // the Up function's source text, for checksumming (spec §4.8)
}

// Mode selects drift-handling behavior.
type Mode int

const (
	// ModeError fails loudly on any checksum mismatch (spec §4.8 default).
	ModeError Mode = iota
	// ModeReset drops and rebuilds the schema on drift or schema conflict.
	ModeReset
)

// ErrChecksumMismatch is returned in ModeError when an applied migration's
// stored checksum no longer matches its current computed checksum.
type ErrChecksumMismatch struct {
	Version int
	Stored  string
	Current string
}

func (e *ErrChecksumMismatch) Error() string {
	return fmt.Sprintf("migrate: version %d checksum mismatch: stored %s, current %s", e.Version, e.Stored, e.Current)
}

// ErrMissingDown is returned by RunToVersion when reverting past a version
// with no Down function (spec §4.8: "absence of a down on a version being
// reverted is fatal").
type ErrMissingDown struct{ Version int }

func (e *ErrMissingDown) Error() string {
	return fmt.Sprintf("migrate: version %d has no down migration", e.Version)
}

// BeforeReset is invoked in ModeReset before the tracking table is cleared
// and migrations are re-run; it is the host application's callback to drop
// its own tables.
type BeforeReset func(ctx context.Context, db *sql.DB) error

// Runner applies a sorted Migration list against db, gated by Mode.
type Runner struct {
	db          *sql.DB
	migrations  []Migration
	mode        Mode
	beforeReset BeforeReset
	trackingTbl string
	group       singleflight.Group
}

// New builds a Runner. trackingTable names the tracking table (so multiple
// independently-migrated schemas in one database don't collide); migrations
// need not be pre-sorted, Run sorts them by Version.
func New(db *sql.DB, trackingTable string, migrations []Migration, mode Mode, beforeReset BeforeReset) *Runner {
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Runner{db: db, migrations: sorted, mode: mode, beforeReset: beforeReset, trackingTbl: trackingTable}
}

// Run applies every pending migration. Concurrent Run calls on the same
// Runner share one in-flight execution (keyed by tracking table name), so
// they never race each other's CREATE TABLE (spec §4.8); calls through a
// different Runner are not de-duplicated against it.
func (r *Runner) Run(ctx context.Context) (int, error) {
	v, err, _ := r.group.Do(r.trackingTbl, func() (any, error) {
		return r.run(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (r *Runner) run(ctx context.Context) (int, error) {
	if err := r.ensureTrackingTable(ctx); err != nil {
		return 0, err
	}

	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}

	if err := r.checkDrift(applied); err != nil {
		if r.mode != ModeReset {
			return 0, err
		}
		if err := r.reset(ctx); err != nil {
			return 0, fmt.Errorf("migrate: reset after drift: %w", err)
		}
		applied = map[int]string{}
	}

	n, err := r.applyPending(ctx, applied)
	if err != nil && r.mode == ModeReset && isSchemaConflict(err) {
		// One salvage reset, per spec §4.8: a concrete "already exists"
		// error during an up-run in reset mode gets exactly one retry.
		if resetErr := r.reset(ctx); resetErr != nil {
			return 0, fmt.Errorf("migrate: salvage reset: %w", resetErr)
		}
		return r.applyPending(ctx, map[int]string{})
	}
	return n, err
}

func (r *Runner) applyPending(ctx context.Context, applied map[int]string) (int, error) {
	n := 0
	for _, m := range r.migrations {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return n, fmt.Errorf("migrate: begin version %d: %w", m.Version, err)
		}
		if err := m.Up(ctx, tx); err != nil {
			tx.Rollback()
			return n, fmt.Errorf("migrate: apply version %d (%s): %w", m.Version, m.Name, err)
		}
		checksum := Checksum(m.UpSource)
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (version, name, applied_at, checksum) VALUES (?, ?, datetime('now'), ?)`, r.trackingTbl),
			m.Version, m.Name, checksum,
		); err != nil {
			tx.Rollback()
			return n, fmt.Errorf("migrate: record version %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return n, fmt.Errorf("migrate: commit version %d: %w", m.Version, err)
		}
		n++
	}
	return n, nil
}

// RunToVersion reverts migrations in strictly descending order down to and
// including target+1, calling each Down (spec §4.8).
func (r *Runner) RunToVersion(ctx context.Context, target int) error {
	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return err
	}
	toRevert := make([]Migration, 0)
	for i := len(r.migrations) - 1; i >= 0; i-- {
		m := r.migrations[i]
		if m.Version <= target {
			continue
		}
		if _, ok := applied[m.Version]; !ok {
			continue
		}
		toRevert = append(toRevert, m)
	}
	for _, m := range toRevert {
		if m.Down == nil {
			return &ErrMissingDown{Version: m.Version}
		}
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migrate: begin revert %d: %w", m.Version, err)
		}
		if err := m.Down(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate: revert version %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE version = ?`, r.trackingTbl), m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate: unrecord version %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate: commit revert %d: %w", m.Version, err)
		}
	}
	return nil
}

func (r *Runner) ensureTrackingTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TEXT NOT NULL,
	checksum   TEXT NOT NULL
)`, r.trackingTbl))
	if err != nil {
		return fmt.Errorf("migrate: ensure tracking table: %w", err)
	}
	return nil
}

func (r *Runner) appliedVersions(ctx context.Context) (map[int]string, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`SELECT version, checksum FROM %s`, r.trackingTbl))
	if err != nil {
		return nil, fmt.Errorf("migrate: read tracking table: %w", err)
	}
	defer rows.Close()
	out := map[int]string{}
	for rows.Next() {
		var v int
		var c string
		if err := rows.Scan(&v, &c); err != nil {
			return nil, fmt.Errorf("migrate: scan tracking row: %w", err)
		}
		out[v] = c
	}
	return out, rows.Err()
}

func (r *Runner) checkDrift(applied map[int]string) error {
	byVersion := make(map[int]Migration, len(r.migrations))
	for _, m := range r.migrations {
		byVersion[m.Version] = m
	}
	for version, storedChecksum := range applied {
		m, ok := byVersion[version]
		if !ok {
			continue // an applied version no longer in the list isn't drift we can recompute
		}
		current := Checksum(m.UpSource)
		if current != storedChecksum {
			return &ErrChecksumMismatch{Version: version, Stored: storedChecksum, Current: current}
		}
	}
	return nil
}

func (r *Runner) reset(ctx context.Context) error {
	if r.beforeReset != nil {
		if err := r.beforeReset(ctx, r.db); err != nil {
			return fmt.Errorf("migrate: before_reset: %w", err)
		}
	}
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, r.trackingTbl)); err != nil {
		return fmt.Errorf("migrate: clear tracking table: %w", err)
	}
	return nil
}

func isSchemaConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists")
}

// Checksum normalises src (comments stripped, whitespace collapsed, string
// literals left untouched) and returns its hex sha256, per spec §4.8.
func Checksum(src string) string {
	sum := sha256.Sum256([]byte(normalize(src)))
	return hex.EncodeToString(sum[:])
}

// normalize strips // and /* */ comments while never altering bytes inside
// single-, double-, or back-tick-delimited string literals, then collapses
// whitespace runs to a single space.
func normalize(src string) string {
	var out strings.Builder
	runes := []rune(src)
	i := 0
	n := len(runes)
	for i < n {
		c := runes[i]
		switch c {
		case '\'', '"', '`':
			quote := c
			start := i
			i++
			for i < n {
				if runes[i] == '\\' && quote != '`' && i+1 < n {
					i += 2
					continue
				}
				if runes[i] == quote {
					i++
					break
				}
				i++
			}
			out.WriteString(string(runes[start:i]))
			continue
		case '/':
			if i+1 < n && runes[i+1] == '/' {
				for i < n && runes[i] != '\n' {
					i++
				}
				continue
			}
			if i+1 < n && runes[i+1] == '*' {
				i += 2
				for i+1 < n && !(runes[i] == '*' && runes[i+1] == '/') {
					i++
				}
				i += 2
				continue
			}
			out.WriteRune(c)
			i++
		default:
			out.WriteRune(c)
			i++
		}
	}
	return collapseWhitespace(out.String())
}

func collapseWhitespace(s string) string {
	var out strings.Builder
	prevSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !prevSpace {
				out.WriteRune(' ')
			}
			prevSpace = true
			continue
		}
		prevSpace = false
		out.WriteRune(r)
	}
	return strings.TrimSpace(out.String())
}
