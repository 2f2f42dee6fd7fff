package migrate

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func widgetsMigrations() []Migration {
	createSrc := `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`
	addColSrc := `ALTER TABLE widgets ADD COLUMN price INTEGER`
	return []Migration{
		{
			Version:  2,
			Name:     "add price column",
			UpSource: addColSrc,
			Up: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, addColSrc)
				return err
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, `ALTER TABLE widgets DROP COLUMN price`)
				return err
			},
		},
		{
			Version:  1,
			Name:     "create widgets",
			UpSource: createSrc,
			Up: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, createSrc)
				return err
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, `DROP TABLE widgets`)
				return err
			},
		},
	}
}

func TestRunAppliesPendingInVersionOrder(t *testing.T) {
	db := openTestDB(t)
	r := New(db, "schema_versions", widgetsMigrations(), ModeError, nil)

	n, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 2 {
		t.Fatalf("applied = %d, want 2", n)
	}

	if _, err := db.Exec(`INSERT INTO widgets (id, name, price) VALUES (1, 'sprocket', 500)`); err != nil {
		t.Fatalf("insert after migration: %v", err)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	r := New(db, "schema_versions", widgetsMigrations(), ModeError, nil)

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	n, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n != 0 {
		t.Fatalf("second run applied = %d, want 0", n)
	}
}

func TestRunDetectsChecksumDrift(t *testing.T) {
	db := openTestDB(t)
	r := New(db, "schema_versions", widgetsMigrations(), ModeError, nil)
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	drifted := widgetsMigrations()
	drifted[1].UpSource = drifted[1].UpSource + " -- changed"
	r2 := New(db, "schema_versions", drifted, ModeError, nil)

	_, err := r2.Run(context.Background())
	var mismatch *ErrChecksumMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want *ErrChecksumMismatch", err)
	}
	if mismatch.Version != 1 {
		t.Fatalf("mismatch version = %d, want 1", mismatch.Version)
	}
}

func TestRunModeResetRecoversFromDrift(t *testing.T) {
	db := openTestDB(t)
	r := New(db, "schema_versions", widgetsMigrations(), ModeError, nil)
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	var beforeResetCalled bool
	drifted := widgetsMigrations()
	drifted[1].UpSource += " -- changed"
	r2 := New(db, "schema_versions", drifted, ModeReset, func(ctx context.Context, db *sql.DB) error {
		beforeResetCalled = true
		_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS widgets`)
		return err
	})

	n, err := r2.Run(context.Background())
	if err != nil {
		t.Fatalf("reset run: %v", err)
	}
	if !beforeResetCalled {
		t.Fatal("beforeReset callback was not invoked")
	}
	if n != 2 {
		t.Fatalf("applied after reset = %d, want 2", n)
	}
}

func TestRunToVersionRevertsDescending(t *testing.T) {
	db := openTestDB(t)
	r := New(db, "schema_versions", widgetsMigrations(), ModeError, nil)
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if err := r.RunToVersion(context.Background(), 1); err != nil {
		t.Fatalf("revert to 1: %v", err)
	}

	if _, err := db.Exec(`SELECT price FROM widgets`); err == nil {
		t.Fatal("price column still present after revert")
	}
}

func TestRunToVersionReportsMissingDown(t *testing.T) {
	db := openTestDB(t)
	migrations := widgetsMigrations()
	migrations[0].Down = nil // version 2 now has no down
	r := New(db, "schema_versions", migrations, ModeError, nil)
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	err := r.RunToVersion(context.Background(), 1)
	var missing *ErrMissingDown
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want *ErrMissingDown", err)
	}
	if missing.Version != 2 {
		t.Fatalf("missing down version = %d, want 2", missing.Version)
	}
}

func TestChecksumIgnoresCommentsAndWhitespace(t *testing.T) {
	a := "SELECT 1 // trailing comment\n"
	b := "SELECT   1"
	if Checksum(a) != Checksum(b) {
		t.Fatal("checksums differ despite only comment/whitespace changes")
	}
	c := "SELECT 2"
	if Checksum(a) == Checksum(c) {
		t.Fatal("checksums match despite a real content change")
	}
}
