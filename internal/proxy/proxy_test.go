package proxy

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		sql   string
		kind  Kind
		table string
	}{
		{"INSERT INTO widgets (id, name) VALUES (1, 'x')", KindInsert, "widgets"},
		{"insert into \"Widgets\" (id) values (1)", KindInsert, "Widgets"},
		{"UPDATE widgets SET name = 'x' WHERE id = 1", KindUpdate, "widgets"},
		{"DELETE FROM widgets WHERE id = 1", KindDelete, "widgets"},
		{"DELETE FROM main.widgets WHERE id = 1", KindDelete, "widgets"},
		{"SELECT * FROM widgets", KindSelect, ""},
		{"-- a comment\nINSERT INTO widgets (id) VALUES (1)", KindInsert, "widgets"},
		{"WITH recent AS (SELECT * FROM widgets) INSERT INTO widgets (id) VALUES (1)", KindInsert, "widgets"},
		{"BEGIN", KindOther, ""},
	}

	for _, tc := range cases {
		got := Classify(tc.sql)
		if got.Kind != tc.kind {
			t.Errorf("Classify(%q).Kind = %q, want %q", tc.sql, got.Kind, tc.kind)
		}
		if got.Table != tc.table {
			t.Errorf("Classify(%q).Table = %q, want %q", tc.sql, got.Table, tc.table)
		}
	}
}

func TestEnsureReturningAllAppendsWhenAbsent(t *testing.T) {
	got, err := EnsureReturningAll("UPDATE widgets SET name = 'x' WHERE id = 1")
	if err != nil {
		t.Fatalf("EnsureReturningAll: %v", err)
	}
	want := "UPDATE widgets SET name = 'x' WHERE id = 1 RETURNING *"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEnsureReturningAllAcceptsExistingWildcard(t *testing.T) {
	sql := "INSERT INTO widgets (id) VALUES (1) RETURNING *"
	got, err := EnsureReturningAll(sql)
	if err != nil {
		t.Fatalf("EnsureReturningAll: %v", err)
	}
	if got != sql {
		t.Fatalf("got %q, want unchanged %q", got, sql)
	}
}

func TestEnsureReturningAllRejectsNonWildcard(t *testing.T) {
	_, err := EnsureReturningAll("DELETE FROM widgets WHERE id = 1 RETURNING id")
	if err != ErrReturningConflict {
		t.Fatalf("err = %v, want ErrReturningConflict", err)
	}
}

func TestEnsureReturningAllStripsTrailingSemicolon(t *testing.T) {
	got, err := EnsureReturningAll("DELETE FROM widgets WHERE id = 1;")
	if err != nil {
		t.Fatalf("EnsureReturningAll: %v", err)
	}
	want := "DELETE FROM widgets WHERE id = 1 RETURNING *"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
