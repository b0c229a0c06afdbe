package ferry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// testDB opens an in-memory sqlite database pinned to one connection
// so every cursor sees the same data.
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Unwrap().SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func mustExec(t *testing.T, c *Cursor, sql string, params any) {
	t.Helper()
	if err := c.Execute(context.Background(), sql, params); err != nil {
		t.Fatalf("execute %q: %v", sql, err)
	}
}

func seedNums(t *testing.T, c *Cursor) {
	t.Helper()
	mustExec(t, c, "CREATE TABLE nums (n INTEGER PRIMARY KEY, label TEXT)", nil)
	for n, label := range map[int]string{1: "one", 2: "two", 3: "three"} {
		mustExec(t, c, "INSERT INTO nums (n, label) VALUES (:n, :label)",
			map[string]any{"n": n, "label": label})
	}
}

func TestCursorExecuteAndFetch(t *testing.T) {
	c := testDB(t).Cursor()
	seedNums(t, c)

	mustExec(t, c, "SELECT n, label FROM nums ORDER BY n", nil)

	if got := c.Columns(false); !reflect.DeepEqual(got, []string{"n", "label"}) {
		t.Fatalf("Columns = %v", got)
	}

	first, err := c.FetchOne()
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	if v, _ := first.Get("label"); v != "one" {
		t.Errorf("first label = %v, want one", v)
	}
	if first.Value(0) != int64(1) {
		t.Errorf("first n = %v, want 1", first.Value(0))
	}

	rest, err := c.FetchAll()
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("FetchAll len = %d, want 2", len(rest))
	}
	if rest[0].Schema() != first.Schema() {
		t.Error("records from one result set should share a schema")
	}

	// Exhausted: nil record, nil error.
	rec, err := c.FetchOne()
	if err != nil {
		t.Fatalf("FetchOne after exhaustion: %v", err)
	}
	if rec != nil {
		t.Errorf("FetchOne after exhaustion = %v, want nil", rec)
	}
}

func TestCursorFetchMany(t *testing.T) {
	c := testDB(t).Cursor()
	seedNums(t, c)
	c.SetArraySize(2)

	mustExec(t, c, "SELECT n FROM nums ORDER BY n", nil)

	batch, err := c.FetchMany(0) // 0 falls back to array size
	if err != nil {
		t.Fatalf("FetchMany: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("FetchMany len = %d, want 2", len(batch))
	}
	batch, err = c.FetchMany(10)
	if err != nil {
		t.Fatalf("FetchMany: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("final FetchMany len = %d, want 1", len(batch))
	}
}

func TestCursorIter(t *testing.T) {
	c := testDB(t).Cursor()
	seedNums(t, c)

	mustExec(t, c, "SELECT label FROM nums ORDER BY n", nil)

	var labels []string
	for rec, err := range c.Iter() {
		if err != nil {
			t.Fatalf("iter: %v", err)
		}
		labels = append(labels, rec.Value(0).(string))
	}
	if !reflect.DeepEqual(labels, []string{"one", "two", "three"}) {
		t.Fatalf("labels = %v", labels)
	}
}

func TestCursorPositionalParams(t *testing.T) {
	c := testDB(t).Cursor()
	seedNums(t, c)

	mustExec(t, c, "SELECT label FROM nums WHERE n = ?", []any{2})
	rec, err := c.FetchOne()
	if err != nil || rec == nil {
		t.Fatalf("FetchOne: rec=%v err=%v", rec, err)
	}
	if rec.Value(0) != "two" {
		t.Errorf("label = %v, want two", rec.Value(0))
	}
}

func TestCursorRowCount(t *testing.T) {
	c := testDB(t).Cursor()
	seedNums(t, c)

	mustExec(t, c, "UPDATE nums SET label = upper(label)", nil)
	if n := c.RowCount(); n != 3 {
		t.Errorf("RowCount after update = %d, want 3", n)
	}

	mustExec(t, c, "SELECT 1", nil)
	if n := c.RowCount(); n != -1 {
		t.Errorf("RowCount after select = %d, want -1", n)
	}
}

func TestExecuteMany(t *testing.T) {
	c := testDB(t).Cursor()
	mustExec(t, c, "CREATE TABLE nums (n INTEGER PRIMARY KEY, label TEXT)", nil)

	done, err := c.ExecuteMany(context.Background(),
		"INSERT INTO nums (n, label) VALUES (:n, :label)",
		[][]any{{1, "one"}, {2, "two"}, {3, "three"}})
	if err != nil {
		t.Fatalf("ExecuteMany: %v", err)
	}
	if done != 3 {
		t.Errorf("done = %d, want 3", done)
	}
	if c.RowCount() != 3 {
		t.Errorf("RowCount = %d, want 3", c.RowCount())
	}
}

func TestExecuteManyStopsAtOffender(t *testing.T) {
	c := testDB(t).Cursor()
	mustExec(t, c, "CREATE TABLE nums (n INTEGER PRIMARY KEY, label TEXT)", nil)

	done, err := c.ExecuteMany(context.Background(),
		"INSERT INTO nums (n, label) VALUES (:n, :label)",
		[][]any{{1, "one"}, {2, "two"}, {1, "dup"}, {4, "four"}})
	if err == nil {
		t.Fatal("duplicate key should fail")
	}
	if done != 2 {
		t.Errorf("done = %d, want 2 (rows before the offender)", done)
	}

	rec, err := c.SelectOne(context.Background(), "SELECT count(*) FROM nums", nil)
	if err != nil {
		t.Fatalf("SelectOne: %v", err)
	}
	if rec.Value(0) != int64(2) {
		t.Errorf("rows applied = %v, want 2", rec.Value(0))
	}
}

func TestSelectOne(t *testing.T) {
	c := testDB(t).Cursor()
	seedNums(t, c)
	ctx := context.Background()

	rec, err := c.SelectOne(ctx, "SELECT label FROM nums WHERE n = :n", map[string]any{"n": 2})
	if err != nil {
		t.Fatalf("SelectOne: %v", err)
	}
	if rec.Value(0) != "two" {
		t.Errorf("label = %v, want two", rec.Value(0))
	}

	_, err = c.SelectOne(ctx, "SELECT label FROM nums WHERE n = :n", map[string]any{"n": 99})
	if !errors.Is(err, ErrNoRows) {
		t.Errorf("no match: err = %v, want ErrNoRows", err)
	}

	_, err = c.SelectOne(ctx, "SELECT label FROM nums", nil)
	if !errors.Is(err, ErrTooManyRows) {
		t.Errorf("three rows: err = %v, want ErrTooManyRows", err)
	}
}

func TestCursorTransactions(t *testing.T) {
	c := testDB(t).Cursor()
	mustExec(t, c, "CREATE TABLE nums (n INTEGER PRIMARY KEY)", nil)
	ctx := context.Background()

	if err := c.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	mustExec(t, c, "INSERT INTO nums (n) VALUES (:n)", map[string]any{"n": 1})
	if err := c.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	rec, err := c.SelectOne(ctx, "SELECT count(*) FROM nums", nil)
	if err != nil {
		t.Fatalf("SelectOne: %v", err)
	}
	if rec.Value(0) != int64(0) {
		t.Errorf("count after rollback = %v, want 0", rec.Value(0))
	}

	if err := c.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	mustExec(t, c, "INSERT INTO nums (n) VALUES (:n)", map[string]any{"n": 1})
	if err := c.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rec, err = c.SelectOne(ctx, "SELECT count(*) FROM nums", nil)
	if err != nil {
		t.Fatalf("SelectOne: %v", err)
	}
	if rec.Value(0) != int64(1) {
		t.Errorf("count after commit = %v, want 1", rec.Value(0))
	}

	// Rollback without a transaction is a safe no-op.
	if err := c.Rollback(); err != nil {
		t.Errorf("idle Rollback: %v", err)
	}
}

func TestExecuteFile(t *testing.T) {
	c := testDB(t).Cursor()
	seedNums(t, c)

	path := filepath.Join(t.TempDir(), "query.sql")
	if err := os.WriteFile(path, []byte("SELECT label FROM nums WHERE n = :n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.ExecuteFile(context.Background(), path, map[string]any{"n": 3}); err != nil {
		t.Fatalf("ExecuteFile: %v", err)
	}
	rec, err := c.FetchOne()
	if err != nil || rec == nil {
		t.Fatalf("FetchOne: rec=%v err=%v", rec, err)
	}
	if rec.Value(0) != "three" {
		t.Errorf("label = %v, want three", rec.Value(0))
	}
}

func TestExecuteScript(t *testing.T) {
	c := testDB(t).Cursor()

	script := `
-- bootstrap
CREATE TABLE words (w TEXT);
INSERT INTO words (w) VALUES ('semi;colon');
INSERT INTO words (w) VALUES ('plain');
`
	path := filepath.Join(t.TempDir(), "script.sql")
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := c.ExecuteScript(context.Background(), path)
	if err != nil {
		t.Fatalf("ExecuteScript: %v", err)
	}
	if n != 3 {
		t.Errorf("statements run = %d, want 3", n)
	}

	rec, err := c.SelectOne(context.Background(), "SELECT count(*) FROM words", nil)
	if err != nil {
		t.Fatalf("SelectOne: %v", err)
	}
	if rec.Value(0) != int64(2) {
		t.Errorf("rows = %v, want 2", rec.Value(0))
	}
}

func TestPrepareAndStmt(t *testing.T) {
	c := testDB(t).Cursor()
	mustExec(t, c, "CREATE TABLE nums (n INTEGER PRIMARY KEY, label TEXT)", nil)
	ctx := context.Background()

	ins, err := c.Prepare("INSERT INTO nums (n, label) VALUES (:n, :label)")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	for n, label := range map[int]string{1: "one", 2: "two"} {
		if err := ins.Execute(ctx, map[string]any{"n": n, "label": label}); err != nil {
			t.Fatalf("Stmt.Execute: %v", err)
		}
	}

	sel, err := c.Prepare("SELECT label FROM nums WHERE n = :n")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	rec, err := sel.QueryOne(ctx, map[string]any{"n": 2})
	if err != nil {
		t.Fatalf("QueryOne: %v", err)
	}
	if rec == nil || rec.Value(0) != "two" {
		t.Errorf("QueryOne = %v, want two", rec)
	}

	rec, err = sel.QueryOne(ctx, map[string]any{"n": 42})
	if err != nil {
		t.Fatalf("QueryOne miss: %v", err)
	}
	if rec != nil {
		t.Errorf("QueryOne miss = %v, want nil", rec)
	}

	if err := ins.ExecuteStrict(ctx, map[string]any{"n": 3}); err == nil {
		t.Error("ExecuteStrict with a missing key should fail")
	}
}

func TestCursorBlobColumnsStayBytes(t *testing.T) {
	c := testDB(t).Cursor()
	mustExec(t, c, "CREATE TABLE files (name TEXT, body BLOB)", nil)
	mustExec(t, c, "INSERT INTO files (name, body) VALUES (?, ?)",
		[]any{"a.bin", []byte{0x00, 0x01, 0x02}})

	rec, err := c.SelectOne(context.Background(), "SELECT name, body FROM files", nil)
	if err != nil {
		t.Fatalf("SelectOne: %v", err)
	}
	if _, ok := rec.Value(0).(string); !ok {
		t.Errorf("name scanned as %T, want string", rec.Value(0))
	}
	body, ok := rec.Value(1).([]byte)
	if !ok {
		t.Fatalf("body scanned as %T, want []byte", rec.Value(1))
	}
	if !reflect.DeepEqual(body, []byte{0x00, 0x01, 0x02}) {
		t.Errorf("body = %v", body)
	}
}

func TestIsReadQuery(t *testing.T) {
	tests := []struct {
		sql  string
		want bool
	}{
		{"SELECT 1", true},
		{"  select * from t", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"VALUES (1), (2)", true},
		{"(SELECT 1)", true},
		{"-- note\nSELECT 1", true},
		{"/* note */ SELECT 1", true},
		{"PRAGMA table_info(t)", true},
		{"EXPLAIN SELECT 1", true},
		{"INSERT INTO t VALUES (1)", false},
		{"UPDATE t SET x = 1", false},
		{"DELETE FROM t", false},
		{"CREATE TABLE t (x INT)", false},
		{"MERGE INTO t USING s ON 1=1", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isReadQuery(tt.sql); got != tt.want {
			t.Errorf("isReadQuery(%q) = %v, want %v", tt.sql, got, tt.want)
		}
	}
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			"two statements",
			"CREATE TABLE t (x INT); INSERT INTO t VALUES (1);",
			[]string{"CREATE TABLE t (x INT)", "INSERT INTO t VALUES (1)"},
		},
		{
			"semicolon in literal",
			"INSERT INTO t VALUES ('a;b'); SELECT 1",
			[]string{"INSERT INTO t VALUES ('a;b')", "SELECT 1"},
		},
		{
			"escaped quote",
			"INSERT INTO t VALUES ('it''s;fine'); SELECT 1;",
			[]string{"INSERT INTO t VALUES ('it''s;fine')", "SELECT 1"},
		},
		{
			"line comment with semicolon",
			"-- setup; once\nSELECT 1; SELECT 2;",
			[]string{"-- setup; once\nSELECT 1", "SELECT 2"},
		},
		{
			"block comment with semicolon",
			"/* a; b */ SELECT 1; SELECT 2;",
			[]string{"/* a; b */ SELECT 1", "SELECT 2"},
		},
		{
			"dollar-quoted body",
			"DO $fn$ BEGIN PERFORM 1; END; $fn$; SELECT 2;",
			[]string{"DO $fn$ BEGIN PERFORM 1; END; $fn$", "SELECT 2"},
		},
		{
			"double-quoted identifier",
			`SELECT "a;b" FROM t; SELECT 2`,
			[]string{`SELECT "a;b" FROM t`, "SELECT 2"},
		},
		{
			"trailing without semicolon",
			"SELECT 1",
			[]string{"SELECT 1"},
		},
		{
			"empty entries dropped",
			"; ;SELECT 1;;",
			[]string{"SELECT 1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitStatements(tt.sql)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitStatements(%q) =\n  %v\nwant:\n  %v", tt.sql, got, tt.want)
			}
		})
	}
}
