package ferry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func seedStates(t *testing.T, c *Cursor) {
	t.Helper()
	mustExec(t, c, "CREATE TABLE states (abbrev TEXT PRIMARY KEY, name TEXT)", nil)
	for abbrev, name := range map[string]string{"CA": "California", "OR": "Oregon", "WA": "Washington"} {
		mustExec(t, c, "INSERT INTO states (abbrev, name) VALUES (:a, :n)",
			map[string]any{"a": abbrev, "n": name})
	}
}

func TestLookupPreload(t *testing.T) {
	c := testDB(t).Cursor()
	seedStates(t, c)

	l, err := NewLookup(c, "states", []string{"abbrev"}, []string{"name"}, CachePreload)
	if err != nil {
		t.Fatalf("NewLookup: %v", err)
	}
	fn := l.Transform()
	ctx := context.Background()

	for in, want := range map[string]any{"CA": "California", "WA": "Washington", "XX": nil} {
		got, err := fn(ctx, in)
		if err != nil {
			t.Fatalf("lookup %q: %v", in, err)
		}
		if got != want {
			t.Errorf("lookup %q = %#v, want %#v", in, got, want)
		}
	}
	if !l.Preloaded() {
		t.Error("expected preloaded lookup")
	}

	// The whole table materialized in one statement; repeat calls stay
	// in memory.
	if _, err := fn(ctx, "OR"); err != nil {
		t.Fatal(err)
	}
	hits, misses, queries := l.Stats()
	if queries != 1 {
		t.Errorf("queries = %d, want 1", queries)
	}
	if hits != 3 || misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 3/1", hits, misses)
	}
}

func TestLookupLazyUpgradesSmallTable(t *testing.T) {
	c := testDB(t).Cursor()
	seedStates(t, c)

	l, err := NewLookup(c, "states", []string{"abbrev"}, []string{"name"}, CacheLazy)
	if err != nil {
		t.Fatalf("NewLookup: %v", err)
	}
	got, err := l.Fetch(context.Background(), "OR")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != "Oregon" {
		t.Errorf("Fetch = %#v", got)
	}
	if !l.Preloaded() {
		t.Error("small table should upgrade to preload")
	}
	if _, _, queries := l.Stats(); queries != 2 { // count, then preload
		t.Errorf("queries = %d, want 2", queries)
	}
}

func TestLookupLazyBigTable(t *testing.T) {
	c := testDB(t).Cursor()
	mustExec(t, c, "CREATE TABLE codes (code INTEGER PRIMARY KEY, label TEXT)", nil)
	payloads := make([][]any, 0, lookupPreloadCeiling+1)
	for i := 0; i <= lookupPreloadCeiling; i++ {
		payloads = append(payloads, []any{i, fmt.Sprintf("label %d", i)})
	}
	if _, err := c.ExecuteMany(context.Background(),
		"INSERT INTO codes (code, label) VALUES (?, ?)", payloads); err != nil {
		t.Fatalf("seed: %v", err)
	}

	l, err := NewLookup(c, "codes", []string{"code"}, []string{"label"}, CacheLazy)
	if err != nil {
		t.Fatalf("NewLookup: %v", err)
	}
	ctx := context.Background()

	if got, _ := l.Fetch(ctx, 7); got != "label 7" {
		t.Errorf("Fetch = %#v", got)
	}
	if l.Preloaded() {
		t.Error("big table should stay lazy")
	}
	if _, _, queries := l.Stats(); queries != 2 { // count + one key query
		t.Errorf("queries = %d, want 2", queries)
	}

	// Cached key answers without another statement.
	if got, _ := l.Fetch(ctx, 7); got != "label 7" {
		t.Errorf("cached Fetch = %#v", got)
	}
	if _, _, queries := l.Stats(); queries != 2 {
		t.Errorf("queries after hit = %d, want 2", queries)
	}

	// Misses cache negatively.
	if got, _ := l.Fetch(ctx, -1); got != nil {
		t.Errorf("miss = %#v", got)
	}
	if got, _ := l.Fetch(ctx, -1); got != nil {
		t.Errorf("cached miss = %#v", got)
	}
	if _, _, queries := l.Stats(); queries != 3 {
		t.Errorf("queries after misses = %d, want 3", queries)
	}
}

func TestLookupCacheNone(t *testing.T) {
	c := testDB(t).Cursor()
	seedStates(t, c)

	l, err := NewLookup(c, "states", []string{"abbrev"}, []string{"name"}, CacheNone)
	if err != nil {
		t.Fatalf("NewLookup: %v", err)
	}
	ctx := context.Background()
	for range 3 {
		if got, _ := l.Fetch(ctx, "CA"); got != "California" {
			t.Fatalf("Fetch = %#v", got)
		}
	}
	if _, _, queries := l.Stats(); queries != 3 {
		t.Errorf("queries = %d, want 3", queries)
	}
}

func TestLookupCompositeKeyAndRecordReturn(t *testing.T) {
	c := testDB(t).Cursor()
	mustExec(t, c, "CREATE TABLE rates (region TEXT, tier INTEGER, rate REAL, currency TEXT)", nil)
	mustExec(t, c, "INSERT INTO rates VALUES ('west', 1, 9.5, 'USD')", nil)
	mustExec(t, c, "INSERT INTO rates VALUES ('west', 2, 7.25, 'USD')", nil)

	l, err := NewLookup(c, "rates", []string{"region", "tier"}, []string{"rate", "currency"}, CachePreload)
	if err != nil {
		t.Fatalf("NewLookup: %v", err)
	}
	fn := l.Transform()
	ctx := context.Background()

	rec := MapRecord([]string{"region", "tier", "amount"},
		map[string]any{"region": "west", "tier": 2, "amount": 100})
	got, err := fn(ctx, rec)
	if err != nil {
		t.Fatalf("composite lookup: %v", err)
	}
	out, ok := got.(*Record)
	if !ok {
		t.Fatalf("want *Record, got %#v", got)
	}
	if v, _ := out.Get("rate"); v != 7.25 {
		t.Errorf("rate = %#v", v)
	}
	if v, _ := out.Get("currency"); v != "USD" {
		t.Errorf("currency = %#v", v)
	}

	// A record lacking a key column names what is missing.
	short := MapRecord([]string{"region"}, map[string]any{"region": "west"})
	_, err = fn(ctx, short)
	var keyErr *LookupKeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("want LookupKeyError, got %v", err)
	}
	if !reflect.DeepEqual(keyErr.Missing, []string{"tier"}) {
		t.Errorf("missing = %v", keyErr.Missing)
	}

	// Scalars cannot address a composite key.
	if _, err = fn(ctx, "west"); err == nil {
		t.Error("expected error for scalar input to composite lookup")
	}
}

func TestLookupEmptyInput(t *testing.T) {
	c := testDB(t).Cursor()
	seedStates(t, c)

	l, err := NewLookup(c, "states", []string{"abbrev"}, []string{"name"}, CacheNone)
	if err != nil {
		t.Fatalf("NewLookup: %v", err)
	}
	fn := l.Transform()
	for _, in := range []any{nil, ""} {
		got, err := fn(context.Background(), in)
		if err != nil || got != nil {
			t.Errorf("fn(%#v) = %#v, %v", in, got, err)
		}
	}
	if _, _, queries := l.Stats(); queries != 0 {
		t.Errorf("empty input should not query, got %d", queries)
	}
}

func TestLookupRejectsBadConfig(t *testing.T) {
	c := testDB(t).Cursor()
	cases := []struct {
		table   string
		keys    []string
		returns []string
	}{
		{"states; DROP TABLE x", []string{"abbrev"}, []string{"name"}},
		{"states", nil, []string{"name"}},
		{"states", []string{"abbrev"}, nil},
		{"states", []string{"ab'brev"}, []string{"name"}},
	}
	for _, tt := range cases {
		if _, err := NewLookup(c, tt.table, tt.keys, tt.returns, CacheLazy); err == nil {
			t.Errorf("NewLookup(%q, %v, %v) should fail", tt.table, tt.keys, tt.returns)
		}
	}

	l, err := NewLookup(c, "states", []string{"a", "b"}, []string{"name"}, CacheLazy)
	if err != nil {
		t.Fatalf("NewLookup: %v", err)
	}
	if _, err := l.Fetch(context.Background(), "only-one"); err == nil {
		t.Error("Fetch with wrong key arity should fail")
	}
}

func TestValidator(t *testing.T) {
	c := testDB(t).Cursor()
	seedStates(t, c)

	v, err := NewValidator(c, "states", []string{"abbrev"}, CachePreload)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	fn := v.Transform()
	ctx := context.Background()

	if got, err := fn(ctx, "CA"); err != nil || got != "CA" {
		t.Errorf("valid value = %#v, %v", got, err)
	}
	if got, err := fn(ctx, "ZZ"); err != nil || got != nil {
		t.Errorf("invalid value = %#v, %v", got, err)
	}
	if got, err := fn(ctx, ""); err != nil || got != "" {
		t.Errorf("empty value = %#v, %v", got, err)
	}
	if v.Warnings() != 1 {
		t.Errorf("warnings = %d, want 1", v.Warnings())
	}
}

func TestCollector(t *testing.T) {
	c := testDB(t).Cursor()
	seedStates(t, c)

	v, err := NewValidator(c, "states", []string{"abbrev"}, CachePreload)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	col := NewCollector(v)
	fn := col.Transform()
	ctx := context.Background()

	for _, in := range []string{"CA", "XX", "YY", "XX", "OR"} {
		got, err := fn(ctx, in)
		if err != nil {
			t.Fatalf("collector(%q): %v", in, err)
		}
		if got != in {
			t.Errorf("collector(%q) = %#v, values must pass through", in, got)
		}
	}
	if got := col.NewValues(); !reflect.DeepEqual(got, []string{"XX", "YY"}) {
		t.Errorf("NewValues = %v", got)
	}
	if v.Warnings() != 0 {
		t.Errorf("collection should not warn, got %d", v.Warnings())
	}
}
