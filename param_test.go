package ferry

import (
	"database/sql"
	"errors"
	"reflect"
	"testing"
)

func TestTranslateStyles(t *testing.T) {
	src := "SELECT id, name FROM t WHERE id = :id AND name = :name"
	tests := []struct {
		style Style
		want  string
	}{
		{StyleNamed, "SELECT id, name FROM t WHERE id = :id AND name = :name"},
		{StyleNamedPercent, "SELECT id, name FROM t WHERE id = %(id)s AND name = %(name)s"},
		{StyleQmark, "SELECT id, name FROM t WHERE id = ? AND name = ?"},
		{StyleFormat, "SELECT id, name FROM t WHERE id = %s AND name = %s"},
		{StyleNumbered, "SELECT id, name FROM t WHERE id = :1 AND name = :2"},
		{StyleDollar, "SELECT id, name FROM t WHERE id = $1 AND name = $2"},
		{StyleAtNamed, "SELECT id, name FROM t WHERE id = @id AND name = @name"},
	}
	for _, tt := range tests {
		t.Run(tt.style.String(), func(t *testing.T) {
			q, err := Translate(src, tt.style)
			if err != nil {
				t.Fatalf("Translate: %v", err)
			}
			if q.SQL() != tt.want {
				t.Errorf("sql = %q, want %q", q.SQL(), tt.want)
			}
			if got := q.Names(); !reflect.DeepEqual(got, []string{"id", "name"}) {
				t.Errorf("names = %v", got)
			}
		})
	}
}

func TestTranslatePyformatSource(t *testing.T) {
	src := "UPDATE t SET name = %(name)s WHERE id = %(id)s"
	q, err := Translate(src, StyleQmark)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if q.SQL() != "UPDATE t SET name = ? WHERE id = ?" {
		t.Errorf("sql = %q", q.SQL())
	}
	if got := q.Names(); !reflect.DeepEqual(got, []string{"name", "id"}) {
		t.Errorf("names = %v", got)
	}
}

func TestTranslateLeavesQuotedRegionsAlone(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"string literal", "SELECT ':nope' FROM t WHERE id = :id", "SELECT ':nope' FROM t WHERE id = ?"},
		{"escaped quote", "SELECT 'it''s :fine' WHERE a = :a", "SELECT 'it''s :fine' WHERE a = ?"},
		{"double quoted ident", `SELECT ":col" FROM t WHERE id = :id`, `SELECT ":col" FROM t WHERE id = ?`},
		{"backtick ident", "SELECT `:col` FROM t WHERE id = :id", "SELECT `:col` FROM t WHERE id = ?"},
		{"bracket ident", "SELECT [:col] FROM t WHERE id = :id", "SELECT [:col] FROM t WHERE id = ?"},
		{"line comment", "SELECT 1 -- :not_a_param\nFROM t WHERE id = :id", "SELECT 1 -- :not_a_param\nFROM t WHERE id = ?"},
		{"block comment", "SELECT /* :skip */ 1 WHERE id = :id", "SELECT /* :skip */ 1 WHERE id = ?"},
		{"postgres cast", "SELECT total::numeric FROM t WHERE id = :id", "SELECT total::numeric FROM t WHERE id = ?"},
		{"dollar quote", "SELECT $$:skip$$ WHERE id = :id", "SELECT $$:skip$$ WHERE id = ?"},
		{"tagged dollar quote", "SELECT $fn$ :skip $fn$ WHERE id = :id", "SELECT $fn$ :skip $fn$ WHERE id = ?"},
		{"numeric not a param", "SELECT ts FROM t WHERE ts > '10:30' AND n = :n", "SELECT ts FROM t WHERE ts > '10:30' AND n = ?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Translate(tt.src, StyleQmark)
			if err != nil {
				t.Fatalf("Translate: %v", err)
			}
			if q.SQL() != tt.want {
				t.Errorf("sql = %q, want %q", q.SQL(), tt.want)
			}
			if len(q.Names()) != 1 {
				t.Errorf("names = %v, want exactly one", q.Names())
			}
		})
	}
}

func TestTranslateRepeatedNames(t *testing.T) {
	src := "SELECT * FROM t WHERE a = :x OR b = :x OR c = :y"

	q, err := Translate(src, StyleQmark)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	// Positional: one slot per occurrence, same value at each.
	if got := q.Names(); !reflect.DeepEqual(got, []string{"x", "x", "y"}) {
		t.Fatalf("names = %v", got)
	}
	if got := q.Bind(map[string]any{"x": 1, "y": 2}); !reflect.DeepEqual(got, []any{1, 1, 2}) {
		t.Errorf("payload = %v", got)
	}

	qn, err := Translate(src, StyleNumbered)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if qn.SQL() != "SELECT * FROM t WHERE a = :1 OR b = :2 OR c = :3" {
		t.Errorf("numbered sql = %q", qn.SQL())
	}

	// Named: deduplicated payload.
	qd, err := Translate(src, StyleNamed)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	got := qd.Bind(map[string]any{"x": 1, "y": 2})
	want := []any{sql.Named("x", 1), sql.Named("y", 2)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("named payload = %v, want %v", got, want)
	}
}

func TestBindMissingAndExtraKeys(t *testing.T) {
	q, err := Translate("SELECT * FROM t WHERE id = :id AND name = :name", StyleQmark)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}

	// Extra keys are ignored.
	got := q.Bind(map[string]any{"id": 7, "name": "Toph", "extra": 1})
	if !reflect.DeepEqual(got, []any{7, "Toph"}) {
		t.Errorf("payload = %v", got)
	}

	// Missing keys bind SQL null.
	got = q.Bind(map[string]any{"id": 7})
	if !reflect.DeepEqual(got, []any{7, nil}) {
		t.Errorf("payload = %v", got)
	}

	// Strict binding names what is absent.
	if _, err := q.BindStrict(map[string]any{"id": 7}); err == nil {
		t.Error("BindStrict succeeded with a missing parameter")
	}
	if _, err := q.BindStrict(map[string]any{"id": 7, "name": "Toph"}); err != nil {
		t.Errorf("BindStrict: %v", err)
	}
}

func TestTranslatePreservesParameterMultiset(t *testing.T) {
	src := "SELECT :a, :b, :a FROM t WHERE c = %(c)s"
	for _, style := range []Style{StyleNamed, StyleNamedPercent, StyleQmark, StyleFormat, StyleNumbered, StyleDollar, StyleAtNamed} {
		q, err := Translate(src, style)
		if err != nil {
			t.Fatalf("%v: %v", style, err)
		}
		if got := q.Names(); !reflect.DeepEqual(got, []string{"a", "b", "a", "c"}) {
			t.Errorf("%v: names = %v", style, got)
		}
	}
}

func TestTranslateRoundTripsCanonical(t *testing.T) {
	// named → pyformat → named is lossless.
	src := "SELECT * FROM t WHERE a = :a AND b = :b"
	py, err := Translate(src, StyleNamedPercent)
	if err != nil {
		t.Fatalf("to pyformat: %v", err)
	}
	back, err := Translate(py.SQL(), StyleNamed)
	if err != nil {
		t.Fatalf("back to named: %v", err)
	}
	if back.SQL() != src {
		t.Errorf("round trip = %q, want %q", back.SQL(), src)
	}
}

func TestTranslatePercentEscapes(t *testing.T) {
	src := "SELECT * FROM t WHERE pct = :p AND note = 'a%%b'"
	q, err := Translate("SELECT 100%% AS pct WHERE a = :a", StyleQmark)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if q.SQL() != "SELECT 100% AS pct WHERE a = ?" {
		t.Errorf("qmark sql = %q", q.SQL())
	}

	qf, err := Translate("SELECT 100%% AS pct WHERE a = :a", StyleFormat)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if qf.SQL() != "SELECT 100%% AS pct WHERE a = %s" {
		t.Errorf("format sql = %q", qf.SQL())
	}

	// Percent inside a literal is untouched either way.
	ql, err := Translate(src, StyleQmark)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if ql.SQL() != "SELECT * FROM t WHERE pct = ? AND note = 'a%%b'" {
		t.Errorf("literal sql = %q", ql.SQL())
	}
}

func TestTranslateErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unterminated string", "SELECT 'oops FROM t WHERE a = :a"},
		{"unterminated block comment", "SELECT /* oops WHERE a = :a"},
		{"unterminated pyformat", "SELECT %(name FROM t"},
		{"pyformat missing suffix", "SELECT %(name)d FROM t"},
		{"invalid pyformat name", "SELECT %(9lives)s FROM t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Translate(tt.src, StyleQmark)
			if err == nil {
				t.Fatal("no error")
			}
			var te *TranslateError
			if !errors.As(err, &te) {
				t.Fatalf("error %T, want *TranslateError", err)
			}
		})
	}
}

func TestParseStyle(t *testing.T) {
	for s, name := range styleNames {
		got, err := ParseStyle(name)
		if err != nil || got != s {
			t.Errorf("ParseStyle(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseStyle("alien"); err == nil {
		t.Error("ParseStyle(alien) succeeded")
	}
}
