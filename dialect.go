package ferry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// DMLColumn is one column's contribution to generated DML, carried in
// canonical named style before translation.
type DMLColumn struct {
	Quoted string // target column name, quoted as needed
	Alias  string // normalized name, safe as a bind name or source alias
	Expr   string // canonical value expression, e.g. ":user_id" or "coalesce(:v, 0)" or "current_timestamp"
	Key    bool   // participates in key identity
	Update bool   // included in UPDATE set clauses
}

// DMLParts is the deconstructed DML for one table, handed to dialects
// that assemble engine-specific statements (upsert, MERGE).
type DMLParts struct {
	Table string // quoted table name
	Cols  []DMLColumn
}

// Keys returns the key columns in declaration order.
func (p DMLParts) Keys() []DMLColumn {
	var out []DMLColumn
	for _, c := range p.Cols {
		if c.Key {
			out = append(out, c)
		}
	}
	return out
}

// Updates returns the columns an UPDATE or the matched arm of a merge
// may set.
func (p DMLParts) Updates() []DMLColumn {
	var out []DMLColumn
	for _, c := range p.Cols {
		if c.Update {
			out = append(out, c)
		}
	}
	return out
}

func dmlNames(cols []DMLColumn) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Quoted
	}
	return out
}

func dmlExprs(cols []DMLColumn) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Expr
	}
	return out
}

// Dialect describes one database engine: its placeholder style, its
// identifier quoting, its merge capabilities, and the statements the
// toolkit cannot express portably.
type Dialect interface {
	Name() string
	DriverName() string // database/sql driver name; empty when no driver is bundled
	ParamStyle() Style
	QuoteIdent(name string) string
	BuildDSN(c ConnConfig) (string, error)

	// SupportsUpsert reports whether a single INSERT statement can
	// express merge semantics (ON CONFLICT / ON DUPLICATE KEY).
	SupportsUpsert() bool
	// SupportsMerge reports whether MERGE INTO ... USING is available.
	SupportsMerge() bool
	// UpsertSQL and MergeSQL build a canonical-style single-row merge
	// statement; ok is false when the engine has no such form.
	UpsertSQL(p DMLParts) (string, bool)
	MergeSQL(p DMLParts) (string, bool)

	// Temp-table support for the merge fallback. TempName decorates a
	// generated base name (sqlserver prefixes #); MergeFromTempSQL
	// merges the temp table's rows into the target.
	TempName(base string) string
	TempTableSQL(temp, target string, cols []string) string
	MergeFromTempSQL(p DMLParts, temp string) (string, bool)
	DropTempSQL(temp string) string

	// IsConstraint classifies driver errors that signal a constraint
	// violation, for diagnostics only.
	IsConstraint(err error) bool
}

var (
	dialectsMu sync.RWMutex
	dialects   = make(map[string]Dialect)
)

// RegisterDialect makes a dialect available to Open and config loading.
// Built-in dialects register at init; callers may add or override.
func RegisterDialect(d Dialect) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()
	dialects[d.Name()] = d
}

// DialectByName returns a registered dialect.
func DialectByName(name string) (Dialect, error) {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	if d, ok := dialects[name]; ok {
		return d, nil
	}
	known := make([]string, 0, len(dialects))
	for n := range dialects {
		known = append(known, n)
	}
	sort.Strings(known)
	return nil, fmt.Errorf("unknown dialect %q (registered: %s)", name, strings.Join(known, ", "))
}

// baseDialect carries the fields every engine shares.
type baseDialect struct {
	name   string
	driver string
	style  Style
}

func (d baseDialect) Name() string       { return d.name }
func (d baseDialect) DriverName() string { return d.driver }
func (d baseDialect) ParamStyle() Style  { return d.style }

// ValidateIdent rejects identifiers that could smuggle statement
// structure into generated SQL. Qualified names validate part by part.
// Quoting handles the rest.
func ValidateIdent(name string) error {
	if name == "" {
		return fmt.Errorf("empty identifier")
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return fmt.Errorf("identifier %q has an empty part", name)
		}
		if len(part) > 64 {
			return fmt.Errorf("identifier %q has a part longer than 64 bytes", name)
		}
		first, _ := utf8.DecodeRuneInString(part)
		if !unicode.IsLetter(first) {
			return fmt.Errorf("identifier %q must start with a letter", name)
		}
		if strings.HasSuffix(part, " ") {
			return fmt.Errorf("identifier %q has a trailing space", name)
		}
		for _, bad := range []string{"\x00", "\n", "\r", "'", `"`, ";", "\x1a", "--", "/*", "*/"} {
			if strings.Contains(part, bad) {
				return fmt.Errorf("identifier %q contains %q", name, bad)
			}
		}
	}
	return nil
}

// quotedList renders column names as a comma-separated quoted list.
func quotedList(d Dialect, names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = d.QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// reservedWords are words reserved by at least one supported engine.
// They are quoted everywhere so generated DML stays portable. The bulk
// is PostgreSQL's reserved list; the tail adds words MySQL and SQL
// Server reserve that commonly show up as column names.
var reservedWords = map[string]bool{
	"all": true, "analyse": true, "analyze": true, "and": true, "any": true,
	"array": true, "as": true, "asc": true, "authorization": true, "between": true,
	"binary": true, "both": true, "case": true, "cast": true, "check": true,
	"collate": true, "column": true, "constraint": true, "create": true, "cross": true,
	"current_date": true, "current_role": true, "current_time": true,
	"current_timestamp": true, "current_user": true, "default": true, "deferrable": true,
	"desc": true, "distinct": true, "do": true, "else": true, "end": true, "except": true,
	"false": true, "fetch": true, "for": true, "foreign": true, "freeze": true,
	"from": true, "full": true, "grant": true, "group": true, "having": true,
	"ilike": true, "in": true, "initially": true, "inner": true, "intersect": true,
	"into": true, "is": true, "isnull": true, "join": true, "lateral": true,
	"leading": true, "left": true, "like": true, "limit": true, "localtime": true,
	"localtimestamp": true, "natural": true, "not": true, "notnull": true, "null": true,
	"offset": true, "on": true, "only": true, "or": true, "order": true, "outer": true,
	"overlaps": true, "placing": true, "primary": true, "references": true,
	"returning": true, "right": true, "select": true, "session_user": true,
	"similar": true, "some": true, "symmetric": true, "table": true, "then": true,
	"to": true, "trailing": true, "true": true, "union": true, "unique": true,
	"user": true, "using": true, "variadic": true, "verbose": true, "when": true,
	"where": true, "window": true, "with": true,

	"by": true, "delete": true, "drop": true, "exists": true, "if": true,
	"ignore": true, "index": true, "insert": true, "interval": true, "key": true,
	"keys": true, "match": true, "partition": true, "rank": true, "replace": true,
	"rows": true, "set": true, "update": true, "values": true,
}

// identNeedsQuoting reports whether an identifier survives unquoted: a
// leading letter followed by letters, digits, and underscores in one
// consistent case.
func identNeedsQuoting(name string) bool {
	if name == "" {
		return true
	}
	lower := name[0] >= 'a' && name[0] <= 'z'
	upper := name[0] >= 'A' && name[0] <= 'Z'
	if !lower && !upper {
		return true
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= '0' && c <= '9' || c == '_':
		case c >= 'a' && c <= 'z':
			if !lower {
				return true
			}
		case c >= 'A' && c <= 'Z':
			if !upper {
				return true
			}
		default:
			return true
		}
	}
	return false
}

// quoteWith quotes each dot-separated part with the given delimiters
// when it needs quoting, doubling embedded closing delimiters.
// Reserved words are always quoted.
func quoteWith(name string, open, close byte) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		if identNeedsQuoting(part) || reservedWords[strings.ToLower(part)] {
			escaped := strings.ReplaceAll(part, string(close), string(close)+string(close))
			parts[i] = string(open) + escaped + string(close)
		}
	}
	return strings.Join(parts, ".")
}
