package ferry

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// WholeRecord is the Field sentinel that feeds the entire source record
// to the column's first transform instead of a single value.
const WholeRecord = "*"

// ColumnSpec declares one target column of a Table: where its value
// comes from, how it is transformed, and how it participates in DML.
//
// The zero source (no Field, Fields, Fn, or DBExpr) reads the source
// field named after the column. Fn without a Field means the column has
// no source; the pipeline starts from nil.
type ColumnSpec struct {
	Name    string
	Field   string   // source key; WholeRecord feeds the record itself
	Fields  []string // multi-source; the pipeline starts from a []any
	Default any      // substituted when the sourced value is nil or ""

	// Fn is the transform pipeline. Each element is a Transform, a
	// value with a Transform() Transform method (Lookup, Validator,
	// Collector), or a string shorthand such as "int:0" or
	// "lookup:states:abbrev:name".
	Fn []any

	// DBExpr renders the column SQL-side. '#' marks where the resolved
	// value binds; without '#' the expression is literal and the
	// pipeline's value is discarded.
	DBExpr string

	Key      bool // row identity for UPDATE/DELETE/SELECT; implies Required
	Required bool // must be non-nil for INSERT/MERGE
	NoUpdate bool // never included in UPDATE set clauses
}

// column is a compiled ColumnSpec.
type column struct {
	name     string
	norm     string
	bind     string
	field    string
	fields   []string
	wholeRec bool
	def      any
	fns      []Transform
	expr     string // canonical value expression for DML
	hasParam bool   // expr consumes the resolved value
	key      bool
	required bool
	noUpdate bool
	excluded bool // dropped from updates by RestrictUpdates

	value any
}

// literal reports a parameterless SQL-side column: it contributes text
// to DML but never a bound value, so readiness ignores it.
func (c *column) literal() bool { return !c.hasParam }

var nonBindChars = regexp.MustCompile(`[^a-z0-9_]+`)

// bindName derives a parameter-safe name from a column name. Distinct
// from Normalize: bind names must satisfy the placeholder grammar in
// every dialect.
func bindName(name string) string {
	s := nonBindChars.ReplaceAllString(strings.ToLower(name), "_")
	s = strings.TrimRight(s, "_")
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		s = "col_" + s
	}
	return s
}

// Niladic expressions accepted as literal DBExpr values. Anything else
// without '#' must use call syntax, e.g. "now()".
var literalExprs = map[string]bool{
	"sysdate":           true,
	"systimestamp":      true,
	"user":              true,
	"current_timestamp": true,
	"current_date":      true,
	"current_time":      true,
}

// renderExpr turns a DBExpr into the column's canonical value
// expression.
func renderExpr(dbExpr, bind string) (expr string, hasParam bool, err error) {
	if dbExpr == "" {
		return ":" + bind, true, nil
	}
	if strings.Contains(dbExpr, "#") {
		return strings.ReplaceAll(dbExpr, "#", ":"+bind), true, nil
	}
	if strings.HasSuffix(dbExpr, "()") || literalExprs[strings.ToLower(dbExpr)] {
		return dbExpr, false, nil
	}
	return "", false, fmt.Errorf(
		"db expression %q needs a '#' value slot, call syntax, or a known niladic function", dbExpr)
}

func compileColumn(cur *Cursor, spec ColumnSpec) (*column, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("column with empty name")
	}
	if err := ValidateIdent(spec.Name); err != nil {
		return nil, fmt.Errorf("column: %w", err)
	}
	if spec.Field != "" && len(spec.Fields) > 0 {
		return nil, fmt.Errorf("column %s: Field and Fields are mutually exclusive", spec.Name)
	}
	if spec.Field == WholeRecord && len(spec.Fn) == 0 {
		return nil, fmt.Errorf("column %s: Field %q needs at least one transform", spec.Name, WholeRecord)
	}

	c := &column{
		name:     spec.Name,
		norm:     Normalize(spec.Name),
		bind:     bindName(spec.Name),
		field:    spec.Field,
		fields:   spec.Fields,
		wholeRec: spec.Field == WholeRecord,
		def:      spec.Default,
		key:      spec.Key,
		required: spec.Required || spec.Key,
		noUpdate: spec.NoUpdate,
	}

	expr, hasParam, err := renderExpr(spec.DBExpr, c.bind)
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", spec.Name, err)
	}
	c.expr = expr
	c.hasParam = hasParam

	if !hasParam {
		// Literal SQL: nothing to source or transform.
		c.field, c.fields, c.wholeRec = "", nil, false
		return c, nil
	}

	if c.field == "" && len(c.fields) == 0 && len(spec.Fn) == 0 {
		c.field = spec.Name
	}

	for i, f := range spec.Fn {
		fn, err := resolveFn(cur, f)
		if err != nil {
			return nil, fmt.Errorf("column %s: fn %d: %w", spec.Name, i+1, err)
		}
		c.fns = append(c.fns, fn)
	}
	return c, nil
}

// transformer is satisfied by Lookup, Validator, and Collector.
type transformer interface{ Transform() Transform }

func resolveFn(cur *Cursor, f any) (Transform, error) {
	switch fn := f.(type) {
	case Transform:
		return fn, nil
	case func(context.Context, any) (any, error):
		return fn, nil
	case transformer:
		return fn.Transform(), nil
	case string:
		return resolveShorthand(cur, fn)
	}
	return nil, fmt.Errorf("unsupported fn type %T", f)
}

func resolveShorthand(cur *Cursor, sh string) (Transform, error) {
	if rest, ok := strings.CutPrefix(sh, "lookup:"); ok {
		table, keys, returns, mode, err := splitLookupArgs(rest, true)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", sh, err)
		}
		l, err := NewLookup(cur, table, keys, returns, mode)
		if err != nil {
			return nil, err
		}
		return l.Transform(), nil
	}
	if rest, ok := strings.CutPrefix(sh, "validate:"); ok {
		table, keys, _, mode, err := splitLookupArgs(rest, false)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", sh, err)
		}
		v, err := NewValidator(cur, table, keys, mode)
		if err != nil {
			return nil, err
		}
		return v.Transform(), nil
	}
	return ResolveTransform(sh)
}

func splitLookupArgs(rest string, withReturns bool) (table string, keys, returns []string, mode CacheMode, err error) {
	parts := strings.Split(rest, ":")
	want := 2
	if withReturns {
		want = 3
	}
	if len(parts) < want || len(parts) > want+1 {
		if withReturns {
			return "", nil, nil, 0, fmt.Errorf("want table:keys:returns[:cache]")
		}
		return "", nil, nil, 0, fmt.Errorf("want table:keys[:cache]")
	}
	table = parts[0]
	keys = splitCSV(parts[1])
	if withReturns {
		returns = splitCSV(parts[2])
	}
	mode = CacheLazy
	if len(parts) == want+1 {
		mode, err = ParseCacheMode(parts[want])
		if err != nil {
			return "", nil, nil, 0, err
		}
	}
	return table, keys, returns, mode, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
