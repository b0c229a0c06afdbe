package ferry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Op names a single-row DML operation on a Table.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
	OpMerge
	OpSelect
)

var opNames = [...]string{"insert", "update", "delete", "merge", "select"}

func (op Op) String() string {
	if op < 0 || int(op) >= len(opNames) {
		return fmt.Sprintf("Op(%d)", int(op))
	}
	return opNames[op]
}

// ParseOp maps an operation name to an Op. "upsert" is accepted as an
// alias for merge.
func ParseOp(name string) (Op, error) {
	switch strings.ToLower(name) {
	case "insert":
		return OpInsert, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	case "merge", "upsert":
		return OpMerge, nil
	case "select":
		return OpSelect, nil
	}
	return 0, fmt.Errorf("unknown operation %q", name)
}

// needsKeys reports whether the op addresses rows by key identity
// rather than by full-row requirements.
func (op Op) needsKeys() bool {
	return op == OpUpdate || op == OpDelete || op == OpSelect
}

// Counts accumulates a table's lifetime row accounting. Error counts
// rows, not columns: a record with several failing transforms still
// adds one.
type Counts struct {
	Records    int64 `json:"records"`
	Insert     int64 `json:"insert"`
	Update     int64 `json:"update"`
	Delete     int64 `json:"delete"`
	Merge      int64 `json:"merge"`
	Select     int64 `json:"select"`
	Incomplete int64 `json:"incomplete"`
	Error      int64 `json:"error"`
}

func (c *Counts) bump(op Op) {
	switch op {
	case OpInsert:
		c.Insert++
	case OpUpdate:
		c.Update++
	case OpDelete:
		c.Delete++
	case OpMerge:
		c.Merge++
	case OpSelect:
		c.Select++
	}
}

// Total is the number of rows written: inserts, updates, deletes, and
// merges.
func (c *Counts) Total() int64 {
	return c.Insert + c.Update + c.Delete + c.Merge
}

// Map renders the counters for reports and JSON sinks.
func (c *Counts) Map() map[string]int64 {
	return map[string]int64{
		"records":    c.Records,
		"insert":     c.Insert,
		"update":     c.Update,
		"delete":     c.Delete,
		"merge":      c.Merge,
		"select":     c.Select,
		"incomplete": c.Incomplete,
		"error":      c.Error,
	}
}

func (c *Counts) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("records", c.Records),
		slog.Int64("insert", c.Insert),
		slog.Int64("update", c.Update),
		slog.Int64("delete", c.Delete),
		slog.Int64("merge", c.Merge),
		slog.Int64("select", c.Select),
		slog.Int64("incomplete", c.Incomplete),
		slog.Int64("error", c.Error),
	)
}

// ErrNotReady reports an operation attempted before its required
// columns held values. RequirementsError wraps it with the specifics.
var ErrNotReady = errors.New("requirements not met")

// RequirementsError names the columns that kept an operation from
// running.
type RequirementsError struct {
	Table   string
	Op      Op
	Missing []string
}

func (e *RequirementsError) Error() string {
	return fmt.Sprintf("%s %s: requirements not met, missing %s",
		e.Table, e.Op, strings.Join(e.Missing, ", "))
}

func (e *RequirementsError) Unwrap() error { return ErrNotReady }

// Default strings treated as null when sourced from loosely typed
// inputs such as CSV.
var defaultNullValues = []string{"", "NULL", "<null>", `\N`}

// Table maps source records onto one database table. It compiles its
// column specs once, resolves values per record through the transform
// pipeline, tracks per-operation readiness, and generates and caches
// the dialect-specific DML.
//
// A Table is not safe for concurrent use; give each goroutine its own.
type Table struct {
	name   string
	quoted string
	cur    *Cursor
	cols   []*column
	byNorm map[string]*column
	byBind map[string]*column
	nulls  map[string]bool
	logger *slog.Logger

	ready   uint8
	counts  Counts
	queries map[Op]*Query
	dml     *DMLParts
}

// TableOption adjusts table construction.
type TableOption func(*Table)

// WithNullValues replaces the default null-sentinel strings.
func WithNullValues(vals ...string) TableOption {
	return func(t *Table) {
		t.nulls = make(map[string]bool, len(vals))
		for _, v := range vals {
			t.nulls[v] = true
		}
	}
}

// WithLogger routes the table's warnings somewhere other than the
// default logger.
func WithLogger(l *slog.Logger) TableOption {
	return func(t *Table) { t.logger = l }
}

// NewTable compiles column specs against the cursor's dialect. Column
// order is preserved in generated DML.
func NewTable(name string, cur *Cursor, specs []ColumnSpec, opts ...TableOption) (*Table, error) {
	if cur == nil {
		return nil, fmt.Errorf("table %s: nil cursor", name)
	}
	if err := ValidateIdent(name); err != nil {
		return nil, fmt.Errorf("table: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("table %s: no columns", name)
	}

	t := &Table{
		name:    name,
		quoted:  cur.db.dialect.QuoteIdent(name),
		cur:     cur,
		byNorm:  make(map[string]*column, len(specs)),
		byBind:  make(map[string]*column, len(specs)),
		logger:  slog.Default(),
		queries: make(map[Op]*Query),
	}
	WithNullValues(defaultNullValues...)(t)
	for _, opt := range opts {
		opt(t)
	}

	for _, spec := range specs {
		c, err := compileColumn(cur, spec)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		if c.key && c.literal() {
			return nil, fmt.Errorf("table %s: key column %s cannot be a parameterless expression", name, c.name)
		}
		if _, dup := t.byNorm[c.norm]; dup {
			return nil, fmt.Errorf("table %s: duplicate column %s", name, c.name)
		}
		if prev, dup := t.byBind[c.bind]; dup {
			return nil, fmt.Errorf("table %s: columns %s and %s share bind name %s",
				name, prev.name, c.name, c.bind)
		}
		t.cols = append(t.cols, c)
		t.byNorm[c.norm] = c
		t.byBind[c.bind] = c
	}
	t.RefreshReadiness()
	return t, nil
}

// Name returns the target table name as declared.
func (t *Table) Name() string { return t.name }

// Cursor returns the cursor the table executes through.
func (t *Table) Cursor() *Cursor { return t.cur }

// Counts exposes the live counters.
func (t *Table) Counts() *Counts { return &t.counts }

// Columns lists the target column names in declaration order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.cols))
	for i, c := range t.cols {
		out[i] = c.name
	}
	return out
}

// KeyColumns lists the key column names in declaration order.
func (t *Table) KeyColumns() []string {
	var out []string
	for _, c := range t.cols {
		if c.key {
			out = append(out, c.name)
		}
	}
	return out
}

// SetValues resolves every column from the source record: source field,
// null-sentinel normalization, default, then the transform pipeline.
// This is the hot path; it always leaves the table with fresh values
// and a recomputed readiness bitmap.
//
// A failing transform nils that column's value and the record counts
// once against Error; the first failure is returned so callers can
// choose between skipping the row and aborting the run.
func (t *Table) SetValues(ctx context.Context, rec *Record) error {
	t.counts.Records++
	var firstErr error
	for _, c := range t.cols {
		if c.literal() {
			continue
		}
		v, err := t.resolveValue(ctx, c, rec)
		if err != nil {
			c.value = nil
			if firstErr == nil {
				firstErr = fmt.Errorf("%s.%s: %w", t.name, c.name, err)
			}
			continue
		}
		c.value = v
	}
	if firstErr != nil {
		t.counts.Error++
	}
	t.RefreshReadiness()
	return firstErr
}

func (t *Table) resolveValue(ctx context.Context, c *column, rec *Record) (any, error) {
	var v any
	switch {
	case c.wholeRec:
		v = rec
	case len(c.fields) > 0:
		vals := make([]any, len(c.fields))
		for i, f := range c.fields {
			fv, ok := rec.Get(f)
			if !ok {
				t.warnMissing(f)
			}
			vals[i] = t.normalizeNull(fv)
		}
		v = vals
	case c.field != "":
		fv, ok := rec.Get(c.field)
		if !ok {
			t.warnMissing(c.field)
		}
		v = t.normalizeNull(fv)
	}

	if isEmpty(v) && c.def != nil {
		v = c.def
	}
	for _, fn := range c.fns {
		out, err := fn(ctx, v)
		if err != nil {
			return nil, err
		}
		v = out
	}
	return v, nil
}

func (t *Table) normalizeNull(v any) any {
	if s, ok := v.(string); ok && t.nulls[s] {
		return nil
	}
	return v
}

// warnMissing logs absent source fields once, while processing the
// first record; after that the absence is considered known.
func (t *Table) warnMissing(field string) {
	if t.counts.Records == 1 {
		t.logger.Warn("source field not found", "table", t.name, "field", field)
	}
}

// Value returns a column's current resolved value.
func (t *Table) Value(col string) (any, bool) {
	c, ok := t.byNorm[Normalize(col)]
	if !ok {
		return nil, false
	}
	return c.value, true
}

// SetValue overwrites a column's current value directly. The readiness
// bitmap goes stale; call RefreshReadiness before the next Execute.
func (t *Table) SetValue(col string, v any) bool {
	c, ok := t.byNorm[Normalize(col)]
	if !ok {
		return false
	}
	c.value = v
	return true
}

func readyBit(op Op) uint8 { return 1 << uint(op) }

// RefreshReadiness recomputes the per-operation readiness bits from
// the current values. Literal expression columns are SQL-side and never
// gate readiness.
func (t *Table) RefreshReadiness() {
	reqOK, keysOK := true, true
	for _, c := range t.cols {
		if c.literal() || c.value != nil {
			continue
		}
		if c.required {
			reqOK = false
		}
		if c.key {
			keysOK = false
		}
		if !reqOK && !keysOK {
			break
		}
	}
	var bits uint8
	if reqOK {
		bits |= readyBit(OpInsert) | readyBit(OpMerge)
	}
	if keysOK {
		bits |= readyBit(OpUpdate) | readyBit(OpDelete) | readyBit(OpSelect)
	}
	t.ready = bits
}

// IsReady is the O(1) readiness test for op.
func (t *Table) IsReady(op Op) bool {
	return t.ready&readyBit(op) != 0
}

// ReqsMet recomputes readiness for op from scratch, for diagnostics.
func (t *Table) ReqsMet(op Op) bool { return len(t.ReqsMissing(op)) == 0 }

// ReqsMissing lists the columns blocking op, in declaration order.
func (t *Table) ReqsMissing(op Op) []string {
	var missing []string
	for _, c := range t.cols {
		if c.literal() || c.value != nil {
			continue
		}
		if op.needsKeys() && c.key || !op.needsKeys() && c.required {
			missing = append(missing, c.name)
		}
	}
	return missing
}

// Execute runs op for the current values. When the row is not ready:
// strict surfaces a RequirementsError, otherwise the row counts as
// incomplete and no SQL is issued. Counters move only on success.
func (t *Table) Execute(ctx context.Context, op Op, strict bool) error {
	if !t.IsReady(op) {
		if strict {
			return &RequirementsError{Table: t.name, Op: op, Missing: t.ReqsMissing(op)}
		}
		t.counts.Incomplete++
		return nil
	}
	q, err := t.query(op)
	if err != nil {
		return err
	}
	if err := t.cur.run(ctx, q.SQL(), t.bindArgs(q)); err != nil {
		return fmt.Errorf("%s %s: %w", t.name, op, err)
	}
	t.counts.bump(op)
	return nil
}

// Fetch runs the SELECT-by-key statement for the current key values and
// returns the matching row, or nil when there is none.
func (t *Table) Fetch(ctx context.Context) (*Record, error) {
	if err := t.Execute(ctx, OpSelect, true); err != nil {
		return nil, err
	}
	rec, err := t.cur.FetchOne()
	if err != nil {
		return nil, err
	}
	// Key identity yields at most one useful row; release the rest.
	t.cur.discard()
	return rec, nil
}

// RestrictUpdates drops from UPDATE set clauses, and from the update
// arm of merges, every sourced column whose source field is absent
// from available. Partial sources then refresh only what they carry
// instead of nulling the rest. Generated SQL is rebuilt on next use.
func (t *Table) RestrictUpdates(available []string) {
	have := make(map[string]bool, len(available))
	for _, a := range available {
		have[Normalize(a)] = true
	}
	for _, c := range t.cols {
		if c.literal() || c.wholeRec {
			continue
		}
		switch {
		case c.field != "":
			c.excluded = !have[Normalize(c.field)]
		case len(c.fields) > 0:
			none := true
			for _, f := range c.fields {
				if have[Normalize(f)] {
					none = false
					break
				}
			}
			c.excluded = none
		}
	}
	t.invalidateSQL()
}

func (t *Table) invalidateSQL() {
	t.queries = make(map[Op]*Query)
	t.dml = nil
}

func (t *Table) dialect() Dialect { return t.cur.db.dialect }

func (t *Table) parts() DMLParts {
	if t.dml == nil {
		cols := make([]DMLColumn, len(t.cols))
		for i, c := range t.cols {
			cols[i] = DMLColumn{
				Quoted: t.dialect().QuoteIdent(c.name),
				Alias:  c.bind,
				Expr:   c.expr,
				Key:    c.key,
				Update: !c.key && !c.noUpdate && !c.excluded,
			}
		}
		t.dml = &DMLParts{Table: t.quoted, Cols: cols}
	}
	return *t.dml
}

// SQL returns the dialect-ready statement for op, generated once and
// cached.
func (t *Table) SQL(op Op) (string, error) {
	q, err := t.query(op)
	if err != nil {
		return "", err
	}
	return q.SQL(), nil
}

// BindParams returns the current values aligned to SQL(op)'s
// placeholders.
func (t *Table) BindParams(op Op) []any {
	q, err := t.query(op)
	if err != nil {
		return nil
	}
	return t.bindArgs(q)
}

func (t *Table) query(op Op) (*Query, error) {
	if q := t.queries[op]; q != nil {
		return q, nil
	}
	text, err := t.canonicalSQL(op)
	if err != nil {
		return nil, err
	}
	q, err := Translate(text, t.cur.style)
	if err != nil {
		return nil, fmt.Errorf("table %s: %s: %w", t.name, op, err)
	}
	t.queries[op] = q
	return q, nil
}

func (t *Table) bindArgs(q *Query) []any {
	names := q.Names()
	args := make([]any, len(names))
	for i, n := range names {
		if c := t.byBind[n]; c != nil {
			args[i] = c.value
		}
	}
	return args
}

func (t *Table) canonicalSQL(op Op) (string, error) {
	p := t.parts()
	if (op.needsKeys() || op == OpMerge) && len(p.Keys()) == 0 {
		return "", fmt.Errorf("table %s: %s needs key columns", t.name, op)
	}
	switch op {
	case OpInsert:
		return t.insertInto(p.Table), nil
	case OpUpdate:
		ups := p.Updates()
		if len(ups) == 0 {
			return "", fmt.Errorf("table %s: no updatable columns", t.name)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "UPDATE %s SET ", p.Table)
		for i, c := range ups {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = %s", c.Quoted, c.Expr)
		}
		b.WriteString(" WHERE ")
		writeKeyClause(&b, p.Keys())
		return b.String(), nil
	case OpDelete:
		var b strings.Builder
		fmt.Fprintf(&b, "DELETE FROM %s WHERE ", p.Table)
		writeKeyClause(&b, p.Keys())
		return b.String(), nil
	case OpSelect:
		var b strings.Builder
		fmt.Fprintf(&b, "SELECT %s FROM %s WHERE ",
			strings.Join(dmlNames(p.Cols), ", "), p.Table)
		writeKeyClause(&b, p.Keys())
		return b.String(), nil
	case OpMerge:
		d := t.dialect()
		if s, ok := d.UpsertSQL(p); ok {
			return s, nil
		}
		if s, ok := d.MergeSQL(p); ok {
			return s, nil
		}
		return "", fmt.Errorf("table %s: dialect %s cannot merge in a single statement, use a surge",
			t.name, d.Name())
	}
	return "", fmt.Errorf("table %s: unknown op %d", t.name, int(op))
}

// insertInto renders the canonical INSERT against any table with this
// table's column shape. Surges point it at temp tables.
func (t *Table) insertInto(table string) string {
	p := t.parts()
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(dmlNames(p.Cols), ", "), strings.Join(dmlExprs(p.Cols), ", "))
}

// WHERE identity is always a plain bind per key column; a key's DBExpr
// applies when writing the value, not when matching it.
func writeKeyClause(b *strings.Builder, keys []DMLColumn) {
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(b, "%s = :%s", k.Quoted, k.Alias)
	}
}
