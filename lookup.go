package ferry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// CacheMode controls how a Lookup balances memory against query volume.
type CacheMode int

const (
	// CacheLazy caches per-key query results as they are seen. Small
	// reference tables upgrade themselves to a full preload.
	CacheLazy CacheMode = iota
	// CachePreload materializes the whole reference table in one SELECT
	// on first use.
	CachePreload
	// CacheNone queries on every call.
	CacheNone
)

func (m CacheMode) String() string {
	switch m {
	case CacheLazy:
		return "lazy"
	case CachePreload:
		return "preload"
	case CacheNone:
		return "none"
	}
	return fmt.Sprintf("CacheMode(%d)", int(m))
}

// ParseCacheMode maps the shorthand cache names to a CacheMode.
func ParseCacheMode(s string) (CacheMode, error) {
	switch s {
	case "lazy", "":
		return CacheLazy, nil
	case "preload":
		return CachePreload, nil
	case "none":
		return CacheNone, nil
	}
	return 0, fmt.Errorf("unknown cache mode %q, want preload, lazy, or none", s)
}

// Row-count ceilings under which a lazy cache upgrades itself to a full
// preload. Validators tolerate a bigger table since they hold only keys.
const (
	lookupPreloadCeiling    = 500
	validatorPreloadCeiling = 1000
)

// compositeKeySep joins multi-column key parts into one cache key. The
// unit separator cannot appear in sane reference data.
const compositeKeySep = "\x1f"

// LookupKeyError reports a record that lacks the key columns a lookup
// needs.
type LookupKeyError struct {
	Table   string
	Missing []string
}

func (e *LookupKeyError) Error() string {
	return fmt.Sprintf("lookup %s: record is missing key column(s) %s",
		e.Table, strings.Join(e.Missing, ", "))
}

// Lookup translates codes through a database reference table. It is
// built for fn pipelines: Transform returns a stage that takes the key
// (a scalar, or a Record carrying all key columns) and yields the
// mapped value, a Record when several return columns are configured,
// or nil when the reference table has no match.
//
// Reference data loads on first use, so construction does no I/O.
type Lookup struct {
	cur     *Cursor
	table   string
	keys    []string
	returns []string
	mode    CacheMode
	ceiling int
	// distinct tightens the preload and count statements to unique
	// keys; validators set it since they only test membership.
	distinct bool

	schema     *Schema
	fetchQuery *Query
	cache      map[string][]any
	loaded     bool
	preloaded  bool

	hits    int64
	misses  int64
	queries int64
}

// NewLookup builds a lookup against table using the cursor's dialect
// for quoting and its transaction, if one is open, for queries.
func NewLookup(cur *Cursor, table string, keys, returns []string, mode CacheMode) (*Lookup, error) {
	l, err := newLookup(cur, table, keys, returns, mode)
	if err != nil {
		return nil, err
	}
	l.ceiling = lookupPreloadCeiling
	return l, nil
}

func newLookup(cur *Cursor, table string, keys, returns []string, mode CacheMode) (*Lookup, error) {
	if cur == nil {
		return nil, fmt.Errorf("lookup %s: nil cursor", table)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("lookup %s: at least one key column required", table)
	}
	if len(returns) == 0 {
		return nil, fmt.Errorf("lookup %s: at least one return column required", table)
	}
	if err := ValidateIdent(table); err != nil {
		return nil, fmt.Errorf("lookup table: %w", err)
	}
	for _, col := range append(append([]string{}, keys...), returns...) {
		if err := ValidateIdent(col); err != nil {
			return nil, fmt.Errorf("lookup %s: %w", table, err)
		}
	}

	l := &Lookup{
		cur:     cur,
		table:   table,
		keys:    keys,
		returns: returns,
		mode:    mode,
		schema:  NewSchema(returns),
		cache:   make(map[string][]any),
	}

	d := cur.db.dialect
	var where strings.Builder
	for i, k := range keys {
		if i > 0 {
			where.WriteString(" AND ")
		}
		fmt.Fprintf(&where, "%s = :k%d", d.QuoteIdent(k), i+1)
	}
	sqlText := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		quotedList(d, returns), d.QuoteIdent(table), where.String())
	q, err := Translate(sqlText, cur.style)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", table, err)
	}
	l.fetchQuery = q
	return l, nil
}

// Transform adapts the lookup into a pipeline stage. Empty input passes
// through as nil without touching the cache or the database.
func (l *Lookup) Transform() Transform {
	return func(ctx context.Context, v any) (any, error) {
		if isEmpty(v) {
			return nil, nil
		}
		keyVals, err := l.keyValues(v)
		if err != nil {
			return nil, err
		}
		return l.fetch(ctx, keyVals)
	}
}

// Fetch looks up one key directly, outside a pipeline. keyVals align
// positionally with the configured key columns.
func (l *Lookup) Fetch(ctx context.Context, keyVals ...any) (any, error) {
	if len(keyVals) != len(l.keys) {
		return nil, fmt.Errorf("lookup %s: got %d key value(s), want %d",
			l.table, len(keyVals), len(l.keys))
	}
	return l.fetch(ctx, keyVals)
}

// Preloaded reports whether the whole reference table is in memory.
func (l *Lookup) Preloaded() bool { return l.preloaded }

// Stats returns cache hits, misses, and the number of SQL statements
// issued, preload and row-count statements included.
func (l *Lookup) Stats() (hits, misses, queries int64) {
	return l.hits, l.misses, l.queries
}

func (l *Lookup) keyValues(v any) ([]any, error) {
	if rec, ok := v.(*Record); ok {
		vals := make([]any, 0, len(l.keys))
		var missing []string
		for _, k := range l.keys {
			kv, ok := rec.Get(k)
			if !ok {
				missing = append(missing, k)
				continue
			}
			vals = append(vals, kv)
		}
		if len(missing) > 0 {
			return nil, &LookupKeyError{Table: l.table, Missing: missing}
		}
		return vals, nil
	}
	if len(l.keys) != 1 {
		return nil, &LookupKeyError{Table: l.table, Missing: l.keys[1:]}
	}
	return []any{v}, nil
}

func (l *Lookup) fetch(ctx context.Context, keyVals []any) (any, error) {
	if err := l.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	ck := compositeKey(keyVals)

	if l.mode != CacheNone {
		if row, ok := l.cache[ck]; ok {
			l.hits++
			return l.materialize(row), nil
		}
		if l.preloaded {
			l.misses++
			return nil, nil
		}
	}

	row, err := l.query(ctx, keyVals)
	if err != nil {
		return nil, err
	}
	if l.mode == CacheLazy {
		// Negative results cache too, as a nil row.
		l.cache[ck] = row
	}
	if row == nil {
		l.misses++
		return nil, nil
	}
	return l.materialize(row), nil
}

func (l *Lookup) materialize(row []any) any {
	if row == nil {
		return nil
	}
	if len(l.returns) == 1 {
		return row[0]
	}
	vals := make([]any, len(row))
	copy(vals, row)
	return NewRecord(l.schema, vals)
}

func (l *Lookup) ensureLoaded(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	l.loaded = true
	switch l.mode {
	case CachePreload:
		return l.preload(ctx)
	case CacheLazy:
		n, err := l.rowCount(ctx)
		if err != nil {
			return err
		}
		if n <= int64(l.ceiling) {
			return l.preload(ctx)
		}
	}
	return nil
}

func (l *Lookup) preload(ctx context.Context) error {
	d := l.cur.db.dialect
	sel := "SELECT "
	if l.distinct {
		sel = "SELECT DISTINCT "
	}
	cols := append(append([]string{}, l.keys...), l.returns...)
	sqlText := sel + quotedList(d, cols) + " FROM " + d.QuoteIdent(l.table)

	l.queries++
	rows, err := l.cur.conn().QueryContext(ctx, sqlText)
	if err != nil {
		return fmt.Errorf("lookup %s: preload: %w", l.table, err)
	}
	defer rows.Close()

	nk := len(l.keys)
	for rows.Next() {
		vals, err := scanAnyRow(rows, nk+len(l.returns))
		if err != nil {
			return fmt.Errorf("lookup %s: preload: %w", l.table, err)
		}
		// Rows with an empty key part cannot be addressed; skip them.
		usable := true
		for _, kv := range vals[:nk] {
			if isEmpty(kv) {
				usable = false
				break
			}
		}
		if !usable {
			continue
		}
		l.cache[compositeKey(vals[:nk])] = vals[nk:]
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("lookup %s: preload: %w", l.table, err)
	}
	l.preloaded = true
	slog.Debug("lookup preloaded", "table", l.table, "rows", len(l.cache))
	return nil
}

func (l *Lookup) rowCount(ctx context.Context) (int64, error) {
	d := l.cur.db.dialect
	var sqlText string
	if l.distinct && len(l.keys) == 1 {
		sqlText = fmt.Sprintf("SELECT COUNT(DISTINCT %s) FROM %s",
			d.QuoteIdent(l.keys[0]), d.QuoteIdent(l.table))
	} else {
		sqlText = "SELECT COUNT(*) FROM " + d.QuoteIdent(l.table)
	}
	l.queries++
	var n int64
	rows, err := l.cur.conn().QueryContext(ctx, sqlText)
	if err != nil {
		return 0, fmt.Errorf("lookup %s: count: %w", l.table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, fmt.Errorf("lookup %s: count returned no rows", l.table)
	}
	if err := rows.Scan(&n); err != nil {
		return 0, fmt.Errorf("lookup %s: count: %w", l.table, err)
	}
	return n, rows.Err()
}

func (l *Lookup) query(ctx context.Context, keyVals []any) ([]any, error) {
	params := make(map[string]any, len(keyVals))
	for i, kv := range keyVals {
		params[fmt.Sprintf("k%d", i+1)] = kv
	}
	l.queries++
	rows, err := l.cur.conn().QueryContext(ctx, l.fetchQuery.SQL(), l.fetchQuery.Bind(params)...)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", l.table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	vals, err := scanAnyRow(rows, len(l.returns))
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", l.table, err)
	}
	return vals, rows.Err()
}

func compositeKey(keyVals []any) string {
	if len(keyVals) == 1 {
		return asString(keyVals[0])
	}
	parts := make([]string, len(keyVals))
	for i, kv := range keyVals {
		parts[i] = asString(kv)
	}
	return strings.Join(parts, compositeKeySep)
}

// scanAnyRow scans the current row into a fresh []any, converting
// driver byte slices to strings so cache entries do not alias reused
// driver buffers.
func scanAnyRow(rows *sql.Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			vals[i] = string(b)
		}
	}
	return vals, nil
}

// Validator checks values for membership in a reference table. Valid
// values pass through unchanged; unknown ones come back nil so they do
// not load, and each one counts as a warning.
type Validator struct {
	l        *Lookup
	warnings int64
}

// NewValidator builds a membership validator over table's key columns.
func NewValidator(cur *Cursor, table string, keys []string, mode CacheMode) (*Validator, error) {
	l, err := newLookup(cur, table, keys, keys, mode)
	if err != nil {
		return nil, err
	}
	l.ceiling = validatorPreloadCeiling
	l.distinct = true
	return &Validator{l: l}, nil
}

// Transform adapts the validator into a pipeline stage.
func (v *Validator) Transform() Transform {
	return func(ctx context.Context, val any) (any, error) {
		if isEmpty(val) {
			return val, nil
		}
		keyVals, err := v.l.keyValues(val)
		if err != nil {
			return nil, err
		}
		got, err := v.l.fetch(ctx, keyVals)
		if err != nil {
			return nil, err
		}
		if got == nil {
			v.warnings++
			slog.Debug("validation miss", "table", v.l.table, "value", val)
			return nil, nil
		}
		return val, nil
	}
}

// Warnings reports how many values failed validation so far.
func (v *Validator) Warnings() int64 { return v.warnings }

// Stats exposes the underlying lookup's counters.
func (v *Validator) Stats() (hits, misses, queries int64) { return v.l.Stats() }

// Collector is a validator wrapper that passes every value through and
// gathers the ones missing from the reference table, in first-seen
// order. Run it over a source once and NewValues tells you what to
// insert into the reference table before loading the rows that point
// at it.
type Collector struct {
	v     *Validator
	seen  map[string]bool
	added []string
}

// NewCollector wraps a validator for collection. Misses recorded here
// do not count against the validator's warning total.
func NewCollector(v *Validator) *Collector {
	return &Collector{v: v, seen: make(map[string]bool)}
}

// Transform adapts the collector into a pipeline stage.
func (c *Collector) Transform() Transform {
	return func(ctx context.Context, val any) (any, error) {
		if isEmpty(val) {
			return val, nil
		}
		keyVals, err := c.v.l.keyValues(val)
		if err != nil {
			return nil, err
		}
		got, err := c.v.l.fetch(ctx, keyVals)
		if err != nil {
			return nil, err
		}
		if got == nil {
			ck := compositeKey(keyVals)
			if !c.seen[ck] {
				c.seen[ck] = true
				c.added = append(c.added, ck)
			}
		}
		return val, nil
	}
}

// NewValues lists the collected unknown values in order of first
// appearance. Composite keys join with the unit separator.
func (c *Collector) NewValues() []string {
	out := make([]string, len(c.added))
	copy(out, c.added)
	return out
}
