package ferry

import (
	"fmt"
	"iter"
	"reflect"
	"strconv"
	"strings"
)

// Normalize lowercases a column name and collapses every run of
// non-word characters (anything outside [a-z0-9_]) to a single
// underscore. The result is stable under repeated application, so a
// name normalized by one component can be used as a key by another.
func Normalize(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	b.Grow(len(lower))
	inRun := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			inRun = false
		default:
			if !inRun {
				b.WriteByte('_')
			}
			inRun = true
		}
	}
	return b.String()
}

// Schema holds the column metadata shared by all Records produced from
// one query or one file pass: original names, normalized names, and the
// index maps for both. Rows carry only their values plus a pointer to
// the schema, so per-row overhead stays flat.
//
// Normalized names are unique within a schema: empty names become
// column_N (1-based position) and collisions get _2, _3, ... suffixes.
type Schema struct {
	names      []string
	normalized []string
	byName     map[string]int
	byNorm     map[string]int
}

// NewSchema builds a schema from ordered original column names.
func NewSchema(names []string) *Schema {
	s := &Schema{
		names:      make([]string, 0, len(names)),
		normalized: make([]string, 0, len(names)),
		byName:     make(map[string]int, len(names)),
		byNorm:     make(map[string]int, len(names)),
	}
	for _, name := range names {
		s.add(name)
	}
	return s
}

// add appends one column, assigning a unique normalized name. Callers
// must hold the only reference to s (construction or a detached row).
func (s *Schema) add(name string) int {
	i := len(s.names)
	norm := Normalize(name)
	if norm == "" {
		norm = "column_" + strconv.Itoa(i+1)
	}
	if _, taken := s.byNorm[norm]; taken {
		for n := 2; ; n++ {
			cand := norm + "_" + strconv.Itoa(n)
			if _, taken := s.byNorm[cand]; !taken {
				norm = cand
				break
			}
		}
	}
	s.names = append(s.names, name)
	s.normalized = append(s.normalized, norm)
	s.byNorm[norm] = i
	if _, dup := s.byName[name]; !dup {
		s.byName[name] = i
	}
	return i
}

// Len returns the number of columns.
func (s *Schema) Len() int { return len(s.names) }

// Names returns a copy of the original column names in position order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// NormalizedNames returns a copy of the normalized names in position order.
func (s *Schema) NormalizedNames() []string {
	out := make([]string, len(s.normalized))
	copy(out, s.normalized)
	return out
}

// Index resolves a key to a column position. Exact original names match
// first; otherwise the key is normalized and matched against the
// normalized names.
func (s *Schema) Index(key string) (int, bool) {
	if i, ok := s.byName[key]; ok {
		return i, true
	}
	i, ok := s.byNorm[Normalize(key)]
	return i, ok
}

// clone returns a deep copy safe for independent mutation.
func (s *Schema) clone() *Schema {
	c := &Schema{
		names:      make([]string, len(s.names)),
		normalized: make([]string, len(s.normalized)),
		byName:     make(map[string]int, len(s.byName)),
		byNorm:     make(map[string]int, len(s.byNorm)),
	}
	copy(c.names, s.names)
	copy(c.normalized, s.normalized)
	for k, v := range s.byName {
		c.byName[k] = v
	}
	for k, v := range s.byNorm {
		c.byNorm[k] = v
	}
	return c
}

// Record is a hybrid row: values are addressable by position, by
// original column name, and by normalized name. Many records share one
// Schema; a record detaches onto a private schema copy the first time a
// mutation changes its column set.
type Record struct {
	schema *Schema
	values []any
	owned  bool
}

// NewRecord pairs a schema with a values slice of matching length. The
// slice is taken over, not copied. Panics on a length mismatch, which is
// always a programming error.
func NewRecord(schema *Schema, values []any) *Record {
	if len(values) != schema.Len() {
		panic(fmt.Sprintf("ferry: record has %d values for %d columns", len(values), schema.Len()))
	}
	return &Record{schema: schema, values: values}
}

// MapRecord builds a single-use record from a name to value map, with
// columns ordered by the given names.
func MapRecord(names []string, m map[string]any) *Record {
	values := make([]any, len(names))
	for i, n := range names {
		values[i] = m[n]
	}
	return &Record{schema: NewSchema(names), values: values, owned: true}
}

// Schema returns the record's column metadata.
func (r *Record) Schema() *Schema { return r.schema }

// Len returns the number of columns.
func (r *Record) Len() int { return len(r.values) }

// Value returns the value at position i.
func (r *Record) Value(i int) any { return r.values[i] }

// Slice returns a copy of the values in [i, j).
func (r *Record) Slice(i, j int) []any {
	out := make([]any, j-i)
	copy(out, r.values[i:j])
	return out
}

// Get returns the value for key, matching exact original names first and
// normalized names second.
func (r *Record) Get(key string) (any, bool) {
	i, ok := r.schema.Index(key)
	if !ok {
		return nil, false
	}
	return r.values[i], true
}

// GetDefault returns the value for key, or def when the key is absent.
// A present key holding nil returns nil, not def.
func (r *Record) GetDefault(key string, def any) any {
	if v, ok := r.Get(key); ok {
		return v
	}
	return def
}

// Lookup is Get with a key-not-found error instead of a bool.
func (r *Record) Lookup(key string) (any, error) {
	v, ok := r.Get(key)
	if !ok {
		return nil, fmt.Errorf("record: no column %q", key)
	}
	return v, nil
}

// Has reports whether key resolves to a column.
func (r *Record) Has(key string) bool {
	_, ok := r.schema.Index(key)
	return ok
}

// SetIndex replaces the value at position i.
func (r *Record) SetIndex(i int, v any) { r.values[i] = v }

// Set updates the value for an existing key, or appends a new column
// when the key is unknown. Appending detaches the record from any shared
// schema first.
func (r *Record) Set(key string, v any) {
	if i, ok := r.schema.Index(key); ok {
		r.values[i] = v
		return
	}
	r.detach()
	r.schema.add(key)
	r.values = append(r.values, v)
}

// Delete removes the column for key, detaching from any shared schema.
// It reports whether the key was present.
func (r *Record) Delete(key string) bool {
	i, ok := r.schema.Index(key)
	if !ok {
		return false
	}
	names := make([]string, 0, len(r.values)-1)
	values := make([]any, 0, len(r.values)-1)
	for j, name := range r.schema.names {
		if j == i {
			continue
		}
		names = append(names, name)
		values = append(values, r.values[j])
	}
	r.schema = NewSchema(names)
	r.values = values
	r.owned = true
	return true
}

// detach gives the record a private schema copy so column-set mutations
// cannot leak into sibling rows.
func (r *Record) detach() {
	if r.owned {
		return
	}
	r.schema = r.schema.clone()
	r.owned = true
}

// Keys returns the column names in position order, original or
// normalized.
func (r *Record) Keys(normalized bool) []string {
	if normalized {
		return r.schema.NormalizedNames()
	}
	return r.schema.Names()
}

// Values returns a copy of the values in position order.
func (r *Record) Values() []any {
	out := make([]any, len(r.values))
	copy(out, r.values)
	return out
}

// All iterates original name and value pairs in position order.
func (r *Record) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for i, v := range r.values {
			if !yield(r.schema.names[i], v) {
				return
			}
		}
	}
}

// ToMap converts the record to an original-name keyed map. With
// duplicate original names the last position wins.
func (r *Record) ToMap() map[string]any {
	m := make(map[string]any, len(r.values))
	for i, v := range r.values {
		m[r.schema.names[i]] = v
	}
	return m
}

// Equal reports name-and-value-wise equality in position order.
func (r *Record) Equal(other *Record) bool {
	if other == nil || len(r.values) != len(other.values) {
		return false
	}
	for i := range r.values {
		if r.schema.names[i] != other.schema.names[i] {
			return false
		}
		if !reflect.DeepEqual(r.values[i], other.values[i]) {
			return false
		}
	}
	return true
}

// String renders the record for debug output.
func (r *Record) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, v := range r.values {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", r.schema.names[i], v)
	}
	b.WriteByte('}')
	return b.String()
}
