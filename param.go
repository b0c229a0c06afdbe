package ferry

import (
	"database/sql"
	"fmt"
	"strings"
)

// Style is a driver placeholder style. Canonical source SQL is written
// in StyleNamed (:name) or StyleNamedPercent (%(name)s); Translate
// rewrites it to the style the driver wants.
type Style int

const (
	// StyleNamed uses :name placeholders (canonical).
	StyleNamed Style = iota
	// StyleNamedPercent uses %(name)s placeholders (also canonical).
	StyleNamedPercent
	// StyleQmark uses positional ? placeholders.
	StyleQmark
	// StyleFormat uses positional %s placeholders.
	StyleFormat
	// StyleNumbered uses :1, :2, ... placeholders.
	StyleNumbered
	// StyleDollar uses $1, $2, ... placeholders (postgres wire form).
	StyleDollar
	// StyleAtNamed uses @name placeholders (sqlserver form).
	StyleAtNamed
)

var styleNames = map[Style]string{
	StyleNamed:        "named",
	StyleNamedPercent: "pyformat",
	StyleQmark:        "qmark",
	StyleFormat:       "format",
	StyleNumbered:     "numeric",
	StyleDollar:       "dollar",
	StyleAtNamed:      "atnamed",
}

func (s Style) String() string {
	if n, ok := styleNames[s]; ok {
		return n
	}
	return fmt.Sprintf("style(%d)", int(s))
}

// Positional reports whether the style binds a positional payload, one
// slot per textual placeholder occurrence.
func (s Style) Positional() bool {
	switch s {
	case StyleQmark, StyleFormat, StyleNumbered, StyleDollar:
		return true
	}
	return false
}

// ParseStyle resolves a style name as used in configs and dialect
// declarations.
func ParseStyle(name string) (Style, error) {
	for s, n := range styleNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown parameter style %q", name)
}

// TranslateError reports malformed canonical SQL. Pos is a byte offset
// into the source query.
type TranslateError struct {
	Pos int
	Msg string
}

func (e *TranslateError) Error() string {
	return fmt.Sprintf("translate sql at offset %d: %s", e.Pos, e.Msg)
}

// Query is a canonical query translated to one target style: the
// rewritten text plus the parameter names in textual occurrence order.
// Build once, bind many times.
type Query struct {
	text  string
	names []string
	style Style
}

// SQL returns the translated query text.
func (q *Query) SQL() string { return q.text }

// Style returns the target style the query was translated to.
func (q *Query) Style() Style { return q.style }

// Names returns the parameter names in occurrence order, repeats
// included.
func (q *Query) Names() []string {
	out := make([]string, len(q.names))
	copy(out, q.names)
	return out
}

// Bind shapes a name to value map into the payload the translated query
// needs: one slot per occurrence for positional styles, deduplicated
// sql.Named values for named styles. Missing names bind SQL null; extra
// names are ignored, so one payload may drive several queries.
func (q *Query) Bind(params map[string]any) []any {
	if q.style.Positional() {
		out := make([]any, len(q.names))
		for i, name := range q.names {
			out[i] = params[name]
		}
		return out
	}
	out := make([]any, 0, len(q.names))
	seen := make(map[string]bool, len(q.names))
	for _, name := range q.names {
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, sql.Named(name, params[name]))
	}
	return out
}

// BindStrict is Bind, but missing parameters are an error instead of
// SQL null.
func (q *Query) BindStrict(params map[string]any) ([]any, error) {
	var missing []string
	seen := make(map[string]bool, len(q.names))
	for _, name := range q.names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("bind: missing parameters: %s", strings.Join(missing, ", "))
	}
	return q.Bind(params), nil
}

func isNameStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isNameChar(c byte) bool {
	return isNameStart(c) || c >= '0' && c <= '9'
}

func validParamName(name string) bool {
	if name == "" || !isNameStart(name[0]) {
		return false
	}
	for i := 1; i < len(name); i++ {
		if !isNameChar(name[i]) {
			return false
		}
	}
	return true
}

// Translate rewrites canonical SQL (:name or %(name)s parameters) to
// the target placeholder style. Placeholder occurrences inside string
// literals, quoted identifiers, and comments are left alone; a postgres
// :: cast is never a parameter. The scan is a single pass.
func Translate(src string, target Style) (*Query, error) {
	var b strings.Builder
	b.Grow(len(src) + 16)
	var names []string

	emit := func(name string) {
		names = append(names, name)
		switch target {
		case StyleNamed:
			b.WriteByte(':')
			b.WriteString(name)
		case StyleNamedPercent:
			b.WriteString("%(")
			b.WriteString(name)
			b.WriteString(")s")
		case StyleQmark:
			b.WriteByte('?')
		case StyleFormat:
			b.WriteString("%s")
		case StyleNumbered:
			fmt.Fprintf(&b, ":%d", len(names))
		case StyleDollar:
			fmt.Fprintf(&b, "$%d", len(names))
		case StyleAtNamed:
			b.WriteByte('@')
			b.WriteString(name)
		}
	}

	pos, n := 0, len(src)
	for pos < n {
		switch c := src[pos]; c {
		case '\'', '"', '`':
			end, ok := scanQuoted(src, pos, c)
			if !ok {
				return nil, &TranslateError{pos, "unterminated quoted region"}
			}
			b.WriteString(src[pos:end])
			pos = end
		case '[':
			end, ok := scanBracketed(src, pos)
			if !ok {
				// Not every [ opens an identifier (array subscripts);
				// an unclosed one is plain text.
				b.WriteByte(c)
				pos++
				continue
			}
			b.WriteString(src[pos:end])
			pos = end
		case '-':
			if pos+1 < n && src[pos+1] == '-' {
				end := strings.IndexByte(src[pos:], '\n')
				if end < 0 {
					end = n - pos
				}
				b.WriteString(src[pos : pos+end])
				pos += end
				continue
			}
			b.WriteByte(c)
			pos++
		case '/':
			if pos+1 < n && src[pos+1] == '*' {
				end := strings.Index(src[pos+2:], "*/")
				if end < 0 {
					return nil, &TranslateError{pos, "unterminated block comment"}
				}
				stop := pos + 2 + end + 2
				b.WriteString(src[pos:stop])
				pos = stop
				continue
			}
			b.WriteByte(c)
			pos++
		case ':':
			if pos+1 < n && src[pos+1] == ':' {
				b.WriteString("::")
				pos += 2
				continue
			}
			start := pos + 1
			if start >= n || !isNameStart(src[start]) {
				b.WriteByte(c)
				pos++
				continue
			}
			end := start + 1
			for end < n && isNameChar(src[end]) {
				end++
			}
			emit(src[start:end])
			pos = end
		case '%':
			if pos+1 < n && src[pos+1] == '%' {
				// %% survives only where the target style gives % meaning.
				if target == StyleFormat || target == StyleNamedPercent {
					b.WriteString("%%")
				} else {
					b.WriteByte('%')
				}
				pos += 2
				continue
			}
			if pos+1 < n && src[pos+1] == '(' {
				closing := strings.IndexByte(src[pos+2:], ')')
				if closing < 0 {
					return nil, &TranslateError{pos, "unterminated %(...) parameter"}
				}
				name := src[pos+2 : pos+2+closing]
				after := pos + 2 + closing + 1
				if after >= n || src[after] != 's' {
					return nil, &TranslateError{pos, "malformed %(name)s parameter"}
				}
				if !validParamName(name) {
					return nil, &TranslateError{pos, fmt.Sprintf("invalid parameter name %q", name)}
				}
				emit(name)
				pos = after + 1
				continue
			}
			b.WriteByte(c)
			pos++
		case '$':
			if end, ok := scanDollarQuoted(src, pos); ok {
				b.WriteString(src[pos:end])
				pos = end
				continue
			}
			b.WriteByte(c)
			pos++
		default:
			b.WriteByte(c)
			pos++
		}
	}
	return &Query{text: b.String(), names: names, style: target}, nil
}

// scanQuoted walks a quoted region starting at src[start] == q, where a
// doubled quote character escapes itself. Returns the index one past the
// closing quote.
func scanQuoted(src string, start int, q byte) (int, bool) {
	i := start + 1
	for i < len(src) {
		if src[i] != q {
			i++
			continue
		}
		if i+1 < len(src) && src[i+1] == q {
			i += 2
			continue
		}
		return i + 1, true
	}
	return 0, false
}

// scanBracketed walks a [bracketed] identifier with ]] escaping.
func scanBracketed(src string, start int) (int, bool) {
	i := start + 1
	for i < len(src) {
		if src[i] != ']' {
			i++
			continue
		}
		if i+1 < len(src) && src[i+1] == ']' {
			i += 2
			continue
		}
		return i + 1, true
	}
	return 0, false
}

// scanDollarQuoted recognizes postgres $$...$$ and $tag$...$tag$
// regions. A lone $ that opens no such region is not consumed.
func scanDollarQuoted(src string, start int) (int, bool) {
	i := start + 1
	if i < len(src) && isNameStart(src[i]) {
		i++
		for i < len(src) && isNameChar(src[i]) {
			i++
		}
	}
	if i >= len(src) || src[i] != '$' {
		return 0, false
	}
	delim := src[start : i+1]
	rest := strings.Index(src[i+1:], delim)
	if rest < 0 {
		return 0, false
	}
	return i + 1 + rest + len(delim), true
}
