package ferry

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// Transform is one stage of a column's value pipeline. Stages run in
// order during SetValues; a non-nil error nils the column's value and
// counts against the table. The context carries through to transforms
// that query the database (lookups).
type Transform func(ctx context.Context, v any) (any, error)

var (
	nonDigits      = regexp.MustCompile(`\D`)
	nonNumberChars = regexp.MustCompile(`[^0-9+\-.]`)
	numberPattern  = regexp.MustCompile(`[-+]?[0-9]+(\.[0-9]+)?`)
	wsRun          = regexp.MustCompile(`\s+`)
)

// asString renders a value for string-oriented transforms. nil becomes
// the empty string.
func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}

// isEmpty reports the pipeline's notion of empty: nil, or the empty
// string. Other types are never empty.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// ToBool parses a value as a boolean. nil stays nil; numbers are true
// when non-zero; T/TRUE/YES/Y/1 are true and F/FALSE/NO/N/0/"" false
// (case-insensitive); any other non-empty string is true.
func ToBool(v any) any {
	switch b := v.(type) {
	case nil:
		return nil
	case bool:
		return b
	}
	if f, ok := numericValue(v); ok {
		return f != 0
	}
	switch strings.ToUpper(strings.TrimSpace(asString(v))) {
	case "T", "TRUE", "YES", "Y", "1":
		return true
	case "F", "FALSE", "NO", "N", "0", "":
		return false
	}
	return true
}

// Indicator maps truthiness to a pair of marker values. nil stays nil.
func Indicator(v, trueVal, falseVal any) any {
	b := ToBool(v)
	if b == nil {
		return nil
	}
	if b.(bool) {
		return trueVal
	}
	return falseVal
}

// Digits strips everything but digits, preserving leading zeros.
// Empty input, or input with no digits at all, yields nil.
func Digits(v any) any {
	if isEmpty(v) {
		return nil
	}
	d := nonDigits.ReplaceAllString(asString(v), "")
	if d == "" {
		return nil
	}
	return d
}

// ToNumber extracts the first number from a messy value ("$1,234.56"
// gives 1234.56). nil or no-number input yields nil.
func ToNumber(v any) any {
	if v == nil {
		return nil
	}
	if f, ok := numericValue(v); ok {
		return f
	}
	s := strings.TrimSpace(asString(v))
	if s == "" {
		return nil
	}
	m := numberPattern.FindString(nonNumberChars.ReplaceAllString(s, ""))
	if m == "" {
		return nil
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return nil
	}
	return f
}

// ToInt is ToNumber truncated toward zero, as int64.
func ToInt(v any) any {
	n := ToNumber(v)
	if n == nil {
		return nil
	}
	return int64(n.(float64))
}

// ToFloat is ToNumber, as float64.
func ToFloat(v any) any { return ToNumber(v) }

// Capitalize title-cases a string, but only when it is uniformly upper
// or lower case already; mixed-case values pass through untouched.
func Capitalize(v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return v
	}
	if s == strings.ToUpper(s) || s == strings.ToLower(s) {
		return titleCase(s)
	}
	return v
}

func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
		} else {
			b.WriteRune(r)
			prevLetter = false
		}
	}
	return b.String()
}

// NormalizeSpace trims and collapses whitespace runs to single spaces.
func NormalizeSpace(v any) string {
	if isEmpty(v) {
		return ""
	}
	return strings.TrimSpace(wsRun.ReplaceAllString(asString(v), " "))
}

// FormatDigits lays a value's digits into a # pattern, e.g.
// ("8001234567", "(###) ###-####") gives "(800) 123-4567". When the
// digit count does not match the pattern the value renders unchanged.
func FormatDigits(v any, pattern string) string {
	if isEmpty(v) {
		return ""
	}
	d := Digits(v)
	if d == nil {
		return asString(v)
	}
	digits := d.(string)
	if strings.Count(pattern, "#") != len(digits) {
		return asString(v)
	}
	var b strings.Builder
	i := 0
	for _, ch := range pattern {
		if ch == '#' {
			b.WriteByte(digits[i])
			i++
		} else {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// SplitList splits a delimited string into trimmed items. An empty
// delimiter auto-detects comma, tab, or pipe; finding more than one
// candidate is an error, finding none yields a single-item list.
func SplitList(v any, delim string) ([]string, error) {
	if isEmpty(v) {
		return []string{}, nil
	}
	s := asString(v)
	if delim == "" {
		var found []string
		for _, d := range []string{",", "\t", "|"} {
			if strings.Contains(s, d) {
				found = append(found, d)
			}
		}
		switch len(found) {
		case 0:
			return []string{strings.TrimSpace(s)}, nil
		case 1:
			delim = found[0]
		default:
			return nil, fmt.Errorf("multiple delimiters found %q, specify one explicitly", found)
		}
	}
	parts := strings.Split(s, delim)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, nil
}

// ListItem indexes into a delimited string or a []string; negative
// indexes count from the end, out of range yields nil.
func ListItem(v any, index int, delim string) any {
	if isEmpty(v) {
		return nil
	}
	var parts []string
	if ss, ok := v.([]string); ok {
		parts = ss
	} else {
		if delim == "" {
			delim = ","
		}
		parts = strings.Split(asString(v), delim)
	}
	if index < 0 {
		index += len(parts)
	}
	if index < 0 || index >= len(parts) {
		return nil
	}
	return strings.TrimSpace(parts[index])
}

// Coalesce picks the first non-empty value from a multi-source list;
// scalars pass through unchanged.
func Coalesce(v any) any {
	vals, ok := v.([]any)
	if !ok {
		return v
	}
	for _, x := range vals {
		if !isEmpty(x) {
			return x
		}
	}
	return nil
}

var dateLayouts = []string{
	"2006-01-02", "2006/01/02", "2006.01.02",
	"01/02/2006", "01-02-2006", "01.02.2006",
	"Jan 2, 2006", "Jan 2 2006", "2 Jan 2006",
	"January 2, 2006", "2 January 2006",
	"20060102",
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 3:04:05 PM",
	"01/02/2006 3:04 PM",
}

var clockLayouts = []string{
	"15:04:05.999999999", "15:04:05", "15:04", "3:04:05 PM", "3:04 PM",
}

// ToDate parses common date renderings into a midnight UTC time.Time.
// Unparseable input yields nil rather than an error.
func ToDate(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return midnight(t)
	}
	s := strings.TrimSpace(asString(v))
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return midnight(t)
		}
	}
	if t := ToDateTime(s); t != nil {
		return midnight(t.(time.Time))
	}
	return nil
}

// ToDateTime parses common datetime renderings. Date-only input gets a
// midnight clock. Unparseable input yields nil.
func ToDateTime(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return t
	}
	s := strings.TrimSpace(asString(v))
	if s == "" {
		return nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return midnight(t)
		}
	}
	return nil
}

// ToClock parses a time of day and renders it as "15:04:05", the form
// every supported driver binds to TIME columns. Unparseable input
// yields nil.
func ToClock(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return t.Format("15:04:05")
	}
	s := strings.TrimSpace(asString(v))
	if s == "" {
		return nil
	}
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04:05")
		}
	}
	return nil
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ToDecimal parses a value into an exact decimal, stripping currency
// noise first. Unlike the float transforms it errors on garbage, since
// callers reaching for decimals care about exactness.
func ToDecimal(v any) (any, error) {
	if isEmpty(v) {
		return nil, nil
	}
	if d, ok := v.(decimal.Decimal); ok {
		return d, nil
	}
	s := nonNumberChars.ReplaceAllString(strings.TrimSpace(asString(v)), "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("decimal: cannot parse %q", asString(v))
	}
	return d, nil
}

// pure lifts a plain value function into a Transform.
func pure(f func(any) any) Transform {
	return func(_ context.Context, v any) (any, error) { return f(v), nil }
}

// stringOp lifts a string function into a Transform that passes nil
// through and stringifies everything else.
func stringOp(f func(string) string) Transform {
	return func(_ context.Context, v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		return f(asString(v)), nil
	}
}

// ResolveTransform turns a shorthand string into a Transform. This is
// what lets column specs stay declarative: "int:0", "maxlen:30",
// "indicator:Y/N", "nth:-1" and friends instead of closures. Unknown
// shorthands fail here, at construction, not mid-run.
//
// lookup: and validate: shorthands need a cursor and are resolved by
// NewTable, not here.
func ResolveTransform(shorthand string) (Transform, error) {
	sh := strings.TrimLeft(shorthand, " \t\r\n")
	if strings.HasPrefix(sh, "lookup:") || strings.HasPrefix(sh, "validate:") {
		return nil, fmt.Errorf("%q needs a cursor, use it in a table column spec", sh)
	}

	name, rest, hasArgs := strings.Cut(sh, ":")
	switch name {
	case "int":
		if !hasArgs {
			return pure(ToInt), nil
		}
		def, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad default in %q", sh)
		}
		return func(_ context.Context, v any) (any, error) {
			if n := ToInt(v); n != nil {
				return n, nil
			}
			return def, nil
		}, nil

	case "float":
		if !hasArgs {
			return pure(ToFloat), nil
		}
		def, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return nil, fmt.Errorf("bad default in %q", sh)
		}
		return func(_ context.Context, v any) (any, error) {
			if n := ToFloat(v); n != nil {
				return n, nil
			}
			return def, nil
		}, nil

	case "bool":
		return pure(ToBool), nil
	case "digits":
		return pure(Digits), nil
	case "number":
		return pure(ToNumber), nil
	case "decimal":
		return func(_ context.Context, v any) (any, error) { return ToDecimal(v) }, nil
	case "coalesce":
		return pure(Coalesce), nil

	case "lower":
		return stringOp(strings.ToLower), nil
	case "upper":
		return stringOp(strings.ToUpper), nil
	case "strip":
		return stringOp(strings.TrimSpace), nil
	case "title":
		return pure(Capitalize), nil
	case "norm_ws":
		return pure(func(v any) any {
			if v == nil {
				return nil
			}
			return NormalizeSpace(v)
		}), nil

	case "maxlen", "trunc":
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad length in %q", sh)
		}
		return func(_ context.Context, v any) (any, error) {
			r := []rune(asString(v))
			if len(r) > n {
				r = r[:n]
			}
			return string(r), nil
		}, nil

	case "ljust", "rjust":
		widthPart, padPart, hasPad := strings.Cut(rest, ":")
		width, err := strconv.Atoi(widthPart)
		if err != nil || width < 0 {
			return nil, fmt.Errorf("bad width in %q", sh)
		}
		pad := " "
		if hasPad {
			pad = padPart
		}
		if len([]rune(pad)) != 1 {
			return nil, fmt.Errorf("pad must be one character in %q", sh)
		}
		right := name == "rjust"
		return func(_ context.Context, v any) (any, error) {
			s := asString(v)
			gap := width - len([]rune(s))
			if gap <= 0 {
				return s, nil
			}
			fill := strings.Repeat(pad, gap)
			if right {
				return fill + s, nil
			}
			return s + fill, nil
		}, nil

	case "indicator":
		trueVal, falseVal := any("Y"), any(nil)
		if hasArgs {
			if rest == "inv" {
				trueVal, falseVal = nil, "Y"
			} else {
				tPart, fPart, hasFalse := strings.Cut(rest, "/")
				if tPart != "" {
					trueVal = tPart
				}
				if hasFalse {
					falseVal = fPart
				}
			}
		}
		return func(_ context.Context, v any) (any, error) {
			return Indicator(v, trueVal, falseVal), nil
		}, nil

	case "split":
		delim := ""
		if hasArgs {
			delim = rest
		}
		return func(_ context.Context, v any) (any, error) {
			items, err := SplitList(v, delim)
			if err != nil {
				return nil, err
			}
			return items, nil
		}, nil

	case "nth":
		idxPart, delim, _ := strings.Cut(rest, ":")
		idx, err := strconv.Atoi(idxPart)
		if err != nil {
			return nil, fmt.Errorf("bad index in %q", sh)
		}
		return func(_ context.Context, v any) (any, error) {
			return ListItem(v, idx, delim), nil
		}, nil

	case "date":
		if !hasArgs {
			return pure(ToDate), nil
		}
		return strictTimeTransform(rest, true), nil
	case "datetime", "timestamp":
		if !hasArgs {
			return pure(ToDateTime), nil
		}
		return strictTimeTransform(rest, false), nil
	case "time":
		if !hasArgs {
			return pure(ToClock), nil
		}
		layout := rest
		return func(_ context.Context, v any) (any, error) {
			if isEmpty(v) {
				return nil, nil
			}
			t, err := time.Parse(layout, strings.TrimSpace(asString(v)))
			if err != nil {
				return nil, fmt.Errorf("time %q does not match layout %q", asString(v), layout)
			}
			return t.Format("15:04:05"), nil
		}, nil
	}

	return nil, fmt.Errorf("unrecognized fn shorthand %q", shorthand)
}

// strictTimeTransform parses with one explicit layout and, unlike the
// auto-detecting forms, errors on mismatch: a caller who named the
// layout wants to hear about rows that break it.
func strictTimeTransform(layout string, dateOnly bool) Transform {
	return func(_ context.Context, v any) (any, error) {
		if isEmpty(v) {
			return nil, nil
		}
		if t, ok := v.(time.Time); ok {
			if dateOnly {
				return midnight(t), nil
			}
			return t, nil
		}
		t, err := time.Parse(layout, strings.TrimSpace(asString(v)))
		if err != nil {
			return nil, fmt.Errorf("value %q does not match layout %q", asString(v), layout)
		}
		if dateOnly {
			return midnight(t), nil
		}
		return t, nil
	}
}
