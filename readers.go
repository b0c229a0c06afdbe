package ferry

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"regexp"
	"sort"
	"strings"
)

// HeaderClean is the normalization applied to column names as a file
// header becomes a Schema.
type HeaderClean int

const (
	// CleanNoop keeps names exactly as the file spells them.
	CleanNoop HeaderClean = iota
	// CleanLower lowercases and trims.
	CleanLower
	// CleanLowerNoSpace lowercases, trims, and turns spaces into
	// underscores. The usual choice for feeding column specs.
	CleanLowerNoSpace
	// CleanAlnum lowercases and strips everything but letters and
	// digits.
	CleanAlnum
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

func cleanHeader(name string, level HeaderClean) string {
	if name == "" || level == CleanNoop {
		return name
	}
	name = strings.TrimSpace(strings.ToLower(name))
	switch level {
	case CleanLowerNoSpace:
		return strings.ReplaceAll(name, " ", "_")
	case CleanAlnum:
		return nonAlnum.ReplaceAllString(name, "")
	}
	return name
}

// RowNumColumn is the synthetic column appended by ReadConfig.RowNum.
const RowNumColumn = "_row_num"

// RecordSource is a streaming record producer with one fixed schema,
// satisfied by CSVReader and JSONReader.
type RecordSource interface {
	Schema() *Schema
	Records() iter.Seq2[*Record, error]
	RowCount() int64
	Close() error
}

// ReadConfig adjusts file readers. The zero value reads a comma
// file with a header row and no cleanup beyond CleanNoop.
type ReadConfig struct {
	// Delimiter is the CSV field separator; ',' when zero.
	Delimiter rune
	// Names supplies column names up front; the file is treated as
	// all data, no header row.
	Names []string
	// HeaderClean normalizes names read from the file. Names given
	// explicitly are taken as-is.
	HeaderClean HeaderClean
	// SkipRows drops that many data rows after the header.
	SkipRows int
	// MaxRows caps yielded rows; 0 reads everything.
	MaxRows int
	// NullValues are string values read back as nil, e.g. `\N`.
	NullValues []string
	// RowNum appends a _row_num column holding the 1-based data row
	// number within the file.
	RowNum bool
}

func (cfg ReadConfig) nullSet() map[string]bool {
	if len(cfg.NullValues) == 0 {
		return nil
	}
	set := make(map[string]bool, len(cfg.NullValues))
	for _, v := range cfg.NullValues {
		set[v] = true
	}
	return set
}

func (cfg ReadConfig) schemaFor(names []string, clean bool) (*Schema, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no column names")
	}
	out := make([]string, 0, len(names)+1)
	for _, n := range names {
		if clean {
			n = cleanHeader(n, cfg.HeaderClean)
		}
		out = append(out, n)
	}
	if cfg.RowNum {
		for _, n := range out {
			if n == RowNumColumn {
				return nil, fmt.Errorf("column %s already present; drop RowNum", RowNumColumn)
			}
		}
		out = append(out, RowNumColumn)
	}
	return NewSchema(out), nil
}

// CSVReader streams a delimited file as Records sharing one Schema.
type CSVReader struct {
	r      *csv.Reader
	cfg    ReadConfig
	schema *Schema
	nulls  map[string]bool
	closer io.Closer
	rows   int64
}

// NewCSVReader wraps r. The header row (or cfg.Names) is consumed
// here, so construction fails on an empty file.
func NewCSVReader(r io.Reader, cfg ReadConfig) (*CSVReader, error) {
	cr := csv.NewReader(r)
	if cfg.Delimiter != 0 {
		cr.Comma = cfg.Delimiter
	}
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	names := cfg.Names
	fromFile := false
	if len(names) == 0 {
		row, err := cr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("csv: empty input and no names given")
			}
			return nil, fmt.Errorf("csv header: %w", err)
		}
		names = append([]string(nil), row...)
		fromFile = true
	}
	schema, err := cfg.schemaFor(names, fromFile)
	if err != nil {
		return nil, fmt.Errorf("csv: %w", err)
	}
	return &CSVReader{r: cr, cfg: cfg, schema: schema, nulls: cfg.nullSet()}, nil
}

// OpenCSV opens path and wraps it; Close releases the file.
func OpenCSV(path string, cfg ReadConfig) (*CSVReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	r, err := NewCSVReader(f, cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Schema is the shared schema every yielded Record references.
func (r *CSVReader) Schema() *Schema { return r.schema }

// RowCount is the number of records yielded so far.
func (r *CSVReader) RowCount() int64 { return r.rows }

// Close releases the underlying file when the reader owns one.
func (r *CSVReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Records streams the data rows. Short rows pad with nil and long rows
// truncate to the schema. A malformed row yields its error and reading
// continues with the next line.
func (r *CSVReader) Records() iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		fileRow := 0
		for {
			row, err := r.r.Read()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if !yield(nil, fmt.Errorf("csv row: %w", err)) {
					return
				}
				// parse errors are row-scoped; anything else
				// (an I/O failure) will not clear on retry
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					continue
				}
				return
			}
			fileRow++
			if fileRow <= r.cfg.SkipRows {
				continue
			}
			if r.cfg.MaxRows > 0 && r.rows >= int64(r.cfg.MaxRows) {
				return
			}
			r.rows++
			if !yield(r.record(row, fileRow), nil) {
				return
			}
		}
	}
}

func (r *CSVReader) record(row []string, fileRow int) *Record {
	width := r.schema.Len()
	if r.cfg.RowNum {
		width--
	}
	values := make([]any, width, r.schema.Len())
	for i := 0; i < width && i < len(row); i++ {
		if r.nulls[row[i]] {
			continue
		}
		values[i] = row[i]
	}
	if r.cfg.RowNum {
		values = append(values, int64(fileRow))
	}
	return NewRecord(r.schema, values)
}

// JSONReader streams an array of objects or newline-delimited objects
// as Records. The first object fixes the schema: its keys, flattened
// with dot notation for nested objects and sorted, become the columns.
// Later keys outside that set are dropped; missing keys read as nil.
type JSONReader struct {
	dec     *json.Decoder
	cfg     ReadConfig
	schema  *Schema
	keys    []string // flattened source keys in schema order
	nulls   map[string]bool
	closer  io.Closer
	array   bool
	pending map[string]any // first object, already decoded
	rows    int64
}

// NewJSONReader wraps r, sniffing the format from the first byte.
// The first object is decoded here, so construction fails on empty or
// malformed input.
func NewJSONReader(r io.Reader, cfg ReadConfig) (*JSONReader, error) {
	br := bufio.NewReader(r)
	dec := json.NewDecoder(br)
	dec.UseNumber()

	jr := &JSONReader{dec: dec, cfg: cfg, nulls: cfg.nullSet()}
	first, err := peekByte(br)
	if err != nil {
		return nil, fmt.Errorf("json: empty input")
	}
	if first == '[' {
		jr.array = true
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
		if !dec.More() {
			return nil, fmt.Errorf("json: empty array")
		}
	}
	obj, err := jr.next()
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("json: empty input")
	}
	jr.pending = obj

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	jr.keys = keys
	schema, err := cfg.schemaFor(keys, true)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	jr.schema = schema
	return jr, nil
}

// OpenJSON opens path and wraps it; Close releases the file.
func OpenJSON(path string, cfg ReadConfig) (*JSONReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open json: %w", err)
	}
	r, err := NewJSONReader(f, cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// peekByte returns the first byte past any JSON whitespace without
// consuming it.
func peekByte(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\n', '\r':
			br.Discard(1)
		default:
			return b[0], nil
		}
	}
}

// next decodes one object, flattened, or nil at end of input.
func (r *JSONReader) next() (map[string]any, error) {
	if r.array && !r.dec.More() {
		// consume the closing bracket
		_, err := r.dec.Token()
		return nil, err
	}
	var raw map[string]any
	if err := r.dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	flat := make(map[string]any, len(raw))
	flattenJSON(raw, "", flat)
	return flat, nil
}

// flattenJSON folds nested objects into dot-notation keys; arrays and
// scalars stay as they are.
func flattenJSON(obj map[string]any, prefix string, out map[string]any) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenJSON(nested, key, out)
			continue
		}
		out[key] = v
	}
}

// Schema is the shared schema every yielded Record references.
func (r *JSONReader) Schema() *Schema { return r.schema }

// RowCount is the number of records yielded so far.
func (r *JSONReader) RowCount() int64 { return r.rows }

// Close releases the underlying file when the reader owns one.
func (r *JSONReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Records streams the objects. A decode error ends the stream after
// being yielded, since the decoder cannot resync past bad input.
func (r *JSONReader) Records() iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		fileRow := 0
		for {
			var obj map[string]any
			if r.pending != nil {
				obj, r.pending = r.pending, nil
			} else {
				var err error
				obj, err = r.next()
				if err != nil {
					yield(nil, fmt.Errorf("json row: %w", err))
					return
				}
				if obj == nil {
					return
				}
			}
			fileRow++
			if fileRow <= r.cfg.SkipRows {
				continue
			}
			if r.cfg.MaxRows > 0 && r.rows >= int64(r.cfg.MaxRows) {
				return
			}
			r.rows++
			if !yield(r.record(obj, fileRow), nil) {
				return
			}
		}
	}
}

func (r *JSONReader) record(obj map[string]any, fileRow int) *Record {
	width := len(r.keys)
	values := make([]any, width, r.schema.Len())
	for i, k := range r.keys {
		v := obj[k]
		if s, ok := v.(string); ok && r.nulls[s] {
			continue
		}
		values[i] = v
	}
	if r.cfg.RowNum {
		values = append(values, int64(fileRow))
	}
	return NewRecord(r.schema, values)
}
