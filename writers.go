package ferry

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"strconv"
	"time"
)

// WriteConfig adjusts file writers. The zero value writes comma CSV
// with a header row, empty strings for nil, and a compact JSON array.
type WriteConfig struct {
	// Delimiter is the CSV field separator; ',' when zero.
	Delimiter rune
	// NullString is written for nil values in CSV output.
	NullString string
	// NoHeader skips the CSV header row.
	NoHeader bool
	// Indent pretty-prints JSON array elements with this unit.
	Indent string
	// Lines writes newline-delimited JSON objects instead of an
	// array.
	Lines bool
}

// RecordWriter consumes records one at a time.
type RecordWriter interface {
	WriteRecord(*Record) error
}

// writeAll drains src into dst, returning the written count and the
// first error from either side.
func writeAll(dst RecordWriter, src iter.Seq2[*Record, error]) (int64, error) {
	var n int64
	for rec, err := range src {
		if err != nil {
			return n, err
		}
		if err := dst.WriteRecord(rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// CSVWriter writes Records as delimited rows. The first record fixes
// the header and column order; later records are rebound by column
// name, with absent columns written as NullString.
type CSVWriter struct {
	w      *csv.Writer
	cfg    WriteConfig
	schema *Schema
	names  []string
	row    []string
	closer io.Closer
	rows   int64
}

// NewCSVWriter wraps w. Nothing is written until the first record.
func NewCSVWriter(w io.Writer, cfg WriteConfig) *CSVWriter {
	cw := csv.NewWriter(w)
	if cfg.Delimiter != 0 {
		cw.Comma = cfg.Delimiter
	}
	return &CSVWriter{w: cw, cfg: cfg}
}

// CreateCSV creates or truncates path; Close releases the file.
func CreateCSV(path string, cfg WriteConfig) (*CSVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create csv: %w", err)
	}
	w := NewCSVWriter(f, cfg)
	w.closer = f
	return w, nil
}

// WriteRecord writes one row, emitting the header first if due.
func (w *CSVWriter) WriteRecord(rec *Record) error {
	if w.schema == nil {
		w.schema = rec.Schema()
		w.names = rec.Keys(false)
		w.row = make([]string, len(w.names))
		if !w.cfg.NoHeader {
			if err := w.w.Write(w.names); err != nil {
				return fmt.Errorf("csv header: %w", err)
			}
		}
	}
	if rec.Schema() == w.schema {
		for i := range w.names {
			w.row[i] = w.format(rec.Value(i))
		}
	} else {
		for i, name := range w.names {
			v, _ := rec.Get(name)
			w.row[i] = w.format(v)
		}
	}
	if err := w.w.Write(w.row); err != nil {
		return fmt.Errorf("csv row: %w", err)
	}
	w.rows++
	return nil
}

// WriteAll drains src, returning how many records landed and the
// first error from either side.
func (w *CSVWriter) WriteAll(src iter.Seq2[*Record, error]) (int64, error) {
	return writeAll(w, src)
}

// RowCount is the number of data rows written so far.
func (w *CSVWriter) RowCount() int64 { return w.rows }

// Flush pushes buffered rows to the underlying writer.
func (w *CSVWriter) Flush() error {
	w.w.Flush()
	return w.w.Error()
}

// Close flushes and releases the underlying file when the writer owns
// one.
func (w *CSVWriter) Close() error {
	w.w.Flush()
	err := w.w.Error()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// format renders one value for CSV. Dates at midnight drop the time
// part, floats avoid exponent notation, nil becomes NullString.
func (w *CSVWriter) format(v any) string {
	switch v := v.(type) {
	case nil:
		return w.cfg.NullString
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 && v.Nanosecond() == 0 {
			return v.Format("2006-01-02")
		}
		return v.Format("2006-01-02 15:04:05.999999")
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}

// JSONWriter writes Records as a JSON array of objects, or as
// newline-delimited objects in Lines mode. Each record serializes its
// own columns, so mixed schemas produce heterogeneous objects.
type JSONWriter struct {
	bw      *bufio.Writer
	cfg     WriteConfig
	closer  io.Closer
	started bool
	rows    int64
}

// NewJSONWriter wraps w. In array mode nothing is written until the
// first record, and Close finishes the array.
func NewJSONWriter(w io.Writer, cfg WriteConfig) *JSONWriter {
	return &JSONWriter{bw: bufio.NewWriter(w), cfg: cfg}
}

// CreateJSON creates or truncates path; Close releases the file.
func CreateJSON(path string, cfg WriteConfig) (*JSONWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create json: %w", err)
	}
	w := NewJSONWriter(f, cfg)
	w.closer = f
	return w, nil
}

// WriteRecord writes one object.
func (w *JSONWriter) WriteRecord(rec *Record) error {
	var (
		data []byte
		err  error
	)
	m := rec.ToMap()
	if w.cfg.Indent != "" && !w.cfg.Lines {
		data, err = json.MarshalIndent(m, w.cfg.Indent, w.cfg.Indent)
	} else {
		data, err = json.Marshal(m)
	}
	if err != nil {
		return fmt.Errorf("json row: %w", err)
	}
	if w.cfg.Lines {
		w.bw.Write(data)
		if err := w.bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("json row: %w", err)
		}
		w.rows++
		return nil
	}
	switch {
	case !w.started:
		w.started = true
		w.bw.WriteString("[" + w.sep())
	default:
		w.bw.WriteString("," + w.sep())
	}
	if _, err := w.bw.Write(data); err != nil {
		return fmt.Errorf("json row: %w", err)
	}
	w.rows++
	return nil
}

func (w *JSONWriter) sep() string {
	if w.cfg.Indent == "" {
		return ""
	}
	return "\n" + w.cfg.Indent
}

// WriteAll drains src, returning how many records landed and the
// first error from either side.
func (w *JSONWriter) WriteAll(src iter.Seq2[*Record, error]) (int64, error) {
	return writeAll(w, src)
}

// RowCount is the number of objects written so far.
func (w *JSONWriter) RowCount() int64 { return w.rows }

// Flush pushes buffered output to the underlying writer.
func (w *JSONWriter) Flush() error { return w.bw.Flush() }

// Close terminates the array (writing [] when no records arrived),
// flushes, and releases the underlying file when the writer owns one.
func (w *JSONWriter) Close() error {
	if !w.cfg.Lines {
		switch {
		case !w.started:
			w.bw.WriteString("[]")
		case w.cfg.Indent != "":
			w.bw.WriteString("\n]")
		default:
			w.bw.WriteString("]")
		}
	}
	err := w.bw.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
