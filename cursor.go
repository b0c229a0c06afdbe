package ferry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strings"
	"time"
)

const defaultArraySize = 1000

var (
	// ErrNoRows is returned by SelectOne when the query matches nothing.
	ErrNoRows = errors.New("no rows returned")
	// ErrTooManyRows is returned by SelectOne when the query matches
	// more than one row.
	ErrTooManyRows = errors.New("more than one row returned")
)

// Cursor is a uniform facade over one connection's statements and
// result sets. Execute runs a statement; the Fetch family drains the
// pending result set as Records sharing one Schema. Parameters may be
// nil, a map (canonical SQL, translated to the dialect's style), or a
// positional slice passed through verbatim.
//
// A cursor is not safe for concurrent use.
type Cursor struct {
	db        *DB
	tx        *sql.Tx
	style     Style
	arraySize int
	logger    *slog.Logger

	rows     *sql.Rows
	schema   *Schema
	binary   []bool
	rowCount int64
}

// execer is the subset of *sql.DB and *sql.Tx the cursor drives.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

func (c *Cursor) conn() execer {
	if c.tx != nil {
		return c.tx
	}
	return c.db.sqldb
}

// Execute runs a statement. With map params the SQL is treated as
// canonical (:name / %(name)s) and translated to the dialect's
// placeholder style; missing keys bind SQL null. With slice params the
// SQL and payload pass through verbatim. A pending result set from an
// earlier execute is discarded.
func (c *Cursor) Execute(ctx context.Context, sqlText string, params any) error {
	text, args, err := c.bind(sqlText, params)
	if err != nil {
		return err
	}
	return c.run(ctx, text, args)
}

// ExecuteReturn is Execute returning the cursor for fluent chaining
// into the Fetch family.
func (c *Cursor) ExecuteReturn(ctx context.Context, sqlText string, params any) (*Cursor, error) {
	if err := c.Execute(ctx, sqlText, params); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cursor) bind(sqlText string, params any) (string, []any, error) {
	switch p := params.(type) {
	case nil:
		return sqlText, nil, nil
	case map[string]any:
		q, err := Translate(sqlText, c.style)
		if err != nil {
			return "", nil, err
		}
		return q.SQL(), q.Bind(p), nil
	case []any:
		return sqlText, p, nil
	default:
		return "", nil, fmt.Errorf("unsupported params type %T (want map[string]any or []any)", params)
	}
}

func (c *Cursor) run(ctx context.Context, text string, args []any) error {
	c.discard()
	start := time.Now()
	if isReadQuery(text) {
		rows, err := c.conn().QueryContext(ctx, text, args...)
		if err != nil {
			return fmt.Errorf("execute: %w", err)
		}
		c.rows = rows
		c.rowCount = -1
	} else {
		res, err := c.conn().ExecContext(ctx, text, args...)
		if err != nil {
			return fmt.Errorf("execute: %w", err)
		}
		c.rowCount = -1
		if n, err := res.RowsAffected(); err == nil {
			c.rowCount = n
		}
	}
	c.logger.Debug("execute", "sql", text, "params", len(args), "duration", time.Since(start))
	return nil
}

// ExecuteMany prepares the statement once and executes it per payload.
// The SQL is translated like Execute's map form; payloads are
// positional in the translated statement's parameter order. It returns
// the number of payloads applied before the first error, so callers
// can resume after the offender.
func (c *Cursor) ExecuteMany(ctx context.Context, sqlText string, payloads [][]any) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}
	q, err := Translate(sqlText, c.style)
	if err != nil {
		return 0, err
	}
	c.discard()
	stmt, err := c.conn().PrepareContext(ctx, q.SQL())
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	start := time.Now()
	var affected int64
	for i, payload := range payloads {
		res, err := stmt.ExecContext(ctx, payload...)
		if err != nil {
			c.rowCount = affected
			return i, fmt.Errorf("payload %d of %d: %w", i+1, len(payloads), err)
		}
		if n, err := res.RowsAffected(); err == nil {
			affected += n
		}
	}
	c.rowCount = affected
	c.logger.Debug("executemany", "sql", q.SQL(), "payloads", len(payloads), "duration", time.Since(start))
	return len(payloads), nil
}

// ExecuteFile executes the contents of a SQL file, treated as one
// canonical statement.
func (c *Cursor) ExecuteFile(ctx context.Context, path string, params map[string]any) error {
	text, err := readSQLFile(path)
	if err != nil {
		return err
	}
	if params == nil {
		return c.Execute(ctx, text, nil)
	}
	return c.Execute(ctx, text, params)
}

// ExecuteScript runs a multi-statement SQL file, split on semicolons
// outside string literals, and reports how many statements ran.
// Parameters are not supported in scripts.
func (c *Cursor) ExecuteScript(ctx context.Context, path string) (int, error) {
	text, err := readSQLFile(path)
	if err != nil {
		return 0, err
	}
	stmts := splitStatements(text)
	for i, stmt := range stmts {
		if err := c.run(ctx, stmt, nil); err != nil {
			return i, fmt.Errorf("%s: statement %d: %w", path, i+1, err)
		}
	}
	return len(stmts), nil
}

// Prepare translates canonical SQL once and returns a statement bound
// to this cursor.
func (c *Cursor) Prepare(sqlText string) (*Stmt, error) {
	q, err := Translate(sqlText, c.style)
	if err != nil {
		return nil, err
	}
	return &Stmt{cur: c, query: q}, nil
}

// PrepareFile is Prepare on a SQL file's contents.
func (c *Cursor) PrepareFile(path string) (*Stmt, error) {
	text, err := readSQLFile(path)
	if err != nil {
		return nil, err
	}
	return c.Prepare(text)
}

// FetchOne returns the next row of the pending result set, or nil with
// a nil error once it is exhausted.
func (c *Cursor) FetchOne() (*Record, error) {
	if c.rows == nil {
		return nil, fmt.Errorf("no open result set")
	}
	if err := c.ensureSchema(); err != nil {
		return nil, err
	}
	if !c.rows.Next() {
		err := c.rows.Err()
		c.rows.Close()
		c.rows = nil
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		return nil, nil
	}
	return c.scanRecord()
}

// FetchMany returns up to n rows; n <= 0 means the cursor's array size.
func (c *Cursor) FetchMany(n int) ([]*Record, error) {
	if n <= 0 {
		n = c.arraySize
	}
	out := make([]*Record, 0, n)
	for len(out) < n {
		rec, err := c.FetchOne()
		if err != nil {
			return out, err
		}
		if rec == nil {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// FetchAll drains the pending result set.
func (c *Cursor) FetchAll() ([]*Record, error) {
	var out []*Record
	for {
		rec, err := c.FetchOne()
		if err != nil {
			return out, err
		}
		if rec == nil {
			return out, nil
		}
		out = append(out, rec)
	}
}

// Iter yields the pending result set row by row. Iteration stops at
// the first error.
func (c *Cursor) Iter() iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		for {
			rec, err := c.FetchOne()
			if err != nil {
				yield(nil, err)
				return
			}
			if rec == nil {
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// SelectOne executes a query expected to match exactly one row and
// returns it, or ErrNoRows / ErrTooManyRows.
func (c *Cursor) SelectOne(ctx context.Context, sqlText string, params any) (*Record, error) {
	if err := c.Execute(ctx, sqlText, params); err != nil {
		return nil, err
	}
	rec, err := c.FetchOne()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNoRows
	}
	extra, err := c.FetchOne()
	if err != nil {
		return nil, err
	}
	if extra != nil {
		c.discard()
		return nil, ErrTooManyRows
	}
	return rec, nil
}

// Columns returns the pending (or last) result set's column names,
// original or normalized.
func (c *Cursor) Columns(normalized bool) []string {
	if c.rows != nil {
		if err := c.ensureSchema(); err != nil {
			return nil
		}
	}
	if c.schema == nil {
		return nil
	}
	if normalized {
		return c.schema.NormalizedNames()
	}
	return c.schema.Names()
}

// RowCount reports rows affected by the last write, -1 when unknown or
// after a read.
func (c *Cursor) RowCount() int64 { return c.rowCount }

func (c *Cursor) ArraySize() int { return c.arraySize }

func (c *Cursor) SetArraySize(n int) {
	if n > 0 {
		c.arraySize = n
	}
}

// Begin opens a transaction; until Commit or Rollback every statement
// on this cursor runs inside it.
func (c *Cursor) Begin(ctx context.Context) error {
	if c.tx != nil {
		return fmt.Errorf("transaction already open")
	}
	tx, err := c.db.sqldb.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	c.tx = tx
	return nil
}

func (c *Cursor) Commit() error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the open transaction. Without one it is a no-op, so
// it can sit in a defer.
func (c *Cursor) Rollback() error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// InTx reports whether a transaction is open on this cursor.
func (c *Cursor) InTx() bool { return c.tx != nil }

// DB returns the connection this cursor runs on.
func (c *Cursor) DB() *DB { return c.db }

// Close discards any pending result set and rolls back an open
// transaction.
func (c *Cursor) Close() error {
	c.discard()
	return c.Rollback()
}

// discard drops the pending result set but keeps the last schema so
// Columns stays answerable.
func (c *Cursor) discard() {
	if c.rows != nil {
		c.rows.Close()
		c.rows = nil
	}
	c.schema = nil
	c.binary = nil
	c.rowCount = 0
}

// ensureSchema builds the shared Schema and binary-column map from the
// driver's column description, once per result set.
func (c *Cursor) ensureSchema() error {
	if c.schema != nil {
		return nil
	}
	names, err := c.rows.Columns()
	if err != nil {
		return fmt.Errorf("columns: %w", err)
	}
	c.schema = NewSchema(names)
	c.binary = make([]bool, len(names))
	if types, err := c.rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			c.binary[i] = binaryDBType(ct.DatabaseTypeName())
		}
	}
	return nil
}

func (c *Cursor) scanRecord() (*Record, error) {
	n := c.schema.Len()
	values := make([]any, n)
	ptrs := make([]any, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	// Drivers may reuse byte buffers between rows, so both branches
	// copy.
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			if c.binary[i] {
				values[i] = append([]byte(nil), b...)
			} else {
				values[i] = string(b)
			}
		}
	}
	return NewRecord(c.schema, values), nil
}

// binaryDBType reports whether a driver column type holds raw bytes
// that must not be coerced to string.
func binaryDBType(name string) bool {
	switch strings.ToUpper(name) {
	case "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB", "BYTEA", "BINARY", "VARBINARY", "IMAGE":
		return true
	}
	return false
}

// readPrefixes are the statement keywords that produce result sets.
var readPrefixes = map[string]bool{
	"SELECT": true, "WITH": true, "SHOW": true, "VALUES": true,
	"DESCRIBE": true, "DESC": true, "EXPLAIN": true, "PRAGMA": true,
}

// isReadQuery classifies a statement by its first keyword, skipping
// leading whitespace, comments, and parentheses.
func isReadQuery(sqlText string) bool {
	i := 0
	for i < len(sqlText) {
		switch {
		case sqlText[i] == ' ' || sqlText[i] == '\t' || sqlText[i] == '\n' || sqlText[i] == '\r':
			i++
		case sqlText[i] == '(':
			i++
		case strings.HasPrefix(sqlText[i:], "--"):
			nl := strings.IndexByte(sqlText[i:], '\n')
			if nl < 0 {
				return false
			}
			i += nl + 1
		case strings.HasPrefix(sqlText[i:], "/*"):
			end := strings.Index(sqlText[i+2:], "*/")
			if end < 0 {
				return false
			}
			i += end + 4
		default:
			j := i
			for j < len(sqlText) && isNameChar(sqlText[j]) {
				j++
			}
			return readPrefixes[strings.ToUpper(sqlText[i:j])]
		}
	}
	return false
}

// splitStatements splits SQL text on semicolons, ignoring empty
// entries and semicolons inside quotes, comments, and dollar-quoted
// blocks.
func splitStatements(sqlText string) []string {
	var stmts []string
	var current strings.Builder
	inSingleQuote := false
	inDoubleQuote := false
	inLineComment := false
	blockCommentDepth := 0
	dollarTag := ""

	for i := 0; i < len(sqlText); i++ {
		ch := sqlText[i]

		if inLineComment {
			current.WriteByte(ch)
			if ch == '\n' {
				inLineComment = false
			}
			continue
		}

		// Block comments nest.
		if blockCommentDepth > 0 {
			current.WriteByte(ch)
			if ch == '/' && i+1 < len(sqlText) && sqlText[i+1] == '*' {
				current.WriteByte(sqlText[i+1])
				i++
				blockCommentDepth++
				continue
			}
			if ch == '*' && i+1 < len(sqlText) && sqlText[i+1] == '/' {
				current.WriteByte(sqlText[i+1])
				i++
				blockCommentDepth--
			}
			continue
		}

		if inSingleQuote {
			current.WriteByte(ch)
			if ch == '\'' {
				// '' stays inside the literal
				if i+1 < len(sqlText) && sqlText[i+1] == '\'' {
					current.WriteByte(sqlText[i+1])
					i++
				} else {
					inSingleQuote = false
				}
			}
			continue
		}

		if inDoubleQuote {
			current.WriteByte(ch)
			if ch == '"' {
				if i+1 < len(sqlText) && sqlText[i+1] == '"' {
					current.WriteByte(sqlText[i+1])
					i++
				} else {
					inDoubleQuote = false
				}
			}
			continue
		}

		if dollarTag != "" {
			if strings.HasPrefix(sqlText[i:], dollarTag) {
				current.WriteString(dollarTag)
				i += len(dollarTag) - 1
				dollarTag = ""
				continue
			}
			current.WriteByte(ch)
			continue
		}

		switch {
		case ch == '-' && i+1 < len(sqlText) && sqlText[i+1] == '-':
			current.WriteByte(ch)
			current.WriteByte(sqlText[i+1])
			i++
			inLineComment = true
		case ch == '/' && i+1 < len(sqlText) && sqlText[i+1] == '*':
			current.WriteByte(ch)
			current.WriteByte(sqlText[i+1])
			i++
			blockCommentDepth = 1
		case ch == '\'':
			current.WriteByte(ch)
			inSingleQuote = true
		case ch == '"':
			current.WriteByte(ch)
			inDoubleQuote = true
		case ch == '$':
			if tag, ok := parseDollarTag(sqlText, i); ok {
				current.WriteString(tag)
				i += len(tag) - 1
				dollarTag = tag
				continue
			}
			current.WriteByte(ch)
		case ch == ';':
			if s := strings.TrimSpace(current.String()); s != "" {
				stmts = append(stmts, s)
			}
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}

	if s := strings.TrimSpace(current.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}

// parseDollarTag recognizes $$ or $tag$ openers at position i.
func parseDollarTag(sqlText string, i int) (string, bool) {
	if i >= len(sqlText) || sqlText[i] != '$' {
		return "", false
	}
	if i+1 < len(sqlText) && sqlText[i+1] == '$' {
		return "$$", true
	}
	j := i + 1
	if j >= len(sqlText) || !isNameStart(sqlText[j]) {
		return "", false
	}
	for j < len(sqlText) && isNameChar(sqlText[j]) {
		j++
	}
	if j < len(sqlText) && sqlText[j] == '$' {
		return sqlText[i : j+1], true
	}
	return "", false
}

func readSQLFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read sql file: %w", err)
	}
	return string(data), nil
}
