package ferry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
)

// ConnConfig identifies one database connection, either by a full DSN
// or by discrete fields the dialect assembles into one.
type ConnConfig struct {
	Dialect  string            `toml:"dialect"`
	DSN      string            `toml:"dsn"`
	Host     string            `toml:"host"`
	Port     int               `toml:"port"`
	User     string            `toml:"user"`
	Password string            `toml:"password"`
	Database string            `toml:"database"`
	Params   map[string]string `toml:"params"`
}

// Connections is a named connection set loaded from a TOML file.
type Connections map[string]ConnConfig

type connectionsFile struct {
	Connections map[string]ConnConfig `toml:"connections"`
}

// LoadConnections reads `[connections.<name>]` entries from a TOML
// file. Every entry must name a registered dialect; DSN completeness
// is the dialect's to judge at open time.
func LoadConnections(path string) (Connections, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connections: %w", err)
	}
	var file connectionsFile
	md, err := toml.Decode(string(data), &file)
	if err != nil {
		return nil, fmt.Errorf("parse connections: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown connection keys: %s", strings.Join(keys, ", "))
	}
	if len(file.Connections) == 0 {
		return nil, fmt.Errorf("no [connections.<name>] entries in %s", path)
	}
	for name, c := range file.Connections {
		if c.Dialect == "" {
			return nil, fmt.Errorf("connection %q: dialect is required", name)
		}
		if _, err := DialectByName(c.Dialect); err != nil {
			return nil, fmt.Errorf("connection %q: %w", name, err)
		}
	}
	return file.Connections, nil
}

// Get returns the named connection.
func (c Connections) Get(name string) (ConnConfig, error) {
	conn, ok := c[name]
	if !ok {
		names := make([]string, 0, len(c))
		for n := range c {
			names = append(names, n)
		}
		sort.Strings(names)
		return ConnConfig{}, fmt.Errorf("unknown connection %q (have: %s)", name, strings.Join(names, ", "))
	}
	return conn, nil
}

// Open opens the named connection.
func (c Connections) Open(name string) (*DB, error) {
	conn, err := c.Get(name)
	if err != nil {
		return nil, err
	}
	return OpenConn(conn)
}

// JobConfig describes one file-to-table load, read from a TOML job
// file.
type JobConfig struct {
	Source     string         `toml:"source"`
	Format     string         `toml:"format"` // csv|json; from the extension when empty
	Connection string         `toml:"connection"`
	Table      string         `toml:"table"`
	Operation  string         `toml:"operation"` // insert|update|delete|merge
	BatchSize  int            `toml:"batch_size"`
	Tx         string         `toml:"tx"`       // none|run|batch
	OnError    string         `toml:"on_error"` // continue|abort
	Read       ReadFileConfig `toml:"read"`
	Columns    []ColumnConfig `toml:"columns"`

	// configDir is the directory containing the TOML file, used to
	// resolve relative source paths.
	configDir string
}

// ReadFileConfig is the TOML shape of a ReadConfig.
type ReadFileConfig struct {
	Delimiter   string   `toml:"delimiter"`
	Names       []string `toml:"names"`
	HeaderClean string   `toml:"header_clean"` // none|lower|lower_nospace|alnum
	SkipRows    int      `toml:"skip_rows"`
	MaxRows     int      `toml:"max_rows"`
	NullValues  []string `toml:"null_values"`
	RowNum      bool     `toml:"row_num"`
}

func (r ReadFileConfig) readConfig() (ReadConfig, error) {
	cfg := ReadConfig{
		Names:      r.Names,
		SkipRows:   r.SkipRows,
		MaxRows:    r.MaxRows,
		NullValues: r.NullValues,
		RowNum:     r.RowNum,
	}
	if r.Delimiter != "" {
		if utf8.RuneCountInString(r.Delimiter) != 1 {
			return ReadConfig{}, fmt.Errorf("read.delimiter must be a single character")
		}
		cfg.Delimiter, _ = utf8.DecodeRuneInString(r.Delimiter)
	}
	switch r.HeaderClean {
	case "", "none":
		cfg.HeaderClean = CleanNoop
	case "lower":
		cfg.HeaderClean = CleanLower
	case "lower_nospace":
		cfg.HeaderClean = CleanLowerNoSpace
	case "alnum":
		cfg.HeaderClean = CleanAlnum
	default:
		return ReadConfig{}, fmt.Errorf("read.header_clean must be one of: none, lower, lower_nospace, alnum")
	}
	return cfg, nil
}

// ColumnConfig is the TOML shape of a ColumnSpec. Fn entries are
// transform shorthands such as "int:0" or "lookup:states:abbrev:name".
type ColumnConfig struct {
	Name     string   `toml:"name"`
	Field    string   `toml:"field"`
	Fields   []string `toml:"fields"`
	Default  any      `toml:"default"`
	Fn       []string `toml:"fn"`
	DBExpr   string   `toml:"db_expr"`
	Key      bool     `toml:"key"`
	Required bool     `toml:"required"`
	NoUpdate bool     `toml:"no_update"`
}

// Spec converts the TOML shape into a ColumnSpec.
func (c ColumnConfig) Spec() ColumnSpec {
	spec := ColumnSpec{
		Name:     c.Name,
		Field:    c.Field,
		Fields:   c.Fields,
		Default:  c.Default,
		DBExpr:   c.DBExpr,
		Key:      c.Key,
		Required: c.Required,
		NoUpdate: c.NoUpdate,
	}
	for _, fn := range c.Fn {
		spec.Fn = append(spec.Fn, fn)
	}
	return spec
}

// LoadJob reads a TOML job file and returns a JobConfig with defaults
// applied.
func LoadJob(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}

	cfg := JobConfig{
		Operation: "insert",
		BatchSize: 1000,
		Tx:        "batch",
		OnError:   "continue",
		Read:      ReadFileConfig{HeaderClean: "lower_nospace"},
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse job: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown job keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve job path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)

	if cfg.Source == "" {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.Connection == "" {
		return nil, fmt.Errorf("connection is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if len(cfg.Columns) == 0 {
		return nil, fmt.Errorf("at least one [[columns]] entry is required")
	}
	for i, col := range cfg.Columns {
		if col.Name == "" {
			return nil, fmt.Errorf("columns[%d]: name is required", i)
		}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	switch cfg.Operation {
	case "insert", "update", "delete", "merge":
	default:
		return nil, fmt.Errorf("operation must be one of: insert, update, delete, merge")
	}
	switch cfg.Tx {
	case "none", "run", "batch":
	default:
		return nil, fmt.Errorf("tx must be one of: none, run, batch")
	}
	switch cfg.OnError {
	case "continue", "abort":
	default:
		return nil, fmt.Errorf("on_error must be one of: continue, abort")
	}
	switch cfg.Format {
	case "", "csv", "json":
	default:
		return nil, fmt.Errorf("format must be one of: csv, json")
	}
	if _, err := cfg.Read.readConfig(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Op returns the configured DML operation.
func (c *JobConfig) Op() Op {
	switch c.Operation {
	case "update":
		return OpUpdate
	case "delete":
		return OpDelete
	case "merge":
		return OpMerge
	default:
		return OpInsert
	}
}

// Specs converts the ordered [[columns]] entries.
func (c *JobConfig) Specs() []ColumnSpec {
	specs := make([]ColumnSpec, len(c.Columns))
	for i, col := range c.Columns {
		specs[i] = col.Spec()
	}
	return specs
}

// SurgeOptions renders the batch size, transaction mode, and error
// policy as Surge options.
func (c *JobConfig) SurgeOptions() []SurgeOption {
	tx := TxNone
	switch c.Tx {
	case "run":
		tx = TxRun
	case "batch":
		tx = TxBatch
	}
	onErr := ErrContinue
	if c.OnError == "abort" {
		onErr = ErrAbort
	}
	return []SurgeOption{WithBatchSize(c.BatchSize), WithTxMode(tx), WithOnError(onErr)}
}

// OpenSource opens the job's source file, picking the reader from
// Format or the file extension. Relative paths resolve against the
// job file's directory.
func (c *JobConfig) OpenSource() (RecordSource, error) {
	rc, err := c.Read.readConfig()
	if err != nil {
		return nil, err
	}
	path := c.resolvePath(c.Source)
	format := c.Format
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".ndjson", ".jsonl":
			format = "json"
		default:
			format = "csv"
		}
	}
	if format == "json" {
		return OpenJSON(path, rc)
	}
	return OpenCSV(path, rc)
}

// resolvePath resolves a path relative to the job file directory.
func (c *JobConfig) resolvePath(p string) string {
	if filepath.IsAbs(p) || c.configDir == "" {
		return p
	}
	return filepath.Join(c.configDir, p)
}
