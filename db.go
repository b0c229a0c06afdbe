package ferry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// DB pairs a database/sql pool with the dialect that opened it.
// Cursors carved off one DB share the pool.
type DB struct {
	sqldb   *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open connects to a database by registered dialect name and DSN.
func Open(dialectName, dsn string) (*DB, error) {
	d, err := DialectByName(dialectName)
	if err != nil {
		return nil, err
	}
	if d.DriverName() == "" {
		return nil, fmt.Errorf("dialect %s ships without a driver; open a *sql.DB yourself and use OpenDB", d.Name())
	}
	sqldb, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name(), err)
	}
	return OpenDB(d, sqldb), nil
}

// OpenConn builds the DSN from a connection config and opens it.
func OpenConn(c ConnConfig) (*DB, error) {
	d, err := DialectByName(c.Dialect)
	if err != nil {
		return nil, err
	}
	dsn, err := d.BuildDSN(c)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", c.Dialect, err)
	}
	return Open(c.Dialect, dsn)
}

// OpenDB adopts an already-opened pool, pairing it with a dialect. This
// is the path for engines without a bundled driver (oracle) or for
// pools the caller configures directly.
func OpenDB(d Dialect, sqldb *sql.DB) *DB {
	return &DB{sqldb: sqldb, dialect: d, logger: slog.Default()}
}

// SetLogger replaces the logger new cursors inherit.
func (db *DB) SetLogger(l *slog.Logger) {
	if l != nil {
		db.logger = l
	}
}

func (db *DB) Dialect() Dialect { return db.dialect }

// Unwrap exposes the underlying pool for settings the facade does not
// cover (connection limits, lifetimes).
func (db *DB) Unwrap() *sql.DB { return db.sqldb }

// Cursor returns a new cursor on this connection.
func (db *DB) Cursor() *Cursor {
	return &Cursor{
		db:        db,
		style:     db.dialect.ParamStyle(),
		arraySize: defaultArraySize,
		logger:    db.logger,
	}
}

func (db *DB) Ping(ctx context.Context) error {
	return db.sqldb.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.sqldb.Close()
}
