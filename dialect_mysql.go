package ferry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

type mysqlDialect struct {
	baseDialect
}

func init() {
	RegisterDialect(&mysqlDialect{baseDialect{name: "mysql", driver: "mysql", style: StyleQmark}})
}

func (d *mysqlDialect) QuoteIdent(name string) string {
	return quoteWith(name, '`', '`')
}

// BuildDSN normalizes a caller DSN or assembles one from parts, always
// enabling ParseTime so date columns scan as time.Time in UTC.
func (d *mysqlDialect) BuildDSN(c ConnConfig) (string, error) {
	if c.DSN != "" {
		cfg, err := mysql.ParseDSN(c.DSN)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		return cfg.FormatDSN(), nil
	}
	if c.Database == "" {
		return "", fmt.Errorf("mysql connection needs dsn or database")
	}
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = hostPort(c.Host, c.Port, 3306)
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if len(c.Params) > 0 {
		cfg.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			cfg.Params[k] = v
		}
	}
	return cfg.FormatDSN(), nil
}

func (d *mysqlDialect) SupportsUpsert() bool { return true }
func (d *mysqlDialect) SupportsMerge() bool  { return false }

// UpsertSQL uses the 8.0.19+ row alias form, which avoids the
// deprecated VALUES() function.
func (d *mysqlDialect) UpsertSQL(p DMLParts) (string, bool) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) AS new_vals ON DUPLICATE KEY UPDATE ",
		p.Table,
		strings.Join(dmlNames(p.Cols), ", "),
		strings.Join(dmlExprs(p.Cols), ", "))
	writeDuplicateKeySet(&b, p)
	return b.String(), true
}

func (d *mysqlDialect) MergeSQL(p DMLParts) (string, bool) { return "", false }

func (d *mysqlDialect) TempName(base string) string { return base }

func (d *mysqlDialect) TempTableSQL(temp, target string, cols []string) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT %s FROM %s WHERE 1 = 0",
		temp, strings.Join(cols, ", "), target)
}

func (d *mysqlDialect) MergeFromTempSQL(p DMLParts, temp string) (string, bool) {
	cols := strings.Join(dmlNames(p.Cols), ", ")
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT %s FROM (SELECT %s FROM %s) AS new_vals ON DUPLICATE KEY UPDATE ",
		p.Table, cols, cols, cols, temp)
	writeDuplicateKeySet(&b, p)
	return b.String(), true
}

func (d *mysqlDialect) DropTempSQL(temp string) string {
	return "DROP TEMPORARY TABLE IF EXISTS " + temp
}

// writeDuplicateKeySet emits the ON DUPLICATE KEY UPDATE assignments.
// MySQL requires at least one, so with nothing updatable the first key
// column assigns to itself.
func writeDuplicateKeySet(b *strings.Builder, p DMLParts) {
	updates := p.Updates()
	if len(updates) == 0 {
		k := p.Cols[0]
		if keys := p.Keys(); len(keys) > 0 {
			k = keys[0]
		}
		fmt.Fprintf(b, "%s = new_vals.%s", k.Quoted, k.Quoted)
		return
	}
	for i, c := range updates {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "%s = new_vals.%s", c.Quoted, c.Quoted)
	}
}

// mysqlConstraintCodes are the server error numbers that signal
// integrity violations (duplicate key, null, foreign key).
var mysqlConstraintCodes = map[uint16]bool{
	1048: true, 1062: true, 1216: true, 1217: true,
	1451: true, 1452: true, 1586: true, 1761: true, 1762: true,
}

func (d *mysqlDialect) IsConstraint(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && mysqlConstraintCodes[myErr.Number]
}
