package ferry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

type postgresDialect struct {
	baseDialect
}

func init() {
	RegisterDialect(&postgresDialect{baseDialect{name: "postgres", driver: "pgx", style: StyleDollar}})
}

// QuoteIdent quotes reserved words and anything the server would fold:
// unquoted identifiers lowercase in PostgreSQL, so mixed case must be
// preserved explicitly.
func (d *postgresDialect) QuoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		if reservedWords[strings.ToLower(part)] || identNeedsQuoting(part) || part != strings.ToLower(part) {
			parts[i] = `"` + strings.ReplaceAll(part, `"`, `""`) + `"`
		}
	}
	return strings.Join(parts, ".")
}

func (d *postgresDialect) BuildDSN(c ConnConfig) (string, error) {
	if c.DSN != "" {
		return c.DSN, nil
	}
	if c.Database == "" {
		return "", fmt.Errorf("postgres connection needs dsn or database")
	}
	u := url.URL{Scheme: "postgres", Host: hostPort(c.Host, c.Port, 5432), Path: "/" + c.Database}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	q := u.Query()
	for k, v := range c.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *postgresDialect) SupportsUpsert() bool { return true }

// SupportsMerge is true for PostgreSQL 15+; the upsert form is
// preferred anyway, so older servers never see a MERGE.
func (d *postgresDialect) SupportsMerge() bool { return true }

func (d *postgresDialect) UpsertSQL(p DMLParts) (string, bool) {
	keys := p.Keys()
	if len(keys) == 0 {
		return "", false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s)",
		p.Table,
		strings.Join(dmlNames(p.Cols), ", "),
		strings.Join(dmlExprs(p.Cols), ", "),
		strings.Join(dmlNames(keys), ", "))
	updates := p.Updates()
	if len(updates) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String(), true
	}
	b.WriteString(" DO UPDATE SET ")
	for i, c := range updates {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", c.Quoted, c.Quoted)
	}
	return b.String(), true
}

func (d *postgresDialect) MergeSQL(p DMLParts) (string, bool) {
	keys := p.Keys()
	if len(keys) == 0 {
		return "", false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS tgt USING (VALUES (%s)) AS src (%s) ON ",
		p.Table,
		strings.Join(dmlExprs(p.Cols), ", "),
		strings.Join(aliasList(p.Cols), ", "))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "tgt.%s = src.%s", k.Quoted, k.Alias)
	}
	if updates := p.Updates(); len(updates) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range updates {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = src.%s", c.Quoted, c.Alias)
		}
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		strings.Join(dmlNames(p.Cols), ", "),
		strings.Join(srcAliasList(p.Cols), ", "))
	return b.String(), true
}

func (d *postgresDialect) TempName(base string) string { return base }

func (d *postgresDialect) TempTableSQL(temp, target string, cols []string) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT %s FROM %s WHERE 1 = 0",
		temp, strings.Join(cols, ", "), target)
}

func (d *postgresDialect) MergeFromTempSQL(p DMLParts, temp string) (string, bool) {
	keys := p.Keys()
	if len(keys) == 0 {
		return "", false
	}
	cols := strings.Join(dmlNames(p.Cols), ", ")
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s)",
		p.Table, cols, cols, temp, strings.Join(dmlNames(keys), ", "))
	updates := p.Updates()
	if len(updates) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String(), true
	}
	b.WriteString(" DO UPDATE SET ")
	for i, c := range updates {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", c.Quoted, c.Quoted)
	}
	return b.String(), true
}

func (d *postgresDialect) DropTempSQL(temp string) string {
	return "DROP TABLE IF EXISTS " + temp
}

func (d *postgresDialect) IsConstraint(err error) bool {
	var pgErr *pgconn.PgError
	// Class 23 is integrity constraint violation.
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23")
}

// aliasList renders the bare alias names of cols.
func aliasList(cols []DMLColumn) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Alias
	}
	return out
}

// srcAliasList renders cols as src.<alias> references.
func srcAliasList(cols []DMLColumn) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = "src." + c.Alias
	}
	return out
}

// hostPort joins host and port, defaulting both sensibly.
func hostPort(host string, port, def int) string {
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = def
	}
	return fmt.Sprintf("%s:%d", host, port)
}
