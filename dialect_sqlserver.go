package ferry

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
)

type sqlserverDialect struct {
	baseDialect
}

func init() {
	RegisterDialect(&sqlserverDialect{baseDialect{name: "sqlserver", driver: "sqlserver", style: StyleAtNamed}})
}

func (d *sqlserverDialect) QuoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		if identNeedsQuoting(part) || reservedWords[strings.ToLower(part)] {
			parts[i] = "[" + strings.ReplaceAll(part, "]", "]]") + "]"
		}
	}
	return strings.Join(parts, ".")
}

func (d *sqlserverDialect) BuildDSN(c ConnConfig) (string, error) {
	if c.DSN != "" {
		return c.DSN, nil
	}
	if c.Database == "" {
		return "", fmt.Errorf("sqlserver connection needs dsn or database")
	}
	u := url.URL{Scheme: "sqlserver", Host: hostPort(c.Host, c.Port, 1433)}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	q := u.Query()
	q.Set("database", c.Database)
	for k, v := range c.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *sqlserverDialect) SupportsUpsert() bool { return false }
func (d *sqlserverDialect) SupportsMerge() bool  { return true }

func (d *sqlserverDialect) UpsertSQL(p DMLParts) (string, bool) { return "", false }

func (d *sqlserverDialect) MergeSQL(p DMLParts) (string, bool) {
	if len(p.Keys()) == 0 {
		return "", false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS tgt USING (SELECT ", p.Table)
	for i, c := range p.Cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s AS %s", c.Expr, c.Alias)
	}
	b.WriteString(") AS src ON ")
	writeMergeArms(&b, p, "src")
	// T-SQL requires the terminating semicolon on MERGE.
	b.WriteByte(';')
	return b.String(), true
}

func (d *sqlserverDialect) TempName(base string) string { return "#" + base }

func (d *sqlserverDialect) TempTableSQL(temp, target string, cols []string) string {
	return fmt.Sprintf("SELECT %s INTO %s FROM %s WHERE 1 = 0",
		strings.Join(cols, ", "), temp, target)
}

func (d *sqlserverDialect) MergeFromTempSQL(p DMLParts, temp string) (string, bool) {
	if len(p.Keys()) == 0 {
		return "", false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS tgt USING %s AS src ON ", p.Table, temp)
	writeMergeArmsQuoted(&b, p)
	b.WriteByte(';')
	return b.String(), true
}

func (d *sqlserverDialect) DropTempSQL(temp string) string {
	return "DROP TABLE IF EXISTS " + temp
}

// sqlserverConstraintCodes: null (515), foreign key (547), duplicate
// index (2601), duplicate key (2627).
var sqlserverConstraintCodes = map[int32]bool{515: true, 547: true, 2601: true, 2627: true}

func (d *sqlserverDialect) IsConstraint(err error) bool {
	var sErr mssql.Error
	return errors.As(err, &sErr) && sqlserverConstraintCodes[sErr.Number]
}

// writeMergeArms emits the ON condition and both WHEN arms, with the
// source's columns addressed by alias.
func writeMergeArms(b *strings.Builder, p DMLParts, src string) {
	for i, k := range p.Keys() {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(b, "tgt.%s = %s.%s", k.Quoted, src, k.Alias)
	}
	if updates := p.Updates(); len(updates) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range updates {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "tgt.%s = %s.%s", c.Quoted, src, c.Alias)
		}
	}
	fmt.Fprintf(b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (", strings.Join(dmlNames(p.Cols), ", "))
	for i, c := range p.Cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "%s.%s", src, c.Alias)
	}
	b.WriteByte(')')
}

// writeMergeArmsQuoted is writeMergeArms for a temp-table source whose
// columns keep the target's quoted names.
func writeMergeArmsQuoted(b *strings.Builder, p DMLParts) {
	for i, k := range p.Keys() {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(b, "tgt.%s = src.%s", k.Quoted, k.Quoted)
	}
	if updates := p.Updates(); len(updates) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range updates {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "tgt.%s = src.%s", c.Quoted, c.Quoted)
		}
	}
	fmt.Fprintf(b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (", strings.Join(dmlNames(p.Cols), ", "))
	for i, c := range p.Cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "src.%s", c.Quoted)
	}
	b.WriteByte(')')
}
