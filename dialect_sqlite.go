package ferry

import (
	"errors"
	"fmt"
	"strings"

	sqlite "modernc.org/sqlite"
)

type sqliteDialect struct {
	baseDialect
}

func init() {
	RegisterDialect(&sqliteDialect{baseDialect{name: "sqlite", driver: "sqlite", style: StyleQmark}})
}

func (d *sqliteDialect) QuoteIdent(name string) string {
	return quoteWith(name, '"', '"')
}

func (d *sqliteDialect) BuildDSN(c ConnConfig) (string, error) {
	if c.DSN != "" {
		return c.DSN, nil
	}
	if c.Database == "" {
		return "", fmt.Errorf("sqlite connection needs dsn or database (a file path or :memory:)")
	}
	return c.Database, nil
}

func (d *sqliteDialect) SupportsUpsert() bool { return true }
func (d *sqliteDialect) SupportsMerge() bool  { return false }

func (d *sqliteDialect) UpsertSQL(p DMLParts) (string, bool) {
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
	writeExcludedSet(&b, p)
	return b.String(), true
}

func (d *sqliteDialect) MergeSQL(p DMLParts) (string, bool) { return "", false }

func (d *sqliteDialect) TempName(base string) string { return base }

func (d *sqliteDialect) TempTableSQL(temp, target string, cols []string) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT %s FROM %s WHERE 1 = 0",
		temp, strings.Join(cols, ", "), target)
}

func (d *sqliteDialect) MergeFromTempSQL(p DMLParts, temp string) (string, bool) {
	keys := p.Keys()
	if len(keys) == 0 {
		return "", false
	}
	cols := strings.Join(dmlNames(p.Cols), ", ")
	var b strings.Builder
	// WHERE true keeps the upsert clause from parsing as a join.
	fmt.Fprintf(&b, "INSERT INTO %s (%s) SELECT %s FROM %s WHERE true ON CONFLICT (%s)",
		p.Table, cols, cols, temp, strings.Join(dmlNames(keys), ", "))
	writeExcludedSet(&b, p)
	return b.String(), true
}

func (d *sqliteDialect) DropTempSQL(temp string) string {
	return "DROP TABLE IF EXISTS " + temp
}

// writeExcludedSet emits the DO UPDATE arm using the excluded
// pseudo-table, or DO NOTHING when no column is updatable.
func writeExcludedSet(b *strings.Builder, p DMLParts) {
	updates := p.Updates()
	if len(updates) == 0 {
		b.WriteString(" DO NOTHING")
		return
	}
	b.WriteString(" DO UPDATE SET ")
	for i, c := range updates {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "%s = excluded.%s", c.Quoted, c.Quoted)
	}
}

func (d *sqliteDialect) IsConstraint(err error) bool {
	var liteErr *sqlite.Error
	// SQLITE_CONSTRAINT is 19; extended codes keep it in the low byte.
	return errors.As(err, &liteErr) && liteErr.Code()&0xff == 19
}
