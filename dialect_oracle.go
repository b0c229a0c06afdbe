package ferry

import (
	"fmt"
	"strings"
)

// oracleDialect ships capability-only: statement shapes and the
// numbered parameter style, with no bundled driver. Pair it with a
// driver of your choice via OpenDB, or register a copy carrying a
// driver name.
type oracleDialect struct {
	baseDialect
}

func init() {
	RegisterDialect(&oracleDialect{baseDialect{name: "oracle", driver: "", style: StyleNumbered}})
}

func (d *oracleDialect) QuoteIdent(name string) string {
	return quoteWith(name, '"', '"')
}

func (d *oracleDialect) BuildDSN(c ConnConfig) (string, error) {
	if c.DSN == "" {
		return "", fmt.Errorf("oracle connection needs an explicit dsn")
	}
	return c.DSN, nil
}

func (d *oracleDialect) SupportsUpsert() bool { return false }
func (d *oracleDialect) SupportsMerge() bool  { return true }

func (d *oracleDialect) UpsertSQL(p DMLParts) (string, bool) { return "", false }

func (d *oracleDialect) MergeSQL(p DMLParts) (string, bool) {
	if len(p.Keys()) == 0 {
		return "", false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s tgt USING (SELECT ", p.Table)
	for i, c := range p.Cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s AS %s", c.Expr, c.Alias)
	}
	b.WriteString(" FROM dual) src ON (")
	for i, k := range p.Keys() {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "tgt.%s = src.%s", k.Quoted, k.Alias)
	}
	b.WriteByte(')')
	if updates := p.Updates(); len(updates) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range updates {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "tgt.%s = src.%s", c.Quoted, c.Alias)
		}
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (", strings.Join(dmlNames(p.Cols), ", "))
	for i, c := range p.Cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "src.%s", c.Alias)
	}
	b.WriteByte(')')
	return b.String(), true
}

func (d *oracleDialect) TempName(base string) string { return base }

func (d *oracleDialect) TempTableSQL(temp, target string, cols []string) string {
	return fmt.Sprintf("CREATE GLOBAL TEMPORARY TABLE %s ON COMMIT PRESERVE ROWS AS SELECT %s FROM %s WHERE 1 = 0",
		temp, strings.Join(cols, ", "), target)
}

func (d *oracleDialect) MergeFromTempSQL(p DMLParts, temp string) (string, bool) {
	if len(p.Keys()) == 0 {
		return "", false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s tgt USING %s src ON (", p.Table, temp)
	for i, k := range p.Keys() {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "tgt.%s = src.%s", k.Quoted, k.Quoted)
	}
	b.WriteByte(')')
	if updates := p.Updates(); len(updates) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range updates {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "tgt.%s = src.%s", c.Quoted, c.Quoted)
		}
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (", strings.Join(dmlNames(p.Cols), ", "))
	for i, c := range p.Cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "src.%s", c.Quoted)
	}
	b.WriteByte(')')
	return b.String(), true
}

func (d *oracleDialect) DropTempSQL(temp string) string {
	return "DROP TABLE " + temp
}

// IsConstraint stays false without a bundled driver to supply typed
// errors.
func (d *oracleDialect) IsConstraint(err error) bool { return false }
