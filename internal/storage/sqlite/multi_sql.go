package sqlite

import (
	"fmt"
	"strings"
	"time"

	"deviceimport/internal/storage"
)

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqliteType(t storage.ColumnType) (string, error) {
	switch t {
	case storage.TypeText, storage.TypeTimestamp:
		return "TEXT", nil
	case storage.TypeInteger:
		return "INTEGER", nil
	case storage.TypeHash:
		return "CHAR(64)", nil
	}
	return "", fmt.Errorf("unsupported column type %q", t)
}

// buildCreateSQL builds the CREATE TABLE statement and one CREATE INDEX per
// IndexSpec. The identity column is INTEGER PRIMARY KEY AUTOINCREMENT so ids
// are never reused after the dedup pass deletes rows.
func buildCreateSQL(t storage.TableSpec) (baseSQL string, indexSQL []string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", nil, fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", nil, fmt.Errorf("table %s: no columns", t.Name)
	}

	parts := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	if t.PrimaryKey != nil {
		if strings.TrimSpace(t.PrimaryKey.Name) == "" {
			return "", nil, fmt.Errorf("table %s: primary key name is empty", t.Name)
		}
		parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
	}
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return "", nil, fmt.Errorf("table %s: column name must be set", t.Name)
		}
		typ, err := sqliteType(c.Type)
		if err != nil {
			return "", nil, fmt.Errorf("table %s: column %s: %w", t.Name, c.Name, err)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), typ)
		if !c.IsNullable() {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}
	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") || len(con.Columns) == 0 {
			return "", nil, fmt.Errorf("table %s: unsupported constraint %q %v", t.Name, con.Kind, con.Columns)
		}
		parts = append(parts, "UNIQUE ("+joinIdentList(con.Columns)+")")
	}
	baseSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", sqlIdent(t.Name), strings.Join(parts, ", "))

	for _, ix := range t.Indexes {
		if ix.Name == "" || len(ix.Columns) == 0 {
			return "", nil, fmt.Errorf("table %s: index needs a name and columns", t.Name)
		}
		var b strings.Builder
		b.WriteString("CREATE ")
		if ix.Unique {
			b.WriteString("UNIQUE ")
		}
		b.WriteString("INDEX IF NOT EXISTS ")
		b.WriteString(sqlIdent(ix.Name))
		b.WriteString(" ON ")
		b.WriteString(sqlIdent(t.Name))
		b.WriteString(" (")
		b.WriteString(joinIdentList(ix.Columns))
		b.WriteString(")")
		for i, c := range ix.NotNull {
			if i == 0 {
				b.WriteString(" WHERE ")
			} else {
				b.WriteString(" AND ")
			}
			b.WriteString(sqlIdent(c))
			b.WriteString(" IS NOT NULL")
		}
		b.WriteString(";")
		indexSQL = append(indexSQL, b.String())
	}
	return baseSQL, indexSQL, nil
}

// buildInsertSQL constructs a multi-row INSERT with "?" placeholders.
//
// Conflict handling mirrors the Postgres backend; SQLite accepts a bare
// ON CONFLICT DO NOTHING, which also covers the partial unique index on chats.
// time.Time args are converted with formatSQLiteTime.
func buildInsertSQL(spec storage.TableSpec, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(spec.Name))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	rowPH := "(" + strings.TrimRight(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(rowPH)
		for j := range columns {
			args = append(args, sqliteArg(row[j]))
		}
	}

	switch {
	case spec.Upserts():
		c := spec.Load.Conflict
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdentList(c.TargetColumns))
		b.WriteString(") DO UPDATE SET ")
		for i, col := range c.UpdateColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(sqlIdent(col))
			if c.KeepsLatest(col) {
				// scalar MAX is NULL if either side is; timestamps are RFC3339 UTC
				// text, so text order is time order.
				old, inc := sqlIdent(spec.Name)+"."+sqlIdent(col), "excluded."+sqlIdent(col)
				fmt.Fprintf(&b, " = COALESCE(MAX(%s, %s), %s, %s)", old, inc, old, inc)
				continue
			}
			b.WriteString(" = excluded.")
			b.WriteString(sqlIdent(col))
		}
	case spec.IgnoresConflicts():
		b.WriteString(" ON CONFLICT")
		if t := spec.Load.Conflict.TargetColumns; len(t) > 0 {
			b.WriteString(" (")
			b.WriteString(joinIdentList(t))
			b.WriteString(")")
		}
		b.WriteString(" DO NOTHING")
	}
	b.WriteString(";")
	return b.String(), args
}

func sqliteArg(v any) any {
	switch t := v.(type) {
	case time.Time:
		return formatSQLiteTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return formatSQLiteTime(*t)
	}
	return v
}

// buildDedupSQL deletes every non-minimal id per key in one statement.
func buildDedupSQL(table, keyColumn, idColumn string) string {
	t, k, id := sqlIdent(table), sqlIdent(keyColumn), sqlIdent(idColumn)
	return fmt.Sprintf(
		`DELETE FROM %s WHERE %s IS NOT NULL AND %s NOT IN (SELECT MIN(%s) FROM %s WHERE %s IS NOT NULL GROUP BY %s)`,
		t, k, id, id, t, k, k,
	)
}

func joinIdentList(columns []string) string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		out = append(out, sqlIdent(c))
	}
	return strings.Join(out, ", ")
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
// We store timestamps as TEXT for reliable scanning/parsing with modernc.org/sqlite.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
