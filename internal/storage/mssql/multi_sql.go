package mssql

import (
	"fmt"
	"strings"

	"deviceimport/internal/storage"
)

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.calls" -> [dbo].[calls]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func sqlString(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// mssqlType maps a column type. Text columns that take part in a key or
// index get NVARCHAR(450) because NVARCHAR(MAX) cannot be indexed.
func mssqlType(t storage.ColumnType, keyed bool) (string, error) {
	switch t {
	case storage.TypeText:
		if keyed {
			return "NVARCHAR(450)", nil
		}
		return "NVARCHAR(MAX)", nil
	case storage.TypeTimestamp:
		return "DATETIME2", nil
	case storage.TypeInteger:
		return "BIGINT", nil
	case storage.TypeHash:
		return "CHAR(64)", nil
	}
	return "", fmt.Errorf("unsupported column type %q", t)
}

func keyedColumns(t storage.TableSpec) map[string]bool {
	out := map[string]bool{}
	for _, c := range t.Constraints {
		for _, col := range c.Columns {
			out[col] = true
		}
	}
	for _, ix := range t.Indexes {
		for _, col := range ix.Columns {
			out[col] = true
		}
	}
	return out
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
func mssqlColumnDef(c storage.ColumnSpec, keyed bool) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	typ, err := mssqlType(c.Type, keyed)
	if err != nil {
		return "", fmt.Errorf("mssql: column %s: %w", c.Name, err)
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(typ)
	if c.IsNullable() {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	return b.String(), nil
}

// buildCreateSQL returns the guarded CREATE TABLE and one guarded CREATE
// INDEX per IndexSpec.
func buildCreateSQL(t storage.TableSpec) (baseSQL string, indexSQL []string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", nil, fmt.Errorf("mssql: table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", nil, fmt.Errorf("mssql: table %s has no columns", t.Name)
	}

	var parts []string
	if t.PrimaryKey != nil {
		if strings.TrimSpace(t.PrimaryKey.Name) == "" {
			return "", nil, fmt.Errorf("mssql: primary key name is empty")
		}
		parts = append(parts, fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(t.PrimaryKey.Name)))
	}

	keyed := keyedColumns(t)
	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c, keyed[c.Name])
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, def)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", nil, fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", nil, fmt.Errorf("%s unique constraint has no columns", t.Name)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdents("", con.Columns)))
	}
	baseSQL = wrapCreateIfMissing(t.Name, strings.Join(parts, ", "))

	for _, ix := range t.Indexes {
		q, err := buildIndexSQL(t.Name, ix)
		if err != nil {
			return "", nil, err
		}
		indexSQL = append(indexSQL, q)
	}
	return baseSQL, indexSQL, nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureTables idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(%s, N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		sqlString(tableName),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// buildIndexSQL guards CREATE INDEX with a sys.indexes lookup. NotNull
// columns become a filtered index.
func buildIndexSQL(table string, ix storage.IndexSpec) (string, error) {
	if ix.Name == "" || len(ix.Columns) == 0 {
		return "", fmt.Errorf("mssql: %s index needs a name and columns", table)
	}
	var b strings.Builder
	b.WriteString("IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = ")
	b.WriteString(sqlString(ix.Name))
	b.WriteString(" AND object_id = OBJECT_ID(")
	b.WriteString(sqlString(table))
	b.WriteString(")) CREATE ")
	if ix.Unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX ")
	b.WriteString(mssqlIdent(ix.Name))
	b.WriteString(" ON ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents("", ix.Columns))
	b.WriteString(")")
	for i, c := range ix.NotNull {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(mssqlIdent(c))
		b.WriteString(" IS NOT NULL")
	}
	b.WriteString(";")
	return b.String(), nil
}

// writeValues appends "(@p1, @p2), (@p3, @p4)" and returns the args.
func writeValues(b *strings.Builder, columns []string, rows [][]any) []any {
	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("@p%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return args
}

// buildBulkInsertSQL builds a plain multi-row INSERT ... VALUES.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents("", columns))
	b.WriteString(") VALUES ")
	args := writeValues(&b, columns, rows)
	b.WriteString(";")
	return b.String(), args
}

// buildInsertNotExistsSQL inserts only rows whose dedupeColumns do not match
// an existing row. A NULL in a dedupe column never matches, which lines up
// with the filtered unique index on chats.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents("", columns))
	b.WriteString(") SELECT ")
	b.WriteString(joinIdents("v.", columns))
	b.WriteString(" FROM (VALUES ")
	args := writeValues(&b, columns, rows)
	b.WriteString(") AS v(")
	b.WriteString(joinIdents("", columns))
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" t WHERE ")
	writeKeyMatch(&b, dedupeColumns)
	b.WriteString(");")
	return b.String(), args
}

// buildMergeSQL upserts rows on the conflict target: matched rows get the
// update columns refreshed, the rest are inserted.
func buildMergeSQL(spec storage.TableSpec, columns []string, rows [][]any) (string, []any) {
	c := spec.Load.Conflict

	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(mssqlTableIdent(spec.Name))
	b.WriteString(" WITH (HOLDLOCK) AS t USING (VALUES ")
	args := writeValues(&b, columns, rows)
	b.WriteString(") AS v(")
	b.WriteString(joinIdents("", columns))
	b.WriteString(") ON ")
	writeKeyMatch(&b, c.TargetColumns)
	if len(c.UpdateColumns) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, col := range c.UpdateColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("t.")
			b.WriteString(mssqlIdent(col))
			if c.KeepsLatest(col) {
				q := mssqlIdent(col)
				fmt.Fprintf(&b, " = CASE WHEN v.%s IS NULL OR t.%s >= v.%s THEN t.%s ELSE v.%s END", q, q, q, q, q)
				continue
			}
			b.WriteString(" = v.")
			b.WriteString(mssqlIdent(col))
		}
	}
	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(joinIdents("", columns))
	b.WriteString(") VALUES (")
	b.WriteString(joinIdents("v.", columns))
	b.WriteString(");")
	return b.String(), args
}

func writeKeyMatch(b *strings.Builder, cols []string) {
	for i, dc := range cols {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(dc))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(dc))
	}
}

// buildLockedCountSQL counts rows under a table update lock held until
// commit. Concurrent writers to the table wait; readers do not.
func buildLockedCountSQL(table string) string {
	return "SELECT COUNT_BIG(*) FROM " + mssqlTableIdent(table) + " WITH (TABLOCK, UPDLOCK, HOLDLOCK);"
}

// buildDedupSQL numbers rows per key by id and deletes all but the first.
func buildDedupSQL(table, keyColumn, idColumn string) string {
	k, id := mssqlIdent(keyColumn), mssqlIdent(idColumn)
	return fmt.Sprintf(
		"WITH d AS (SELECT ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS rn FROM %s WHERE %s IS NOT NULL) DELETE FROM d WHERE rn > 1;",
		k, id, mssqlTableIdent(table), k,
	)
}

func joinIdents(prefix string, cols []string) string {
	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(prefix)
		b.WriteString(mssqlIdent(c))
	}
	return b.String()
}
