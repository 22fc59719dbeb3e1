package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"deviceimport/internal/storage"
)

// pgIdent quotes a single identifier.
func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// pgTableIdent quotes a possibly schema-qualified table name.
//
//	"public.chats" -> "public"."chats"
func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "public.chats" => ("public", "chats")
//   - "chats"        => ("", "chats")
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func pgType(t storage.ColumnType) (string, error) {
	switch t {
	case storage.TypeText:
		return "TEXT", nil
	case storage.TypeTimestamp:
		return "TIMESTAMPTZ", nil
	case storage.TypeInteger:
		return "BIGINT", nil
	case storage.TypeHash:
		return "CHAR(64)", nil
	}
	return "", fmt.Errorf("unsupported column type %q", t)
}

// buildColumnDef renders a single column definition.
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "", fmt.Errorf("column name must be set")
	}
	typ, err := pgType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", name, err)
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(typ)
	if !c.IsNullable() {
		b.WriteString(" NOT NULL")
	}
	return b.String(), nil
}

// buildCreateSQL builds DDL for one table:
//   - CREATE SCHEMA for schema-qualified names
//   - CREATE TABLE with the identity key, columns and UNIQUE constraints
//   - one CREATE [UNIQUE] INDEX per IndexSpec, partial when NotNull is set
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, indexSQL []string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", nil, fmt.Errorf("table name is empty")
	}
	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	if t.PrimaryKey != nil {
		if strings.TrimSpace(t.PrimaryKey.Name) == "" {
			return "", "", nil, fmt.Errorf("table %s: primary key name is empty", t.Name)
		}
		defs = append(defs, fmt.Sprintf(`%s BIGSERIAL PRIMARY KEY`, pgIdent(t.PrimaryKey.Name)))
	}
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", "", nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}
	if len(t.Columns) == 0 {
		return "", "", nil, fmt.Errorf("table %s: no columns", t.Name)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", "", nil, fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", "", nil, fmt.Errorf("table %s: unique constraint requires columns", t.Name)
		}
		defs = append(defs, "UNIQUE ("+joinIdents(con.Columns)+")")
	}

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTableIdent(t.Name), strings.Join(defs, ", "))

	for _, ix := range t.Indexes {
		q, err := buildIndexSQL(t.Name, ix)
		if err != nil {
			return "", "", nil, err
		}
		indexSQL = append(indexSQL, q)
	}
	return schemaSQL, baseSQL, indexSQL, nil
}

func buildIndexSQL(table string, ix storage.IndexSpec) (string, error) {
	if ix.Name == "" || len(ix.Columns) == 0 {
		return "", fmt.Errorf("table %s: index needs a name and columns", table)
	}
	var b strings.Builder
	b.WriteString("CREATE ")
	if ix.Unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX IF NOT EXISTS ")
	b.WriteString(pgIdent(ix.Name))
	b.WriteString(" ON ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(ix.Columns))
	b.WriteString(")")
	if len(ix.NotNull) > 0 {
		b.WriteString(" WHERE ")
		for i, c := range ix.NotNull {
			if i > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(pgIdent(c))
			b.WriteString(" IS NOT NULL")
		}
	}
	b.WriteString(";")
	return b.String(), nil
}

// buildInsertSQL constructs a single multi-row INSERT and its args.
//
// Conflict handling follows spec.Load:
//   - upsert:       ON CONFLICT (target) DO UPDATE SET c = EXCLUDED.c, ...
//   - ignore:       ON CONFLICT (target) DO NOTHING, or bare ON CONFLICT DO
//     NOTHING when no target is given (covers partial unique indexes)
//   - plain insert: no clause
//
// Constraints:
//   - every row must have len(columns) values.
func buildInsertSQL(spec storage.TableSpec, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(spec.Name))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

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
			b.WriteString(fmt.Sprintf("$%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	switch {
	case spec.Upserts():
		c := spec.Load.Conflict
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdents(c.TargetColumns))
		b.WriteString(") DO UPDATE SET ")
		_, table := splitQualifiedName(spec.Name)
		for i, col := range c.UpdateColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(col))
			if c.KeepsLatest(col) {
				// GREATEST skips NULLs on either side.
				fmt.Fprintf(&b, " = GREATEST(%s.%s, EXCLUDED.%s)", pgIdent(table), pgIdent(col), pgIdent(col))
				continue
			}
			b.WriteString(" = EXCLUDED.")
			b.WriteString(pgIdent(col))
		}
	case spec.IgnoresConflicts():
		b.WriteString(" ON CONFLICT")
		if t := spec.Load.Conflict.TargetColumns; len(t) > 0 {
			b.WriteString(" (")
			b.WriteString(joinIdents(t))
			b.WriteString(")")
		}
		b.WriteString(" DO NOTHING")
	}

	b.WriteString(";")
	return b.String(), args
}

// buildLockSQL locks table against concurrent writers. SHARE ROW EXCLUSIVE
// conflicts with itself and with row writes but not with plain reads.
func buildLockSQL(table string) string {
	return "LOCK TABLE " + pgTableIdent(table) + " IN SHARE ROW EXCLUSIVE MODE"
}

// buildDedupSQL returns the group query and the per-group delete statement
// used by DeleteDuplicates.
func buildDedupSQL(table, keyColumn, idColumn string) (groupsSQL, deleteSQL string) {
	t, k, id := pgTableIdent(table), pgIdent(keyColumn), pgIdent(idColumn)
	groupsSQL = fmt.Sprintf(
		`SELECT %s, MIN(%s) FROM %s WHERE %s IS NOT NULL GROUP BY %s HAVING COUNT(*) > 1`,
		k, id, t, k, k,
	)
	deleteSQL = fmt.Sprintf(`DELETE FROM %s WHERE %s = $1 AND %s <> $2`, t, k, id)
	return groupsSQL, deleteSQL
}

func joinIdents(cols []string) string {
	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(strings.TrimSpace(c)))
	}
	return b.String()
}
