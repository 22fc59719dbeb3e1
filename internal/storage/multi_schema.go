// TableSpec types live here so the importer and every backend package can
// import them without circular deps.
package storage

// TableSpec describes one destination table: its columns, uniqueness rules,
// secondary indexes and the insert policy the batch importer applies.
type TableSpec struct {
	Name            string           `json:"name"`
	AutoCreateTable bool             `json:"auto_create_table"`
	PrimaryKey      *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns         []ColumnSpec     `json:"columns"`
	Constraints     []ConstraintSpec `json:"constraints,omitempty"`
	Indexes         []IndexSpec      `json:"indexes,omitempty"`
	Load            LoadSpec         `json:"load"`
}

// PrimaryKeySpec is always a synthetic auto-increment key.
type PrimaryKeySpec struct {
	Name string `json:"name"`
}

// ColumnType is a backend-neutral column type. Each backend maps it to its
// own SQL type.
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeTimestamp ColumnType = "timestamp"
	TypeInteger   ColumnType = "integer"
	TypeHash      ColumnType = "hash" // fixed 64-char hex digest
)

type ColumnSpec struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable *bool      `json:"nullable,omitempty"`
}

// IsNullable treats a nil Nullable as NOT NULL.
func (c ColumnSpec) IsNullable() bool {
	return c.Nullable != nil && *c.Nullable
}

type ConstraintSpec struct {
	Kind    string   `json:"kind"` // "unique"
	Columns []string `json:"columns"`
}

// IndexSpec is a secondary index. With NotNull set the index is partial
// (filtered on SQL Server) and only covers rows where every listed column is
// non-NULL.
type IndexSpec struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
	NotNull []string `json:"not_null,omitempty"`
}

// Load kinds.
const (
	LoadInsert = "insert"
	LoadUpsert = "upsert"
)

// Conflict actions.
const (
	ActionNothing = "do_nothing"
	ActionUpdate  = "update"
)

type LoadSpec struct {
	Kind     string        `json:"kind"` // "insert" | "upsert"
	Conflict *ConflictSpec `json:"conflict,omitempty"`
}

// ConflictSpec says what happens when an inserted row hits a unique key.
//
// An empty TargetColumns with ActionNothing ignores a conflict on any unique
// constraint or index. ActionUpdate requires TargetColumns and rewrites
// UpdateColumns from the incoming row. Columns also listed in KeepLatest only
// move forward: a NULL or earlier incoming value leaves the stored one.
type ConflictSpec struct {
	TargetColumns []string `json:"target_columns,omitempty"`
	Action        string   `json:"action"`
	UpdateColumns []string `json:"update_columns,omitempty"`
	KeepLatest    []string `json:"keep_latest,omitempty"`
}

// KeepsLatest reports whether col is only replaced by a later value.
func (c *ConflictSpec) KeepsLatest(col string) bool {
	if c == nil {
		return false
	}
	for _, k := range c.KeepLatest {
		if k == col {
			return true
		}
	}
	return false
}

// ColumnNames returns the insertable column names in declaration order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// IgnoresConflicts reports whether the load silently skips rows that collide
// with a unique key.
func (t TableSpec) IgnoresConflicts() bool {
	return t.Load.Conflict != nil && t.Load.Conflict.Action == ActionNothing
}

// Upserts reports whether the load updates rows that collide with the
// conflict target.
func (t TableSpec) Upserts() bool {
	return t.Load.Kind == LoadUpsert && t.Load.Conflict != nil &&
		t.Load.Conflict.Action == ActionUpdate && len(t.Load.Conflict.TargetColumns) > 0
}

// UniqueKeys returns the column sets of every unique constraint and unique
// index, constraints first.
func (t TableSpec) UniqueKeys() [][]string {
	var out [][]string
	for _, c := range t.Constraints {
		if c.Kind == "unique" && len(c.Columns) > 0 {
			out = append(out, c.Columns)
		}
	}
	for _, ix := range t.Indexes {
		if ix.Unique && len(ix.Columns) > 0 {
			out = append(out, ix.Columns)
		}
	}
	return out
}

// ConflictColumns returns the key an ignoring insert is judged against: the
// explicit conflict target, or else the first unique key.
func (t TableSpec) ConflictColumns() []string {
	if t.Load.Conflict != nil && len(t.Load.Conflict.TargetColumns) > 0 {
		return t.Load.Conflict.TargetColumns
	}
	if keys := t.UniqueKeys(); len(keys) > 0 {
		return keys[0]
	}
	return nil
}
