package storage

import (
	"fmt"

	"deviceimport/pkg/records"
)

func nullable() *bool {
	v := true
	return &v
}

// Catalog returns the table specs for every record kind, in import dependency
// order. Column order matches records.Columns.
//
// Uniqueness per table:
//   - contacts: UNIQUE(name); re-imports refresh last_message_time.
//   - applications: UNIQUE(package_name); re-imports refresh name and date.
//   - calls: none; duplicates are removed by the dedup pass.
//   - chats: UNIQUE(sender, time) where both are present; conflicts ignored.
//   - sms, keylogs: UNIQUE(content_hash); conflicts ignored.
func Catalog() []TableSpec {
	kinds := records.Kinds()
	out := make([]TableSpec, 0, len(kinds))
	for _, k := range kinds {
		t, _ := CatalogFor(k)
		out = append(out, t)
	}
	return out
}

// CatalogFor returns the table spec for one kind.
func CatalogFor(k records.Kind) (TableSpec, bool) {
	name := k.Table()
	t := TableSpec{
		Name:            name,
		AutoCreateTable: true,
		PrimaryKey:      &PrimaryKeySpec{Name: records.IDColumn},
	}
	hashIdx := IndexSpec{Name: "idx_" + name + "_hash", Columns: []string{records.HashColumn}}

	switch k {
	case records.KindContact:
		t.Columns = []ColumnSpec{
			{Name: "name", Type: TypeText},
			{Name: "phone_number", Type: TypeText, Nullable: nullable()},
			{Name: "email", Type: TypeText, Nullable: nullable()},
			{Name: "last_message_time", Type: TypeTimestamp, Nullable: nullable()},
		}
		t.Constraints = []ConstraintSpec{{Kind: "unique", Columns: []string{"name"}}}
		t.Indexes = []IndexSpec{hashIdx}
		t.Load = LoadSpec{Kind: LoadUpsert, Conflict: &ConflictSpec{
			TargetColumns: []string{"name"},
			Action:        ActionUpdate,
			UpdateColumns: []string{"last_message_time"},
			KeepLatest:    []string{"last_message_time"},
		}}

	case records.KindApplication:
		t.Columns = []ColumnSpec{
			{Name: "application_name", Type: TypeText},
			{Name: "package_name", Type: TypeText},
			{Name: "installed_date", Type: TypeTimestamp, Nullable: nullable()},
		}
		t.Constraints = []ConstraintSpec{{Kind: "unique", Columns: []string{"package_name"}}}
		t.Indexes = []IndexSpec{hashIdx}
		t.Load = LoadSpec{Kind: LoadUpsert, Conflict: &ConflictSpec{
			TargetColumns: []string{"package_name"},
			Action:        ActionUpdate,
			UpdateColumns: []string{"application_name", "installed_date"},
		}}

	case records.KindCall:
		t.Columns = []ColumnSpec{
			{Name: "call_type", Type: TypeText},
			{Name: "call_time", Type: TypeTimestamp},
			{Name: "from_to", Type: TypeText, Nullable: nullable()},
			{Name: "duration", Type: TypeInteger},
			{Name: "location", Type: TypeText, Nullable: nullable()},
		}
		t.Indexes = []IndexSpec{hashIdx, {Name: "idx_calls_time", Columns: []string{"call_time"}}}
		t.Load = LoadSpec{Kind: LoadInsert}

	case records.KindChat:
		t.Columns = []ColumnSpec{
			{Name: "messenger", Type: TypeText, Nullable: nullable()},
			{Name: "sender", Type: TypeText, Nullable: nullable()},
			{Name: "recipient", Type: TypeText, Nullable: nullable()},
			{Name: "text", Type: TypeText},
			{Name: "time", Type: TypeTimestamp},
			{Name: "location", Type: TypeText, Nullable: nullable()},
		}
		t.Indexes = []IndexSpec{
			hashIdx,
			{
				Name:    "uq_chats_sender_time",
				Columns: []string{"sender", "time"},
				Unique:  true,
				NotNull: []string{"sender", "time"},
			},
		}
		t.Load = LoadSpec{Kind: LoadInsert, Conflict: &ConflictSpec{Action: ActionNothing}}

	case records.KindSMS:
		t.Columns = []ColumnSpec{
			{Name: "sms_type", Type: TypeText, Nullable: nullable()},
			{Name: "from_to", Type: TypeText, Nullable: nullable()},
			{Name: "text", Type: TypeText},
			{Name: "time", Type: TypeTimestamp},
			{Name: "location", Type: TypeText, Nullable: nullable()},
		}
		t.Constraints = []ConstraintSpec{{Kind: "unique", Columns: []string{records.HashColumn}}}
		t.Load = LoadSpec{Kind: LoadInsert, Conflict: &ConflictSpec{
			TargetColumns: []string{records.HashColumn},
			Action:        ActionNothing,
		}}

	case records.KindKeylog:
		t.Columns = []ColumnSpec{
			{Name: "application", Type: TypeText},
			{Name: "time", Type: TypeTimestamp},
			{Name: "text", Type: TypeText},
		}
		t.Constraints = []ConstraintSpec{{Kind: "unique", Columns: []string{records.HashColumn}}}
		t.Load = LoadSpec{Kind: LoadInsert, Conflict: &ConflictSpec{
			TargetColumns: []string{records.HashColumn},
			Action:        ActionNothing,
		}}

	default:
		return TableSpec{}, false
	}

	t.Columns = append(t.Columns, ColumnSpec{Name: records.HashColumn, Type: TypeHash})
	return t, true
}

// TableFor resolves a table or kind name ("chats" or "chat") to its spec.
func TableFor(name string) (TableSpec, error) {
	k, ok := records.ParseKind(name)
	if !ok {
		return TableSpec{}, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	t, _ := CatalogFor(k)
	return t, nil
}
