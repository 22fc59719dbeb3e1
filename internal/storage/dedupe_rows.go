package storage

import (
	"fmt"
	"strings"
)

// DedupeRowsByColumns keeps the first row for every distinct value of
// keyColumns and preserves the order of first occurrences.
//
// Rows with a NULL in any key column are always kept: NULLs never collide in
// a unique index.
//
// A single statement must not touch the same key twice: Postgres rejects an
// upsert that would update one row twice, and SQL Server's NOT EXISTS insert
// would try to insert both copies.
//
// Errors:
//   - If a key column is not present in columns.
func DedupeRowsByColumns(rows [][]any, columns []string, keyColumns []string) ([][]any, error) {
	if len(keyColumns) == 0 || len(rows) < 2 {
		return rows, nil
	}

	pos := make([]int, len(keyColumns))
	for i, kc := range keyColumns {
		found := -1
		for j, c := range columns {
			if c == kc {
				found = j
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("dedupe column %q not present in columns", kc)
		}
		pos[i] = found
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	var b strings.Builder
next:
	for _, row := range rows {
		b.Reset()
		for i, p := range pos {
			if row[p] == nil {
				out = append(out, row)
				continue next
			}
			if i > 0 {
				b.WriteByte('\x1f')
			}
			b.WriteString(NormalizeKey(row[p]))
		}
		k := b.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}
