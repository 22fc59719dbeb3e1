package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NormalizeKey renders one conflict-key value the same way for every backend,
// so in-batch dedup agrees with what the unique index will see. Record values
// arrive as strings, integers, times (possibly *time.Time) or nil.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
