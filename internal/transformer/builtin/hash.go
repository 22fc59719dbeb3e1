// Package builtin contains small, reusable transforms used by the import pipeline.
package builtin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"deviceimport/pkg/records"
)

// Hash computes a deterministic SHA-256 content hash over a record's identity
// fields. The digest is stored in the content_hash column of every table and is
// the grouping key for the deduplication pass.
//
// Canonicalization rules:
//   - Fields are concatenated in the given order using Separator.
//   - With IncludeFieldNames each component is "name=value".
//   - nil, empty strings and zero times are all encoded as a single NUL byte
//     (0x00). Records use "" for an absent optional field.
//   - time.Time values are encoded as RFC3339Nano in UTC.
//   - Output is a lowercase hex string (length 64).
type Hash struct {
	// IncludeFieldNames includes "field=value" in the canonical form.
	IncludeFieldNames bool

	// Separator used between field components. Defaults to ASCII Unit
	// Separator (0x1f).
	Separator string

	// TrimSpace trims leading/trailing whitespace of string values.
	TrimSpace bool
}

// ContentHash is the canonical hash used for persisted records.
var ContentHash = Hash{IncludeFieldNames: true, TrimSpace: true}

// Sum returns the hex digest of fields.
func (h Hash) Sum(fields []records.Field) string {
	sep := h.Separator
	if sep == "" {
		sep = "\x1f"
	}

	var b strings.Builder
	b.Grow(len(fields) * 24)

	for i, f := range fields {
		if i > 0 {
			b.WriteString(sep)
		}
		if h.IncludeFieldNames {
			b.WriteString(f.Name)
			b.WriteByte('=')
		}
		appendCanonicalValue(&b, f.Value, h.TrimSpace)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Apply hashes rec's identity fields and stores the digest on the record.
func (h Hash) Apply(rec records.Record) {
	if rec == nil {
		return
	}
	rec.SetContentHash(h.Sum(rec.IdentityFields()))
}

// appendCanonicalValue appends a stable, canonical representation of v.
// It avoids fmt.Sprint for common types to reduce allocations.
func appendCanonicalValue(b *strings.Builder, v any, trimSpace bool) {
	switch t := v.(type) {
	case nil:
		b.WriteByte('\x00')

	case string:
		if trimSpace && HasEdgeSpace(t) {
			t = strings.TrimSpace(t)
		}
		if t == "" {
			b.WriteByte('\x00')
			return
		}
		b.WriteString(t)

	case bool:
		b.WriteString(strconv.FormatBool(t))

	case int:
		b.WriteString(strconv.Itoa(t))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))

	case time.Time:
		if t.IsZero() {
			b.WriteByte('\x00')
			return
		}
		b.WriteString(t.UTC().Format(time.RFC3339Nano))

	case *time.Time:
		if t == nil {
			b.WriteByte('\x00')
			return
		}
		appendCanonicalValue(b, *t, trimSpace)

	default:
		b.WriteString(fmt.Sprint(t))
	}
}

// HasEdgeSpace reports whether s starts or ends with ASCII whitespace. It lets
// hot paths skip strings.TrimSpace for the common already-clean case.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isSpace(s[0]) || isSpace(s[len(s)-1])
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
