package normalize

import "deviceimport/pkg/records"

// Deduper drops records whose natural key was already seen in the same file.
// Upserting tables need this: a multi-row upsert cannot touch the same
// conflict key twice in one statement.
type Deduper struct {
	key  func(records.Record) string
	seen map[string]struct{}
}

// AppDeduper deduplicates applications by package name.
func AppDeduper() *Deduper {
	return &Deduper{key: func(r records.Record) string {
		if a, ok := r.(*records.Application); ok {
			return a.PackageName
		}
		return ""
	}}
}

// ContactDeduper deduplicates contacts by name.
func ContactDeduper() *Deduper {
	return &Deduper{key: func(r records.Record) string {
		if c, ok := r.(*records.Contact); ok {
			return c.Name
		}
		return ""
	}}
}

// DeduperFor returns the in-file deduper for kind, or nil when the kind has no
// natural key that an insert statement could hit twice.
func DeduperFor(kind records.Kind) *Deduper {
	switch kind {
	case records.KindApplication:
		return AppDeduper()
	case records.KindContact:
		return ContactDeduper()
	}
	return nil
}

// Seen records rec's key and reports whether it was seen before. A nil
// Deduper never reports duplicates.
func (d *Deduper) Seen(rec records.Record) bool {
	if d == nil {
		return false
	}
	k := d.key(rec)
	if k == "" {
		return false
	}
	if d.seen == nil {
		d.seen = make(map[string]struct{})
	}
	if _, ok := d.seen[k]; ok {
		return true
	}
	d.seen[k] = struct{}{}
	return false
}

// Len returns the number of distinct keys seen.
func (d *Deduper) Len() int {
	if d == nil {
		return 0
	}
	return len(d.seen)
}
