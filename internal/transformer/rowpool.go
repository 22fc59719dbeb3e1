// Package transformer holds the pooled row type that flows from the table
// readers to the record normalizer.
package transformer

import "sync"

// Row is a pooled container holding one raw data row as read from a file.
// Fields are positional and aligned with the header the reader reported.
//
// Ownership contract:
//   - Exactly one goroutine owns a Row at a time.
//   - A Row may be passed downstream via channels (ownership transfer).
//   - The final consumer (the normalizer) calls Free once it has copied out
//     everything it needs.
//
// On context cancellation use Drop instead of Free: a stage that is still
// draining may read a Row that upstream would otherwise reuse.
type Row struct {
	Fields []string
	Line   int // 1-based physical line or sheet row, if known
}

var rowPool sync.Pool

// GetRow returns a pooled Row with len(Fields) == colCount and every field
// cleared.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.Fields) < colCount {
			r.Fields = make([]string, colCount)
		}
		r.Fields = r.Fields[:colCount]
		clear(r.Fields)
		r.Line = 0
		return r
	}
	return &Row{Fields: make([]string, colCount)}
}

// Get returns field i, or "" when the row is shorter than the header.
func (r *Row) Get(i int) string {
	if i < 0 || i >= len(r.Fields) {
		return ""
	}
	return r.Fields[i]
}

// Free returns the Row to the pool.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop discards the Row without returning it to the pool.
func (r *Row) Drop() {
	r.Fields = nil
	r.Line = 0
}
