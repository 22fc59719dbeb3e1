package normalize

import (
	"context"

	"deviceimport/internal/transformer"
	"deviceimport/internal/transformer/builtin"
	"deviceimport/pkg/records"
)

// Stream normalizes rows of one kind until in is closed or ctx is done.
//
// Each accepted record gets its content hash and is sent on out. Rejected
// rows, including in-file duplicates, go to onReject. Every row received is
// returned to the pool once normalized. Stream does not close out.
func Stream(
	ctx context.Context,
	n *Normalizer,
	kind records.Kind,
	header []string,
	in <-chan *transformer.Row,
	out chan<- records.Record,
	onReject func(Rejection),
) error {
	index := HeaderIndex(header)
	dedupe := DeduperFor(kind)

	for {
		var row *transformer.Row
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case row, ok = <-in:
			if !ok {
				return nil
			}
		}

		rec, rej := n.Normalize(kind, fieldRow{index: index, fields: row.Fields})
		line := row.Line
		row.Free()

		if rej != nil {
			rej.Line = line
			if onReject != nil {
				onReject(*rej)
			}
			continue
		}
		if dedupe.Seen(rec) {
			if onReject != nil {
				onReject(Rejection{Line: line, Kind: kind, Reason: ReasonDuplicateInFile})
			}
			continue
		}

		builtin.ContentHash.Apply(rec)

		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
