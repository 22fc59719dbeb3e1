package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"deviceimport/internal/transformer"
	"deviceimport/internal/transformer/builtin"
)

// Options controls the CSV reader.
type Options struct {
	// Comma is the field delimiter. Zero means ','.
	Comma rune
	// LazyQuotes tolerates bare quotes inside unquoted fields. Export tools
	// emit these for chat text, so callers usually enable it.
	LazyQuotes bool
	// TrimSpace trims leading/trailing whitespace of every field.
	TrimSpace bool
}

// StreamCSVRows streams CSV records from src into pooled rows.
//
// The first record is the header: it is BOM-stripped and trimmed, then passed
// to onHeader before any data row is sent. If onHeader returns an error the
// stream stops and that error is returned unchanged.
//
// Malformed lines are reported through onErr and skipped; they never stop the
// stream. Data rows are padded or truncated to the header width. Blank lines
// are skipped by encoding/csv itself.
//
// On ctx cancellation in-flight rows are dropped, not re-pooled.
func StreamCSVRows(
	ctx context.Context,
	src io.ReadCloser,
	opt Options,
	onHeader func(header []string) error,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	defer src.Close()

	cr := csv.NewReader(src)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.ReuseRecord = true
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1

	var line int
	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	hdr, err := readRec()
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("read header: empty file")
		}
		if onErr != nil {
			onErr(line, fmt.Errorf("read header: %w", err))
		}
		return fmt.Errorf("read header: %w", err)
	}

	header := make([]string, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		header[i] = strings.TrimSpace(h)
	}
	if onHeader != nil {
		if err := onHeader(header); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		row := transformer.GetRow(len(header))
		row.Line = line
		for i := range header {
			if i >= len(rec) {
				break
			}
			v := rec[i]
			if opt.TrimSpace && builtin.HasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			row.Fields[i] = v
		}

		select {
		case out <- row:
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
}
