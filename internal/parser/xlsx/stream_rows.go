// Package xlsx reads spreadsheet exports.
package xlsx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"deviceimport/internal/transformer"
)

// Options controls the spreadsheet reader.
type Options struct {
	// HeaderRowOffset is the number of rows above the header row. Some export
	// tools put a title row first.
	HeaderRowOffset int
	// Sheet selects a sheet by name. Empty means the first sheet.
	Sheet string
}

// StreamXLSXRows streams the rows of one sheet into pooled rows. It follows the
// same header/data contract as the CSV reader: onHeader sees the trimmed
// header first, then data rows are sent aligned to it. Rows whose cells are
// all blank are skipped. Date-formatted data cells are sent as
// "2006-01-02 15:04:05" whatever their display format.
//
// The workbook is opened from src in full; excelize needs random access to
// the zip container.
func StreamXLSXRows(
	ctx context.Context,
	src io.Reader,
	opt Options,
	onHeader func(header []string) error,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	wb, err := excelize.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = wb.Close() }()

	sheet := opt.Sheet
	if sheet == "" {
		sheets := wb.GetSheetList()
		if len(sheets) == 0 {
			return errors.New("open workbook: no sheets")
		}
		sheet = sheets[0]
	}

	iter, err := wb.Rows(sheet)
	if err != nil {
		return fmt.Errorf("open rows for sheet %s: %w", sheet, err)
	}
	defer func() { _ = iter.Close() }()

	var (
		line   int
		header []string
		dates  = newDateCells(wb, sheet)
	)

	for iter.Next() {
		line++

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cells, err := iter.Columns()
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("xlsx read: %w", err))
			}
			continue
		}

		if header == nil {
			if line <= opt.HeaderRowOffset {
				continue
			}
			header = make([]string, len(cells))
			for i, c := range cells {
				header[i] = strings.TrimSpace(c)
			}
			if onHeader != nil {
				if err := onHeader(header); err != nil {
					return err
				}
			}
			continue
		}

		if allBlank(cells) {
			continue
		}

		row := transformer.GetRow(len(header))
		row.Line = line
		for i := range header {
			if i < len(cells) {
				row.Fields[i] = strings.TrimSpace(dates.value(i+1, line, cells[i]))
			}
		}

		select {
		case out <- row:
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("xlsx rows: %w", err)
	}
	if header == nil {
		return fmt.Errorf("read header: sheet %s has no header row", sheet)
	}
	return nil
}

func allBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
