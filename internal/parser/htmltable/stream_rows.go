// Package htmltable reads exports saved as an HTML table. Several monitoring
// tools produce ".xls" downloads that are really HTML documents.
package htmltable

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"deviceimport/internal/transformer"
)

// Options controls the HTML table reader.
type Options struct {
	// Selector picks the table element. Empty means the first "table".
	Selector string
	// HeaderRowOffset is the number of <tr> rows above the header row.
	HeaderRowOffset int
}

// StreamTableRows parses the document in src and streams the rows of the
// selected table. Cell text is whitespace-collapsed. The header is the first
// row after HeaderRowOffset, whether it uses <th> or <td> cells.
//
// Missing tables are an error; empty rows are skipped.
func StreamTableRows(
	ctx context.Context,
	src io.Reader,
	opt Options,
	onHeader func(header []string) error,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	doc, err := goquery.NewDocumentFromReader(src)
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}

	sel := opt.Selector
	if sel == "" {
		sel = "table"
	}
	table := doc.Find(sel).First()
	if table.Length() == 0 {
		return fmt.Errorf("parse html: no element matches %q", sel)
	}

	var (
		header  []string
		loopErr error
	)

	table.Find("tr").EachWithBreak(func(i int, tr *goquery.Selection) bool {
		line := i + 1
		if err := ctx.Err(); err != nil {
			loopErr = err
			return false
		}

		cells := cellTexts(tr)

		if header == nil {
			if line <= opt.HeaderRowOffset {
				return true
			}
			if len(cells) == 0 {
				return true
			}
			header = cells
			if onHeader != nil {
				if err := onHeader(header); err != nil {
					loopErr = err
					return false
				}
			}
			return true
		}

		if len(cells) == 0 || blank(cells) {
			return true
		}
		if len(cells) > len(header) && onErr != nil {
			onErr(line, fmt.Errorf("html row has %d cells, header has %d", len(cells), len(header)))
		}

		row := transformer.GetRow(len(header))
		row.Line = line
		for j := range header {
			if j < len(cells) {
				row.Fields[j] = cells[j]
			}
		}

		select {
		case out <- row:
			return true
		case <-ctx.Done():
			row.Drop()
			loopErr = ctx.Err()
			return false
		}
	})

	if loopErr != nil {
		return loopErr
	}
	if header == nil {
		return fmt.Errorf("read header: table has no header row")
	}
	return nil
}

func cellTexts(tr *goquery.Selection) []string {
	var cells []string
	tr.Find("th, td").Each(func(_ int, c *goquery.Selection) {
		cells = append(cells, strings.Join(strings.Fields(c.Text()), " "))
	})
	return cells
}

func blank(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
