// Package parser routes an export file to the reader for its format.
//
// Every reader shares one contract: onHeader receives the header row before
// any data row, data rows arrive on out as pooled *transformer.Row values
// aligned to that header, and malformed lines are reported through onErr and
// skipped.
package parser

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"deviceimport/internal/encoding"
	"deviceimport/internal/parser/csv"
	"deviceimport/internal/parser/htmltable"
	jsonrows "deviceimport/internal/parser/json"
	"deviceimport/internal/parser/xlsx"
	"deviceimport/internal/transformer"
)

// ErrUnsupportedFormat is returned for file types no reader handles.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// errHeaderOnly stops a stream once the header has been seen.
var errHeaderOnly = errors.New("header only")

type Format int

const (
	FormatUnknown Format = iota
	FormatCSV
	FormatXLSX
	FormatHTML
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatXLSX:
		return "xlsx"
	case FormatHTML:
		return "html"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

var (
	zipMagic = []byte("PK\x03\x04")
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0}
)

// Options are the reader settings shared across formats.
type Options struct {
	// Encoding of text formats (csv, html, json). Empty means UTF-8.
	Encoding string
	// Comma is the CSV delimiter. Zero means ','.
	Comma rune
	// HeaderRowOffset is the number of rows above the header in spreadsheet
	// and HTML exports.
	HeaderRowOffset int
}

// DetectFormat picks a format from the file extension. ".xls" is ambiguous:
// the first bytes decide between a zipped workbook, a legacy binary workbook
// (unsupported) and an HTML table export.
func DetectFormat(path string, head []byte) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".html", ".htm":
		return FormatHTML, nil
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON, nil
	case ".xls":
		switch {
		case bytes.HasPrefix(head, zipMagic):
			return FormatXLSX, nil
		case bytes.HasPrefix(head, oleMagic):
			return FormatUnknown, fmt.Errorf("%w: legacy binary workbook %s", ErrUnsupportedFormat, filepath.Base(path))
		default:
			return FormatHTML, nil
		}
	default:
		return FormatUnknown, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}
}

// Read opens path and streams it through the matching reader.
func Read(
	ctx context.Context,
	path string,
	opt Options,
	onHeader func(header []string) error,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", encoding.ErrFileAccess, path, err)
	}

	br := bufio.NewReader(f)
	head, _ := br.Peek(8)

	format, err := DetectFormat(path, head)
	if err != nil {
		_ = f.Close()
		return err
	}

	src := struct {
		io.Reader
		io.Closer
	}{br, f}

	switch format {
	case FormatCSV:
		dec := io.NopCloser(encoding.NewDecodingReader(src, opt.Encoding))
		err = csv.StreamCSVRows(ctx, dec, csv.Options{
			Comma:      opt.Comma,
			LazyQuotes: true,
			TrimSpace:  true,
		}, onHeader, out, onErr)
		_ = f.Close()
		return err

	case FormatXLSX:
		defer f.Close()
		return xlsx.StreamXLSXRows(ctx, src, xlsx.Options{HeaderRowOffset: opt.HeaderRowOffset}, onHeader, out, onErr)

	case FormatHTML:
		defer f.Close()
		return htmltable.StreamTableRows(ctx, encoding.NewDecodingReader(src, opt.Encoding),
			htmltable.Options{HeaderRowOffset: opt.HeaderRowOffset}, onHeader, out, onErr)

	case FormatJSON:
		defer f.Close()
		return jsonrows.StreamJSONRows(ctx, encoding.NewDecodingReader(src, opt.Encoding),
			jsonrows.Options{}, onHeader, out, onErr)
	}
	_ = f.Close()
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// ReadHeader returns only the header row of path.
func ReadHeader(ctx context.Context, path string, opt Options) ([]string, error) {
	var header []string
	sink := make(chan *transformer.Row)
	err := Read(ctx, path, opt, func(h []string) error {
		header = append([]string(nil), h...)
		return errHeaderOnly
	}, sink, nil)
	if errors.Is(err, errHeaderOnly) {
		return header, nil
	}
	if err == nil {
		return nil, fmt.Errorf("read header: %s has no header", path)
	}
	return nil, err
}
