// Package json reads exports saved as JSON. Three shapes are accepted:
//
//   - a root array of objects, streamed element by element
//   - a root envelope object whose first array-of-objects field holds the
//     records ({"calls": [...]})
//   - JSON Lines: one object per line
//
// Every record object becomes one row. The header is the key set of the first
// record.
package json

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"deviceimport/internal/transformer"
)

// Options controls the JSON reader.
type Options struct {
	// ArrayJoinSeparator flattens arrays of strings into one field. Empty
	// means ", ".
	ArrayJoinSeparator string
}

var errNotObject = errors.New("json: record is not an object")

// StreamJSONRows streams the records in src into pooled rows. It follows the
// shared reader contract: onHeader sees the header first, data rows are sent
// aligned to it, and records that are not objects are reported through onErr
// and skipped. Keys missing from a record leave the field empty; keys not in
// the header are ignored.
//
// Line numbers are 1-based record ordinals, not physical lines.
//
// A root array is never held in memory as a whole. A root object is decoded
// in full before its records are sent.
func StreamJSONRows(
	ctx context.Context,
	src io.Reader,
	opt Options,
	onHeader func(header []string) error,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	sep := opt.ArrayJoinSeparator
	if sep == "" {
		sep = ", "
	}
	e := &emitter{ctx: ctx, out: out, onHeader: onHeader, onErr: onErr, sep: sep}

	br := bufio.NewReader(src)
	first, err := firstNonSpace(br)
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("json: read: %w", err)
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()

	switch first {
	case '[':
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("json: read array start: %w", err)
		}
		if err := streamArrayOfObjects(ctx, dec, e); err != nil {
			return err
		}
		if end, err := dec.Token(); err != nil {
			return fmt.Errorf("json: read array end: %w", err)
		} else if end != json.Delim(']') {
			return fmt.Errorf("json: expected array end ']', got %v", end)
		}
		return streamTrailingObjects(dec, e)

	case '{':
		var root json.RawMessage
		if err := dec.Decode(&root); err != nil {
			return fmt.Errorf("json: decode root object: %w", err)
		}
		keys, obj, err := decodeObject(root)
		if err != nil {
			return err
		}
		if recs, ok := envelopeRecords(keys, obj); ok {
			for _, rec := range recs {
				if err := e.emit(rec, sortedKeys(rec)); err != nil {
					return err
				}
			}
			return nil
		}
		if err := e.emit(obj, keys); err != nil {
			return err
		}
		return streamTrailingObjects(dec, e)

	default:
		return fmt.Errorf("json: unsupported root %q (want object or array)", first)
	}
}

// emitter turns decoded objects into rows.
type emitter struct {
	ctx      context.Context
	out      chan<- *transformer.Row
	onHeader func([]string) error
	onErr    func(int, error)
	sep      string

	header []string
	index  map[string]int
	line   int
}

func (e *emitter) emit(obj map[string]any, keys []string) error {
	e.line++
	if e.header == nil {
		e.header = make([]string, 0, len(keys))
		e.index = make(map[string]int, len(keys))
		for _, k := range keys {
			k = strings.TrimSpace(k)
			if _, dup := e.index[k]; dup {
				continue
			}
			e.index[k] = len(e.header)
			e.header = append(e.header, k)
		}
		if e.onHeader != nil {
			if err := e.onHeader(e.header); err != nil {
				return err
			}
		}
	}

	row := transformer.GetRow(len(e.header))
	row.Line = e.line
	for k, v := range obj {
		if i, ok := e.index[strings.TrimSpace(k)]; ok {
			row.Fields[i] = normalizeScalarJSONValue(v, e.sep)
		}
	}

	select {
	case e.out <- row:
		return nil
	case <-e.ctx.Done():
		row.Drop()
		return e.ctx.Err()
	}
}

// raw decodes and emits one record. Malformed records are reported and
// skipped; null records are skipped silently.
func (e *emitter) raw(raw json.RawMessage) error {
	keys, obj, err := decodeObject(raw)
	if err != nil {
		e.line++
		if e.onErr != nil {
			e.onErr(e.line, err)
		}
		return nil
	}
	if obj == nil {
		return nil
	}
	return e.emit(obj, keys)
}

// streamArrayOfObjects streams elements of the current array (after '[' has
// been consumed), one element in memory at a time.
func streamArrayOfObjects(ctx context.Context, dec *json.Decoder, e *emitter) error {
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("json: decode array element %d: %w", e.line+1, err)
		}
		if err := e.raw(raw); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// streamTrailingObjects reads JSON Lines records until EOF.
func streamTrailingObjects(dec *json.Decoder, e *emitter) error {
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("json: decode record %d: %w", e.line+1, err)
		}
		if err := e.raw(raw); err != nil {
			return err
		}
	}
}

// decodeObject decodes one object, keeping its keys in document order. A
// JSON null yields a nil map and no error.
func decodeObject(raw json.RawMessage) ([]string, map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("json: read record: %w", err)
	}
	if tok == nil {
		return nil, nil, nil
	}
	if tok != json.Delim('{') {
		return nil, nil, fmt.Errorf("%w (got %v)", errNotObject, tok)
	}

	var keys []string
	obj := make(map[string]any)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("json: read object key: %w", err)
		}
		k, ok := kt.(string)
		if !ok {
			return nil, nil, fmt.Errorf("json: object key not a string (got %T)", kt)
		}
		vt, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("json: read object value: %w", err)
		}
		v, err := materializeValueFromFirstToken(dec, vt)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := obj[k]; !dup {
			keys = append(keys, k)
		}
		obj[k] = v
	}
	return keys, obj, nil
}

// envelopeRecords returns the first field, in document order, whose value is
// a non-empty array holding only objects.
func envelopeRecords(keys []string, obj map[string]any) ([]map[string]any, bool) {
	for _, k := range keys {
		arr, ok := obj[k].([]any)
		if !ok || len(arr) == 0 {
			continue
		}
		recs := make([]map[string]any, 0, len(arr))
		for _, it := range arr {
			m, ok := it.(map[string]any)
			if !ok {
				recs = nil
				break
			}
			recs = append(recs, m)
		}
		if recs != nil {
			return recs, true
		}
	}
	return nil, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// materializeValueFromFirstToken builds a Go value for the current JSON value,
// given the first token has already been read.
func materializeValueFromFirstToken(dec *json.Decoder, tok any) (any, error) {
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	switch d {
	case '{':
		m := make(map[string]any)
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested object key: %w", err)
			}
			k, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("json: nested object key not string (got %T)", kt)
			}
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested object value token: %w", err)
			}
			v, err := materializeValueFromFirstToken(dec, vt)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		end, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json: read nested object end: %w", err)
		}
		if end != json.Delim('}') {
			return nil, fmt.Errorf("json: expected '}', got %v", end)
		}
		return m, nil

	case '[':
		arr := []any{}
		for dec.More() {
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested array value token: %w", err)
			}
			v, err := materializeValueFromFirstToken(dec, vt)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		end, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json: read nested array end: %w", err)
		}
		if end != json.Delim(']') {
			return nil, fmt.Errorf("json: expected ']', got %v", end)
		}
		return arr, nil

	default:
		return nil, fmt.Errorf("json: unexpected delimiter %q", d)
	}
}

// normalizeScalarJSONValue renders a decoded value as the text a spreadsheet
// export would carry. Arrays of strings are joined with sep; other arrays and
// objects are rendered as compact JSON.
func normalizeScalarJSONValue(v any, sep string) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)

	case []any:
		ss := make([]string, 0, len(t))
		for _, it := range t {
			if it == nil {
				continue
			}
			s, ok := it.(string)
			if !ok {
				return compactJSON(v)
			}
			ss = append(ss, s)
		}
		return strings.Join(ss, sep)

	default:
		return compactJSON(v)
	}
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// firstNonSpace peeks past leading whitespace and a UTF-8 BOM without
// consuming the first significant byte.
func firstNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = br.ReadByte()
			continue
		case 0xEF:
			bom, err := br.Peek(3)
			if err == nil && bom[1] == 0xBB && bom[2] == 0xBF {
				_, _ = br.Discard(3)
				continue
			}
		}
		return b[0], nil
	}
}
