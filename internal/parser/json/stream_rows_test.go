package json

import (
	"context"
	"errors"
	"strings"
	"testing"

	"deviceimport/internal/transformer"
)

func collect(t *testing.T, ctx context.Context, input string, opt Options) (header []string, rows [][]string, lines []int, errLines []int, err error) {
	t.Helper()

	out := make(chan *transformer.Row, 64)
	err = StreamJSONRows(ctx, strings.NewReader(input), opt,
		func(h []string) error {
			header = append([]string(nil), h...)
			return nil
		},
		out,
		func(line int, _ error) { errLines = append(errLines, line) },
	)
	close(out)
	for r := range out {
		rows = append(rows, append([]string(nil), r.Fields...))
		lines = append(lines, r.Line)
		r.Free()
	}
	return header, rows, lines, errLines, err
}

func TestStreamJSONRows_RootArrayKeepsKeyOrder(t *testing.T) {
	t.Parallel()

	in := `[
  {"Call type": "Incoming", "Time": "Feb 3, 10:00 AM", "Duration": 45, "Missed": false},
  {"Time": "Feb 4, 09:00 AM", "Call type": "Outgoing", "Extra": "ignored"}
]`
	header, rows, lines, errLines, err := collect(t, context.Background(), in, Options{})
	if err != nil {
		t.Fatalf("StreamJSONRows: %v", err)
	}
	if len(errLines) != 0 {
		t.Fatalf("unexpected errors at %v", errLines)
	}
	if got := strings.Join(header, "|"); got != "Call type|Time|Duration|Missed" {
		t.Fatalf("header=%q", got)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(rows))
	}
	if got := strings.Join(rows[0], "|"); got != "Incoming|Feb 3, 10:00 AM|45|false" {
		t.Fatalf("row 1=%q", got)
	}
	if got := strings.Join(rows[1], "|"); got != "Outgoing|Feb 4, 09:00 AM||" {
		t.Fatalf("row 2=%q", got)
	}
	if lines[0] != 1 || lines[1] != 2 {
		t.Fatalf("lines=%v", lines)
	}
}

func TestStreamJSONRows_Envelope(t *testing.T) {
	t.Parallel()

	in := "\uFEFF" + `{"exported": "2023-06-01", "count": 2, "chats": [
  {"Sender": "Ann", "Text": "hi", "Tags": ["a", "b"]},
  {"Sender": "Bob", "Text": null, "Meta": {"k": 1}}
]}`
	header, rows, _, _, err := collect(t, context.Background(), in, Options{ArrayJoinSeparator: ";"})
	if err != nil {
		t.Fatalf("StreamJSONRows: %v", err)
	}
	// envelope records carry no key order, so the header is sorted
	if got := strings.Join(header, "|"); got != "Sender|Tags|Text" {
		t.Fatalf("header=%q", got)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(rows))
	}
	if rows[0][1] != "a;b" {
		t.Fatalf("tags=%q, want joined", rows[0][1])
	}
	if rows[1][2] != "" {
		t.Fatalf("null text=%q, want empty", rows[1][2])
	}
}

func TestStreamJSONRows_JSONLinesSkipsNonObjects(t *testing.T) {
	t.Parallel()

	in := `{"Name": "Ann", "Phone Number": "555-0100", "Labels": ["x", 1]}
"oops"
null
{"Name": "Bob", "Phone Number": 5550101}
`
	header, rows, lines, errLines, err := collect(t, context.Background(), in, Options{})
	if err != nil {
		t.Fatalf("StreamJSONRows: %v", err)
	}
	if got := strings.Join(header, "|"); got != "Name|Phone Number|Labels" {
		t.Fatalf("header=%q", got)
	}
	if len(errLines) != 1 || errLines[0] != 2 {
		t.Fatalf("errLines=%v, want [2]", errLines)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d, want 2", len(rows))
	}
	if rows[0][2] != `["x",1]` {
		t.Fatalf("mixed array=%q, want compact JSON", rows[0][2])
	}
	if rows[1][1] != "5550101" || lines[1] != 3 {
		t.Fatalf("row=%q line=%d", rows[1], lines[1])
	}
}

func TestStreamJSONRows_EmptyInput(t *testing.T) {
	t.Parallel()

	header, rows, _, _, err := collect(t, context.Background(), "  \n", Options{})
	if err != nil || header != nil || rows != nil {
		t.Fatalf("header=%q rows=%q err=%v", header, rows, err)
	}
}

func TestStreamJSONRows_UnsupportedRoot(t *testing.T) {
	t.Parallel()

	if _, _, _, _, err := collect(t, context.Background(), `"just a string"`, Options{}); err == nil {
		t.Fatal("expected error for scalar root")
	}
}

func TestStreamJSONRows_TruncatedArrayFails(t *testing.T) {
	t.Parallel()

	_, rows, _, _, err := collect(t, context.Background(), `[{"a": 1}, {"a": `, Options{})
	if err == nil {
		t.Fatal("expected error for truncated input")
	}
	if len(rows) != 1 {
		t.Fatalf("rows=%d, want the complete record only", len(rows))
	}
}

func TestStreamJSONRows_HeaderCallbackErrorStops(t *testing.T) {
	t.Parallel()

	stop := errors.New("stop")
	out := make(chan *transformer.Row, 4)
	err := StreamJSONRows(context.Background(), strings.NewReader(`[{"a":1},{"a":2}]`), Options{},
		func([]string) error { return stop }, out, nil)
	if !errors.Is(err, stop) {
		t.Fatalf("err=%v, want stop", err)
	}
	if len(out) != 0 {
		t.Fatalf("rows sent after header error: %d", len(out))
	}
}

func TestStreamJSONRows_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan *transformer.Row)
	err := StreamJSONRows(ctx, strings.NewReader(`[{"a":1},{"a":2}]`), Options{}, nil, out, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}
