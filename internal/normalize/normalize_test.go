package normalize

import (
	"context"
	"testing"
	"time"

	"deviceimport/internal/transformer"
	"deviceimport/pkg/records"
)

func fixedNow() time.Time { return nonLeapYearNow }

func TestNormalize_Call(t *testing.T) {
	t.Parallel()

	n := &Normalizer{Now: fixedNow}
	rec, rej := n.Normalize(records.KindCall, MapRow{
		"call type":      "Incoming",
		"time":           "Feb 29, 10:00 AM",
		"from/to":        " +1 555 ",
		"duration (sec)": "45 Sec",
	})
	if rej != nil {
		t.Fatalf("unexpected rejection: %v", rej)
	}
	call := rec.(*records.Call)
	if call.Duration != 45 {
		t.Fatalf("duration=%d, want 45", call.Duration)
	}
	if want := time.Date(2025, 2, 28, 10, 0, 0, 0, time.UTC); !call.CallTime.Equal(want) {
		t.Fatalf("call_time=%v, want %v", call.CallTime, want)
	}
	if call.FromTo != "+1 555" {
		t.Fatalf("from_to=%q", call.FromTo)
	}
}

func TestNormalize_Contact(t *testing.T) {
	t.Parallel()

	n := &Normalizer{Now: fixedNow}
	rec, rej := n.Normalize(records.KindContact, MapRow{
		"name":           "Alice &amp; Bob",
		"phone number":   "+1 (555) 010-9999",
		"last contacted": "not a date",
	})
	if rej != nil {
		t.Fatalf("unexpected rejection: %v", rej)
	}
	c := rec.(*records.Contact)
	if c.Name != "Alice & Bob" || c.PhoneNumber != "15550109999" {
		t.Fatalf("contact=%+v", c)
	}
	if c.Email != DefaultEmail {
		t.Fatalf("email=%q, want default", c.Email)
	}
	if c.LastMessageTime != nil {
		t.Fatalf("unparseable last contacted should be NULL, got %v", c.LastMessageTime)
	}
}

func TestNormalize_ChatAndApplicationDefaults(t *testing.T) {
	t.Parallel()

	n := &Normalizer{Now: fixedNow}
	rec, rej := n.Normalize(records.KindChat, MapRow{
		"messenger": "WhatsApp", "time": "Mar 1, 9:00 AM", "sender": "Bob", "text": "hi",
	})
	if rej != nil {
		t.Fatalf("unexpected rejection: %v", rej)
	}
	if got := rec.(*records.Chat).Recipient; got != DefaultRecipient {
		t.Fatalf("recipient=%q, want %q", got, DefaultRecipient)
	}

	rec, rej = n.Normalize(records.KindApplication, MapRow{"package name": "com.example.notes"})
	if rej != nil {
		t.Fatalf("unexpected rejection: %v", rej)
	}
	if got := rec.(*records.Application).ApplicationName; got != "com.example.notes" {
		t.Fatalf("application_name=%q", got)
	}
}

func TestNormalize_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		kind   records.Kind
		row    MapRow
		reason Reason
		field  string
	}{
		{
			name:   "keylog_missing_text",
			kind:   records.KindKeylog,
			row:    MapRow{"application": "Notes", "time": "2024-01-01 00:00:00", "text": "  "},
			reason: ReasonMissingField,
			field:  "text",
		},
		{
			name:   "sms_bad_time",
			kind:   records.KindSMS,
			row:    MapRow{"text": "yo", "time": "sometime"},
			reason: ReasonBadTimestamp,
			field:  "time",
		},
		{
			name:   "call_missing_time",
			kind:   records.KindCall,
			row:    MapRow{"call type": "Outgoing"},
			reason: ReasonMissingField,
			field:  "time",
		},
		{
			name:   "call_negative_duration",
			kind:   records.KindCall,
			row:    MapRow{"call type": "Outgoing", "time": "2024-01-01 00:00:00", "duration (sec)": "-3"},
			reason: ReasonTypeCoercion,
			field:  "duration (sec)",
		},
		{
			name:   "chat_invalid_utf8",
			kind:   records.KindChat,
			row:    MapRow{"time": "2024-01-01 00:00:00", "text": "caf\xe9"},
			reason: ReasonTypeCoercion,
			field:  "text",
		},
		{
			name:   "contact_without_name",
			kind:   records.KindContact,
			row:    MapRow{"phone number": "555"},
			reason: ReasonMissingField,
			field:  "name",
		},
		{
			name:   "unknown_kind",
			kind:   records.KindUnknown,
			row:    MapRow{},
			reason: ReasonTypeCoercion,
			field:  "kind",
		},
	}

	n := &Normalizer{Now: fixedNow}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec, rej := n.Normalize(tc.kind, tc.row)
			if rec != nil || rej == nil {
				t.Fatalf("expected rejection, got rec=%v rej=%v", rec, rej)
			}
			if rej.Reason != tc.reason || rej.Field != tc.field {
				t.Fatalf("rejection=%+v, want reason %s field %s", rej, tc.reason, tc.field)
			}
		})
	}
}

func TestDeduper(t *testing.T) {
	t.Parallel()

	d := AppDeduper()
	a := &records.Application{PackageName: "com.a"}
	if d.Seen(a) {
		t.Fatalf("first sighting reported as duplicate")
	}
	if !d.Seen(&records.Application{PackageName: "com.a", ApplicationName: "Other"}) {
		t.Fatalf("same package should be a duplicate")
	}
	if d.Seen(&records.Application{PackageName: "com.b"}) {
		t.Fatalf("different package reported as duplicate")
	}
	if d.Len() != 2 {
		t.Fatalf("Len=%d, want 2", d.Len())
	}

	var none *Deduper
	if none.Seen(a) || DeduperFor(records.KindCall) != nil {
		t.Fatalf("nil deduper must never report duplicates")
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	header := []string{"Application Name", "Package Name", "Installed Date"}
	rows := [][]string{
		{"Notes", "com.notes", "2024-01-01"},
		{"Notes 2", "com.notes", "2024-02-01"},
		{"", "", ""},
		{"Chat", "com.chat", "bad date"},
	}

	in := make(chan *transformer.Row, len(rows))
	for i, f := range rows {
		r := transformer.GetRow(len(header))
		copy(r.Fields, f)
		r.Line = i + 2
		in <- r
	}
	close(in)

	out := make(chan records.Record, len(rows))
	var rejected []Rejection
	err := Stream(context.Background(), &Normalizer{Now: fixedNow}, records.KindApplication, header, in, out,
		func(r Rejection) { rejected = append(rejected, r) })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	close(out)

	var got []*records.Application
	for rec := range out {
		got = append(got, rec.(*records.Application))
	}
	if len(got) != 2 {
		t.Fatalf("records=%d, want 2", len(got))
	}
	if got[0].PackageName != "com.notes" || got[0].ApplicationName != "Notes" {
		t.Fatalf("first record=%+v", got[0])
	}
	if got[1].InstalledDate != nil {
		t.Fatalf("bad installed date should be NULL")
	}
	for _, a := range got {
		if len(a.ContentHash) != 64 {
			t.Fatalf("content hash not set on %+v", a)
		}
	}

	if len(rejected) != 2 {
		t.Fatalf("rejections=%v, want 2", rejected)
	}
	if rejected[0].Reason != ReasonDuplicateInFile || rejected[0].Line != 3 {
		t.Fatalf("first rejection=%+v", rejected[0])
	}
	if rejected[1].Reason != ReasonMissingField || rejected[1].Line != 4 {
		t.Fatalf("second rejection=%+v", rejected[1])
	}
}

func TestStream_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := make(chan *transformer.Row)
	out := make(chan records.Record)
	if err := Stream(ctx, &Normalizer{}, records.KindKeylog, nil, in, out, nil); err != context.Canceled {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}
