// Package normalize turns raw table rows into typed records.
//
// Every row ends up either as a records.Record with its content hash set, or
// as a Rejection carrying a reason. Nothing is dropped without accounting.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"deviceimport/internal/classify"
	"deviceimport/pkg/records"
)

// Reason tags a rejected row.
type Reason string

const (
	ReasonMissingField    Reason = "missing_required_field"
	ReasonBadTimestamp    Reason = "unparseable_timestamp"
	ReasonTypeCoercion    Reason = "type_coercion"
	ReasonDuplicateInFile Reason = "duplicate_in_file"
)

// Rejection describes a row that did not become a record.
type Rejection struct {
	Line   int
	Kind   records.Kind
	Reason Reason
	Field  string
	Value  string
}

func (r Rejection) String() string {
	return fmt.Sprintf("line %d: %s %s: %s %q", r.Line, r.Kind, r.Reason, r.Field, r.Value)
}

// Defaults applied to optional fields.
const (
	DefaultEmail     = "unknown@example.com"
	DefaultRecipient = "user"
)

// Row is a raw data row keyed by normalized column name (see
// classify.NormalizeColumn).
type Row interface {
	Value(col string) (string, bool)
}

// MapRow is a Row backed by a map whose keys are already normalized.
type MapRow map[string]string

func (m MapRow) Value(col string) (string, bool) {
	v, ok := m[col]
	return v, ok
}

// fieldRow indexes a positional row by header name without copying it.
type fieldRow struct {
	index  map[string]int
	fields []string
}

func (r fieldRow) Value(col string) (string, bool) {
	i, ok := r.index[col]
	if !ok || i >= len(r.fields) {
		return "", false
	}
	return r.fields[i], true
}

// HeaderIndex maps normalized column names to positions. On duplicate names
// the first column wins.
func HeaderIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		n := classify.NormalizeColumn(h)
		if _, dup := idx[n]; n != "" && !dup {
			idx[n] = i
		}
	}
	return idx
}

// column aliases, tried in order. The first name is the canonical export
// header.
var (
	colName        = []string{"name", "contact name", "contact"}
	colPhone       = []string{"phone number", "phone", "number"}
	colEmail       = []string{"email", "e-mail"}
	colLastContact = []string{"last contacted", "last message time", "last message"}
	colAppName     = []string{"application name", "app name"}
	colPackage     = []string{"package name", "package"}
	colInstalled   = []string{"installed date", "install date", "installed"}
	colCallType    = []string{"call type", "type"}
	colTime        = []string{"time", "date", "timestamp"}
	colCallTime    = []string{"time", "call time", "date"}
	colFromTo      = []string{"from/to", "number", "phone number"}
	colDuration    = []string{"duration (sec)", "duration"}
	colLocation    = []string{"location"}
	colMessenger   = []string{"messenger", "app"}
	colSender      = []string{"sender", "from"}
	colRecipient   = []string{"recipient", "to"}
	colText        = []string{"text", "message", "body"}
	colSMSType     = []string{"sms type", "type"}
	colApplication = []string{"application", "app"}
)

// Normalizer converts rows of one kind into records.
type Normalizer struct {
	// Now supplies the processing time whose year resolves year-less
	// timestamps. Nil means time.Now.
	Now func() time.Time

	// DefaultEmail and DefaultRecipient override the package defaults when
	// set.
	DefaultEmail     string
	DefaultRecipient string
}

func (n *Normalizer) now() time.Time {
	if n != nil && n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// Normalize builds a record of kind from row. Exactly one of the results is
// non-nil. The content hash is not set here; see Stream.
func (n *Normalizer) Normalize(kind records.Kind, row Row) (records.Record, *Rejection) {
	c := cursor{row: row, kind: kind, now: n.now()}

	switch kind {
	case records.KindContact:
		name := c.required(colName)
		phone := DigitsOnly(c.optional(colPhone))
		email := c.optional(colEmail)
		if email == "" {
			email = n.defaultEmail()
		}
		last := c.optionalTime(colLastContact)
		if c.rej != nil {
			return nil, c.rej
		}
		return &records.Contact{Name: name, PhoneNumber: phone, Email: email, LastMessageTime: last}, nil

	case records.KindApplication:
		pkg := c.required(colPackage)
		name := c.optional(colAppName)
		if name == "" {
			name = pkg
		}
		installed := c.optionalTime(colInstalled)
		if c.rej != nil {
			return nil, c.rej
		}
		return &records.Application{ApplicationName: name, PackageName: pkg, InstalledDate: installed}, nil

	case records.KindCall:
		callType := c.required(colCallType)
		at := c.requiredTime(colCallTime)
		fromTo := c.optional(colFromTo)
		dur := c.duration(colDuration)
		loc := c.optional(colLocation)
		if c.rej != nil {
			return nil, c.rej
		}
		return &records.Call{CallType: callType, CallTime: at, FromTo: fromTo, Duration: dur, Location: loc}, nil

	case records.KindChat:
		messenger := c.optional(colMessenger)
		at := c.requiredTime(colTime)
		sender := c.optional(colSender)
		recipient := c.optional(colRecipient)
		if recipient == "" {
			recipient = n.defaultRecipient()
		}
		text := c.required(colText)
		loc := c.optional(colLocation)
		if c.rej != nil {
			return nil, c.rej
		}
		return &records.Chat{Messenger: messenger, Sender: sender, Recipient: recipient, Text: text, Time: at, Location: loc}, nil

	case records.KindSMS:
		smsType := c.optional(colSMSType)
		fromTo := c.optional(colFromTo)
		text := c.required(colText)
		at := c.requiredTime(colTime)
		loc := c.optional(colLocation)
		if c.rej != nil {
			return nil, c.rej
		}
		return &records.SMS{SMSType: smsType, FromTo: fromTo, Text: text, Time: at, Location: loc}, nil

	case records.KindKeylog:
		app := c.required(colApplication)
		at := c.requiredTime(colTime)
		text := c.required(colText)
		if c.rej != nil {
			return nil, c.rej
		}
		return &records.Keylog{Application: app, Time: at, Text: text}, nil
	}

	return nil, &Rejection{Kind: kind, Reason: ReasonTypeCoercion, Field: "kind", Value: kind.String()}
}

func (n *Normalizer) defaultEmail() string {
	if n != nil && n.DefaultEmail != "" {
		return n.DefaultEmail
	}
	return DefaultEmail
}

func (n *Normalizer) defaultRecipient() string {
	if n != nil && n.DefaultRecipient != "" {
		return n.DefaultRecipient
	}
	return DefaultRecipient
}

// cursor reads fields of one row and keeps the first rejection. Later reads
// after a rejection are no-ops.
type cursor struct {
	row  Row
	kind records.Kind
	now  time.Time
	rej  *Rejection
}

func (c *cursor) raw(aliases []string) (string, string) {
	for _, a := range aliases {
		if v, ok := c.row.Value(a); ok {
			return a, v
		}
	}
	return aliases[0], ""
}

func (c *cursor) reject(reason Reason, field, value string) {
	if c.rej == nil {
		c.rej = &Rejection{Kind: c.kind, Reason: reason, Field: field, Value: value}
	}
}

func (c *cursor) text(aliases []string, required bool) string {
	if c.rej != nil {
		return ""
	}
	col, v := c.raw(aliases)
	s, ok := CleanText(v)
	if !ok {
		if required {
			c.reject(ReasonMissingField, col, v)
		}
		return ""
	}
	if !validText(s) {
		c.reject(ReasonTypeCoercion, col, v)
		return ""
	}
	return s
}

func (c *cursor) required(aliases []string) string { return c.text(aliases, true) }
func (c *cursor) optional(aliases []string) string { return c.text(aliases, false) }

func (c *cursor) requiredTime(aliases []string) time.Time {
	if c.rej != nil {
		return time.Time{}
	}
	col, v := c.raw(aliases)
	if strings.TrimSpace(v) == "" {
		c.reject(ReasonMissingField, col, v)
		return time.Time{}
	}
	ts := ParseTimestamp(v, c.now)
	if !ts.OK {
		c.reject(ReasonBadTimestamp, col, v)
		return time.Time{}
	}
	return ts.Time
}

// optionalTime returns nil for blank or unparseable values.
func (c *cursor) optionalTime(aliases []string) *time.Time {
	if c.rej != nil {
		return nil
	}
	_, v := c.raw(aliases)
	ts := ParseTimestamp(v, c.now)
	if !ts.OK {
		return nil
	}
	return &ts.Time
}

func (c *cursor) duration(aliases []string) int64 {
	if c.rej != nil {
		return 0
	}
	col, v := c.raw(aliases)
	secs, _, err := ParseDuration(v)
	if err != nil {
		c.reject(ReasonTypeCoercion, col, v)
		return 0
	}
	return secs
}
