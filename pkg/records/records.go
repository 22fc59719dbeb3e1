// Package records defines the closed set of device activity record types that
// the import pipeline understands.
//
// Every concrete record is one variant of Record, tagged by Kind. Values are
// positional and aligned with Columns(kind), which is also the insert column
// order used by the storage backends.
package records

import (
	"strings"
	"time"
)

// Kind tags a record variant. The zero value is KindUnknown.
type Kind int

const (
	KindUnknown Kind = iota
	KindContact
	KindApplication
	KindCall
	KindChat
	KindSMS
	KindKeylog
)

var kindNames = [...]string{
	KindUnknown:     "unknown",
	KindContact:     "contact",
	KindApplication: "application",
	KindCall:        "call",
	KindChat:        "chat",
	KindSMS:         "sms",
	KindKeylog:      "keylog",
}

var kindTables = [...]string{
	KindUnknown:     "",
	KindContact:     "contacts",
	KindApplication: "applications",
	KindCall:        "calls",
	KindChat:        "chats",
	KindSMS:         "sms",
	KindKeylog:      "keylogs",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Table returns the destination table name, or "" for KindUnknown.
func (k Kind) Table() string {
	if k < 0 || int(k) >= len(kindTables) {
		return ""
	}
	return kindTables[k]
}

// Rank orders kinds for import: referenced entities (contacts, applications)
// come before the records that may reference them by name.
func (k Kind) Rank() int {
	switch k {
	case KindContact:
		return 0
	case KindApplication:
		return 1
	case KindChat:
		return 2
	case KindSMS:
		return 3
	case KindCall:
		return 4
	case KindKeylog:
		return 5
	default:
		return 99
	}
}

// Kinds returns every known kind in import dependency order.
func Kinds() []Kind {
	return []Kind{KindContact, KindApplication, KindChat, KindSMS, KindCall, KindKeylog}
}

// ParseKind accepts either a kind name ("chat") or a table name ("chats").
func ParseKind(s string) (Kind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return KindUnknown, false
	}
	for _, k := range Kinds() {
		if s == k.String() || s == k.Table() {
			return k, true
		}
	}
	return KindUnknown, false
}

// Column names shared by every table.
const (
	IDColumn   = "id"
	HashColumn = "content_hash"
)

// Columns returns the insert column list for a kind. The content hash column
// is always last. The synthetic id is never part of the insert list.
func Columns(k Kind) []string {
	switch k {
	case KindContact:
		return []string{"name", "phone_number", "email", "last_message_time", HashColumn}
	case KindApplication:
		return []string{"application_name", "package_name", "installed_date", HashColumn}
	case KindCall:
		return []string{"call_type", "call_time", "from_to", "duration", "location", HashColumn}
	case KindChat:
		return []string{"messenger", "sender", "recipient", "text", "time", "location", HashColumn}
	case KindSMS:
		return []string{"sms_type", "from_to", "text", "time", "location", HashColumn}
	case KindKeylog:
		return []string{"application", "time", "text", HashColumn}
	default:
		return nil
	}
}

// Field is a named value that participates in a record's content hash.
type Field struct {
	Name  string
	Value any
}

// Record is the closed variant over the known record types. Only types in
// this package implement it.
type Record interface {
	Kind() Kind
	// Values returns the insert values aligned with Columns(Kind()).
	Values() []any
	// IdentityFields returns the fields that identify the record for
	// content-hash deduplication.
	IdentityFields() []Field
	// SetContentHash stores the digest computed from IdentityFields.
	SetContentHash(h string)

	isRecord()
}

// Contact is an address book entry. Name is the natural key.
type Contact struct {
	Name            string
	PhoneNumber     string
	Email           string
	LastMessageTime *time.Time
	ContentHash     string
}

func (*Contact) Kind() Kind { return KindContact }
func (*Contact) isRecord()  {}

func (c *Contact) Values() []any {
	return []any{c.Name, nullString(c.PhoneNumber), nullString(c.Email), nullTime(c.LastMessageTime), c.ContentHash}
}

func (c *Contact) IdentityFields() []Field {
	return []Field{{"name", c.Name}, {"phone_number", c.PhoneNumber}}
}

func (c *Contact) SetContentHash(h string) { c.ContentHash = h }

// Application is an installed package. PackageName is the natural key.
type Application struct {
	ApplicationName string
	PackageName     string
	InstalledDate   *time.Time
	ContentHash     string
}

func (*Application) Kind() Kind { return KindApplication }
func (*Application) isRecord()  {}

func (a *Application) Values() []any {
	return []any{a.ApplicationName, a.PackageName, nullTime(a.InstalledDate), a.ContentHash}
}

func (a *Application) IdentityFields() []Field {
	return []Field{{"package_name", a.PackageName}}
}

func (a *Application) SetContentHash(h string) { a.ContentHash = h }

// Call is one entry of the call log. Duration is in seconds.
type Call struct {
	CallType    string
	CallTime    time.Time
	FromTo      string
	Duration    int64
	Location    string
	ContentHash string
}

func (*Call) Kind() Kind { return KindCall }
func (*Call) isRecord()  {}

func (c *Call) Values() []any {
	return []any{c.CallType, c.CallTime, nullString(c.FromTo), c.Duration, nullString(c.Location), c.ContentHash}
}

func (c *Call) IdentityFields() []Field {
	return []Field{{"from_to", c.FromTo}, {"call_time", c.CallTime}}
}

func (c *Call) SetContentHash(h string) { c.ContentHash = h }

// Chat is a messenger message in the canonical sender/recipient shape.
type Chat struct {
	Messenger   string
	Sender      string
	Recipient   string
	Text        string
	Time        time.Time
	Location    string
	ContentHash string
}

func (*Chat) Kind() Kind { return KindChat }
func (*Chat) isRecord()  {}

func (c *Chat) Values() []any {
	return []any{
		nullString(c.Messenger), nullString(c.Sender), nullString(c.Recipient),
		c.Text, c.Time, nullString(c.Location), c.ContentHash,
	}
}

func (c *Chat) IdentityFields() []Field {
	return []Field{{"sender", c.Sender}, {"recipient", c.Recipient}, {"text", c.Text}, {"time", c.Time}}
}

func (c *Chat) SetContentHash(h string) { c.ContentHash = h }

// SMS is a text message.
type SMS struct {
	SMSType     string
	FromTo      string
	Text        string
	Time        time.Time
	Location    string
	ContentHash string
}

func (*SMS) Kind() Kind { return KindSMS }
func (*SMS) isRecord()  {}

func (s *SMS) Values() []any {
	return []any{nullString(s.SMSType), nullString(s.FromTo), s.Text, s.Time, nullString(s.Location), s.ContentHash}
}

func (s *SMS) IdentityFields() []Field {
	return []Field{{"sms_type", s.SMSType}, {"from_to", s.FromTo}, {"time", s.Time}, {"text", s.Text}}
}

func (s *SMS) SetContentHash(h string) { s.ContentHash = h }

// Keylog is captured keyboard input attributed to an application.
type Keylog struct {
	Application string
	Time        time.Time
	Text        string
	ContentHash string
}

func (*Keylog) Kind() Kind { return KindKeylog }
func (*Keylog) isRecord()  {}

func (k *Keylog) Values() []any {
	return []any{k.Application, k.Time, k.Text, k.ContentHash}
}

func (k *Keylog) IdentityFields() []Field {
	return []Field{{"application", k.Application}, {"time", k.Time}, {"text", k.Text}}
}

func (k *Keylog) SetContentHash(h string) { k.ContentHash = h }

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
