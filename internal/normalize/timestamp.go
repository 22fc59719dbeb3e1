package normalize

import (
	"strings"
	"time"
)

// Timestamp is the result of ParseTimestamp. OK is false for input that no
// supported layout accepts; Time is then the zero value.
type Timestamp struct {
	Time time.Time
	OK   bool
}

// layouts are tried in order. The first two carry no year.
var layouts = []string{
	"Jan 2, 3:04 PM",
	"Jan 2, 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"01/02/2006 03:04 PM",
	"01/02/2006 15:04",
	"01/02/2006",
	"1/2/2006 3:04 PM",
	"1/2/2006 15:04",
	"1/2/2006",
	"2006-01-02",
	"Jan 2, 2006 3:04 PM",
	"Jan 2 2006 15:04",
}

// ParseTimestamp parses the timestamp formats found in device exports.
//
// Year-less values, and values carrying a placeholder year of 0 or 1900,
// resolve to now's year. A Feb 29 that does not exist in the resolved year
// becomes Feb 28. Times without a zone are UTC. Bare numbers are never
// dates here; spreadsheet date cells are converted by the xlsx reader.
func ParseTimestamp(s string, now time.Time) Timestamp {
	s = canonicalTimestamp(s)
	if s == "" {
		return Timestamp{}
	}

	if t, ok := parseLayouts(s); ok {
		return Timestamp{Time: resolveYear(t, now.Year()), OK: true}
	}

	// An explicit non-leap year makes Feb 29 a parse error; retry on the 28th.
	if alt, ok := leapDayToFeb28(s); ok {
		if t, ok := parseLayouts(alt); ok {
			return Timestamp{Time: resolveYear(t, now.Year()), OK: true}
		}
	}
	return Timestamp{}
}

func parseLayouts(s string) (time.Time, bool) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// resolveYear replaces the placeholder years 0 and 1900 with year and
// re-applies the leap-day rule.
func resolveYear(t time.Time, year int) time.Time {
	if t.Year() != 0 && t.Year() != 1900 {
		return t
	}
	day := t.Day()
	if t.Month() == time.February && day == 29 && !isLeap(year) {
		day = 28
	}
	return time.Date(year, t.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func isLeap(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

// canonicalTimestamp collapses whitespace and upper-cases a trailing am/pm
// marker, which time.Parse only accepts in upper case.
func canonicalTimestamp(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if n := len(s); n >= 2 {
		switch s[n-2:] {
		case "am", "pm", "Am", "Pm", "aM", "pM":
			s = s[:n-2] + strings.ToUpper(s[n-2:])
		}
	}
	return s
}

func leapDayToFeb28(s string) (string, bool) {
	for _, r := range []struct{ from, to string }{
		{"Feb 29", "Feb 28"},
		{"02/29/", "02/28/"},
		{"-02-29", "-02-28"},
	} {
		if strings.Contains(s, r.from) {
			return strings.Replace(s, r.from, r.to, 1), true
		}
	}
	return "", false
}
