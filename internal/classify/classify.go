// Package classify infers the record kind of a parsed table from its column
// names.
package classify

import (
	"errors"
	"fmt"
	"strings"

	"deviceimport/pkg/records"
)

// ErrUnknown is returned by Require when no kind matches a header.
var ErrUnknown = errors.New("classification unknown")

// rule matches when every column of any one alternative is present.
type rule struct {
	kind records.Kind
	any  [][]string
}

// strict rules test each kind's most distinctive columns, in priority order
// Call > Contact > Sms > Application > Keylog > Chat. Generic columns like
// "time" and "text" never decide on their own.
var strict = []rule{
	{records.KindCall, [][]string{{"call type"}}},
	{records.KindContact, [][]string{{"name", "phone number"}}},
	{records.KindSMS, [][]string{{"sms type"}}},
	{records.KindApplication, [][]string{{"application name", "package name"}}},
	{records.KindKeylog, [][]string{{"application", "text"}}},
	{records.KindChat, [][]string{{"time", "sender", "text"}}},
}

// loose rules run only when no strict rule matched.
var loose = []rule{
	{records.KindCall, [][]string{{"from/to", "duration (sec)"}, {"duration", "time"}}},
	{records.KindContact, [][]string{{"name", "last contacted"}, {"name", "email"}}},
	{records.KindSMS, [][]string{{"from/to", "text", "time"}}},
	{records.KindApplication, [][]string{{"package name"}, {"application name", "installed date"}}},
	{records.KindKeylog, [][]string{{"application", "time"}}},
	{records.KindChat, [][]string{{"messenger", "text"}, {"sender", "text"}}},
}

// Columns classifies a header. The result depends only on the set of
// normalized column names, never on their order.
func Columns(cols []string) records.Kind {
	set := columnSet(cols)
	if k := match(strict, set); k != records.KindUnknown {
		return k
	}
	return match(loose, set)
}

// Require is Columns with an error for unknown headers.
func Require(cols []string) (records.Kind, error) {
	k := Columns(cols)
	if k == records.KindUnknown {
		return k, fmt.Errorf("%w: columns %q", ErrUnknown, cols)
	}
	return k, nil
}

// NormalizeColumn lowercases, trims and strips a BOM and collapses inner
// whitespace. It is the key used for both classification and row lookup.
func NormalizeColumn(c string) string {
	c = strings.TrimPrefix(c, "\uFEFF")
	return strings.Join(strings.Fields(strings.ToLower(c)), " ")
}

func columnSet(cols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		if n := NormalizeColumn(c); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func match(rules []rule, set map[string]struct{}) records.Kind {
	for _, r := range rules {
		for _, alt := range r.any {
			if containsAll(set, alt) {
				return r.kind
			}
		}
	}
	return records.KindUnknown
}

func containsAll(set map[string]struct{}, cols []string) bool {
	for _, c := range cols {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
