package normalize

import (
	"html"
	"strings"
	"unicode/utf8"
)

// CleanText trims s, strips ASCII control characters other than tab, CR and
// LF, and un-escapes HTML entities left behind by the exporting tool
// (&amp;, &nbsp;, &lt; and friends). It reports false when nothing is left.
func CleanText(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	if strings.IndexByte(s, '&') >= 0 {
		s = html.UnescapeString(s)
	}

	var b strings.Builder
	clean := true
	for i := 0; i < len(s); i++ {
		if isStripped(s[i]) {
			clean = false
			break
		}
	}
	if !clean {
		b.Grow(len(s))
		for i := 0; i < len(s); i++ {
			if !isStripped(s[i]) {
				b.WriteByte(s[i])
			}
		}
		s = b.String()
	}

	// &nbsp; unescapes to U+00A0, which TrimSpace keeps inside the string.
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = strings.TrimSpace(s)
	return s, s != ""
}

func isStripped(c byte) bool {
	switch c {
	case '\t', '\n', '\r':
		return false
	}
	return c < 0x20 || c == 0x7f
}

// DigitsOnly keeps the ASCII digits of s.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func validText(s string) bool { return utf8.ValidString(s) }
