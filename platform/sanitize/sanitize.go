// Package sanitize provides text sanitization for values that reach agent
// screens or the reporting ledger.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxDisplayNameLength bounds worker names shown in dialogs.
const MaxDisplayNameLength = 64

var htmlTagRegex = regexp.MustCompile(`<[^>]*>`)

var entityReplacer = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&amp;", "&",
	"&quot;", "\"",
	"&#39;", "'",
)

// StripHTML removes all HTML tags from a string. Tags hidden behind encoded
// entities are removed too.
func StripHTML(s string) string {
	result := htmlTagRegex.ReplaceAllString(s, "")
	result = entityReplacer.Replace(result)
	result = htmlTagRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

// DisplayName cleans a worker display name: no markup, single spaces, and at
// most MaxDisplayNameLength runes.
func DisplayName(s string) string {
	result := strings.Join(strings.Fields(StripHTML(s)), " ")
	if utf8.RuneCountInString(result) <= MaxDisplayNameLength {
		return result
	}
	runes := []rune(result)
	return strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
}
