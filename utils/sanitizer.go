package utils

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxDetailLength bounds backend-supplied text shown in notices
const maxDetailLength = 300

// StrictPolicy strips all markup
var StrictPolicy = bluemonday.StrictPolicy()

// StripHTML removes all HTML tags from content
func StripHTML(s string) string {
	return StrictPolicy.Sanitize(s)
}

// CleanDetail turns a server-supplied error detail into a single line of plain
// text fit for a toast or alert: markup removed, whitespace collapsed, length
// capped.
func CleanDetail(detail string) string {
	text := html.UnescapeString(StrictPolicy.Sanitize(detail))
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > maxDetailLength {
		text = string(r[:maxDetailLength-1]) + "…"
	}
	return text
}
