package main

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxTextLen   = 10000
	maxUserIDLen = 100
)

var textPolicy = bluemonday.StrictPolicy()

// maxUnescapeRounds bounds how many layers of entity encoding are peeled.
const maxUnescapeRounds = 8

// sanitizeText strips markup and control characters from guest input.
// The result is plain text: entities escaped by the policy are decoded again.
func sanitizeText(s string, maxLen int) string {
	if s == "" {
		return ""
	}
	s = stripMarkup(s)

	var builder strings.Builder
	builder.Grow(len(s))
	for _, r := range s {
		// keep tabs and newlines
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			continue
		}
		if r == unicode.ReplacementChar {
			continue
		}
		builder.WriteRune(r)
	}

	result := builder.String()
	if runes := []rune(result); len(runes) > maxLen {
		result = string(runes[:maxLen])
	}
	return strings.TrimSpace(result)
}

// stripMarkup runs the policy until decoding its output yields nothing the
// policy would still change. Only then is the output decoded, so encoded
// markup can never come back as tags. Input that does not settle stays
// escaped.
func stripMarkup(s string) string {
	cur := textPolicy.Sanitize(html.UnescapeString(s))
	for i := 0; i < maxUnescapeRounds; i++ {
		next := textPolicy.Sanitize(html.UnescapeString(cur))
		if next == cur {
			return html.UnescapeString(cur)
		}
		cur = next
	}
	return cur
}
