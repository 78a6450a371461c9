package mailer

import (
	"html"
	"regexp"
	"strings"
)

const textAltMaxChars = 1000

var (
	styleBlockRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	scriptBlockRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	tagRe         = regexp.MustCompile(`(?s)<[^>]*>`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

// htmlToText synthesizes the plain-text alternative for an HTML body:
// style and script blocks go first, then remaining tags, then whitespace is
// collapsed and the result truncated to textAltMaxChars.
func htmlToText(s string) string {
	s = styleBlockRe.ReplaceAllString(s, " ")
	s = scriptBlockRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	runes := []rune(s)
	if len(runes) > textAltMaxChars {
		s = string(runes[:textAltMaxChars])
	}
	return s
}
