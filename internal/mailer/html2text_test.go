package mailer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{
			"strips tags",
			"<p>Hello <b>world</b></p>",
			"Hello world",
		},
		{
			"strips style blocks",
			"<style>p { color: red; }</style><p>visible</p>",
			"visible",
		},
		{
			"strips script blocks",
			"<script type=\"text/javascript\">alert('x');</script>ok",
			"ok",
		},
		{
			"case insensitive blocks",
			"<STYLE>body{}</STYLE><SCRIPT>x</SCRIPT>kept",
			"kept",
		},
		{
			"multiline blocks",
			"<style>\n.a { font: 12px; }\n.b { margin: 0; }\n</style>text",
			"text",
		},
		{
			"collapses whitespace",
			"<div>one</div>\n\n  <div>two\t\tthree</div>",
			"one two three",
		},
		{
			"unescapes entities",
			"<p>Tom &amp; Jerry &gt; others</p>",
			"Tom & Jerry > others",
		},
		{
			"plain text untouched",
			"already plain",
			"already plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, htmlToText(tt.in))
		})
	}
}

func TestHTMLToTextTruncates(t *testing.T) {
	out := htmlToText("<p>" + strings.Repeat("abcde", 300) + "</p>")
	assert.Len(t, []rune(out), textAltMaxChars)
}

func TestHTMLToTextTruncatesOnRuneBoundary(t *testing.T) {
	out := htmlToText(strings.Repeat("é", 1200))
	assert.Len(t, []rune(out), textAltMaxChars)
	assert.True(t, strings.HasSuffix(out, "é"))
}
