// Package markdown escapes text for Telegram MarkdownV2 messages.
package markdown

import "strings"

// Special characters per https://core.telegram.org/bots/api#markdownv2-style.
const specialChars = "_*[]()~`>#+-=|{}.!"

var escapeLookup = buildLookup()

func buildLookup() [256]bool {
	var m [256]bool
	for i := 0; i < len(specialChars); i++ {
		m[specialChars[i]] = true
	}
	return m
}

// Escape backslash-escapes every MarkdownV2 special character.
func Escape(input string) string {
	var b strings.Builder
	b.Grow(len(input))

	for i := 0; i < len(input); i++ {
		c := input[i]
		if escapeLookup[c] {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}

	return b.String()
}
