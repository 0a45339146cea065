package bot

import (
	"strings"
)

// Taken from https://core.telegram.org/bots/api#markdownv2-style.
const mdV2SpecialChars = `._[](){}#|!+-=*~>\` + "`"

// Unescaped markers that only toggle formatting.
const mdV2FormatChars = "*_`"

//nolint:gochecknoglobals // Lookup table meant to be immutable.
var mdV2Lookup = func() [256]bool {
	var m [256]bool
	for i := range len(mdV2SpecialChars) {
		m[mdV2SpecialChars[i]] = true
	}
	return m
}()

// plainText undoes MarkdownV2 escaping and drops formatting markers so the
// text reads naturally without a parse mode.
func plainText(input string) string {
	var b strings.Builder
	b.Grow(len(input))

	for i := 0; i < len(input); i++ {
		c := input[i]

		switch {
		case c == '\\' && i+1 < len(input) && mdV2Lookup[input[i+1]]:
			i++
			b.WriteByte(input[i])
		case strings.IndexByte(mdV2FormatChars, c) >= 0:
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}
