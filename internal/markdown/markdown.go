package markdown

import "strings"

// Taken from https://core.telegram.org/bots/api#markdownv2-style.
const mdV2SpecialChars = `._[](){}#|!+-=*~>\` + "`"

const ellipsis = "..."

//nolint:gochecknoglobals // Lookup table meant to be immutable.
var mdV2Lookup = func() [256]bool {
	var m [256]bool
	for i := range len(mdV2SpecialChars) {
		m[mdV2SpecialChars[i]] = true
	}
	return m
}()

func EscapeV2(input string) string {
	charsToEscape := 0

	for i := range len(input) {
		if mdV2Lookup[input[i]] {
			charsToEscape++
		}
	}

	if charsToEscape == 0 {
		return input
	}

	var b strings.Builder
	b.Grow(len(input) + charsToEscape)

	for i := range len(input) {
		c := input[i]
		if mdV2Lookup[c] {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}

	return b.String()
}

// EscapeCode escapes text placed inside a `code` span, where only the
// backtick and the backslash are special.
func EscapeCode(input string) string {
	return strings.NewReplacer(`\`, `\\`, "`", "\\`").Replace(input)
}

// EscapeURL escapes the target of an inline link, where only ')' and '\'
// are special.
func EscapeURL(input string) string {
	return strings.NewReplacer(`\`, `\\`, ")", `\)`).Replace(input)
}

// Truncate shortens input to at most limit runes, marking the cut with an
// ellipsis.
func Truncate(input string, limit int) string {
	runes := []rune(input)
	if len(runes) <= limit {
		return input
	}

	if limit <= len(ellipsis) {
		return string(runes[:limit])
	}

	return string(runes[:limit-len(ellipsis)]) + ellipsis
}
