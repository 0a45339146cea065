package markdown_test

import (
	"testing"

	"lotwatch/internal/markdown"
)

func TestEscapeV2(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"Лот №5", "Лот №5"},
		{"a.b-c!", `a\.b\-c\!`},
		{"[x](y)", `\[x\]\(y\)`},
		{"*_~`>#+=|{}", "\\*\\_\\~\\`\\>\\#\\+\\=\\|\\{\\}"},
		{`back\slash`, `back\\slash`},
	}

	for _, tt := range tests {
		if got := markdown.EscapeV2(tt.in); got != tt.want {
			t.Errorf("EscapeV2(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEscapeCode(t *testing.T) {
	if got := markdown.EscapeCode("a`b\\c.d"); got != "a\\`b\\\\c.d" {
		t.Errorf("EscapeCode = %q", got)
	}
}

func TestEscapeURL(t *testing.T) {
	if got := markdown.EscapeURL("https://example.com/a_(b)"); got != `https://example.com/a_(b\)` {
		t.Errorf("EscapeURL = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"участок земли", 8, "участ..."},
		{"abcdef", 2, "ab"},
	}

	for _, tt := range tests {
		if got := markdown.Truncate(tt.in, tt.limit); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
	}
}
