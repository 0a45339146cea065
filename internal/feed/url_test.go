package feed_test

import (
	"errors"
	"testing"

	"lotwatch/internal/feed"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercases scheme and host, sorts query, drops fragment",
			in:   "HTTPS://Example.COM/Lots/RSS?b=2&a=1#top",
			want: "https://example.com/Lots/RSS?a=1&b=2",
		},
		{
			name: "drops blank query values",
			in:   "https://example.com/rss?empty=&a=1",
			want: "https://example.com/rss?a=1",
		},
		{
			name: "keeps repeated values in order",
			in:   "https://example.com/rss?a=2&a=1",
			want: "https://example.com/rss?a=2&a=1",
		},
		{
			name: "re-encodes escaped values",
			in:   "https://example.com/rss?region=%D0%BC%D1%81%D0%BA",
			want: "https://example.com/rss?region=%D0%BC%D1%81%D0%BA",
		},
		{
			name: "keeps escaped path",
			in:   "https://example.com/a%20b/feed",
			want: "https://example.com/a%20b/feed",
		},
		{
			name: "trims whitespace",
			in:   "  https://example.com  ",
			want: "https://example.com",
		},
		{
			name: "equivalent forms share a key",
			in:   "https://EXAMPLE.com/rss?a=1&b=2&c=",
			want: "https://example.com/rss?a=1&b=2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := feed.NormalizeURL(tt.in)
			if err != nil {
				t.Fatalf("NormalizeURL(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeURLRejectsIncompleteURLs(t *testing.T) {
	for _, in := range []string{"", "example.com/rss", "mailto:lots@example.com", "://nohost"} {
		if _, err := feed.NormalizeURL(in); !errors.Is(err, feed.ErrInvalidURL) {
			t.Fatalf("NormalizeURL(%q) error = %v, want ErrInvalidURL", in, err)
		}
	}
}

func TestExtractURL(t *testing.T) {
	got, ok := feed.ExtractURL("please watch https://example.com/rss?a=1 thanks")
	if !ok || got != "https://example.com/rss?a=1" {
		t.Fatalf("ExtractURL = %q, %v", got, ok)
	}

	if _, ok = feed.ExtractURL("nothing to see here"); ok {
		t.Fatalf("expected no URL")
	}
}

func TestCheckFetchable(t *testing.T) {
	tests := []struct {
		in      string
		wantErr error
	}{
		{"https://lots.example/rss", nil},
		{"http://lots.example/rss", nil},
		{"https://lots.example:443/rss", nil},
		{"http://lots.example:80/rss", nil},
		{"https://lots.example:8443/rss", feed.ErrUnsupportedURL},
		{"http://lots.example:8080/rss", feed.ErrUnsupportedURL},
		{"ftp://lots.example/rss", feed.ErrUnsupportedURL},
	}

	for _, tt := range tests {
		err := feed.CheckFetchable(tt.in)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("CheckFetchable(%q) = %v, want %v", tt.in, err, tt.wantErr)
		}
	}
}
