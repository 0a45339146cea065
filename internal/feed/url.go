package feed

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"mvdan.cc/xurls/v2"
)

var (
	ErrInvalidURL = errors.New("invalid URL")
	// ErrUnsupportedURL marks a well-formed URL the fetcher would never
	// connect to.
	ErrUnsupportedURL = errors.New("unsupported URL")
)

//nolint:gochecknoglobals // Compiled once, safe for concurrent use.
var strictURLRe = xurls.Strict()

// NormalizeURL returns the canonical key of a feed URL: scheme and host are
// lowercased, query parameters sorted with blank values dropped, fragment
// removed. The path is kept as is.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: scheme and host are required", ErrInvalidURL)
	}

	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	for key, values := range query {
		kept := values[:0]
		for _, v := range values {
			if v != "" {
				kept = append(kept, v)
			}
		}

		if len(kept) == 0 {
			delete(query, key)
			continue
		}

		query[key] = kept
	}

	var b strings.Builder

	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(strings.ToLower(u.User.String()))
		b.WriteByte('@')
	}
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(u.EscapedPath())

	if encoded := query.Encode(); encoded != "" {
		b.WriteByte('?')
		b.WriteString(encoded)
	}

	return b.String(), nil
}

// ExtractURL returns the first URL with a scheme found in free text.
func ExtractURL(text string) (string, bool) {
	found := strictURLRe.FindString(text)
	if found == "" {
		return "", false
	}

	return found, true
}

// CheckFetchable reports whether the fetcher may connect to rawURL: the
// scheme must be http or https and the port, explicit or implied, 80 or 443.
func CheckFetchable(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(allowedSchemes, scheme) {
		return fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}

	port := u.Port()
	if port == "" {
		return nil
	}

	n, err := strconv.Atoi(port)
	if err != nil || !slices.Contains(allowedPorts, n) {
		return fmt.Errorf("%w: port %s", ErrUnsupportedURL, port)
	}

	return nil
}
