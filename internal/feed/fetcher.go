package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

const (
	DefaultUserAgent = "LotNotificationBot/1.0"
	DefaultTimeout   = 15 * time.Second
	DefaultMaxBytes  = 5 << 20

	drainLimit = 4 << 10
)

// ErrFetchFailed is returned once every attempt allowed by the retry policy
// has failed.
var ErrFetchFailed = errors.New("fetch failed")

var errBodyTooLarge = errors.New("response body is too large")

// Schemes and ports the safe client connects to; CheckFetchable applies the
// same limits up front.
//
//nolint:gochecknoglobals // Read-only.
var (
	allowedSchemes = []string{"http", "https"}
	allowedPorts   = []int{80, 443}
)

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryPolicy bounds the attempts of a single fetch. The delay after the
// n-th failed attempt is InitialBackoff*2^(n-1), capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     10 * time.Second,
	}
}

func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.InitialBackoff
	for range attempt - 1 {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}

	return min(d, p.MaxBackoff)
}

type FetcherConfig struct {
	Policy    RetryPolicy
	Timeout   time.Duration
	UserAgent string
	MaxBytes  int64
}

type Fetcher struct {
	client Doer
	cfg    FetcherConfig
	sleep  func(ctx context.Context, d time.Duration) error
	log    *slog.Logger
}

func NewFetcher(client Doer, cfg FetcherConfig, log *slog.Logger) *Fetcher {
	if cfg.Policy.MaxAttempts < 1 {
		cfg.Policy = DefaultRetryPolicy()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}

	return &Fetcher{
		client: client,
		cfg:    cfg,
		sleep:  sleepContext,
		log:    log,
	}
}

// NewSafeClient returns an HTTP client that refuses to connect to private,
// loopback and link-local addresses, checked after DNS resolution.
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// Fetch downloads feedURL, retrying per the policy. Non-2xx responses and
// transport errors are retried; the final failure wraps ErrFetchFailed.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= f.cfg.Policy.MaxAttempts; attempt++ {
		body, err := f.fetchOnce(ctx, feedURL)
		if err == nil {
			f.log.DebugContext(ctx, "Feed is fetched",
				"url", feedURL,
				"attempt", attempt,
				"bytes", len(body))

			return body, nil
		}

		lastErr = err

		f.log.WarnContext(ctx, "Failed to fetch feed",
			"error", err,
			"url", feedURL,
			"attempt", attempt,
			"maxAttempts", f.cfg.Policy.MaxAttempts)

		if errors.Is(err, errBodyTooLarge) || attempt == f.cfg.Policy.MaxAttempts {
			break
		}

		if err = f.sleep(ctx, f.cfg.Policy.Backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrFetchFailed, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, feedURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))

		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", errBodyTooLarge, f.cfg.MaxBytes)
	}

	return body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
