package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

func newTestFetcher(cfg FetcherConfig) (*Fetcher, *[]time.Duration) {
	f := NewFetcher(http.DefaultClient, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var slept []time.Duration
	f.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	return f, &slept
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := DefaultRetryPolicy()

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestFetchRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != DefaultUserAgent {
			t.Errorf("User-Agent = %q", ua)
		}

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		_, _ = w.Write([]byte("<rss/>"))
	}))
	defer srv.Close()

	f, slept := newTestFetcher(FetcherConfig{})

	body, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if string(body) != "<rss/>" {
		t.Fatalf("body = %q", body)
	}
	if !slices.Equal(*slept, []time.Duration{2 * time.Second, 4 * time.Second}) {
		t.Fatalf("backoff delays = %v", *slept)
	}
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, slept := newTestFetcher(FetcherConfig{})

	_, err := f.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("error = %v, want ErrFetchFailed", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if len(*slept) != 2 {
		t.Fatalf("slept %d times, want 2", len(*slept))
	}
}

func TestFetchRejectsOversizedBodyWithoutRetry(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("0123456789abcdef"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(FetcherConfig{MaxBytes: 10})

	_, err := f.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrFetchFailed) || !errors.Is(err, errBodyTooLarge) {
		t.Fatalf("error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

type failingDoer struct {
	calls int
}

func (d *failingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls++
	return nil, errors.New("connection refused")
}

func TestFetchStopsWhenContextIsCancelled(t *testing.T) {
	doer := &failingDoer{}
	f := NewFetcher(doer, FetcherConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	f.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := f.Fetch(ctx, "https://example.com/rss")
	if !errors.Is(err, ErrFetchFailed) || !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v", err)
	}
	if doer.calls != 1 {
		t.Fatalf("calls = %d, want 1", doer.calls)
	}
}
