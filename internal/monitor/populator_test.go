package monitor_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"lotwatch/internal/monitor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopulatorRunsQueuedURLs(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
		wg   sync.WaitGroup
	)

	populate := func(_ context.Context, url string) error {
		defer wg.Done()

		mu.Lock()
		seen = append(seen, url)
		mu.Unlock()

		return nil
	}

	p := monitor.NewPopulator(populate, 2, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	wg.Add(3)
	for _, url := range []string{linkA, linkB, "https://c.example/rss"} {
		require.True(t, p.Enqueue(url))
	}
	wg.Wait()

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{linkA, linkB, "https://c.example/rss"}, seen)
}

func TestPopulatorDeduplicatesAndBoundsQueue(t *testing.T) {
	p := monitor.NewPopulator(func(context.Context, string) error { return nil }, 1, 2,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Not running: nothing drains the queue.
	assert.True(t, p.Enqueue(linkA))
	assert.True(t, p.Enqueue(linkA), "already pending counts as accepted")
	assert.True(t, p.Enqueue(linkB))
	assert.False(t, p.Enqueue("https://c.example/rss"), "queue is full")
}

func TestPopulatorAllowsRequeueAfterCompletion(t *testing.T) {
	calls := make(chan string, 4)

	p := monitor.NewPopulator(func(_ context.Context, url string) error {
		calls <- url
		return nil
	}, 1, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.True(t, p.Enqueue(linkA))
	assert.Equal(t, linkA, <-calls)

	require.Eventually(t, func() bool {
		p.Enqueue(linkA)

		select {
		case url := <-calls:
			return url == linkA
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, time.Millisecond)
}
