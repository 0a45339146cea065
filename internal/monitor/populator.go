package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

type PopulateFunc func(ctx context.Context, url string) error

// Populator runs one-shot populations on a fixed number of workers fed by a
// bounded queue. A URL already queued or running is not queued twice.
type Populator struct {
	populate PopulateFunc
	queue    chan string
	workers  int
	mu       sync.Mutex
	pending  map[string]struct{}
	log      *slog.Logger
}

func NewPopulator(populate PopulateFunc, workers int, queueSize int, log *slog.Logger) *Populator {
	return &Populator{
		populate: populate,
		queue:    make(chan string, max(queueSize, 1)),
		workers:  max(workers, 1),
		pending:  make(map[string]struct{}),
		log:      log,
	}
}

// Enqueue schedules url and reports whether it was accepted. It never blocks:
// when the queue is full the request is dropped.
func (p *Populator) Enqueue(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[url]; ok {
		return true
	}

	select {
	case p.queue <- url:
		p.pending[url] = struct{}{}

		return true
	default:
		p.log.Warn("Population queue is full, dropping request",
			"url", url,
			"queueSize", cap(p.queue))

		return false
	}
}

// Run processes the queue until ctx is done.
func (p *Populator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for range p.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case url := <-p.queue:
					p.run(ctx, url)
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run population workers: %w", err)
	}

	return nil
}

func (p *Populator) run(ctx context.Context, url string) {
	defer func() {
		p.mu.Lock()
		delete(p.pending, url)
		p.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			p.log.ErrorContext(ctx, "Population panicked",
				"panic", r,
				"url", url,
				"stack", string(debug.Stack()))
		}
	}()

	if err := p.populate(ctx, url); err != nil && ctx.Err() == nil {
		p.log.ErrorContext(ctx, "Failed to populate link",
			"error", err,
			"url", url)
	}
}
