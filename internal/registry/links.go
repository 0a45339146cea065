package registry

import (
	"context"
	"log/slog"
	"time"

	"lotwatch/internal/domain"
	"lotwatch/internal/store"
)

// Links owns the link collection keyed by normalized URL.
type Links struct {
	c   *store.Collection[linkRecord]
	now func() time.Time
	log *slog.Logger
}

func NewLinks(backend store.Backend, log *slog.Logger) *Links {
	return &Links{
		c:   store.NewCollection[linkRecord](store.KindLinks, backend, nil, log),
		now: func() time.Time { return time.Now().UTC() },
		log: log,
	}
}

// GetOrCreate returns the link, creating it if absent. An inactive link is
// reactivated with a zero error count and a fresh example URL.
func (l *Links) GetOrCreate(ctx context.Context, url string, originalURL string) (domain.Link, error) {
	var link domain.Link

	err := l.c.Update(ctx, func(records map[string]linkRecord) (bool, error) {
		rec, ok := records[url]

		switch {
		case !ok:
			rec = linkRecord{
				OriginalURL:      originalURL,
				Active:           true,
				KnownIdentifiers: []string{},
				AddedAt:          l.now(),
			}
			records[url] = rec
			link = rec.toDomain(url)

			l.log.InfoContext(ctx, "Link is created",
				"url", url)

			return true, nil

		case !rec.Active:
			rec.Active = true
			rec.ErrorCount = 0
			rec.OriginalURL = originalURL
			records[url] = rec
			link = rec.toDomain(url)

			l.log.InfoContext(ctx, "Link is reactivated",
				"url", url,
				"knownIdentifiers", len(rec.KnownIdentifiers))

			return true, nil

		default:
			link = rec.toDomain(url)

			return false, nil
		}
	})

	return link, err
}

func (l *Links) Get(ctx context.Context, url string) (domain.Link, bool, error) {
	var (
		link  domain.Link
		found bool
	)

	err := l.c.View(ctx, func(records map[string]linkRecord) error {
		rec, ok := records[url]
		if ok {
			link = rec.toDomain(url)
			found = true
		}

		return nil
	})

	return link, found, err
}

// ActiveAmong returns the active links whose keys are in urls, in urls order.
func (l *Links) ActiveAmong(ctx context.Context, urls []string) ([]domain.Link, error) {
	var links []domain.Link

	err := l.c.View(ctx, func(records map[string]linkRecord) error {
		for _, url := range urls {
			rec, ok := records[url]
			if ok && rec.Active {
				links = append(links, rec.toDomain(url))
			}
		}

		return nil
	})

	return links, err
}

// RecordCheckOutcome stamps last-checked and either resets the error count
// or adds errorIncrement to it.
func (l *Links) RecordCheckOutcome(
	ctx context.Context,
	url string,
	success bool,
	errorIncrement int,
) error {
	return l.c.Update(ctx, func(records map[string]linkRecord) (bool, error) {
		rec, ok := records[url]
		if !ok {
			return false, nil
		}

		rec.LastChecked = l.now()
		if success {
			rec.ErrorCount = 0
		} else {
			rec.ErrorCount += errorIncrement
		}
		records[url] = rec

		return true, nil
	})
}

// DeactivateIfErrorThresholdExceeded flips an active link to inactive once its
// error count reaches maxErrors. It reports true only on that transition.
func (l *Links) DeactivateIfErrorThresholdExceeded(
	ctx context.Context,
	url string,
	maxErrors int,
) (bool, error) {
	deactivated := false

	err := l.c.Update(ctx, func(records map[string]linkRecord) (bool, error) {
		rec, ok := records[url]
		if !ok || !rec.Active || rec.ErrorCount < maxErrors {
			return false, nil
		}

		rec.Active = false
		records[url] = rec
		deactivated = true

		l.log.WarnContext(ctx, "Link is deactivated",
			"url", url,
			"errorCount", rec.ErrorCount,
			"maxErrors", maxErrors)

		return true, nil
	})

	return deactivated, err
}

func (l *Links) Deactivate(ctx context.Context, url string) error {
	return l.c.Update(ctx, func(records map[string]linkRecord) (bool, error) {
		rec, ok := records[url]
		if !ok || !rec.Active {
			return false, nil
		}

		rec.Active = false
		records[url] = rec

		l.log.WarnContext(ctx, "Link is deactivated",
			"url", url)

		return true, nil
	})
}

// RecordNewEntries adds identifiers not yet known, ignoring duplicates inside
// entries too, and returns how many were added.
func (l *Links) RecordNewEntries(ctx context.Context, url string, entries []domain.Entry) (int, error) {
	return l.record(ctx, url, entries, false)
}

// Seed records entries like RecordNewEntries and marks the link as seeded,
// even when entries is empty.
func (l *Links) Seed(ctx context.Context, url string, entries []domain.Entry) (int, error) {
	return l.record(ctx, url, entries, true)
}

func (l *Links) record(ctx context.Context, url string, entries []domain.Entry, seed bool) (int, error) {
	added := 0

	err := l.c.Update(ctx, func(records map[string]linkRecord) (bool, error) {
		rec, ok := records[url]
		if !ok {
			return false, nil
		}

		known := make(map[string]struct{}, len(rec.KnownIdentifiers)+len(entries))
		for _, id := range rec.KnownIdentifiers {
			known[id] = struct{}{}
		}

		for _, e := range entries {
			if e.ID == "" {
				continue
			}
			if _, seen := known[e.ID]; seen {
				continue
			}

			known[e.ID] = struct{}{}
			rec.KnownIdentifiers = append(rec.KnownIdentifiers, e.ID)
			added++
		}

		changed := added > 0
		if seed && !rec.Seeded {
			rec.Seeded = true
			changed = true
		}

		if !changed {
			return false, nil
		}

		records[url] = rec

		return true, nil
	})
	if err != nil {
		return 0, err
	}

	if added > 0 {
		l.log.InfoContext(ctx, "Known identifiers are recorded",
			"url", url,
			"added", added,
			"seed", seed)
	}

	return added, nil
}

func (l *Links) KnownIdentifiers(ctx context.Context, url string) (map[string]struct{}, error) {
	known := make(map[string]struct{})

	err := l.c.View(ctx, func(records map[string]linkRecord) error {
		for _, id := range records[url].KnownIdentifiers {
			known[id] = struct{}{}
		}

		return nil
	})

	return known, err
}
