package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"time"

	"lotwatch/internal/domain"
	"lotwatch/internal/notify"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Check outcomes reported to the Observer.
const (
	OutcomeNew        = "new"
	OutcomeUnchanged  = "unchanged"
	OutcomeSeeded     = "seeded"
	OutcomeFetchError = "fetch_error"
	OutcomeParseError = "parse_error"
	OutcomeFailure    = "failure"
)

// Notification outcomes reported to the Observer.
const (
	DeliverySent        = "sent"
	DeliveryUnreachable = "unreachable"
	DeliveryFailed      = "failed"
)

type Links interface {
	Get(ctx context.Context, url string) (domain.Link, bool, error)
	ActiveAmong(ctx context.Context, urls []string) ([]domain.Link, error)
	RecordCheckOutcome(ctx context.Context, url string, success bool, errorIncrement int) error
	DeactivateIfErrorThresholdExceeded(ctx context.Context, url string, maxErrors int) (bool, error)
	RecordNewEntries(ctx context.Context, url string, entries []domain.Entry) (int, error)
	Seed(ctx context.Context, url string, entries []domain.Entry) (int, error)
	KnownIdentifiers(ctx context.Context, url string) (map[string]struct{}, error)
}

type Subscriptions interface {
	IsActive(ctx context.Context, userID int64) (bool, error)
	SubscribersOf(ctx context.Context, url string) ([]domain.Subscriber, error)
	SubscribedURLs(ctx context.Context) (map[string][]domain.Subscriber, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Parser interface {
	Parse(ctx context.Context, data []byte) ([]domain.Entry, error)
}

type Notifier interface {
	NotifyNewEntry(ctx context.Context, sub domain.Subscriber, link domain.Link, entry domain.Entry) error
	NotifyDeactivated(ctx context.Context, sub domain.Subscriber, displayURL string) error
}

// Observer receives counters about engine activity.
type Observer interface {
	ObserveTick(duration time.Duration, links int)
	ObserveCheck(outcome string)
	ObserveNewEntries(n int)
	ObserveNotification(kind string, delivery string)
	ObserveDeactivation()
	ObservePopulation(outcome string)
}

type Config struct {
	MaxErrors    int
	LinkThrottle time.Duration
}

type Engine struct {
	links     Links
	subs      Subscriptions
	fetcher   Fetcher
	parser    Parser
	notifier  Notifier
	observer  Observer
	throttle  *rate.Limiter
	maxErrors int
	log       *slog.Logger
}

func NewEngine(
	links Links,
	subs Subscriptions,
	fetcher Fetcher,
	parser Parser,
	notifier Notifier,
	observer Observer,
	cfg Config,
	log *slog.Logger,
) *Engine {
	limit := rate.Inf
	if cfg.LinkThrottle > 0 {
		limit = rate.Every(cfg.LinkThrottle)
	}

	if observer == nil {
		observer = NopObserver{}
	}

	return &Engine{
		links:     links,
		subs:      subs,
		fetcher:   fetcher,
		parser:    parser,
		notifier:  notifier,
		observer:  observer,
		throttle:  rate.NewLimiter(limit, 1),
		maxErrors: cfg.MaxErrors,
		log:       log,
	}
}

// Targets returns every active link that has at least one active subscriber.
func (e *Engine) Targets(ctx context.Context) ([]domain.Target, error) {
	byURL, err := e.subs.SubscribedURLs(ctx)
	if err != nil {
		return nil, fmt.Errorf("get subscribed URLs: %w", err)
	}

	links, err := e.links.ActiveAmong(ctx, slices.Sorted(maps.Keys(byURL)))
	if err != nil {
		return nil, fmt.Errorf("get active links: %w", err)
	}

	targets := make([]domain.Target, 0, len(links))
	for _, link := range links {
		targets = append(targets, domain.Target{Link: link, Subscribers: byURL[link.URL]})
	}

	return targets, nil
}

// Tick checks every target once, one link at a time. A failing link never
// stops the others.
func (e *Engine) Tick(ctx context.Context) error {
	start := time.Now()
	log := e.log.With("tickID", uuid.NewString())

	targets, err := e.Targets(ctx)
	if err != nil {
		log.ErrorContext(ctx, "Failed to collect links to check",
			"error", err)

		return err
	}

	log.InfoContext(ctx, "Tick is started",
		"links", len(targets))

	checked := 0

	for _, target := range targets {
		if err = e.throttle.Wait(ctx); err != nil {
			break
		}

		e.checkLink(ctx, log.With("url", target.Link.URL), target)
		checked++
	}

	duration := time.Since(start)
	e.observer.ObserveTick(duration, checked)

	if ctx.Err() != nil {
		log.WarnContext(ctx, "Tick is interrupted",
			"checked", checked,
			"links", len(targets),
			"duration", duration)

		return ctx.Err()
	}

	log.InfoContext(ctx, "Tick is finished",
		"checked", checked,
		"duration", duration)

	return nil
}

func (e *Engine) checkLink(ctx context.Context, log *slog.Logger, target domain.Target) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "Link check panicked",
				"panic", r,
				"stack", string(debug.Stack()))

			e.observer.ObserveCheck(OutcomeFailure)
			e.recordFailure(ctx, log, target.Link)
		}
	}()

	if err := e.check(ctx, log, target); err != nil {
		if ctx.Err() != nil {
			return
		}

		log.ErrorContext(ctx, "Failed to check link",
			"error", err)

		e.observer.ObserveCheck(OutcomeFailure)
		e.recordFailure(ctx, log, target.Link)
	}
}

func (e *Engine) check(ctx context.Context, log *slog.Logger, target domain.Target) error {
	link := target.Link

	body, err := e.fetcher.Fetch(ctx, link.URL)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		log.WarnContext(ctx, "Feed is unavailable",
			"error", err,
			"errorCount", link.ErrorCount+1)

		e.observer.ObserveCheck(OutcomeFetchError)
		e.recordFailure(ctx, log, link)

		return nil
	}

	entries, err := e.parser.Parse(ctx, body)
	if err != nil {
		log.WarnContext(ctx, "Feed is not parsable",
			"error", err,
			"bytes", len(body))

		e.observer.ObserveCheck(OutcomeParseError)

		return e.recordSuccess(ctx, link.URL)
	}

	known, err := e.links.KnownIdentifiers(ctx, link.URL)
	if err != nil {
		return fmt.Errorf("get known identifiers: %w", err)
	}

	// A link that was never seeded announces nothing on its first read.
	if !link.Seeded && len(known) == 0 {
		added, err := e.links.Seed(ctx, link.URL, entries)
		if err != nil {
			return fmt.Errorf("seed known identifiers: %w", err)
		}

		log.InfoContext(ctx, "Link is seeded on check",
			"entries", len(entries),
			"recorded", added)

		e.observer.ObserveCheck(OutcomeSeeded)

		return e.recordSuccess(ctx, link.URL)
	}

	var fresh []domain.Entry
	for _, entry := range entries {
		if _, ok := known[entry.ID]; !ok {
			known[entry.ID] = struct{}{}
			fresh = append(fresh, entry)
		}
	}

	if len(fresh) == 0 {
		log.DebugContext(ctx, "No new entries",
			"entries", len(entries))

		e.observer.ObserveCheck(OutcomeUnchanged)

		return e.recordSuccess(ctx, link.URL)
	}

	added, err := e.links.RecordNewEntries(ctx, link.URL, fresh)
	if err != nil {
		return fmt.Errorf("record new entries: %w", err)
	}

	log.InfoContext(ctx, "New entries are found",
		"entries", len(entries),
		"new", len(fresh),
		"recorded", added,
		"subscribers", len(target.Subscribers))

	e.observer.ObserveNewEntries(len(fresh))
	e.fanOut(ctx, log, target, fresh)
	e.observer.ObserveCheck(OutcomeNew)

	return e.recordSuccess(ctx, link.URL)
}

func (e *Engine) fanOut(ctx context.Context, log *slog.Logger, target domain.Target, entries []domain.Entry) {
	for _, sub := range target.Subscribers {
		active, err := e.subs.IsActive(ctx, sub.UserID)
		if err != nil {
			log.ErrorContext(ctx, "Failed to check subscriber",
				"error", err,
				"userID", sub.UserID)

			continue
		}
		if !active {
			continue
		}

		for _, entry := range entries {
			err = e.notifier.NotifyNewEntry(ctx, sub, target.Link, entry)
			e.observer.ObserveNotification("new_entry", delivery(err))

			if errors.Is(err, notify.ErrRecipientUnreachable) {
				break
			}
		}
	}
}

func (e *Engine) recordSuccess(ctx context.Context, url string) error {
	if err := e.links.RecordCheckOutcome(ctx, url, true, 0); err != nil {
		return fmt.Errorf("record successful check: %w", err)
	}

	return nil
}

func (e *Engine) recordFailure(ctx context.Context, log *slog.Logger, link domain.Link) {
	if err := e.links.RecordCheckOutcome(ctx, link.URL, false, 1); err != nil {
		log.ErrorContext(ctx, "Failed to record failed check",
			"error", err)

		return
	}

	deactivated, err := e.links.DeactivateIfErrorThresholdExceeded(ctx, link.URL, e.maxErrors)
	if err != nil {
		log.ErrorContext(ctx, "Failed to evaluate deactivation",
			"error", err)

		return
	}
	if !deactivated {
		return
	}

	e.observer.ObserveDeactivation()

	subscribers, err := e.subs.SubscribersOf(ctx, link.URL)
	if err != nil {
		log.ErrorContext(ctx, "Failed to get subscribers of deactivated link",
			"error", err)

		return
	}

	log.WarnContext(ctx, "Link is deactivated after repeated errors",
		"maxErrors", e.maxErrors,
		"subscribers", len(subscribers))

	for _, sub := range subscribers {
		err = e.notifier.NotifyDeactivated(ctx, sub, link.DisplayURL())
		e.observer.ObserveNotification("deactivation", delivery(err))
	}
}

// Populate seeds the known identifiers of a freshly subscribed link without
// notifying anyone. Links already seeded are left alone.
func (e *Engine) Populate(ctx context.Context, url string) error {
	log := e.log.With("url", url)

	link, found, err := e.links.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("get link: %w", err)
	}
	if !found || !link.Active || link.Seeded {
		log.DebugContext(ctx, "Population is not needed",
			"found", found,
			"active", link.Active,
			"seeded", link.Seeded)

		return nil
	}

	body, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		e.observer.ObservePopulation(OutcomeFetchError)

		if recordErr := e.links.RecordCheckOutcome(ctx, url, false, 1); recordErr != nil {
			err = errors.Join(err, recordErr)
		}

		return fmt.Errorf("fetch feed: %w", err)
	}

	entries, err := e.parser.Parse(ctx, body)
	if err != nil {
		log.WarnContext(ctx, "Feed is not parsable, nothing to populate",
			"error", err)

		e.observer.ObservePopulation(OutcomeParseError)

		return e.recordSuccess(ctx, url)
	}

	added, err := e.links.Seed(ctx, url, entries)
	if err != nil {
		e.observer.ObservePopulation(OutcomeFailure)

		return fmt.Errorf("record entries: %w", err)
	}

	log.InfoContext(ctx, "Link is populated",
		"entries", len(entries),
		"recorded", added)

	if added > 0 {
		e.observer.ObservePopulation(OutcomeNew)
	} else {
		e.observer.ObservePopulation(OutcomeUnchanged)
	}

	return e.recordSuccess(ctx, url)
}

// Unpopulated lists active subscribed links that were never seeded.
func (e *Engine) Unpopulated(ctx context.Context) ([]string, error) {
	targets, err := e.Targets(ctx)
	if err != nil {
		return nil, err
	}

	var urls []string
	for _, t := range targets {
		if !t.Link.Seeded {
			urls = append(urls, t.Link.URL)
		}
	}

	return urls, nil
}

func delivery(err error) string {
	switch {
	case err == nil:
		return DeliverySent
	case errors.Is(err, notify.ErrRecipientUnreachable):
		return DeliveryUnreachable
	default:
		return DeliveryFailed
	}
}

// NopObserver discards all observations.
type NopObserver struct{}

func (NopObserver) ObserveTick(time.Duration, int)     {}
func (NopObserver) ObserveCheck(string)                {}
func (NopObserver) ObserveNewEntries(int)              {}
func (NopObserver) ObserveNotification(string, string) {}
func (NopObserver) ObserveDeactivation()               {}
func (NopObserver) ObservePopulation(string)           {}
