package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lotwatch/internal/app"
	"lotwatch/internal/bot"
	"lotwatch/internal/config"
	"lotwatch/internal/database"
	"lotwatch/internal/feed"
	"lotwatch/internal/metrics"
	"lotwatch/internal/monitor"
	"lotwatch/internal/notify"
	"lotwatch/internal/ratelimiter"
	"lotwatch/internal/registry"
	"lotwatch/internal/scheduler"
	"lotwatch/internal/store"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("Failed to load .env file",
			"error", err)

		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration",
			"error", err)

		os.Exit(1)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	if err = run(cfg, log); err != nil {
		log.Error("Exiting with error",
			"error", err)

		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	start := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := initBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBackend(); err != nil {
			log.ErrorContext(ctx, "Failed to close store",
				"error", err,
				"driver", cfg.StoreDriver)
		}
	}()

	links := registry.NewLinks(backend, log)
	subs := registry.NewSubscriptions(backend, log)

	fetcher := feed.NewFetcher(feed.NewSafeClient(cfg.FetchTimeout), feed.FetcherConfig{
		Policy: feed.RetryPolicy{
			MaxAttempts:    cfg.FetchMaxAttempts,
			InitialBackoff: cfg.FetchInitialBackoff,
			MaxBackoff:     cfg.FetchMaxBackoff,
		},
		Timeout:   cfg.FetchTimeout,
		UserAgent: cfg.UserAgent,
		MaxBytes:  cfg.FetchMaxBytes,
	}, log)
	parser := feed.NewParser(log)

	api, err := tgbotapi.NewBotAPI(strings.TrimSpace(cfg.Token))
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "Bot is authorized",
		"username", api.Self.UserName)

	rateLimiter := ratelimiter.New(api, log)
	defer rateLimiter.Stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	dispatcher := notify.New(rateLimiter, subs, log)
	engine := monitor.NewEngine(links, subs, fetcher, parser, dispatcher, collector, monitor.Config{
		MaxErrors:    cfg.MaxFetchErrors,
		LinkThrottle: cfg.LinkThrottle,
	}, log)
	populator := monitor.NewPopulator(engine.Populate, cfg.PopulateWorkers, cfg.PopulateQueue, log)

	commands := app.New(links, subs, cfg.SupportURL, log)
	botInst := bot.New(api, rateLimiter, commands, populator, cfg.AllowedUsers, log)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return populator.Run(gCtx)
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gCtx, cfg.MetricsAddr, metrics.NewRouter(reg, collector), log)
		})
	}

	g.Go(func() error {
		botInst.Start(gCtx)
		return nil
	})
	log.InfoContext(ctx, "Bot is started",
		"updateTimeoutSeconds", bot.BotUpdateTimeout,
		"allowedUsersCount", len(cfg.AllowedUsers))

	enqueueUnpopulated(ctx, engine, populator, log)

	// Ticks outlive the signal by up to SHUTDOWN_GRACE; Stop cancels them.
	sched := scheduler.New(context.WithoutCancel(ctx), engine, scheduler.Config{
		Interval: cfg.CheckInterval,
		Jitter:   cfg.CheckJitter,
		Grace:    cfg.ShutdownGrace,
	}, log)
	sched.Start()

	<-gCtx.Done()
	log.InfoContext(ctx, "Shutdown is requested",
		"cause", context.Cause(gCtx))

	sched.Stop()

	err = g.Wait()

	log.InfoContext(ctx, "Exiting...",
		"uptimeSeconds", time.Since(start).Seconds())

	return err
}

func initBackend(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Backend, func() error, error) {
	if cfg.StoreDriver == config.StoreDriverSQLite {
		db, err := database.New(ctx, cfg.DBPath, log)
		if err != nil {
			return nil, nil, err
		}

		log.InfoContext(ctx, "DB is initialized",
			"dbPath", cfg.DBPath)

		return db, db.Close, nil
	}

	fb, err := store.NewFileBackend(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}

	log.InfoContext(ctx, "File store is initialized",
		"dataDir", cfg.DataDir)

	return fb, func() error { return nil }, nil
}

// enqueueUnpopulated seeds links subscribed before they could be populated,
// e.g. after a crash right after /add.
func enqueueUnpopulated(ctx context.Context, engine *monitor.Engine, populator *monitor.Populator, log *slog.Logger) {
	urls, err := engine.Unpopulated(ctx)
	if err != nil {
		log.ErrorContext(ctx, "Failed to list unpopulated links",
			"error", err)

		return
	}

	queued := 0
	for _, url := range urls {
		if populator.Enqueue(url) {
			queued++
		}
	}

	if len(urls) > 0 {
		log.InfoContext(ctx, "Unpopulated links are queued",
			"links", len(urls),
			"queued", queued)
	}
}
