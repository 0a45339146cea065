package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const minDelay = time.Second

// Job is one scheduled run, e.g. a monitoring tick.
type Job interface {
	Tick(ctx context.Context) error
}

type Config struct {
	Interval time.Duration
	Jitter   time.Duration
	// Grace is how long Stop waits for a running tick before cancelling it.
	Grace time.Duration
}

// Scheduler runs Job every Interval±Jitter. A run that is still going when
// the next one is due causes that next one to be skipped.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
	job    Job
	cfg    Config
	log    *slog.Logger
}

func New(ctx context.Context, job Job, cfg Config, log *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)

	cronLog := cronLogger{log: log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		),
	)

	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		cron:   c,
		job:    job,
		cfg:    cfg,
		log:    log,
	}
}

func (s *Scheduler) Start() {
	s.cron.Schedule(jitterSchedule{interval: s.cfg.Interval, jitter: s.cfg.Jitter}, cron.FuncJob(s.tick))
	s.cron.Start()

	s.log.InfoContext(s.ctx, "Scheduler is started",
		"interval", s.cfg.Interval,
		"jitter", s.cfg.Jitter)
}

// Stop prevents new runs and waits up to Grace for a running one. After
// that the run's context is cancelled and Stop waits for it to return.
func (s *Scheduler) Stop() {
	stopped := s.cron.Stop()

	timer := time.NewTimer(s.cfg.Grace)
	defer timer.Stop()

	select {
	case <-stopped.Done():
		s.log.InfoContext(s.ctx, "Scheduler is stopped")
	case <-timer.C:
		s.log.WarnContext(s.ctx, "Running tick exceeded shutdown grace, cancelling",
			"grace", s.cfg.Grace)

		s.cancel()
		<-stopped.Done()
	}

	s.cancel()
}

func (s *Scheduler) tick() {
	select {
	case <-s.ctx.Done():
		s.log.InfoContext(s.ctx, "Scheduler context is done",
			"error", s.ctx.Err())
		return
	default:
	}

	if err := s.job.Tick(s.ctx); err != nil {
		s.log.ErrorContext(s.ctx, "Scheduled tick failed",
			"error", err)
	}
}

// jitterSchedule fires interval after the previous activation, shifted by a
// uniformly random offset in [-jitter, +jitter].
type jitterSchedule struct {
	interval time.Duration
	jitter   time.Duration
}

func (s jitterSchedule) Next(t time.Time) time.Time {
	return t.Add(s.delay())
}

func (s jitterSchedule) delay() time.Duration {
	d := s.interval
	if s.jitter > 0 {
		d += time.Duration(rand.Int64N(int64(2*s.jitter)+1)) - s.jitter
	}

	return max(d, minDelay)
}

// cronLogger routes cron's own messages through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("Cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("Cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
