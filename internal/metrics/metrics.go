package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace         = "lotwatch"
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Collector records monitoring activity as Prometheus metrics.
type Collector struct {
	ticks         prometheus.Counter
	tickDuration  prometheus.Histogram
	linksChecked  *prometheus.CounterVec
	newEntries    prometheus.Counter
	notifications *prometheus.CounterVec
	deactivations prometheus.Counter
	populations   *prometheus.CounterVec

	lastTick atomic.Int64
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Completed monitoring ticks.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of a monitoring tick.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		linksChecked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_checks_total",
			Help:      "Link checks by outcome.",
		}, []string{"outcome"}),
		newEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "new_entries_total",
			Help:      "Entries seen for the first time during ticks.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications by kind and delivery result.",
		}, []string{"kind", "delivery"}),
		deactivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_deactivations_total",
			Help:      "Links deactivated after repeated fetch errors.",
		}),
		populations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "populations_total",
			Help:      "One-shot populations by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.ticks,
		c.tickDuration,
		c.linksChecked,
		c.newEntries,
		c.notifications,
		c.deactivations,
		c.populations,
	)

	return c
}

func (c *Collector) ObserveTick(duration time.Duration, _ int) {
	c.ticks.Inc()
	c.tickDuration.Observe(duration.Seconds())
	c.lastTick.Store(time.Now().Unix())
}

func (c *Collector) ObserveCheck(outcome string) {
	c.linksChecked.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveNewEntries(n int) {
	c.newEntries.Add(float64(n))
}

func (c *Collector) ObserveNotification(kind string, delivery string) {
	c.notifications.WithLabelValues(kind, delivery).Inc()
}

func (c *Collector) ObserveDeactivation() {
	c.deactivations.Inc()
}

func (c *Collector) ObservePopulation(outcome string) {
	c.populations.WithLabelValues(outcome).Inc()
}

// LastTick is zero until the first tick completes.
func (c *Collector) LastTick() time.Time {
	sec := c.lastTick.Load()
	if sec == 0 {
		return time.Time{}
	}

	return time.Unix(sec, 0).UTC()
}

type health struct {
	Status   string     `json:"status"`
	LastTick *time.Time `json:"last_tick,omitempty"`
}

// NewRouter serves /metrics from gatherer and /healthz from c.
func NewRouter(gatherer prometheus.Gatherer, c *Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		resp := health{Status: "ok"}
		if last := c.LastTick(); !last.IsZero() {
			resp.LastTick = &last
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	return r
}

// Serve listens on addr until ctx is done, then shuts the server down.
func Serve(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "Metrics server is listening",
			"addr", addr)

		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}

		return nil
	}
}
