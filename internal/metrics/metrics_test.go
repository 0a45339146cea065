package metrics_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lotwatch/internal/metrics"
	"lotwatch/internal/monitor"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ monitor.Observer = (*metrics.Collector)(nil)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}

	metricLoop:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metricLoop
				}
			}

			return m.GetCounter().GetValue()
		}
	}

	t.Fatalf("metric %s%v not found", name, labels)

	return 0
}

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.ObserveTick(3*time.Second, 4)
	c.ObserveCheck(monitor.OutcomeNew)
	c.ObserveCheck(monitor.OutcomeNew)
	c.ObserveCheck(monitor.OutcomeFetchError)
	c.ObserveNewEntries(5)
	c.ObserveNotification("new_entry", monitor.DeliverySent)
	c.ObserveNotification("deactivation", monitor.DeliveryUnreachable)
	c.ObserveDeactivation()
	c.ObservePopulation(monitor.OutcomeParseError)

	assert.Equal(t, 1.0, counterValue(t, reg, "lotwatch_ticks_total", nil))
	assert.Equal(t, 2.0, counterValue(t, reg, "lotwatch_link_checks_total", map[string]string{"outcome": "new"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "lotwatch_link_checks_total", map[string]string{"outcome": "fetch_error"}))
	assert.Equal(t, 5.0, counterValue(t, reg, "lotwatch_new_entries_total", nil))
	assert.Equal(t, 1.0, counterValue(t, reg, "lotwatch_notifications_total",
		map[string]string{"kind": "deactivation", "delivery": "unreachable"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "lotwatch_link_deactivations_total", nil))
	assert.Equal(t, 1.0, counterValue(t, reg, "lotwatch_populations_total", map[string]string{"outcome": "parse_error"}))
	assert.False(t, c.LastTick().IsZero())
}

func TestRouterServesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	c.ObserveDeactivation()

	srv := httptest.NewServer(metrics.NewRouter(reg, c))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "lotwatch_link_deactivations_total 1"))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var h struct {
		Status   string `json:"status"`
		LastTick string `json:"last_tick"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Empty(t, h.LastTick, "no tick yet")
}
