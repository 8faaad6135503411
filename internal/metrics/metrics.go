// Package metrics exposes Prometheus collectors for the resolver service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	resolverRunsTotal          *prometheus.CounterVec
	resolverLinksDiscovered    prometheus.Counter
	resolverLinksResolved      prometheus.Counter
	resolverActiveSlots        prometheus.Gauge
	resolverQueuedLinks        prometheus.Gauge
	resolverPollCyclesTotal    prometheus.Counter
	resolverRecoveriesTotal    prometheus.Counter
	resolverReportFailures     *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		resolverRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolver_runs_total",
				Help: "Total number of resolution runs, labeled by final status.",
			},
			[]string{"status"},
		)

		resolverLinksDiscovered = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "resolver_links_discovered_total",
				Help: "Total number of permalinks discovered in fetched lists.",
			},
		)

		resolverLinksResolved = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "resolver_links_resolved_total",
				Help: "Total number of permalinks confirmed stable.",
			},
		)

		resolverActiveSlots = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "resolver_active_slots",
				Help: "Number of tabs currently tracked by the scheduler.",
			},
		)

		resolverQueuedLinks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "resolver_queued_links",
				Help: "Number of permalinks waiting for a tab.",
			},
		)

		resolverPollCyclesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "resolver_poll_cycles_total",
				Help: "Total number of completed poll cycles.",
			},
		)

		resolverRecoveriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "resolver_recoveries_total",
				Help: "Total number of surface-loss recoveries.",
			},
		)

		resolverReportFailures = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolver_report_failures_total",
				Help: "Total number of collector submission failures, by reason.",
			},
			[]string{"reason"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun increments the run counter for the given final status.
func ObserveRun(status string) {
	resolverRunsTotal.WithLabelValues(status).Inc()
}

// AddDiscovered records newly discovered permalinks.
func AddDiscovered(n int) {
	if n > 0 {
		resolverLinksDiscovered.Add(float64(n))
	}
}

// IncResolved records one confirmed-stable permalink.
func IncResolved() {
	resolverLinksResolved.Inc()
}

// SetActiveSlots updates the active slot gauge.
func SetActiveSlots(n int) {
	resolverActiveSlots.Set(float64(n))
}

// SetQueuedLinks updates the queued links gauge.
func SetQueuedLinks(n int) {
	resolverQueuedLinks.Set(float64(n))
}

// IncPollCycle records one completed poll cycle.
func IncPollCycle() {
	resolverPollCyclesTotal.Inc()
}

// IncRecovery records one surface-loss recovery.
func IncRecovery() {
	resolverRecoveriesTotal.Inc()
}

// ObserveReportFailure increments the submission failure counter.
func ObserveReportFailure(reason string) {
	resolverReportFailures.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
