// Package metrics exposes Prometheus collectors for the task engine.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	claimedTasksTotal          *prometheus.CounterVec
	acquireDurationSeconds     *prometheus.HistogramVec
	staleRecoveredTotal        *prometheus.CounterVec
	releasedTasksTotal         prometheus.Counter
	capacityInUse              *prometheus.GaugeVec
	pollBackoffSeconds         prometheus.Gauge
	masterRetriesTotal         *prometheus.CounterVec
	scraperFetchesTotal        *prometheus.CounterVec
	scraperFetchSeconds        *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		claimedTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_claimed_tasks_total",
				Help: "Tasks moved from pending to in progress, labeled by admission key.",
			},
			[]string{"key"},
		)

		acquireDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskengine_acquire_duration_seconds",
				Help:    "Time spent holding the claim lock per acquire call.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"key"},
		)

		staleRecoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_stale_recovered_total",
				Help: "In-progress tasks reset to pending by the stale sweep.",
			},
			[]string{"key"},
		)

		releasedTasksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "taskengine_released_tasks_total",
				Help: "Tasks handed back by shutting-down executors.",
			},
		)

		capacityInUse = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskengine_capacity_in_use",
				Help: "Reserved or running slots per admission key in this process.",
			},
			[]string{"key"},
		)

		pollBackoffSeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskengine_poll_backoff_seconds",
				Help: "Delay before the next poll pass.",
			},
		)

		masterRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_master_retries_total",
				Help: "Retried calls from a worker to the master, labeled by endpoint.",
			},
			[]string{"endpoint"},
		)

		scraperFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_scraper_fetches_total",
				Help: "Page fetches made by bundled scrapers, labeled by scraper and outcome.",
			},
			[]string{"scraper", "outcome"},
		)

		scraperFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskengine_scraper_fetch_seconds",
				Help:    "Page fetch latency for bundled scrapers.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"scraper"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskengine_rate_limit_delay_seconds",
				Help:    "Time spent waiting for a per-host rate limit token.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAcquire records one acquire call and the number of tasks it claimed.
func ObserveAcquire(key string, claimed int, duration time.Duration) {
	Init()
	if claimed > 0 {
		claimedTasksTotal.WithLabelValues(key).Add(float64(claimed))
	}
	acquireDurationSeconds.WithLabelValues(key).Observe(duration.Seconds())
}

// ObserveStaleRecovered counts tasks reset by the stale sweep.
func ObserveStaleRecovered(key string, n int) {
	Init()
	staleRecoveredTotal.WithLabelValues(key).Add(float64(n))
}

// ObserveReleased counts tasks released on executor shutdown.
func ObserveReleased(n int) {
	Init()
	releasedTasksTotal.Add(float64(n))
}

// SetCapacityInUse publishes the local in-flight count for key.
func SetCapacityInUse(key string, n int) {
	Init()
	capacityInUse.WithLabelValues(key).Set(float64(n))
}

// SetPollBackoff publishes the current poll delay.
func SetPollBackoff(d time.Duration) {
	Init()
	pollBackoffSeconds.Set(d.Seconds())
}

// ObserveMasterRetry counts one retried master call.
func ObserveMasterRetry(endpoint string) {
	Init()
	masterRetriesTotal.WithLabelValues(endpoint).Inc()
}

// ObserveScraperFetch records one page fetch. outcome is "ok" or "error".
func ObserveScraperFetch(scraper, outcome string, duration time.Duration) {
	Init()
	scraperFetchesTotal.WithLabelValues(scraper, outcome).Inc()
	scraperFetchSeconds.WithLabelValues(scraper).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records a wait imposed by the per-host limiter.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}
