// Package metrics exposes Prometheus collectors for the crawl pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal           *prometheus.CounterVec
	fetchBytesTotal        prometheus.Counter
	fetchDurationSeconds   prometheus.Histogram
	itemsTotal             *prometheus.CounterVec
	unitsWrittenTotal      prometheus.Counter
	activeWorkers          prometheus.Gauge
	rateLimitWaitSeconds   prometheus.Histogram
	challengeWaitsTotal    *prometheus.CounterVec
	gapsFilledTotal        prometheus.Counter
	containersRotatedTotal prometheus.Counter
	archivedRecordsTotal   prometheus.Counter

	once sync.Once
)

// Init registers all collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookcrawl_fetches_total",
				Help: "Total fetch attempts by terminal outcome.",
			},
			[]string{"outcome"},
		)
		fetchBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookcrawl_fetch_bytes_total",
				Help: "Total bytes fetched.",
			},
		)
		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bookcrawl_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookcrawl_items_total",
				Help: "Items reaching a terminal state, by status.",
			},
			[]string{"status"},
		)
		unitsWrittenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookcrawl_units_written_total",
				Help: "Units written to the unit store.",
			},
		)
		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bookcrawl_active_workers",
				Help: "Workers currently processing an item.",
			},
		)
		rateLimitWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bookcrawl_rate_limit_wait_seconds",
				Help:    "Histogram of per-worker rate limit waits.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5},
			},
		)
		challengeWaitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookcrawl_challenge_waits_total",
				Help: "Challenge-resolution waits, by result.",
			},
			[]string{"result"},
		)
		gapsFilledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookcrawl_gaps_filled_total",
				Help: "Missing units recovered by the repair pass.",
			},
		)
		containersRotatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookcrawl_containers_rotated_total",
				Help: "Archive container files opened.",
			},
		)
		archivedRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookcrawl_archived_records_total",
				Help: "Records appended to archive containers.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one terminal fetch attempt.
func ObserveFetch(outcome string, duration time.Duration, bytes int) {
	Init()
	fetchesTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		fetchDurationSeconds.Observe(duration.Seconds())
	}
	if bytes > 0 {
		fetchBytesTotal.Add(float64(bytes))
	}
}

// ObserveRateLimitWait records a rate limit pause.
func ObserveRateLimitWait(wait time.Duration) {
	Init()
	rateLimitWaitSeconds.Observe(wait.Seconds())
}

// ObserveItem records an item reaching a terminal status.
func ObserveItem(status string) {
	Init()
	itemsTotal.WithLabelValues(status).Inc()
}

// ObserveUnitWritten counts one stored unit.
func ObserveUnitWritten() {
	Init()
	unitsWrittenTotal.Inc()
}

// WorkerStarted increments the active worker gauge.
func WorkerStarted() {
	Init()
	activeWorkers.Inc()
}

// WorkerStopped decrements the active worker gauge.
func WorkerStopped() {
	Init()
	activeWorkers.Dec()
}

// ObserveChallengeWait records a solver invocation result ("solved" or
// "timeout").
func ObserveChallengeWait(result string) {
	Init()
	challengeWaitsTotal.WithLabelValues(result).Inc()
}

// ObserveGapFilled counts one repaired unit.
func ObserveGapFilled() {
	Init()
	gapsFilledTotal.Inc()
}

// ObserveContainerRotated counts one opened container file.
func ObserveContainerRotated() {
	Init()
	containersRotatedTotal.Inc()
}

// ObserveArchivedRecord counts one archived record.
func ObserveArchivedRecord() {
	Init()
	archivedRecordsTotal.Inc()
}
