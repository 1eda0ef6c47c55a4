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
	fetchesTotal            *prometheus.CounterVec
	fetchDurationSeconds    *prometheus.HistogramVec
	parsedRecordsTotal      *prometheus.CounterVec
	parseFailuresTotal      *prometheus.CounterVec
	mergeConflictsTotal     *prometheus.CounterVec
	sessionRenewalsTotal    prometheus.Counter
	rateLimitDelaysSeconds  prometheus.Histogram
	commitBatchesTotal      *prometheus.CounterVec
	blobStoresTotal         *prometheus.CounterVec
	activeWorkers           prometheus.Gauge
	targetsRemaining        prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total page fetches, labeled by page kind and outcome class.",
			},
			[]string{"page", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by page kind.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"page"},
		)

		parsedRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_parsed_records_total",
				Help: "Total structured records produced, labeled by entity kind.",
			},
			[]string{"kind"},
		)

		parseFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_parse_failures_total",
				Help: "Total pages that failed to parse, labeled by page kind.",
			},
			[]string{"page"},
		)

		mergeConflictsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_merge_conflicts_total",
				Help: "Total superseded field values, labeled by entity kind.",
			},
			[]string{"kind"},
		)

		sessionRenewalsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_session_renewals_total",
				Help: "Total portal session renewals performed.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		commitBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_commit_batches_total",
				Help: "Total commit transactions, labeled by result.",
			},
			[]string{"result"},
		)

		blobStoresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_blob_stores_total",
				Help: "Total attachment stores, labeled by dedup outcome.",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a target.",
			},
		)

		targetsRemaining = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_targets_remaining",
				Help: "Targets still queued in the running pass.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records a completed fetch attempt chain.
func ObserveFetch(page string, outcome string, duration time.Duration) {
	Init()
	fetchesTotal.WithLabelValues(page, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(page).Observe(duration.Seconds())
}

// ObserveParsedRecords adds produced records for an entity kind.
func ObserveParsedRecords(kind string, count int) {
	Init()
	if count > 0 {
		parsedRecordsTotal.WithLabelValues(kind).Add(float64(count))
	}
}

// ObserveParseFailure increments the parse failure counter for a page kind.
func ObserveParseFailure(page string) {
	Init()
	parseFailuresTotal.WithLabelValues(page).Inc()
}

// ObserveMergeConflict increments the superseded-value counter.
func ObserveMergeConflict(kind string) {
	Init()
	mergeConflictsTotal.WithLabelValues(kind).Inc()
}

// ObserveSessionRenewal increments the renewal counter.
func ObserveSessionRenewal() {
	Init()
	sessionRenewalsTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.Observe(duration.Seconds())
}

// ObserveCommit increments the commit counter for the given result.
func ObserveCommit(result string) {
	Init()
	commitBatchesTotal.WithLabelValues(result).Inc()
}

// ObserveBlobStore increments the blob counter ("new" or "dedup").
func ObserveBlobStore(outcome string) {
	Init()
	blobStoresTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetTargetsRemaining records the queue depth of the running pass.
func SetTargetsRemaining(n int) {
	Init()
	targetsRemaining.Set(float64(n))
}
