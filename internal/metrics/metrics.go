// Package metrics exposes Prometheus collectors for the archiver service.
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
	crawlsTotal                *prometheus.CounterVec
	crawlDurationSeconds       *prometheus.HistogramVec
	leaseContentionTotal       prometheus.Counter
	queuedTotal                *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     prometheus.Histogram
	diffListingsTotal          prometheus.Counter
	vncAllocationsTotal        *prometheus.CounterVec
	vncSessions                prometheus.Gauge
	archivesTotal              *prometheus.CounterVec
	archiveDurationSeconds     prometheus.Histogram
	tierMovesTotal             prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_crawls_total",
				Help: "Browser visits partitioned by job kind and result.",
			},
			[]string{"kind", "result"},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_crawl_duration_seconds",
				Help:    "Wall time of browser visits partitioned by job kind.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 600},
			},
			[]string{"kind"},
		)

		leaseContentionTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_lease_contention_total",
				Help: "Crawl requests that found their target already leased.",
			},
		)

		queuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_queued_total",
				Help: "Targets parked in a client queue, labeled by reason.",
			},
			[]string{"reason"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_workers",
				Help: "Number of client workers currently running a batch.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archiver_rate_limit_delays_seconds",
				Help:    "Histogram of per-client navigation wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		diffListingsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_diff_listings_total",
				Help: "New listings found by the diff engine.",
			},
		)

		vncAllocationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_vnc_allocations_total",
				Help: "Interactive session allocations, labeled by result.",
			},
			[]string{"result"},
		)

		vncSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_vnc_sessions",
				Help: "Interactive sessions currently provisioned by this process.",
			},
		)

		archivesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_archives_total",
				Help: "Archive attempts, labeled by result.",
			},
			[]string{"result"},
		)

		archiveDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archiver_archive_duration_seconds",
				Help:    "Time spent persisting one archive.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		tierMovesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_tier_moves_total",
				Help: "Archive entries moved to the older tier.",
			},
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

// ObserveCrawl records one browser visit.
func ObserveCrawl(kind, result string, duration time.Duration) {
	Init()
	crawlsTotal.WithLabelValues(kind, result).Inc()
	crawlDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveLeaseContention counts a request that lost the lease race.
func ObserveLeaseContention() {
	Init()
	leaseContentionTotal.Inc()
}

// ObserveQueued counts a target parked in a client queue.
func ObserveQueued(reason string) {
	Init()
	queuedTotal.WithLabelValues(reason).Inc()
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

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.Observe(duration.Seconds())
}

// ObserveDiff counts newly discovered listings.
func ObserveDiff(newListings int) {
	Init()
	if newListings > 0 {
		diffListingsTotal.Add(float64(newListings))
	}
}

// ObserveVncAllocation counts an allocation attempt.
func ObserveVncAllocation(result string) {
	Init()
	vncAllocationsTotal.WithLabelValues(result).Inc()
}

// AddVncSessions adjusts the provisioned session gauge.
func AddVncSessions(delta float64) {
	Init()
	vncSessions.Add(delta)
}

// ObserveArchive records one archive attempt.
func ObserveArchive(result string, duration time.Duration) {
	Init()
	archivesTotal.WithLabelValues(result).Inc()
	if duration > 0 {
		archiveDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveTierMoves counts entries demoted by one transfer cycle.
func ObserveTierMoves(n int) {
	Init()
	if n > 0 {
		tierMovesTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
