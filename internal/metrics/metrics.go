// Package metrics exposes Prometheus collectors for the crawl service.
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
	crawlFetchesTotal       *prometheus.CounterVec
	crawlFetchSeconds       *prometheus.HistogramVec
	crawlEntriesIndexed     *prometheus.CounterVec
	crawlDirectoriesChanged *prometheus.CounterVec
	crawlTasksPending       *prometheus.GaugeVec
	crawlSiteBackoffsTotal  *prometheus.CounterVec
	crawlActiveWorkers      prometheus.Gauge
	crawlRevisitWaitSeconds *prometheus.HistogramVec
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDurationSecs *prometheus.HistogramVec
	crawlRateLimitDelaySecs prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_fetches_total",
				Help: "Total directory fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_fetch_duration_seconds",
				Help:    "Histogram of directory listing fetch latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"site"},
		)

		crawlEntriesIndexed = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_entries_indexed_total",
				Help: "Entry mutations committed to the index, labeled by site and kind (added, removed, modified).",
			},
			[]string{"site", "kind"},
		)

		crawlDirectoriesChanged = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_directories_changed_total",
				Help: "Directory visits that observed a change, labeled by site.",
			},
			[]string{"site"},
		)

		crawlTasksPending = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawl_tasks_pending",
				Help: "Pending spool tasks, labeled by site.",
			},
			[]string{"site"},
		)

		crawlSiteBackoffsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_site_backoffs_total",
				Help: "Site-wide backoffs triggered by unreachable sites.",
			},
			[]string{"site"},
		)

		crawlActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_active_workers",
				Help: "Number of workers currently executing a fetch.",
			},
		)

		crawlRevisitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_revisit_wait_seconds",
				Help:    "Histogram of chosen revisit intervals, labeled by site.",
				Buckets: prometheus.ExponentialBuckets(60, 4, 10),
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlRateLimitDelaySecs = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawl_rate_limit_delay_seconds",
				Help:    "Histogram of global rate limit wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one completed directory fetch.
func ObserveFetch(site, outcome string, duration time.Duration) {
	crawlFetchesTotal.WithLabelValues(site, outcome).Inc()
	crawlFetchSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveDiff records the entry mutations of one committed listing.
func ObserveDiff(site string, added, removed, modified int) {
	if added > 0 {
		crawlEntriesIndexed.WithLabelValues(site, "added").Add(float64(added))
	}
	if removed > 0 {
		crawlEntriesIndexed.WithLabelValues(site, "removed").Add(float64(removed))
	}
	if modified > 0 {
		crawlEntriesIndexed.WithLabelValues(site, "modified").Add(float64(modified))
	}
	if added+removed+modified > 0 {
		crawlDirectoriesChanged.WithLabelValues(site).Inc()
	}
}

// SetPendingTasks reports the spool depth for a site.
func SetPendingTasks(site string, n int) {
	crawlTasksPending.WithLabelValues(site).Set(float64(n))
}

// ObserveSiteBackoff counts one site-wide backoff.
func ObserveSiteBackoff(site string) {
	crawlSiteBackoffsTotal.WithLabelValues(site).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	crawlActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	crawlActiveWorkers.Dec()
}

// ObserveRevisitWait records the revisit interval chosen for a directory.
func ObserveRevisitWait(site string, wait time.Duration) {
	crawlRevisitWaitSeconds.WithLabelValues(site).Observe(wait.Seconds())
}

// ObserveHTTPRequest increments the ops API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a global rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	crawlRateLimitDelaySecs.Observe(duration.Seconds())
}
