// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal              *prometheus.CounterVec
	crawlerBytesTotal              *prometheus.CounterVec
	crawlerFetchDurationSeconds    *prometheus.HistogramVec
	crawlerRetriesTotal            *prometheus.CounterVec
	crawlerEscalationsTotal        prometheus.Counter
	crawlerRobotsFetchesTotal      *prometheus.CounterVec
	crawlerCrawlsTotal             *prometheus.CounterVec
	crawlerActiveWorkers           prometheus.Gauge
	crawlerCrawlDelayWaitsSeconds  *prometheus.HistogramVec
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec
	crawlerSinkFailuresTotal       *prometheus.CounterVec
	crawlerExtractionDegradedTotal prometheus.Counter

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages processed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of body bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by engine.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"engine"},
		)

		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Total number of fetch retries, labeled by reason.",
			},
			[]string{"reason"},
		)

		crawlerEscalationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_escalations_total",
				Help: "Total lightweight fetches re-run with the rendering engine.",
			},
		)

		crawlerRobotsFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_fetches_total",
				Help: "Total robots.txt fetches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerCrawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_crawls_total",
				Help: "Total number of crawls finished, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a page.",
			},
		)

		crawlerCrawlDelayWaitsSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_crawl_delay_waits_seconds",
				Help:    "Histogram of per-domain crawl-delay waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

		crawlerSinkFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_sink_failures_total",
				Help: "Total result sink write failures, labeled by sink.",
			},
			[]string{"sink"},
		)

		crawlerExtractionDegradedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_extraction_degraded_total",
				Help: "Total pages whose content extraction fell back to best effort.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage records one emitted result.
func ObservePage(site, outcome string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetch records the latency of one engine fetch.
func ObserveFetch(engine string, duration time.Duration) {
	Init()
	crawlerFetchDurationSeconds.WithLabelValues(engine).Observe(duration.Seconds())
}

// ObserveRetry increments the retry counter for reason.
func ObserveRetry(reason string) {
	Init()
	crawlerRetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveEscalation increments the escalation counter.
func ObserveEscalation() {
	Init()
	crawlerEscalationsTotal.Inc()
}

// ObserveRobotsFetch records a robots.txt fetch outcome.
func ObserveRobotsFetch(outcome string) {
	Init()
	crawlerRobotsFetchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveCrawl increments the finished-crawl counter for the given status.
func ObserveCrawl(status string) {
	Init()
	crawlerCrawlsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveCrawlDelay records how long a dispatch waited on a domain's crawl delay.
func ObserveCrawlDelay(domain string, duration time.Duration) {
	Init()
	crawlerCrawlDelayWaitsSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSinkFailure increments the failure counter for a result sink.
func ObserveSinkFailure(sink string) {
	Init()
	crawlerSinkFailuresTotal.WithLabelValues(sink).Inc()
}

// ObserveExtractionDegraded counts a best-effort extraction.
func ObserveExtractionDegraded() {
	Init()
	crawlerExtractionDegradedTotal.Inc()
}
