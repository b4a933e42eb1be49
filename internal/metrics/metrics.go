// Package metrics exposes Prometheus collectors for the admission core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queuePopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_queue_pops_total",
			Help: "Queue pop attempts, labeled by strategy and result.",
		},
		[]string{"strategy", "result"},
	)

	queuePushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_queue_pushes_total",
			Help: "Items pushed onto the work queue, labeled by strategy.",
		},
		[]string{"strategy"},
	)

	dispatchDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_dispatch_drops_total",
			Help: "Items dropped by the dispatcher, labeled by reason.",
		},
		[]string{"reason"},
	)

	dispatchReadyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_dispatch_ready_total",
			Help: "Items that produced a ready request, labeled by scheme.",
		},
		[]string{"scheme"},
	)

	dnsResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_dns_resolutions_total",
			Help: "Hostname resolutions, labeled by record type that answered (or failed).",
		},
		[]string{"record_type"},
	)

	dnsCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlgate_dns_cache_hits_total",
			Help: "Resolutions answered from the DNS cache.",
		},
	)

	proxySelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_proxy_selections_total",
			Help: "Proxy selection attempts, labeled by scheme and result.",
		},
		[]string{"scheme", "result"},
	)

	proxyEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_proxy_evictions_total",
			Help: "Proxies removed from the shared pool, labeled by cause.",
		},
		[]string{"cause"},
	)

	proxyPenaltiesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlgate_proxy_penalties_total",
			Help: "Score penalties applied to proxies.",
		},
	)

	proxyRefillAddedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlgate_proxy_refill_added_total",
			Help: "Validated proxies inserted by refills.",
		},
	)

	proxyValidationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlgate_proxy_validation_failures_total",
			Help: "Candidate proxies that failed validation.",
		},
	)

	proxySourceFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_proxy_source_failures_total",
			Help: "Proxy source feeds that could not be fetched, labeled by source.",
		},
		[]string{"source"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlgate_active_workers",
			Help: "Number of dispatch workers currently running a cycle.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_http_requests_total",
			Help: "Admin API requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlgate_http_request_duration_seconds",
			Help:    "Admin API latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveQueuePop counts a pop attempt; result is "hit", "empty" or "error".
func ObserveQueuePop(strategy, result string) {
	queuePopsTotal.WithLabelValues(strategy, result).Inc()
}

// ObserveQueuePush counts an enqueue.
func ObserveQueuePush(strategy string) {
	queuePushesTotal.WithLabelValues(strategy).Inc()
}

// ObserveDrop counts a dispatcher drop.
func ObserveDrop(reason string) {
	dispatchDropsTotal.WithLabelValues(reason).Inc()
}

// ObserveReady counts a ready descriptor.
func ObserveReady(scheme string) {
	dispatchReadyTotal.WithLabelValues(scheme).Inc()
}

// ObserveResolution counts a resolution outcome.
func ObserveResolution(recordType string) {
	dnsResolutionsTotal.WithLabelValues(recordType).Inc()
}

// ObserveCacheHit counts a DNS cache hit.
func ObserveCacheHit() {
	dnsCacheHitsTotal.Inc()
}

// ObserveProxySelection counts a selection attempt; result is "hit" or "empty".
func ObserveProxySelection(scheme, result string) {
	proxySelectionsTotal.WithLabelValues(scheme, result).Inc()
}

// ObserveEviction counts a removal from the pool.
func ObserveEviction(cause string) {
	proxyEvictionsTotal.WithLabelValues(cause).Inc()
}

// ObservePenalty counts a score decrement.
func ObservePenalty() {
	proxyPenaltiesTotal.Inc()
}

// ObserveRefillAdded counts proxies inserted by a refill.
func ObserveRefillAdded(n int) {
	if n > 0 {
		proxyRefillAddedTotal.Add(float64(n))
	}
}

// ObserveValidationFailure counts a rejected candidate.
func ObserveValidationFailure() {
	proxyValidationFailuresTotal.Inc()
}

// ObserveSourceFailure counts an unavailable feed.
func ObserveSourceFailure(source string) {
	proxySourceFailuresTotal.WithLabelValues(source).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveHTTPRequest records an admin API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
