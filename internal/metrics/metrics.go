// Package metrics exposes Prometheus collectors for the crawl engine.
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
	sitesPoppedTotal           prometheus.Counter
	siteCyclesTotal            *prometheus.CounterVec
	heartbeatsTotal            *prometheus.CounterVec
	leaseErrorsTotal           *prometheus.CounterVec
	taskTransitionsTotal       *prometheus.CounterVec
	dedupChecksTotal           *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	healingAttemptsTotal       *prometheus.CounterVec
	llmRequestDurationSeconds  *prometheus.HistogramVec
	throttleWaitSeconds        *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	handoffWaitSeconds         prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		sitesPoppedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawler_sites_popped_total",
			Help: "Sites leased from the scheduling index.",
		})
		siteCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_site_cycles_total",
			Help: "Completed site cycles, labeled by outcome.",
		}, []string{"outcome"})
		heartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_heartbeats_total",
			Help: "Lease extensions, labeled by result.",
		}, []string{"result"})
		leaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_lease_errors_total",
			Help: "Scheduling index failures, labeled by operation.",
		}, []string{"op"})
		taskTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_task_transitions_total",
			Help: "Task state transitions, labeled by target status and failure kind.",
		}, []string{"status", "kind"})
		dedupChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_dedup_checks_total",
			Help: "Dedup window lookups, labeled by result.",
		}, []string{"result"})
		fetchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Page fetch latency, labeled by fetcher and outcome.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"fetcher", "outcome"})
		healingAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_healing_attempts_total",
			Help: "Selector repair attempts, labeled by objective and result.",
		}, []string{"objective", "result"})
		llmRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_llm_request_duration_seconds",
			Help:    "Selector recommendation latency, labeled by provider.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 60},
		}, []string{"provider"})
		throttleWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_throttle_wait_seconds",
			Help:    "Time spent waiting on a token bucket, labeled by limiter.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"limiter"})
		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Consumers currently running a site cycle.",
		})
		handoffWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_handoff_wait_seconds",
			Help:    "Time a leased site waited in the local queue before a consumer took it.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Admin API requests, labeled by method and code.",
		}, []string{"method", "code"})
		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Admin API latency, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSitesPopped counts sites handed out by one pop.
func ObserveSitesPopped(n int) {
	Init()
	sitesPoppedTotal.Add(float64(n))
}

// ObserveSiteCycle counts a finished site cycle ("worked", "idle", "error", "panic").
func ObserveSiteCycle(outcome string) {
	Init()
	siteCyclesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHeartbeat counts a lease extension attempt.
func ObserveHeartbeat(err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	heartbeatsTotal.WithLabelValues(result).Inc()
}

// ObserveLeaseError counts a failed scheduling index call.
func ObserveLeaseError(op string) {
	Init()
	leaseErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveTransition counts a task state change. kind is empty on success.
func ObserveTransition(status, kind string) {
	Init()
	if kind == "" {
		kind = "none"
	}
	taskTransitionsTotal.WithLabelValues(status, kind).Inc()
}

// ObserveDedup counts a dedup lookup.
func ObserveDedup(seen bool) {
	Init()
	result := "new"
	if seen {
		result = "seen"
	}
	dedupChecksTotal.WithLabelValues(result).Inc()
}

// ObserveFetch records a fetch latency.
func ObserveFetch(fetcher string, err error, d time.Duration) {
	Init()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	fetchDurationSeconds.WithLabelValues(fetcher, outcome).Observe(d.Seconds())
}

// ObserveHealing counts a repair attempt ("repaired", "rejected", "no_recommendation",
// "not_needed", "conflict", "error").
func ObserveHealing(objective, result string) {
	Init()
	healingAttemptsTotal.WithLabelValues(objective, result).Inc()
}

// ObserveLLMRequest records a recommendation call latency.
func ObserveLLMRequest(provider string, d time.Duration) {
	Init()
	llmRequestDurationSeconds.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveThrottleWait records how long a caller waited for a token.
func ObserveThrottleWait(limiter string, d time.Duration) {
	Init()
	throttleWaitSeconds.WithLabelValues(limiter).Observe(d.Seconds())
}

// IncActiveWorkers increments the active consumer gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active consumer gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHandoffWait records how long a leased site sat in the local queue.
func ObserveHandoffWait(d time.Duration) {
	Init()
	handoffWaitSeconds.Observe(d.Seconds())
}

// ObserveHTTPRequest records an admin API request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
