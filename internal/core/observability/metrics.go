package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Stored-metric outcomes reported through ObserveURLMetricStored.
const (
	ResultStored        = "stored"
	ResultInvalid       = "invalid"
	ResultGroupComplete = "group_complete"
	ResultETagMismatch  = "etag_mismatch"
	ResultRateLimited   = "rate_limited"
	ResultError         = "error"
)

// Preload link sources reported through AddPreloadLinks.
const (
	SourceImage           = "image"
	SourceBackgroundImage = "background_image"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	urlMetricsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "url_metrics_stored_total",
			Help: "URL Metric submissions by outcome.",
		},
		[]string{"result"},
	)

	urlMetricEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "url_metric_evictions_total",
			Help: "URL Metrics evicted to keep groups within their sample size.",
		},
	)

	preloadLinks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preload_links_total",
			Help: "Preload links added to documents by source.",
		},
		[]string{"source"},
	)

	optimizePasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimize_passes_total",
			Help: "Document optimization passes by whether every group was complete.",
		},
		[]string{"complete"},
	)

	storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_op_total",
			Help: "URL Metric store operations by result.",
		},
		[]string{"op", "result"},
	)

	storeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Latency of URL Metric store operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal,
		httpRequestDurationSeconds,
		urlMetricsStored,
		urlMetricEvictions,
		preloadLinks,
		optimizePasses,
		storeOps,
		storeOpDuration,
	}
}

// Init registers the service collectors on reg. Registering twice on the same registry
// is a no-op so tests and binaries can share it.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveURLMetricStored(result string) {
	urlMetricsStored.WithLabelValues(result).Inc()
}

func AddEvictions(n int) {
	if n > 0 {
		urlMetricEvictions.Add(float64(n))
	}
}

func AddPreloadLinks(source string, n int) {
	if n > 0 {
		preloadLinks.WithLabelValues(source).Add(float64(n))
	}
}

func ObserveOptimizePass(complete bool) {
	optimizePasses.WithLabelValues(strconv.FormatBool(complete)).Inc()
}

// ObserveStoreOp records one backend call. Misses are reported by the caller as
// op-specific results, not errors.
func ObserveStoreOp(op string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	storeOps.WithLabelValues(op, res).Inc()
	storeOpDuration.WithLabelValues(op).Observe(durationSeconds)
}
