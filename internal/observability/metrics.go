// Package observability defines the Prometheus metrics shared by the API and
// worker binaries.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Requests issued to remote catalog servers by outcome.",
		},
		[]string{"provider", "outcome"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"provider"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Jobs finished, by kind and terminal status.",
		},
		[]string{"kind", "status"},
	)

	jobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall time of finished jobs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16), // 100ms to ~1.8h
		},
		[]string{"kind"},
	)

	storageRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_rows_total",
			Help: "Features written to a storage backend.",
		},
		[]string{"backend"},
	)

	storageOpSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_op_duration_seconds",
			Help:    "Duration of storage backend operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"backend", "op"},
	)

	proxySelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_selections_total",
			Help: "Proxy URLs handed out, by provider.",
		},
		[]string{"provider"},
	)

	changeChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "change_checks_total",
			Help: "Change detection probes by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	exportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exports_total",
			Help: "Export jobs by format and outcome.",
		},
		[]string{"format", "outcome"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstream(provider string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	upstreamRequestsTotal.WithLabelValues(provider, outcome).Inc()
	upstreamLatencySeconds.WithLabelValues(provider).Observe(durationSeconds)
}

func ObserveJob(kind, status string, durationSeconds float64) {
	jobsTotal.WithLabelValues(kind, status).Inc()
	jobDurationSeconds.WithLabelValues(kind).Observe(durationSeconds)
}

func AddStorageRows(backend string, n int) {
	if n > 0 {
		storageRowsTotal.WithLabelValues(backend).Add(float64(n))
	}
}

func ObserveStorageOp(backend, op string, durationSeconds float64) {
	storageOpSeconds.WithLabelValues(backend, op).Observe(durationSeconds)
}

func IncProxySelection(provider string) {
	proxySelectionsTotal.WithLabelValues(provider).Inc()
}

func IncChangeCheck(method string, changed, conclusive bool) {
	outcome := "unchanged"
	switch {
	case !conclusive:
		outcome = "inconclusive"
	case changed:
		outcome = "changed"
	}
	changeChecksTotal.WithLabelValues(method, outcome).Inc()
}

func IncExport(format, outcome string) {
	exportsTotal.WithLabelValues(format, outcome).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
