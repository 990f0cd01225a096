package httpapi

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BundlerMetrics aggregates the HTTP-surface counters exposed at
// /bundler_metrics. Registration is guarded by a sync.Once singleton so
// tests constructing multiple routers share one registry.
type BundlerMetrics struct {
	Registry *prometheus.Registry

	requests        *prometheus.CounterVec
	durations       *prometheus.HistogramVec
	uploadsAdmitted *prometheus.CounterVec
	paymentsSettled *prometheus.CounterVec
	bytesAdmitted   prometheus.Counter
}

var (
	metricsOnce     sync.Once
	bundlerRegistry *BundlerMetrics
)

// Metrics returns the process-wide HTTP metrics registry.
func Metrics() *BundlerMetrics {
	metricsOnce.Do(func() {
		registry := prometheus.NewRegistry()
		bundlerRegistry = &BundlerMetrics{
			Registry: registry,
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bundler_requests_total",
				Help: "Total HTTP requests processed, by route, method, and status.",
			}, []string{"route", "method", "status"}),
			durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "bundler_request_duration_seconds",
				Help:    "HTTP request latency by route.",
				Buckets: prometheus.DefBuckets,
			}, []string{"route", "method"}),
			uploadsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bundler_uploads_admitted_total",
				Help: "Data items admitted, by upload path and payment mode.",
			}, []string{"path", "mode"}),
			paymentsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bundler_payments_settled_total",
				Help: "Payments settled via a facilitator, by mode.",
			}, []string{"mode"}),
			bytesAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bundler_bytes_admitted_total",
				Help: "Total payload bytes admitted across all upload paths.",
			}),
		}
		registry.MustRegister(
			bundlerRegistry.requests,
			bundlerRegistry.durations,
			bundlerRegistry.uploadsAdmitted,
			bundlerRegistry.paymentsSettled,
			bundlerRegistry.bytesAdmitted,
		)
	})
	return bundlerRegistry
}

// RecordUpload counts an admitted data item.
func (m *BundlerMetrics) RecordUpload(path, mode string, byteCount int64) {
	m.uploadsAdmitted.WithLabelValues(path, mode).Inc()
	if byteCount > 0 {
		m.bytesAdmitted.Add(float64(byteCount))
	}
}

// RecordPayment counts a settled payment.
func (m *BundlerMetrics) RecordPayment(mode string) {
	m.paymentsSettled.WithLabelValues(mode).Inc()
}
