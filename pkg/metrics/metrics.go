// Package metrics defines the Prometheus collectors exported by reportvault.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reportvault"

// Operation results.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

var (
	once sync.Once

	// ReportsCreatedTotal counts persisted reports.
	ReportsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_created_total",
		Help:      "Total number of reports created, labeled by source type and status.",
	}, []string{"source_type", "status"})

	// ReportOperationsTotal counts lifecycle operations by outcome. Rejected
	// means a validation, not-found or access-denied outcome.
	ReportOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "report_operations_total",
		Help:      "Total number of report lifecycle operations, labeled by operation and result.",
	}, []string{"operation", "result"})

	// ExportsTotal counts rendered downloads.
	ExportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exports_total",
		Help:      "Total number of report downloads rendered, labeled by format.",
	}, []string{"format"})

	// SideEffectErrorsTotal counts failed best-effort work after a write.
	SideEffectErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "side_effect_errors_total",
		Help:      "Total number of failed or dropped archive and event side effects, labeled by kind.",
	}, []string{"kind"})

	// HTTPRequestDurationSeconds observes API latency.
	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency, labeled by method and status code.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "status"})
)

// Register registers the collectors with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ReportsCreatedTotal,
			ReportOperationsTotal,
			ExportsTotal,
			SideEffectErrorsTotal,
			HTTPRequestDurationSeconds,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
