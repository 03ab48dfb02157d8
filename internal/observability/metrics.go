package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the scan engine.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Scan execution metrics.
	ScanLaunchesTotal *prometheus.CounterVec
	ScansTotal        *prometheus.CounterVec
	ScanDuration      *prometheus.HistogramVec
	ScanOutputSize    *prometheus.CounterVec
	ActiveScans       prometheus.Gauge

	// Orphan reaper metrics.
	OrphansReaped prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ScanLaunchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oryx",
			Subsystem: "scan",
			Name:      "launches_total",
			Help:      "Total scan launch attempts.",
		}, []string{"tool"}),

		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oryx",
			Subsystem: "scan",
			Name:      "executions_total",
			Help:      "Total scan executions by terminal status.",
		}, []string{"tool", "status"}),

		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oryx",
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Scan execution duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"tool"}),

		ScanOutputSize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oryx",
			Subsystem: "scan",
			Name:      "output_bytes_total",
			Help:      "Total bytes of tool output streamed.",
		}, []string{"tool"}),

		ActiveScans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oryx",
			Subsystem: "scan",
			Name:      "active",
			Help:      "Number of currently active scans.",
		}),

		OrphansReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oryx",
			Subsystem: "reaper",
			Name:      "containers_removed_total",
			Help:      "Total orphaned scan containers removed.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oryx",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oryx",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ScanLaunchesTotal,
		m.ScansTotal,
		m.ScanDuration,
		m.ScanOutputSize,
		m.ActiveScans,
		m.OrphansReaped,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// The engine records through the methods below; all are nil-safe so a
// disabled collector costs one comparison per call.

// ScanStarted records a scan launch.
func (m *MetricsCollector) ScanStarted(tool string) {
	if m == nil {
		return
	}
	m.ScanLaunchesTotal.WithLabelValues(tool).Inc()
}

// ScanFinished records a scan's terminal state, duration, and output volume.
func (m *MetricsCollector) ScanFinished(tool, status string, duration time.Duration, outputBytes int) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(tool, status).Inc()
	m.ScanDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if outputBytes > 0 {
		m.ScanOutputSize.WithLabelValues(tool).Add(float64(outputBytes))
	}
}

// SetActiveScans records the current number of active scans.
func (m *MetricsCollector) SetActiveScans(n int) {
	if m == nil {
		return
	}
	m.ActiveScans.Set(float64(n))
}

// OrphanReaped records one removed orphan container.
func (m *MetricsCollector) OrphanReaped() {
	if m == nil {
		return
	}
	m.OrphansReaped.Inc()
}

// RecordHTTPRequest records one handled HTTP request.
func (m *MetricsCollector) RecordHTTPRequest(method, path, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
