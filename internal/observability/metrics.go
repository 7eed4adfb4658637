package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the monitor's own pipeline health:
//   - Event throughput per sink, and drops under backpressure
//   - Security scan latency and verdict distribution
//   - Store write latency per event kind
//   - Wrapped-call latency per category
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.EventsEmitted.WithLabelValues("file").Inc()
type Metrics struct {
	// EventsEmitted counts events delivered per sink.
	// Labels: sink (file|collector|store)
	EventsEmitted *prometheus.CounterVec

	// EventsDropped counts events lost per sink and reason.
	// Labels: sink, reason (queue_full|write_failed)
	EventsDropped *prometheus.CounterVec

	// ScanDuration measures security scan latency in seconds.
	// Buckets are sub-millisecond heavy: scans sit on the hot path.
	ScanDuration prometheus.Histogram

	// ScanVerdicts counts scan outcomes.
	// Labels: alert_level (none|suspicious|dangerous), category
	ScanVerdicts *prometheus.CounterVec

	// StoreWriteDuration measures relational write latency in seconds.
	// Labels: kind (generic|llm|tool|security)
	StoreWriteDuration *prometheus.HistogramVec

	// WrappedCallDuration measures instrumented call latency in seconds.
	// Labels: category (llm|tool|process)
	WrappedCallDuration *prometheus.HistogramVec

	// SecurityAlerts counts alerts raised.
	// Labels: category, severity
	SecurityAlerts *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default
// Prometheus registry. Call once at application startup.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewMetricsWithRegistry registers against a private registry; tests
// use this to avoid duplicate-registration panics.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		EventsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cylestio_events_emitted_total",
				Help: "Total events delivered per sink",
			},
			[]string{"sink"},
		),

		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cylestio_events_dropped_total",
				Help: "Total events dropped per sink and reason",
			},
			[]string{"sink", "reason"},
		),

		ScanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cylestio_scan_duration_seconds",
				Help:    "Security scan latency",
				Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
		),

		ScanVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cylestio_scan_verdicts_total",
				Help: "Security scan outcomes by alert level and category",
			},
			[]string{"alert_level", "category"},
		),

		StoreWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cylestio_store_write_duration_seconds",
				Help:    "Relational store write latency per event kind",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"kind"},
		),

		WrappedCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cylestio_wrapped_call_duration_seconds",
				Help:    "Instrumented call latency per category",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"category"},
		),

		SecurityAlerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cylestio_security_alerts_total",
				Help: "Security alerts raised by category and severity",
			},
			[]string{"category", "severity"},
		),
	}
}
