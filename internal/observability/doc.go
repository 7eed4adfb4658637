// Package observability covers the monitor's own health: structured
// logging, Prometheus metrics, and an optional OpenTelemetry bridge.
//
// It is deliberately separate from the telemetry pipeline in
// internal/events. Events describe the monitored application; this
// package describes the monitor itself, so a misbehaving pipeline can
// still be diagnosed.
//
// # Logging
//
// Logging is built on slog with sensitive data redaction. API keys,
// JWTs, passwords, and custom patterns are scrubbed before any record
// is written, and trace coordinates carried on the context are
// attached automatically:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	ctx = observability.WithTrace(ctx, traceID, spanID, agentID)
//	logger.Info(ctx, "monitoring started", "agent_id", agentID)
//
// Logs default to stderr so they never interleave with the monitored
// application's stdout.
//
// # Metrics
//
// Pipeline-health counters and histograms, registered with Prometheus:
// events emitted and dropped per sink, scan latency and verdicts,
// store write latency, wrapped-call overhead, and security alerts by
// category and severity. NewMetricsWithRegistry exists for tests that
// need an isolated registry.
//
// # Tracing
//
// When an OTLP endpoint is configured, finished monitor spans are
// mirrored through an OpenTelemetry tracer so they appear in Jaeger or
// Tempo next to the JSON event stream. With no endpoint the bridge is
// a no-op; the event pipeline never depends on it.
package observability
