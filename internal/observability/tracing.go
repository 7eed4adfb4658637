package observability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer mirrors the monitor's finished spans into an OpenTelemetry
// pipeline so traces can land in Jaeger, Tempo, or any OTLP collector
// alongside the JSON telemetry stream.
//
// The event pipeline is the source of truth; this bridge is optional
// and purely additive. When no endpoint is configured every method is
// a cheap no-op.
//
// Usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "cylestio-monitor",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
//	tracer.Mirror(ctx, "llm.call", start, time.Now(), attrs, err)
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// TraceConfig configures the OTLP span bridge.
type TraceConfig struct {
	// ServiceName identifies this service in traces
	ServiceName string

	// ServiceVersion identifies the service version
	ServiceVersion string

	// Environment specifies the deployment environment (production, staging, dev)
	Environment string

	// Endpoint is the OTLP collector endpoint (e.g., "localhost:4317").
	// If empty, the bridge is disabled and Mirror does nothing.
	Endpoint string

	// SamplingRate controls what fraction of traces are recorded (0.0 to 1.0).
	// Defaults to 1.0 if not specified.
	SamplingRate float64

	// Attributes are additional resource attributes to include in all spans
	Attributes map[string]string

	// EnableInsecure disables TLS for the OTLP connection (dev/testing only)
	EnableInsecure bool
}

// NewTracer creates the bridge and returns it with a shutdown function
// that must be called on exit to flush batched spans.
//
// If config.Endpoint is empty, or the exporter cannot be built, a
// disabled bridge is returned and mirroring is skipped entirely.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.Endpoint == "" {
		return &Tracer{config: config}, func(context.Context) error { return nil }
	}

	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}
	if config.ServiceName == "" {
		config.ServiceName = "cylestio-monitor"
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(opts...),
	)
	if err != nil {
		return &Tracer{config: config}, func(context.Context) error { return nil }
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
		config:   config,
	}
	return t, provider.Shutdown
}

// Enabled reports whether spans are being exported.
func (t *Tracer) Enabled() bool {
	return t != nil && t.provider != nil
}

// Mirror records one finished operation as an OTel span with explicit
// start and end timestamps. Attributes are converted on a best-effort
// basis; unsupported value types are stringified. A non-nil opErr marks
// the span as failed.
//
// The monitor's own trace/span IDs travel as attributes rather than as
// the OTel span identity, so collector-side joins against the event
// stream stay possible.
func (t *Tracer) Mirror(ctx context.Context, name string, start, end time.Time, attrs map[string]any, opErr error) {
	if !t.Enabled() {
		return
	}

	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kvs = append(kvs, attributeFromValue(k, v))
	}

	_, span := t.tracer.Start(ctx, name,
		trace.WithTimestamp(start),
		trace.WithSpanKind(spanKindFor(name)),
		trace.WithAttributes(kvs...),
	)
	if opErr != nil {
		span.RecordError(opErr)
		span.SetStatus(codes.Error, opErr.Error())
	}
	span.End(trace.WithTimestamp(end))
}

// spanKindFor maps operation names onto OTel span kinds: outbound
// calls (LLM, network) are clients, everything else is internal work.
func spanKindFor(name string) trace.SpanKind {
	switch {
	case strings.HasPrefix(name, "llm."), strings.HasPrefix(name, "net."):
		return trace.SpanKindClient
	default:
		return trace.SpanKindInternal
	}
}

// InjectContext injects the OTel trace context into a carrier such as
// HTTP headers, for callers forwarding traces downstream.
func (t *Tracer) InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts OTel trace context from a carrier.
func (t *Tracer) ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

func attributeFromValue(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case time.Duration:
		return attribute.Float64(key, float64(v.Microseconds())/1000)
	case nil:
		return attribute.String(key, "")
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
