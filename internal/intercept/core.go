// Package intercept wraps the boundaries an AI application crosses:
// LLM clients, tools, subprocess spawns, sockets, and HTTP clients.
// Every wrapper follows the same instrument-around protocol and must
// never change the semantics of the call it wraps; instrumentation
// failures are logged and swallowed.
package intercept

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cylestio/monitor/internal/events"
	"github.com/cylestio/monitor/internal/patterns"
	"github.com/cylestio/monitor/internal/rce"
	"github.com/cylestio/monitor/internal/scanner"
	"github.com/cylestio/monitor/internal/trace"
)

// Interceptor owns the wrapping state shared by every boundary.
// Disabling it leaves installed wrappers in place but inert: calls pass
// straight through to the original.
type Interceptor struct {
	builder  *events.Builder
	scanner  *scanner.Scanner
	registry *patterns.Registry
	corr     *rce.Correlator
	logger   *slog.Logger
	enabled  atomic.Bool

	onScan func(alertLevel, category string, d time.Duration)
	onCall func(category string, d time.Duration)

	exclusions *Exclusions

	mu      sync.Mutex
	wrapped map[any]struct{}

	// executable -> last calling-context class, for the
	// mcp_shell_transition rule.
	ctxSeen map[string]string
}

// Config assembles an Interceptor.
type Config struct {
	Builder    *events.Builder
	Scanner    *scanner.Scanner
	Registry   *patterns.Registry
	Correlator *rce.Correlator
	Logger     *slog.Logger

	// TelemetryEndpoint seeds the socket/HTTP exclusion set so the
	// monitor never observes its own traffic.
	TelemetryEndpoint string

	// OnScan, when set, observes every content scan with its verdict
	// and latency. OnCall observes every completed wrapped call.
	OnScan func(alertLevel, category string, d time.Duration)
	OnCall func(category string, d time.Duration)
}

// New builds an enabled interceptor.
func New(cfg Config) *Interceptor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = patterns.Default()
	}
	sc := cfg.Scanner
	if sc == nil {
		sc = scanner.New(reg)
	}
	i := &Interceptor{
		builder:    cfg.Builder,
		scanner:    sc,
		registry:   reg,
		corr:       cfg.Correlator,
		logger:     logger.With("component", "intercept"),
		onScan:     cfg.OnScan,
		onCall:     cfg.OnCall,
		exclusions: NewExclusions(cfg.TelemetryEndpoint),
		wrapped:    map[any]struct{}{},
		ctxSeen:    map[string]string{},
	}
	i.enabled.Store(true)
	return i
}

// WireAlerts routes correlator alerts into the event pipeline as
// security.alert events. Call once after construction; alerts raised
// before wiring are logged by the correlator only.
func (i *Interceptor) WireAlerts() {
	if i.corr == nil {
		return
	}
	i.corr.SetAlertFunc(func(a rce.Alert) {
		attrs := make(map[string]any, len(a.Attributes)+1)
		for k, v := range a.Attributes {
			attrs[k] = v
		}
		attrs["security.title"] = a.Title
		i.securityAlert(context.Background(), "remote_code_execution", a.Severity, a.Description, attrs)
	})
}

// Enabled reports whether wrappers are live.
func (i *Interceptor) Enabled() bool { return i.enabled.Load() }

// SetEnabled flips all wrappers between live and pass-through.
func (i *Interceptor) SetEnabled(on bool) { i.enabled.Store(on) }

// markWrapped records an instance identity; returns false when it was
// already wrapped.
func (i *Interceptor) markWrapped(instance any) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.wrapped[instance]; ok {
		return false
	}
	i.wrapped[instance] = struct{}{}
	return true
}

// Around runs fn inside a span named category.operation with
// start/finish/error events. The wrapped call's return value and error
// pass through untouched; instrumentation failures are contained.
func (i *Interceptor) Around(ctx context.Context, category, operation string, reqAttrs map[string]any, fn func(context.Context) (any, error)) (any, error) {
	if !i.enabled.Load() {
		return fn(ctx)
	}

	tc := trace.FromContext(ctx)
	name := category + "." + operation

	i.guard(func() {
		tc.StartSpan(name)
		i.builder.LogEvent(ctx, name+".start", reqAttrs)
	})

	started := time.Now()
	result, err := fn(ctx)
	elapsed := time.Since(started)

	if i.onCall != nil {
		i.guard(func() { i.onCall(category, elapsed) })
	}

	i.guard(func() {
		defer tc.EndSpan()
		if err != nil {
			i.builder.LogError(ctx, name+".error", err, map[string]any{
				"duration_ms": float64(elapsed.Microseconds()) / 1000,
			})
			return
		}
		attrs := map[string]any{
			"duration_ms": float64(elapsed.Microseconds()) / 1000,
		}
		if result != nil {
			attrs["result"] = events.SafeSerialize(result)
		}
		i.builder.LogEvent(ctx, name+".finish", attrs)
	})

	return result, err
}

// guard runs instrumentation code, converting panics into ERROR logs so
// wrapped-call semantics survive any bug here.
func (i *Interceptor) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("instrumentation failure", "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

// scanAndAlert classifies text, decorates attrs with security.* keys on
// a hit, and emits the side-channel security.content event. Returns the
// scan result for callers that branch on it.
func (i *Interceptor) scanAndAlert(ctx context.Context, text, sourceField string, attrs map[string]any) scanner.Result {
	started := time.Now()
	res := i.scanner.ScanText(text)
	if i.onScan != nil {
		i.guard(func() { i.onScan(string(res.AlertLevel), res.Category, time.Since(started)) })
	}
	if res.AlertLevel == scanner.AlertNone {
		return res
	}

	severity := "medium"
	level := events.LevelWarning
	if res.AlertLevel == scanner.AlertDangerous {
		severity = "high"
		level = events.LevelError
	}
	if attrs != nil {
		attrs["security.alert_level"] = string(res.AlertLevel)
		attrs["security.keywords"] = res.Keywords
		attrs["security.category"] = res.Category
		attrs["security.severity"] = severity
		attrs["security.description"] = fmt.Sprintf("%s content detected in %s", res.AlertLevel, sourceField)
	}

	i.guard(func() {
		i.builder.LogEvent(ctx, "security.content."+string(res.AlertLevel), map[string]any{
			"security.alert_level": string(res.AlertLevel),
			"security.keywords":    res.Keywords,
			"security.category":    res.Category,
			"security.severity":    severity,
			"security.source":      sourceField,
		}, events.WithLevel(level), events.WithChannel(events.ChannelSecurity))
	})
	return res
}

// securityAlert emits a security.alert event at the level implied by
// severity.
func (i *Interceptor) securityAlert(ctx context.Context, category, severity, description string, attrs map[string]any) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrs["security.category"] = category
	attrs["security.severity"] = severity
	attrs["security.description"] = description

	level := events.LevelWarning
	switch severity {
	case "critical":
		level = events.LevelCritical
	case "high":
		level = events.LevelError
	}
	i.guard(func() {
		i.builder.LogEvent(ctx, "security.alert", attrs,
			events.WithLevel(level), events.WithChannel(events.ChannelSecurity))
	})
}
