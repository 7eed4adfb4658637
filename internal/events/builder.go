package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cylestio/monitor/internal/trace"
)

// Builder is the canonical event pipeline entry point. It fills trace
// identifiers from the current trace context, serializes attributes,
// and ships the event to every configured sink and recorder.
//
// Builder methods never return an error to the caller: delivery is
// best-effort and failures are logged to the host logger.
type Builder struct {
	mu        sync.RWMutex
	sinks     []Sink
	recorders []Recorder
	observer  func(*Event)
	logger    *slog.Logger
}

// NewBuilder creates a pipeline with no outputs attached.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{logger: logger.With("component", "events")}
}

// AddSink attaches an output. Safe to call concurrently with LogEvent.
func (b *Builder) AddSink(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// AddRecorder attaches a structured-persistence output.
func (b *Builder) AddRecorder(r Recorder) {
	if r == nil {
		return
	}
	b.mu.Lock()
	b.recorders = append(b.recorders, r)
	b.mu.Unlock()
}

// SetObserver installs a hook called synchronously for every emitted
// event (metrics counting).
func (b *Builder) SetObserver(fn func(*Event)) {
	b.mu.Lock()
	b.observer = fn
	b.mu.Unlock()
}

// Close closes all sinks.
func (b *Builder) Close() error {
	b.mu.Lock()
	sinks := b.sinks
	b.sinks = nil
	b.recorders = nil
	b.mu.Unlock()

	var firstErr error
	for _, s := range sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Option adjusts a single event before dispatch.
type Option func(*Event)

// WithLevel sets the event level.
func WithLevel(l Level) Option {
	return func(e *Event) { e.Level = l }
}

// WithChannel sets the event channel.
func WithChannel(c Channel) Option {
	return func(e *Event) { e.Channel = c }
}

// WithDirection sets the payload direction.
func WithDirection(d Direction) Option {
	return func(e *Event) { e.Direction = d }
}

// WithTraceID overrides the trace ID from the context.
func WithTraceID(id string) Option {
	return func(e *Event) {
		if id != "" {
			e.TraceID = id
		}
	}
}

// WithSpanID overrides the span ID from the context.
func WithSpanID(id string) Option {
	return func(e *Event) {
		if id != "" {
			e.SpanID = id
		}
	}
}

// WithParentSpanID overrides the parent span ID.
func WithParentSpanID(id string) Option {
	return func(e *Event) {
		if id != "" {
			e.ParentSpanID = &id
		}
	}
}

// WithAgentID overrides the agent ID from the context.
func WithAgentID(id string) Option {
	return func(e *Event) {
		if id != "" {
			e.AgentID = id
		}
	}
}

// WithSessionID attaches a session ID.
func WithSessionID(id string) Option {
	return func(e *Event) { e.SessionID = id }
}

// WithConversationID attaches a conversation ID.
func WithConversationID(id string) Option {
	return func(e *Event) { e.ConversationID = id }
}

// LogEvent builds and dispatches one event. Missing identifiers are
// filled from the trace context on ctx (or the process default); when
// no span is open a detached span ID is minted so every event carries
// valid trace and span IDs.
func (b *Builder) LogEvent(ctx context.Context, name string, attrs map[string]any, opts ...Option) *Event {
	e := &Event{
		Timestamp:  time.Now().UTC(),
		Name:       name,
		Level:      LevelInfo,
		Attributes: SafeSerializeMap(attrs),
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}

	if tc := trace.FromContext(ctx); tc != nil {
		traceID, _, agentID := tc.Snapshot()
		e.TraceID = traceID
		e.AgentID = agentID
		spanID, parentSpanID := tc.CurrentSpan()
		e.SpanID = spanID
		if parentSpanID != "" {
			e.ParentSpanID = &parentSpanID
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.TraceID == "" {
		e.TraceID = trace.NewTraceID()
	}
	if e.SpanID == "" {
		// Detached span: the event stands alone with no parent.
		e.SpanID = trace.NewSpanID()
		e.ParentSpanID = nil
	}

	b.dispatch(ctx, e)
	return e
}

// LogError is a convenience that records an error under name with
// error.type and error.message attributes at ERROR level.
func (b *Builder) LogError(ctx context.Context, name string, err error, attrs map[string]any, opts ...Option) *Event {
	merged := make(map[string]any, len(attrs)+2)
	for k, v := range attrs {
		merged[k] = v
	}
	if err != nil {
		merged["error.type"] = errorType(err)
		merged["error.message"] = err.Error()
	}
	opts = append([]Option{WithLevel(LevelError)}, opts...)
	return b.LogEvent(ctx, name, merged, opts...)
}

func (b *Builder) dispatch(ctx context.Context, e *Event) {
	b.mu.RLock()
	sinks := b.sinks
	recorders := b.recorders
	observer := b.observer
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Write(e); err != nil {
			b.logger.Warn("sink write failed", "event", e.Name, "error", err)
		}
	}
	for _, r := range recorders {
		if err := r.Record(ctx, e); err != nil {
			b.logger.Warn("event persistence failed", "event", e.Name, "error", err)
		}
	}
	if observer != nil {
		observer(e)
	}
}

func errorType(err error) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
