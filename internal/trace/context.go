// Package trace maintains the per-execution trace context that every
// emitted telemetry event inherits.
//
// A Context carries a trace ID, the owning agent ID, the currently open
// span, and a LIFO stack of ancestor spans that mirrors call nesting.
// Each logical execution (goroutine tree serving one request) owns its
// own Context; independent executions never share a span stack.
//
// Contexts travel through the call graph on a context.Context via With
// and FromContext. Callers that do not thread a context fall back to the
// process-wide default installed by SetDefault.
//
// Usage:
//
//	tc := trace.NewContext("weather-agent")
//	ctx := trace.With(context.Background(), tc)
//
//	span := tc.StartSpan("llm.call")
//	defer tc.EndSpan()
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Span describes one unit of work under a trace.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
}

// Context holds the trace state for a single logical execution.
// All methods are safe for concurrent use, but a Context is intended
// to be owned by one execution at a time.
type Context struct {
	mu      sync.Mutex
	traceID string
	agentID string
	current string
	stack   []string
}

// NewContext creates a trace context with a fresh 128-bit trace ID.
func NewContext(agentID string) *Context {
	return &Context{
		traceID: NewTraceID(),
		agentID: agentID,
	}
}

// NewTraceID returns a fresh 128-bit lowercase hex trace ID. A v4 UUID
// with the dashes stripped is exactly the 32-char format collectors
// expect.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSpanID returns a fresh 64-bit lowercase hex span ID.
func NewSpanID() string {
	return randomHex(8)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// StartSpan opens a new span under the current one. The previous current
// span, if any, is pushed onto the ancestor stack and becomes the parent.
func (c *Context) StartSpan(name string) Span {
	c.mu.Lock()
	defer c.mu.Unlock()

	span := Span{
		TraceID: c.traceID,
		SpanID:  NewSpanID(),
		Name:    name,
	}
	if c.current != "" {
		span.ParentSpanID = c.current
		c.stack = append(c.stack, c.current)
	}
	c.current = span.SpanID
	return span
}

// EndSpan closes the current span and restores its parent as current.
// Ending with no open span is a no-op returning "".
func (c *Context) EndSpan() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == "" {
		return ""
	}
	ended := c.current
	if n := len(c.stack); n > 0 {
		c.current = c.stack[n-1]
		c.stack = c.stack[:n-1]
	} else {
		c.current = ""
	}
	return ended
}

// Snapshot returns the current trace ID, span ID, and agent ID.
// The span ID is empty when no span is open.
func (c *Context) Snapshot() (traceID, spanID, agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.traceID, c.current, c.agentID
}

// CurrentSpan returns the open span ID and its parent span ID, both
// empty when no span is open.
func (c *Context) CurrentSpan() (spanID, parentSpanID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		return "", ""
	}
	if n := len(c.stack); n > 0 {
		return c.current, c.stack[n-1]
	}
	return c.current, ""
}

// AgentID returns the agent this context belongs to.
func (c *Context) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// TraceID returns the trace ID for this context.
func (c *Context) TraceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.traceID
}

// Depth returns the number of open spans, counting the current one.
func (c *Context) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == "" {
		return 0
	}
	return len(c.stack) + 1
}

// Reset clears the span stack and mints a new trace ID, keeping the
// agent ID.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traceID = NewTraceID()
	c.current = ""
	c.stack = nil
}

type ctxKey struct{}

// With attaches a trace context to ctx.
func With(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext returns the trace context attached to ctx, falling back
// to the process default. Returns nil when neither exists.
func FromContext(ctx context.Context) *Context {
	if ctx != nil {
		if tc, ok := ctx.Value(ctxKey{}).(*Context); ok {
			return tc
		}
	}
	return Default()
}

var (
	defaultMu sync.RWMutex
	defaultTC *Context
)

// SetDefault installs the process-wide fallback context. Passing nil
// clears it.
func SetDefault(tc *Context) {
	defaultMu.Lock()
	defaultTC = tc
	defaultMu.Unlock()
}

// Default returns the process-wide fallback context, or nil.
func Default() *Context {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultTC
}
