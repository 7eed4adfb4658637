// Package events implements the telemetry event model and the single
// canonical pipeline that creates, serializes, and dispatches events to
// every configured output.
package events

import (
	"context"
	"time"
)

// Level is the severity attached to an event.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// ValidLevel reports whether l is one of the known levels.
func ValidLevel(l Level) bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
		return true
	}
	return false
}

// Channel groups events by the subsystem that produced them.
type Channel string

const (
	ChannelLLM      Channel = "LLM"
	ChannelTool     Channel = "TOOL"
	ChannelSystem   Channel = "SYSTEM"
	ChannelSecurity Channel = "SECURITY"
	ChannelNet      Channel = "NET"
	ChannelProcess  Channel = "PROCESS"
)

// Direction records which way a payload was travelling.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionInternal Direction = "internal"
)

// Event is the base record for all telemetry. Its JSON form is the
// wire and file format: one object per line in the log file and one
// object per request to the collector.
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id"`
	Name         string         `json:"name"`
	Level        Level          `json:"level"`
	Attributes   map[string]any `json:"attributes"`
	AgentID      string         `json:"agent_id"`

	Channel        Channel   `json:"channel,omitempty"`
	Direction      Direction `json:"direction,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// Sink is one output of the pipeline. Writes are best-effort: a sink
// error never propagates to the caller that emitted the event.
type Sink interface {
	Write(event *Event) error
	Close() error
}

// Recorder receives events for structured persistence (the relational
// store). Like sinks, recorder failures are contained.
type Recorder interface {
	Record(ctx context.Context, event *Event) error
}
