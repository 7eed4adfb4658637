package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cylestio/monitor/internal/events"
)

// Recorder adapts the store to the event pipeline: every event becomes
// an events row, and events carrying LLM, tool, or security payloads
// also get their specialized child row, all in one transaction per
// event.
type Recorder struct {
	store *Store

	// OnWrite, when set, observes each committed write with the event
	// kind ("generic", "llm", "tool", "security") and its latency.
	OnWrite func(kind string, d time.Duration)
}

// NewRecorder wraps the store for pipeline use.
func NewRecorder(s *Store) *Recorder { return &Recorder{store: s} }

// Record implements events.Recorder.
func (r *Recorder) Record(ctx context.Context, e *events.Event) (err error) {
	agentID := e.AgentID
	if agentID == "" {
		agentID = "unknown"
	}
	rec := &EventRecord{
		AgentID:      agentID,
		EventType:    e.Name,
		Channel:      string(channelFor(e)),
		Level:        string(e.Level),
		Direction:    string(e.Direction),
		Timestamp:    e.Timestamp,
		TraceID:      e.TraceID,
		SpanID:       e.SpanID,
		ParentSpanID: e.ParentSpanID,
		Data:         e.Attributes,
	}
	if e.SessionID != "" {
		if id, convErr := strconv.ParseInt(e.SessionID, 10, 64); convErr == nil {
			rec.SessionID = &id
		}
	}
	if e.ConversationID != "" {
		if id, convErr := strconv.ParseInt(e.ConversationID, 10, 64); convErr == nil {
			rec.ConversationID = &id
		}
	}

	kind := "generic"
	started := time.Now()
	switch {
	case strings.HasPrefix(e.Name, "llm.") && hasAttr(e, "llm.model"):
		kind = "llm"
		_, err = r.store.LogLLMCall(ctx, rec, llmCallFrom(e))
	case strings.HasPrefix(e.Name, "tool.") && hasAttr(e, "tool.name"):
		kind = "tool"
		_, err = r.store.LogToolCall(ctx, rec, toolCallFrom(e))
	case strings.HasPrefix(e.Name, "security."):
		kind = "security"
		_, err = r.store.LogSecurityEvent(ctx, rec, alertFrom(e))
	default:
		_, err = r.store.LogEventGeneric(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("record %s: %w", e.Name, err)
	}
	if r.OnWrite != nil {
		r.OnWrite(kind, time.Since(started))
	}
	return nil
}

func channelFor(e *events.Event) events.Channel {
	if e.Channel != "" {
		return e.Channel
	}
	switch {
	case strings.HasPrefix(e.Name, "llm."):
		return events.ChannelLLM
	case strings.HasPrefix(e.Name, "tool."):
		return events.ChannelTool
	case strings.HasPrefix(e.Name, "security."):
		return events.ChannelSecurity
	case strings.HasPrefix(e.Name, "net."):
		return events.ChannelNet
	case strings.HasPrefix(e.Name, "process."):
		return events.ChannelProcess
	default:
		return events.ChannelSystem
	}
}

func hasAttr(e *events.Event, key string) bool {
	_, ok := e.Attributes[key]
	return ok
}

func llmCallFrom(e *events.Event) *LLMCallRecord {
	call := &LLMCallRecord{
		Model:    attrString(e, "llm.model"),
		Prompt:   attrString(e, "llm.request.data"),
		Response: attrString(e, "llm.response.content"),
		IsStream: attrBool(e, "llm.request.stream"),
	}
	if v, ok := attrInt(e, "llm.usage.input_tokens"); ok {
		call.TokensIn = &v
	}
	if v, ok := attrInt(e, "llm.usage.output_tokens"); ok {
		call.TokensOut = &v
	}
	if v, ok := attrFloat(e, "llm.response.duration_ms"); ok {
		call.DurationMS = &v
	}
	if v, ok := attrFloat(e, "llm.request.temperature"); ok {
		call.Temperature = &v
	}
	return call
}

func toolCallFrom(e *events.Event) *ToolCallRecord {
	call := &ToolCallRecord{
		ToolName:     attrString(e, "tool.name"),
		Success:      !hasAttr(e, "tool.error"),
		ErrorMessage: attrString(e, "tool.error"),
		Blocking:     true,
	}
	if inputs, ok := e.Attributes["tool.inputs"].(map[string]any); ok {
		call.InputParams = inputs
	}
	if output, ok := e.Attributes["tool.output"].(map[string]any); ok {
		call.OutputResult = output
	}
	if v, ok := attrFloat(e, "tool.duration_ms"); ok {
		call.DurationMS = &v
	}
	return call
}

func alertFrom(e *events.Event) *SecurityAlertRecord {
	alert := &SecurityAlertRecord{
		AlertType:   attrString(e, "security.category"),
		Severity:    attrString(e, "security.severity"),
		Description: attrString(e, "security.description"),
		ActionTaken: attrString(e, "security.action_taken"),
	}
	if alert.AlertType == "" {
		alert.AlertType = e.Name
	}
	if alert.Severity == "" {
		alert.Severity = severityForLevel(e.Level)
	}
	switch kw := e.Attributes["security.keywords"].(type) {
	case []string:
		alert.MatchedTerms = kw
	case []any:
		for _, v := range kw {
			if s, ok := v.(string); ok {
				alert.MatchedTerms = append(alert.MatchedTerms, s)
			}
		}
	}
	return alert
}

func severityForLevel(level events.Level) string {
	switch level {
	case events.LevelCritical:
		return "critical"
	case events.LevelError:
		return "high"
	case events.LevelWarning:
		return "medium"
	default:
		return "low"
	}
}

func attrString(e *events.Event, key string) string {
	switch v := e.Attributes[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func attrBool(e *events.Event, key string) bool {
	b, _ := e.Attributes[key].(bool)
	return b
}

func attrInt(e *events.Event, key string) (int64, bool) {
	switch v := e.Attributes[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func attrFloat(e *events.Event, key string) (float64, bool) {
	switch v := e.Attributes[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
