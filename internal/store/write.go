package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cylestio/monitor/internal/events"
)

var validChannels = map[string]bool{
	string(events.ChannelLLM):      true,
	string(events.ChannelTool):     true,
	string(events.ChannelSystem):   true,
	string(events.ChannelSecurity): true,
	string(events.ChannelNet):      true,
	string(events.ChannelProcess):  true,
}

var validLevels = map[string]bool{
	string(events.LevelDebug):    true,
	string(events.LevelInfo):     true,
	string(events.LevelWarning):  true,
	string(events.LevelError):    true,
	string(events.LevelCritical): true,
}

var validDirections = map[string]bool{
	string(events.DirectionIncoming): true,
	string(events.DirectionOutgoing): true,
	string(events.DirectionInternal): true,
}

var validSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

var validAlertLevels = map[string]bool{
	"none": true, "suspicious": true, "dangerous": true,
}

// EventRecord is the base event row handed to the write paths.
type EventRecord struct {
	AgentID        string
	SessionID      *int64
	ConversationID *int64
	EventType      string
	Channel        string
	Level          string
	Direction      string
	Timestamp      time.Time
	TraceID        string
	SpanID         string
	ParentSpanID   *string
	Data           map[string]any
}

// LLMCallRecord is the llm_calls child row.
type LLMCallRecord struct {
	Model       string
	Prompt      string
	Response    string
	TokensIn    *int64
	TokensOut   *int64
	DurationMS  *float64
	IsStream    bool
	Temperature *float64
	Cost        *float64
}

// ToolCallRecord is the tool_calls child row.
type ToolCallRecord struct {
	ToolName     string
	InputParams  map[string]any
	OutputResult map[string]any
	Success      bool
	ErrorMessage string
	DurationMS   *float64
	Blocking     bool
}

// SecurityAlertRecord is the security_alerts child row.
type SecurityAlertRecord struct {
	AlertType    string
	Severity     string
	Description  string
	MatchedTerms []string
	ActionTaken  string
}

// PerformanceRecord is the performance_metrics child row.
type PerformanceRecord struct {
	MemoryUsage     *float64
	CPUUsage        *float64
	DurationMS      *float64
	TokensProcessed *int64
	Cost            *float64
}

// EventSecurityRecord annotates an event with a scan verdict.
type EventSecurityRecord struct {
	AlertLevel   string
	MatchedTerms []string
	Reason       string
	SourceField  string
}

func validateEvent(e *EventRecord) error {
	if e.AgentID == "" {
		return fmt.Errorf("event requires agent_id")
	}
	if e.EventType == "" {
		return fmt.Errorf("event requires event_type")
	}
	if !validChannels[e.Channel] {
		return fmt.Errorf("invalid channel %q", e.Channel)
	}
	if !validLevels[e.Level] {
		return fmt.Errorf("invalid level %q", e.Level)
	}
	if e.Direction != "" && !validDirections[e.Direction] {
		return fmt.Errorf("invalid direction %q", e.Direction)
	}
	if e.TraceID == "" || e.SpanID == "" {
		return fmt.Errorf("event requires trace_id and span_id")
	}
	return nil
}

func nonNegative(name string, v *float64) error {
	if v != nil && *v < 0 {
		return fmt.Errorf("%s must be non-negative, got %v", name, *v)
	}
	return nil
}

func nonNegativeInt(name string, v *int64) error {
	if v != nil && *v < 0 {
		return fmt.Errorf("%s must be non-negative, got %d", name, *v)
	}
	return nil
}

// getOrCreateAgent upserts the agent row and bumps last_seen.
func getOrCreateAgent(ctx context.Context, tx *sql.Tx, agentID string, seen time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agents (agent_id, name, created_at, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET last_seen = excluded.last_seen`,
		agentID, agentID, seen, seen)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", agentID, err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *EventRecord) (int64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := getOrCreateAgent(ctx, tx, e.AgentID, e.Timestamp); err != nil {
		return 0, err
	}

	var data any
	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return 0, fmt.Errorf("marshal event data: %w", err)
		}
		data = string(b)
	}

	var direction any
	if e.Direction != "" {
		direction = e.Direction
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (agent_id, session_id, conversation_id, event_type,
			channel, level, direction, timestamp, trace_id, span_id,
			parent_span_id, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AgentID, e.SessionID, e.ConversationID, e.EventType,
		e.Channel, e.Level, direction, e.Timestamp, e.TraceID, e.SpanID,
		e.ParentSpanID, data)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

// LogEventGeneric persists a bare event with no specialized row.
func (s *Store) LogEventGeneric(ctx context.Context, e *EventRecord) (int64, error) {
	if err := validateEvent(e); err != nil {
		return 0, err
	}
	var id int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertEvent(ctx, tx, e)
		return err
	})
	return id, err
}

// LogLLMCall persists the event and its llm_calls row in one
// transaction.
func (s *Store) LogLLMCall(ctx context.Context, e *EventRecord, call *LLMCallRecord) (int64, error) {
	if err := validateEvent(e); err != nil {
		return 0, err
	}
	if call.Model == "" {
		return 0, fmt.Errorf("llm call requires model")
	}
	if err := nonNegativeInt("tokens_in", call.TokensIn); err != nil {
		return 0, err
	}
	if err := nonNegativeInt("tokens_out", call.TokensOut); err != nil {
		return 0, err
	}
	if err := nonNegative("duration_ms", call.DurationMS); err != nil {
		return 0, err
	}
	if err := nonNegative("cost", call.Cost); err != nil {
		return 0, err
	}

	var id int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertEvent(ctx, tx, e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO llm_calls (event_id, model, prompt, response,
				tokens_in, tokens_out, duration_ms, is_stream, temperature, cost)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, call.Model, call.Prompt, call.Response,
			call.TokensIn, call.TokensOut, call.DurationMS, call.IsStream,
			call.Temperature, call.Cost)
		if err != nil {
			return fmt.Errorf("insert llm_call: %w", err)
		}
		return nil
	})
	return id, err
}

// LogToolCall persists the event and its tool_calls row in one
// transaction.
func (s *Store) LogToolCall(ctx context.Context, e *EventRecord, call *ToolCallRecord) (int64, error) {
	if err := validateEvent(e); err != nil {
		return 0, err
	}
	if call.ToolName == "" {
		return 0, fmt.Errorf("tool call requires tool_name")
	}
	if err := nonNegative("duration_ms", call.DurationMS); err != nil {
		return 0, err
	}

	input, err := jsonOrNil(call.InputParams)
	if err != nil {
		return 0, fmt.Errorf("marshal input_params: %w", err)
	}
	output, err := jsonOrNil(call.OutputResult)
	if err != nil {
		return 0, fmt.Errorf("marshal output_result: %w", err)
	}

	var id int64
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertEvent(ctx, tx, e)
		if err != nil {
			return err
		}
		var errMsg any
		if call.ErrorMessage != "" {
			errMsg = call.ErrorMessage
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tool_calls (event_id, tool_name, input_params,
				output_result, success, error_message, duration_ms, blocking)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, call.ToolName, input, output, call.Success, errMsg,
			call.DurationMS, call.Blocking)
		if err != nil {
			return fmt.Errorf("insert tool_call: %w", err)
		}
		return nil
	})
	return id, err
}

// LogSecurityEvent persists the event and its security_alerts row in
// one transaction.
func (s *Store) LogSecurityEvent(ctx context.Context, e *EventRecord, alert *SecurityAlertRecord) (int64, error) {
	if err := validateEvent(e); err != nil {
		return 0, err
	}
	if alert.AlertType == "" {
		return 0, fmt.Errorf("security alert requires alert_type")
	}
	severity := strings.ToLower(alert.Severity)
	if !validSeverities[severity] {
		return 0, fmt.Errorf("invalid severity %q", alert.Severity)
	}

	terms, err := jsonOrNilSlice(alert.MatchedTerms)
	if err != nil {
		return 0, fmt.Errorf("marshal matched_terms: %w", err)
	}

	var id int64
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertEvent(ctx, tx, e)
		if err != nil {
			return err
		}
		var action any
		if alert.ActionTaken != "" {
			action = alert.ActionTaken
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO security_alerts (event_id, alert_type, severity,
				description, matched_terms, action_taken, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, alert.AlertType, severity, alert.Description, terms, action,
			e.Timestamp)
		if err != nil {
			return fmt.Errorf("insert security_alert: %w", err)
		}
		return nil
	})
	return id, err
}

// AttachEventSecurity records a scanner verdict against an existing
// event.
func (s *Store) AttachEventSecurity(ctx context.Context, eventID int64, sec *EventSecurityRecord) error {
	if !validAlertLevels[sec.AlertLevel] {
		return fmt.Errorf("invalid alert_level %q", sec.AlertLevel)
	}
	terms, err := jsonOrNilSlice(sec.MatchedTerms)
	if err != nil {
		return fmt.Errorf("marshal matched_terms: %w", err)
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_security (event_id, alert_level, matched_terms, reason, source_field)
			VALUES (?, ?, ?, ?, ?)`,
			eventID, sec.AlertLevel, terms, nullable(sec.Reason), nullable(sec.SourceField))
		if err != nil {
			return fmt.Errorf("insert event_security: %w", err)
		}
		return nil
	})
}

// AttachPerformance records resource usage against an existing event.
func (s *Store) AttachPerformance(ctx context.Context, eventID int64, p *PerformanceRecord) error {
	if err := nonNegative("memory_usage", p.MemoryUsage); err != nil {
		return err
	}
	if err := nonNegative("cpu_usage", p.CPUUsage); err != nil {
		return err
	}
	if p.CPUUsage != nil && *p.CPUUsage > 100 {
		return fmt.Errorf("cpu_usage must be <= 100, got %v", *p.CPUUsage)
	}
	if err := nonNegative("duration_ms", p.DurationMS); err != nil {
		return err
	}
	if err := nonNegativeInt("tokens_processed", p.TokensProcessed); err != nil {
		return err
	}
	if err := nonNegative("cost", p.Cost); err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO performance_metrics (event_id, memory_usage, cpu_usage,
				duration_ms, tokens_processed, cost)
			VALUES (?, ?, ?, ?, ?, ?)`,
			eventID, p.MemoryUsage, p.CPUUsage, p.DurationMS, p.TokensProcessed, p.Cost)
		if err != nil {
			return fmt.Errorf("insert performance_metric: %w", err)
		}
		return nil
	})
}

func jsonOrNil(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonOrNilSlice(v []string) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
