package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EventFilter narrows ListEvents. Zero values mean "no constraint".
type EventFilter struct {
	AgentID        string
	SessionID      *int64
	ConversationID *int64
	EventType      string
	Channel        string
	Level          string
	TraceID        string
	Since          time.Time
	Until          time.Time

	// DataLike applies a plain LIKE filter over the JSON text of the
	// data column.
	DataLike string

	// OrderBy is one of "timestamp", "id", "event_type", "level";
	// default timestamp. Descending toggles direction.
	OrderBy    string
	Descending bool

	Limit  int
	Offset int
}

// StoredEvent is an events row as read back from the database.
type StoredEvent struct {
	ID             int64
	AgentID        string
	SessionID      *int64
	ConversationID *int64
	EventType      string
	Channel        string
	Level          string
	Direction      *string
	Timestamp      time.Time
	TraceID        string
	SpanID         string
	ParentSpanID   *string
	Data           *string
}

var orderColumns = map[string]string{
	"":           "timestamp",
	"timestamp":  "timestamp",
	"id":         "id",
	"event_type": "event_type",
	"level":      "level",
}

// ListEvents returns filtered, paginated events ordered by the
// requested column.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]StoredEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.AgentID != "" {
		add("agent_id = ?", f.AgentID)
	}
	if f.SessionID != nil {
		add("session_id = ?", *f.SessionID)
	}
	if f.ConversationID != nil {
		add("conversation_id = ?", *f.ConversationID)
	}
	if f.EventType != "" {
		add("event_type = ?", f.EventType)
	}
	if f.Channel != "" {
		add("channel = ?", f.Channel)
	}
	if f.Level != "" {
		add("level = ?", f.Level)
	}
	if f.TraceID != "" {
		add("trace_id = ?", f.TraceID)
	}
	if !f.Since.IsZero() {
		add("timestamp >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		add("timestamp <= ?", f.Until)
	}
	if f.DataLike != "" {
		add("data LIKE ?", "%"+f.DataLike+"%")
	}

	orderCol, ok := orderColumns[f.OrderBy]
	if !ok {
		return nil, fmt.Errorf("invalid order column %q", f.OrderBy)
	}
	dir := "ASC"
	if f.Descending {
		dir = "DESC"
	}

	query := `SELECT id, agent_id, session_id, conversation_id, event_type,
		channel, level, direction, timestamp, trace_id, span_id,
		parent_span_id, data FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s %s", orderCol, dir)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.ID, &e.AgentID, &e.SessionID, &e.ConversationID,
			&e.EventType, &e.Channel, &e.Level, &e.Direction, &e.Timestamp,
			&e.TraceID, &e.SpanID, &e.ParentSpanID, &e.Data); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEvent returns one event by id, or sql.ErrNoRows.
func (s *Store) GetEvent(ctx context.Context, id int64) (*StoredEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, session_id, conversation_id, event_type,
			channel, level, direction, timestamp, trace_id, span_id,
			parent_span_id, data
		FROM events WHERE id = ?`, id)
	var e StoredEvent
	if err := row.Scan(&e.ID, &e.AgentID, &e.SessionID, &e.ConversationID,
		&e.EventType, &e.Channel, &e.Level, &e.Direction, &e.Timestamp,
		&e.TraceID, &e.SpanID, &e.ParentSpanID, &e.Data); err != nil {
		return nil, err
	}
	return &e, nil
}

// CountRow is one bucket of a grouped count.
type CountRow struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

func (s *Store) countBy(ctx context.Context, column, agentID string) ([]CountRow, error) {
	query := fmt.Sprintf(`SELECT %s, COUNT(*) FROM events`, column)
	var args []any
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	query += fmt.Sprintf(" GROUP BY %s ORDER BY COUNT(*) DESC", column)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	var out []CountRow
	for rows.Next() {
		var r CountRow
		var key sql.NullString
		if err := rows.Scan(&key, &r.Count); err != nil {
			return nil, err
		}
		r.Key = key.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventCountsByType groups events by event_type.
func (s *Store) EventCountsByType(ctx context.Context, agentID string) ([]CountRow, error) {
	return s.countBy(ctx, "event_type", agentID)
}

// EventCountsByChannel groups events by channel.
func (s *Store) EventCountsByChannel(ctx context.Context, agentID string) ([]CountRow, error) {
	return s.countBy(ctx, "channel", agentID)
}

// EventCountsByLevel groups events by level.
func (s *Store) EventCountsByLevel(ctx context.Context, agentID string) ([]CountRow, error) {
	return s.countBy(ctx, "level", agentID)
}

// ModelAverage is the average LLM duration for one model.
type ModelAverage struct {
	Model         string  `json:"model"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	Calls         int64   `json:"calls"`
}

// AvgLLMDurationByModel averages llm_calls.duration_ms per model.
func (s *Store) AvgLLMDurationByModel(ctx context.Context) ([]ModelAverage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, AVG(duration_ms), COUNT(*)
		FROM llm_calls
		WHERE duration_ms IS NOT NULL
		GROUP BY model
		ORDER BY AVG(duration_ms) DESC`)
	if err != nil {
		return nil, fmt.Errorf("avg duration by model: %w", err)
	}
	defer rows.Close()

	var out []ModelAverage
	for rows.Next() {
		var m ModelAverage
		if err := rows.Scan(&m.Model, &m.AvgDurationMS, &m.Calls); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Bucket granularities for time-grouped aggregates.
const (
	BucketHour  = "hour"
	BucketDay   = "day"
	BucketWeek  = "week"
	BucketMonth = "month"
)

var bucketFormats = map[string]string{
	BucketHour:  "%Y-%m-%d %H:00",
	BucketDay:   "%Y-%m-%d",
	BucketWeek:  "%Y-%W",
	BucketMonth: "%Y-%m",
}

// TimeBucketAverage is the average LLM duration within one time bucket.
type TimeBucketAverage struct {
	Bucket        string  `json:"bucket"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	Calls         int64   `json:"calls"`
}

// AvgLLMDurationByPeriod averages llm_calls.duration_ms grouped by
// hour, day, week, or month of the parent event timestamp.
func (s *Store) AvgLLMDurationByPeriod(ctx context.Context, bucket string) ([]TimeBucketAverage, error) {
	format, ok := bucketFormats[bucket]
	if !ok {
		return nil, fmt.Errorf("invalid bucket %q", bucket)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime(?, e.timestamp), AVG(l.duration_ms), COUNT(*)
		FROM llm_calls l
		JOIN events e ON e.id = l.event_id
		WHERE l.duration_ms IS NOT NULL
		GROUP BY 1
		ORDER BY 1`, format)
	if err != nil {
		return nil, fmt.Errorf("avg duration by %s: %w", bucket, err)
	}
	defer rows.Close()

	var out []TimeBucketAverage
	for rows.Next() {
		var b TimeBucketAverage
		if err := rows.Scan(&b.Bucket, &b.AvgDurationMS, &b.Calls); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SlowOp is one entry in the slowest-operations report.
type SlowOp struct {
	EventID    int64   `json:"event_id"`
	EventType  string  `json:"event_type"`
	Name       string  `json:"name"`
	DurationMS float64 `json:"duration_ms"`
}

// SlowestOperations returns the top-N slowest LLM and tool calls,
// interleaved by duration.
func (s *Store) SlowestOperations(ctx context.Context, limit int) ([]SlowOp, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, name, duration_ms FROM (
			SELECT l.event_id AS event_id, e.event_type AS event_type,
				l.model AS name, l.duration_ms AS duration_ms
			FROM llm_calls l JOIN events e ON e.id = l.event_id
			WHERE l.duration_ms IS NOT NULL
			UNION ALL
			SELECT t.event_id, e.event_type, t.tool_name, t.duration_ms
			FROM tool_calls t JOIN events e ON e.id = t.event_id
			WHERE t.duration_ms IS NOT NULL
		)
		ORDER BY duration_ms DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("slowest operations: %w", err)
	}
	defer rows.Close()

	var out []SlowOp
	for rows.Next() {
		var o SlowOp
		if err := rows.Scan(&o.EventID, &o.EventType, &o.Name, &o.DurationMS); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// TokenUsage is aggregate token consumption for one model.
type TokenUsage struct {
	Model     string `json:"model"`
	TokensIn  int64  `json:"tokens_in"`
	TokensOut int64  `json:"tokens_out"`
	Calls     int64  `json:"calls"`
}

// TokenUsageByModel sums token counts per model.
func (s *Store) TokenUsageByModel(ctx context.Context) ([]TokenUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model,
			COALESCE(SUM(tokens_in), 0),
			COALESCE(SUM(tokens_out), 0),
			COUNT(*)
		FROM llm_calls
		GROUP BY model
		ORDER BY SUM(COALESCE(tokens_in, 0) + COALESCE(tokens_out, 0)) DESC`)
	if err != nil {
		return nil, fmt.Errorf("token usage: %w", err)
	}
	defer rows.Close()

	var out []TokenUsage
	for rows.Next() {
		var u TokenUsage
		if err := rows.Scan(&u.Model, &u.TokensIn, &u.TokensOut, &u.Calls); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// AlertsBySeverity counts security alerts per severity.
func (s *Store) AlertsBySeverity(ctx context.Context) ([]CountRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(*) FROM security_alerts
		GROUP BY severity ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("alerts by severity: %w", err)
	}
	defer rows.Close()

	var out []CountRow
	for rows.Next() {
		var r CountRow
		if err := rows.Scan(&r.Key, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
