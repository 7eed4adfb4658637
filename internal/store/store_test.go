package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cylestio/monitor/internal/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func baseEvent(agentID, eventType string) *EventRecord {
	return &EventRecord{
		AgentID:   agentID,
		EventType: eventType,
		Channel:   string(events.ChannelSystem),
		Level:     string(events.LevelInfo),
		Timestamp: time.Now().UTC(),
		TraceID:   strings.Repeat("a", 32),
		SpanID:    strings.Repeat("b", 16),
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	s := openTestStore(t)

	report, err := s.VerifySchema(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.Matches {
		t.Errorf("fresh schema does not match: %+v", report)
	}
}

func TestResolveDBPath(t *testing.T) {
	t.Run("explicit wins", func(t *testing.T) {
		t.Setenv(EnvTestDBDir, "/tmp/ignored")
		got, err := ResolveDBPath("/data/custom.db")
		if err != nil || got != "/data/custom.db" {
			t.Errorf("got %q, %v", got, err)
		}
	})

	t.Run("test env dir", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv(EnvTestDBDir, dir)
		got, err := ResolveDBPath("")
		if err != nil {
			t.Fatal(err)
		}
		if filepath.Dir(got) != dir {
			t.Errorf("got %q, want under %q", got, dir)
		}
	})
}

func TestLogEventGenericCreatesAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.LogEventGeneric(ctx, baseEvent("agent-1", "monitoring.start"))
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Error("event id not assigned")
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM agents WHERE agent_id = 'agent-1'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("agent rows = %d, want 1", count)
	}
}

func TestEventValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*EventRecord)
	}{
		{"missing agent", func(e *EventRecord) { e.AgentID = "" }},
		{"bad channel", func(e *EventRecord) { e.Channel = "SMOKE" }},
		{"bad level", func(e *EventRecord) { e.Level = "LOUD" }},
		{"bad direction", func(e *EventRecord) { e.Direction = "sideways" }},
		{"missing trace", func(e *EventRecord) { e.TraceID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := baseEvent("agent-1", "x")
			tt.mutate(e)
			if _, err := s.LogEventGeneric(ctx, e); err == nil {
				t.Error("invalid event accepted")
			}
		})
	}
}

func TestLogLLMCall(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tokens := int64(120)
	dur := 450.5
	e := baseEvent("agent-1", "llm.call.finish")
	e.Channel = string(events.ChannelLLM)
	id, err := s.LogLLMCall(ctx, e, &LLMCallRecord{
		Model:      "claude-3-haiku",
		Prompt:     "hello",
		Response:   "hi",
		TokensIn:   &tokens,
		DurationMS: &dur,
	})
	if err != nil {
		t.Fatal(err)
	}

	var model string
	if err := s.DB().QueryRow(`SELECT model FROM llm_calls WHERE event_id = ?`, id).Scan(&model); err != nil {
		t.Fatal(err)
	}
	if model != "claude-3-haiku" {
		t.Errorf("model = %q", model)
	}

	t.Run("negative tokens rejected", func(t *testing.T) {
		bad := int64(-1)
		_, err := s.LogLLMCall(ctx, baseEvent("agent-1", "llm.call.finish"),
			&LLMCallRecord{Model: "m", TokensIn: &bad})
		if err == nil {
			t.Error("negative token count accepted")
		}
	})
}

func TestLogToolCallAndCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := baseEvent("agent-1", "tool.call.finish")
	e.Channel = string(events.ChannelTool)
	id, err := s.LogToolCall(ctx, e, &ToolCallRecord{
		ToolName:    "get_weather",
		InputParams: map[string]any{"city": "Lisbon"},
		Success:     true,
		Blocking:    true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Deleting the event must cascade into tool_calls.
	if _, err := s.DB().Exec(`DELETE FROM events WHERE id = ?`, id); err != nil {
		t.Fatal(err)
	}
	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM tool_calls WHERE event_id = ?`, id).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("tool_calls rows after cascade = %d", count)
	}
}

func TestLogSecurityEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := baseEvent("agent-1", "security.alert")
	e.Channel = string(events.ChannelSecurity)
	e.Level = string(events.LevelCritical)
	_, err := s.LogSecurityEvent(ctx, e, &SecurityAlertRecord{
		AlertType:    "remote_code_execution",
		Severity:     "critical",
		Description:  "shell payload on socket",
		MatchedTerms: []string{"uid="},
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("bad severity rejected", func(t *testing.T) {
		_, err := s.LogSecurityEvent(ctx, baseEvent("agent-1", "security.alert"),
			&SecurityAlertRecord{AlertType: "x", Severity: "catastrophic"})
		if err == nil {
			t.Error("invalid severity accepted")
		}
	})
}

func TestAttachPerformanceValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.LogEventGeneric(ctx, baseEvent("agent-1", "system.sample"))
	if err != nil {
		t.Fatal(err)
	}

	over := 101.0
	if err := s.AttachPerformance(ctx, id, &PerformanceRecord{CPUUsage: &over}); err == nil {
		t.Error("cpu_usage over 100 accepted")
	}

	ok := 55.0
	if err := s.AttachPerformance(ctx, id, &PerformanceRecord{CPUUsage: &ok}); err != nil {
		t.Errorf("valid cpu_usage rejected: %v", err)
	}
}

func TestListEventsFilterAndPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := baseEvent("agent-1", "llm.call.start")
		e.Channel = string(events.ChannelLLM)
		if _, err := s.LogEventGeneric(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	other := baseEvent("agent-2", "tool.call.start")
	other.Channel = string(events.ChannelTool)
	if _, err := s.LogEventGeneric(ctx, other); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListEvents(ctx, EventFilter{AgentID: "agent-1", Limit: 3, OrderBy: "id"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("page size = %d, want 3", len(got))
	}

	page2, err := s.ListEvents(ctx, EventFilter{AgentID: "agent-1", Limit: 3, Offset: 3, OrderBy: "id"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 {
		t.Errorf("second page = %d, want 2", len(page2))
	}

	byChannel, err := s.ListEvents(ctx, EventFilter{Channel: string(events.ChannelTool)})
	if err != nil {
		t.Fatal(err)
	}
	if len(byChannel) != 1 || byChannel[0].AgentID != "agent-2" {
		t.Errorf("channel filter returned %+v", byChannel)
	}
}

func TestDataLikeFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := baseEvent("agent-1", "llm.call.start")
	e.Data = map[string]any{"llm.model": "claude-3-haiku"}
	if _, err := s.LogEventGeneric(ctx, e); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LogEventGeneric(ctx, baseEvent("agent-1", "system.note")); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListEvents(ctx, EventFilter{DataLike: "haiku"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].EventType != "llm.call.start" {
		t.Errorf("LIKE filter returned %+v", got)
	}
}

func TestAggregates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, model := range []string{"m1", "m1", "m2"} {
		tin, tout, dur := int64(100), int64(50), 200.0
		e := baseEvent("agent-1", "llm.call.finish")
		e.Channel = string(events.ChannelLLM)
		_, err := s.LogLLMCall(ctx, e, &LLMCallRecord{
			Model: model, TokensIn: &tin, TokensOut: &tout, DurationMS: &dur,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	t.Run("counts by type", func(t *testing.T) {
		rows, err := s.EventCountsByType(ctx, "agent-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 1 || rows[0].Count != 3 {
			t.Errorf("got %+v", rows)
		}
	})

	t.Run("token usage by model", func(t *testing.T) {
		usage, err := s.TokenUsageByModel(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(usage) != 2 {
			t.Fatalf("models = %d", len(usage))
		}
		if usage[0].Model != "m1" || usage[0].TokensIn != 200 {
			t.Errorf("got %+v", usage[0])
		}
	})

	t.Run("avg duration by model", func(t *testing.T) {
		avgs, err := s.AvgLLMDurationByModel(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(avgs) != 2 || avgs[0].AvgDurationMS != 200 {
			t.Errorf("got %+v", avgs)
		}
	})

	t.Run("slowest operations", func(t *testing.T) {
		ops, err := s.SlowestOperations(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(ops) != 2 {
			t.Errorf("got %d ops", len(ops))
		}
	})

	t.Run("period buckets", func(t *testing.T) {
		for _, bucket := range []string{BucketHour, BucketDay, BucketWeek, BucketMonth} {
			if _, err := s.AvgLLMDurationByPeriod(ctx, bucket); err != nil {
				t.Errorf("bucket %s: %v", bucket, err)
			}
		}
		if _, err := s.AvgLLMDurationByPeriod(ctx, "decade"); err == nil {
			t.Error("invalid bucket accepted")
		}
	})
}

func TestVerifyAndUpdateSchema(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Simulate drift: drop a column-bearing table entirely.
	if _, err := s.DB().Exec(`DROP TABLE performance_metrics`); err != nil {
		t.Fatal(err)
	}

	report, err := s.VerifySchema(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Matches {
		t.Fatal("drift not detected")
	}
	if len(report.MissingTables) != 1 || report.MissingTables[0] != "performance_metrics" {
		t.Errorf("missing tables = %v", report.MissingTables)
	}

	after, err := s.UpdateSchema(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !after.Matches {
		t.Errorf("schema still drifted after update: %+v", after)
	}
}

func TestUpdateSchemaAddsColumn(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Rebuild llm_calls without the cost column.
	if _, err := s.DB().Exec(`DROP TABLE llm_calls`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().Exec(`CREATE TABLE llm_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id INTEGER NOT NULL UNIQUE REFERENCES events(id) ON DELETE CASCADE,
		model TEXT NOT NULL,
		prompt TEXT, response TEXT,
		tokens_in INTEGER, tokens_out INTEGER,
		duration_ms REAL, is_stream BOOLEAN NOT NULL DEFAULT 0,
		temperature REAL
	)`); err != nil {
		t.Fatal(err)
	}

	report, err := s.VerifySchema(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cols := report.MissingColumns["llm_calls"]; len(cols) != 1 || cols[0] != "cost" {
		t.Fatalf("missing columns = %v", report.MissingColumns)
	}

	after, err := s.UpdateSchema(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !after.Matches {
		t.Errorf("column not added: %+v", after)
	}
}

func TestResetRequiresForce(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Reset(context.Background(), false); err != ErrResetNotForced {
		t.Errorf("err = %v, want ErrResetNotForced", err)
	}
}

func TestResetFileDatabaseBacksUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monitor.db")
	s, err := Open(Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	if _, err := s.LogEventGeneric(ctx, baseEvent("agent-1", "x")); err != nil {
		t.Fatal(err)
	}

	res, err := s.Reset(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.BackupPath == "" || !strings.Contains(res.BackupPath, "_backup_") {
		t.Errorf("backup path = %q", res.BackupPath)
	}

	got, err := s.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("events survived reset: %d", len(got))
	}
}

func TestSessionAndConversationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sid, err := s.StartSession(ctx, "agent-1", map[string]any{"host": "ci"})
	if err != nil {
		t.Fatal(err)
	}
	cid, err := s.OpenConversation(ctx, sid, nil)
	if err != nil {
		t.Fatal(err)
	}

	active, err := s.ActiveConversation(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if active != cid {
		t.Errorf("active conversation = %d, want %d", active, cid)
	}

	t.Run("next session closes open conversations", func(t *testing.T) {
		if _, err := s.StartSession(ctx, "agent-1", nil); err != nil {
			t.Fatal(err)
		}
		active, err := s.ActiveConversation(ctx, sid)
		if err != nil {
			t.Fatal(err)
		}
		if active != 0 {
			t.Errorf("conversation %d still open after new session", active)
		}
	})

	t.Run("end session", func(t *testing.T) {
		if err := s.EndSession(ctx, sid); err != nil {
			t.Fatal(err)
		}
		info, err := s.GetSession(ctx, sid)
		if err != nil {
			t.Fatal(err)
		}
		if info.EndTime == nil {
			t.Error("end_time not stamped")
		}
		if info.Metadata["host"] != "ci" {
			t.Errorf("metadata = %v", info.Metadata)
		}
	})
}

func TestIsTerminationPhrase(t *testing.T) {
	for _, yes := range []string{"goodbye", "  Bye ", "EXIT", "end conversation"} {
		if !IsTerminationPhrase(yes) {
			t.Errorf("%q not recognized", yes)
		}
	}
	for _, no := range []string{"say goodbye to errors", "exiting the building", ""} {
		if IsTerminationPhrase(no) {
			t.Errorf("%q wrongly recognized", no)
		}
	}
}

func TestRecorderRoutesByEventShape(t *testing.T) {
	s := openTestStore(t)
	r := NewRecorder(s)
	ctx := context.Background()

	parent := strings.Repeat("c", 16)
	llm := &events.Event{
		Timestamp:    time.Now().UTC(),
		TraceID:      strings.Repeat("a", 32),
		SpanID:       strings.Repeat("b", 16),
		ParentSpanID: &parent,
		Name:         "llm.call.finish",
		Level:        events.LevelInfo,
		AgentID:      "agent-1",
		Attributes: map[string]any{
			"llm.model":                "claude-3-haiku",
			"llm.usage.input_tokens":   12,
			"llm.response.duration_ms": 88.0,
		},
	}
	if err := r.Record(ctx, llm); err != nil {
		t.Fatal(err)
	}

	var model string
	if err := s.DB().QueryRow(`SELECT model FROM llm_calls`).Scan(&model); err != nil {
		t.Fatalf("llm event not routed to llm_calls: %v", err)
	}

	sec := &events.Event{
		Timestamp: time.Now().UTC(),
		TraceID:   strings.Repeat("a", 32),
		SpanID:    strings.Repeat("d", 16),
		Name:      "security.alert",
		Level:     events.LevelCritical,
		AgentID:   "agent-1",
		Attributes: map[string]any{
			"security.category": "remote_code_execution",
			"security.severity": "critical",
			"security.keywords": []any{"uid="},
		},
	}
	if err := r.Record(ctx, sec); err != nil {
		t.Fatal(err)
	}
	var alertType string
	if err := s.DB().QueryRow(`SELECT alert_type FROM security_alerts`).Scan(&alertType); err != nil {
		t.Fatalf("security event not routed: %v", err)
	}
	if alertType != "remote_code_execution" {
		t.Errorf("alert_type = %q", alertType)
	}
}

func TestRecorderOnWrite(t *testing.T) {
	s := openTestStore(t)
	r := NewRecorder(s)

	var kinds []string
	r.OnWrite = func(kind string, d time.Duration) {
		if d < 0 {
			t.Errorf("negative write duration: %v", d)
		}
		kinds = append(kinds, kind)
	}

	write := func(name string, attrs map[string]any) {
		t.Helper()
		e := &events.Event{
			Timestamp:  time.Now().UTC(),
			TraceID:    strings.Repeat("a", 32),
			SpanID:     strings.Repeat("e", 16),
			Name:       name,
			Level:      events.LevelInfo,
			AgentID:    "agent-1",
			Attributes: attrs,
		}
		if err := r.Record(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}

	write("tool.lookup.finish", map[string]any{"tool.name": "lookup"})
	write("monitoring.start", nil)

	if len(kinds) != 2 || kinds[0] != "tool" || kinds[1] != "generic" {
		t.Errorf("write kinds = %v", kinds)
	}
}
