package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"
)

func startTestMonitor(t *testing.T, agentID string, extra ...Option) *Monitor {
	t.Helper()
	opts := append([]Option{
		WithLogFile(filepath.Join(t.TempDir(), "events.json")),
		WithDatabasePath(":memory:"),
		WithoutCollector(),
		WithLogOutput(io.Discard),
	}, extra...)

	m, err := StartMonitoring(agentID, opts...)
	if err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	t.Cleanup(func() { _ = StopMonitoring() })
	return m
}

func readEvents(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e map[string]any
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("malformed event line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestStartFailureClosesSinks(t *testing.T) {
	before := runtime.NumGoroutine()

	// A regular file where the database directory should go makes the
	// store refuse to open, after the collector worker already started.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "occupied")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := StartMonitoring("broken-agent",
		WithLogOutput(io.Discard),
		WithLogFile(filepath.Join(dir, "events.json")),
		WithDatabasePath(filepath.Join(blocker, "monitor.db")),
	)
	if err == nil {
		StopMonitoring()
		t.Fatal("expected store open failure")
	}
	if m != nil {
		t.Fatal("monitor returned alongside error")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && runtime.NumGoroutine() > before {
		time.Sleep(20 * time.Millisecond)
	}
	if n := runtime.NumGoroutine(); n > before {
		t.Errorf("goroutines after failed start = %d, want <= %d (sink worker leaked)", n, before)
	}

	// The failed attempt must not hold the process-wide slot.
	ok := startTestMonitor(t, "recovered-agent")
	if !ok.Enabled() {
		t.Error("monitor not usable after failed start")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	m := startTestMonitor(t, "lifecycle-agent")
	logPath := m.LogFilePath()

	if !m.Enabled() {
		t.Error("monitor should start enabled")
	}
	if err := StopMonitoring(); err != nil {
		t.Fatalf("StopMonitoring: %v", err)
	}
	if m.Enabled() {
		t.Error("wrappers still live after stop")
	}

	events := readEvents(t, logPath)
	if len(events) < 2 {
		t.Fatalf("expected start and stop events, got %d", len(events))
	}
	if events[0]["name"] != "monitoring.start" {
		t.Errorf("first event = %v", events[0]["name"])
	}
	if events[len(events)-1]["name"] != "monitoring.stop" {
		t.Errorf("last event = %v", events[len(events)-1]["name"])
	}

	traceRe := regexp.MustCompile(`^[0-9a-f]{32}$`)
	spanRe := regexp.MustCompile(`^[0-9a-f]{16}$`)
	for _, e := range events {
		if id, _ := e["trace_id"].(string); !traceRe.MatchString(id) {
			t.Errorf("bad trace_id %q in %v", id, e["name"])
		}
		if id, _ := e["span_id"].(string); !spanRe.MatchString(id) {
			t.Errorf("bad span_id %q in %v", id, e["name"])
		}
		if e["agent_id"] != "lifecycle-agent" {
			t.Errorf("agent_id = %v", e["agent_id"])
		}
	}
}

func TestDoubleStartRefused(t *testing.T) {
	startTestMonitor(t, "first-agent")

	if _, err := StartMonitoring("second-agent", WithoutCollector(), WithoutStore()); err == nil {
		t.Error("second StartMonitoring should fail while the first is active")
	}
}

func TestStopMonitoringWithoutStart(t *testing.T) {
	if err := StopMonitoring(); err != nil {
		t.Errorf("StopMonitoring with nothing running: %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	m := startTestMonitor(t, "idem-agent")
	if err := m.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	// The slot is free again.
	m2, err := StartMonitoring("idem-agent-2",
		WithLogFile(filepath.Join(t.TempDir(), "events.json")),
		WithDatabasePath(":memory:"), WithoutCollector(), WithLogOutput(io.Discard))
	if err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	_ = m2.Stop()
}

func TestLogFileDirectoryNaming(t *testing.T) {
	dir := t.TempDir()
	m := startTestMonitor(t, "naming-agent", WithLogFile(dir))

	path := m.LogFilePath()
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "naming-agent_monitoring_") || !strings.HasSuffix(base, ".json") {
		t.Errorf("generated log name = %q", base)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("log not placed in the directory: %q", path)
	}
}

func TestGetAPIEndpoint(t *testing.T) {
	// Empty values behave as unset in endpoint resolution.
	t.Setenv("CYLESTIO_API_ENDPOINT", "")
	t.Setenv("CYLESTIO_TELEMETRY_ENDPOINT", "")

	t.Run("inactive default", func(t *testing.T) {
		if got := GetAPIEndpoint(); got != "http://127.0.0.1:8000/api/v1/telemetry/" {
			t.Errorf("endpoint = %q", got)
		}
	})
	t.Run("active monitor wins", func(t *testing.T) {
		m := startTestMonitor(t, "endpoint-agent")
		if got := m.APIEndpoint(); got != "http://127.0.0.1:8000/api/v1/telemetry/" {
			t.Errorf("resolved endpoint = %q", got)
		}
	})
}

func TestWrappedToolSurvivesStop(t *testing.T) {
	m := startTestMonitor(t, "tool-agent")
	logPath := m.LogFilePath()

	tool := m.WrapToolFunc("echo", "echoes input", nil,
		func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: string(params)}, nil
		})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"city":"Paris"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != `{"city":"Paris"}` {
		t.Errorf("wrapped result = %q", res.Content)
	}

	before := len(readEvents(t, logPath))
	if before == 0 {
		t.Fatal("no events recorded for the wrapped execution")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The wrapper stays installed but is inert: identical behavior,
	// nothing new emitted.
	res2, err := tool.Execute(context.Background(), json.RawMessage(`{"city":"Oslo"}`))
	if err != nil {
		t.Fatalf("Execute after stop: %v", err)
	}
	if res2.Content != `{"city":"Oslo"}` {
		t.Errorf("post-stop result = %q", res2.Content)
	}
	if after := len(readEvents(t, logPath)); after != before {
		t.Errorf("events emitted after stop: %d -> %d", before, after)
	}
}

func TestToolEventsPersistToStore(t *testing.T) {
	m := startTestMonitor(t, "persist-agent")

	tool := m.WrapToolFunc("lookup", "looks up", nil,
		func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		})
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var count int
	err := m.Store().DB().QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM tool_calls`).Scan(&count)
	if err != nil {
		t.Fatalf("query tool_calls: %v", err)
	}
	if count == 0 {
		t.Error("no tool_calls row persisted")
	}
}

func TestConfigFileDrivesMonitor(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "monitor.yaml")
	content := "api:\n  endpoint: http://collector.test:9999/v1/\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := startTestMonitor(t, "cfg-agent", WithConfigFile(cfgPath))
	if got := m.APIEndpoint(); got != "http://collector.test:9999/v1/" {
		t.Errorf("endpoint from config file = %q", got)
	}
}
