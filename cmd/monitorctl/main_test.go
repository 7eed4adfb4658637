package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTailEventsDump(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.json")
	lines := strings.Join([]string{
		`{"timestamp":"2025-01-01T12:00:00Z","name":"monitoring.start","level":"INFO","trace_id":"aabbccddaabbccddaabbccddaabbccdd","span_id":"0011223344556677","attributes":{"agent_id":"w"}}`,
		`{"timestamp":"2025-01-01T12:00:01Z","name":"security.alert","level":"CRITICAL","trace_id":"aabbccddaabbccddaabbccddaabbccdd","span_id":"8899aabbccddeeff","attributes":{"security.category":"remote_code_execution"}}`,
		"not json at all",
	}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := tailEvents(context.Background(), &out, path, false, "", ""); err != nil {
		t.Fatalf("tailEvents: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "monitoring.start") || !strings.Contains(got, "security.alert") {
		t.Errorf("events missing from output:\n%s", got)
	}
	if !strings.Contains(got, "not json at all") {
		t.Errorf("raw passthrough lost:\n%s", got)
	}
	if !strings.Contains(got, "trace=aabbccdd") {
		t.Errorf("trace id not shortened:\n%s", got)
	}
}

func TestTailEventsFilters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.json")
	lines := strings.Join([]string{
		`{"timestamp":"2025-01-01T12:00:00Z","name":"tool.lookup.start","level":"INFO"}`,
		`{"timestamp":"2025-01-01T12:00:01Z","name":"security.alert","level":"CRITICAL"}`,
	}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := tailEvents(context.Background(), &out, path, false, "critical", "security."); err != nil {
		t.Fatalf("tailEvents: %v", err)
	}
	if strings.Contains(out.String(), "tool.lookup.start") {
		t.Errorf("level/name filter failed:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "security.alert") {
		t.Errorf("matching event filtered out:\n%s", out.String())
	}
}

func TestSummarizeAttrsDeterministic(t *testing.T) {
	attrs := map[string]any{"b": 2, "a": 1, "c": strings.Repeat("x", 100)}
	got := summarizeAttrs(attrs)
	if !strings.HasPrefix(got, "a=1 b=2 c=") {
		t.Errorf("attrs not sorted: %q", got)
	}
	if !strings.Contains(got, "...") {
		t.Errorf("long value not truncated: %q", got)
	}
}

func TestDBVerifyCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CYLESTIO_TEST_DB_DIR", dir)

	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"db", "verify"})

	if err := root.Execute(); err != nil {
		t.Fatalf("db verify: %v", err)
	}
	if !strings.Contains(out.String(), "schema: ok") {
		t.Errorf("fresh database should verify clean:\n%s", out.String())
	}
}

func TestDBResetRequiresForce(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CYLESTIO_TEST_DB_DIR", dir)

	root := buildRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"db", "reset"})

	if err := root.Execute(); err == nil {
		t.Error("reset without --force should fail")
	}
}

func TestSchemaCommand(t *testing.T) {
	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"schema"})

	if err := root.Execute(); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if !strings.Contains(out.String(), "agent_id") {
		t.Errorf("schema output missing fields:\n%s", out.String())
	}
}
