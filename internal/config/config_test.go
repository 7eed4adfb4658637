package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "monitor.yaml", `
monitoring:
  agent_id: weather-agent
  log_file: /tmp/events.json
api:
  endpoint: http://collector.internal:8000/api/v1/telemetry/
  http_method: PUT
  timeout: 10s
security:
  keywords:
    dangerous_commands: ["DROP", "rm -rf"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Monitoring.AgentID != "weather-agent" {
		t.Errorf("agent_id = %q", cfg.Monitoring.AgentID)
	}
	if cfg.API.HTTPMethod != "PUT" {
		t.Errorf("http_method = %q", cfg.API.HTTPMethod)
	}
	if cfg.API.Timeout.Std() != 10*time.Second {
		t.Errorf("timeout = %v", cfg.API.Timeout)
	}
	if got := cfg.Security.Keywords.DangerousCommands; len(got) != 2 || got[0] != "DROP" {
		t.Errorf("dangerous_commands = %v", got)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "monitor.json5", `{
  // comments are allowed in JSON5
  monitoring: { agent_id: "json5-agent" },
  api: { endpoint: "http://127.0.0.1:9000/" },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Monitoring.AgentID != "json5-agent" {
		t.Errorf("agent_id = %q", cfg.Monitoring.AgentID)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.HTTPMethod != "POST" {
		t.Errorf("default http_method = %q", cfg.API.HTTPMethod)
	}
	if cfg.API.Timeout.Std() != 5*time.Second {
		t.Errorf("default timeout = %v", cfg.API.Timeout)
	}
	if cfg.API.QueueSize != 1000 {
		t.Errorf("default queue_size = %d", cfg.API.QueueSize)
	}
	if !cfg.FrameworkPatchingEnabled() || !cfg.SafeToolPatchingEnabled() {
		t.Error("patching toggles should default to true")
	}
}

func TestExplicitFalseSurvivesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "monitor.yaml", "enable_framework_patching: false\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FrameworkPatchingEnabled() {
		t.Error("explicit false was overridden by the default")
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "monitor.yaml", "monitoring:\n  agent_id: from-file\n")

	t.Setenv(EnvAgentID, "from-env")
	t.Setenv(EnvDebugLevel, "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Monitoring.AgentID != "from-env" {
		t.Errorf("agent_id = %q, want env override", cfg.Monitoring.AgentID)
	}
	if cfg.DebugLevel != "debug" {
		t.Errorf("debug_level = %q", cfg.DebugLevel)
	}
}

func TestEnvVarExpansionInFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_COLLECTOR_HOST", "collector.example")
	path := writeFile(t, dir, "monitor.yaml",
		"api:\n  endpoint: http://${TEST_COLLECTOR_HOST}:8000/\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Endpoint != "http://collector.example:8000/" {
		t.Errorf("endpoint = %q", cfg.API.Endpoint)
	}
}

func TestInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
api:
  endpoint: http://base:8000/
logging:
  level: warn
`)
	path := writeFile(t, dir, "monitor.yaml", `
$include: base.yaml
api:
  endpoint: http://override:8000/
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Endpoint != "http://override:8000/" {
		t.Errorf("including file should win: %q", cfg.API.Endpoint)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("included value lost: %q", cfg.Logging.Level)
	}
}

func TestIncludeCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("expected include cycle error, got %v", err)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "monitor.yaml", "monitorring:\n  agent_id: typo\n")

	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown top-level field")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults ok", func(*Config) {}, false},
		{"put ok", func(c *Config) { c.API.HTTPMethod = "PUT" }, false},
		{"bad method", func(c *Config) { c.API.HTTPMethod = "DELETE" }, true},
		{"negative timeout", func(c *Config) { c.API.Timeout = Duration(-time.Second) }, true},
		{"sampling above one", func(c *Config) { c.Observability.Tracing.SamplingRate = 1.5 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolveEndpointPrecedence(t *testing.T) {
	t.Run("configured wins", func(t *testing.T) {
		t.Setenv(EnvAPIEndpoint, "http://env:1/")
		cfg := &Config{API: APIConfig{Endpoint: "http://file:1/"}}
		if got := cfg.ResolveEndpoint(); got != "http://file:1/" {
			t.Errorf("got %q", got)
		}
	})
	t.Run("api env over telemetry env", func(t *testing.T) {
		t.Setenv(EnvAPIEndpoint, "http://api-env:1/")
		t.Setenv(EnvTelemetryEndpoint, "http://tel-env:1/")
		cfg := &Config{}
		if got := cfg.ResolveEndpoint(); got != "http://api-env:1/" {
			t.Errorf("got %q", got)
		}
	})
	t.Run("default last", func(t *testing.T) {
		cfg := &Config{}
		if got := cfg.ResolveEndpoint(); got != DefaultEndpoint {
			t.Errorf("got %q", got)
		}
	})
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	for _, want := range []string{"agent_id", "dangerous_commands", "http_method"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema missing %q", want)
		}
	}
}

func TestWatcherReloadsKeywords(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "monitor.yaml", `
security:
  keywords:
    dangerous_commands: ["DROP"]
`)

	var reloads atomic.Int32
	got := make(chan KeywordsConfig, 4)
	w := NewWatcher(path, func(kw KeywordsConfig) {
		reloads.Add(1)
		got <- kw
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	writeFile(t, dir, "monitor.yaml", `
security:
  keywords:
    dangerous_commands: ["DROP", "TRUNCATE"]
`)

	select {
	case kw := <-got:
		if len(kw.DangerousCommands) != 2 {
			t.Errorf("reloaded keywords = %v", kw.DangerousCommands)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed after file change")
	}
}

func TestWatcherKeepsKeywordsOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "monitor.yaml", "logging:\n  level: info\n")

	called := make(chan struct{}, 1)
	w := NewWatcher(path, func(KeywordsConfig) { called <- struct{}{} }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	writeFile(t, dir, "monitor.yaml", "logging: [broken\n")

	select {
	case <-called:
		t.Error("callback fired for an unparseable config")
	case <-time.After(1 * time.Second):
	}
}

func TestDefaultConfigValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
