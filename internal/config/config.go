// Package config holds the monitor's configuration: identity of the
// monitored agent, telemetry destinations, security keyword sets, and
// ambient tuning. Files are YAML or JSON5 with $include composition and
// environment-variable expansion; CYLESTIO_* variables override the
// highest-traffic settings after the file is parsed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration lets config files write "10s" or "500ms" where yaml.v3
// would otherwise demand raw nanoseconds. Bare numbers are seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Environment variables recognized as overrides.
const (
	EnvAgentID           = "CYLESTIO_AGENT_ID"
	EnvLogFile           = "CYLESTIO_LOG_FILE"
	EnvAPIEndpoint       = "CYLESTIO_API_ENDPOINT"
	EnvTelemetryEndpoint = "CYLESTIO_TELEMETRY_ENDPOINT"
	EnvDBPath            = "CYLESTIO_DB_PATH"
	EnvDebugLevel        = "CYLESTIO_DEBUG_LEVEL"
	EnvDevelopmentMode   = "CYLESTIO_DEVELOPMENT_MODE"
)

// DefaultEndpoint is where telemetry goes when nothing else is configured.
const DefaultEndpoint = "http://127.0.0.1:8000/api/v1/telemetry/"

// Config is the root configuration structure.
type Config struct {
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	API           APIConfig           `yaml:"api"`
	Security      SecurityConfig      `yaml:"security"`
	Database      DatabaseConfig      `yaml:"database"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`

	// DebugLevel sets the monitor's own log level; distinct from the
	// level of events in the telemetry stream.
	DebugLevel string `yaml:"debug_level"`

	// DevelopmentMode relaxes redaction and logs full payloads.
	// Never enable against production traffic.
	DevelopmentMode bool `yaml:"development_mode"`

	// EnableFrameworkPatching controls whether vendor SDK clients are
	// instrumented when built through the monitor. Defaults to true;
	// a pointer so an explicit false survives default application.
	EnableFrameworkPatching *bool `yaml:"enable_framework_patching"`

	// SafeToolPatching makes WrapTool return the original tool on any
	// wrapping failure instead of erroring. Defaults to true.
	SafeToolPatching *bool `yaml:"safe_tool_patching"`
}

// MonitoringConfig identifies the monitored agent and the local
// telemetry log.
type MonitoringConfig struct {
	// AgentID names the monitored application in every event.
	AgentID string `yaml:"agent_id"`

	// LogFile is the JSON-lines event log destination. A directory
	// gets a generated {agent_id}_monitoring_{timestamp}.json name;
	// empty disables the file sink.
	LogFile string `yaml:"log_file"`
}

// APIConfig configures the remote telemetry collector.
type APIConfig struct {
	// Endpoint is the collector URL. Empty falls back to
	// CYLESTIO_API_ENDPOINT, then CYLESTIO_TELEMETRY_ENDPOINT, then
	// DefaultEndpoint.
	Endpoint string `yaml:"endpoint"`

	// HTTPMethod is POST or PUT. Defaults to POST.
	HTTPMethod string `yaml:"http_method"`

	// Timeout bounds each delivery attempt. Defaults to 5s.
	Timeout Duration `yaml:"timeout"`

	// QueueSize bounds the background delivery queue. Defaults to 1000.
	QueueSize int `yaml:"queue_size"`
}

// SecurityConfig carries the scanner keyword sets. Empty sets keep the
// built-in defaults.
type SecurityConfig struct {
	Keywords KeywordsConfig `yaml:"keywords"`
}

// KeywordsConfig mirrors the pattern registry's configurable sets.
type KeywordsConfig struct {
	SensitiveData      []string `yaml:"sensitive_data"`
	DangerousCommands  []string `yaml:"dangerous_commands"`
	PromptManipulation []string `yaml:"prompt_manipulation"`
}

// DatabaseConfig locates the relational event store.
type DatabaseConfig struct {
	// Path to the SQLite file; empty resolves via CYLESTIO_TEST_DB_DIR
	// or the platform user-config directory.
	Path string `yaml:"path"`
}

// LoggingConfig tunes the monitor's own diagnostic logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// ObservabilityConfig tunes the monitor's self-observation.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns a configuration with all defaults applied and no
// file loaded.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.API.HTTPMethod == "" {
		cfg.API.HTTPMethod = "POST"
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = Duration(5 * time.Second)
	}
	if cfg.API.QueueSize == 0 {
		cfg.API.QueueSize = 1000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.DebugLevel == "" {
		cfg.DebugLevel = cfg.Logging.Level
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
	if cfg.EnableFrameworkPatching == nil {
		cfg.EnableFrameworkPatching = boolPtr(true)
	}
	if cfg.SafeToolPatching == nil {
		cfg.SafeToolPatching = boolPtr(true)
	}
}

func boolPtr(b bool) *bool { return &b }

// FrameworkPatchingEnabled reports the resolved patching toggle.
func (c *Config) FrameworkPatchingEnabled() bool {
	return c.EnableFrameworkPatching == nil || *c.EnableFrameworkPatching
}

// SafeToolPatchingEnabled reports the resolved tool-wrapping toggle.
func (c *Config) SafeToolPatchingEnabled() bool {
	return c.SafeToolPatching == nil || *c.SafeToolPatching
}

// applyEnvOverrides lets CYLESTIO_* variables win over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvAgentID); v != "" {
		cfg.Monitoring.AgentID = v
	}
	if v := os.Getenv(EnvLogFile); v != "" {
		cfg.Monitoring.LogFile = v
	}
	if v := os.Getenv(EnvAPIEndpoint); v != "" {
		cfg.API.Endpoint = v
	} else if v := os.Getenv(EnvTelemetryEndpoint); v != "" && cfg.API.Endpoint == "" {
		cfg.API.Endpoint = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv(EnvDebugLevel); v != "" {
		cfg.DebugLevel = v
	}
	if v := os.Getenv(EnvDevelopmentMode); v != "" {
		cfg.DevelopmentMode = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.API.HTTPMethod) {
	case "POST", "PUT":
	default:
		return fmt.Errorf("api.http_method must be POST or PUT, got %q", c.API.HTTPMethod)
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("api.timeout must not be negative")
	}
	if c.API.QueueSize < 0 {
		return fmt.Errorf("api.queue_size must not be negative")
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		return fmt.Errorf("observability.tracing.sampling_rate must be within [0,1], got %v", r)
	}
	return nil
}

// ResolveEndpoint applies the endpoint precedence: configured value,
// then CYLESTIO_API_ENDPOINT, then CYLESTIO_TELEMETRY_ENDPOINT, then
// the default local collector.
func (c *Config) ResolveEndpoint() string {
	if c != nil && c.API.Endpoint != "" {
		return c.API.Endpoint
	}
	if v := os.Getenv(EnvAPIEndpoint); v != "" {
		return v
	}
	if v := os.Getenv(EnvTelemetryEndpoint); v != "" {
		return v
	}
	return DefaultEndpoint
}
