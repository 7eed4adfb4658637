package monitor

import (
	"io"
	"net/http"

	"github.com/cylestio/monitor/internal/config"
)

type settings struct {
	configPath  string
	cfg         *config.Config
	logFile     string
	endpoint    string
	dbPath      string
	logOutput   io.Writer
	httpClient  *http.Client
	noStore     bool
	noCollector bool
}

// Option adjusts monitor startup.
type Option func(*settings)

// WithConfigFile loads settings from a YAML or JSON5 file and watches
// it for security-keyword changes.
func WithConfigFile(path string) Option {
	return func(s *settings) { s.configPath = path }
}

// WithConfig supplies a pre-built configuration; mutually exclusive
// with WithConfigFile's file watching.
func WithConfig(cfg *config.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithLogFile enables the JSON-lines file sink. A directory gets a
// generated {agent_id}_monitoring_{timestamp}.json name.
func WithLogFile(path string) Option {
	return func(s *settings) { s.logFile = path }
}

// WithEndpoint overrides the collector endpoint.
func WithEndpoint(url string) Option {
	return func(s *settings) { s.endpoint = url }
}

// WithDatabasePath overrides the SQLite store location.
func WithDatabasePath(path string) Option {
	return func(s *settings) { s.dbPath = path }
}

// WithLogOutput redirects the monitor's own diagnostics (tests).
func WithLogOutput(w io.Writer) Option {
	return func(s *settings) { s.logOutput = w }
}

// WithHTTPClient overrides the collector's HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// WithoutStore disables the local SQLite store; events still flow to
// the file and collector sinks.
func WithoutStore() Option {
	return func(s *settings) { s.noStore = true }
}

// WithoutCollector disables remote delivery; for air-gapped runs and
// tests that only want the file sink.
func WithoutCollector() Option {
	return func(s *settings) { s.noCollector = true }
}

func applyOptions(opts []Option) *settings {
	s := &settings{}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// mergeInto applies option-level overrides on top of the loaded file.
func (s *settings) mergeInto(cfg *config.Config) {
	if s.logFile != "" {
		cfg.Monitoring.LogFile = s.logFile
	}
	if s.endpoint != "" {
		cfg.API.Endpoint = s.endpoint
	}
	if s.dbPath != "" {
		cfg.Database.Path = s.dbPath
	}
}
