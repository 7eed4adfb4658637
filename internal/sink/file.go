// Package sink implements the two event outputs: an append-only
// JSON-lines file and an HTTP collector forwarder. Both are
// best-effort; neither ever propagates a failure to the code path that
// emitted the event.
package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cylestio/monitor/internal/events"
)

// FileSink appends one JSON object per line to a log file. On the
// first write failure it retries once against a fallback path in the
// user's home directory; if that also fails the event is dropped with
// a single ERROR log line.
type FileSink struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	fallback bool
	logger   *slog.Logger
}

// ResolveLogPath applies the log-file naming rules: a directory path
// gets a generated `{agent_id}_monitoring_{timestamp}.json` name, and a
// file path without an extension gets `.json` appended.
func ResolveLogPath(path, agentID string) string {
	if path == "" {
		return ""
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		name := fmt.Sprintf("%s_monitoring_%s.json", agentID, time.Now().Format("20060102_150405"))
		return filepath.Join(path, name)
	}
	if strings.HasSuffix(path, string(os.PathSeparator)) {
		name := fmt.Sprintf("%s_monitoring_%s.json", agentID, time.Now().Format("20060102_150405"))
		return filepath.Join(path, name)
	}
	if filepath.Ext(path) == "" {
		return path + ".json"
	}
	return path
}

// FallbackLogPath is the secondary location tried when the configured
// log file cannot be written.
func FallbackLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	name := fmt.Sprintf("cylestio_monitor_fallback_%s.json", time.Now().Format("20060102"))
	return filepath.Join(home, name)
}

// NewFileSink opens path for appending, creating parent directories as
// needed.
func NewFileSink(path string, logger *slog.Logger) (*FileSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileSink{path: path, logger: logger.With("component", "file_sink")}
	if err := s.open(path); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) open(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	s.file = f
	s.path = path
	return nil
}

// Path returns the file currently being written.
func (s *FileSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Write appends the event as one JSON line.
func (s *FileSink) Write(e *events.Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		// A malformed record is dropped, never written.
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(line); err == nil {
		return nil
	} else if s.fallback {
		s.logger.Error("fallback log write failed, dropping event", "event", e.Name, "error", err)
		return nil
	}

	// First failure: retry once against the fallback path.
	fallbackPath := FallbackLogPath()
	if openErr := s.reopen(fallbackPath); openErr != nil {
		s.logger.Error("log file and fallback both unavailable, dropping event",
			"path", s.path, "fallback", fallbackPath, "error", openErr)
		s.fallback = true
		return nil
	}
	s.fallback = true
	if _, err := s.file.Write(line); err != nil {
		s.logger.Error("fallback log write failed, dropping event", "event", e.Name, "error", err)
	}
	return nil
}

func (s *FileSink) reopen(path string) error {
	if s.file != nil {
		_ = s.file.Close()
	}
	return s.open(path)
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
