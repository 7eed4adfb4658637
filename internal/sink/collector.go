package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cylestio/monitor/internal/events"
)

// Environment variables recognized for the collector endpoint.
const (
	EnvAPIEndpoint       = "CYLESTIO_API_ENDPOINT"
	EnvTelemetryEndpoint = "CYLESTIO_TELEMETRY_ENDPOINT"

	// DefaultEndpoint is used when neither configuration nor
	// environment supplies one.
	DefaultEndpoint = "http://127.0.0.1:8000/api/v1/telemetry/"

	DefaultTimeout   = 5 * time.Second
	defaultQueueSize = 1000
)

// ResolveEndpoint returns the collector endpoint: explicit config wins,
// then the environment, then the default.
func ResolveEndpoint(configured string) string {
	if configured != "" {
		return configured
	}
	if v := os.Getenv(EnvAPIEndpoint); v != "" {
		return v
	}
	if v := os.Getenv(EnvTelemetryEndpoint); v != "" {
		return v
	}
	return DefaultEndpoint
}

// CollectorConfig configures the HTTP forwarder.
type CollectorConfig struct {
	// Endpoint is the collector URL. Empty resolves via
	// ResolveEndpoint.
	Endpoint string

	// Method is POST (default) or PUT.
	Method string

	// Timeout bounds each request; defaults to 5 s.
	Timeout time.Duration

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string

	// QueueSize bounds the background send queue; defaults to 1000.
	QueueSize int

	// Client overrides the HTTP client (tests).
	Client *http.Client

	// OnDrop, when set, observes every lost event with the reason
	// ("queue_full" or "write_failed").
	OnDrop func(reason string)
}

// CollectorSink forwards events to the remote collector from a single
// background worker, preserving per-span ordering. The queue is
// bounded; under overflow the newest event is dropped with a local
// WARN rather than blocking the caller.
type CollectorSink struct {
	endpoint string
	method   string
	token    string
	client   *http.Client
	logger   *slog.Logger
	onDrop   func(reason string)

	queue chan *events.Event
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	dropped int64
}

// NewCollectorSink starts the background worker.
func NewCollectorSink(cfg CollectorConfig, logger *slog.Logger) *CollectorSink {
	if logger == nil {
		logger = slog.Default()
	}
	method := strings.ToUpper(cfg.Method)
	if method != http.MethodPut {
		method = http.MethodPost
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	s := &CollectorSink{
		endpoint: ResolveEndpoint(cfg.Endpoint),
		method:   method,
		token:    cfg.AuthToken,
		client:   client,
		logger:   logger.With("component", "collector_sink"),
		onDrop:   cfg.OnDrop,
		queue:    make(chan *events.Event, queueSize),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.sendLoop()
	return s
}

// Endpoint returns the resolved collector URL.
func (s *CollectorSink) Endpoint() string { return s.endpoint }

// Write enqueues the event for background delivery. Never blocks: when
// the queue is full the event is dropped and counted.
func (s *CollectorSink) Write(e *events.Event) error {
	select {
	case <-s.done:
		return nil
	default:
	}

	select {
	case s.queue <- e:
		return nil
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		s.logger.Warn("collector queue full, dropping event", "event", e.Name, "dropped_total", n)
		s.drop("queue_full")
		return nil
	}
}

func (s *CollectorSink) drop(reason string) {
	if s.onDrop != nil {
		s.onDrop(reason)
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (s *CollectorSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close drains the queue and stops the worker.
func (s *CollectorSink) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	s.wg.Wait()
	return nil
}

func (s *CollectorSink) sendLoop() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.queue:
			s.send(e)
		case <-s.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case e := <-s.queue:
					s.send(e)
				default:
					return
				}
			}
		}
	}
}

func (s *CollectorSink) send(e *events.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("event not serializable for collector", "event", e.Name, "error", err)
		s.drop("write_failed")
		return
	}

	req, err := http.NewRequestWithContext(context.Background(), s.method, s.endpoint, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("collector request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("collector send failed", "event", e.Name, "error", err)
		s.drop("write_failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Non-2xx is transient; the event is not retried.
		s.logger.Warn("collector rejected event",
			"event", e.Name, "status", fmt.Sprintf("%d", resp.StatusCode))
		s.drop("write_failed")
	}
}
