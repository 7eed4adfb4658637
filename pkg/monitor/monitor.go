// Package monitor is the public control surface of the observability
// agent. Host applications call StartMonitoring once at startup, use
// the returned Monitor to build instrumented clients and wrappers, and
// call StopMonitoring (or Monitor.Stop) at shutdown.
//
// Usage:
//
//	m, err := monitor.StartMonitoring("weather-agent",
//	    monitor.WithLogFile("./telemetry/"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer monitor.StopMonitoring()
//
//	client := m.InstrumentAnthropic(option.WithAPIKey(key))
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cylestio/monitor/internal/config"
	"github.com/cylestio/monitor/internal/events"
	"github.com/cylestio/monitor/internal/intercept"
	"github.com/cylestio/monitor/internal/observability"
	"github.com/cylestio/monitor/internal/patterns"
	"github.com/cylestio/monitor/internal/rce"
	"github.com/cylestio/monitor/internal/scanner"
	"github.com/cylestio/monitor/internal/sink"
	"github.com/cylestio/monitor/internal/store"
	"github.com/cylestio/monitor/internal/trace"
)

// Tool and ToolResult re-export the wrapping contracts so consumers
// never import internal packages.
type (
	Tool       = intercept.Tool
	ToolResult = intercept.ToolResult
	ToolFunc   = intercept.ToolFunc
)

// Monitor is one running monitoring session for a single agent.
type Monitor struct {
	cfg    *config.Config
	logger *observability.Logger

	tc          *trace.Context
	builder     *events.Builder
	registry    *patterns.Registry
	interceptor *intercept.Interceptor
	correlator  *rce.Correlator

	fileSink  *sink.FileSink
	collector *sink.CollectorSink
	db        *store.Store
	sessionID int64

	metrics        *observability.Metrics
	tracer         *observability.Tracer
	tracerShutdown func(context.Context) error
	watcher        *config.Watcher

	stopOnce sync.Once
	stopErr  error
}

var (
	activeMu sync.Mutex
	active   *Monitor
)

// StartMonitoring wires the full pipeline for agentID and installs it
// as the process-wide monitor. A second call without an intervening
// stop returns an error.
//
// Initialization failures leave the host uninstrumented but otherwise
// unharmed; the returned error says what refused to start.
func StartMonitoring(agentID string, opts ...Option) (*Monitor, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}

	activeMu.Lock()
	defer activeMu.Unlock()
	if active != nil {
		return nil, fmt.Errorf("monitoring already active for agent %q", active.tc.AgentID())
	}

	m, err := newMonitor(agentID, opts...)
	if err != nil {
		return nil, err
	}
	active = m
	return m, nil
}

// StopMonitoring stops the process-wide monitor. Safe to call when
// nothing is running.
func StopMonitoring() error {
	activeMu.Lock()
	m := active
	active = nil
	activeMu.Unlock()

	if m == nil {
		return nil
	}
	return m.Stop()
}

// DisableMonitoring is a legacy alias for StopMonitoring.
func DisableMonitoring() error { return StopMonitoring() }

// GetAPIEndpoint returns the collector endpoint the active monitor
// delivers to, or the endpoint a new monitor would resolve to when
// none is running.
func GetAPIEndpoint() string {
	activeMu.Lock()
	m := active
	activeMu.Unlock()

	if m != nil && m.collector != nil {
		return m.collector.Endpoint()
	}
	return sink.ResolveEndpoint("")
}

func newMonitor(agentID string, opts ...Option) (*Monitor, error) {
	st := applyOptions(opts)

	cfg := st.cfg
	if cfg == nil {
		loaded, err := config.Load(st.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	st.mergeInto(cfg)
	cfg.Monitoring.AgentID = agentID

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.DebugLevel,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
		Output:    st.logOutput,
	})

	registry := patterns.Default()
	registry.Load(patterns.Keywords{
		SensitiveData:      cfg.Security.Keywords.SensitiveData,
		DangerousCommands:  cfg.Security.Keywords.DangerousCommands,
		PromptManipulation: cfg.Security.Keywords.PromptManipulation,
	})
	sc := scanner.Get(registry)

	tc := trace.NewContext(agentID)
	trace.SetDefault(tc)

	builder := events.NewBuilder(logger.Slog())

	m := &Monitor{
		cfg:      cfg,
		logger:   logger,
		tc:       tc,
		builder:  builder,
		registry: registry,
	}

	ctx := context.Background()

	if cfg.Observability.Metrics.Enabled {
		m.metrics = observability.NewMetrics()
	}

	if path := cfg.Monitoring.LogFile; path != "" {
		resolved := sink.ResolveLogPath(path, agentID)
		fs, err := sink.NewFileSink(resolved, logger.Slog())
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		m.fileSink = fs
		builder.AddSink(fs)
	}

	if !st.noCollector {
		collectorCfg := sink.CollectorConfig{
			Endpoint:  cfg.ResolveEndpoint(),
			Method:    cfg.API.HTTPMethod,
			Timeout:   cfg.API.Timeout.Std(),
			QueueSize: cfg.API.QueueSize,
			Client:    st.httpClient,
		}
		if m.metrics != nil {
			collectorCfg.OnDrop = func(reason string) {
				m.metrics.EventsDropped.WithLabelValues("collector", reason).Inc()
			}
		}
		m.collector = sink.NewCollectorSink(collectorCfg, logger.Slog())
		builder.AddSink(m.collector)
	}

	if !st.noStore {
		db, err := store.Open(store.Options{Path: cfg.Database.Path, Logger: logger.Slog()})
		if err != nil {
			m.closeSinks()
			return nil, fmt.Errorf("open event store: %w", err)
		}
		m.db = db
		recorder := store.NewRecorder(db)
		if m.metrics != nil {
			recorder.OnWrite = func(kind string, d time.Duration) {
				m.metrics.StoreWriteDuration.WithLabelValues(kind).Observe(d.Seconds())
			}
		}
		builder.AddRecorder(recorder)

		sessionID, err := db.StartSession(ctx, agentID, map[string]any{
			"log_file": cfg.Monitoring.LogFile,
			"endpoint": cfg.ResolveEndpoint(),
		})
		if err != nil {
			logger.Warn(ctx, "session row not created", "error", err)
		} else {
			m.sessionID = sessionID
		}
	}

	if tr := cfg.Observability.Tracing; tr.Enabled && tr.Endpoint != "" {
		m.tracer, m.tracerShutdown = observability.NewTracer(observability.TraceConfig{
			ServiceName:    "cylestio-monitor",
			Endpoint:       tr.Endpoint,
			SamplingRate:   tr.SamplingRate,
			EnableInsecure: tr.Insecure,
		})
	}
	if m.metrics != nil || m.tracer != nil {
		builder.SetObserver(m.observeEvent)
	}

	m.correlator = rce.New(registry, logger.Slog())
	interceptCfg := intercept.Config{
		Builder:           builder,
		Scanner:           sc,
		Registry:          registry,
		Correlator:        m.correlator,
		Logger:            logger.Slog(),
		TelemetryEndpoint: cfg.ResolveEndpoint(),
	}
	if m.metrics != nil {
		interceptCfg.OnScan = func(alertLevel, category string, d time.Duration) {
			m.metrics.ScanDuration.Observe(d.Seconds())
			if category == "" {
				category = "none"
			}
			m.metrics.ScanVerdicts.WithLabelValues(alertLevel, category).Inc()
		}
		interceptCfg.OnCall = func(category string, d time.Duration) {
			m.metrics.WrappedCallDuration.WithLabelValues(category).Observe(d.Seconds())
		}
	}
	m.interceptor = intercept.New(interceptCfg)
	m.interceptor.WireAlerts()
	m.interceptor.SetEnabled(cfg.FrameworkPatchingEnabled())

	if st.configPath != "" {
		m.watcher = config.NewWatcher(st.configPath, func(kw config.KeywordsConfig) {
			registry.Load(patterns.Keywords{
				SensitiveData:      kw.SensitiveData,
				DangerousCommands:  kw.DangerousCommands,
				PromptManipulation: kw.PromptManipulation,
			})
		}, logger.Slog())
		if err := m.watcher.Start(ctx); err != nil {
			logger.Warn(ctx, "config watch not started", "path", st.configPath, "error", err)
			m.watcher = nil
		}
	}

	builder.LogEvent(trace.With(ctx, tc), "monitoring.start", map[string]any{
		"agent_id": agentID,
		"log_file": cfg.Monitoring.LogFile,
		"endpoint": cfg.ResolveEndpoint(),
		"database": m.databasePath(),
		"dev_mode": cfg.DevelopmentMode,
	}, events.WithChannel(events.ChannelSystem))

	return m, nil
}

// Stop emits monitoring.stop, disables all wrappers, flushes the
// sinks, ends the session, and resets the trace context. Idempotent.
func (m *Monitor) Stop() error {
	m.stopOnce.Do(func() {
		ctx := trace.With(context.Background(), m.tc)

		m.builder.LogEvent(ctx, "monitoring.stop", map[string]any{
			"agent_id": m.tc.AgentID(),
		}, events.WithChannel(events.ChannelSystem))

		m.interceptor.SetEnabled(false)

		if m.watcher != nil {
			_ = m.watcher.Close()
		}
		if m.db != nil && m.sessionID != 0 {
			if err := m.db.EndSession(ctx, m.sessionID); err != nil {
				m.logger.Warn(ctx, "session row not closed", "error", err)
			}
		}

		// Close sinks (flushing the collector queue) before the store
		// so late events still persist.
		m.stopErr = m.builder.Close()
		if m.db != nil {
			if err := m.db.Close(); err != nil && m.stopErr == nil {
				m.stopErr = err
			}
		}
		if m.tracerShutdown != nil {
			_ = m.tracerShutdown(context.Background())
		}

		m.tc.Reset()

		activeMu.Lock()
		if active == m {
			active = nil
		}
		activeMu.Unlock()
	})
	return m.stopErr
}

// Enabled reports whether wrappers built from this monitor are live.
func (m *Monitor) Enabled() bool { return m.interceptor.Enabled() }

// SetEnabled flips every wrapper between live and pass-through without
// uninstalling anything.
func (m *Monitor) SetEnabled(on bool) { m.interceptor.SetEnabled(on) }

// APIEndpoint returns the collector endpoint in use.
func (m *Monitor) APIEndpoint() string {
	if m.collector != nil {
		return m.collector.Endpoint()
	}
	return m.cfg.ResolveEndpoint()
}

// LogFilePath returns the resolved JSON-lines event log path, empty
// when the file sink is disabled.
func (m *Monitor) LogFilePath() string {
	if m.fileSink == nil {
		return ""
	}
	return m.fileSink.Path()
}

// Store exposes the relational event store for queries and
// aggregates; nil when the store was disabled.
func (m *Monitor) Store() *store.Store { return m.db }

func (m *Monitor) databasePath() string {
	if m.db == nil {
		return ""
	}
	return m.db.Path()
}

// closeSinks shuts down whatever sinks were already constructed; used
// on initialization error paths so no background worker leaks.
func (m *Monitor) closeSinks() {
	if m.collector != nil {
		_ = m.collector.Close()
	}
	if m.fileSink != nil {
		_ = m.fileSink.Close()
	}
}

func (m *Monitor) observeEvent(e *events.Event) {
	if m.metrics != nil {
		if m.fileSink != nil {
			m.metrics.EventsEmitted.WithLabelValues("file").Inc()
		}
		if m.collector != nil {
			m.metrics.EventsEmitted.WithLabelValues("collector").Inc()
		}
		if m.db != nil {
			m.metrics.EventsEmitted.WithLabelValues("store").Inc()
		}
		if e.Name == "security.alert" {
			category, _ := e.Attributes["security.category"].(string)
			severity, _ := e.Attributes["security.severity"].(string)
			m.metrics.SecurityAlerts.WithLabelValues(category, severity).Inc()
		}
	}
	m.mirrorSpan(e)
}

// mirrorSpan replays finished operations into the OTel bridge. The
// span start is reconstructed from the duration attribute; events
// without one mirror as zero-length spans.
func (m *Monitor) mirrorSpan(e *events.Event) {
	if m.tracer == nil || !m.tracer.Enabled() {
		return
	}
	var opErr error
	name, ok := strings.CutSuffix(e.Name, ".finish")
	if !ok {
		if name, ok = strings.CutSuffix(e.Name, ".error"); !ok {
			return
		}
		if msg, _ := e.Attributes["error.message"].(string); msg != "" {
			opErr = fmt.Errorf("%s", msg)
		}
	}

	end := e.Timestamp
	start := end
	for _, key := range []string{"llm.response.duration_ms", "duration_ms"} {
		if ms, ok := e.Attributes[key].(float64); ok {
			start = end.Add(-time.Duration(ms * float64(time.Millisecond)))
			break
		}
	}
	m.tracer.Mirror(context.Background(), name, start, end, e.Attributes, opErr)
}
