package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"

	"github.com/cylestio/monitor/internal/intercept"
)

// InstrumentAnthropic builds an Anthropic client observed by this
// monitor. See the intercept layer for the events emitted per call.
func (m *Monitor) InstrumentAnthropic(opts ...option.RequestOption) anthropic.Client {
	return m.interceptor.InstrumentAnthropic(opts...)
}

// InstrumentOpenAI builds an OpenAI client observed by this monitor.
func (m *Monitor) InstrumentOpenAI(cfg openai.ClientConfig) *openai.Client {
	return m.interceptor.InstrumentOpenAI(cfg)
}

// WrapTool wraps a host tool so every execution is traced and its
// inputs scanned. Wrapping an already-wrapped tool returns it
// unchanged.
func (m *Monitor) WrapTool(t Tool) Tool {
	return m.interceptor.WrapTool(t)
}

// WrapToolFunc wraps a plain function as an observed tool.
func (m *Monitor) WrapToolFunc(name, description string, schema json.RawMessage, fn func(ctx context.Context, params json.RawMessage) (*ToolResult, error)) Tool {
	return m.interceptor.WrapToolFunc(name, description, schema, fn)
}

// HTTPClient returns a client whose requests are body-scanned and fed
// to the RCE correlator. Traffic to the collector endpoint is skipped.
func (m *Monitor) HTTPClient(base *http.Client) *http.Client {
	inner := http.DefaultTransport
	var out http.Client
	if base != nil {
		out = *base
		if base.Transport != nil {
			inner = base.Transport
		}
	}
	out.Transport = m.interceptor.NewTransport(inner)
	return &out
}

// Dialer returns a net.Dialer wrapper that classifies outbound
// connections and scans connection payloads.
func (m *Monitor) Dialer(inner *net.Dialer) *intercept.Dialer {
	return m.interceptor.NewDialer(inner)
}

// Command runs a subprocess with full process telemetry, returning its
// combined output exactly as exec would.
func (m *Monitor) Command(ctx context.Context, name string, args ...string) ([]byte, error) {
	return m.interceptor.Command(ctx, name, args...)
}

// Shell runs cmdline under /bin/sh -c with shell-spawn telemetry and
// RCE correlation.
func (m *Monitor) Shell(ctx context.Context, cmdline string) ([]byte, error) {
	return m.interceptor.Shell(ctx, cmdline)
}
