package intercept

import (
	"bytes"
	"io"
	"net/http"

	"github.com/cylestio/monitor/internal/patterns"
	"github.com/cylestio/monitor/internal/trace"
)

// maxBodyScan bounds how much of a request or response body is
// buffered for scanning.
const maxBodyScan = 256 * 1024

// Transport wraps an http.RoundTripper: bodies in both directions are
// scanned for dangerous HTTP patterns, suspicious SQL, and tunnelled
// shell commands, and each exchange is registered with the RCE
// correlator. Self-traffic to the telemetry endpoint passes through
// unobserved.
type Transport struct {
	inner http.RoundTripper
	i     *Interceptor
}

// NewTransport wraps inner; nil falls back to http.DefaultTransport.
func (i *Interceptor) NewTransport(inner http.RoundTripper) *Transport {
	if inner == nil {
		inner = http.DefaultTransport
	}
	return &Transport{inner: inner, i: i}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.i.enabled.Load() || t.selfTraffic(req) {
		return t.inner.RoundTrip(req)
	}

	execKey := executionKey(req)
	url := req.URL.String()

	reqBody := t.snapshotRequestBody(req)
	if len(reqBody) > 0 {
		t.scanBody(req, string(reqBody), "request")
	}
	t.i.guard(func() {
		if t.i.corr != nil {
			t.i.corr.RegisterHTTPRequest(execKey, url, req.Method)
		}
	})

	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	respBody := t.snapshotResponseBody(resp)
	if len(respBody) > 0 {
		t.scanBody(req, string(respBody), "response")
	}
	t.i.guard(func() {
		if t.i.corr != nil {
			t.i.corr.CorrelateResponse(execKey)
		}
	})
	return resp, err
}

func (t *Transport) selfTraffic(req *http.Request) bool {
	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		if req.URL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return t.i.exclusions.Excluded(host + ":" + port)
}

// executionKey ties correlator state to the current trace.
func executionKey(req *http.Request) string {
	tc := trace.FromContext(req.Context())
	if id := tc.TraceID(); id != "" {
		return id
	}
	return "detached"
}

// snapshotRequestBody reads up to maxBodyScan of the body and restores
// it so the wrapped transport sees the original stream.
func (t *Transport) snapshotRequestBody(req *http.Request) []byte {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(req.Body, maxBodyScan+1))
	rest := req.Body
	req.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), rest))
	if err != nil || len(buf) > maxBodyScan {
		return nil
	}
	return buf
}

func (t *Transport) snapshotResponseBody(resp *http.Response) []byte {
	if resp.Body == nil {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyScan+1))
	rest := resp.Body
	resp.Body = readCloser{io.MultiReader(bytes.NewReader(buf), rest), rest}
	if err != nil || len(buf) > maxBodyScan {
		return nil
	}
	return buf
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (t *Transport) scanBody(req *http.Request, body, side string) {
	t.i.guard(func() {
		ctx := req.Context()
		url := req.URL.String()

		if hits := t.i.registry.MatchFamily(patterns.FamilyDangerousHTTP, body); len(hits) > 0 {
			t.i.securityAlert(ctx, "dangerous_http", "critical",
				"dangerous payload in HTTP "+side, map[string]any{
					"http.url":         url,
					"http.method":      req.Method,
					"security.matches": hits,
				})
		}
		if hits := t.i.registry.MatchFamily(patterns.FamilySuspiciousSQL, body); len(hits) > 0 {
			t.i.securityAlert(ctx, "suspicious_sql", "high",
				"suspicious SQL in HTTP "+side, map[string]any{
					"http.url":         url,
					"http.method":      req.Method,
					"security.matches": hits,
				})
		}
		if t.i.corr != nil {
			for _, cmd := range t.i.corr.ExtractSQLCommands(body) {
				t.i.corr.RegisterVirtualShellExecution(cmd, url, req.Method)
			}
		}
	})
}
