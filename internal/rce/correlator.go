// Package rce correlates shell process activity with HTTP traffic to
// tell benign database traffic apart from remote-code-execution
// attempts tunnelled through SQL parameters. Real shell spawns are
// reported by the process wrappers; virtual shells are inferred from
// SQL text seen on the wire.
package rce

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cylestio/monitor/internal/patterns"
)

// CorrelationWindow bounds how far apart an HTTP request and a shell
// spawn may be and still correlate.
const CorrelationWindow = 15 * time.Second

// maxHTTPContext bounds the per-execution request history.
const maxHTTPContext = 20

// retention is how long shell records are kept before pruning.
const retention = 5 * time.Minute

// Alert is the correlator verdict handed to the registered callback.
type Alert struct {
	Title       string
	Severity    string
	Description string
	Attributes  map[string]any
}

// AlertFunc receives correlator alerts. The default is a no-op; the
// interception layer installs one that feeds the event pipeline.
type AlertFunc func(Alert)

// ShellProcess is one observed or inferred shell spawn.
type ShellProcess struct {
	PID            int
	ParentPID      int
	Executable     string
	Timestamp      time.Time
	HTTPCorrelated bool
}

type shellRecord struct {
	ShellProcess
	httpRequests []HTTPRequest
}

// HTTPRequest is one entry in the per-execution request history.
type HTTPRequest struct {
	URL       string
	Method    string
	Timestamp time.Time
}

// Extractor pulls candidate commands out of SQL text. Satisfied by the
// pattern registry's capturing family.
type Extractor interface {
	ExtractFamily(family, text string) []string
}

const extractionFamily = patterns.FamilyMCPCommandExtraction

// Correlator holds the process-global correlation state.
type Correlator struct {
	mu        sync.Mutex
	shells    map[int]*shellRecord
	httpCtx   map[string][]HTTPRequest
	alertFn   AlertFunc
	extractor Extractor
	logger    *slog.Logger
	pseudoSeq int
}

// New builds a correlator using the given extractor for SQL command
// extraction.
func New(extractor Extractor, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		shells:    map[int]*shellRecord{},
		httpCtx:   map[string][]HTTPRequest{},
		extractor: extractor,
		logger:    logger.With("component", "rce_correlator"),
	}
}

// SetAlertFunc installs the alert callback.
func (c *Correlator) SetAlertFunc(fn AlertFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alertFn = fn
}

func (c *Correlator) emit(a Alert) {
	c.mu.Lock()
	fn := c.alertFn
	c.mu.Unlock()
	if fn != nil {
		fn(a)
	}
}

// RegisterShellProcess records an observed shell spawn.
func (c *Correlator) RegisterShellProcess(pid, parentPID int, executable string, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(ts)
	c.shells[pid] = &shellRecord{
		ShellProcess: ShellProcess{
			PID:        pid,
			ParentPID:  parentPID,
			Executable: executable,
			Timestamp:  ts,
		},
	}
}

// RecentShellProcesses returns shells registered within the window,
// newest first.
func (c *Correlator) RecentShellProcesses(window time.Duration) []ShellProcess {
	if window <= 0 {
		window = CorrelationWindow
	}
	cutoff := time.Now().Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []ShellProcess
	for _, rec := range c.shells {
		if rec.Timestamp.After(cutoff) {
			out = append(out, rec.ShellProcess)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Timestamp.After(out[j-1].Timestamp); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// RegisterHTTPRequest appends a request to the execution's history,
// bounded to the most recent entries.
func (c *Correlator) RegisterHTTPRequest(executionKey, url, method string) HTTPRequest {
	req := HTTPRequest{URL: url, Method: method, Timestamp: time.Now()}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(req.Timestamp)
	history := append(c.httpCtx[executionKey], req)
	if len(history) > maxHTTPContext {
		history = history[len(history)-maxHTTPContext:]
	}
	c.httpCtx[executionKey] = history
	return req
}

// CorrelateResponse compares the execution's request history against
// registered shell processes. Any shell within the window of a request
// produces a CRITICAL alert and is flagged so it is not re-reported.
func (c *Correlator) CorrelateResponse(executionKey string) []Alert {
	c.mu.Lock()

	var alerts []Alert
	for _, req := range c.httpCtx[executionKey] {
		for _, rec := range c.shells {
			if rec.HTTPCorrelated {
				continue
			}
			delta := rec.Timestamp.Sub(req.Timestamp)
			if delta < -CorrelationWindow || delta > CorrelationWindow {
				continue
			}
			rec.HTTPCorrelated = true
			rec.httpRequests = append(rec.httpRequests, req)
			alerts = append(alerts, Alert{
				Title:       "Shell Process Execution via HTTP",
				Severity:    "critical",
				Description: fmt.Sprintf("shell %s (pid %d) spawned within %s of %s %s", rec.Executable, rec.PID, CorrelationWindow, req.Method, req.URL),
				Attributes: map[string]any{
					"shell.pid":        rec.PID,
					"shell.parent_pid": rec.ParentPID,
					"shell.executable": rec.Executable,
					"http.url":         req.URL,
					"http.method":      req.Method,
					"delta_ms":         delta.Milliseconds(),
				},
			})
		}
	}
	c.mu.Unlock()

	for _, a := range alerts {
		c.emit(a)
	}
	return alerts
}

// High-risk indicators that gate SQL command extraction. Plain
// application SQL contains none of these.
var highRiskIndicators = []string{
	"enable-shell",
	"/bin/",
	"cmd.exe",
	"|",
	";",
	"`",
	"unsafe",
	"exec(",
	"system(",
}

// hasHighRiskIndicator reports whether text carries any gate indicator.
func hasHighRiskIndicator(text string) bool {
	lower := strings.ToLower(text)
	for _, ind := range highRiskIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// Short identifiers that show up constantly in legitimate SQL and must
// never be reported as extracted commands.
var commonIdentifiers = map[string]bool{
	"id": true, "name": true, "type": true, "value": true, "status": true,
	"user": true, "data": true, "key": true, "email": true, "count": true,
	"date": true, "time": true, "text": true, "title": true, "state": true,
	"role": true, "group": true, "order": true, "limit": true, "offset": true,
}

// ExtractSQLCommands pulls candidate shell commands out of SQL text.
// It gates on high-risk indicators first so normal application SQL is
// never inspected, then applies the extraction regexes and filters out
// common short identifiers.
func (c *Correlator) ExtractSQLCommands(sqlText string) []string {
	if sqlText == "" || !hasHighRiskIndicator(sqlText) {
		return nil
	}

	var out []string
	for _, token := range c.extractor.ExtractFamily(extractionFamily, sqlText) {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if len(token) < 15 && commonIdentifiers[strings.ToLower(token)] {
			continue
		}
		out = append(out, token)
	}
	return out
}

// RegisterVirtualShellExecution records a shell inferred from SQL text
// under a pseudo-PID and raises an alert: medium by default, critical
// when the command itself carries a high-risk indicator.
func (c *Correlator) RegisterVirtualShellExecution(command, url, method string) Alert {
	now := time.Now()

	c.mu.Lock()
	c.pseudoSeq++
	// Negative, time-derived, unique within the process.
	pid := -int(now.Unix()%1_000_000)*100 - c.pseudoSeq%100
	c.shells[pid] = &shellRecord{
		ShellProcess: ShellProcess{
			PID:        pid,
			Executable: command,
			Timestamp:  now,
		},
		httpRequests: []HTTPRequest{{URL: url, Method: method, Timestamp: now}},
	}
	c.mu.Unlock()

	severity := "medium"
	if hasHighRiskIndicator(command) {
		severity = "critical"
	}
	alert := Alert{
		Title:       "Virtual Shell Execution via SQL",
		Severity:    severity,
		Description: fmt.Sprintf("command %q extracted from SQL seen on %s %s", command, method, url),
		Attributes: map[string]any{
			"shell.pid":     pid,
			"shell.command": command,
			"shell.virtual": true,
			"http.url":      url,
			"http.method":   method,
		},
	}
	c.emit(alert)
	return alert
}

// pruneLocked drops shell records past retention and request history
// outside the correlation window, so execution keys do not accumulate
// for the process lifetime. Caller holds mu.
func (c *Correlator) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	for pid, rec := range c.shells {
		if rec.Timestamp.Before(cutoff) {
			delete(c.shells, pid)
		}
	}

	reqCutoff := now.Add(-CorrelationWindow)
	for key, history := range c.httpCtx {
		kept := history[:0]
		for _, req := range history {
			if req.Timestamp.After(reqCutoff) {
				kept = append(kept, req)
			}
		}
		if len(kept) == 0 {
			delete(c.httpCtx, key)
			continue
		}
		c.httpCtx[key] = kept
	}
}
