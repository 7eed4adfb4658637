package intercept

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cylestio/monitor/internal/events"
	"github.com/cylestio/monitor/internal/patterns"
)

// Env vars whose *presence* is recorded with process events. Values are
// never captured.
var envPresenceKeys = []string{"PATH", "HOME", "TEMP", "TMP"}

var envPresencePrefixes = []string{"LD_", "DYLD_", "GO"}

// Shell executables that trigger correlator registration.
var shellNames = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
	"cmd.exe": true, "powershell": true, "powershell.exe": true, "pwsh": true,
}

// System utilities commonly spawned by language runtimes; their
// process.exec events are downgraded to INFO.
var runtimeUtilities = map[string]bool{
	"uname": true, "sw_vers": true, "hostname": true, "whoami": true,
	"git": true, "stty": true, "tput": true, "env": true, "which": true,
}

// Command runs name with args under full process instrumentation and
// returns the combined output. The child's exit status and output are
// exactly what an uninstrumented run would produce.
func (i *Interceptor) Command(ctx context.Context, name string, args ...string) ([]byte, error) {
	return i.runProcess(ctx, name, args, false, strings.Join(append([]string{name}, args...), " "))
}

// Shell runs cmdline through the system shell, instrumented the same
// way with the shell flag set.
func (i *Interceptor) Shell(ctx context.Context, cmdline string) ([]byte, error) {
	return i.runProcess(ctx, "/bin/sh", []string{"-c", cmdline}, true, cmdline)
}

func (i *Interceptor) runProcess(ctx context.Context, name string, args []string, shell bool, display string) ([]byte, error) {
	if !i.enabled.Load() {
		cmd := exec.CommandContext(ctx, name, args...)
		return cmd.CombinedOutput()
	}

	attrs := i.processAttrs(name, args, shell)
	level := events.LevelWarning
	if runtimeUtilities[filepath.Base(name)] && !shell {
		level = events.LevelInfo
	}

	alerts := i.detectProcessThreats(ctx, name, display, attrs)
	if len(alerts) > 0 {
		attrs["security.alerts"] = alerts
	}

	i.guard(func() {
		i.builder.LogEvent(ctx, "process.exec", attrs,
			events.WithLevel(level), events.WithChannel(events.ChannelProcess))
	})

	cmd := exec.CommandContext(ctx, name, args...)
	started := time.Now()
	out, err := cmd.CombinedOutput()

	if cmd.Process != nil {
		pid := cmd.Process.Pid
		i.guard(func() {
			i.builder.LogEvent(ctx, "process.started", map[string]any{
				"process.pid":         pid,
				"process.executable":  name,
				"process.duration_ms": float64(time.Since(started).Microseconds()) / 1000,
				"process.success":     err == nil,
			}, events.WithChannel(events.ChannelProcess))
		})
		if shell || shellNames[filepath.Base(name)] {
			i.guard(func() {
				if i.corr != nil {
					i.corr.RegisterShellProcess(pid, os.Getpid(), name, started)
				}
			})
		}
	}
	return out, err
}

// processAttrs captures the identity, privilege, and environment-shape
// facts attached to every process event.
func (i *Interceptor) processAttrs(name string, args []string, shell bool) map[string]any {
	cwd, _ := os.Getwd()
	uid, euid := os.Getuid(), os.Geteuid()
	gid, egid := os.Getgid(), os.Getegid()

	var present []string
	for _, env := range os.Environ() {
		key, _, _ := strings.Cut(env, "=")
		if envPresent(key) {
			present = append(present, key)
		}
	}

	return map[string]any{
		"process.executable":      name,
		"process.argv":            strings.Join(append([]string{name}, args...), " "),
		"process.shell":           shell,
		"process.parent_pid":      os.Getpid(),
		"process.uid":             uid,
		"process.euid":            euid,
		"process.gid":             gid,
		"process.egid":            egid,
		"process.privileged":      euid == 0,
		"process.cwd":             cwd,
		"process.calling_context": callingContext(3),
		"process.env_present":     present,
	}
}

func envPresent(key string) bool {
	for _, k := range envPresenceKeys {
		if key == k {
			return true
		}
	}
	for _, p := range envPresencePrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// callingContext formats the last n frames above the wrapper as
// basename:line:func.
func callingContext(n int) []string {
	pcs := make([]uintptr, n+8)
	// Skip runtime.Callers, this function, and the wrapper layers.
	count := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:count])

	var out []string
	for len(out) < n {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.Contains(frame.Function, "cylestio/monitor/internal/intercept") {
			fn := frame.Function
			if idx := strings.LastIndexByte(fn, '/'); idx >= 0 {
				fn = fn[idx+1:]
			}
			out = append(out, fmt.Sprintf("%s:%d:%s", filepath.Base(frame.File), frame.Line, fn))
		}
		if !more {
			break
		}
	}
	return out
}

// contextClass buckets a calling context as database-adjacent or not,
// for the shell-transition rule.
func contextClass(frames []string) string {
	for _, f := range frames {
		lower := strings.ToLower(f)
		for _, marker := range []string{"sql", "db", "store", "query", "database"} {
			if strings.Contains(lower, marker) {
				return "database"
			}
		}
	}
	return "other"
}

// detectProcessThreats applies the spawn-time detection rules and
// emits a security.alert per hit. Returns the triggered rule names.
func (i *Interceptor) detectProcessThreats(ctx context.Context, name, display string, attrs map[string]any) []string {
	var triggered []string

	if hits := i.registry.MatchFamily(patterns.FamilySuspiciousShell, display); len(hits) > 0 {
		triggered = append(triggered, "suspicious_shell")
		i.securityAlert(ctx, "suspicious_shell", "high",
			"suspicious shell invocation", map[string]any{
				"process.argv":     display,
				"security.matches": hits,
			})
	}

	res := i.scanner.ScanText(display)
	if res.AlertLevel == "dangerous" {
		triggered = append(triggered, "dangerous_command")
		i.securityAlert(ctx, res.Category, "high",
			"dangerous command in process spawn", map[string]any{
				"process.argv":      display,
				"security.keywords": res.Keywords,
			})
	}

	frames, _ := attrs["process.calling_context"].([]string)
	class := contextClass(frames)
	i.mu.Lock()
	prev, seen := i.ctxSeen[name]
	i.ctxSeen[name] = class
	i.mu.Unlock()
	if seen && prev != class {
		triggered = append(triggered, "mcp_shell_transition")
		i.securityAlert(ctx, "mcp_shell_transition", "high",
			"executable crossed between database and non-database calling contexts", map[string]any{
				"process.executable": name,
				"context.previous":   prev,
				"context.current":    class,
			})
	}

	for _, probe := range []string{name, attrs["process.cwd"].(string)} {
		if hits := i.registry.MatchFamily(patterns.FamilySuspiciousDirs, probe); len(hits) > 0 {
			triggered = append(triggered, "suspicious_directory")
			i.securityAlert(ctx, "suspicious_directory", "medium",
				"execution from suspicious directory", map[string]any{
					"process.path":     probe,
					"security.matches": hits,
				})
			break
		}
	}

	privEsc := len(i.registry.MatchFamily(patterns.FamilyPrivilegeEscalation, display)) > 0
	if privEsc || os.Geteuid() == 0 {
		triggered = append(triggered, "privilege_escalation")
		severity := "high"
		if os.Geteuid() == 0 {
			severity = "critical"
		}
		i.securityAlert(ctx, "privilege_escalation", severity,
			"privilege escalation indicator on process spawn", map[string]any{
				"process.argv": display,
				"process.euid": os.Geteuid(),
			})
	}

	return triggered
}
