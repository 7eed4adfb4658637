// Package scanner classifies text and structured telemetry events into
// alert levels. A single process-wide scanner instance sits over the
// pattern registry; scanning is pure over the compiled patterns, so no
// lock is taken on the hot path.
package scanner

import (
	"regexp"
	"strings"
	"sync"

	"github.com/cylestio/monitor/internal/patterns"
)

// AlertLevel is the scanner's classification of a piece of text.
type AlertLevel string

const (
	AlertNone       AlertLevel = "none"
	AlertSuspicious AlertLevel = "suspicious"
	AlertDangerous  AlertLevel = "dangerous"
)

// Result is the outcome of a scan.
type Result struct {
	AlertLevel AlertLevel `json:"alert_level"`
	Category   string     `json:"category,omitempty"`
	Keywords   []string   `json:"keywords,omitempty"`
}

// None is the zero result for empty or clean input.
func None() Result {
	return Result{AlertLevel: AlertNone}
}

// Scanner classifies text against the pattern registry.
type Scanner struct {
	registry *patterns.Registry
}

var (
	instance *Scanner
	once     sync.Once
)

// Get returns the process-wide scanner, creating it on first call.
// Initialization is guarded by sync.Once; later calls ignore registry.
func Get(registry *patterns.Registry) *Scanner {
	once.Do(func() {
		if registry == nil {
			registry = patterns.Default()
		}
		instance = &Scanner{registry: registry}
	})
	return instance
}

// New builds an independent scanner over the given registry. Tests and
// embedders that want isolation use this instead of Get.
func New(registry *patterns.Registry) *Scanner {
	if registry == nil {
		registry = patterns.Default()
	}
	return &Scanner{registry: registry}
}

// SQL-like verbs that only count as dangerous in a database or
// execution context. "drop" alone must not flag "dropdown menu".
var sqlVerbs = map[string]bool{
	"drop": true, "delete": true, "truncate": true, "alter": true,
	"create": true, "insert": true, "update": true, "select": true,
	"exec": true, "shutdown": true, "format": true, "eval": true,
}

var (
	sqlContextTerms = []string{
		"table", "database", "schema", "column", "index", "view",
		"function", "procedure", "trigger", "sql", "query", "db",
		"command", "statement",
	}
	sqlSyntaxTerms = []string{
		"select", "from", "where", ";", "--", "/*", "*/",
	}
	execIntentTerms = []string{
		"command", "run", "execute", "shell", "terminal", "bash",
		"cmd", "powershell", "executing",
	}

	// Verb-specific context classes.
	dbObjectTerms = []string{
		"table", "database", "schema", "column", "index", "view",
		"function", "procedure", "trigger", "user", "role",
	}
	storageTerms = []string{
		"disk", "drive", "volume", "partition", "filesystem",
		"file system", "c:", "d:", "sd card", "usb", "media", "storage",
	}
	codeTerms = []string{
		"code", "script", "function", "command", "payload", "string",
		"expression", "python", "javascript", "shell",
	}
	systemTargetTerms = []string{
		"system", "server", "computer", "machine", "host", "database",
		"service", "instance", "now", "immediate",
	}
)

// ScanText classifies text. Matches are collected in three buckets and
// reduced by priority: dangerous commands win over everything, then
// prompt manipulation, then sensitive data (both suspicious).
func (s *Scanner) ScanText(text string) Result {
	if strings.TrimSpace(text) == "" {
		return None()
	}

	lower := strings.ToLower(text)

	var dangerous, manipulation, sensitive []string

	for _, kw := range s.registry.DangerousCommands() {
		if s.matchDangerous(text, lower, kw) {
			dangerous = append(dangerous, reportForm(text, kw))
		}
	}
	for _, kw := range s.registry.PromptManipulation() {
		if matchWordBoundary(lower, strings.ToLower(kw)) {
			manipulation = append(manipulation, kw)
		}
	}
	for _, kw := range s.registry.SensitiveData() {
		if matchWordBoundary(lower, strings.ToLower(kw)) {
			sensitive = append(sensitive, kw)
		}
	}
	if patterns.ContainsSensitiveShape(text) {
		sensitive = append(sensitive, "sensitive_value_shape")
	}

	switch {
	case len(dangerous) > 0:
		return Result{AlertLevel: AlertDangerous, Category: patterns.CategoryDangerousCommands, Keywords: dangerous}
	case len(manipulation) > 0:
		return Result{AlertLevel: AlertSuspicious, Category: patterns.CategoryPromptManipulation, Keywords: manipulation}
	case len(sensitive) > 0:
		return Result{AlertLevel: AlertSuspicious, Category: patterns.CategorySensitiveData, Keywords: sensitive}
	default:
		return None()
	}
}

// matchDangerous applies the context-sensitive rules for SQL-like verbs
// and plain substring matching for everything else.
func (s *Scanner) matchDangerous(original, lower, keyword string) bool {
	kw := strings.ToLower(keyword)

	if !sqlVerbs[kw] {
		return strings.Contains(lower, kw)
	}

	// The verb must appear as a word at all; "drop" inside
	// "dropdown" never counts.
	if !matchWordBoundary(lower, kw) {
		return false
	}

	// Whole input equal to the keyword.
	if strings.TrimSpace(lower) == kw {
		return true
	}

	// Exact uppercase occurrence is always dangerous.
	if containsUpperToken(original, strings.ToUpper(kw)) {
		return true
	}

	// Verbs with a dedicated context class require that class.
	switch kw {
	case "drop":
		return containsAny(lower, dbObjectTerms)
	case "format":
		return containsAny(lower, storageTerms)
	case "exec", "eval":
		return containsAny(lower, codeTerms)
	case "shutdown":
		return containsAny(lower, systemTargetTerms)
	}

	// The rest require general SQL or execution context. The verb
	// itself is not evidence for itself ("select" alone is not SQL
	// syntax context).
	return containsAnyExcept(lower, sqlContextTerms, kw) ||
		containsAnyExcept(lower, sqlSyntaxTerms, kw) ||
		containsAnyExcept(lower, execIntentTerms, kw)
}

// reportForm returns the keyword as it should appear in the report:
// uppercase when the text carried the uppercase token, else as
// configured.
func reportForm(original, keyword string) string {
	upper := strings.ToUpper(keyword)
	if containsUpperToken(original, upper) {
		return upper
	}
	return keyword
}

func containsAny(lower string, terms []string) bool {
	return containsAnyExcept(lower, terms, "")
}

func containsAnyExcept(lower string, terms []string, skip string) bool {
	for _, t := range terms {
		if t == skip {
			continue
		}
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

var wordBoundaryCache sync.Map // lowercase keyword -> *regexp.Regexp

// matchWordBoundary reports whether keyword occurs in text delimited by
// non-word characters, so "hack" matches "hack!" but not "hackathon".
func matchWordBoundary(text, keyword string) bool {
	if keyword == "" {
		return false
	}
	if v, ok := wordBoundaryCache.Load(keyword); ok {
		return v.(*regexp.Regexp).MatchString(text)
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(keyword) + `\b`)
	if err != nil {
		return strings.Contains(text, keyword)
	}
	wordBoundaryCache.Store(keyword, re)
	return re.MatchString(text)
}

// containsUpperToken reports whether the exact uppercase token occurs
// in the original text as a standalone word.
func containsUpperToken(original, upper string) bool {
	idx := 0
	for {
		i := strings.Index(original[idx:], upper)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(upper)
		beforeOK := start == 0 || !isWordByte(original[start-1])
		afterOK := end == len(original) || !isWordByte(original[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
		if idx >= len(original) {
			return false
		}
	}
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}
