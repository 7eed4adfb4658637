// Package patterns holds the compiled keyword sets and regex families
// shared by the security scanner, the payload masker, the interception
// layer, and the RCE correlator. Centralizing them here keeps the rule
// sets from drifting between consumers.
package patterns

import (
	"regexp"
	"strings"
	"sync"
)

// Category names attached to matches.
const (
	CategorySensitiveData      = "sensitive_data"
	CategoryDangerousCommands  = "dangerous_commands"
	CategoryPromptManipulation = "prompt_manipulation"
)

// Match reports a single rule hit.
type Match struct {
	// Pattern is the rule name within its family, or the matched
	// keyword for keyword sets.
	Pattern string

	// Family is the regex family name, or empty for keyword matches.
	Family string

	// Category classifies the match for alerting.
	Category string
}

// Keywords carries the configurable keyword sets.
type Keywords struct {
	SensitiveData      []string
	DangerousCommands  []string
	PromptManipulation []string
}

// Registry is a compiled, read-only view of all pattern state.
// Load may be called again to swap in new keyword sets atomically;
// scanning holds only a read lock and is cheap on the hot path.
type Registry struct {
	mu sync.RWMutex

	// Keyword originals (reporting) and lowercase forms (matching),
	// index-aligned.
	sensitive      []string
	sensitiveLower []string
	dangerous      []string
	dangerousLower []string
	prompt         []string
	promptLower    []string

	families map[string][]compiledPattern
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

var (
	defaultRegistry *Registry
	registryOnce    sync.Once
)

// Default returns the process-wide registry, compiling the built-in
// rule sets on first use.
func Default() *Registry {
	registryOnce.Do(func() {
		defaultRegistry = New()
	})
	return defaultRegistry
}

// New builds a registry with the default keyword sets and regex
// families.
func New() *Registry {
	r := &Registry{}
	r.Load(Keywords{})
	return r
}

// Load populates the keyword sets, supplying defaults for any set left
// empty. It is idempotent and safe to call while scans are in flight.
func (r *Registry) Load(kw Keywords) {
	sensitive := kw.SensitiveData
	if len(sensitive) == 0 {
		sensitive = defaultSensitiveData
	}
	dangerous := kw.DangerousCommands
	if len(dangerous) == 0 {
		dangerous = defaultDangerousCommands
	}
	prompt := kw.PromptManipulation
	if len(prompt) == 0 {
		prompt = defaultPromptManipulation
	}

	families := make(map[string][]compiledPattern, len(defaultFamilies))
	for family, pats := range defaultFamilies {
		compiled := make([]compiledPattern, 0, len(pats))
		for _, p := range pats {
			re, err := regexp.Compile(p.pattern)
			if err != nil {
				// Built-in patterns are covered by tests; a bad
				// pattern from a future edit is skipped rather
				// than taking down the host.
				continue
			}
			compiled = append(compiled, compiledPattern{name: p.name, re: re})
		}
		families[family] = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensitive, r.sensitiveLower = withLower(sensitive)
	r.dangerous, r.dangerousLower = withLower(dangerous)
	r.prompt, r.promptLower = withLower(prompt)
	r.families = families
}

func withLower(in []string) (originals, lowered []string) {
	originals = make([]string, len(in))
	lowered = make([]string, len(in))
	for i, s := range in {
		originals[i] = s
		lowered[i] = strings.ToLower(s)
	}
	return originals, lowered
}

// SensitiveData returns the configured sensitive-data keywords.
func (r *Registry) SensitiveData() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.sensitive...)
}

// DangerousCommands returns the configured dangerous-command keywords.
func (r *Registry) DangerousCommands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.dangerous...)
}

// PromptManipulation returns the configured prompt-manipulation keywords.
func (r *Registry) PromptManipulation() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.prompt...)
}

// ScanText runs every keyword set and every regex family over text and
// returns all matches, not just the first.
func (r *Registry) ScanText(text string) []Match {
	if text == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []Match
	lower := strings.ToLower(text)

	for i, kw := range r.sensitiveLower {
		if strings.Contains(lower, kw) {
			matches = append(matches, Match{Pattern: r.sensitive[i], Category: CategorySensitiveData})
		}
	}
	for i, kw := range r.dangerousLower {
		if strings.Contains(lower, kw) {
			matches = append(matches, Match{Pattern: r.dangerous[i], Category: CategoryDangerousCommands})
		}
	}
	for i, kw := range r.promptLower {
		if strings.Contains(lower, kw) {
			matches = append(matches, Match{Pattern: r.prompt[i], Category: CategoryPromptManipulation})
		}
	}

	for family, pats := range r.families {
		for _, p := range pats {
			if p.re.MatchString(text) {
				matches = append(matches, Match{Pattern: p.name, Family: family, Category: CategoryDangerousCommands})
			}
		}
	}
	return matches
}

// MatchFamily runs a single regex family over text and returns the
// names of the rules that hit.
func (r *Registry) MatchFamily(family, text string) []string {
	if text == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var hits []string
	for _, p := range r.families[family] {
		if p.re.MatchString(text) {
			hits = append(hits, p.name)
		}
	}
	return hits
}

// ExtractFamily runs a capturing regex family over text and returns the
// first capture group of every hit. Used by the RCE correlator to pull
// candidate commands out of SQL parameters.
func (r *Registry) ExtractFamily(family, text string) []string {
	if text == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var captures []string
	for _, p := range r.families[family] {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			if len(m) > 1 && m[1] != "" {
				captures = append(captures, m[1])
			}
		}
	}
	return captures
}
