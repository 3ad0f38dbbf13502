package models

import (
	"regexp"
	"strings"
	"sync"
)

// DefaultFallbackWorker receives items no keyword predicate matched.
const DefaultFallbackWorker = "alfred"

// KeywordPredicate routes work by matching lowercased task text.
// It is plain data so routing can be inspected, configured and tested.
type KeywordPredicate struct {
	// Keywords match as substrings of the lowercased title and body.
	Keywords []string `json:"keywords,omitempty" mapstructure:"keywords"`
	// Patterns are regular expressions tried after the keywords.
	Patterns []string `json:"patterns,omitempty" mapstructure:"patterns"`

	once     sync.Once
	compiled []*regexp.Regexp
}

// Match reports whether text (already lowercased) satisfies the predicate.
// Invalid patterns never match.
func (p *KeywordPredicate) Match(text string) bool {
	for _, kw := range p.Keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	p.once.Do(func() {
		for _, pat := range p.Patterns {
			if re, err := regexp.Compile(pat); err == nil {
				p.compiled = append(p.compiled, re)
			}
		}
	})
	for _, re := range p.compiled {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// WorkerSpec describes a logical worker identity. It is read-only during a session.
type WorkerSpec struct {
	// ID is unique within a session and appears in branch names.
	ID string `json:"id" mapstructure:"id"`
	// Role is the role description placed at the top of every prompt.
	Role string `json:"role" mapstructure:"role"`
	// Capabilities are free-form tags, most relevant first.
	Capabilities []string `json:"capabilities,omitempty" mapstructure:"capabilities"`
	// Match decides whether an unassigned item is routed here.
	Match *KeywordPredicate `json:"match,omitempty" mapstructure:"match"`
}

// Matches lowercases title and body and applies the keyword predicate.
func (w *WorkerSpec) Matches(title, body string) bool {
	if w.Match == nil {
		return false
	}
	return w.Match.Match(strings.ToLower(title + " " + body))
}

// DefaultWorkers returns the built-in roster in routing order.
func DefaultWorkers() []*WorkerSpec {
	return []*WorkerSpec{
		{
			ID:           "alfred",
			Role:         "Senior Developer: backend services, APIs, data models and architecture.",
			Capabilities: []string{"backend", "architecture", "api", "database"},
			Match: &KeywordPredicate{Keywords: []string{
				"backend", "api", "database", "architecture", "endpoint", "server",
				"model", "schema", "migration", "security", "auth", "refactor",
				"pattern", "service", "controller", "repository",
			}},
		},
		{
			ID:           "robin",
			Role:         "DevOps and Junior Developer: automation, scripts, CI/CD and environments.",
			Capabilities: []string{"devops", "automation", "scripting", "ci"},
			Match: &KeywordPredicate{Keywords: []string{
				"docker", "ci/cd", "deploy", "automation", "script", "bash",
				"infrastructure", "pipeline", "build", "devops", "setup", "install",
				"configure", "environment",
			}},
		},
		{
			ID:           "oracle",
			Role:         "QA and Security Lead: testing, audits, debugging and performance analysis.",
			Capabilities: []string{"testing", "security", "debugging", "review"},
			Match: &KeywordPredicate{Keywords: []string{
				"test", "testing", "qa", "vulnerability", "debug", "monitor",
				"analyze", "quality", "bug", "error", "exception", "validation",
				"audit", "review",
			}},
		},
		{
			ID:           "batgirl",
			Role:         "Frontend Specialist: user interfaces, components, styling and accessibility.",
			Capabilities: []string{"frontend", "ui", "ux", "css"},
			Match: &KeywordPredicate{Keywords: []string{
				"frontend", "ui", "ux", "react", "vue", "angular", "css",
				"component", "interface", "responsive", "mobile", "accessibility",
				"styling", "animation", "layout", "visual",
			}},
		},
		{
			ID:           "lucius",
			Role:         "Research and Innovation: prototypes, algorithms, optimization and documentation.",
			Capabilities: []string{"research", "optimization", "documentation", "prototyping"},
			Match: &KeywordPredicate{Keywords: []string{
				"research", "innovation", "optimization", "prototype",
				"machine learning", "algorithm", "performance", "documentation",
				"analysis", "emerging", "experiment", "poc", "proof of concept",
			}},
		},
	}
}
