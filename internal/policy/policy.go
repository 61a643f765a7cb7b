// Package policy screens submitted source against per-language deny-lists
// before any execution resource is allocated.
//
// Matching is a case-insensitive substring scan. It is trivially bypassed
// (string concatenation, alternate spellings, encodings) and it rejects benign
// code that mentions a pattern inside a string literal or comment. It is a
// coarse first filter; isolation is enforced by the sandbox providers.
package policy

import (
	"fmt"
	"strings"
)

// Verdict is the result of a policy check. It is never persisted.
type Verdict struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

var defaultDenyLists = map[string][]string{
	"python": {
		"import os",
		"import sys",
		"import subprocess",
		"__import__",
		"eval(",
		"exec(",
		"compile(",
		"open(",
		"file(",
		"input(",
		"raw_input(",
	},
	"javascript": {
		"require(",
		"import ",
		"fs.",
		"child_process",
		"process.exit",
		"eval(",
		"__dirname",
		"__filename",
	},
}

// Filter holds the lowered deny-lists. It is immutable after construction and
// safe for concurrent use.
type Filter struct {
	deny map[string][]string
}

// NewFilter builds a filter from the default deny-lists plus any extra
// patterns per language. Defaults are never removed.
func NewFilter(extra map[string][]string) *Filter {
	f := &Filter{deny: make(map[string][]string)}
	for lang, patterns := range defaultDenyLists {
		f.add(lang, patterns)
	}
	for lang, patterns := range extra {
		f.add(lang, patterns)
	}
	return f
}

func (f *Filter) add(lang string, patterns []string) {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		f.deny[lang] = append(f.deny[lang], strings.ToLower(p))
	}
}

// Check scans code for the first deny-listed pattern of the given language.
// Languages without a deny-list are never blocked.
func (f *Filter) Check(code, language string) Verdict {
	patterns := f.deny[language]
	if len(patterns) == 0 {
		return Verdict{}
	}

	lower := strings.ToLower(code)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return Verdict{
				Blocked: true,
				Reason:  fmt.Sprintf("Code contains restricted operations: %s", p),
				Pattern: p,
			}
		}
	}
	return Verdict{}
}

// Patterns returns a copy of the deny-list for a language.
func (f *Filter) Patterns(language string) []string {
	out := make([]string, len(f.deny[language]))
	copy(out, f.deny[language])
	return out
}
