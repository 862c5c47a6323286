package classifier

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultCodePattern matches operator-ish punctuation, paths and escaped
// newlines, which tend to show up in code-heavy prompts.
const DefaultCodePattern = `[{}();<>]=|->|::|/\w+|\\n`

var defaultComplex = []string{
	"arquitectura", "architecture",
	"serverless", "autoscaling", "escalabilidad", "scaling",
	"database", "postgres", "sql",
	"optimiz", "optimize", "latencia", "latency",
	"throughput", "concurrency", "timeout",
	"caching", "cache", "redis",
}

var defaultCodeHints = []string{
	"```", "select ", "insert ", "update ", "dockerfile", "kubernetes", "yaml:", "terraform",
}

// Keywords is the immutable signal configuration used by the estimator.
// Build it once at startup with DefaultKeywords, NewKeywords or LoadKeywords.
type Keywords struct {
	complex   []string
	codeHints []string
	pattern   *regexp.Regexp
}

// NewKeywords normalises both keyword sets to lower case, drops blanks and
// duplicates, and compiles the structural pattern. An empty pattern disables
// the structural bonus.
func NewKeywords(complex, codeHints []string, pattern string) (Keywords, error) {
	kw := Keywords{
		complex:   normalise(complex),
		codeHints: normalise(codeHints),
	}
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Keywords{}, fmt.Errorf("compile code pattern: %w", err)
		}
		kw.pattern = re
	}
	return kw, nil
}

// DefaultKeywords returns the built-in bilingual keyword lists.
func DefaultKeywords() Keywords {
	kw, err := NewKeywords(defaultComplex, defaultCodeHints, DefaultCodePattern)
	if err != nil {
		panic(err)
	}
	return kw
}

type keywordsFile struct {
	Complex     []string `yaml:"complex"`
	CodeHints   []string `yaml:"code_hints"`
	CodePattern *string  `yaml:"code_pattern"`
}

// LoadKeywords reads keyword lists from a YAML file:
//
//	complex: [database, latency]
//	code_hints: ["select ", dockerfile]
//	code_pattern: '->|::'
//
// Sections left out of the file keep their defaults.
func LoadKeywords(path string) (Keywords, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Keywords{}, fmt.Errorf("read keywords file: %w", err)
	}
	var f keywordsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Keywords{}, fmt.Errorf("parse keywords file %s: %w", path, err)
	}

	complex := defaultComplex
	if f.Complex != nil {
		complex = f.Complex
	}
	hints := defaultCodeHints
	if f.CodeHints != nil {
		hints = f.CodeHints
	}
	pattern := DefaultCodePattern
	if f.CodePattern != nil {
		pattern = *f.CodePattern
	}
	return NewKeywords(complex, hints, pattern)
}

// Complex returns a copy of the domain keyword list.
func (k Keywords) Complex() []string {
	return append([]string(nil), k.complex...)
}

// CodeHints returns a copy of the code hint list.
func (k Keywords) CodeHints() []string {
	return append([]string(nil), k.codeHints...)
}

func normalise(words []string) []string {
	seen := make(map[string]bool, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		// Trailing spaces are significant ("select " vs "selected").
		w = strings.ToLower(w)
		if strings.TrimSpace(w) == "" || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
