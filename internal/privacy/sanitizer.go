package privacy

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/NeuralBlitz/NBOS-Web/internal/pipeline"
)

// #region patterns

//go:embed pii_patterns.yaml
var piiPatternsYAML []byte

// PatternSpec is one PII detector as written in YAML.
type PatternSpec struct {
	Name   string `yaml:"name"`
	Regex  string `yaml:"regex"`
	Action string `yaml:"action"` // hash | mask
	Token  string `yaml:"token"`
}

type pattern struct {
	def PatternSpec
	re  *regexp.Regexp
}

// ParsePatterns decodes and compiles a PII pattern document.
func ParsePatterns(data []byte) ([]PatternSpec, error) {
	var doc struct {
		Patterns []PatternSpec `yaml:"patterns"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse pii patterns: %w", err)
	}
	return doc.Patterns, nil
}

func compilePatterns(specs []PatternSpec) ([]pattern, error) {
	out := make([]pattern, 0, len(specs))
	for _, s := range specs {
		if s.Action != "hash" && s.Action != "mask" {
			return nil, fmt.Errorf("pii pattern %s: unknown action %q", s.Name, s.Action)
		}
		re, err := regexp.Compile(s.Regex)
		if err != nil {
			return nil, fmt.Errorf("pii pattern %s: %w", s.Name, err)
		}
		out = append(out, pattern{def: s, re: re})
	}
	return out, nil
}

// DefaultPatterns returns the embedded pattern set.
func DefaultPatterns() []PatternSpec {
	specs, err := ParsePatterns(piiPatternsYAML)
	if err != nil {
		panic(err)
	}
	return specs
}

// #endregion patterns

// #region sanitize

// Sanitize returns a copy of in with PII replaced in every string value.
// Non-string values pass through.
func (m *Module) Sanitize(_ context.Context, in pipeline.Input) (pipeline.Input, error) {
	if in.IsText() {
		return pipeline.TextInput(m.SanitizeString(in.Text())), nil
	}
	out := in.Clone()
	if fields := out.Fields(); fields != nil {
		for k, v := range fields {
			fields[k] = m.sanitizeValue(v)
		}
	}
	return out, nil
}

func (m *Module) sanitizeValue(v any) any {
	switch x := v.(type) {
	case string:
		return m.SanitizeString(x)
	case map[string]any:
		for k, e := range x {
			x[k] = m.sanitizeValue(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = m.sanitizeValue(e)
		}
		return x
	case []string:
		for i, e := range x {
			x[i] = m.SanitizeString(e)
		}
		return x
	}
	return v
}

// SanitizeString applies every pattern in order.
func (m *Module) SanitizeString(s string) string {
	for _, p := range m.patterns {
		switch p.def.Action {
		case "hash":
			s = p.re.ReplaceAllStringFunc(s, func(match string) string {
				sum := sha256.Sum256([]byte(match))
				return "[" + p.def.Token + "_" + hex.EncodeToString(sum[:])[:8] + "]"
			})
		default:
			s = p.re.ReplaceAllLiteralString(s, "["+p.def.Token+"]")
		}
	}
	return s
}

// #endregion sanitize
