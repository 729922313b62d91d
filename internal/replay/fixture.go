package replay

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/NeuralBlitz/NBOS-Web/internal/charter"
)

// #region fixture-types

// Fixture is the top-level structure of a replay fixture file.
type Fixture struct {
	Description string        `json:"description" yaml:"description"`
	Config      FixtureConfig `json:"config" yaml:"config"`
	Cases       []FixtureCase `json:"cases" yaml:"cases"`
}

// FixtureConfig tunes the gate the fixture is replayed through. Zero values
// keep the defaults.
type FixtureConfig struct {
	EscalationThreshold float64           `json:"escalation_threshold" yaml:"escalation_threshold"`
	Rules               map[string]string `json:"rules" yaml:"rules"`
}

// FixtureCase is one recorded candidate and its expected verdict. Exactly one
// of Text and Fields must be set.
type FixtureCase struct {
	ID       string         `json:"id" yaml:"id"`
	Text     *string        `json:"text,omitempty" yaml:"text,omitempty"`
	Fields   map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
	Context  map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	Expect   string         `json:"expect" yaml:"expect"`
	Violated []string       `json:"violated,omitempty" yaml:"violated,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

//go:embed fixture.schema.json
var fixtureSchemaJSON []byte

const fixtureSchemaURL = "https://nbos.schemas.local/replay/fixture.schema.json"

var fixtureSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(fixtureSchemaURL, bytes.NewReader(fixtureSchemaJSON)); err != nil {
		return nil, fmt.Errorf("load fixture schema: %w", err)
	}
	return c.Compile(fixtureSchemaURL)
})

// LoadFixture reads a JSON (.json) or YAML (anything else) fixture file and
// checks it against the fixture schema before decoding.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	f, err := ParseFixture(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return f, nil
}

// ParseFixture decodes and validates a fixture document. YAML documents are
// normalized to JSON first so both formats meet the same schema.
func ParseFixture(data []byte, isJSON bool) (*Fixture, error) {
	if !isJSON {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		var err error
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("normalize yaml: %w", err)
		}
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	schema, err := fixtureSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid fixture: %w", err)
	}

	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	return &f, nil
}

// ToCase converts a FixtureCase to a replayable Case.
func (fc *FixtureCase) ToCase() (Case, error) {
	var cand charter.Candidate
	switch {
	case fc.Text != nil && fc.Fields != nil:
		return Case{}, fmt.Errorf("case %s: text and fields are mutually exclusive", fc.ID)
	case fc.Text != nil:
		cand = charter.Text(*fc.Text)
	case fc.Fields != nil:
		cand = charter.Structured(fc.Fields)
	default:
		return Case{}, fmt.Errorf("case %s: needs text or fields", fc.ID)
	}
	rc, err := charter.FromMap(fc.Context)
	if err != nil {
		return Case{}, fmt.Errorf("case %s: %w", fc.ID, err)
	}
	return Case{ID: fc.ID, Candidate: cand, Context: rc}, nil
}

// ToCases converts every fixture case, stopping at the first invalid one.
func (f *Fixture) ToCases() ([]Case, error) {
	out := make([]Case, 0, len(f.Cases))
	for i := range f.Cases {
		c, err := f.Cases[i].ToCase()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// GateOptions builds the gate configuration and the CEL overrides the
// fixture asks for.
func (fc *FixtureConfig) GateOptions() (charter.GateConfig, []charter.Option, error) {
	gc := charter.DefaultGateConfig()
	if fc.EscalationThreshold > 0 {
		gc.EscalationThreshold = fc.EscalationThreshold
	}
	var opts []charter.Option
	for name, expr := range fc.Rules {
		p, err := charter.ParsePrinciple(name)
		if err != nil {
			return charter.GateConfig{}, nil, err
		}
		chk, err := charter.NewCELChecker(expr)
		if err != nil {
			return charter.GateConfig{}, nil, err
		}
		opts = append(opts, charter.WithChecker(p, chk))
	}
	return gc, opts, nil
}

// #endregion fixture-loader

// #region compare

// Mismatch is a case whose replayed verdict differs from the fixture.
type Mismatch struct {
	ID       string
	Expected string
	Actual   string
	Detail   string
}

// Compare checks results against the fixture's expectations, case by case.
func (f *Fixture) Compare(results []Result) ([]Mismatch, error) {
	if len(results) != len(f.Cases) {
		return nil, errors.New("result count does not match fixture cases")
	}
	var out []Mismatch
	for i, fc := range f.Cases {
		r := results[i]
		if r.Action != fc.Expect {
			out = append(out, Mismatch{
				ID:       fc.ID,
				Expected: fc.Expect,
				Actual:   r.Action,
				Detail:   strings.Join(r.Violations, "; "),
			})
			continue
		}
		if len(fc.Violated) == 0 {
			continue
		}
		got := make([]string, len(r.Principles))
		for j, p := range r.Principles {
			got[j] = string(p)
		}
		if strings.Join(got, ",") != strings.Join(fc.Violated, ",") {
			out = append(out, Mismatch{
				ID:       fc.ID,
				Expected: strings.Join(fc.Violated, ","),
				Actual:   strings.Join(got, ","),
				Detail:   "violated principles differ",
			})
		}
	}
	return out, nil
}

// #endregion compare
