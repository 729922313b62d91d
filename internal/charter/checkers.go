package charter

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// #region checker

// Checker is one principle's predicate. A returned error is treated as a
// failure of that principle.
type Checker interface {
	Check(c Candidate, rc RequestContext) (Outcome, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(c Candidate, rc RequestContext) (Outcome, error)

func (f CheckerFunc) Check(c Candidate, rc RequestContext) (Outcome, error) {
	return f(c, rc)
}

// #endregion checker

// #region denylists

//go:embed denylists.yaml
var denylistsYAML []byte

// Denylists are the keyword lists behind the built-in checkers.
type Denylists struct {
	Deception      []string `yaml:"deception"`
	Sensitive      []string `yaml:"sensitive"`
	Discriminatory []string `yaml:"discriminatory"`
	Protected      []string `yaml:"protected"`
	Harmful        []string `yaml:"harmful"`
}

// ParseDenylists decodes a YAML deny list document.
func ParseDenylists(data []byte) (Denylists, error) {
	var d Denylists
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Denylists{}, fmt.Errorf("parse denylists: %w", err)
	}
	return d, nil
}

// DefaultDenylists returns the embedded lists.
func DefaultDenylists() Denylists {
	d, err := ParseDenylists(denylistsYAML)
	if err != nil {
		panic(err)
	}
	return d
}

// #endregion denylists

// #region builtin

// DefaultCheckers builds the keyword checkers for all five principles.
func DefaultCheckers(cfg GateConfig) map[Principle]Checker {
	return map[Principle]Checker{
		NoDeception:  honestyChecker{deception: newPhraseSet(cfg.Denylists.Deception)},
		HumanDignity: dignityChecker{sensitive: newPhraseSet(cfg.Denylists.Sensitive)},
		Fairness: fairnessChecker{
			discriminatory: newPhraseSet(cfg.Denylists.Discriminatory),
			protected:      newPhraseSet(cfg.Denylists.Protected),
		},
		Transparency: transparencyChecker{},
		Safety:       safetyChecker{harmful: newPhraseSet(cfg.Denylists.Harmful)},
	}
}

// honestyChecker fails absolute-certainty wording unless the candidate
// states its own confidence.
type honestyChecker struct {
	deception phraseSet
}

func (h honestyChecker) Check(c Candidate, _ RequestContext) (Outcome, error) {
	if c.HasConfidence() {
		return Pass(), nil
	}
	text, ok := c.Text()
	if !ok {
		return Pass(), nil
	}
	if hit, found := h.deception.first(normalize(text)); found {
		return Fail("absolute-certainty phrase %q without confidence", hit), nil
	}
	return Pass(), nil
}

type dignityChecker struct {
	sensitive phraseSet
}

func (d dignityChecker) Check(c Candidate, rc RequestContext) (Outcome, error) {
	if text, ok := c.Text(); ok {
		if hit, found := d.sensitive.first(normalize(text)); found {
			return Fail("sensitive data keyword %q", hit), nil
		}
	}
	if rc.RequiresConsent && !rc.ConsentGiven {
		return Fail("consent required but not given"), nil
	}
	return Pass(), nil
}

// fairnessChecker needs a discriminatory phrase and a protected attribute in
// the same text. Upstream bias violations fail it outright.
type fairnessChecker struct {
	discriminatory phraseSet
	protected      phraseSet
}

func (f fairnessChecker) Check(c Candidate, rc RequestContext) (Outcome, error) {
	if len(rc.BiasViolations) > 0 {
		return Fail("disparity threshold breached for %s", strings.Join(rc.BiasViolations, ", ")), nil
	}
	text, ok := c.Text()
	if !ok {
		return Pass(), nil
	}
	norm := normalize(text)
	phrase, found := f.discriminatory.first(norm)
	if !found {
		return Pass(), nil
	}
	if attr, found := f.protected.first(norm); found {
		return Fail("discriminatory phrase %q with protected attribute %q", phrase, attr), nil
	}
	return Pass(), nil
}

type transparencyChecker struct{}

func (transparencyChecker) Check(c Candidate, rc RequestContext) (Outcome, error) {
	if c.HasReasoning() {
		return Pass(), nil
	}
	if rc.IsComplexDecision {
		return Fail("complex decision without reasoning"), nil
	}
	return Pass(), nil
}

// safetyChecker fails harmful wording outside a safety discussion.
type safetyChecker struct {
	harmful phraseSet
}

func (s safetyChecker) Check(c Candidate, rc RequestContext) (Outcome, error) {
	if text, ok := c.Text(); ok && !rc.SafetyDiscussion {
		if hit, found := s.harmful.first(normalize(text)); found {
			return Fail("harmful keyword %q", hit), nil
		}
	}
	return Pass(), nil
}

// #endregion builtin
