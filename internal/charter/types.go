package charter

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// #region principle

// Principle names one axis of the charter.
type Principle string

const (
	NoDeception  Principle = "no_deception"
	HumanDignity Principle = "human_dignity"
	Fairness     Principle = "fairness"
	Transparency Principle = "transparency"
	Safety       Principle = "safety"
)

var principles = []Principle{NoDeception, HumanDignity, Fairness, Transparency, Safety}

// Principles returns the closed principle set in evaluation order.
func Principles() []Principle {
	return slices.Clone(principles)
}

// Valid reports whether p is one of the five principles.
func (p Principle) Valid() bool {
	return slices.Contains(principles, p)
}

// ParsePrinciple converts a config key into a Principle.
func ParsePrinciple(s string) (Principle, error) {
	p := Principle(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown principle %q", s)
	}
	return p, nil
}

// #endregion principle

// #region outcome

// Outcome is one checker's verdict.
type Outcome struct {
	Passed   bool
	Reason   string // why the check failed; empty on pass
	Escalate bool   // request human review without failing the check
}

// Pass is the zero-reason passing outcome.
func Pass() Outcome { return Outcome{Passed: true} }

// Fail builds a failing outcome with a formatted reason.
func Fail(format string, args ...any) Outcome {
	return Outcome{Passed: false, Reason: fmt.Sprintf(format, args...)}
}

// #endregion outcome

// #region verification-record

// VerificationRecord is the immutable result of one gate evaluation.
type VerificationRecord struct {
	ID               string
	Passed           bool
	PrincipleResults map[Principle]bool
	Violations       []string
	Timestamp        time.Time
	Escalated        bool
}

// Confidence is the fraction of checked principles that passed. It is derived
// from PrincipleResults on every call.
func (r VerificationRecord) Confidence() float64 {
	if len(r.PrincipleResults) == 0 {
		return 0
	}
	passed := 0
	for _, ok := range r.PrincipleResults {
		if ok {
			passed++
		}
	}
	return float64(passed) / float64(len(r.PrincipleResults))
}

// Failed lists the principles that did not pass, in evaluation order.
func (r VerificationRecord) Failed() []Principle {
	var out []Principle
	for _, p := range principles {
		if ok, checked := r.PrincipleResults[p]; checked && !ok {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy.
func (r VerificationRecord) Clone() VerificationRecord {
	r.PrincipleResults = maps.Clone(r.PrincipleResults)
	r.Violations = slices.Clone(r.Violations)
	return r
}

// #endregion verification-record

// #region gate-config

// GateConfig holds the gate's thresholds and keyword lists.
type GateConfig struct {
	Denylists           Denylists
	EscalationThreshold float64 // uncertainty above this requests human review
	EscalationRate      float64 // escalation log lines per second
	EscalationBurst     int
}

// DefaultGateConfig returns the embedded deny lists and a 0.7 escalation
// threshold.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Denylists:           DefaultDenylists(),
		EscalationThreshold: 0.7,
		EscalationRate:      1,
		EscalationBurst:     5,
	}
}

// #endregion gate-config
