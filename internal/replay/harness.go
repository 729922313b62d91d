// Package replay runs recorded candidates through a fresh charter gate and
// compares the verdicts with the recorded expectations.
package replay

import (
	"context"
	"errors"

	"github.com/NeuralBlitz/NBOS-Web/internal/charter"
	"github.com/NeuralBlitz/NBOS-Web/internal/orchestrator"
)

// #region types

// Verdicts recorded in fixtures and results.
const (
	ActionApprove = "approve"
	ActionVeto    = "veto"
)

// Case is one candidate to replay.
type Case struct {
	ID        string
	Candidate charter.Candidate
	Context   charter.RequestContext
}

// Result captures the gate's verdict for one case.
type Result struct {
	ID         string
	Action     string
	Principles []charter.Principle // failed principles, empty on approve
	Violations []string
	Confidence float64
	Escalated  bool
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	Total             int
	Approved          int
	Vetoed            int
	Escalated         int
	ViolationRate     float64
	DriftDetected     bool
	PrincipleFailures map[charter.Principle]int
}

// #endregion types

// #region replay

// Replay verifies every case in order through gate. Operates entirely
// in-memory; the gate's history grows by one record per case.
func Replay(ctx context.Context, gate *charter.Gate, cases []Case) []Result {
	results := make([]Result, 0, len(cases))
	for _, c := range cases {
		rec, err := gate.Verify(ctx, c.Candidate, c.Context)
		if err != nil {
			r := Result{ID: c.ID, Action: ActionVeto}
			var veto *charter.VetoError
			if errors.As(err, &veto) {
				r.Principles = veto.Principles
				r.Violations = veto.Violations
				r.Confidence = veto.Record.Confidence()
				r.Escalated = veto.Record.Escalated
			}
			results = append(results, r)
			continue
		}
		results = append(results, Result{
			ID:         c.ID,
			Action:     ActionApprove,
			Confidence: rec.Confidence(),
			Escalated:  rec.Escalated,
		})
	}
	return results
}

// Run builds a gate from the fixture config and replays every case through
// it. extra options are applied after the fixture's own.
func (f *Fixture) Run(ctx context.Context, extra ...charter.Option) ([]Result, error) {
	gc, opts, err := f.Config.GateOptions()
	if err != nil {
		return nil, err
	}
	cases, err := f.ToCases()
	if err != nil {
		return nil, err
	}
	gate := charter.NewGate(gc, append(opts, extra...)...)
	return Replay(ctx, gate, cases), nil
}

// Summarize computes aggregate stats from replay results. Drift uses the
// same threshold as the orchestrator.
func Summarize(results []Result) Summary {
	s := Summary{
		Total:             len(results),
		PrincipleFailures: make(map[charter.Principle]int),
	}
	for _, r := range results {
		switch r.Action {
		case ActionApprove:
			s.Approved++
		case ActionVeto:
			s.Vetoed++
		}
		if r.Escalated {
			s.Escalated++
		}
		for _, p := range r.Principles {
			s.PrincipleFailures[p]++
		}
	}
	if s.Total > 0 {
		s.ViolationRate = float64(s.Vetoed) / float64(s.Total)
	}
	s.DriftDetected = s.ViolationRate > orchestrator.DriftThreshold
	return s
}

// #endregion replay
