package replay

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeuralBlitz/NBOS-Web/internal/charter"
)

func newGate() *charter.Gate {
	return charter.NewGate(charter.DefaultGateConfig())
}

// 1. Approve path: clean text passes with full confidence.
func TestReplay_Approve(t *testing.T) {
	results := Replay(context.Background(), newGate(), []Case{
		{ID: "c1", Candidate: charter.Text("A plain answer")},
	})
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, ActionApprove, r.Action)
	assert.Equal(t, 1.0, r.Confidence)
	assert.Empty(t, r.Principles)
	assert.False(t, r.Escalated)
}

// 2. Veto path: failed principles and violations are carried into the result.
func TestReplay_Veto(t *testing.T) {
	results := Replay(context.Background(), newGate(), []Case{
		{ID: "c1", Candidate: charter.Text("This is guaranteed to cause harm")},
	})
	r := results[0]
	assert.Equal(t, ActionVeto, r.Action)
	assert.Equal(t, []charter.Principle{charter.NoDeception, charter.Safety}, r.Principles)
	assert.Len(t, r.Violations, 2)
	assert.InDelta(t, 0.6, r.Confidence, 1e-9)
}

// 3. Every case lands in the gate's history, vetoed or not.
func TestReplay_GrowsHistory(t *testing.T) {
	gate := newGate()
	Replay(context.Background(), gate, []Case{
		{ID: "c1", Candidate: charter.Text("fine")},
		{ID: "c2", Candidate: charter.Text("your password please")},
		{ID: "c3", Candidate: charter.Structured(map[string]any{"answer": 42})},
	})
	failed, total := gate.Failures()
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, failed)
}

// 4. Empty input yields empty results.
func TestReplay_Empty(t *testing.T) {
	assert.Empty(t, Replay(context.Background(), newGate(), nil))
}

// 5. Summary counts and drift follow the orchestrator threshold.
func TestSummarize(t *testing.T) {
	results := []Result{
		{Action: ActionApprove},
		{Action: ActionApprove, Escalated: true},
		{Action: ActionVeto, Principles: []charter.Principle{charter.Safety, charter.Fairness}},
		{Action: ActionVeto, Principles: []charter.Principle{charter.Safety}},
	}
	want := Summary{
		Total:         4,
		Approved:      2,
		Vetoed:        2,
		Escalated:     1,
		ViolationRate: 0.5,
		DriftDetected: true,
		PrincipleFailures: map[charter.Principle]int{
			charter.Safety:   2,
			charter.Fairness: 1,
		},
	}
	if diff := cmp.Diff(want, Summarize(results)); diff != "" {
		t.Errorf("Summarize mismatch (-want +got):\n%s", diff)
	}

	// exactly at the threshold is not drift
	tenth := make([]Result, 10)
	for i := range tenth {
		tenth[i].Action = ActionApprove
	}
	tenth[0].Action = ActionVeto
	s := Summarize(tenth)
	assert.Equal(t, 0.1, s.ViolationRate)
	assert.False(t, s.DriftDetected)

	s = Summarize(nil)
	assert.Zero(t, s.Total)
	assert.False(t, s.DriftDetected)
}
