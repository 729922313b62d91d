package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveVerification(false, []string{"safety"})
		m.ObservePredicateFault("safety")
		m.ObserveEscalation()
		m.ObserveTask(OutcomeCompleted)
		m.ObserveStage("score", time.Millisecond)
		m.SetPrivacyBudget(0.5)
		m.SetAlignment(0.9)
	})
}

func TestObservers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveVerification(true, nil)
	m.ObserveVerification(false, []string{"safety", "fairness"})
	m.ObserveVerification(false, []string{"safety"})
	m.ObserveTask(OutcomeVetoed)
	m.ObserveStage("score", 2*time.Millisecond)
	m.SetAlignment(0.75)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verifications.WithLabelValues("approved")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Verifications.WithLabelValues("vetoed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PrincipleFailures.WithLabelValues("safety")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Tasks.WithLabelValues(OutcomeVetoed)))
	assert.Equal(t, 0.75, testutil.ToFloat64(m.AlignmentScore))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))

	// a second set on the same registry collides
	require.Panics(t, func() { New(reg) })
}
