package bias

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeuralBlitz/NBOS-Web/internal/pipeline"
)

func TestEmptyDemographicsYieldNothing(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil)
	got, err := d.Analyze(context.Background(), 0.9, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, d.Checks())
}

func TestMinorityHighScoreViolates(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil)
	var mitigated []string
	d.SetMitigation(Measurement, func(_ context.Context, f pipeline.BiasFinding) {
		mitigated = append(mitigated, f.Attribute)
	})

	got, err := d.Analyze(context.Background(), 0.85, map[string]string{
		"race":    "minority",
		"gender":  "male",
		"zipcode": "minority",
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "race", got[0].Attribute)
	assert.True(t, got[0].Violates)
	assert.Equal(t, 0.75, got[0].DisparityRatio)
	assert.Equal(t, 0.8, got[0].Threshold)
	assert.False(t, got[1].Violates)
	assert.Equal(t, []string{"race"}, mitigated)
	assert.Equal(t, []string{"race"}, pipeline.Violations(got))
}

func TestMinorityLowScorePasses(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil)
	got, err := d.Analyze(context.Background(), 0.7, map[string]string{"race": "minority"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Violates)
}

func TestReport(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil)
	ctx := context.Background()
	for range 7 {
		_, err := d.Analyze(ctx, 0.9, map[string]string{"religion": "minority", "age_group": "majority"})
		require.NoError(t, err)
	}

	r := d.Report()
	assert.Equal(t, 14, r.TotalChecks)
	assert.Equal(t, 7, r.Violations)
	assert.Equal(t, 0.5, r.ViolationRate)
	assert.Equal(t, []string{"religion"}, r.AffectedAttributes)
	assert.Len(t, r.LatestViolations, 5)
	assert.Equal(t, 14, d.Status()["total_checks"])
}

func TestAnalyzeHonoursCancellation(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Analyze(ctx, 0.9, map[string]string{"race": "minority"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, d.Checks())
}
