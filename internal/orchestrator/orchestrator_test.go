package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/NeuralBlitz/NBOS-Web/internal/audit"
	"github.com/NeuralBlitz/NBOS-Web/internal/bias"
	"github.com/NeuralBlitz/NBOS-Web/internal/charter"
	"github.com/NeuralBlitz/NBOS-Web/internal/explain"
	"github.com/NeuralBlitz/NBOS-Web/internal/metrics"
	"github.com/NeuralBlitz/NBOS-Web/internal/pipeline"
	"github.com/NeuralBlitz/NBOS-Web/internal/privacy"
	"github.com/NeuralBlitz/NBOS-Web/internal/scoring"
	"github.com/NeuralBlitz/NBOS-Web/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// #region fixtures

type scorerFunc func(context.Context, pipeline.Input, pipeline.TaskContext) (float64, error)

func (f scorerFunc) Score(ctx context.Context, in pipeline.Input, tc pipeline.TaskContext) (float64, error) {
	return f(ctx, in, tc)
}

type explainerFunc func(context.Context, float64, pipeline.Input, map[string]float64) (pipeline.Explanation, error)

func (f explainerFunc) Explain(ctx context.Context, p float64, in pipeline.Input, imp map[string]float64) (pipeline.Explanation, error) {
	return f(ctx, p, in, imp)
}

type noiserFunc func(context.Context, float64, float64) (float64, error)

func (f noiserFunc) AddNoise(ctx context.Context, v, s float64) (float64, error) {
	return f(ctx, v, s)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type countingStates struct {
	mu       sync.Mutex
	triggers []string
}

func (c *countingStates) CommitState(st state.SystemState, trigger string) (state.StateRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggers = append(c.triggers, trigger)
	return state.StateRecord{State: st, Trigger: trigger}, nil
}

func (c *countingStates) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.triggers)
}

type fixture struct {
	gate    *charter.Gate
	orch    *Orchestrator
	privacy *privacy.Module
}

type fixtureOpts struct {
	cfg    *Config
	collab func(*Collaborators)
	gate   []charter.Option
	orch   []Option
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	priv, err := privacy.New(privacy.DefaultConfig(), privacy.WithLogger(logger))
	require.NoError(t, err)

	collab := Collaborators{
		Sanitizer: priv,
		Scorer:    scoring.Substrate{},
		Bias:      bias.NewDetector(bias.DefaultConfig(), logger),
		Noiser:    priv,
		Explainer: explain.New(logger),
	}
	if fo.collab != nil {
		fo.collab(&collab)
	}

	cfg := DefaultConfig()
	if fo.cfg != nil {
		cfg = *fo.cfg
	}

	gate := charter.NewGate(charter.DefaultGateConfig(), append([]charter.Option{charter.WithLogger(logger)}, fo.gate...)...)
	orch, err := New(cfg, gate, collab, append([]Option{WithLogger(logger)}, fo.orch...)...)
	require.NoError(t, err)
	return &fixture{gate: gate, orch: orch, privacy: priv}
}

func sampleInput() pipeline.Input {
	return pipeline.FieldsInput(map[string]any{
		"feature1": 0.5,
		"feature2": 0.75,
		"feature3": 0.3,
	})
}

func sampleContext() pipeline.TaskContext {
	return pipeline.TaskContext{
		TaskID:       "test_001",
		Demographics: map[string]string{"race": "majority", "gender": "male"},
	}
}

func events(entries []audit.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Event
	}
	return out
}

// #endregion fixtures

// #region constructor-tests

func TestNewRequiresCollaborators(t *testing.T) {
	gate := charter.NewGate(charter.DefaultGateConfig())
	full := Collaborators{
		Sanitizer: scoringSanitizer{},
		Scorer:    scoring.Substrate{},
		Bias:      bias.NewDetector(bias.DefaultConfig(), nil),
		Noiser:    noiserFunc(func(_ context.Context, v, _ float64) (float64, error) { return v, nil }),
		Explainer: explain.New(nil),
	}

	_, err := New(DefaultConfig(), nil, full)
	assert.Error(t, err)

	noScorer := full
	noScorer.Scorer = nil
	_, err = New(DefaultConfig(), gate, noScorer)
	assert.ErrorContains(t, err, "scorer")

	cfg := DefaultConfig()
	cfg.CollisionPolicy = "merge"
	_, err = New(cfg, gate, full)
	assert.ErrorContains(t, err, "collision policy")

	cfg = Config{}
	o, err := New(cfg, gate, full)
	require.NoError(t, err)
	assert.Equal(t, DefaultModuleName, o.trail.Module())
	assert.Equal(t, []string{"engine_initialized"}, events(o.AuditTrail()))
}

type scoringSanitizer struct{}

func (scoringSanitizer) Sanitize(_ context.Context, in pipeline.Input) (pipeline.Input, error) {
	return in.Clone(), nil
}

// #endregion constructor-tests

// #region process-tests

func TestProcessSampleTask(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	pkg, err := f.orch.Process(context.Background(), sampleInput(), sampleContext())
	require.NoError(t, err)

	assert.Equal(t, "test_001", pkg.TaskID)
	assert.InDelta(t, 1.55/3, pkg.Prediction, 1e-9)
	assert.True(t, pkg.CharterVerified)
	assert.Equal(t, 2, pkg.BiasesDetected)
	assert.Equal(t, pkg.ExplanationDetail.Confidence, pkg.Confidence)
	assert.Equal(t, pkg.ExplanationDetail.Text, pkg.Explanation)
	assert.False(t, pkg.Timestamp.IsZero())

	stored, ok := f.orch.Task("test_001")
	require.True(t, ok)
	assert.Equal(t, pkg, stored)

	st := f.orch.State()
	require.NotNil(t, st.LastSynthesis)
	assert.True(t, st.LastSynthesis.Equal(pkg.Timestamp))
	assert.Equal(t, 1, f.gate.Len())

	trail := f.orch.AuditTrail()
	assert.Equal(t, []string{"engine_initialized", "input_sanitized", "output_verified"}, events(trail))
	assert.NoError(t, audit.VerifyChain(trail))
}

func TestProcessDoesNotMutateCallerInput(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	in := pipeline.FieldsInput(map[string]any{
		"contact": "reach me at jane@example.com",
		"nested":  map[string]any{"note": "ssn 123-45-6789"},
	})
	tc := sampleContext()
	tc.FeatureImportance = map[string]float64{"contact": 0.4}

	_, err := f.orch.Process(context.Background(), in, tc)
	require.NoError(t, err)

	v, _ := in.Get("contact")
	assert.Equal(t, "reach me at jane@example.com", v)
	nested, _ := in.Get("nested")
	assert.Equal(t, "ssn 123-45-6789", nested.(map[string]any)["note"])
	assert.Equal(t, map[string]float64{"contact": 0.4}, tc.FeatureImportance)
}

func TestProcessScoresSanitizedInput(t *testing.T) {
	var seen pipeline.Input
	f := newFixture(t, fixtureOpts{collab: func(c *Collaborators) {
		c.Scorer = scorerFunc(func(_ context.Context, in pipeline.Input, _ pipeline.TaskContext) (float64, error) {
			seen = in
			return 0.4, nil
		})
	}})

	_, err := f.orch.Process(context.Background(), pipeline.TextInput("mail bob@example.com"), pipeline.TaskContext{})
	require.NoError(t, err)
	assert.NotContains(t, seen.Text(), "bob@example.com")
	assert.Contains(t, seen.Text(), "[EMAIL_HASH_")
}

func TestProcessVetoLeavesNoTrace(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	tc := sampleContext()
	tc.RequiresConsent = true

	pkg, err := f.orch.Process(context.Background(), sampleInput(), tc)
	require.Error(t, err)
	assert.Zero(t, pkg)

	var veto *charter.VetoError
	require.ErrorAs(t, err, &veto)
	assert.Equal(t, []charter.Principle{charter.HumanDignity}, veto.Principles)
	var pe *PipelineError
	assert.False(t, errors.As(err, &pe), "veto must not be wrapped")

	_, ok := f.orch.Task("test_001")
	assert.False(t, ok)
	assert.Nil(t, f.orch.State().LastSynthesis)
	assert.Equal(t, 1, f.gate.Len())
	assert.Equal(t, []string{"engine_initialized", "input_sanitized", "output_blocked"}, events(f.orch.AuditTrail()))
}

func TestProcessBiasForwarding(t *testing.T) {
	in := pipeline.FieldsInput(map[string]any{"score": 0.9})
	tc := pipeline.TaskContext{TaskID: "b1", Demographics: map[string]string{"race": "minority"}}

	t.Run("forwarded", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		_, err := f.orch.Process(context.Background(), in, tc)
		var veto *charter.VetoError
		require.ErrorAs(t, err, &veto)
		assert.Equal(t, []charter.Principle{charter.Fairness}, veto.Principles)
		assert.Contains(t, events(f.orch.AuditTrail()), "bias_violations_detected")
	})

	t.Run("audited only", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ForwardBiasViolations = false
		f := newFixture(t, fixtureOpts{cfg: &cfg})
		pkg, err := f.orch.Process(context.Background(), in, tc)
		require.NoError(t, err)
		assert.Equal(t, 1, pkg.BiasesDetected)
		assert.Contains(t, events(f.orch.AuditTrail()), "bias_violations_detected")
	})
}

func TestProcessStageFault(t *testing.T) {
	boom := errors.New("substrate offline")
	explained := false
	f := newFixture(t, fixtureOpts{collab: func(c *Collaborators) {
		c.Scorer = scorerFunc(func(context.Context, pipeline.Input, pipeline.TaskContext) (float64, error) {
			return 0, boom
		})
		c.Explainer = explainerFunc(func(context.Context, float64, pipeline.Input, map[string]float64) (pipeline.Explanation, error) {
			explained = true
			return pipeline.Explanation{}, nil
		})
	}})

	_, err := f.orch.Process(context.Background(), sampleInput(), sampleContext())
	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StageScore, pe.Stage)
	assert.Equal(t, "test_001", pe.TaskID)
	assert.ErrorIs(t, err, boom)
	assert.False(t, explained)
	assert.Zero(t, f.gate.Len())

	_, ok := f.orch.Task("test_001")
	assert.False(t, ok)

	trail := f.orch.AuditTrail()
	last := trail[len(trail)-1]
	assert.Equal(t, "processing_error", last.Event)
	assert.Equal(t, "score", last.Details["stage"])
}

func TestProcessRecoversCollaboratorPanic(t *testing.T) {
	f := newFixture(t, fixtureOpts{collab: func(c *Collaborators) {
		c.Explainer = explainerFunc(func(context.Context, float64, pipeline.Input, map[string]float64) (pipeline.Explanation, error) {
			panic("template missing")
		})
	}})

	_, err := f.orch.Process(context.Background(), sampleInput(), sampleContext())
	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StageExplain, pe.Stage)
	assert.Contains(t, err.Error(), "template missing")
}

func TestProcessDeadline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLatency = 10 * time.Millisecond
	f := newFixture(t, fixtureOpts{cfg: &cfg, collab: func(c *Collaborators) {
		c.Scorer = scorerFunc(func(ctx context.Context, _ pipeline.Input, _ pipeline.TaskContext) (float64, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
	}})

	_, err := f.orch.Process(context.Background(), sampleInput(), sampleContext())
	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StageScore, pe.Stage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, f.orch.State().LastSynthesis)
	assert.Zero(t, f.orch.GetSystemStatus().ActiveTasks)
}

func TestProcessCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orch.Process(ctx, sampleInput(), sampleContext())
	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StageSanitize, pe.Stage)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessApplyDP(t *testing.T) {
	var sensitivities []float64
	f := newFixture(t, fixtureOpts{collab: func(c *Collaborators) {
		c.Noiser = noiserFunc(func(_ context.Context, v, s float64) (float64, error) {
			sensitivities = append(sensitivities, s)
			return v + 0.1, nil
		})
	}})

	tc := sampleContext()
	tc.ApplyDP = true
	pkg, err := f.orch.Process(context.Background(), sampleInput(), tc)
	require.NoError(t, err)
	assert.InDelta(t, 1.55/3+0.1, pkg.Prediction, 1e-9)

	two := 2.0
	tc.TaskID = "test_002"
	tc.Sensitivity = &two
	_, err = f.orch.Process(context.Background(), sampleInput(), tc)
	require.NoError(t, err)

	tc.TaskID = "test_003"
	tc.ApplyDP = false
	_, err = f.orch.Process(context.Background(), sampleInput(), tc)
	require.NoError(t, err)

	assert.Equal(t, []float64{1.0, 2.0}, sensitivities)
}

func TestProcessChargesPrivacyBudgetOnce(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	half := 0.5
	tc := sampleContext()
	tc.ApplyDP = true
	tc.Sensitivity = &half

	_, err := f.orch.Process(context.Background(), sampleInput(), tc)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, f.privacy.Spent(), 1e-12)
}

// #endregion process-tests

// #region collision-tests

func TestCollisionOverwrite(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	_, err := f.orch.Process(ctx, sampleInput(), sampleContext())
	require.NoError(t, err)
	second, err := f.orch.Process(ctx, pipeline.FieldsInput(map[string]any{"x": 0.9}), sampleContext())
	require.NoError(t, err)

	stored, ok := f.orch.Task("test_001")
	require.True(t, ok)
	assert.Equal(t, second.Prediction, stored.Prediction)
	assert.Equal(t, 1, f.orch.GetSystemStatus().ActiveTasks)
}

func TestCollisionReject(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CollisionPolicy = CollisionReject
	f := newFixture(t, fixtureOpts{cfg: &cfg})
	ctx := context.Background()

	first, err := f.orch.Process(ctx, sampleInput(), sampleContext())
	require.NoError(t, err)
	_, err = f.orch.Process(ctx, pipeline.FieldsInput(map[string]any{"x": 0.9}), sampleContext())
	assert.ErrorIs(t, err, ErrDuplicateTask)

	stored, _ := f.orch.Task("test_001")
	assert.Equal(t, first.Prediction, stored.Prediction)
	assert.Equal(t, 1, f.gate.Len(), "rejected task must not reach the gate")
	assert.Contains(t, events(f.orch.AuditTrail()), "task_rejected")
}

func TestGeneratedTaskIDs(t *testing.T) {
	clock := fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := newFixture(t, fixtureOpts{orch: []Option{WithClock(clock)}})

	a, err := f.orch.Process(context.Background(), sampleInput(), pipeline.TaskContext{})
	require.NoError(t, err)
	b, err := f.orch.Process(context.Background(), sampleInput(), pipeline.TaskContext{})
	require.NoError(t, err)

	assert.NotEqual(t, a.TaskID, b.TaskID)
	assert.Equal(t, fmt.Sprintf("task_%d_1", clock.t.UnixNano()), a.TaskID)
	assert.Equal(t, clock.t, a.Timestamp)
	assert.Equal(t, 2, f.orch.GetSystemStatus().ActiveTasks)
}

func TestProcessConcurrent(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	const n = 25

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			tc := sampleContext()
			tc.TaskID = fmt.Sprintf("task_%02d", i)
			_, err := f.orch.Process(ctx, sampleInput(), tc)
			return err
		})
	}
	require.NoError(t, g.Wait())

	status := f.orch.GetSystemStatus()
	assert.Equal(t, n, status.ActiveTasks)
	assert.Equal(t, n, status.CharterVerifications)
	assert.NoError(t, audit.VerifyChain(f.orch.AuditTrail()))
}

// #endregion collision-tests

// #region drift-tests

func TestDetectAlignmentDrift(t *testing.T) {
	states := &countingStates{}
	f := newFixture(t, fixtureOpts{orch: []Option{WithStateCommitter(states)}})
	ctx := context.Background()

	r := f.orch.DetectAlignmentDrift()
	assert.Equal(t, DriftReport{AlignmentScore: 1, ViolationRate: 0, TotalChecks: 0}, r)
	assert.Zero(t, states.count(), "unchanged state is not committed")

	for i := 0; i < 4; i++ {
		_, err := f.gate.Verify(ctx, charter.Text("all good"), charter.RequestContext{})
		require.NoError(t, err)
	}
	_, err := f.gate.Verify(ctx, charter.Text("this is illegal"), charter.RequestContext{})
	require.Error(t, err)

	r = f.orch.DetectAlignmentDrift()
	assert.Equal(t, 5, r.TotalChecks)
	assert.InDelta(t, 0.2, r.ViolationRate, 1e-12)
	assert.InDelta(t, 0.8, r.AlignmentScore, 1e-12)
	assert.True(t, r.DriftDetected)

	st := f.orch.State()
	assert.InDelta(t, 0.8, st.AlignmentScore, 1e-12)
	assert.True(t, st.EthicalDriftDetected)
	assert.Equal(t, 1, states.count())

	again := f.orch.DetectAlignmentDrift()
	assert.Equal(t, r, again)
	assert.Equal(t, 1, states.count())
	assert.Equal(t, st, f.orch.State())

	drift := 0
	for _, e := range f.orch.AuditTrail() {
		if e.Event == "alignment_drift_detected" {
			drift++
		}
	}
	assert.Equal(t, 1, drift)
}

func TestDriftRateProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 30
	properties := gopter.NewProperties(params)

	properties.Property("violation rate is failures over total", prop.ForAll(
		func(passes, fails int) bool {
			f := newFixture(t, fixtureOpts{})
			ctx := context.Background()
			for i := 0; i < passes; i++ {
				f.gate.Verify(ctx, charter.Text("fine"), charter.RequestContext{})
			}
			for i := 0; i < fails; i++ {
				f.gate.Verify(ctx, charter.Text("violence"), charter.RequestContext{})
			}
			r := f.orch.DetectAlignmentDrift()
			total := passes + fails
			if r.TotalChecks != total {
				return false
			}
			if total == 0 {
				return r.ViolationRate == 0 && !r.DriftDetected
			}
			want := float64(fails) / float64(total)
			return r.ViolationRate == want &&
				r.AlignmentScore == 1-want &&
				r.DriftDetected == (want > DriftThreshold)
		},
		gen.IntRange(0, 12),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}

// #endregion drift-tests

// #region status-tests

func TestGetSystemStatusIsReadOnly(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, err := f.orch.Process(context.Background(), sampleInput(), sampleContext())
	require.NoError(t, err)

	a := f.orch.GetSystemStatus()
	b := f.orch.GetSystemStatus()
	assert.Equal(t, a, b)

	assert.Equal(t, 1, a.ActiveTasks)
	assert.Equal(t, 1, a.CharterVerifications)
	assert.Equal(t, len(f.orch.AuditTrail()), a.AuditTrailLength)
	assert.Contains(t, a.Collaborators, "privacy")
	assert.Contains(t, a.Collaborators, "bias")
	assert.Contains(t, a.Collaborators, "explainability")
	assert.NotContains(t, a.Collaborators, "scoring")
}

// #endregion status-tests

// #region observability-tests

func TestProcessSpansAndMetrics(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())
	m := metrics.New(prometheus.NewRegistry())

	f := newFixture(t, fixtureOpts{
		gate: []charter.Option{charter.WithTracer(tp.Tracer("test")), charter.WithMetrics(m)},
		orch: []Option{WithTracer(tp.Tracer("test")), WithMetrics(m)},
	})

	_, err := f.orch.Process(context.Background(), sampleInput(), sampleContext())
	require.NoError(t, err)
	tc := sampleContext()
	tc.TaskID = "blocked"
	tc.RequiresConsent = true
	_, err = f.orch.Process(context.Background(), sampleInput(), tc)
	require.Error(t, err)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	for _, want := range []string{"stage.sanitize", "stage.score", "stage.bias", "stage.explain", "charter.Verify", "orchestrator.Process"} {
		assert.Contains(t, names, want)
	}
	assert.NotContains(t, names, "stage.noise")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Tasks.WithLabelValues(metrics.OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Tasks.WithLabelValues(metrics.OutcomeVetoed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verifications.WithLabelValues("approved")))
}

// #endregion observability-tests

// #region persistence-tests

func TestProcessPersistsStateAndLedger(t *testing.T) {
	store, err := state.NewStore(filepath.Join(t.TempDir(), "nbos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ledger, err := NewTaskLedger(store.DB())
	require.NoError(t, err)

	f := newFixture(t, fixtureOpts{orch: []Option{WithStateCommitter(store), WithLedger(ledger)}})

	pkg, err := f.orch.Process(context.Background(), sampleInput(), sampleContext())
	require.NoError(t, err)

	saved, ok, err := ledger.Get("test_001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pkg.Prediction, saved.Prediction)
	assert.True(t, saved.Timestamp.Equal(pkg.Timestamp))

	cur, err := store.GetCurrent()
	require.NoError(t, err)
	assert.Equal(t, state.TriggerSynthesis, cur.Trigger)
	require.NotNil(t, cur.State.LastSynthesis)
	assert.True(t, cur.State.LastSynthesis.Equal(pkg.Timestamp))
}

// #endregion persistence-tests
