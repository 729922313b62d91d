// Package orchestrator drives one task through sanitization, scoring, bias
// analysis, optional privacy noise, explanation and the charter gate, and
// keeps the process-wide alignment state.
package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NeuralBlitz/NBOS-Web/internal/audit"
	"github.com/NeuralBlitz/NBOS-Web/internal/charter"
	"github.com/NeuralBlitz/NBOS-Web/internal/metrics"
	"github.com/NeuralBlitz/NBOS-Web/internal/pipeline"
	"github.com/NeuralBlitz/NBOS-Web/internal/state"
)

// #endregion

// #region options

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

func WithClock(c audit.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithStateCommitter persists every SystemState change.
func WithStateCommitter(s StateCommitter) Option {
	return func(o *Orchestrator) { o.states = s }
}

// WithLedger persists every completed package.
func WithLedger(l *TaskLedger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithAuditSink mirrors the orchestrator's audit entries to s.
func WithAuditSink(s audit.Sink) Option {
	return func(o *Orchestrator) { o.auditSink = s }
}

// WithAuditTail continues a persisted audit chain ending at hash.
func WithAuditTail(hash string) Option {
	return func(o *Orchestrator) { o.auditTail = hash }
}

// WithInitialState starts from st instead of state.Initial().
func WithInitialState(st state.SystemState) Option {
	return func(o *Orchestrator) { o.state = st.Clone() }
}

// #endregion

// #region orchestrator-struct

// Orchestrator is the top-level coordinator for one task's lifecycle and
// the shared SystemState.
type Orchestrator struct {
	cfg       Config
	gate      *charter.Gate
	collab    Collaborators
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	clock     audit.Clock
	states    StateCommitter
	ledger    *TaskLedger
	auditSink audit.Sink
	auditTail string
	trail     *audit.Trail
	seq       atomic.Uint64

	mu    sync.Mutex
	tasks map[string]pipeline.OutputPackage
	state state.SystemState
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// #endregion

// #region constructor

// New creates a fully wired orchestrator. The gate and every collaborator
// are required.
func New(cfg Config, gate *charter.Gate, collab Collaborators, opts ...Option) (*Orchestrator, error) {
	if gate == nil {
		return nil, errors.New("orchestrator: charter gate is required")
	}
	missing := map[string]bool{
		"sanitizer": collab.Sanitizer == nil,
		"scorer":    collab.Scorer == nil,
		"bias":      collab.Bias == nil,
		"noiser":    collab.Noiser == nil,
		"explainer": collab.Explainer == nil,
	}
	for _, role := range []string{"sanitizer", "scorer", "bias", "noiser", "explainer"} {
		if missing[role] {
			return nil, fmt.Errorf("orchestrator: %s collaborator is required", role)
		}
	}
	if cfg.Module == "" {
		cfg.Module = DefaultModuleName
	}
	switch cfg.CollisionPolicy {
	case "":
		cfg.CollisionPolicy = CollisionOverwrite
	case CollisionOverwrite, CollisionReject:
	default:
		return nil, fmt.Errorf("orchestrator: unknown collision policy %q", cfg.CollisionPolicy)
	}

	o := &Orchestrator{
		cfg:    cfg,
		gate:   gate,
		collab: collab,
		logger: zap.NewNop(),
		tracer: otel.Tracer("nbos.orchestrator"),
		clock:  wallClock{},
		tasks:  make(map[string]pipeline.OutputPackage),
		state:  state.Initial(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.trail = audit.NewTrail(cfg.Module,
		audit.WithClock(o.clock),
		audit.WithSink(o.auditSink),
		audit.WithTail(o.auditTail),
		audit.WithLogger(o.logger),
	)

	o.audit("engine_initialized", map[string]any{
		"governance_modules": 4,
		"collision_policy":   string(cfg.CollisionPolicy),
	})
	o.logger.Info("orchestrator ready", zap.String("module", cfg.Module))
	return o, nil
}

// #endregion

// #region process

// Process runs one task end to end. It returns the charter's *VetoError
// unchanged when the gate blocks the output, and a *PipelineError for any
// other fault. Nothing is stored unless the gate passes.
func (o *Orchestrator) Process(ctx context.Context, in pipeline.Input, tc pipeline.TaskContext) (pipeline.OutputPackage, error) {
	tc = tc.Clone()
	if tc.TaskID == "" {
		tc.TaskID = o.nextTaskID()
	}
	taskID := tc.TaskID

	if o.cfg.CollisionPolicy == CollisionReject && o.hasTask(taskID) {
		o.audit("task_rejected", map[string]any{"task_id": taskID, "reason": ErrDuplicateTask.Error()})
		o.metrics.ObserveTask(metrics.OutcomeFailed)
		return pipeline.OutputPackage{}, fmt.Errorf("%w: %s", ErrDuplicateTask, taskID)
	}

	if o.cfg.MaxLatency > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.MaxLatency)
		defer cancel()
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.Process",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	fail := func(err error) (pipeline.OutputPackage, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return pipeline.OutputPackage{}, err
	}

	// 1. sanitize a private copy
	var sanitized pipeline.Input
	if err := o.stage(ctx, taskID, StageSanitize, func(ctx context.Context) (err error) {
		sanitized, err = o.collab.Sanitizer.Sanitize(ctx, in.Clone())
		return err
	}); err != nil {
		return fail(err)
	}
	o.audit("input_sanitized", map[string]any{"task_id": taskID})

	// 2. score
	var score float64
	if err := o.stage(ctx, taskID, StageScore, func(ctx context.Context) (err error) {
		score, err = o.collab.Scorer.Score(ctx, sanitized, tc)
		return err
	}); err != nil {
		return fail(err)
	}

	// 3. bias analysis, audited but never a veto by itself
	var findings []pipeline.BiasFinding
	if err := o.stage(ctx, taskID, StageBias, func(ctx context.Context) (err error) {
		findings, err = o.collab.Bias.Analyze(ctx, score, tc.Demographics)
		return err
	}); err != nil {
		return fail(err)
	}
	violating := pipeline.Violations(findings)
	if len(violating) > 0 {
		o.audit("bias_violations_detected", map[string]any{"task_id": taskID, "attributes": violating})
		o.logger.Warn("bias violations detected", zap.String("task_id", taskID), zap.Strings("attributes", violating))
	}

	// 4. optional differential privacy
	if tc.ApplyDP {
		if err := o.stage(ctx, taskID, StageNoise, func(ctx context.Context) (err error) {
			score, err = o.collab.Noiser.AddNoise(ctx, score, tc.SensitivityOrDefault())
			return err
		}); err != nil {
			return fail(err)
		}
	}

	// 5. explanation
	var expl pipeline.Explanation
	if err := o.stage(ctx, taskID, StageExplain, func(ctx context.Context) (err error) {
		expl, err = o.collab.Explainer.Explain(ctx, score, sanitized, tc.FeatureImportance)
		return err
	}); err != nil {
		return fail(err)
	}

	// 6. candidate package
	pkg := pipeline.OutputPackage{
		TaskID:      taskID,
		Prediction:  score,
		Explanation: expl.Text,
		Confidence:  expl.Confidence,
	}

	// 7. charter gate
	rc := tc.RequestContext
	if o.cfg.ForwardBiasViolations && len(violating) > 0 {
		rc.BiasViolations = append(rc.BiasViolations, violating...)
	}
	rec, err := o.gate.Verify(ctx, pkg.Candidate(), rc)
	if err != nil {
		var veto *charter.VetoError
		if errors.As(err, &veto) {
			o.audit("output_blocked", map[string]any{"task_id": taskID, "error": err.Error()})
			o.logger.Error("charter blocked output", zap.String("task_id", taskID), zap.Strings("violations", veto.Violations))
			o.metrics.ObserveTask(metrics.OutcomeVetoed)
			return fail(err)
		}
		return fail(o.fault(taskID, StageVerify, err))
	}
	passed := make(map[string]any, len(rec.PrincipleResults))
	for p, ok := range rec.PrincipleResults {
		passed[string(p)] = ok
	}
	o.audit("output_verified", map[string]any{
		"task_id":           taskID,
		"principles_passed": passed,
		"confidence":        rec.Confidence(),
	})

	pkg.CharterVerified = true
	pkg.BiasesDetected = len(findings)
	pkg.ExplanationDetail = expl.Clone()

	// 8. commit
	out, err := o.commit(ctx, pkg)
	if err != nil {
		return fail(err)
	}
	o.metrics.ObserveTask(metrics.OutcomeCompleted)
	return out, nil
}

// stage runs fn as one named pipeline step. A collaborator error, panic or
// expired context becomes a *PipelineError that is audited before it is
// returned.
func (o *Orchestrator) stage(ctx context.Context, taskID string, name Stage, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return o.fault(taskID, name, err)
	}
	ctx, span := o.tracer.Start(ctx, "stage."+string(name))
	defer span.End()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx)
	}()
	o.metrics.ObserveStage(string(name), time.Since(start))
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return o.fault(taskID, name, err)
	}
	return nil
}

func (o *Orchestrator) fault(taskID string, name Stage, err error) error {
	pe := &PipelineError{TaskID: taskID, Stage: name, Err: err}
	o.audit("processing_error", map[string]any{
		"task_id": taskID,
		"stage":   string(name),
		"error":   err.Error(),
	})
	o.logger.Error("pipeline stage failed",
		zap.String("task_id", taskID),
		zap.String("stage", string(name)),
		zap.Error(err),
	)
	o.metrics.ObserveTask(metrics.OutcomeFailed)
	return pe
}

// commit stores pkg and advances LastSynthesis in one critical section so a
// cancelled or rejected task leaves no trace in either.
func (o *Orchestrator) commit(ctx context.Context, pkg pipeline.OutputPackage) (pipeline.OutputPackage, error) {
	start := time.Now()
	defer func() { o.metrics.ObserveStage(string(StageCommit), time.Since(start)) }()

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return pipeline.OutputPackage{}, o.fault(pkg.TaskID, StageCommit, err)
	}
	if _, exists := o.tasks[pkg.TaskID]; exists && o.cfg.CollisionPolicy == CollisionReject {
		return pipeline.OutputPackage{}, o.fault(pkg.TaskID, StageCommit, ErrDuplicateTask)
	}

	now := o.clock.Now()
	pkg.Timestamp = now
	o.tasks[pkg.TaskID] = pkg.Clone()
	o.state.LastSynthesis = &now

	if o.ledger != nil {
		if err := o.ledger.Record(pkg); err != nil {
			o.logger.Warn("task ledger write failed", zap.String("task_id", pkg.TaskID), zap.Error(err))
		}
	}
	o.persistState(state.TriggerSynthesis)
	return pkg.Clone(), nil
}

// persistState writes the current state. Callers hold o.mu.
func (o *Orchestrator) persistState(trigger string) {
	if o.states == nil {
		return
	}
	if _, err := o.states.CommitState(o.state.Clone(), trigger); err != nil {
		o.logger.Warn("state commit failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

// #endregion

// #region drift

// DetectAlignmentDrift recomputes alignment from the gate's history. Calling
// it again with unchanged history changes nothing.
func (o *Orchestrator) DetectAlignmentDrift() DriftReport {
	failed, total := o.gate.Failures()
	rate := 0.0
	if total > 0 {
		rate = float64(failed) / float64(total)
	}
	r := DriftReport{
		AlignmentScore: 1.0 - rate,
		DriftDetected:  rate > DriftThreshold,
		ViolationRate:  rate,
		TotalChecks:    total,
	}

	o.mu.Lock()
	changed := o.state.AlignmentScore != r.AlignmentScore || o.state.EthicalDriftDetected != r.DriftDetected
	newlyDrifting := r.DriftDetected && !o.state.EthicalDriftDetected
	o.state.AlignmentScore = r.AlignmentScore
	o.state.EthicalDriftDetected = r.DriftDetected
	if changed {
		o.persistState(state.TriggerDrift)
	}
	o.mu.Unlock()

	o.metrics.SetAlignment(r.AlignmentScore)
	if newlyDrifting {
		o.audit("alignment_drift_detected", map[string]any{
			"violation_rate": rate,
			"total_checks":   total,
		})
		o.logger.Warn("alignment drift detected",
			zap.Float64("violation_rate", rate),
			zap.Int("total_checks", total),
		)
	}
	return r
}

// #endregion

// #region status

// GetSystemStatus returns a snapshot without changing anything.
func (o *Orchestrator) GetSystemStatus() Status {
	o.mu.Lock()
	st := Status{
		State:       o.state.Clone(),
		ActiveTasks: len(o.tasks),
	}
	o.mu.Unlock()

	st.CharterVerifications = o.gate.Len()
	st.AuditTrailLength = o.trail.Len()
	st.Collaborators = make(map[string]map[string]any)
	report := func(name string, c any) {
		if _, done := st.Collaborators[name]; done {
			return
		}
		if r, ok := c.(pipeline.StatusReporter); ok {
			st.Collaborators[name] = r.Status()
		}
	}
	report("privacy", o.collab.Noiser)
	report("privacy", o.collab.Sanitizer)
	report("bias", o.collab.Bias)
	report("explainability", o.collab.Explainer)
	report("scoring", o.collab.Scorer)
	return st
}

// #endregion

// #region accessors

// Task returns the stored package for id.
func (o *Orchestrator) Task(id string) (pipeline.OutputPackage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pkg, ok := o.tasks[id]
	if !ok {
		return pipeline.OutputPackage{}, false
	}
	return pkg.Clone(), true
}

// State returns a copy of the current SystemState.
func (o *Orchestrator) State() state.SystemState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// AuditTrail returns a copy of the orchestrator's audit entries.
func (o *Orchestrator) AuditTrail() []audit.Entry {
	return o.trail.Entries()
}

// Gate returns the charter gate every task passes through.
func (o *Orchestrator) Gate() *charter.Gate {
	return o.gate
}

func (o *Orchestrator) hasTask(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.tasks[id]
	return ok
}

func (o *Orchestrator) nextTaskID() string {
	return fmt.Sprintf("task_%d_%d", o.clock.Now().UnixNano(), o.seq.Add(1))
}

func (o *Orchestrator) audit(event string, details map[string]any) {
	if _, err := o.trail.Append(event, details); err != nil {
		o.logger.Error("audit append failed", zap.String("event", event), zap.Error(err))
	}
}

// #endregion
