// Package system owns every module instance for one run. It replaces a
// process-wide registry: callers build a System, pass it where it is needed
// and close it when done.
package system

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NeuralBlitz/NBOS-Web/internal/bias"
	"github.com/NeuralBlitz/NBOS-Web/internal/charter"
	"github.com/NeuralBlitz/NBOS-Web/internal/config"
	"github.com/NeuralBlitz/NBOS-Web/internal/explain"
	"github.com/NeuralBlitz/NBOS-Web/internal/logging"
	"github.com/NeuralBlitz/NBOS-Web/internal/metrics"
	"github.com/NeuralBlitz/NBOS-Web/internal/orchestrator"
	"github.com/NeuralBlitz/NBOS-Web/internal/pipeline"
	"github.com/NeuralBlitz/NBOS-Web/internal/privacy"
	"github.com/NeuralBlitz/NBOS-Web/internal/scoring"
	"github.com/NeuralBlitz/NBOS-Web/internal/state"
)

// Module names used by Lookup.
const (
	ModuleCharter        = charter.AuditModule
	ModulePrivacy        = privacy.AuditModule
	ModuleBias           = "bias_detection"
	ModuleExplainability = "explainability"
	ModuleScoring        = "scoring"
)

// #region options

type options struct {
	logger   *zap.Logger
	registry prometheus.Registerer
	scorer   pipeline.Scorer
	tracer   trace.Tracer
}

// Option configures New.
type Option func(*options)

// WithLogger uses l instead of building a logger from the log section.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers metrics with r instead of a private registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registry = r }
}

// WithScorer overrides the scorer chosen from the scoring section.
func WithScorer(s pipeline.Scorer) Option {
	return func(o *options) { o.scorer = s }
}

// WithTracer routes gate and pipeline spans to t.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// #endregion options

// #region system

// System is the run context: it owns the gate, the collaborators, the
// orchestrator and the optional SQLite store.
type System struct {
	Config       config.Config
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Gate         *charter.Gate
	Privacy      *privacy.Module
	Bias         *bias.Detector
	Explainer    *explain.Explainer
	Scorer       pipeline.Scorer
	Orchestrator *orchestrator.Orchestrator

	// Store and Ledger are nil when no store path is configured.
	Store  *state.Store
	Ledger *orchestrator.TaskLedger

	closers []func() error
}

// New validates cfg and wires every module. A configuration problem is
// returned as a *config.GovernanceConfigError and nothing is left open.
func New(cfg config.Config, opts ...Option) (sys *System, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Module.Enabled {
		return nil, &config.GovernanceConfigError{Field: "module.enabled", Reason: "module is disabled"}
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	s := &System{Config: cfg}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.Logger = o.logger
	if s.Logger == nil {
		if s.Logger, err = logging.NewLogger(cfg.Log.Level, cfg.Log.Development); err != nil {
			return nil, err
		}
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	s.Metrics = metrics.New(o.registry)

	initial := state.Initial()
	if cfg.Store.Path != "" {
		if initial, err = s.openStore(cfg.Store.Path); err != nil {
			return nil, err
		}
	}

	gateOpts := []charter.Option{
		charter.WithLogger(s.Logger.Named("charter")),
		charter.WithMetrics(s.Metrics),
		charter.WithTracer(o.tracer),
	}
	for name, expr := range cfg.Charter.Rules {
		p, _ := charter.ParsePrinciple(name)
		chk, cerr := charter.NewCELChecker(expr)
		if cerr != nil {
			return nil, &config.GovernanceConfigError{Field: "charter.rules." + name, Reason: cerr.Error()}
		}
		gateOpts = append(gateOpts, charter.WithChecker(p, chk))
	}
	if s.Store != nil {
		tail, err := logging.LastAuditHash(s.Store.DB(), charter.AuditModule)
		if err != nil {
			return nil, err
		}
		gateOpts = append(gateOpts,
			charter.WithSink(logging.VerificationSink{DB: s.Store.DB()}),
			charter.WithAuditSink(logging.AuditSink{DB: s.Store.DB()}),
			charter.WithAuditTail(tail),
		)
	}
	gc := charter.DefaultGateConfig()
	gc.EscalationThreshold = cfg.Charter.EscalationThreshold
	gc.EscalationRate = cfg.Charter.EscalationRate
	gc.EscalationBurst = cfg.Charter.EscalationBurst
	s.Gate = charter.NewGate(gc, gateOpts...)

	pc := privacy.DefaultConfig()
	pc.Epsilon = cfg.Privacy.Epsilon
	pc.Delta = cfg.Privacy.Delta
	pc.BudgetLimit = cfg.Privacy.BudgetLimit
	if s.Privacy, err = privacy.New(pc,
		privacy.WithLogger(s.Logger.Named("privacy")),
		privacy.WithMetrics(s.Metrics),
	); err != nil {
		return nil, &config.GovernanceConfigError{Field: "privacy", Reason: err.Error()}
	}

	bc := bias.DefaultConfig()
	bc.Threshold = cfg.Bias.Threshold
	bc.FavorableAt = cfg.Bias.FavorableAt
	s.Bias = bias.NewDetector(bc, s.Logger.Named("bias"))
	s.Explainer = explain.New(s.Logger.Named("explain"))

	if s.Scorer, err = s.buildScorer(o.scorer); err != nil {
		return nil, err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(s.Logger.Named("orch")),
		orchestrator.WithMetrics(s.Metrics),
		orchestrator.WithTracer(o.tracer),
		orchestrator.WithInitialState(initial),
	}
	if s.Store != nil {
		tail, err := logging.LastAuditHash(s.Store.DB(), cfg.Module.Name)
		if err != nil {
			return nil, err
		}
		orchOpts = append(orchOpts,
			orchestrator.WithStateCommitter(s.Store),
			orchestrator.WithLedger(s.Ledger),
			orchestrator.WithAuditSink(logging.AuditSink{DB: s.Store.DB()}),
			orchestrator.WithAuditTail(tail),
		)
	}
	s.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Module:                cfg.Module.Name,
		MaxLatency:            cfg.Module.MaxLatency,
		CollisionPolicy:       orchestrator.CollisionPolicy(cfg.Tasks.CollisionPolicy),
		ForwardBiasViolations: cfg.Module.GovernanceLevel == config.GovernanceStrict,
	}, s.Gate, orchestrator.Collaborators{
		Sanitizer: s.Privacy,
		Scorer:    s.Scorer,
		Bias:      s.Bias,
		Noiser:    s.Privacy,
		Explainer: s.Explainer,
	}, orchOpts...)
	if err != nil {
		return nil, err
	}

	s.Logger.Info("system initialized",
		zap.String("module", cfg.Module.Name),
		zap.String("version", cfg.Module.Version),
		zap.String("governance_level", cfg.Module.GovernanceLevel),
		zap.Bool("persistent", s.Store != nil),
	)
	return s, nil
}

// openStore opens the SQLite store, prepares the provenance tables and
// returns the state to resume from.
func (s *System) openStore(path string) (state.SystemState, error) {
	store, err := state.NewStore(path)
	if err != nil {
		return state.SystemState{}, err
	}
	s.Store = store
	s.closers = append(s.closers, store.Close)

	if err := logging.EnsureSchema(store.DB()); err != nil {
		return state.SystemState{}, err
	}
	if s.Ledger, err = orchestrator.NewTaskLedger(store.DB()); err != nil {
		return state.SystemState{}, err
	}

	cur, err := store.GetCurrent()
	if err == nil {
		s.Logger.Info("resuming state", zap.String("version_id", cur.VersionID))
		return cur.State, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return state.SystemState{}, err
	}
	rec, err := store.CreateInitialState(state.Initial())
	if err != nil {
		return state.SystemState{}, err
	}
	return rec.State, nil
}

func (s *System) buildScorer(override pipeline.Scorer) (pipeline.Scorer, error) {
	if override != nil {
		return override, nil
	}
	if s.Config.Scoring.RemoteAddr == "" {
		return scoring.Substrate{}, nil
	}
	remote, err := scoring.NewRemote(s.Config.Scoring.RemoteAddr, s.Config.Scoring.Timeout)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, remote.Close)
	return remote, nil
}

// Modules lists the names Lookup resolves, sorted.
func (s *System) Modules() []string {
	names := []string{
		s.Config.Module.Name,
		ModuleCharter,
		ModulePrivacy,
		ModuleBias,
		ModuleExplainability,
		ModuleScoring,
	}
	slices.Sort(names)
	return names
}

// Lookup returns the module registered under name.
func (s *System) Lookup(name string) (any, bool) {
	switch name {
	case s.Config.Module.Name:
		return s.Orchestrator, true
	case ModuleCharter:
		return s.Gate, true
	case ModulePrivacy:
		return s.Privacy, true
	case ModuleBias:
		return s.Bias, true
	case ModuleExplainability:
		return s.Explainer, true
	case ModuleScoring:
		return s.Scorer, true
	}
	return nil, false
}

// Close releases the scorer connection and the store, newest first.
func (s *System) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// #endregion system

// #region startup-report

// StartupProbe is the text the charter is checked against at startup.
const StartupProbe = "This is a test output with confidence level 0.85"

// SampleTaskID names the task processed at startup.
const SampleTaskID = "test_001"

// Report is the result of the startup self-check.
type Report struct {
	Module       string
	Version      string
	Modules      []string
	Charter      charter.VerificationRecord
	Sample       pipeline.OutputPackage
	Status       orchestrator.Status
	AuditEntries int
}

// StartupReport verifies the charter against StartupProbe, runs the sample
// task and collects the resulting status.
func (s *System) StartupReport(ctx context.Context) (Report, error) {
	rec, err := s.Gate.Verify(ctx, charter.Text(StartupProbe), charter.RequestContext{})
	if err != nil {
		return Report{}, fmt.Errorf("charter self-check: %w", err)
	}

	pkg, err := s.Orchestrator.Process(ctx,
		pipeline.FieldsInput(map[string]any{
			"feature1": 0.5,
			"feature2": 0.75,
			"feature3": 0.3,
		}),
		pipeline.TaskContext{
			TaskID:       SampleTaskID,
			Demographics: map[string]string{"race": "majority", "gender": "male"},
		},
	)
	if err != nil {
		return Report{}, fmt.Errorf("sample task: %w", err)
	}

	return Report{
		Module:       s.Config.Module.Name,
		Version:      s.Config.Module.Version,
		Modules:      s.Modules(),
		Charter:      rec,
		Sample:       pkg,
		Status:       s.Orchestrator.GetSystemStatus(),
		AuditEntries: len(s.Orchestrator.AuditTrail()),
	}, nil
}

// Render writes the report as plain text.
func (r Report) Render(w io.Writer) error {
	rule := strings.Repeat("=", 60)
	var b strings.Builder
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "NBOS %s v%s\n", r.Module, r.Version)
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Modules: %s\n", strings.Join(r.Modules, ", "))
	fmt.Fprintln(&b, "Charter layer:")
	for _, p := range charter.Principles() {
		fmt.Fprintf(&b, "  - %-14s %v\n", strings.ToUpper(string(p))+":", r.Charter.PrincipleResults[p])
	}
	fmt.Fprintf(&b, "Sample task %s:\n", r.Sample.TaskID)
	fmt.Fprintf(&b, "  - Prediction:       %.2f\n", r.Sample.Prediction)
	fmt.Fprintf(&b, "  - Charter verified: %v\n", r.Sample.CharterVerified)
	fmt.Fprintf(&b, "  - Confidence:       %.2f\n", r.Sample.ExplanationDetail.Confidence)
	fmt.Fprintln(&b, "System status:")
	fmt.Fprintf(&b, "  - Alignment score:  %.2f\n", r.Status.State.AlignmentScore)
	fmt.Fprintf(&b, "  - Active tasks:     %d\n", r.Status.ActiveTasks)
	fmt.Fprintf(&b, "  - Audit entries:    %d\n", r.AuditEntries)
	fmt.Fprintln(&b, rule)
	_, err := io.WriteString(w, b.String())
	return err
}

// #endregion startup-report
