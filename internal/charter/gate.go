// Package charter implements the charter gate: the final checkpoint every
// output crosses before it reaches a caller.
package charter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NeuralBlitz/NBOS-Web/internal/audit"
	"github.com/NeuralBlitz/NBOS-Web/internal/metrics"
)

// AuditModule attributes the gate's audit entries.
const AuditModule = "charter_layer"

// RecordSink persists verification records after they enter history.
type RecordSink interface {
	AppendVerification(ctx context.Context, rec VerificationRecord) error
}

// #region options

// Option configures a Gate.
type Option func(*Gate)

func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithClock(c audit.Clock) Option {
	return func(g *Gate) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithChecker replaces one principle's predicate.
func WithChecker(p Principle, c Checker) Option {
	return func(g *Gate) { g.overrides[p] = c }
}

func WithEscalator(e Escalator) Option {
	return func(g *Gate) { g.escalator = e }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithSink mirrors every verification record to s.
func WithSink(s RecordSink) Option {
	return func(g *Gate) { g.sink = s }
}

// WithAuditSink mirrors the gate's audit entries to s.
func WithAuditSink(s audit.Sink) Option {
	return func(g *Gate) { g.auditSink = s }
}

// WithAuditTail continues a persisted audit chain ending at hash.
func WithAuditTail(hash string) Option {
	return func(g *Gate) { g.auditTail = hash }
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Gate) {
		if t != nil {
			g.tracer = t
		}
	}
}

// #endregion options

// #region gate

// Gate evaluates candidates against the five principles and keeps the
// append-only verification history.
type Gate struct {
	config    GateConfig
	checkers  map[Principle]Checker
	overrides map[Principle]Checker
	escalator Escalator
	metrics   *metrics.Metrics
	sink      RecordSink
	auditSink audit.Sink
	auditTail string
	trail     *audit.Trail
	tracer    trace.Tracer
	clock     audit.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	history []VerificationRecord
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// NewGate creates a gate with the built-in keyword checkers, then applies
// options.
func NewGate(config GateConfig, opts ...Option) *Gate {
	g := &Gate{
		config:    config,
		overrides: make(map[Principle]Checker),
		tracer:    otel.Tracer("nbos.charter"),
		clock:     systemClock{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.checkers = DefaultCheckers(config)
	for p, c := range g.overrides {
		g.checkers[p] = c
	}
	if g.escalator == nil {
		g.escalator = NewLogEscalator(g.logger, config.EscalationRate, config.EscalationBurst)
	}
	g.trail = audit.NewTrail(AuditModule,
		audit.WithClock(g.clock),
		audit.WithSink(g.auditSink),
		audit.WithTail(g.auditTail),
		audit.WithLogger(g.logger),
	)

	g.logger.Info("charter gate initialized", zap.Int("principles", len(principles)))
	return g
}

// Verify runs every principle check over (c, rc). The resulting record is
// appended to history whether or not it passes. On failure Verify returns a
// zero record and a *VetoError.
func (g *Gate) Verify(ctx context.Context, c Candidate, rc RequestContext) (VerificationRecord, error) {
	ctx, span := g.tracer.Start(ctx, "charter.Verify",
		trace.WithAttributes(attribute.String("candidate.kind", c.Kind().String())))
	defer span.End()

	results := make(map[Principle]bool, len(principles))
	var violations []string
	// High uncertainty asks for human review whichever checkers are installed.
	escalate := rc.UncertaintyLevel > g.config.EscalationThreshold && rc.ShouldAutoEscalate()

	for _, p := range principles {
		out, err := g.runCheck(p, c, rc)
		if err != nil {
			g.logger.Error("principle check faulted", zap.String("principle", string(p)), zap.Error(err))
			g.metrics.ObservePredicateFault(string(p))
			results[p] = false
			violations = append(violations, fmt.Sprintf("check failed: %s", p))
			continue
		}
		results[p] = out.Passed
		escalate = escalate || out.Escalate
		if !out.Passed {
			v := fmt.Sprintf("violated: %s", p)
			if out.Reason != "" {
				v += " (" + out.Reason + ")"
			}
			violations = append(violations, v)
		}
	}

	passed := true
	for _, ok := range results {
		passed = passed && ok
	}

	rec := VerificationRecord{
		ID:               uuid.NewString(),
		Passed:           passed,
		PrincipleResults: results,
		Violations:       violations,
		Timestamp:        g.clock.Now(),
		Escalated:        escalate,
	}

	g.mu.Lock()
	g.history = append(g.history, rec)
	g.mu.Unlock()

	g.record(ctx, rec, rc)

	span.SetAttributes(
		attribute.Bool("charter.passed", passed),
		attribute.Float64("charter.confidence", rec.Confidence()),
	)

	if !passed {
		g.logger.Warn("charter blocked output",
			zap.String("record_id", rec.ID),
			zap.Strings("violations", violations),
		)
		span.SetStatus(codes.Error, "vetoed")
		return VerificationRecord{}, &VetoError{
			Principles: rec.Failed(),
			Violations: append([]string(nil), violations...),
			Record:     rec.Clone(),
		}
	}

	g.logger.Info("charter approved output",
		zap.String("record_id", rec.ID),
		zap.Float64("confidence", rec.Confidence()),
	)
	return rec.Clone(), nil
}

// record fans a new record out to metrics, escalation, the audit trail and
// the sink. None of these can change the verdict.
func (g *Gate) record(ctx context.Context, rec VerificationRecord, rc RequestContext) {
	failed := make([]string, 0, len(rec.Violations))
	for _, p := range rec.Failed() {
		failed = append(failed, string(p))
	}
	g.metrics.ObserveVerification(rec.Passed, failed)

	if rec.Escalated {
		g.metrics.ObserveEscalation()
		g.escalator.Escalate(ctx, EscalationNotice{
			RecordID:         rec.ID,
			UserID:           rc.UserID,
			UncertaintyLevel: rc.UncertaintyLevel,
			Passed:           rec.Passed,
		})
	}

	event := "verification_approved"
	if !rec.Passed {
		event = "verification_vetoed"
	}
	details := map[string]any{
		"record_id":  rec.ID,
		"confidence": rec.Confidence(),
		"escalated":  rec.Escalated,
	}
	if len(rec.Violations) > 0 {
		details["violations"] = append([]string(nil), rec.Violations...)
	}
	if _, err := g.trail.Append(event, details); err != nil {
		g.logger.Error("audit append failed", zap.String("event", event), zap.Error(err))
	}

	if g.sink != nil {
		if err := g.sink.AppendVerification(ctx, rec.Clone()); err != nil {
			g.logger.Warn("verification sink write failed", zap.String("record_id", rec.ID), zap.Error(err))
		}
	}
}

// runCheck evaluates one predicate. Errors and panics come back as a
// *PredicateFault.
func (g *Gate) runCheck(p Principle, c Candidate, rc RequestContext) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = Outcome{}, &PredicateFault{Principle: p, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	chk := g.checkers[p]
	if chk == nil {
		return Outcome{}, &PredicateFault{Principle: p, Err: errNoChecker}
	}
	out, err = chk.Check(c, rc.Clone())
	if err != nil {
		return Outcome{}, &PredicateFault{Principle: p, Err: err}
	}
	return out, nil
}

// #endregion gate

// #region accessors

// History returns a deep copy of every verification record, oldest first.
func (g *Gate) History() []VerificationRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]VerificationRecord, len(g.history))
	for i, r := range g.history {
		out[i] = r.Clone()
	}
	return out
}

// Len returns the history length.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.history)
}

// Failures counts records that did not pass.
func (g *Gate) Failures() (failed, total int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.history {
		if !r.Passed {
			failed++
		}
	}
	return failed, len(g.history)
}

// AuditTrail returns a copy of the gate's audit entries.
func (g *Gate) AuditTrail() []audit.Entry {
	return g.trail.Entries()
}

// Config returns the configuration the gate was built with.
func (g *Gate) Config() GateConfig {
	return g.config
}

// #endregion accessors
