// Package metrics holds the Prometheus collectors shared by the charter gate,
// the orchestrator and the privacy collaborator.
//
// All observe methods are safe on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// #region constants

const namespace = "nbos"

const (
	charterSubsystem  = "charter"
	pipelineSubsystem = "pipeline"
	privacySubsystem  = "privacy"
)

// Task outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeVetoed    = "vetoed"
	OutcomeFailed    = "failed"
)

// #endregion constants

// #region metrics-struct

// Metrics groups every collector the module exports.
type Metrics struct {
	// Verifications counts gate evaluations by result (approved, vetoed).
	Verifications *prometheus.CounterVec

	// PrincipleFailures counts failed principle checks by principle.
	PrincipleFailures *prometheus.CounterVec

	// PredicateFaults counts principle checks that errored or panicked.
	PredicateFaults *prometheus.CounterVec

	// Escalations counts high-uncertainty escalation notices.
	Escalations prometheus.Counter

	// Tasks counts orchestrator tasks by outcome.
	Tasks *prometheus.CounterVec

	// StageDuration observes per-stage latency of the pipeline.
	StageDuration *prometheus.HistogramVec

	// PrivacyBudgetSpent tracks cumulative differential-privacy cost.
	PrivacyBudgetSpent prometheus.Gauge

	// AlignmentScore tracks the last computed alignment score.
	AlignmentScore prometheus.Gauge
}

// New registers all collectors with reg. A nil reg creates unregistered
// collectors, which is what tests use when they do not scrape.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: charterSubsystem,
			Name:      "verifications_total",
			Help:      "Charter verifications by result",
		}, []string{"result"}),
		PrincipleFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: charterSubsystem,
			Name:      "principle_failures_total",
			Help:      "Failed principle checks by principle",
		}, []string{"principle"}),
		PredicateFaults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: charterSubsystem,
			Name:      "predicate_faults_total",
			Help:      "Principle checks that faulted and were failed closed",
		}, []string{"principle"}),
		Escalations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: charterSubsystem,
			Name:      "escalations_total",
			Help:      "High-uncertainty escalation notices emitted",
		}),
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: pipelineSubsystem,
			Name:      "tasks_total",
			Help:      "Orchestrator tasks by outcome",
		}, []string{"outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: pipelineSubsystem,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"stage"}),
		PrivacyBudgetSpent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: privacySubsystem,
			Name:      "budget_spent",
			Help:      "Cumulative differential-privacy cost",
		}),
		AlignmentScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: pipelineSubsystem,
			Name:      "alignment_score",
			Help:      "Last computed alignment score",
		}),
	}
}

// #endregion metrics-struct

// #region observers

// ObserveVerification records one gate evaluation and its failed principles.
func (m *Metrics) ObserveVerification(passed bool, failed []string) {
	if m == nil {
		return
	}
	result := "approved"
	if !passed {
		result = "vetoed"
	}
	m.Verifications.WithLabelValues(result).Inc()
	for _, p := range failed {
		m.PrincipleFailures.WithLabelValues(p).Inc()
	}
}

// ObservePredicateFault records a faulted principle check.
func (m *Metrics) ObservePredicateFault(principle string) {
	if m == nil {
		return
	}
	m.PredicateFaults.WithLabelValues(principle).Inc()
}

// ObserveEscalation records an escalation notice.
func (m *Metrics) ObserveEscalation() {
	if m == nil {
		return
	}
	m.Escalations.Inc()
}

// ObserveTask records a finished task by outcome.
func (m *Metrics) ObserveTask(outcome string) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(outcome).Inc()
}

// ObserveStage records the latency of one pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetPrivacyBudget publishes the cumulative privacy cost.
func (m *Metrics) SetPrivacyBudget(spent float64) {
	if m == nil {
		return
	}
	m.PrivacyBudgetSpent.Set(spent)
}

// SetAlignment publishes the alignment score.
func (m *Metrics) SetAlignment(score float64) {
	if m == nil {
		return
	}
	m.AlignmentScore.Set(score)
}

// #endregion observers
