// Package privacy is the default privacy collaborator: PII sanitization,
// Laplace noise and the shared differential-privacy budget.
package privacy

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NeuralBlitz/NBOS-Web/internal/audit"
	"github.com/NeuralBlitz/NBOS-Web/internal/metrics"
)

// AuditModule attributes the privacy log entries.
const AuditModule = "privacy_preservation"

// Report statuses.
const (
	StatusCompliant      = "COMPLIANT"
	StatusBudgetExceeded = "BUDGET_EXCEEDED"
)

// #region config

// Config holds the differential-privacy parameters.
type Config struct {
	Epsilon     float64 // privacy loss per unit sensitivity; lower is more private
	Delta       float64 // probability bound for a privacy breach
	BudgetLimit float64 // cumulative cost that triggers the budget warning
	Patterns    []PatternSpec
}

// DefaultConfig returns epsilon 1.0, delta 1e-5, a budget of 1.0 and the
// embedded PII patterns.
func DefaultConfig() Config {
	return Config{
		Epsilon:     1.0,
		Delta:       1e-5,
		BudgetLimit: 1.0,
		Patterns:    DefaultPatterns(),
	}
}

// #endregion config

// #region module

// Option configures a Module.
type Option func(*Module)

func WithLogger(l *zap.Logger) Option {
	return func(m *Module) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Module) { m.metrics = mt }
}

// WithRand fixes the noise source, for reproducible tests.
func WithRand(r *rand.Rand) Option {
	return func(m *Module) {
		if r != nil {
			m.rng = r
		}
	}
}

func WithClock(c audit.Clock) Option {
	return func(m *Module) { m.clock = c }
}

// Module implements pipeline.Sanitizer, pipeline.Noiser and
// pipeline.StatusReporter.
type Module struct {
	cfg      Config
	patterns []pattern
	logger   *zap.Logger
	metrics  *metrics.Metrics
	clock    audit.Clock
	log      *audit.Trail

	mu    sync.Mutex
	rng   *rand.Rand
	spent float64
}

// New validates cfg and compiles its patterns.
func New(cfg Config, opts ...Option) (*Module, error) {
	if cfg.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %v", cfg.Epsilon)
	}
	if cfg.Delta <= 0 || cfg.Delta >= 1 {
		return nil, fmt.Errorf("delta must be in (0,1), got %v", cfg.Delta)
	}
	if cfg.BudgetLimit <= 0 {
		cfg.BudgetLimit = 1.0
	}
	patterns, err := compilePatterns(cfg.Patterns)
	if err != nil {
		return nil, err
	}

	m := &Module{
		cfg:      cfg,
		patterns: patterns,
		logger:   zap.NewNop(),
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(m)
	}
	trailOpts := []audit.Option{audit.WithLogger(m.logger)}
	if m.clock != nil {
		trailOpts = append(trailOpts, audit.WithClock(m.clock))
	}
	m.log = audit.NewTrail(AuditModule, trailOpts...)

	m.logger.Info("privacy module initialized",
		zap.Float64("epsilon", cfg.Epsilon),
		zap.Float64("delta", cfg.Delta),
	)
	return m, nil
}

// #endregion module

// #region noise

// AddNoise returns value plus Laplace(0, sensitivity/epsilon) noise and
// charges sensitivity/epsilon to the shared budget. Crossing the budget limit
// is logged, not refused.
func (m *Module) AddNoise(_ context.Context, value, sensitivity float64) (float64, error) {
	if sensitivity < 0 || math.IsNaN(sensitivity) || math.IsInf(sensitivity, 0) {
		return 0, fmt.Errorf("invalid sensitivity %v", sensitivity)
	}
	cost := sensitivity / m.cfg.Epsilon

	m.mu.Lock()
	if m.spent+cost > m.cfg.BudgetLimit {
		m.logger.Warn("privacy budget nearly exhausted, consider refreshing",
			zap.Float64("spent", m.spent),
			zap.Float64("cost", cost),
			zap.Float64("limit", m.cfg.BudgetLimit),
		)
	}
	noise := laplace(m.rng, cost)
	m.spent += cost
	spent := m.spent
	m.mu.Unlock()

	m.metrics.SetPrivacyBudget(spent)
	if _, err := m.log.Append("differential_privacy", map[string]any{
		"sensitivity":  sensitivity,
		"epsilon_cost": cost,
		"total_spent":  spent,
	}); err != nil {
		m.logger.Error("privacy log append failed", zap.Error(err))
	}
	m.logger.Debug("differential privacy applied", zap.Float64("budget_spent", spent))
	return value + noise, nil
}

// laplace samples Laplace(0, scale) by inverse transform.
func laplace(r *rand.Rand, scale float64) float64 {
	if scale == 0 {
		return 0
	}
	u := r.Float64() - 0.5
	for u == -0.5 {
		u = r.Float64() - 0.5
	}
	if u < 0 {
		return scale * math.Log(1+2*u)
	}
	return -scale * math.Log(1-2*u)
}

// Spent returns the cumulative privacy cost.
func (m *Module) Spent() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent
}

// #endregion noise

// #region federated

// FederatedReady reports whether a model update is safe to share for
// federated aggregation. Updates carrying per-example gradients are refused.
func (m *Module) FederatedReady(update map[string]any) bool {
	if _, ok := update["gradients"]; ok {
		if _, leak := update["individual_gradients"]; leak {
			m.logger.Warn("individual gradients present, privacy risk detected")
			return false
		}
	}
	if n := parameterCount(update["num_parameters"]); n < 1000 {
		m.logger.Warn("small model may be vulnerable to privacy attacks", zap.Int64("num_parameters", n))
	}
	if _, err := m.log.Append("federated_readiness_check", map[string]any{"safe": true}); err != nil {
		m.logger.Error("privacy log append failed", zap.Error(err))
	}
	return true
}

// parameterCount accepts the integer and JSON-decoded float forms.
func parameterCount(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

// #endregion federated

// #region report

// Report is the privacy compliance summary.
type Report struct {
	Epsilon         float64  `json:"epsilon"`
	Delta           float64  `json:"delta"`
	BudgetSpent     float64  `json:"privacy_budget_spent"`
	BudgetRemaining float64  `json:"budget_remaining"`
	TotalOperations int      `json:"total_operations"`
	PIITypes        []string `json:"pii_types_protected"`
	Status          string   `json:"status"`
}

// Report summarizes the budget and logged operations.
func (m *Module) Report() Report {
	spent := m.Spent()
	types := make([]string, len(m.patterns))
	for i, p := range m.patterns {
		types[i] = p.def.Name
	}
	status := StatusCompliant
	if spent >= m.cfg.BudgetLimit {
		status = StatusBudgetExceeded
	}
	return Report{
		Epsilon:         m.cfg.Epsilon,
		Delta:           m.cfg.Delta,
		BudgetSpent:     spent,
		BudgetRemaining: math.Max(0, m.cfg.BudgetLimit-spent),
		TotalOperations: m.log.Len(),
		PIITypes:        types,
		Status:          status,
	}
}

// Status renders Report for system status snapshots.
func (m *Module) Status() map[string]any {
	r := m.Report()
	return map[string]any{
		"epsilon":              r.Epsilon,
		"delta":                r.Delta,
		"privacy_budget_spent": r.BudgetSpent,
		"budget_remaining":     r.BudgetRemaining,
		"total_operations":     r.TotalOperations,
		"pii_types_protected":  r.PIITypes,
		"status":               r.Status,
	}
}

// Log returns a copy of the privacy operation log.
func (m *Module) Log() []audit.Entry {
	return m.log.Entries()
}

// #endregion report
