// Package bias is the default bias collaborator. It measures a disparate
// impact ratio per protected attribute and dispatches a mitigation strategy
// when the ratio breaches the threshold.
package bias

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/NeuralBlitz/NBOS-Web/internal/pipeline"
)

// Type classifies the source of a bias.
type Type string

const (
	Representation Type = "representation"
	Measurement    Type = "measurement"
	Aggregation    Type = "aggregation"
	Evaluation     Type = "evaluation"
	Deployment     Type = "deployment"
)

// DefaultThreshold is the four-fifths rule.
const DefaultThreshold = 0.8

// ProtectedAttributes are the demographic keys the detector inspects, in
// order.
var ProtectedAttributes = []string{"race", "gender", "age_group", "disability_status", "religion"}

// Mitigation is invoked for each violating finding of its bias type.
type Mitigation func(ctx context.Context, f pipeline.BiasFinding)

// #region detector

// Config holds detector thresholds.
type Config struct {
	Threshold     float64
	FavorableAt   float64 // prediction above which a minority outcome is disparate
	MinorityRatio float64 // ratio assigned to a disparate outcome
}

func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, FavorableAt: 0.7, MinorityRatio: 0.75}
}

// Detector implements pipeline.BiasAnalyzer and keeps every finding.
type Detector struct {
	cfg         Config
	logger      *zap.Logger
	mitigations map[Type]Mitigation

	mu       sync.Mutex
	findings []pipeline.BiasFinding
}

// NewDetector creates a detector with logging mitigations for every bias
// type.
func NewDetector(cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	d := &Detector{cfg: cfg, logger: logger, mitigations: make(map[Type]Mitigation)}
	for _, t := range []Type{Representation, Measurement, Aggregation, Evaluation, Deployment} {
		d.mitigations[t] = d.logMitigation(t)
	}
	return d
}

// SetMitigation replaces the strategy for one bias type.
func (d *Detector) SetMitigation(t Type, m Mitigation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mitigations[t] = m
}

func (d *Detector) logMitigation(t Type) Mitigation {
	return func(_ context.Context, f pipeline.BiasFinding) {
		d.logger.Info("applying bias mitigation",
			zap.String("bias_type", string(t)),
			zap.String("attribute", f.Attribute),
		)
	}
}

// Analyze checks each protected attribute present in demographics.
func (d *Detector) Analyze(ctx context.Context, prediction float64, demographics map[string]string) ([]pipeline.BiasFinding, error) {
	if len(demographics) == 0 {
		return nil, nil
	}

	var out []pipeline.BiasFinding
	for _, attr := range ProtectedAttributes {
		group, ok := demographics[attr]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f := d.disparateImpact(prediction, attr, group)
		out = append(out, f)
		if f.Violates {
			d.logger.Warn("disparate impact detected",
				zap.String("attribute", attr),
				zap.Float64("disparity", f.DisparityRatio),
			)
			d.mitigate(ctx, f)
		}
	}

	d.mu.Lock()
	d.findings = append(d.findings, out...)
	d.mu.Unlock()
	return slices.Clone(out), nil
}

func (d *Detector) disparateImpact(prediction float64, attr, group string) pipeline.BiasFinding {
	ratio := 1.0
	if group == "minority" && prediction > d.cfg.FavorableAt {
		ratio = d.cfg.MinorityRatio
	}
	return pipeline.BiasFinding{
		Attribute:      attr,
		Group:          group,
		DisparityRatio: ratio,
		Threshold:      d.cfg.Threshold,
		Violates:       ratio < d.cfg.Threshold,
		BiasType:       string(Measurement),
		Remediation:    fmt.Sprintf("Review and retrain model on balanced %s distribution", attr),
	}
}

func (d *Detector) mitigate(ctx context.Context, f pipeline.BiasFinding) {
	d.mu.Lock()
	m := d.mitigations[Type(f.BiasType)]
	d.mu.Unlock()
	if m != nil {
		m(ctx, f)
	}
}

// #endregion detector

// #region report

// Report summarizes every finding so far.
type Report struct {
	TotalChecks        int                    `json:"total_checks"`
	Violations         int                    `json:"violations"`
	ViolationRate      float64                `json:"violation_rate"`
	AffectedAttributes []string               `json:"affected_attributes"`
	LatestViolations   []pipeline.BiasFinding `json:"latest_violations"`
}

func (d *Detector) Report() Report {
	d.mu.Lock()
	defer d.mu.Unlock()

	var violations []pipeline.BiasFinding
	var affected []string
	for _, f := range d.findings {
		if !f.Violates {
			continue
		}
		violations = append(violations, f)
		if !slices.Contains(affected, f.Attribute) {
			affected = append(affected, f.Attribute)
		}
	}
	r := Report{
		TotalChecks:        len(d.findings),
		Violations:         len(violations),
		AffectedAttributes: affected,
	}
	if len(d.findings) > 0 {
		r.ViolationRate = float64(len(violations)) / float64(len(d.findings))
	}
	if n := len(violations); n > 5 {
		violations = violations[n-5:]
	}
	r.LatestViolations = slices.Clone(violations)
	return r
}

// Checks returns how many attribute checks were recorded.
func (d *Detector) Checks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.findings)
}

// Status renders Report for system status snapshots.
func (d *Detector) Status() map[string]any {
	r := d.Report()
	return map[string]any{
		"total_checks":        r.TotalChecks,
		"violations":          r.Violations,
		"violation_rate":      r.ViolationRate,
		"affected_attributes": r.AffectedAttributes,
	}
}

// #endregion report
