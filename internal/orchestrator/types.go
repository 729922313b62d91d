package orchestrator

import (
	"time"

	"github.com/NeuralBlitz/NBOS-Web/internal/pipeline"
	"github.com/NeuralBlitz/NBOS-Web/internal/state"
)

// #region collision-policy

// CollisionPolicy decides what happens when a task id is reused.
type CollisionPolicy string

const (
	// CollisionOverwrite keeps the latest package for a reused id.
	CollisionOverwrite CollisionPolicy = "overwrite"
	// CollisionReject fails the second task with ErrDuplicateTask.
	CollisionReject CollisionPolicy = "reject"
)

// #endregion collision-policy

// #region config

// DefaultModuleName attributes the orchestrator's audit entries.
const DefaultModuleName = "synergy_engine_primary"

// DriftThreshold is the violation rate above which drift is reported.
const DriftThreshold = 0.1

// Config holds orchestrator settings.
type Config struct {
	Module          string
	MaxLatency      time.Duration // 0 disables the per-task deadline
	CollisionPolicy CollisionPolicy

	// ForwardBiasViolations hands violating attributes to the gate so the
	// fairness check can veto on them.
	ForwardBiasViolations bool
}

// DefaultConfig returns the settings of the primary synergy engine.
func DefaultConfig() Config {
	return Config{
		Module:                DefaultModuleName,
		MaxLatency:            5 * time.Second,
		CollisionPolicy:       CollisionOverwrite,
		ForwardBiasViolations: true,
	}
}

// #endregion config

// #region collaborators

// Collaborators are the external services one task passes through. All are
// required.
type Collaborators struct {
	Sanitizer pipeline.Sanitizer
	Scorer    pipeline.Scorer
	Bias      pipeline.BiasAnalyzer
	Noiser    pipeline.Noiser
	Explainer pipeline.Explainer
}

// StateCommitter persists SystemState versions. *state.Store implements it.
type StateCommitter interface {
	CommitState(st state.SystemState, trigger string) (state.StateRecord, error)
}

// #endregion collaborators

// #region reports

// DriftReport is the result of DetectAlignmentDrift.
type DriftReport struct {
	AlignmentScore float64 `json:"alignment_score"`
	DriftDetected  bool    `json:"drift_detected"`
	ViolationRate  float64 `json:"violation_rate"`
	TotalChecks    int     `json:"total_checks"`
}

// Status is a read-only snapshot of the orchestrator and its collaborators.
type Status struct {
	State                state.SystemState         `json:"state"`
	CharterVerifications int                       `json:"charter_verifications"`
	ActiveTasks          int                       `json:"active_tasks"`
	AuditTrailLength     int                       `json:"audit_trail_length"`
	Collaborators        map[string]map[string]any `json:"collaborators"`
}

// #endregion reports
