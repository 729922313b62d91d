package state

import "time"

// #region system-state

// SystemState is the process-wide alignment picture the orchestrator keeps.
type SystemState struct {
	AlignmentScore       float64    `json:"alignment_score"`
	CoherenceLevel       float64    `json:"coherence_level"`
	EthicalDriftDetected bool       `json:"ethical_drift_detected"`
	LastSynthesis        *time.Time `json:"last_synthesis"`
}

// Initial is the state of a fresh system: fully aligned, fully coherent and
// never synthesized.
func Initial() SystemState {
	return SystemState{AlignmentScore: 1.0, CoherenceLevel: 1.0}
}

// Clone copies LastSynthesis so the snapshot cannot alias live state.
func (s SystemState) Clone() SystemState {
	if s.LastSynthesis != nil {
		t := *s.LastSynthesis
		s.LastSynthesis = &t
	}
	return s
}

// Equal compares two states field by field.
func (s SystemState) Equal(o SystemState) bool {
	if s.AlignmentScore != o.AlignmentScore ||
		s.CoherenceLevel != o.CoherenceLevel ||
		s.EthicalDriftDetected != o.EthicalDriftDetected {
		return false
	}
	if s.LastSynthesis == nil || o.LastSynthesis == nil {
		return s.LastSynthesis == nil && o.LastSynthesis == nil
	}
	return s.LastSynthesis.Equal(*o.LastSynthesis)
}

// #endregion system-state

// #region state-record

// Trigger types recorded with each committed version.
const (
	TriggerInit      = "init"
	TriggerSynthesis = "synthesis"
	TriggerDrift     = "drift_check"
)

// StateRecord is one persisted version of SystemState.
type StateRecord struct {
	VersionID string
	ParentID  string
	State     SystemState
	Trigger   string
	CreatedAt time.Time
}

// #endregion state-record
