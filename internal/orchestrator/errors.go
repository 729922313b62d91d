package orchestrator

import (
	"errors"
	"fmt"
)

// #region stages

// Stage names the pipeline step a fault was observed in.
type Stage string

const (
	StageSanitize Stage = "sanitize"
	StageScore    Stage = "score"
	StageBias     Stage = "bias"
	StageNoise    Stage = "noise"
	StageExplain  Stage = "explain"
	StageVerify   Stage = "verify"
	StageCommit   Stage = "commit"
)

// #endregion stages

// #region errors

// ErrDuplicateTask is returned under the reject collision policy when a task
// id is already in the task map.
var ErrDuplicateTask = errors.New("duplicate task id")

// PipelineError wraps a collaborator fault with the task and stage it
// happened in. Charter vetoes are never wrapped.
type PipelineError struct {
	TaskID string
	Stage  Stage
	Err    error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("task %s: %s stage: %v", e.TaskID, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// #endregion errors
