// Package pipeline defines the data that flows through one orchestrated task
// and the collaborator contracts the orchestrator calls.
package pipeline

import (
	"maps"
	"slices"
	"time"

	"github.com/NeuralBlitz/NBOS-Web/internal/charter"
)

// #region input

// Input is the caller's payload: free text or a mapping of named fields.
type Input struct {
	text   string
	fields map[string]any
	isText bool
}

// TextInput wraps a textual payload.
func TextInput(s string) Input {
	return Input{text: s, isText: true}
}

// FieldsInput wraps a field mapping. The map is not copied; use Clone before
// changing it.
func FieldsInput(fields map[string]any) Input {
	return Input{fields: fields}
}

func (in Input) IsText() bool { return in.isText }

// Text returns the textual payload, empty for field inputs.
func (in Input) Text() string { return in.text }

// Fields returns the underlying mapping, nil for text inputs.
func (in Input) Fields() map[string]any { return in.fields }

// Get returns one field.
func (in Input) Get(key string) (any, bool) {
	v, ok := in.fields[key]
	return v, ok
}

// Clone deep-copies nested maps and slices.
func (in Input) Clone() Input {
	if in.isText {
		return in
	}
	return Input{fields: cloneMap(in.fields)}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(x)
	case []float64:
		return slices.Clone(x)
	}
	return v
}

// #endregion input

// #region task-context

// TaskContext extends the gate's RequestContext with per-task pipeline
// settings.
type TaskContext struct {
	charter.RequestContext

	TaskID            string
	Demographics      map[string]string
	ApplyDP           bool
	Sensitivity       *float64 // nil means 1.0
	FeatureImportance map[string]float64
}

// DefaultSensitivity is the noise sensitivity when none is given.
const DefaultSensitivity = 1.0

// SensitivityOrDefault resolves Sensitivity.
func (tc TaskContext) SensitivityOrDefault() float64 {
	if tc.Sensitivity == nil {
		return DefaultSensitivity
	}
	return *tc.Sensitivity
}

// Clone copies the maps and pointers so stages cannot alter the caller's
// context.
func (tc TaskContext) Clone() TaskContext {
	tc.RequestContext = tc.RequestContext.Clone()
	tc.Demographics = maps.Clone(tc.Demographics)
	tc.FeatureImportance = maps.Clone(tc.FeatureImportance)
	if tc.Sensitivity != nil {
		v := *tc.Sensitivity
		tc.Sensitivity = &v
	}
	return tc
}

// #endregion task-context

// #region results

// Factor is one contributing feature of a prediction.
type Factor struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// Explanation is the explainer's output.
type Explanation struct {
	Text           string   `json:"explanation"`
	ReasoningType  string   `json:"reasoning_type"`
	TopFactors     []Factor `json:"top_factors"`
	Counterfactual string   `json:"counterfactual"`
	Confidence     float64  `json:"confidence"`
}

// Clone copies TopFactors.
func (e Explanation) Clone() Explanation {
	e.TopFactors = slices.Clone(e.TopFactors)
	return e
}

// BiasFinding is one protected attribute's disparity measurement.
type BiasFinding struct {
	Attribute      string  `json:"attribute"`
	Group          string  `json:"group"`
	DisparityRatio float64 `json:"disparity_ratio"`
	Threshold      float64 `json:"threshold"`
	Violates       bool    `json:"violates"`
	BiasType       string  `json:"bias_type"`
	Remediation    string  `json:"remediation,omitempty"`
}

// Violations returns the attributes of violating findings in order.
func Violations(findings []BiasFinding) []string {
	var out []string
	for _, f := range findings {
		if f.Violates {
			out = append(out, f.Attribute)
		}
	}
	return out
}

// OutputPackage is the verified result of one task.
type OutputPackage struct {
	TaskID            string      `json:"task_id"`
	Prediction        float64     `json:"prediction"`
	Explanation       string      `json:"explanation"`
	Confidence        float64     `json:"confidence"`
	CharterVerified   bool        `json:"charter_verified"`
	Timestamp         time.Time   `json:"timestamp"`
	BiasesDetected    int         `json:"biases_detected"`
	ExplanationDetail Explanation `json:"explanation_detail"`
}

// Candidate is the structured form the gate verifies.
func (p OutputPackage) Candidate() charter.Candidate {
	return charter.Structured(map[string]any{
		"prediction":  p.Prediction,
		"explanation": p.Explanation,
		"confidence":  p.Confidence,
		"task_id":     p.TaskID,
	})
}

// Clone copies the nested explanation.
func (p OutputPackage) Clone() OutputPackage {
	p.ExplanationDetail = p.ExplanationDetail.Clone()
	return p
}

// #endregion results
