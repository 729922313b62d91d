package charter

import (
	"fmt"
	"slices"
)

// RequestContext carries the request facts the principle checkers consult.
type RequestContext struct {
	UserID            string
	RequiresConsent   bool
	ConsentGiven      bool
	IsComplexDecision bool
	UncertaintyLevel  float64 // 0.0-1.0
	AutoEscalate      *bool   // nil means true
	SafetyDiscussion  bool

	// BiasViolations names protected attributes whose disparity breached the
	// bias threshold upstream. FAIRNESS fails when it is non-empty.
	BiasViolations []string
}

// ShouldAutoEscalate resolves the AutoEscalate default.
func (rc RequestContext) ShouldAutoEscalate() bool {
	return rc.AutoEscalate == nil || *rc.AutoEscalate
}

// Clone returns a copy that shares no mutable state with rc.
func (rc RequestContext) Clone() RequestContext {
	if rc.AutoEscalate != nil {
		v := *rc.AutoEscalate
		rc.AutoEscalate = &v
	}
	rc.BiasViolations = slices.Clone(rc.BiasViolations)
	return rc
}

// FromMap builds a RequestContext from a loosely typed mapping such as a
// decoded JSON request. Unknown keys are ignored; known keys with the wrong
// type are an error.
func FromMap(m map[string]any) (RequestContext, error) {
	var rc RequestContext
	for k, v := range m {
		var err error
		switch k {
		case "user_id":
			rc.UserID, err = asString(k, v)
		case "requires_consent":
			rc.RequiresConsent, err = asBool(k, v)
		case "consent_given":
			rc.ConsentGiven, err = asBool(k, v)
		case "is_complex_decision":
			rc.IsComplexDecision, err = asBool(k, v)
		case "uncertainty_level":
			rc.UncertaintyLevel, err = asFloat(k, v)
		case "auto_escalate":
			var b bool
			if b, err = asBool(k, v); err == nil {
				rc.AutoEscalate = &b
			}
		case "safety_discussion":
			rc.SafetyDiscussion, err = asBool(k, v)
		case "bias_violations":
			rc.BiasViolations, err = asStrings(k, v)
		}
		if err != nil {
			return RequestContext{}, err
		}
	}
	return rc, nil
}

// ToMap is the inverse of FromMap, used by CEL rules and audit details.
func (rc RequestContext) ToMap() map[string]any {
	return map[string]any{
		"user_id":             rc.UserID,
		"requires_consent":    rc.RequiresConsent,
		"consent_given":       rc.ConsentGiven,
		"is_complex_decision": rc.IsComplexDecision,
		"uncertainty_level":   rc.UncertaintyLevel,
		"auto_escalate":       rc.ShouldAutoEscalate(),
		"safety_discussion":   rc.SafetyDiscussion,
		"bias_violations":     slices.Clone(rc.BiasViolations),
	}
}

func asString(k string, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	}
	return "", fmt.Errorf("context key %s: want string, got %T", k, v)
}

func asBool(k string, v any) (bool, error) {
	if v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("context key %s: want bool, got %T", k, v)
	}
	return b, nil
}

func asFloat(k string, v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("context key %s: want number, got %T", k, v)
}

func asStrings(k string, v any) ([]string, error) {
	switch xs := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return slices.Clone(xs), nil
	case []any:
		out := make([]string, 0, len(xs))
		for _, x := range xs {
			s, ok := x.(string)
			if !ok {
				return nil, fmt.Errorf("context key %s: want string list, got element %T", k, x)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("context key %s: want string list, got %T", k, v)
}
