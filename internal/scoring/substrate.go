// Package scoring holds the scoring collaborators: an in-process substrate
// and a gRPC client for a remote scoring service.
package scoring

import (
	"context"
	"encoding/json"
	"maps"
	"slices"

	"github.com/NeuralBlitz/NBOS-Web/internal/pipeline"
)

// NeutralScore is returned when an input carries no usable features.
const NeutralScore = 0.5

// Substrate scores field inputs by averaging their values. Non-numeric
// values count as NeutralScore; text inputs score NeutralScore.
type Substrate struct{}

func (Substrate) Score(ctx context.Context, in pipeline.Input, _ pipeline.TaskContext) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fields := in.Fields()
	if in.IsText() || len(fields) == 0 {
		return NeutralScore, nil
	}
	// Sorted keys keep the float sum identical across calls.
	var sum float64
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		if f, ok := numeric(fields[k]); ok {
			sum += f
		} else {
			sum += NeutralScore
		}
	}
	return sum / float64(len(fields)), nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
