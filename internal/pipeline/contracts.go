package pipeline

import "context"

// Sanitizer masks sensitive substrings. It must return a new value and leave
// the argument untouched.
type Sanitizer interface {
	Sanitize(ctx context.Context, in Input) (Input, error)
}

// Scorer maps a sanitized input to a score, conventionally in [0,1].
type Scorer interface {
	Score(ctx context.Context, in Input, tc TaskContext) (float64, error)
}

// BiasAnalyzer measures disparities for the given demographics. Empty
// demographics yield no findings.
type BiasAnalyzer interface {
	Analyze(ctx context.Context, prediction float64, demographics map[string]string) ([]BiasFinding, error)
}

// Noiser adds differential-privacy noise, charging a shared budget once per
// call.
type Noiser interface {
	AddNoise(ctx context.Context, value, sensitivity float64) (float64, error)
}

// Explainer describes a prediction.
type Explainer interface {
	Explain(ctx context.Context, prediction float64, in Input, importance map[string]float64) (Explanation, error)
}

// StatusReporter is implemented by collaborators that expose a status block
// for system status snapshots.
type StatusReporter interface {
	Status() map[string]any
}
