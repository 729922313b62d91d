// Package explain is the default explanation collaborator.
package explain

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/NeuralBlitz/NBOS-Web/internal/pipeline"
)

const maxFactors = 3

// Explainer implements pipeline.Explainer and keeps a log of what it
// produced for quality audits.
type Explainer struct {
	logger *zap.Logger

	mu      sync.Mutex
	log     []pipeline.Explanation
	complex int // explanations that failed VerifySimplicity
}

func New(logger *zap.Logger) *Explainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Explainer{logger: logger}
}

// #region explain

// Explain cites the (up to) three features with the largest absolute
// importance.
func (e *Explainer) Explain(ctx context.Context, prediction float64, in pipeline.Input, importance map[string]float64) (pipeline.Explanation, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Explanation{}, err
	}

	top := topFactors(importance, maxFactors)
	out := pipeline.Explanation{
		Text:           narrative(prediction, top),
		ReasoningType:  fmt.Sprintf("Based on %d key factors", len(top)),
		TopFactors:     top,
		Counterfactual: counterfactual(in, top),
		Confidence:     math.Min(1.0, math.Max(0.5, float64(len(top))/5)),
	}

	simple := e.VerifySimplicity(out.Text)

	e.mu.Lock()
	e.log = append(e.log, out.Clone())
	if !simple {
		e.complex++
	}
	e.mu.Unlock()

	e.logger.Debug("generated explanation", zap.String("explanation", out.Text))
	return out, nil
}

func topFactors(importance map[string]float64, n int) []pipeline.Factor {
	factors := make([]pipeline.Factor, 0, len(importance))
	for k, v := range importance {
		factors = append(factors, pipeline.Factor{Feature: k, Importance: v})
	}
	slices.SortFunc(factors, func(a, b pipeline.Factor) int {
		if c := cmp.Compare(math.Abs(b.Importance), math.Abs(a.Importance)); c != 0 {
			return c
		}
		return strings.Compare(a.Feature, b.Feature)
	})
	if len(factors) > n {
		factors = factors[:n]
	}
	return factors
}

func narrative(prediction float64, top []pipeline.Factor) string {
	if len(top) == 0 {
		return "Unable to determine key factors."
	}
	primary := top[0]
	direction := "somewhat"
	if math.Abs(primary.Importance) > 0.5 {
		direction = "positively"
		if primary.Importance < 0 {
			direction = "negatively"
		}
	}
	s := fmt.Sprintf("The prediction of %.2f is primarily driven by %s, which %s influences the outcome.",
		prediction, primary.Feature, direction)
	if len(top) > 1 {
		s += fmt.Sprintf(" Additionally, %s plays a secondary role.", top[1].Feature)
	}
	return s
}

func counterfactual(in pipeline.Input, top []pipeline.Factor) string {
	if len(top) == 0 {
		return "No clear counterfactual available."
	}
	primary := top[0].Feature
	current := any("unknown")
	if v, ok := in.Get(primary); ok {
		current = v
	}
	return fmt.Sprintf("To achieve a different outcome, adjust %s (currently: %v).", primary, current)
}

// #endregion explain

// #region quality

// VerifySimplicity reports whether text is short-worded and short-sentenced
// enough for a lay reader.
func (e *Explainer) VerifySimplicity(text string) bool {
	words := strings.Fields(text)
	var avgWord float64
	if len(words) > 0 {
		total := 0
		for _, w := range words {
			total += len([]rune(w))
		}
		avgWord = float64(total) / float64(len(words))
	}
	sentences := strings.Split(text, ".")
	avgSentence := float64(len(words)) / float64(len(sentences))

	simple := avgWord < 7 && avgSentence < 20
	if !simple {
		e.logger.Warn("explanation may be too complex",
			zap.Float64("word_len", avgWord),
			zap.Float64("sentence_len", avgSentence),
		)
	}
	return simple
}

// Quality is the aggregate of every explanation produced.
type Quality struct {
	Total          int     `json:"total_explanations"`
	AvgConfidence  float64 `json:"avg_confidence"`
	AvgFactorsCite float64 `json:"avg_factors_cited"`
	Complex        int     `json:"complex_explanations"`
	Rating         string  `json:"quality"`
}

// AuditQuality rates explanations "good" when average confidence exceeds
// 0.7, "fair" otherwise.
func (e *Explainer) AuditQuality() Quality {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.log) == 0 {
		return Quality{Rating: "no_explanations_generated"}
	}
	var conf, factors float64
	for _, x := range e.log {
		conf += x.Confidence
		factors += float64(len(x.TopFactors))
	}
	n := float64(len(e.log))
	q := Quality{
		Total:          len(e.log),
		AvgConfidence:  conf / n,
		AvgFactorsCite: factors / n,
		Complex:        e.complex,
		Rating:         "fair",
	}
	if q.AvgConfidence > 0.7 {
		q.Rating = "good"
	}
	return q
}

// Generated returns how many explanations were produced.
func (e *Explainer) Generated() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.log)
}

// Status renders the quality audit for system status snapshots.
func (e *Explainer) Status() map[string]any {
	q := e.AuditQuality()
	return map[string]any{
		"explanations_generated": q.Total,
		"avg_confidence":         q.AvgConfidence,
		"complex_explanations":   q.Complex,
		"quality":                q.Rating,
	}
}

// #endregion quality
