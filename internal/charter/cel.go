package charter

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// celCostLimit bounds a single rule evaluation.
const celCostLimit = 10000

// CELChecker evaluates a boolean CEL expression as a principle predicate.
// The expression sees:
//
//	kind            "text" or "structured"
//	text            the text, empty for structured candidates
//	fields          structured fields, empty for text
//	has_confidence  bool
//	has_reasoning   bool
//	context         the RequestContext as a map (see RequestContext.ToMap)
//
// true means the principle passes.
type CELChecker struct {
	expr string
	prg  cel.Program
}

// NewCELChecker compiles expr. It fails if the expression does not type-check
// to bool.
func NewCELChecker(expr string) (*CELChecker, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("text", cel.StringType),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("has_confidence", cel.BoolType),
		cel.Variable("has_reasoning", cel.BoolType),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile rule %q: %w", expr, issues.Err())
	}
	if ot := ast.OutputType(); !ot.IsExactType(cel.BoolType) && !ot.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("rule %q must evaluate to bool, got %s", expr, ot)
	}

	prg, err := env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program rule %q: %w", expr, err)
	}
	return &CELChecker{expr: expr, prg: prg}, nil
}

// Expr returns the source expression.
func (c *CELChecker) Expr() string { return c.expr }

func (c *CELChecker) Check(cand Candidate, rc RequestContext) (Outcome, error) {
	text, _ := cand.Text()
	fields := cand.Fields()
	if fields == nil {
		fields = map[string]any{}
	}
	ctx := rc.ToMap()
	if rc.BiasViolations == nil {
		ctx["bias_violations"] = []string{}
	}

	out, _, err := c.prg.Eval(map[string]any{
		"kind":           cand.Kind().String(),
		"text":           text,
		"fields":         fields,
		"has_confidence": cand.HasConfidence(),
		"has_reasoning":  cand.HasReasoning(),
		"context":        ctx,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("eval rule: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return Outcome{}, fmt.Errorf("rule result not boolean")
	}
	if !ok {
		return Fail("rule %s", c.expr), nil
	}
	return Pass(), nil
}
