package actions

import (
	"context"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/flow"
)

// ExprActions returns all expression evaluation actions.
func ExprActions() []Action {
	return []Action{
		&exprEvalAction{engine: expressions.NewExprEngine()},
	}
}

// --- expr.eval ---

type exprEvalAction struct {
	engine *expressions.ExprEngine
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate an Expr expression against the context and store the result under 'key'",
	}
}

func (a *exprEvalAction) Validate(params map[string]any) error {
	return requireString("expr.eval", params, "expression")
}

func (a *exprEvalAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	expression, _ := input.Params["expression"].(string)

	// Context keys are top-level variables; explicit data is exposed as "data".
	scope := input.Context.Clone().Map()
	if data, ok := input.Params["data"]; ok {
		scope["data"] = data
	}

	result, err := a.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Delta: flow.Context{resultKey(input.Params, "result"): result}}, nil
}
