package actions

import (
	"context"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/flow"
)

// JQActions returns the jq data reshaping actions.
func JQActions(engine *expressions.GoJQEngine) []Action {
	return []Action{&jqTransformAction{engine: engine}}
}

// --- jq.transform ---

type jqTransformAction struct {
	engine *expressions.GoJQEngine
}

func (a *jqTransformAction) Name() string { return "jq.transform" }

func (a *jqTransformAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Run a jq program over the context (or 'data') and store the output under 'key', or merge it when the output is an object and no key is given",
	}
}

func (a *jqTransformAction) Validate(params map[string]any) error {
	if err := requireString("jq.transform", params, "expression"); err != nil {
		return err
	}
	return a.engine.Compile(params["expression"].(string))
}

func (a *jqTransformAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	expression, _ := input.Params["expression"].(string)

	data := input.Context.Clone().Map()
	if d, ok := input.Params["data"].(map[string]any); ok {
		data = d
	}

	out, err := a.engine.EvaluateNormalized(ctx, expression, data)
	if err != nil {
		return nil, err
	}

	if key, ok := input.Params["key"].(string); ok && key != "" {
		return &ActionOutput{Delta: flow.Context{key: out}}, nil
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return nil, validationErrorf("jq.transform: output is %T; set 'key' to store non-object results", out)
	}
	return &ActionOutput{Delta: flow.Context(obj)}, nil
}
