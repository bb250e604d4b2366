package actions

import (
	"context"

	"github.com/rendis/stepflow/internal/flow"
)

// ContextActions returns the context manipulation actions.
func ContextActions() []Action {
	return []Action{&contextSetAction{}}
}

// --- context.set ---

type contextSetAction struct{}

func (a *contextSetAction) Name() string { return "context.set" }

func (a *contextSetAction) Schema() ActionSchema {
	return ActionSchema{Description: "Merge fixed or interpolated values into the context"}
}

func (a *contextSetAction) Validate(params map[string]any) error {
	if _, ok := params["values"].(map[string]any); !ok {
		return validationErrorf("context.set requires 'values' object parameter")
	}
	return nil
}

func (a *contextSetAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	values, _ := input.Params["values"].(map[string]any)
	return &ActionOutput{Delta: flow.Context(values).Clone()}, nil
}
