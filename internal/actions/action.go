package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/stepflow/internal/flow"
)

// Action is the unit of work behind a system_action step.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(params map[string]any) error
}

// ActionRegistry manages lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes the parameter contract of an action.
type ActionSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time. Params
// have already been interpolated against Context.
type ActionInput struct {
	StepID  string         `json:"step_id"`
	Params  map[string]any `json:"params"`
	Context flow.Context   `json:"context,omitempty"`
}

// ActionOutput carries the keys an action merges into the run context.
type ActionOutput struct {
	Delta flow.Context `json:"delta,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// resultKey returns the "key" parameter or def when it is absent.
func resultKey(params map[string]any, def string) string {
	if k, ok := params["key"].(string); ok && k != "" {
		return k
	}
	return def
}

// requireString returns a validation error unless params[name] is a non-empty string.
func requireString(action string, params map[string]any, name string) error {
	if s, ok := params[name].(string); !ok || s == "" {
		return validationErrorf("%s requires non-empty '%s' string parameter", action, name)
	}
	return nil
}
