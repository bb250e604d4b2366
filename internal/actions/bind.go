package actions

import (
	"context"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/pkg/schema"
)

// Bind resolves step.ActionName against the registry and installs the
// resulting ActionFunc on the step. Steps that already carry an Action, or
// that are not system actions, are left untouched.
func (r *Registry) Bind(step *flow.Step) error {
	if step == nil || step.Type != schema.StepTypeSystemAction || step.Action != nil {
		return nil
	}
	if step.ActionName == "" {
		return schema.NewError(schema.ErrCodeValidation, "system_action step has no action").WithStep(step.ID)
	}
	action, err := r.Get(step.ActionName)
	if err != nil {
		return schema.AsFlowError(err, schema.ErrCodeNotFound).WithStep(step.ID)
	}
	if err := action.Validate(step.Params); err != nil {
		return schema.AsFlowError(err, schema.ErrCodeValidation).WithStep(step.ID)
	}
	step.Action = r.actionFunc(action)
	return nil
}

// BindAll binds every step in plan, stopping at the first failure.
func (r *Registry) BindAll(plan []*flow.Step) error {
	for _, s := range plan {
		if err := r.Bind(s); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) actionFunc(action Action) flow.ActionFunc {
	return func(ctx context.Context, step *flow.Step, c flow.Context) (flow.Context, error) {
		params, err := expressions.Interpolate(step.Params, c.Map())
		if err != nil {
			return nil, err
		}
		if params == nil {
			params = map[string]any{}
		}
		out, err := action.Execute(ctx, ActionInput{StepID: step.ID, Params: params, Context: c})
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}
		return out.Delta, nil
	}
}
