package flow

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// ConditionEvaluator evaluates string conditions attached to transitions.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, lang, expression string, c Context) (bool, error)
}

// MessageRenderer renders template messages against a context.
type MessageRenderer interface {
	Render(ctx context.Context, template string, c Context) (string, error)
}

// Resolver picks the next step from a step's ordered transitions.
type Resolver struct {
	eval ConditionEvaluator
}

// NewResolver creates a resolver. eval may be nil when no transition uses a string condition.
func NewResolver(eval ConditionEvaluator) *Resolver {
	return &Resolver{eval: eval}
}

// Next returns the target of the first transition of step that matches c.
// Declared order is authoritative. A step with no matching transition, or a
// condition that cannot be evaluated, yields a TRANSITION_ERROR.
func (r *Resolver) Next(ctx context.Context, step *Step, c Context) (string, error) {
	for i, t := range step.Transitions {
		ok, err := r.matches(ctx, t, c)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeTransition, "evaluate transition %d: %s", i, err.Error()).
				WithStep(step.ID).WithCause(err)
		}
		if ok {
			return t.Target, nil
		}
	}
	return "", schema.NewError(schema.ErrCodeTransition, "no matching transition").
		WithStep(step.ID).
		WithDetails(map[string]any{"transitions": len(step.Transitions)})
}

func (r *Resolver) matches(ctx context.Context, t Transition, c Context) (bool, error) {
	switch {
	case t.Condition != nil:
		return t.Condition(c), nil
	case t.When == "":
		return true, nil
	case r.eval == nil:
		return false, schema.NewErrorf(schema.ErrCodeExpression, "no evaluator for condition %q", t.When)
	default:
		return r.eval.Evaluate(ctx, t.Lang, t.When, c)
	}
}

// Render produces the message for step: its MessageFunc, then its template, then the static text.
func Render(ctx context.Context, renderer MessageRenderer, step *Step, c Context) (string, error) {
	switch {
	case step.Render != nil:
		return step.Render(c), nil
	case step.Template != "" && renderer != nil:
		return renderer.Render(ctx, step.Template, c)
	default:
		return step.Message, nil
	}
}
