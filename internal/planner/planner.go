// Package planner turns a free-text request into an executable step plan.
package planner

import (
	"context"
	"errors"

	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/pkg/schema"
)

// Request is what a caller asks stepflow to do.
type Request struct {
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context,omitempty"`
	// WorkflowID skips routing and plans the named workflow.
	WorkflowID string `json:"workflow_id,omitempty"`
}

// Plan is an ordered list of pending steps. Steps[0] runs first.
type Plan struct {
	Source     string       `json:"source"`
	WorkflowID string       `json:"workflow_id,omitempty"`
	Steps      []*flow.Step `json:"steps"`
}

// Planner produces plans.
type Planner interface {
	Plan(ctx context.Context, req Request) (*Plan, error)
}

// Sources recorded on plans.
const (
	SourceTemplate = "template"
	SourceLLM      = "llm"
)

// Chain tries each planner in order and returns the first plan produced.
// Only PLANNER_ERROR failures fall through to the next planner.
func Chain(planners ...Planner) Planner {
	return chain(planners)
}

type chain []Planner

func (c chain) Plan(ctx context.Context, req Request) (*Plan, error) {
	var errs []error
	for _, p := range c {
		plan, err := p.Plan(ctx, req)
		if err == nil {
			return plan, nil
		}
		if !schema.IsCode(err, schema.ErrCodePlanner) {
			return nil, err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, schema.NewError(schema.ErrCodePlanner, "no planner configured")
	}
	return nil, schema.NewError(schema.ErrCodePlanner, "no planner could plan the request").
		WithCause(errors.Join(errs...))
}
