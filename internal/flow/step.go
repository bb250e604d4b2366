package flow

import (
	"context"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// ActionFunc performs the work of a system action step. It receives a copy of
// the current context and returns the keys to merge back into it.
type ActionFunc func(ctx context.Context, step *Step, c Context) (Context, error)

// MessageFunc renders a step's message against the current context.
type MessageFunc func(c Context) string

// Predicate decides whether a transition is taken.
type Predicate func(c Context) bool

// Transition is one ordered edge out of a step. Condition takes precedence
// over When; a transition with neither always matches.
type Transition struct {
	Condition Predicate `json:"-"`
	When      string    `json:"when,omitempty"`
	Lang      string    `json:"lang,omitempty"`
	Target    string    `json:"target"`
}

// Unconditional reports whether the transition matches any context.
func (t Transition) Unconditional() bool {
	return t.Condition == nil && t.When == ""
}

// Step is one unit of work in a plan or workflow.
type Step struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Icon        string            `json:"icon,omitempty"`
	Type        schema.StepType   `json:"type"`
	Status      schema.StepStatus `json:"status"`
	InputKey    string            `json:"input_key,omitempty"`
	ActionName  string            `json:"action,omitempty"`
	Params      map[string]any    `json:"params,omitempty"`
	Message     string            `json:"message,omitempty"`
	Template    string            `json:"template,omitempty"`
	Transitions []Transition      `json:"transitions,omitempty"`
	Terminal    bool              `json:"terminal,omitempty"`
	Result      Context           `json:"result,omitempty"`
	Error       *schema.FlowError `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`

	Action ActionFunc  `json:"-"`
	Render MessageFunc `json:"-"`
}

// Ends reports whether reaching this step finishes the run once it completes.
func (s *Step) Ends() bool {
	return s.Type == schema.StepTypeEnd || s.Terminal
}

// Clone copies the step, including its bound functions. Result and Params are deep copied.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	out := *s
	if s.Params != nil {
		out.Params = Context(s.Params).Clone()
	}
	if s.Result != nil {
		out.Result = s.Result.Clone()
	}
	if s.Transitions != nil {
		out.Transitions = append([]Transition(nil), s.Transitions...)
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// ClonePlan copies every step of plan.
func ClonePlan(plan []*Step) []*Step {
	if plan == nil {
		return nil
	}
	out := make([]*Step, len(plan))
	for i, s := range plan {
		out[i] = s.Clone()
	}
	return out
}

// LinkPlan gives every step without transitions an unconditional edge to the
// following step and marks the last such step terminal. Pending statuses are
// filled in. Declared transitions are left untouched.
func LinkPlan(plan []*Step) {
	for i, s := range plan {
		if s.Status == "" {
			s.Status = schema.StepStatusPending
		}
		if len(s.Transitions) > 0 || s.Type == schema.StepTypeEnd {
			continue
		}
		if i+1 < len(plan) {
			s.Transitions = []Transition{{Target: plan[i+1].ID}}
			continue
		}
		s.Terminal = true
	}
}

// FindStep returns the step of plan with the given id.
func FindStep(plan []*Step, id string) (*Step, bool) {
	for _, s := range plan {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}
