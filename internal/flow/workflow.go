package flow

import (
	"sort"

	"github.com/rendis/stepflow/pkg/schema"
)

// Workflow is a reusable step graph driven turn by turn by the session engine.
type Workflow struct {
	ID            string
	Name          string
	Description   string
	InitialStepID string
	Keywords      []string
	Steps         map[string]*Step
}

// Step looks up a step by id.
func (w *Workflow) Step(id string) (*Step, error) {
	s, ok := w.Steps[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTransition, "workflow %q has no step %q", w.ID, id).
			WithStep(id)
	}
	return s, nil
}

// StepIDs returns the step ids in sorted order.
func (w *Workflow) StepIDs() []string {
	ids := make([]string, 0, len(w.Steps))
	for id := range w.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the structural integrity of the graph: the initial step
// exists, every transition target exists, and every step is well formed.
func (w *Workflow) Validate() error {
	r := &schema.ValidationResult{}
	if w.ID == "" {
		r.AddErrorf("id", "workflow id is required")
	}
	if _, ok := w.Steps[w.InitialStepID]; !ok {
		r.AddErrorf("initial_step", "initial step %q does not exist", w.InitialStepID)
	}
	for _, id := range w.StepIDs() {
		s := w.Steps[id]
		path := "steps." + id
		r.Merge(checkStep(path, s))
		for i, t := range s.Transitions {
			if _, ok := w.Steps[t.Target]; !ok {
				r.AddErrorf(path+".transitions", "transition %d targets unknown step %q", i, t.Target)
			}
		}
	}
	return r.ToError()
}

func checkStep(path string, s *Step) *schema.ValidationResult {
	r := &schema.ValidationResult{}
	if !s.Type.Valid() {
		r.AddErrorf(path+".type", "unknown step type %q", s.Type)
		return r
	}
	switch s.Type {
	case schema.StepTypeUserInput:
		if s.InputKey == "" {
			r.AddErrorf(path+".input_key", "user_input step requires an input_key")
		}
	case schema.StepTypeSystemAction:
		if s.Action == nil && s.ActionName == "" {
			r.AddErrorf(path+".action", "system_action step requires an action")
		}
	}
	if s.Type != schema.StepTypeEnd && !s.Terminal && len(s.Transitions) == 0 {
		r.AddErrorf(path+".transitions", "non-terminal step has no transitions")
	}
	return r
}
