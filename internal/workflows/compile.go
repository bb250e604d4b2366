package workflows

import (
	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/pkg/schema"
)

// Compile turns a definition into a runnable workflow graph. Actions are not
// bound here.
func Compile(def *schema.WorkflowDefinition) *flow.Workflow {
	wf := &flow.Workflow{
		ID:            def.ID,
		Name:          def.Name,
		Description:   def.Description,
		InitialStepID: def.InitialStep,
		Keywords:      append([]string(nil), def.Keywords...),
		Steps:         make(map[string]*flow.Step, len(def.Steps)),
	}
	for _, sd := range def.Steps {
		s := CompileStep(sd)
		wf.Steps[s.ID] = s
	}
	return wf
}

// CompileStep converts one declarative step into a pending flow step.
func CompileStep(sd schema.StepDefinition) *flow.Step {
	s := &flow.Step{
		ID:          sd.ID,
		Name:        sd.Name,
		Description: sd.Description,
		Icon:        sd.Icon,
		Type:        sd.Type,
		Status:      schema.StepStatusPending,
		InputKey:    sd.InputKey,
		ActionName:  sd.Action,
		Message:     sd.Message,
		Template:    sd.Template,
		Terminal:    sd.Terminal,
	}
	if sd.Params != nil {
		s.Params = flow.Context(sd.Params).Clone()
	}
	for _, t := range sd.Transitions {
		s.Transitions = append(s.Transitions, flow.Transition{When: t.When, Lang: t.Lang, Target: t.Target})
	}
	return s
}

// Linearize orders the steps reachable from the initial step breadth first,
// following transitions in declared order. The result is a fresh plan of
// pending step copies starting at the initial step.
func Linearize(wf *flow.Workflow) []*flow.Step {
	start, ok := wf.Steps[wf.InitialStepID]
	if !ok {
		return nil
	}
	seen := map[string]bool{start.ID: true}
	queue := []*flow.Step{start}
	var plan []*flow.Step
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]

		c := s.Clone()
		c.Status = schema.StepStatusPending
		c.Result, c.Error, c.StartedAt, c.CompletedAt = nil, nil, nil, nil
		plan = append(plan, c)

		for _, t := range s.Transitions {
			next, ok := wf.Steps[t.Target]
			if !ok || seen[next.ID] {
				continue
			}
			seen[next.ID] = true
			queue = append(queue, next)
		}
	}
	return plan
}
