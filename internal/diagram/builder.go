package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/pkg/schema"
)

// FromWorkflow builds the model of a workflow template. Nodes are laid out
// breadth first from the initial step; unreachable steps form a last level.
func FromWorkflow(wf *flow.Workflow) (*DiagramModel, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: workflow is nil")
	}
	if _, ok := wf.Steps[wf.InitialStepID]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "diagram: initial step %q does not exist", wf.InitialStepID)
	}

	title := wf.Name
	if title == "" {
		title = wf.ID
	}
	steps := make([]*flow.Step, 0, len(wf.Steps))
	for _, id := range wf.StepIDs() {
		steps = append(steps, wf.Steps[id])
	}
	return build(title, wf.InitialStepID, steps, ""), nil
}

// FromPlan builds the model of a task plan with step statuses overlaid.
// haltStepID, if set, is marked as the current step.
func FromPlan(title string, plan []*flow.Step, haltStepID string) (*DiagramModel, error) {
	if len(plan) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: plan has no steps")
	}
	linked := flow.ClonePlan(plan)
	flow.LinkPlan(linked)
	if title == "" {
		title = "Task"
	}
	return build(title, linked[0].ID, linked, haltStepID), nil
}

func build(title, initial string, steps []*flow.Step, haltStepID string) *DiagramModel {
	byID := make(map[string]*flow.Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	m := &DiagramModel{Title: title}
	m.Nodes = append(m.Nodes, &Node{ID: StartNodeID, Label: "Start", Kind: NodeKindStart})
	m.Edges = append(m.Edges, Edge{From: StartNodeID, To: initial})

	for _, s := range steps {
		m.Nodes = append(m.Nodes, &Node{
			ID:      s.ID,
			Label:   nodeLabel(s),
			Kind:    stepKind(s.Type),
			Status:  string(s.Status),
			Current: s.ID == haltStepID,
		})
		for _, t := range s.Transitions {
			if _, ok := byID[t.Target]; !ok {
				continue
			}
			m.Edges = append(m.Edges, Edge{From: s.ID, To: t.Target, Label: t.When})
		}
	}

	m.Levels = buildLevels(initial, steps, byID)
	return m
}

// buildLevels groups steps by their BFS depth from initial.
func buildLevels(initial string, steps []*flow.Step, byID map[string]*flow.Step) [][]string {
	levels := [][]string{{StartNodeID}}
	seen := map[string]bool{initial: true}
	frontier := []string{initial}

	for len(frontier) > 0 {
		levels = append(levels, frontier)
		var next []string
		for _, id := range frontier {
			for _, t := range byID[id].Transitions {
				if _, ok := byID[t.Target]; !ok || seen[t.Target] {
					continue
				}
				seen[t.Target] = true
				next = append(next, t.Target)
			}
		}
		sort.Strings(next)
		frontier = next
	}

	var orphans []string
	for _, s := range steps {
		if !seen[s.ID] {
			orphans = append(orphans, s.ID)
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return levels
}

func stepKind(t schema.StepType) NodeKind {
	switch t {
	case schema.StepTypeUserInput:
		return NodeKindInput
	case schema.StepTypeEnd:
		return NodeKindEnd
	default:
		return NodeKindAction
	}
}

// nodeLabel is the step id, followed by the action or input key on a second line.
func nodeLabel(s *flow.Step) string {
	switch {
	case s.ActionName != "":
		return fmt.Sprintf("%s\n(%s)", s.ID, s.ActionName)
	case s.InputKey != "":
		return fmt.Sprintf("%s\n(%s)", s.ID, s.InputKey)
	}
	return s.ID
}
