package validation

import (
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// validateGraph walks the step graph from the initial step. Unreachable steps
// and cycles that never pause for input are reported as warnings; a graph with
// no reachable end is an error.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	byID := make(map[string]*schema.StepDefinition, len(def.Steps))
	for i := range def.Steps {
		byID[def.Steps[i].ID] = &def.Steps[i]
	}

	reachable := make(map[string]bool, len(def.Steps))
	queue := []string{def.InitialStep}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		step, ok := byID[id]
		if !ok {
			continue
		}
		reachable[id] = true
		for _, t := range step.Transitions {
			if !reachable[t.Target] {
				queue = append(queue, t.Target)
			}
		}
	}

	endReachable := false
	for i, s := range def.Steps {
		if !reachable[s.ID] {
			result.AddWarning(fmt.Sprintf("steps[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from %q", s.ID, def.InitialStep))
			continue
		}
		if s.Type == schema.StepTypeEnd || s.Terminal {
			endReachable = true
		}
	}
	if !endReachable {
		result.AddErrorf("steps", "no end or terminal step is reachable from %q", def.InitialStep)
	}

	if cycle := findActionCycle(def.InitialStep, byID); len(cycle) > 0 {
		result.AddWarning("steps", schema.ErrCodeValidation,
			fmt.Sprintf("cycle %v contains no user_input step and will only stop at the step limit", cycle))
	}
	return result
}

// findActionCycle returns the first cycle reachable from start made only of
// steps that never pause for input, or nil.
func findActionCycle(start string, byID map[string]*schema.StepDefinition) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(byID))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		step, ok := byID[id]
		if !ok || step.Type == schema.StepTypeUserInput || step.Type == schema.StepTypeEnd {
			return false
		}
		color[id] = gray
		path = append(path, id)
		for _, t := range step.Transitions {
			switch color[t.Target] {
			case gray:
				for i, p := range path {
					if p == t.Target {
						cycle = append(append([]string{}, path[i:]...), t.Target)
						return true
					}
				}
			case white:
				if visit(t.Target) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	// Action-only cycles can hide behind input steps, so start from every
	// reachable node rather than just the initial one.
	seen := map[string]bool{}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if color[id] == white && visit(id) {
			return cycle
		}
		if step, ok := byID[id]; ok {
			for _, t := range step.Transitions {
				queue = append(queue, t.Target)
			}
		}
	}
	return nil
}
