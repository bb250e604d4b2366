package validation

import (
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// checkers bundles the optional lookups used by the semantic stage. Nil
// members skip their checks.
type checkers struct {
	actions    ActionLookup
	conditions ConditionCompiler
	templates  TemplateCompiler
}

// validateSemantic checks references and per-type requirements: the initial
// step exists, transition targets exist, actions are registered, and
// conditions and templates compile.
func validateSemantic(def *schema.WorkflowDefinition, c checkers) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	if !stepIDs[def.InitialStep] {
		result.AddErrorf("initial_step", "references non-existent step %q", def.InitialStep)
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&def.Steps[i], path, stepIDs, c, result)
	}
	return result
}

func validateStepSemantic(step *schema.StepDefinition, path string, stepIDs map[string]bool, c checkers, result *schema.ValidationResult) {
	switch step.Type {
	case schema.StepTypeUserInput:
		if step.InputKey == "" {
			result.AddErrorf(path+".input_key", "user_input step requires an input_key")
		}
		if step.Action != "" {
			result.AddWarning(path+".action", schema.ErrCodeValidation, "action on a user_input step is ignored")
		}
	case schema.StepTypeSystemAction:
		if step.Action == "" {
			result.AddErrorf(path+".action", "system_action step requires an action")
		} else if c.actions != nil && !c.actions.Has(step.Action) {
			result.AddError(path+".action", schema.ErrCodeNotFound,
				fmt.Sprintf("action %q not registered", step.Action))
		}
	case schema.StepTypeEnd:
		if len(step.Transitions) > 0 {
			result.AddWarning(path+".transitions", schema.ErrCodeValidation, "transitions on an end step are never taken")
		}
	}

	if step.Type != schema.StepTypeEnd && !step.Terminal && len(step.Transitions) == 0 {
		result.AddErrorf(path+".transitions", "non-terminal step has no transitions")
	}

	for j, t := range step.Transitions {
		tPath := fmt.Sprintf("%s.transitions[%d]", path, j)
		if !stepIDs[t.Target] {
			result.AddErrorf(tPath+".target", "references non-existent step %q", t.Target)
		}
		if t.When == "" {
			if j < len(step.Transitions)-1 {
				result.AddWarning(tPath, schema.ErrCodeValidation,
					"unconditional transition shadows the transitions after it")
			}
			continue
		}
		if c.conditions != nil {
			if err := c.conditions.Compile(t.Lang, t.When); err != nil {
				result.AddErrorf(tPath+".when", "condition does not compile: %s", messageOf(err))
			}
		}
	}

	if step.Template != "" && c.templates != nil {
		if err := c.templates.Compile(step.Template); err != nil {
			result.AddErrorf(path+".template", "template does not compile: %s", messageOf(err))
		}
	}
}

func messageOf(err error) string {
	if fe := schema.AsFlowError(err, schema.ErrCodeValidation); fe != nil {
		return fe.Message
	}
	return ""
}
