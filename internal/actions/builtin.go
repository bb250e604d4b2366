package actions

import (
	"github.com/tmc/langchaingo/llms"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// BuiltinDeps are the collaborators built-in actions need. A nil Model leaves
// llm.complete unregistered.
type BuiltinDeps struct {
	Validator *validation.JSONSchemaValidator
	JQ        *expressions.GoJQEngine
	Model     llms.Model
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}

	all := make([]Action, 0, 16)
	all = append(all, ContextActions()...)
	all = append(all, ExprActions()...)
	all = append(all, JQActions(deps.JQ)...)
	all = append(all, AssertActions(deps.Validator)...)
	if deps.Model != nil {
		all = append(all, LLMActions(deps.Model)...)
	}

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

func validationErrorf(format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, format, args...)
}
