package validation

import "github.com/rendis/stepflow/pkg/schema"

// Validator checks workflow definitions before they are compiled.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ActionLookup reports whether an action name is registered.
type ActionLookup interface {
	Has(name string) bool
}

// ConditionCompiler checks transition condition syntax without evaluating it.
type ConditionCompiler interface {
	Compile(lang, expression string) error
}

// TemplateCompiler checks message template syntax without rendering it.
type TemplateCompiler interface {
	Compile(expression string) error
}
