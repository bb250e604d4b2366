package validation

import (
	"errors"

	"github.com/rendis/stepflow/pkg/schema"
)

// WorkflowValidator runs the validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (references, per-type requirements, expression syntax)
// 3. Graph (end reachability, unreachable steps, action-only cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	checks     checkers
}

// Option configures a WorkflowValidator.
type Option func(*WorkflowValidator)

// WithActions enables action registration checks.
func WithActions(lookup ActionLookup) Option {
	return func(wv *WorkflowValidator) { wv.checks.actions = lookup }
}

// WithConditionCompiler enables condition syntax checks.
func WithConditionCompiler(c ConditionCompiler) Option {
	return func(wv *WorkflowValidator) { wv.checks.conditions = c }
}

// WithTemplateCompiler enables message template syntax checks.
func WithTemplateCompiler(c TemplateCompiler) Option {
	return func(wv *WorkflowValidator) { wv.checks.templates = c }
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator(opts ...Option) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	wv := &WorkflowValidator{jsonSchema: jsv}
	for _, opt := range opts {
		opt(wv)
	}
	return wv, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddErrorf("/", "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.checks))

	// Graph analysis assumes every reference resolves.
	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// Schemas exposes the underlying JSON Schema validator.
func (wv *WorkflowValidator) Schemas() *JSONSchemaValidator {
	return wv.jsonSchema
}

func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}

var (
	_ Validator = (*WorkflowValidator)(nil)
	_ Validator = (*JSONSchemaValidator)(nil)
)
