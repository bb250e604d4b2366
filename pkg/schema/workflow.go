package schema

import "encoding/json"

// WorkflowDefinition is the serializable form of a reusable workflow template.
// Templates are authored in YAML or JSON and compiled into runnable workflows.
type WorkflowDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name,omitempty" yaml:"name,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	InitialStep string           `json:"initial_step" yaml:"initial_step"`
	Keywords    []string         `json:"keywords,omitempty" yaml:"keywords,omitempty"` // planner routing hints
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
	Metadata    map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StepDefinition describes a single step of a workflow or plan.
type StepDefinition struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Icon        string                 `json:"icon,omitempty" yaml:"icon,omitempty"`
	Type        StepType               `json:"type" yaml:"type"`
	InputKey    string                 `json:"input_key,omitempty" yaml:"input_key,omitempty"`
	Action      string                 `json:"action,omitempty" yaml:"action,omitempty"`     // registered action name
	Params      map[string]any         `json:"params,omitempty" yaml:"params,omitempty"`     // action parameters
	Message     string                 `json:"message,omitempty" yaml:"message,omitempty"`   // static text
	Template    string                 `json:"template,omitempty" yaml:"template,omitempty"` // jq expression over context
	Transitions []TransitionDefinition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Terminal    bool                   `json:"terminal,omitempty" yaml:"terminal,omitempty"`
}

// TransitionDefinition is one ordered edge out of a step. An empty When always matches.
type TransitionDefinition struct {
	When   string `json:"when,omitempty" yaml:"when,omitempty"`
	Lang   string `json:"lang,omitempty" yaml:"lang,omitempty"` // cel | expr (default: cel)
	Target string `json:"target" yaml:"target"`
}

// StepType enumerates the kinds of steps.
type StepType string

const (
	StepTypeUserInput    StepType = "user_input"
	StepTypeSystemAction StepType = "system_action"
	StepTypeEnd          StepType = "end"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeUserInput, StepTypeSystemAction, StepTypeEnd:
		return true
	}
	return false
}

// Condition languages accepted in TransitionDefinition.Lang.
const (
	LangCEL  = "cel"
	LangExpr = "expr"
)

// ParseWorkflowDefinition decodes a JSON workflow definition.
func ParseWorkflowDefinition(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode workflow definition: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}
