package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// AssertActions returns the guard actions. A failing assertion fails the
// step with STEP_FAILED; a passing one records true under 'key' when given.
func AssertActions(validator *validation.JSONSchemaValidator) []Action {
	return []Action{
		&assertEqualsAction{},
		&assertContainsAction{},
		&assertMatchesAction{},
		&assertSchemaAction{validator: validator},
	}
}

// normalizeJSON converts Go numeric types to float64 so that reflect.DeepEqual
// agrees with values that came through JSON.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case flow.Context:
		return normalizeJSON(map[string]any(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

func passOutput(params map[string]any) *ActionOutput {
	if key, ok := params["key"].(string); ok && key != "" {
		return &ActionOutput{Delta: flow.Context{key: true}}
	}
	return &ActionOutput{}
}

func assertionFailed(params map[string]any, def string, details map[string]any) error {
	msg := def
	if m, ok := params["message"].(string); ok && m != "" {
		msg = m
	}
	return schema.NewError(schema.ErrCodeStepFailed, msg).WithDetails(details)
}

// --- assert.equals ---

type assertEqualsAction struct{}

func (a *assertEqualsAction) Name() string { return "assert.equals" }

func (a *assertEqualsAction) Schema() ActionSchema {
	return ActionSchema{Description: "Assert that two values are deeply equal"}
}

func (a *assertEqualsAction) Validate(params map[string]any) error {
	if _, ok := params["expected"]; !ok {
		return validationErrorf("assert.equals requires 'expected' parameter")
	}
	if _, ok := params["actual"]; !ok {
		return validationErrorf("assert.equals requires 'actual' parameter")
	}
	return nil
}

func (a *assertEqualsAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	if reflect.DeepEqual(normalizeJSON(input.Params["expected"]), normalizeJSON(input.Params["actual"])) {
		return passOutput(input.Params), nil
	}
	return nil, assertionFailed(input.Params, "assertion failed: values are not equal",
		map[string]any{"expected": input.Params["expected"], "actual": input.Params["actual"]})
}

// --- assert.contains ---

type assertContainsAction struct{}

func (a *assertContainsAction) Name() string { return "assert.contains" }

func (a *assertContainsAction) Schema() ActionSchema {
	return ActionSchema{Description: "Assert that a string or array contains a value"}
}

func (a *assertContainsAction) Validate(params map[string]any) error {
	if _, ok := params["haystack"]; !ok {
		return validationErrorf("assert.contains requires 'haystack' parameter")
	}
	if _, ok := params["needle"]; !ok {
		return validationErrorf("assert.contains requires 'needle' parameter")
	}
	return nil
}

func (a *assertContainsAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	haystack := input.Params["haystack"]
	needle := input.Params["needle"]
	details := map[string]any{"haystack": haystack, "needle": needle}
	const msg = "assertion failed: value not found"

	switch hs := haystack.(type) {
	case string:
		if strings.Contains(hs, fmt.Sprintf("%v", needle)) {
			return passOutput(input.Params), nil
		}
		return nil, assertionFailed(input.Params, msg, details)
	case []any:
		normalizedNeedle := normalizeJSON(needle)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), normalizedNeedle) {
				return passOutput(input.Params), nil
			}
		}
		return nil, assertionFailed(input.Params, msg, details)
	default:
		return nil, validationErrorf("assert.contains: haystack must be string or array, got %T", haystack)
	}
}

// --- assert.matches ---

type assertMatchesAction struct{}

func (a *assertMatchesAction) Name() string { return "assert.matches" }

func (a *assertMatchesAction) Schema() ActionSchema {
	return ActionSchema{Description: "Assert that a string matches a regular expression"}
}

func (a *assertMatchesAction) Validate(params map[string]any) error {
	if _, ok := params["value"].(string); !ok {
		return validationErrorf("assert.matches requires 'value' string parameter")
	}
	pattern, ok := params["pattern"].(string)
	if !ok {
		return validationErrorf("assert.matches requires 'pattern' string parameter")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return validationErrorf("invalid regex pattern: %s", err)
	}
	return nil
}

func (a *assertMatchesAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	value, ok := input.Params["value"].(string)
	if !ok {
		value = fmt.Sprint(input.Params["value"])
	}
	pattern, _ := input.Params["pattern"].(string)

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, validationErrorf("invalid regex pattern: %s", err)
	}
	if !re.MatchString(value) {
		return nil, assertionFailed(input.Params, "assertion failed: value does not match pattern",
			map[string]any{"value": value, "pattern": pattern})
	}
	return passOutput(input.Params), nil
}

// --- assert.schema ---

type assertSchemaAction struct {
	validator *validation.JSONSchemaValidator
}

func (a *assertSchemaAction) Name() string { return "assert.schema" }

func (a *assertSchemaAction) Schema() ActionSchema {
	return ActionSchema{Description: "Assert that data conforms to a JSON Schema"}
}

func (a *assertSchemaAction) Validate(params map[string]any) error {
	if _, ok := params["data"]; !ok {
		return validationErrorf("assert.schema requires 'data' parameter")
	}
	if _, ok := params["schema"].(map[string]any); !ok {
		return validationErrorf("assert.schema requires 'schema' object parameter")
	}
	if a.validator == nil {
		return validationErrorf("assert.schema has no schema validator configured")
	}
	return nil
}

func (a *assertSchemaAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	schemaBytes, err := json.Marshal(input.Params["schema"])
	if err != nil {
		return nil, validationErrorf("failed to serialize schema: %s", err)
	}

	if err := a.validator.ValidateValue(input.Params["data"], schemaBytes); err != nil {
		details := map[string]any{"error": err.Error()}
		if fe := schema.AsFlowError(err, schema.ErrCodeValidation); fe.Details != nil {
			details["violations"] = fe.Details["violations"]
		}
		return nil, assertionFailed(input.Params, "assertion failed: data does not match schema", details)
	}
	return passOutput(input.Params), nil
}
