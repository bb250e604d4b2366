package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/internal/workflows"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultMaxPlanSteps bounds the size of a generated plan.
const DefaultMaxPlanSteps = 32

// ActionCatalog lists the actions a generated plan may reference.
type ActionCatalog interface {
	List() []actions.ActionInfo
	Has(name string) bool
}

// LLMPlanner asks a language model for a JSON step list and checks it
// against the plan schema before accepting it.
type LLMPlanner struct {
	model    llms.Model
	schemas  *validation.JSONSchemaValidator
	actions  ActionCatalog
	maxSteps int
	logger   *slog.Logger
}

// LLMOption configures an LLMPlanner.
type LLMOption func(*LLMPlanner)

// WithMaxPlanSteps overrides DefaultMaxPlanSteps.
func WithMaxPlanSteps(n int) LLMOption {
	return func(p *LLMPlanner) {
		if n > 0 {
			p.maxSteps = n
		}
	}
}

// WithPlannerLogger sets the logger.
func WithPlannerLogger(l *slog.Logger) LLMOption {
	return func(p *LLMPlanner) { p.logger = l }
}

// NewLLMPlanner creates an LLMPlanner.
func NewLLMPlanner(model llms.Model, schemas *validation.JSONSchemaValidator, catalog ActionCatalog, opts ...LLMOption) *LLMPlanner {
	p := &LLMPlanner{
		model:    model,
		schemas:  schemas,
		actions:  catalog,
		maxSteps: DefaultMaxPlanSteps,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type generatedPlan struct {
	Steps []schema.StepDefinition `json:"steps"`
}

// Plan generates a plan for req.Prompt. Malformed model output is a PLANNER_ERROR.
func (p *LLMPlanner) Plan(ctx context.Context, req Request) (*Plan, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "prompt is required")
	}

	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(p.systemPrompt())}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(userPrompt(req))}},
	}
	resp, err := p.model.GenerateContent(ctx, messages, llms.WithTemperature(0))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodePlanner, "model call failed").WithCause(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, schema.NewError(schema.ErrCodePlanner, "model returned no choices")
	}

	raw := extractJSON(resp.Choices[0].Content)
	if err := p.schemas.ValidateJSON([]byte(raw), []byte(validation.PlanSchemaJSON)); err != nil {
		fe := schema.AsFlowError(err, schema.ErrCodeValidation)
		p.logger.WarnContext(ctx, "generated plan rejected", slog.String("error", fe.Message))
		return nil, schema.NewErrorf(schema.ErrCodePlanner, "generated plan is invalid: %s", fe.Message).
			WithCause(err).
			WithDetails(fe.Details)
	}

	var gen generatedPlan
	if err := json.Unmarshal([]byte(raw), &gen); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePlanner, "decode generated plan: %s", err.Error()).WithCause(err)
	}
	if err := p.check(gen.Steps); err != nil {
		return nil, err
	}

	steps := make([]*flow.Step, len(gen.Steps))
	for i, sd := range gen.Steps {
		steps[i] = workflows.CompileStep(sd)
	}
	p.logger.InfoContext(ctx, "plan generated", slog.Int("steps", len(steps)))
	return &Plan{Source: SourceLLM, Steps: steps}, nil
}

func (p *LLMPlanner) check(steps []schema.StepDefinition) error {
	if len(steps) > p.maxSteps {
		return schema.NewErrorf(schema.ErrCodePlanner, "generated plan has %d steps, limit is %d", len(steps), p.maxSteps)
	}
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		if ids[s.ID] {
			return schema.NewErrorf(schema.ErrCodePlanner, "generated plan repeats step id %q", s.ID)
		}
		ids[s.ID] = true
	}
	for _, s := range steps {
		switch s.Type {
		case schema.StepTypeUserInput:
			if s.InputKey == "" {
				return schema.NewErrorf(schema.ErrCodePlanner, "user_input step %q has no input_key", s.ID)
			}
		case schema.StepTypeSystemAction:
			if !p.actions.Has(s.Action) {
				return schema.NewErrorf(schema.ErrCodePlanner, "step %q uses unknown action %q", s.ID, s.Action)
			}
		}
		for _, t := range s.Transitions {
			if !ids[t.Target] {
				return schema.NewErrorf(schema.ErrCodePlanner, "step %q transitions to unknown step %q", s.ID, t.Target)
			}
		}
	}
	return nil
}

func (p *LLMPlanner) systemPrompt() string {
	var b strings.Builder
	b.WriteString(`You plan tasks for a workflow engine. Reply with a single JSON object and nothing else:
{"steps": [{"id": "...", "type": "user_input" | "system_action" | "end", ...}]}

Step fields:
- id: unique, letters, digits, "_", "-" or "."
- type "user_input": ask the user; requires "input_key" (context key for the answer) and a "message".
- type "system_action": requires "action" (one of the actions below) and "params".
  Params may reference context values as ${{ context.key }}.
- type "end": finishes the task; optional "message".
- transitions (optional): ordered [{"when": "<CEL over context>", "target": "<step id>"}]; the first match wins.
  Without transitions a step continues with the next step in the list.

Available actions:
`)
	for _, a := range p.actions.List() {
		fmt.Fprintf(&b, "- %s: %s\n", a.Name, a.Description)
	}
	fmt.Fprintf(&b, "\nUse at most %d steps.", p.maxSteps)
	return b.String()
}

func userPrompt(req Request) string {
	if len(req.Context) == 0 {
		return req.Prompt
	}
	ctxJSON, err := json.Marshal(req.Context)
	if err != nil {
		return req.Prompt
	}
	return req.Prompt + "\n\nKnown context:\n" + string(ctxJSON)
}

// extractJSON strips markdown fences and surrounding prose from a model reply.
func extractJSON(reply string) string {
	s := strings.TrimSpace(reply)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			return s[i : j+1]
		}
	}
	return s
}
