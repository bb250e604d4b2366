package actions

import (
	"context"

	"github.com/tmc/langchaingo/llms"

	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/pkg/schema"
)

// LLMActions returns the language model actions backed by model.
func LLMActions(model llms.Model) []Action {
	return []Action{&llmCompleteAction{model: model}}
}

// --- llm.complete ---

type llmCompleteAction struct {
	model llms.Model
}

func (a *llmCompleteAction) Name() string { return "llm.complete" }

func (a *llmCompleteAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Send 'prompt' (and optional 'system') to the configured model and store the reply under 'key'",
	}
}

func (a *llmCompleteAction) Validate(params map[string]any) error {
	return requireString("llm.complete", params, "prompt")
}

func (a *llmCompleteAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	prompt, _ := input.Params["prompt"].(string)

	var messages []llms.MessageContent
	if system, ok := input.Params["system"].(string); ok && system != "" {
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(prompt)},
	})

	var opts []llms.CallOption
	if t, ok := input.Params["temperature"].(float64); ok {
		opts = append(opts, llms.WithTemperature(t))
	}

	resp, err := a.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "llm.complete: model call failed").WithCause(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "llm.complete: model returned no choices")
	}
	return &ActionOutput{Delta: flow.Context{resultKey(input.Params, "completion"): resp.Choices[0].Content}}, nil
}
