package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/codegraphrag/codegraphrag-server/internal/envelope"
	"github.com/codegraphrag/codegraphrag-server/internal/registry"
)

// OpenAIClient captures the subset of the OpenAI SDK used by explain_diff,
// grounded on the teacher's model-gateway pattern of depending on the
// narrowest interface a provider SDK exposes.
type OpenAIClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Explainer wires an OpenAI Chat Completions client to the explain_diff
// tool.
type Explainer struct {
	completions OpenAIClient
	model       openai.ChatModel
}

// NewExplainer wraps an existing OpenAI chat-completions client.
func NewExplainer(completions OpenAIClient, model openai.ChatModel) *Explainer {
	return &Explainer{completions: completions, model: model}
}

// NewExplainerFromAPIKey builds an Explainer from a bare API key.
func NewExplainerFromAPIKey(apiKey string, model openai.ChatModel) *Explainer {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return NewExplainer(&client.Chat.Completions, model)
}

// Register adds explain_diff to reg. reg must not yet be frozen.
func (e *Explainer) Register(reg *registry.Registry) error {
	return reg.Register("explain_diff", "Explains a unified diff in plain language using a language model.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"diff": map[string]any{"type": "string", "description": "unified diff text to explain"},
		},
		"required": []any{"diff"},
	}, e.explainDiff)
}

func (e *Explainer) explainDiff(ctx context.Context, arguments map[string]any) (any, error) {
	diff, ok := arguments["diff"].(string)
	if !ok || diff == "" {
		return nil, envelope.NewInvalidArgumentsError("#/diff: must be a non-empty string")
	}

	resp, err := e.completions.New(ctx, openai.ChatCompletionNewParams{
		Model: e.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(fmt.Sprintf("Explain what this diff changes and why it likely matters, in plain language:\n\n%s", diff)),
		},
	})
	if err != nil {
		return nil, envelope.NewExecutionError("openai model backend rejected the request")
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, envelope.NewExecutionError("openai model backend returned an empty explanation")
	}
	return map[string]any{"explanation": resp.Choices[0].Message.Content}, nil
}
