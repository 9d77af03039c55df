// Package llm implements the three model-backed tools: summarize_function
// (Anthropic Messages API), explain_diff (OpenAI Chat Completions API), and
// generate_doc_comment (AWS Bedrock Converse API). Each is grounded on one
// of the teacher's features/model/* adapters, trimmed to a single
// request/response round trip since only the dispatch contract -- argument
// schema, deterministic typed errors -- matters here.
package llm

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/codegraphrag/codegraphrag-server/internal/envelope"
	"github.com/codegraphrag/codegraphrag-server/internal/registry"
)

// AnthropicClient captures the subset of the Anthropic SDK used by
// summarize_function, grounded on the teacher's anthropic.MessagesClient
// interface so a stub can stand in during tests.
type AnthropicClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Summarizer wires an Anthropic client to the summarize_function tool.
type Summarizer struct {
	messages AnthropicClient
	model    string
}

// NewSummarizer wraps an existing Anthropic Messages client. model is the
// Claude model identifier used for every call (e.g. a Haiku-class model,
// since summaries don't need the highest-reasoning tier).
func NewSummarizer(messages AnthropicClient, model string) *Summarizer {
	return &Summarizer{messages: messages, model: model}
}

// NewSummarizerFromAPIKey builds a Summarizer from a bare API key, the way
// the teacher's anthropic.NewFromAPIKey convenience constructor does.
func NewSummarizerFromAPIKey(apiKey, model string) *Summarizer {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewSummarizer(&client.Messages, model)
}

// Register adds summarize_function to reg. reg must not yet be frozen.
func (s *Summarizer) Register(reg *registry.Registry) error {
	return reg.Register("summarize_function", "Summarizes a function body using a language model.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{"type": "string", "description": "source text of the function to summarize"},
		},
		"required": []any{"code"},
	}, s.summarizeFunction)
}

func (s *Summarizer) summarizeFunction(ctx context.Context, arguments map[string]any) (any, error) {
	code, ok := arguments["code"].(string)
	if !ok || code == "" {
		return nil, envelope.NewInvalidArgumentsError("#/code: must be a non-empty string")
	}

	resp, err := s.messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(s.model),
		MaxTokens: 512,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(fmt.Sprintf("Summarize what this function does in one or two sentences:\n\n%s", code))),
		},
	})
	if err != nil {
		return nil, envelope.NewExecutionError("anthropic model backend rejected the request")
	}

	var summary string
	for _, block := range resp.Content {
		if block.Type == "text" {
			summary += block.Text
		}
	}
	if summary == "" {
		return nil, envelope.NewExecutionError("anthropic model backend returned an empty summary")
	}
	return map[string]any{"summary": summary}, nil
}
