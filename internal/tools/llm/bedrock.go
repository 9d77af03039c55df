package llm

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/codegraphrag/codegraphrag-server/internal/envelope"
	"github.com/codegraphrag/codegraphrag-server/internal/registry"
)

// BedrockRuntime captures the subset of the AWS Bedrock runtime client used
// by generate_doc_comment, mirroring the teacher's bedrock.RuntimeClient
// interface so a real *bedrockruntime.Client or a test double satisfies it.
type BedrockRuntime interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// DocCommentGenerator wires an AWS Bedrock Converse client to the
// generate_doc_comment tool.
type DocCommentGenerator struct {
	runtime BedrockRuntime
	modelID string
}

// NewDocCommentGenerator wraps an existing Bedrock runtime client.
func NewDocCommentGenerator(runtime BedrockRuntime, modelID string) *DocCommentGenerator {
	return &DocCommentGenerator{runtime: runtime, modelID: modelID}
}

// Register adds generate_doc_comment to reg. reg must not yet be frozen.
func (g *DocCommentGenerator) Register(reg *registry.Registry) error {
	return reg.Register("generate_doc_comment", "Drafts a doc comment for a function signature using a language model.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"signature": map[string]any{"type": "string", "description": "function signature to document"},
		},
		"required": []any{"signature"},
	}, g.generateDocComment)
}

func (g *DocCommentGenerator) generateDocComment(ctx context.Context, arguments map[string]any) (any, error) {
	signature, ok := arguments["signature"].(string)
	if !ok || signature == "" {
		return nil, envelope.NewInvalidArgumentsError("#/signature: must be a non-empty string")
	}

	prompt := "Draft a concise doc comment for this function signature. Return only the comment text:\n\n" + signature
	output, err := g.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(g.modelID),
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
			},
		},
	})
	if err != nil {
		return nil, envelope.NewExecutionError("bedrock model backend rejected the request")
	}

	message, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, envelope.NewExecutionError("bedrock model backend returned no message")
	}
	var comment string
	for _, block := range message.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			comment += text.Value
		}
	}
	if comment == "" {
		return nil, envelope.NewExecutionError("bedrock model backend returned an empty comment")
	}
	return map[string]any{"doc_comment": comment}, nil
}
