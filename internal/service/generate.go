package service

import (
	"context"
	"fmt"

	"github.com/jasl/tavern-kit-sub013/internal/adapter/llm"
)

// LLMGenerator adapts the chat completion client to the Generator contract.
type LLMGenerator struct {
	client llm.LLMClient
	model  string
}

// NewLLMGenerator creates a generator backed by the given client and model.
func NewLLMGenerator(client llm.LLMClient, model string) *LLMGenerator {
	return &LLMGenerator{client: client, model: model}
}

// Ensure LLMGenerator implements Generator.
var _ Generator = (*LLMGenerator)(nil)

// Generate produces the response text for a prompt.
func (g *LLMGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model: g.model,
		Messages: []llm.ChatMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return "", fmt.Errorf("generation returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
