package provider

import (
	"context"
	"strings"
)

// OpenAIClient speaks the OpenAI chat completions protocol, shared by
// openai, deepseek, qwen, doubao, kimi and other compatible services.
type OpenAIClient struct {
	*endpoint
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content          *string `json:"content"`
			ReasoningContent *string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

// Call posts to {base}/chat/completions with bearer auth.
func (c *OpenAIClient) Call(ctx context.Context, systemPrompt, userContent string) (Reply, error) {
	payload := openAIRequest{
		Model: c.model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
		Temperature: 0,
	}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	var resp openAIResponse
	if err := c.doPost(ctx, "/chat/completions", headers, payload, &resp); err != nil {
		return Reply{}, err
	}

	if len(resp.Choices) == 0 {
		return Reply{}, c.malformed("choices")
	}
	msg := resp.Choices[0].Message
	if msg.Content == nil || strings.TrimSpace(*msg.Content) == "" {
		return Reply{}, c.malformed("choices[0].message.content")
	}

	reply := Reply{Message: strings.TrimSpace(*msg.Content)}
	if msg.ReasoningContent != nil {
		reply.Reasoning = *msg.ReasoningContent
	}
	return reply, nil
}
