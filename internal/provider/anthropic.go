package provider

import (
	"context"
	"strings"
)

// AnthropicVersion is sent in the anthropic-version header.
const AnthropicVersion = "2023-06-01"

// anthropicMaxTokens is the fixed output budget per call.
const anthropicMaxTokens = 8192

// AnthropicClient speaks the Anthropic messages protocol.
type AnthropicClient struct {
	*endpoint
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"content"`
}

// Call posts to {base}/v1/messages. Text blocks form the message and
// thinking blocks the reasoning, each joined with newlines.
func (c *AnthropicClient) Call(ctx context.Context, systemPrompt, userContent string) (Reply, error) {
	payload := anthropicRequest{
		Model:     c.model,
		MaxTokens: anthropicMaxTokens,
		System:    systemPrompt,
		Messages:  []anthropicMessage{{Role: "user", Content: userContent}},
	}
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": AnthropicVersion,
	}

	var resp anthropicResponse
	if err := c.doPost(ctx, "/v1/messages", headers, payload, &resp); err != nil {
		return Reply{}, err
	}

	var text, thinking []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "thinking":
			thinking = append(thinking, block.Thinking)
		}
	}

	message := strings.TrimSpace(strings.Join(text, "\n"))
	if message == "" {
		return Reply{}, c.malformed("content[type=text]")
	}
	return Reply{
		Message:   message,
		Reasoning: strings.TrimSpace(strings.Join(thinking, "\n")),
	}, nil
}
