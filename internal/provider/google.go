package provider

import (
	"context"
	"net/url"
	"strings"
)

// GoogleClient speaks the Gemini generateContent protocol.
type GoogleClient struct {
	*endpoint
}

type googlePart struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleRequest struct {
	Contents         []googleContent `json:"contents"`
	GenerationConfig struct {
		ThinkingConfig struct {
			IncludeThoughts bool `json:"includeThoughts"`
		} `json:"thinkingConfig"`
		Temperature float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type googleResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
}

// Call posts to {base}/models/{model}:generateContent. The system prompt and
// user content travel as one user turn separated by a blank line. Parts
// flagged as thoughts form the reasoning; empty parts are ignored.
func (c *GoogleClient) Call(ctx context.Context, systemPrompt, userContent string) (Reply, error) {
	var payload googleRequest
	payload.Contents = []googleContent{{
		Role:  "user",
		Parts: []googlePart{{Text: systemPrompt + "\n\n" + userContent}},
	}}
	payload.GenerationConfig.ThinkingConfig.IncludeThoughts = true
	payload.GenerationConfig.Temperature = 0

	headers := map[string]string{"x-goog-api-key": c.apiKey}
	path := "/models/" + url.PathEscape(c.model) + ":generateContent"

	var resp googleResponse
	if err := c.doPost(ctx, path, headers, payload, &resp); err != nil {
		return Reply{}, err
	}
	if len(resp.Candidates) == 0 {
		return Reply{}, c.malformed("candidates")
	}

	var text, thoughts []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text == "" {
			continue
		}
		if part.Thought {
			if t := strings.TrimSpace(part.Text); t != "" {
				thoughts = append(thoughts, t)
			}
			continue
		}
		text = append(text, part.Text)
	}

	message := strings.TrimSpace(strings.Join(text, "\n"))
	if message == "" {
		return Reply{}, c.malformed("candidates[0].content.parts[].text")
	}
	return Reply{
		Message:   message,
		Reasoning: strings.TrimSpace(strings.Join(thoughts, "\n")),
	}, nil
}
