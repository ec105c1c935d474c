// Package extract pulls the JSON object out of a model reply.
//
// Models wrap their answers in prose or markdown fences often enough that the
// reply cannot be decoded directly. JSON applies a fixed heuristic: strip a
// leading fence line and a trailing fence line, then take the span from the
// first '{' to the last '}'. Braces inside surrounding prose can defeat it;
// that is accepted.
package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Iron-Ham/llmscore/internal/errors"
)

const fence = "```"

// JSON returns the candidate JSON object text in raw, or
// errors.ErrNoJSONFound when no '{' ... '}' span exists.
func JSON(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, fence) {
		lines := strings.Split(text, "\n")
		if len(lines) > 0 && strings.HasPrefix(strings.TrimRight(lines[0], "\r"), fence) {
			lines = lines[1:]
		}
		if len(lines) > 0 && strings.HasPrefix(strings.TrimRight(lines[len(lines)-1], "\r"), fence) {
			lines = lines[:len(lines)-1]
		}
		text = strings.TrimSpace(strings.Join(lines, "\n"))
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", errors.ErrNoJSONFound
	}
	return text[start : end+1], nil
}

// Fields extracts and decodes the JSON object in raw.
func Fields(raw string) (map[string]any, error) {
	text, err := JSON(raw)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return nil, fmt.Errorf("invalid JSON in response: %w", err)
	}
	if fields == nil {
		return nil, errors.ErrNoJSONFound
	}
	return fields, nil
}
