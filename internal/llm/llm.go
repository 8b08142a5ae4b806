// Package llm provides the text-generation client used by the reasoning and
// synthesis collaborators.
package llm

import (
	"context"
	"strings"
)

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model overrides the client's default model.
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness in generation (0.0 = deterministic).
	Temperature float32

	// MaxTokens limits the response length. 0 means the server default.
	MaxTokens int

	// JSON asks the server to constrain output to a JSON document.
	JSON bool
}

// LLM defines the interface for Large Language Model clients.
type LLM interface {
	// Generate sends a prompt and blocks until the full response arrives.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// ExtractJSON returns the JSON object embedded in a model response. Markdown
// code fences are stripped and the text is cut to the outermost braces. When
// no object is found the trimmed response is returned as is.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	response = strings.TrimSpace(response)
	open := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if open == -1 || end < open {
		return response
	}
	return response[open : end+1]
}
