// Package backends defines the AI, search and image collaborators used by
// step executors, plus an OpenAI-compatible HTTP implementation.
package backends

import "context"

// Usage reports token consumption for one backend call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StructuredRequest asks a model for an object matching Contract.
type StructuredRequest struct {
	// Name labels the schema for providers that require one.
	Name     string
	Prompt   string
	Contract map[string]any
}

// Generator produces structured output constrained by a JSON Schema contract.
type Generator interface {
	GenerateStructured(ctx context.Context, req StructuredRequest) (map[string]any, Usage, error)
}

// Searcher performs external retrieval and returns a text digest.
type Searcher interface {
	Search(ctx context.Context, query string) (string, Usage, error)
}

// ImageGenerator renders a prompt to an image and returns its URL.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, Usage, error)
}
