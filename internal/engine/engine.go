package engine

import "context"

// Engine abstracts a vision-capable inference backend (Ollama or any
// OpenAI-compatible server). Consumers such as screenshot classification and
// rollup summarization use this interface instead of depending on a concrete
// client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	// When jsonSchema is non-nil, structured JSON output is requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all models available on the backend.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress
	// updates. Backends without a pull facility return an error.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
