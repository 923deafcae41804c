// Package engine wraps the local Ollama instance behind narrow contracts:
// text in, embedding or generated text out. It is the only code that talks
// to the model side of the trust boundary.
package engine

import "context"

// Engine abstracts the local inference backend. The pipeline consumes it as
// a black box: a prompt produces text, a text produces an embedding.
type Engine interface {
	// Generate sends a prompt to the given model and returns the raw
	// completion text.
	Generate(ctx context.Context, model string, prompt string) (string, error)

	// Embed returns the embedding vector for the given text using the
	// specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress
	// updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
