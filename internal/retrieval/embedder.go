package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/pharris0330/onprem-rag/internal/engine"
)

// embedConcurrency bounds parallel embedding calls so a large ingest batch
// does not starve the engine of capacity for live queries.
const embedConcurrency = 4

// Embedder turns text into vectors through the inference engine, always with
// the same embedding model. Query vectors and chunk vectors must come from
// one model or similarity scores are meaningless.
type Embedder struct {
	engine engine.Engine
	model  string
}

func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model}
}

// Embed returns the vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch embeds texts concurrently, preserving input order. The result
// vectors all share one dimension; a mismatch means the engine swapped models
// mid-batch and the whole batch is rejected. Empty input yields nil, nil.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.engine.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(vectors[0])
	for i, vec := range vectors {
		if len(vec) != dim {
			return nil, fmt.Errorf("embedding %d has dimension %d, batch started with %d", i, len(vec), dim)
		}
	}
	return vectors, nil
}
