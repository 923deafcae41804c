// Package retrieval issues hybrid queries against the storage collaborator
// and applies the score filter that decides which candidates may reach the
// context assembler.
package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/pharris0330/onprem-rag/internal/storage"
)

// ErrUnavailable marks infrastructure failures of the retrieval step:
// unreachable storage, embedding failure, or timeout. Callers must surface
// these as system errors, never as guardrail refusals.
var ErrUnavailable = errors.New("retrieval unavailable")

// CandidateChunk is one ranked result of the hybrid query. It is read-only
// to the pipeline; transformations produce derived values.
type CandidateChunk struct {
	ChunkID    string
	DocumentID string
	Source     string
	Version    string
	Score      float64
	PageStart  int
	PageEnd    int
	Section    string
	ChunkIndex int
	Text       string
	TextHash   string
}

// HybridSearcher is the storage query contract consumed by the coordinator:
// vector KNN combined with an exact-match version filter in a single request.
// The storage collaborator is the sole source of ranking.
type HybridSearcher interface {
	HybridSearch(ctx context.Context, embedding []float32, version string, maxCandidates int) ([]storage.SearchHit, error)
}

// QueryEmbedder turns the question text into a query vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Coordinator embeds the question and issues one hybrid request for a
// candidate pool larger than TOP_K, so score filtering does not starve the
// result set.
type Coordinator struct {
	embedder QueryEmbedder
	searcher HybridSearcher
	pool     int
}

// NewCoordinator creates a Coordinator fetching up to candidatePool
// candidates per query (minimum 1).
func NewCoordinator(embedder QueryEmbedder, searcher HybridSearcher, candidatePool int) *Coordinator {
	if candidatePool < 1 {
		candidatePool = 1
	}
	return &Coordinator{embedder: embedder, searcher: searcher, pool: candidatePool}
}

// Retrieve returns candidates ordered by descending similarity. The
// coordinator never re-ranks; it only requests and converts. Any failure of
// the embedder or the storage collaborator wraps ErrUnavailable.
func (c *Coordinator) Retrieve(ctx context.Context, question, version string) ([]CandidateChunk, error) {
	vec, err := c.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding question: %v", ErrUnavailable, err)
	}

	hits, err := c.searcher.HybridSearch(ctx, vec, version, c.pool)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	candidates := make([]CandidateChunk, 0, len(hits))
	for _, h := range hits {
		if h.Text == "" {
			// Malformed upstream row; drop it rather than assembling
			// empty evidence.
			continue
		}
		candidates = append(candidates, CandidateChunk{
			ChunkID:    h.ID,
			DocumentID: h.DocumentID,
			Source:     h.DocumentSource,
			Version:    h.DocumentVersion,
			Score:      h.Score,
			PageStart:  h.PageStart,
			PageEnd:    h.PageEnd,
			Section:    h.Section,
			ChunkIndex: h.ChunkIndex,
			Text:       h.Text,
			TextHash:   h.TextHash,
		})
	}
	return candidates, nil
}
