package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/pharris0330/onprem-rag/internal/storage"
)

type mockEmbedder struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedFn(ctx, text)
}

type mockSearcher struct {
	searchFn func(ctx context.Context, embedding []float32, version string, maxCandidates int) ([]storage.SearchHit, error)
}

func (m *mockSearcher) HybridSearch(ctx context.Context, embedding []float32, version string, maxCandidates int) ([]storage.SearchHit, error) {
	return m.searchFn(ctx, embedding, version, maxCandidates)
}

func hit(id string, score float64, text string) storage.SearchHit {
	return storage.SearchHit{
		Chunk: storage.Chunk{
			ID:         id,
			DocumentID: "d1",
			Text:       text,
		},
		DocumentSource:  "manual.pdf",
		DocumentVersion: "v1",
		Score:           score,
	}
}

func TestRetrieveConvertsHits(t *testing.T) {
	embedder := &mockEmbedder{
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			if text != "how do I reset the device" {
				t.Errorf("unexpected question: %q", text)
			}
			return []float32{0.1, 0.2}, nil
		},
	}
	var gotVersion string
	var gotPool int
	searcher := &mockSearcher{
		searchFn: func(_ context.Context, _ []float32, version string, pool int) ([]storage.SearchHit, error) {
			gotVersion = version
			gotPool = pool
			return []storage.SearchHit{
				hit("c1", 0.92, "hold the reset button"),
				hit("c2", 0.80, "release after five seconds"),
			}, nil
		},
	}

	coord := NewCoordinator(embedder, searcher, 25)
	got, err := coord.Retrieve(context.Background(), "how do I reset the device", "v1")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if gotVersion != "v1" {
		t.Errorf("version filter = %q, want v1", gotVersion)
	}
	if gotPool != 25 {
		t.Errorf("candidate pool = %d, want 25", gotPool)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].ChunkID != "c1" || got[0].Score != 0.92 || got[0].Source != "manual.pdf" {
		t.Errorf("unexpected first candidate: %+v", got[0])
	}
}

func TestRetrieveDropsEmptyTextRows(t *testing.T) {
	embedder := &mockEmbedder{embedFn: func(context.Context, string) ([]float32, error) {
		return []float32{0.1}, nil
	}}
	searcher := &mockSearcher{
		searchFn: func(context.Context, []float32, string, int) ([]storage.SearchHit, error) {
			return []storage.SearchHit{
				hit("c1", 0.9, "usable text"),
				hit("c2", 0.8, ""),
			}, nil
		},
	}

	coord := NewCoordinator(embedder, searcher, 10)
	got, err := coord.Retrieve(context.Background(), "q", "")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0].ChunkID != "c1" {
		t.Errorf("expected only c1, got %+v", got)
	}
}

func TestRetrieveWrapsFailures(t *testing.T) {
	tests := []struct {
		name     string
		embedder *mockEmbedder
		searcher *mockSearcher
	}{
		{
			name: "embedder failure",
			embedder: &mockEmbedder{embedFn: func(context.Context, string) ([]float32, error) {
				return nil, errors.New("connection refused")
			}},
			searcher: &mockSearcher{searchFn: func(context.Context, []float32, string, int) ([]storage.SearchHit, error) {
				t.Fatal("search must not be called when embedding fails")
				return nil, nil
			}},
		},
		{
			name: "storage failure",
			embedder: &mockEmbedder{embedFn: func(context.Context, string) ([]float32, error) {
				return []float32{0.1}, nil
			}},
			searcher: &mockSearcher{searchFn: func(context.Context, []float32, string, int) ([]storage.SearchHit, error) {
				return nil, errors.New("database locked")
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := NewCoordinator(tt.embedder, tt.searcher, 10)
			_, err := coord.Retrieve(context.Background(), "q", "")
			if !errors.Is(err, ErrUnavailable) {
				t.Errorf("error = %v, want ErrUnavailable", err)
			}
		})
	}
}
