package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pharris0330/onprem-rag/internal/engine"
)

type mockEngine struct {
	mu      sync.Mutex
	embeds  []string
	embedFn func(ctx context.Context, model, text string) ([]float32, error)
}

func (m *mockEngine) Generate(context.Context, string, string) (string, error) { return "", nil }
func (m *mockEngine) Embed(ctx context.Context, model, text string) ([]float32, error) {
	m.mu.Lock()
	m.embeds = append(m.embeds, text)
	m.mu.Unlock()
	return m.embedFn(ctx, model, text)
}
func (m *mockEngine) IsRunning(context.Context) bool                  { return true }
func (m *mockEngine) ListModels(context.Context) ([]string, error)    { return nil, nil }
func (m *mockEngine) HasModel(context.Context, string) bool           { return true }
func (m *mockEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

func TestEmbedUsesConfiguredModel(t *testing.T) {
	var gotModel string
	eng := &mockEngine{embedFn: func(_ context.Context, model, _ string) ([]float32, error) {
		gotModel = model
		return []float32{0.5}, nil
	}}

	e := NewEmbedder(eng, "nomic-embed-text")
	vec, err := e.Embed(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if gotModel != "nomic-embed-text" {
		t.Errorf("model = %q, want nomic-embed-text", gotModel)
	}
	if len(vec) != 1 {
		t.Errorf("got %d floats, want 1", len(vec))
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	eng := &mockEngine{embedFn: func(_ context.Context, _, text string) ([]float32, error) {
		return []float32{float32(len(text))}, nil
	}}

	e := NewEmbedder(eng, "m")
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff"}
	got, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(got) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(got), len(texts))
	}
	for i, v := range got {
		if v[0] != float32(len(texts[i])) {
			t.Errorf("vector %d = %v, want length %d", i, v, len(texts[i]))
		}
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	e := NewEmbedder(&mockEngine{}, "m")
	got, err := e.EmbedBatch(context.Background(), nil)
	if err != nil || got != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v; want nil, nil", got, err)
	}
}

func TestEmbedBatchRejectsMixedDimensions(t *testing.T) {
	eng := &mockEngine{embedFn: func(_ context.Context, _, text string) ([]float32, error) {
		return make([]float32, len(text)), nil
	}}

	e := NewEmbedder(eng, "m")
	if _, err := e.EmbedBatch(context.Background(), []string{"aa", "bbb"}); err == nil {
		t.Error("expected error for mismatched vector dimensions")
	}
}

func TestEmbedBatchPropagatesFailure(t *testing.T) {
	eng := &mockEngine{embedFn: func(_ context.Context, _, text string) ([]float32, error) {
		if text == "bad" {
			return nil, errors.New("engine overload")
		}
		return []float32{1}, nil
	}}

	e := NewEmbedder(eng, "m")
	if _, err := e.EmbedBatch(context.Background(), []string{"ok", "bad", "ok"}); err == nil {
		t.Error("expected batch failure to propagate")
	}
}
