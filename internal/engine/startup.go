package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady verifies the inference engine is reachable and that both the
// answer model and the embedding model are present locally, pulling whichever
// is missing. It runs once at startup so that the first /ask never stalls on
// a multi-gigabyte model download.
func EnsureReady(ctx context.Context, e Engine, llmModel, embedModel string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("local inference engine is not running; please ensure Ollama is started")
	}

	seen := map[string]bool{}
	for _, model := range []string{llmModel, embedModel} {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true
		if err := ensureModel(ctx, e, model, w); err != nil {
			return err
		}
	}
	return nil
}

func ensureModel(ctx context.Context, e Engine, model string, w io.Writer) error {
	if e.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: ready\n", model)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", model)
	err := e.PullModel(ctx, model, func(p PullProgress) {
		if p.Total > 0 {
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
			return
		}
		fmt.Fprintf(w, "  %s\n", p.Status)
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", model, err)
	}
	fmt.Fprintf(w, "model %s: ready\n", model)
	return nil
}
