package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pharris0330/onprem-rag/internal/api"
	"github.com/pharris0330/onprem-rag/internal/config"
	"github.com/pharris0330/onprem-rag/internal/engine"
	"github.com/pharris0330/onprem-rag/internal/ingest"
	"github.com/pharris0330/onprem-rag/internal/retrieval"
	"github.com/pharris0330/onprem-rag/internal/storage"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Ingest a manual into the corpus",
	Long: `Ingest a PDF or plain-text manual into the local corpus.

Examples:
  onprem-rag ingest ./manuals/widget-3000.pdf --version v1
  onprem-rag ingest ./release-notes.txt --source "Release Notes" --version v2`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		source, _ := cmd.Flags().GetString("source")
		docVersion, _ := cmd.Flags().GetString("version")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log)

		if source == "" {
			source = path
		}
		if docVersion == "" {
			docVersion = cfg.Retrieval.Version
		}

		ctx := cmd.Context()
		callTimeout := time.Duration(cfg.Ollama.TimeoutSec) * time.Second
		eng := engine.New(cfg.Ollama.BaseURL, callTimeout)
		if !eng.IsRunning(ctx) {
			return fmt.Errorf("ollama is not reachable at %s", cfg.Ollama.BaseURL)
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
		ing := ingest.New(store, embedder, 0, 0, logger)

		printStep("Ingesting %s (version %s)", path, docVersion)
		summary, err := ing.IngestFile(ctx, path, source, docVersion)
		if err != nil {
			return err
		}

		printSuccess("Ingested document %s", summary.DocumentID)
		printStatus("Pages", "%d", summary.Pages)
		printStatus("Chunks", "%d", summary.Chunks)
		if summary.Skipped > 0 {
			printStatus("Duplicates skipped", "%d", summary.Skipped)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("source", "", "human-readable source name (defaults to the file path)")
	ingestCmd.Flags().String("version", "", "document version label (defaults to the configured version)")
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question against the running server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		docVersion, _ := cmd.Flags().GetString("version")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/ask", api.AskRequest{
			Question: question,
			Version:  docVersion,
		})
		if err != nil {
			return err
		}

		var result api.AskResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Decision == "refused" {
			printWarning("Refused: %s", result.ReasonCode)
			printStatus("Request", "%s", result.RequestID)
			printStatus("Candidates", "%d (top score %.3f)", result.RetrievalCount, result.TopScore)
			return nil
		}

		fmt.Println(result.AnswerText)
		if len(result.Citations) > 0 {
			printStatus("Citations", "%s", strings.Join(result.Citations, ", "))
		}
		printStatus("Request", "%s", result.RequestID)
		printStatus("Latency", "%dms", result.LatencyMs)
		return nil
	},
}

func init() {
	askCmd.Flags().String("version", "", "document version filter")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}

		serverURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		client := &http.Client{Timeout: 2 * time.Second}

		resp, err := client.Get(serverURL + "/health")
		if err != nil {
			printStatus("Server", "stopped")
		} else {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				printStatus("Server", "running on port %d", cfg.Server.Port)
			} else {
				printStatus("Server", "error (HTTP %d)", resp.StatusCode)
			}
		}

		ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}

		printStatus("LLM model", "%s", cfg.Ollama.LLMModel)
		printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
		printStatus("Corpus version", "%s", cfg.Retrieval.Version)

		if resp != nil && resp.StatusCode == 200 {
			statusResp, err := client.Get(serverURL + "/status")
			if err == nil {
				var st api.StatusResponse
				if decodeJSON(statusResp, &st) == nil {
					printStatus("Documents", "%d", st.Documents)
					printStatus("Chunks", "%d", st.Chunks)
				}
			}
		}

		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}
