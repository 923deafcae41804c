package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pharris0330/onprem-rag/internal/api"
	"github.com/pharris0330/onprem-rag/internal/assemble"
	"github.com/pharris0330/onprem-rag/internal/audit"
	"github.com/pharris0330/onprem-rag/internal/config"
	"github.com/pharris0330/onprem-rag/internal/engine"
	"github.com/pharris0330/onprem-rag/internal/guardrail"
	"github.com/pharris0330/onprem-rag/internal/pipeline"
	"github.com/pharris0330/onprem-rag/internal/retrieval"
	"github.com/pharris0330/onprem-rag/internal/sanitize"
	"github.com/pharris0330/onprem-rag/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the onprem-rag server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "onprem-rag version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check engine readiness, pulling missing models.
	callTimeout := time.Duration(cfg.Ollama.TimeoutSec) * time.Second
	eng := engine.New(cfg.Ollama.BaseURL, callTimeout)
	if err := engine.EnsureReady(ctx, eng, cfg.Ollama.LLMModel, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing storage")
		}
	}()

	// Wire the pipeline.
	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	coordinator := retrieval.NewCoordinator(embedder, store, cfg.Retrieval.CandidatePool)
	assembler := assemble.New(sanitize.Default(), cfg.Guardrails.MaxContextChars)
	guards := guardrail.New(cfg.Guardrails)
	recorder := audit.NewStoreRecorder(store, logger)
	generator := pipeline.EngineGenerator{Engine: eng, Model: cfg.Ollama.LLMModel}
	executor := pipeline.NewExecutor(
		coordinator,
		assembler,
		guards,
		generator,
		recorder,
		cfg.Guardrails,
		cfg.Retrieval.Version,
		callTimeout,
	)

	engineRunning := func() bool { return eng.IsRunning(ctx) }
	gateway := api.NewServer(executor, store, engineRunning, cfg.Server.APIKey, cfg.Server.MaxQueryChars, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: gateway.Handler(),
	}

	// MCP server over stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Executor:  executor,
		Retriever: coordinator,
		Guards:    cfg.Guardrails,
		Version:   cfg.Retrieval.Version,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("MCP stdio server error")
		}
	}()
	logger.Info().Msg("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
