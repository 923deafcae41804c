package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pharris0330/onprem-rag/internal/config"
	"github.com/pharris0330/onprem-rag/internal/pipeline"
	"github.com/pharris0330/onprem-rag/internal/retrieval"
)

// MCPRetriever abstracts hybrid retrieval for the MCP search tool.
type MCPRetriever interface {
	Retrieve(ctx context.Context, question, version string) ([]retrieval.CandidateChunk, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Executor  *pipeline.Executor
	Retriever MCPRetriever
	Guards    config.GuardrailConfig
	Version   string
}

// NewMCPServer creates an MCP server exposing the guarded pipeline as an
// "ask" tool and raw scored retrieval as a "search" tool.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"onprem-rag",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("onprem-rag: guarded question answering over locally ingested manuals. Answers carry [doc:<chunk_id>] citations; refusals carry a reason code."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question against the ingested corpus. Returns an answer with citations, or a refusal with a reason code."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("version", mcp.Description("Optional document version filter")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Hybrid-search the corpus and return scored chunks without calling the model."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default top_k)")),
		),
		mcpSearch(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		q := deps.Executor.NewQuery(question)
		if v := req.GetString("version", ""); v != "" {
			q.Version = v
		}

		result, err := deps.Executor.Execute(ctx, q)
		if err != nil {
			if errors.Is(err, retrieval.ErrUnavailable) || errors.Is(err, pipeline.ErrGenerationUnavailable) {
				return mcpError(fmt.Sprintf("backend unavailable: %v", err)), nil
			}
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		b, err := json.MarshalIndent(toAskResponse(result), "", "  ")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to encode result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", deps.Guards.TopK)
		if limit <= 0 {
			limit = deps.Guards.TopK
		}
		if limit > 50 {
			limit = 50
		}

		candidates, err := deps.Retriever.Retrieve(ctx, query, deps.Version)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		scored := retrieval.ApplyScoreFilter(candidates, deps.Guards.MinScore, limit)

		if len(scored) == 0 {
			return mcpText("[]"), nil
		}

		type hit struct {
			ChunkID string  `json:"chunk_id"`
			Source  string  `json:"source"`
			Section string  `json:"section"`
			Score   float64 `json:"score"`
			Rank    int     `json:"rank"`
			Text    string  `json:"text"`
		}
		hits := make([]hit, len(scored))
		for i, c := range scored {
			hits[i] = hit{
				ChunkID: c.ChunkID,
				Source:  c.Source,
				Section: c.Section,
				Score:   c.Score,
				Rank:    c.Rank,
				Text:    c.Text,
			}
		}

		b, err := json.MarshalIndent(hits, "", "  ")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to encode results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
