// Package api exposes the guarded pipeline over HTTP and MCP. The gateway
// enforces request policy (size, auth) before any pipeline work starts;
// everything past the gateway speaks the pipeline's refusal-or-error contract.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ory/herodot"
	"github.com/rs/zerolog"

	"github.com/pharris0330/onprem-rag/internal/pipeline"
	"github.com/pharris0330/onprem-rag/internal/retrieval"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AskRequest is the JSON body of POST /ask.
type AskRequest struct {
	Question string `json:"question"`
	Version  string `json:"version,omitempty"`
}

// AskResponse is the answer surface returned for both answers and refusals.
type AskResponse struct {
	RequestID      string   `json:"request_id"`
	Decision       string   `json:"decision"` // "answered" or "refused"
	AnswerText     string   `json:"answer_text,omitempty"`
	Citations      []string `json:"citations,omitempty"`
	ReasonCode     string   `json:"reason_code,omitempty"`
	RetrievalCount int      `json:"retrieval_count"`
	TopScore       float64  `json:"top_score"`
	ContextSize    int      `json:"context_size"`
	ContextHash    string   `json:"context_hash,omitempty"`
	LatencyMs      int64    `json:"latency_ms"`
}

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	Status        string `json:"status"`
	Documents     int    `json:"documents"`
	Chunks        int    `json:"chunks"`
	EngineRunning bool   `json:"engine_running"`
}

// StatusSource reports corpus state for /status.
type StatusSource interface {
	CountChunks() (int, error)
	CountDocuments() (int, error)
}

// Server is the HTTP gateway in front of the pipeline executor.
type Server struct {
	executor      *pipeline.Executor
	status        StatusSource
	engineRunning func() bool
	apiKey        string
	maxQueryChars int
	writer        *herodot.JSONWriter
	logger        zerolog.Logger
}

// NewServer wires the gateway. apiKey == "" disables authentication;
// maxQueryChars <= 0 disables the length policy.
func NewServer(executor *pipeline.Executor, status StatusSource, engineRunning func() bool, apiKey string, maxQueryChars int, logger zerolog.Logger) *Server {
	return &Server{
		executor:      executor,
		status:        status,
		engineRunning: engineRunning,
		apiKey:        apiKey,
		maxQueryChars: maxQueryChars,
		writer:        herodot.NewJSONWriter(nil),
		logger:        logger,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	r.Group(func(r chi.Router) {
		if s.apiKey != "" {
			r.Use(APIKeyAuth(s.apiKey, s.writer))
		}
		r.Post("/ask", s.handleAsk)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	docs, err := s.status.CountDocuments()
	if err != nil {
		s.writer.WriteError(w, r, herodot.ErrInternalServerError.WithReasonf("counting documents: %v", err))
		return
	}
	chunks, err := s.status.CountChunks()
	if err != nil {
		s.writer.WriteError(w, r, herodot.ErrInternalServerError.WithReasonf("counting chunks: %v", err))
		return
	}

	s.writer.Write(w, r, StatusResponse{
		Status:        "ok",
		Documents:     docs,
		Chunks:        chunks,
		EngineRunning: s.engineRunning(),
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writer.WriteError(w, r, herodot.ErrBadRequest.WithReasonf("invalid request body: %v", err))
		return
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		s.writer.WriteError(w, r, herodot.ErrBadRequest.WithReason("question is required"))
		return
	}
	if s.maxQueryChars > 0 && utf8.RuneCountInString(req.Question) > s.maxQueryChars {
		s.writer.WriteError(w, r, herodot.DefaultError{
			CodeField:   http.StatusRequestEntityTooLarge,
			StatusField: http.StatusText(http.StatusRequestEntityTooLarge),
			ErrorField:  "question too long",
			ReasonField: "question exceeds the configured character limit",
		})
		return
	}

	q := s.executor.NewQuery(req.Question)
	if req.Version != "" {
		q.Version = req.Version
	}

	start := time.Now()
	result, err := s.executor.Execute(r.Context(), q)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("request_id", q.RequestID).
			Dur("elapsed", time.Since(start)).
			Msg("pipeline execution failed")
		switch {
		case errors.Is(err, retrieval.ErrUnavailable):
			s.writer.WriteError(w, r, herodot.DefaultError{
				CodeField:   http.StatusBadGateway,
				StatusField: http.StatusText(http.StatusBadGateway),
				ErrorField:  "retrieval unavailable",
				ReasonField: "the storage or embedding backend did not respond",
			})
		case errors.Is(err, pipeline.ErrGenerationUnavailable):
			s.writer.WriteError(w, r, herodot.DefaultError{
				CodeField:   http.StatusGatewayTimeout,
				StatusField: http.StatusText(http.StatusGatewayTimeout),
				ErrorField:  "generation unavailable",
				ReasonField: "the model engine did not respond in time",
			})
		default:
			s.writer.WriteError(w, r, herodot.ErrInternalServerError.WithReasonf("pipeline error: %v", err))
		}
		return
	}

	s.writer.Write(w, r, toAskResponse(result))
}

func toAskResponse(res pipeline.Result) AskResponse {
	out := AskResponse{
		RequestID:      res.RequestID,
		Decision:       "answered",
		AnswerText:     res.AnswerText,
		RetrievalCount: res.RetrievalCount,
		TopScore:       res.TopScore,
		ContextSize:    res.ContextChars,
		ContextHash:    res.ContextHash,
		LatencyMs:      res.LatencyMs,
	}
	if res.Refused {
		out.Decision = "refused"
		out.ReasonCode = string(res.ReasonCode)
		out.AnswerText = ""
	}
	for _, c := range res.Citations {
		out.Citations = append(out.Citations, c.ChunkID)
	}
	return out
}
