// Package pipeline runs the per-request trust-boundary sequence: hybrid
// retrieval, score filtering, pre-generation guardrails, context assembly,
// the model call, post-generation guardrails, and audit recording at every
// stage boundary. Stages are strictly sequential within one execution; many
// executions run concurrently, sharing only the immutable configuration
// snapshot and the append-only audit sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pharris0330/onprem-rag/internal/assemble"
	"github.com/pharris0330/onprem-rag/internal/audit"
	"github.com/pharris0330/onprem-rag/internal/config"
	"github.com/pharris0330/onprem-rag/internal/guardrail"
	"github.com/pharris0330/onprem-rag/internal/retrieval"
)

// ErrGenerationUnavailable marks infrastructure failures of the model call:
// unreachable engine or timeout. Distinct from guardrail refusals.
var ErrGenerationUnavailable = errors.New("generation unavailable")

// Query is one immutable question together with the configuration snapshot
// it runs under.
type Query struct {
	RequestID string
	Question  string
	Version   string // optional document version filter
	Cfg       config.GuardrailConfig
}

// Result is the answer surface: either an answer with citations or a refusal
// with a reason code, plus the evidence metrics either way.
type Result struct {
	RequestID      string
	Refused        bool
	ReasonCode     guardrail.ReasonCode
	AnswerText     string
	Citations      []guardrail.Citation
	RetrievalCount int
	TopScore       float64
	ContextChars   int
	ContextHash    string
	LatencyMs      int64
}

// Retriever is the retrieval coordinator contract.
type Retriever interface {
	Retrieve(ctx context.Context, question, version string) ([]retrieval.CandidateChunk, error)
}

// Generator is the model call contract: prompt in, text out.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Executor runs pipeline executions against fixed collaborators and one
// configuration snapshot.
type Executor struct {
	retriever Retriever
	assembler *assemble.Assembler
	guards    *guardrail.Engine
	generator Generator
	recorder  audit.Recorder
	cfg       config.GuardrailConfig
	version   string
	callTO    time.Duration
}

// NewExecutor wires an Executor. callTimeout bounds each of the two
// suspension points (storage query, model call); <= 0 disables the
// per-call bound and relies on the caller's context.
func NewExecutor(
	retriever Retriever,
	assembler *assemble.Assembler,
	guards *guardrail.Engine,
	generator Generator,
	recorder audit.Recorder,
	cfg config.GuardrailConfig,
	version string,
	callTimeout time.Duration,
) *Executor {
	return &Executor{
		retriever: retriever,
		assembler: assembler,
		guards:    guards,
		generator: generator,
		recorder:  recorder,
		cfg:       cfg,
		version:   version,
		callTO:    callTimeout,
	}
}

// NewQuery snapshots a question under the executor's configuration.
func (e *Executor) NewQuery(question string) Query {
	return Query{
		RequestID: uuid.New().String(),
		Question:  question,
		Version:   e.version,
		Cfg:       e.cfg,
	}
}

// Execute runs one pipeline execution. Guardrail refusals come back as a
// successful Result with Refused set; infrastructure failures (storage or
// model unreachable, timeout, cancellation) come back as errors and never as
// refusals. No partial context or answer is ever returned on timeout.
func (e *Executor) Execute(ctx context.Context, q Query) (Result, error) {
	start := time.Now()

	// Stage 1: hybrid retrieval (first suspension point).
	candidates, err := callBounded(ctx, e.callTO, func(callCtx context.Context) ([]retrieval.CandidateChunk, error) {
		return e.retriever.Retrieve(callCtx, q.Question, q.Version)
	})
	if err != nil {
		e.recordFailure(q.RequestID, audit.StageRetrieval, err)
		return Result{}, err
	}
	e.recorder.Record(q.RequestID, audit.StageRetrieval, audit.Fields{
		"candidate_count": len(candidates),
		"version":         q.Version,
	})
	if err := e.checkCanceled(ctx, q.RequestID, audit.StageRetrieval); err != nil {
		return Result{}, err
	}

	// Stage 2: score filter (pure).
	scored := retrieval.ApplyScoreFilter(candidates, q.Cfg.MinScore, q.Cfg.TopK)
	e.recorder.Record(q.RequestID, audit.StageScoreFilter, audit.Fields{
		"retrieval_count": len(scored),
		"top_score":       retrieval.TopScore(scored),
		"min_score":       q.Cfg.MinScore,
		"top_k":           q.Cfg.TopK,
	})

	// Stage 3: pre-generation guardrails on candidates alone. A refusal here
	// means no untrusted content is ever assembled.
	pre := e.guards.PreGenerate(scored)
	e.recorder.Record(q.RequestID, audit.StagePreGen, decisionFields(pre, "candidates"))
	if pre.Refused {
		return e.refusal(q, pre, start), nil
	}

	// Stage 4: context assembly.
	actx, err := e.assembler.Assemble(scored, q.Cfg.Strict)
	if err != nil {
		if errors.Is(err, assemble.ErrOverflow) {
			dec := guardrail.Refuse(guardrail.ReasonContextOverflow, guardrail.Evidence{
				RetrievalCount: len(scored),
				TopScore:       retrieval.TopScore(scored),
			})
			e.recorder.Record(q.RequestID, audit.StageAssembly, audit.Fields{
				"decision": string(guardrail.ReasonContextOverflow),
				"error":    err.Error(),
			})
			return e.refusal(q, dec, start), nil
		}
		e.recordFailure(q.RequestID, audit.StageAssembly, err)
		return Result{}, err
	}
	assemblyFields := audit.Fields{
		"context_chars":     actx.TotalChars,
		"context_hash":      actx.Hash,
		"excerpt_count":     len(actx.Excerpts),
		"injection_density": actx.InjectionDensity,
		"sanitized_matches": len(actx.Matches),
	}
	if actx.Truncated {
		// Truncation is never silent: operators must see evidence loss.
		assemblyFields["context_truncated"] = true
		assemblyFields["dropped_chunks"] = actx.DroppedChunks
	}
	e.recorder.Record(q.RequestID, audit.StageAssembly, assemblyFields)

	// Pre-generation guardrails that depend on the assembled context
	// (injection density in strict mode).
	pre = e.guards.PostAssembly(scored, &actx)
	e.recorder.Record(q.RequestID, audit.StagePreGen, decisionFields(pre, "assembled"))
	if pre.Refused {
		return e.refusal(q, pre, start), nil
	}

	// Trust boundary: the assembled context is now treated as evidence.
	// Stage 5: model call (second suspension point).
	prompt := BuildPrompt(q.Question, actx)
	answer, err := callBounded(ctx, e.callTO, func(callCtx context.Context) (string, error) {
		return e.generator.Generate(callCtx, prompt)
	})
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
		e.recordFailure(q.RequestID, audit.StageGeneration, wrapped)
		return Result{}, wrapped
	}
	e.recorder.Record(q.RequestID, audit.StageGeneration, audit.Fields{
		"answer_chars": len(answer),
		"prompt_chars": len(prompt),
	})
	if err := e.checkCanceled(ctx, q.RequestID, audit.StageGeneration); err != nil {
		return Result{}, err
	}

	// Stage 6: post-generation guardrails.
	post := e.guards.PostGenerate(answer, &actx)
	e.recorder.Record(q.RequestID, audit.StagePostGen, decisionFields(post, "answer"))
	if post.Refused {
		res := e.refusal(q, post, start)
		res.ContextChars = actx.TotalChars
		res.ContextHash = actx.Hash
		return res, nil
	}

	result := Result{
		RequestID:      q.RequestID,
		AnswerText:     answer,
		Citations:      guardrail.ResolveCitations(post.Evidence.CitationsFound),
		RetrievalCount: len(scored),
		TopScore:       retrieval.TopScore(scored),
		ContextChars:   actx.TotalChars,
		ContextHash:    actx.Hash,
		LatencyMs:      time.Since(start).Milliseconds(),
	}
	e.recorder.Record(q.RequestID, audit.StageComplete, audit.Fields{
		"decision":   "answer",
		"citations":  len(result.Citations),
		"latency_ms": result.LatencyMs,
	})
	return result, nil
}

// refusal converts a guardrail decision into the refusal Result and records
// the completion entry.
func (e *Executor) refusal(q Query, dec guardrail.Decision, start time.Time) Result {
	res := Result{
		RequestID:      q.RequestID,
		Refused:        true,
		ReasonCode:     dec.Reason,
		RetrievalCount: dec.Evidence.RetrievalCount,
		TopScore:       dec.Evidence.TopScore,
		ContextChars:   dec.Evidence.ContextChars,
		LatencyMs:      time.Since(start).Milliseconds(),
	}
	e.recorder.Record(q.RequestID, audit.StageComplete, audit.Fields{
		"decision":   string(dec.Reason),
		"latency_ms": res.LatencyMs,
	})
	return res
}

// callBounded bounds one suspension point with the per-call timeout.
func callBounded[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return call(ctx)
}

// checkCanceled records a cancellation event and aborts when the caller's
// context is done. Called at each suspension point; no further stage runs
// once cancellation is observed.
func (e *Executor) checkCanceled(ctx context.Context, requestID, stage string) error {
	if err := ctx.Err(); err != nil {
		e.recorder.Record(requestID, stage, audit.Fields{"canceled": true, "error": err.Error()})
		return err
	}
	return nil
}

// recordFailure logs an infrastructure failure for a stage, marking timeouts
// distinctly so operators can separate slow collaborators from hard errors.
func (e *Executor) recordFailure(requestID, stage string, err error) {
	fields := audit.Fields{"error": err.Error()}
	if errors.Is(err, context.DeadlineExceeded) {
		fields["timeout"] = true
	}
	if errors.Is(err, context.Canceled) {
		fields["canceled"] = true
	}
	e.recorder.Record(requestID, stage, fields)
}

func decisionFields(dec guardrail.Decision, phase string) audit.Fields {
	fields := audit.Fields{
		"phase":           phase,
		"retrieval_count": dec.Evidence.RetrievalCount,
		"top_score":       dec.Evidence.TopScore,
	}
	if dec.Refused {
		fields["decision"] = string(dec.Reason)
	} else {
		fields["decision"] = "proceed"
	}
	if dec.Evidence.ContextChars > 0 {
		fields["context_chars"] = dec.Evidence.ContextChars
	}
	if len(dec.Evidence.CitationsFound) > 0 {
		fields["citations"] = dec.Evidence.CitationsFound
	}
	if len(dec.Evidence.InvalidCitations) > 0 {
		fields["invalid_citations"] = dec.Evidence.InvalidCitations
	}
	return fields
}
