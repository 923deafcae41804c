// Package guardrail decides, before and after generation, whether a request
// may proceed. Refusals are expected, successful outcomes carrying a reason
// code; they are never system errors.
package guardrail

import (
	"github.com/pharris0330/onprem-rag/internal/assemble"
	"github.com/pharris0330/onprem-rag/internal/config"
	"github.com/pharris0330/onprem-rag/internal/retrieval"
)

// ReasonCode identifies why a request was refused.
type ReasonCode string

const (
	ReasonEmptyRetrieval    ReasonCode = "EMPTY_RETRIEVAL"
	ReasonWeakSimilarity    ReasonCode = "WEAK_SIMILARITY"
	ReasonContextOverflow   ReasonCode = "CONTEXT_OVERFLOW"
	ReasonInjectionDetected ReasonCode = "INJECTION_DETECTED"
	ReasonUngroundedAnswer  ReasonCode = "UNGROUNDED_ANSWER"
)

// Evidence captures the numbers that justified a decision.
type Evidence struct {
	RetrievalCount   int
	TopScore         float64
	ContextChars     int
	InjectionDensity float64
	CitationsFound   []string
	InvalidCitations []string
}

// Decision is the tagged outcome of a guardrail evaluation: Proceed, or
// Refuse with a reason code.
type Decision struct {
	Refused  bool
	Reason   ReasonCode
	Evidence Evidence
}

// Proceed returns an affirmative decision carrying the given evidence.
func Proceed(ev Evidence) Decision {
	return Decision{Evidence: ev}
}

// Refuse returns a refusal with the given reason and evidence.
func Refuse(reason ReasonCode, ev Evidence) Decision {
	return Decision{Refused: true, Reason: reason, Evidence: ev}
}

// State is the pipeline state a predicate inspects. Context is nil before
// assembly; predicates that need it must not fire until it is set.
type State struct {
	Scored  []retrieval.ScoredChunk
	Context *assemble.Context
	Strict  bool
	Cfg     config.GuardrailConfig
}

// predicate reports whether its refusal condition holds for the state.
type predicate func(State) bool

// preGenRule pairs a reason code with its predicate. Evaluation order is
// fixed; the first matching rule wins. New refusal conditions are added as
// new entries, never as ad-hoc branching.
type preGenRule struct {
	reason ReasonCode
	match  predicate
}

var preGenRules = []preGenRule{
	{ReasonEmptyRetrieval, func(s State) bool {
		return len(s.Scored) == 0
	}},
	{ReasonWeakSimilarity, func(s State) bool {
		return retrieval.TopScore(s.Scored) < s.Cfg.ConfidenceScore
	}},
	// CONTEXT_OVERFLOW in strict mode is raised by the assembler itself
	// (assemble.ErrOverflow) since truncation-vs-refusal is decided during
	// assembly; the pipeline maps it onto this engine's reason code.
	{ReasonInjectionDetected, func(s State) bool {
		return s.Strict && s.Context != nil && s.Context.InjectionDensity > s.Cfg.InjectionTolerance
	}},
}

// Engine evaluates guardrail decisions against one configuration snapshot.
type Engine struct {
	cfg config.GuardrailConfig
}

// New creates an Engine bound to the given configuration.
func New(cfg config.GuardrailConfig) *Engine {
	return &Engine{cfg: cfg}
}

// PreGenerate evaluates the candidate-only refusal conditions, before any
// context is assembled. A refusal here means the assembler and the model are
// never invoked.
func (e *Engine) PreGenerate(scored []retrieval.ScoredChunk) Decision {
	return e.evaluate(State{Scored: scored, Strict: e.cfg.Strict, Cfg: e.cfg})
}

// PostAssembly re-evaluates the rules that depend on the assembled context
// (currently injection density in strict mode).
func (e *Engine) PostAssembly(scored []retrieval.ScoredChunk, ctx *assemble.Context) Decision {
	return e.evaluate(State{Scored: scored, Context: ctx, Strict: e.cfg.Strict, Cfg: e.cfg})
}

func (e *Engine) evaluate(s State) Decision {
	ev := Evidence{
		RetrievalCount: len(s.Scored),
		TopScore:       retrieval.TopScore(s.Scored),
	}
	if s.Context != nil {
		ev.ContextChars = s.Context.TotalChars
		ev.InjectionDensity = s.Context.InjectionDensity
	}
	for _, rule := range preGenRules {
		if rule.match(s) {
			return Refuse(rule.reason, ev)
		}
	}
	return Proceed(ev)
}

// PostGenerate validates the model output against the context that produced
// it: citation presence per the configured policy and citation validity.
// Pure function over (answer text, context, policy); no I/O.
func (e *Engine) PostGenerate(answer string, ctx *assemble.Context) Decision {
	cited := ExtractCitations(answer)
	included := ctx.ChunkIDs()

	ev := Evidence{
		ContextChars:   ctx.TotalChars,
		CitationsFound: cited,
	}

	for _, id := range cited {
		if !included[id] {
			ev.InvalidCitations = append(ev.InvalidCitations, id)
		}
	}
	if len(ev.InvalidCitations) > 0 {
		return Refuse(ReasonUngroundedAnswer, ev)
	}
	if len(cited) == 0 {
		return Refuse(ReasonUngroundedAnswer, ev)
	}
	if e.cfg.CitationPolicy == "all" && !everyClaimCited(answer) {
		return Refuse(ReasonUngroundedAnswer, ev)
	}
	return Proceed(ev)
}
