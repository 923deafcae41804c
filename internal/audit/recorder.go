// Package audit records one structured, durably appended entry per pipeline
// stage per request. Partial trails are valid: entries are never rolled back,
// and the recorder tolerates being called after a stage failed or the request
// was canceled.
package audit

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Stage names, one per pipeline boundary.
const (
	StageRetrieval   = "retrieval"
	StageScoreFilter = "score_filter"
	StagePreGen      = "guardrail_pre"
	StageAssembly    = "assembly"
	StageGeneration  = "generation"
	StagePostGen     = "guardrail_post"
	StageComplete    = "complete"
)

// Fields are the structured values attached to one entry: counts, scores,
// sizes, decision codes.
type Fields map[string]any

// Recorder accepts stage records. Implementations must support concurrent
// calls; each record is a single atomic append.
type Recorder interface {
	Record(requestID, stage string, fields Fields)
}

// Sink is the durable append target (the storage collaborator's audit_log).
type Sink interface {
	AppendAudit(requestID, stage string, recordedAt time.Time, fieldsJSON string) error
}

// StoreRecorder appends entries to a Sink and mirrors them to the structured
// logger. Append failures are logged, never propagated: observability must
// not take the pipeline down.
type StoreRecorder struct {
	sink   Sink
	logger zerolog.Logger
	now    func() time.Time
}

// NewStoreRecorder creates a StoreRecorder writing to sink and logger.
func NewStoreRecorder(sink Sink, logger zerolog.Logger) *StoreRecorder {
	return &StoreRecorder{sink: sink, logger: logger, now: time.Now}
}

// Record appends one audit entry.
func (r *StoreRecorder) Record(requestID, stage string, fields Fields) {
	recordedAt := r.now().UTC()

	payload, err := json.Marshal(fields)
	if err != nil {
		r.logger.Error().Err(err).Str("request_id", requestID).Str("stage", stage).
			Msg("marshaling audit fields")
		payload = []byte("{}")
	}

	if err := r.sink.AppendAudit(requestID, stage, recordedAt, string(payload)); err != nil {
		r.logger.Error().Err(err).Str("request_id", requestID).Str("stage", stage).
			Msg("appending audit record")
	}

	r.logger.Info().
		Str("request_id", requestID).
		Str("stage", stage).
		RawJSON("fields", payload).
		Msg("audit")
}

// NopRecorder discards all records. Used by tests that do not assert on the
// audit trail.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(string, string, Fields) {}
