// Package eventschema defines the wire schema for the run event stream shared
// by the evaluation engine (producer) and the platform (consumer).
package eventschema

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the only envelope version currently understood.
const SchemaVersion = 1

// Type identifies which payload an Envelope carries.
type Type string

const (
	TypeRunStarted   Type = "run_started"
	TypeItemStarted  Type = "item_started"
	TypeMetricScored Type = "metric_scored"
	TypeItemComplete Type = "item_completed"
	TypeItemFailed   Type = "item_failed"
	TypeRunCompleted Type = "run_completed"
)

// ErrUnknownType is returned by Envelope.Decode when Type has no registered payload.
var ErrUnknownType = errors.New("eventschema: unknown event type")

// Envelope is the v1 wire format for a single run event.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	EventID       string          `json:"event_id"`
	Sequence      int64           `json:"sequence"`
	SentAt        time.Time       `json:"sent_at"`
	Type          Type            `json:"type"`
	RunID         string          `json:"run_id"`
	Payload       json.RawMessage `json:"payload"`
}

// Decode unmarshals the envelope's payload into the type appropriate for its Type field.
func (e *Envelope) Decode() (any, error) {
	switch e.Type {
	case TypeRunStarted:
		var p RunStartedPayload
		return &p, json.Unmarshal(e.Payload, &p)
	case TypeItemStarted:
		var p ItemStartedPayload
		return &p, json.Unmarshal(e.Payload, &p)
	case TypeMetricScored:
		var p MetricScoredPayload
		return &p, json.Unmarshal(e.Payload, &p)
	case TypeItemComplete:
		var p ItemCompletedPayload
		return &p, json.Unmarshal(e.Payload, &p)
	case TypeItemFailed:
		var p ItemFailedPayload
		return &p, json.Unmarshal(e.Payload, &p)
	case TypeRunCompleted:
		var p RunCompletedPayload
		return &p, json.Unmarshal(e.Payload, &p)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}

// NewEnvelope marshals payload and wraps it in a v1 Envelope.
func NewEnvelope(eventID string, sequence int64, sentAt time.Time, typ Type, runID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventschema: marshal payload: %w", err)
	}

	return Envelope{
		SchemaVersion: SchemaVersion,
		EventID:       eventID,
		Sequence:      sequence,
		SentAt:        sentAt,
		Type:          typ,
		RunID:         runID,
		Payload:       raw,
	}, nil
}

type (
	// RunStartedPayload carries the run's identifying attributes at creation/resume time.
	RunStartedPayload struct {
		ExternalRunID string         `json:"external_run_id,omitempty"`
		Task          string         `json:"task"`
		Dataset       string         `json:"dataset"`
		Model         string         `json:"model,omitempty"`
		Metrics       []string       `json:"metrics"`
		RunMetadata   map[string]any `json:"run_metadata"`
		RunConfig     map[string]any `json:"run_config"`
		StartedAt     time.Time      `json:"started_at"`
	}

	// ItemStartedPayload announces that an item has begun processing.
	ItemStartedPayload struct {
		ItemID       string         `json:"item_id"`
		Index        int            `json:"index"`
		Input        any            `json:"input"`
		Expected     any            `json:"expected,omitempty"`
		ItemMetadata map[string]any `json:"item_metadata"`
	}

	// MetricScoredPayload carries one metric's result for one item.
	MetricScoredPayload struct {
		ItemID     string         `json:"item_id"`
		MetricName string         `json:"metric_name"`
		ScoreNum   *float64       `json:"score_numeric,omitempty"`
		ScoreRaw   any            `json:"score_raw,omitempty"`
		Meta       map[string]any `json:"meta"`
	}

	// ItemCompletedPayload announces a successful item terminal state.
	ItemCompletedPayload struct {
		ItemID    string  `json:"item_id"`
		Output    any     `json:"output"`
		LatencyMs float64 `json:"latency_ms"`
		TraceID   string  `json:"trace_id,omitempty"`
		TraceURL  string  `json:"trace_url,omitempty"`
	}

	// ItemFailedPayload announces a failed item terminal state.
	ItemFailedPayload struct {
		ItemID   string `json:"item_id"`
		Error    string `json:"error"`
		TraceID  string `json:"trace_id,omitempty"`
		TraceURL string `json:"trace_url,omitempty"`
	}

	// RunCompletedPayload announces the run's terminal outcome.
	RunCompletedPayload struct {
		EndedAt     time.Time      `json:"ended_at"`
		Summary     map[string]any `json:"summary"`
		FinalStatus string         `json:"final_status"`
	}
)

// FinalStatusCompleted and FinalStatusFailed are the two values RunCompletedPayload.FinalStatus accepts.
const (
	FinalStatusCompleted = "COMPLETED"
	FinalStatusFailed    = "FAILED"
)
