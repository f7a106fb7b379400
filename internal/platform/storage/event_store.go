package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/qym-eval/qym/internal/eventschema"
)

// EventStore persists RunEvent rows and applies their side effects (the
// per-type projection onto runs/run_items/run_item_scores) inside one
// transaction per event, following a parse -> validate -> store factoring
// generalized to event-sourced upserts instead of one-shot inserts.
type EventStore struct {
	conn   *Connection
	logger *slog.Logger
}

func NewEventStore(conn *Connection, logger *slog.Logger) *EventStore {
	return &EventStore{conn: conn, logger: logger}
}

// ApplyResult reports what happened to one event in a batch.
type ApplyResult struct {
	Envelope eventschema.Envelope
	Skipped  bool // (run_id, event_id) already existed
}

// Apply persists and projects envelopes in arrival order. Each event is
// handled in its own transaction: an existing (run_id, event_id) pair is
// counted as skipped (idempotent replay), never re-applied.
func (s *EventStore) Apply(ctx context.Context, runID string, envelopes []eventschema.Envelope) ([]ApplyResult, error) {
	results := make([]ApplyResult, 0, len(envelopes))

	for _, env := range envelopes {
		skipped, err := s.applyOne(ctx, runID, env)
		if err != nil {
			return results, err
		}

		results = append(results, ApplyResult{Envelope: env, Skipped: skipped})
	}

	return results, nil
}

func (s *EventStore) applyOne(ctx context.Context, runID string, env eventschema.Envelope) (skipped bool, err error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage: begin apply event: %w", err)
	}
	defer tx.Rollback() //nolint: errcheck

	var exists bool

	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM run_events WHERE run_id = $1 AND event_id = $2)`, runID, env.EventID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: check event existence: %w", err)
	}

	if exists {
		return true, nil
	}

	const insertEvent = `
		INSERT INTO run_events (run_id, event_id, sequence, type, sent_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if _, err := tx.ExecContext(ctx, insertEvent, runID, env.EventID, env.Sequence, env.Type, env.SentAt, []byte(env.Payload)); err != nil {
		return false, fmt.Errorf("storage: insert run event: %w", err)
	}

	payload, err := env.Decode()
	if err != nil {
		return false, fmt.Errorf("storage: decode event payload: %w", err)
	}

	if err := applyPayload(ctx, tx, runID, payload); err != nil {
		return false, fmt.Errorf("storage: apply event %s: %w", env.Type, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage: commit apply event: %w", err)
	}

	return false, nil
}

// applyPayload dispatches one decoded payload onto its projection table.
func applyPayload(ctx context.Context, tx *sql.Tx, runID string, payload any) error {
	switch p := payload.(type) {
	case *eventschema.RunStartedPayload:
		return applyRunStarted(ctx, tx, runID, p)
	case *eventschema.ItemStartedPayload:
		return applyItemStarted(ctx, tx, runID, p)
	case *eventschema.MetricScoredPayload:
		return applyMetricScored(ctx, tx, runID, p)
	case *eventschema.ItemCompletedPayload:
		return applyItemCompleted(ctx, tx, runID, p)
	case *eventschema.ItemFailedPayload:
		return applyItemFailed(ctx, tx, runID, p)
	case *eventschema.RunCompletedPayload:
		return applyRunCompleted(ctx, tx, runID, p)
	default:
		return fmt.Errorf("storage: unsupported payload type %T", payload)
	}
}

func applyRunStarted(ctx context.Context, tx *sql.Tx, runID string, p *eventschema.RunStartedPayload) error {
	metrics, err := json.Marshal(p.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	metadata, err := marshalOrEmptyObject(p.RunMetadata)
	if err != nil {
		return fmt.Errorf("marshal run_metadata: %w", err)
	}

	config, err := marshalOrEmptyObject(p.RunConfig)
	if err != nil {
		return fmt.Errorf("marshal run_config: %w", err)
	}

	const query = `
		UPDATE runs SET task = $2, dataset = $3, model = $4, metrics = $5, run_metadata = $6,
			run_config = $7, started_at = $8, status = $9, updated_at = now()
		WHERE id = $1
	`

	_, err = tx.ExecContext(ctx, query, runID, p.Task, p.Dataset, p.Model, metrics, metadata, config, p.StartedAt, RunRunning)

	return err
}

func applyItemStarted(ctx context.Context, tx *sql.Tx, runID string, p *eventschema.ItemStartedPayload) error {
	input, err := json.Marshal(p.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	expected, err := json.Marshal(p.Expected)
	if err != nil {
		return fmt.Errorf("marshal expected: %w", err)
	}

	metadata, err := marshalOrEmptyObject(p.ItemMetadata)
	if err != nil {
		return fmt.Errorf("marshal item_metadata: %w", err)
	}

	const query = `
		INSERT INTO run_items (run_id, item_id, index, input, expected, item_metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, item_id) DO UPDATE SET
			index = EXCLUDED.index, input = EXCLUDED.input, expected = EXCLUDED.expected,
			item_metadata = EXCLUDED.item_metadata, updated_at = now()
	`

	_, err = tx.ExecContext(ctx, query, runID, p.ItemID, p.Index, input, expected, metadata)

	return err
}

func applyMetricScored(ctx context.Context, tx *sql.Tx, runID string, p *eventschema.MetricScoredPayload) error {
	raw, err := json.Marshal(p.ScoreRaw)
	if err != nil {
		return fmt.Errorf("marshal score_raw: %w", err)
	}

	meta, err := marshalOrEmptyObject(p.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	const query = `
		INSERT INTO run_item_scores (run_id, item_id, metric_name, score_num, score_raw, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, item_id, metric_name) DO UPDATE SET
			score_num = EXCLUDED.score_num, score_raw = EXCLUDED.score_raw, meta = EXCLUDED.meta
	`

	_, err = tx.ExecContext(ctx, query, runID, p.ItemID, p.MetricName, p.ScoreNum, raw, meta)

	return err
}

func applyItemCompleted(ctx context.Context, tx *sql.Tx, runID string, p *eventschema.ItemCompletedPayload) error {
	output, err := json.Marshal(p.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	const query = `
		INSERT INTO run_items (run_id, item_id, index, output, error, latency_ms, trace_id, trace_url)
		VALUES ($1, $2, 0, $3, '', $4, $5, $6)
		ON CONFLICT (run_id, item_id) DO UPDATE SET
			output = EXCLUDED.output, error = '', latency_ms = EXCLUDED.latency_ms,
			trace_id = EXCLUDED.trace_id, trace_url = EXCLUDED.trace_url, updated_at = now()
	`

	_, err = tx.ExecContext(ctx, query, runID, p.ItemID, output, p.LatencyMs, p.TraceID, p.TraceURL)

	return err
}

func applyItemFailed(ctx context.Context, tx *sql.Tx, runID string, p *eventschema.ItemFailedPayload) error {
	const query = `
		INSERT INTO run_items (run_id, item_id, index, error, trace_id, trace_url)
		VALUES ($1, $2, 0, $3, $4, $5)
		ON CONFLICT (run_id, item_id) DO UPDATE SET
			output = NULL, error = EXCLUDED.error, trace_id = EXCLUDED.trace_id,
			trace_url = EXCLUDED.trace_url, updated_at = now()
	`

	_, err := tx.ExecContext(ctx, query, runID, p.ItemID, p.Error, p.TraceID, p.TraceURL)

	return err
}

func applyRunCompleted(ctx context.Context, tx *sql.Tx, runID string, p *eventschema.RunCompletedPayload) error {
	status := RunCompleted
	if p.FinalStatus == eventschema.FinalStatusFailed {
		status = RunFailed
	}

	const query = `
		UPDATE runs SET ended_at = $2, status = $3, updated_at = now() WHERE id = $1
	`

	_, err := tx.ExecContext(ctx, query, runID, p.EndedAt, status)

	return err
}

// Exists reports whether (runID, eventID) has already been applied.
func (s *EventStore) Exists(ctx context.Context, runID, eventID string) (bool, error) {
	var exists bool

	err := s.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM run_events WHERE run_id = $1 AND event_id = $2)`, runID, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: check event existence: %w", err)
	}

	return exists, nil
}

func (s *EventStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}
