package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrRunNotFound           = errors.New("storage: run not found")
	ErrExternalRunIDConflict = errors.New("storage: external run id already in use")
)

// RunStore persists Run records and their child entities (items, scores).
type RunStore struct {
	conn   *Connection
	logger *slog.Logger
}

func NewRunStore(conn *Connection, logger *slog.Logger) *RunStore {
	return &RunStore{conn: conn, logger: logger}
}

// Create inserts a new run owned by ownerUserID, status RUNNING, started_at
// now — the effect of POST /v1/runs.
func (s *RunStore) Create(ctx context.Context, run *Run) (*Run, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	if run.Status == "" {
		run.Status = RunRunning
	}

	if run.StartedAt == nil {
		now := time.Now().UTC()
		run.StartedAt = &now
	}

	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal run metrics: %w", err)
	}

	runMetadata, err := marshalOrEmptyObject(run.RunMetadata)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal run metadata: %w", err)
	}

	runConfig, err := marshalOrEmptyObject(run.RunConfig)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal run config: %w", err)
	}

	const query = `
		INSERT INTO runs (id, external_run_id, created_by_user_id, owner_user_id, task, dataset, model,
			metrics, run_metadata, run_config, status, started_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	err = s.conn.QueryRowContext(ctx, query,
		run.ID, run.ExternalRunID, run.CreatedByUserID, run.OwnerUserID, run.Task, run.Dataset, run.Model,
		metrics, runMetadata, runConfig, run.Status, run.StartedAt,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, ErrExternalRunIDConflict
	}

	if err != nil {
		return nil, fmt.Errorf("storage: create run: %w", err)
	}

	s.logger.Info("run created", slog.String("run_id", run.ID), slog.String("owner", run.OwnerUserID))

	return run, nil
}

func marshalOrEmptyObject(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(m)
}

func (s *RunStore) FindByID(ctx context.Context, runID string) (*Run, error) {
	const query = `
		SELECT id, COALESCE(external_run_id, ''), created_by_user_id, owner_user_id, task, dataset, model,
			metrics, run_metadata, run_config, status, started_at, ended_at, created_at, updated_at
		FROM runs WHERE id = $1
	`

	return s.scanRun(s.conn.QueryRowContext(ctx, query, runID))
}

func (s *RunStore) scanRun(row *sql.Row) (*Run, error) {
	var (
		run         Run
		metrics     []byte
		runMetadata []byte
		runConfig   []byte
	)

	err := row.Scan(&run.ID, &run.ExternalRunID, &run.CreatedByUserID, &run.OwnerUserID, &run.Task, &run.Dataset,
		&run.Model, &metrics, &runMetadata, &runConfig, &run.Status, &run.StartedAt, &run.EndedAt,
		&run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("storage: find run: %w", err)
	}

	if err := json.Unmarshal(metrics, &run.Metrics); err != nil {
		return nil, fmt.Errorf("storage: unmarshal run metrics: %w", err)
	}

	if err := json.Unmarshal(runMetadata, &run.RunMetadata); err != nil {
		return nil, fmt.Errorf("storage: unmarshal run metadata: %w", err)
	}

	if err := json.Unmarshal(runConfig, &run.RunConfig); err != nil {
		return nil, fmt.Errorf("storage: unmarshal run config: %w", err)
	}

	return &run, nil
}

// ListFilter scopes ListRuns, built from visibility rules (internal/platform/visibility).
type ListFilter struct {
	OwnerUserIDs []string // non-nil: restrict to these owners (OR'd)
	Statuses     []RunStatus // non-nil: restrict to these statuses (OR'd)
	AllRuns      bool // true: no owner restriction; Statuses still applies (ADMIN, GM/VP, local-dev)
}

// ListRuns returns runs matching filter, newest first.
func (s *RunStore) ListRuns(ctx context.Context, filter ListFilter) ([]*Run, error) {
	query := `
		SELECT id, COALESCE(external_run_id, ''), created_by_user_id, owner_user_id, task, dataset, model,
			metrics, run_metadata, run_config, status, started_at, ended_at, created_at, updated_at
		FROM runs WHERE 1=1
	`

	args := make([]any, 0, 2)

	if !filter.AllRuns && len(filter.OwnerUserIDs) > 0 {
		args = append(args, pq.Array(filter.OwnerUserIDs))
		query += fmt.Sprintf(" AND owner_user_id = ANY($%d)", len(args))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}

		args = append(args, pq.Array(statuses))
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query += " ORDER BY created_at DESC"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run

	for rows.Next() {
		run, err := s.scanRunRow(rows)
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (s *RunStore) scanRunRow(rows *sql.Rows) (*Run, error) {
	var (
		run         Run
		metrics     []byte
		runMetadata []byte
		runConfig   []byte
	)

	if err := rows.Scan(&run.ID, &run.ExternalRunID, &run.CreatedByUserID, &run.OwnerUserID, &run.Task, &run.Dataset,
		&run.Model, &metrics, &runMetadata, &runConfig, &run.Status, &run.StartedAt, &run.EndedAt,
		&run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, fmt.Errorf("storage: scan run: %w", err)
	}

	if err := json.Unmarshal(metrics, &run.Metrics); err != nil {
		return nil, fmt.Errorf("storage: unmarshal run metrics: %w", err)
	}

	if err := json.Unmarshal(runMetadata, &run.RunMetadata); err != nil {
		return nil, fmt.Errorf("storage: unmarshal run metadata: %w", err)
	}

	if err := json.Unmarshal(runConfig, &run.RunConfig); err != nil {
		return nil, fmt.Errorf("storage: unmarshal run config: %w", err)
	}

	return &run, nil
}

// ListItems returns a run's items ordered by index, the display order.
func (s *RunStore) ListItems(ctx context.Context, runID string) ([]*RunItem, error) {
	const query = `
		SELECT id, run_id, item_id, index, input, expected, output, error, item_metadata,
			latency_ms, trace_id, trace_url, created_at, updated_at
		FROM run_items WHERE run_id = $1 ORDER BY index
	`

	rows, err := s.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list run items: %w", err)
	}
	defer rows.Close()

	var items []*RunItem

	for rows.Next() {
		var (
			item                          RunItem
			input, expected, output       []byte
			itemMetadata                  []byte
		)

		if err := rows.Scan(&item.ID, &item.RunID, &item.ItemID, &item.Index, &input, &expected, &output,
			&item.Error, &itemMetadata, &item.LatencyMs, &item.TraceID, &item.TraceURL,
			&item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan run item: %w", err)
		}

		if input != nil {
			if err := json.Unmarshal(input, &item.Input); err != nil {
				return nil, fmt.Errorf("storage: unmarshal item input: %w", err)
			}
		}

		if expected != nil {
			if err := json.Unmarshal(expected, &item.Expected); err != nil {
				return nil, fmt.Errorf("storage: unmarshal item expected: %w", err)
			}
		}

		if output != nil {
			if err := json.Unmarshal(output, &item.Output); err != nil {
				return nil, fmt.Errorf("storage: unmarshal item output: %w", err)
			}
		}

		if itemMetadata != nil {
			if err := json.Unmarshal(itemMetadata, &item.ItemMetadata); err != nil {
				return nil, fmt.Errorf("storage: unmarshal item metadata: %w", err)
			}
		}

		items = append(items, &item)
	}

	return items, rows.Err()
}

// ListScores returns all scores for a run, keyed by nothing in particular —
// callers group by item id and metric name as needed.
func (s *RunStore) ListScores(ctx context.Context, runID string) ([]*RunItemScore, error) {
	const query = `
		SELECT run_id, item_id, metric_name, score_num, score_raw, meta
		FROM run_item_scores WHERE run_id = $1
	`

	rows, err := s.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list run item scores: %w", err)
	}
	defer rows.Close()

	var scores []*RunItemScore

	for rows.Next() {
		var (
			score    RunItemScore
			rawJSON  []byte
			metaJSON []byte
		)

		if err := rows.Scan(&score.RunID, &score.ItemID, &score.MetricName, &score.ScoreNum, &rawJSON, &metaJSON); err != nil {
			return nil, fmt.Errorf("storage: scan run item score: %w", err)
		}

		if rawJSON != nil {
			if err := json.Unmarshal(rawJSON, &score.ScoreRaw); err != nil {
				return nil, fmt.Errorf("storage: unmarshal score raw: %w", err)
			}
		}

		if metaJSON != nil {
			if err := json.Unmarshal(metaJSON, &score.Meta); err != nil {
				return nil, fmt.Errorf("storage: unmarshal score meta: %w", err)
			}
		}

		scores = append(scores, &score)
	}

	return scores, rows.Err()
}

// UpdateStatus transitions a run's status, used by the workflow package
// (submit/approve/reject).
func (s *RunStore) UpdateStatus(ctx context.Context, runID string, status RunStatus, endedAt *time.Time) error {
	const query = `
		UPDATE runs SET status = $2, ended_at = COALESCE($3, ended_at), updated_at = now()
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, runID, status, endedAt)
	if err != nil {
		return fmt.Errorf("storage: update run status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrRunNotFound
	}

	return nil
}

// InsertUploadedRun writes a finished run's items and scores in one
// transaction — used by the upload endpoint, which has no event stream to
// project from, only a completed snapshot.
func (s *RunStore) InsertUploadedRun(ctx context.Context, runID string, items []*RunItem, scores []*RunItemScore) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin insert uploaded run: %w", err)
	}
	defer tx.Rollback() //nolint: errcheck

	const insertItem = `
		INSERT INTO run_items (run_id, item_id, index, input, expected, output, error, item_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, item_id) DO UPDATE SET
			index = EXCLUDED.index, input = EXCLUDED.input, expected = EXCLUDED.expected,
			output = EXCLUDED.output, error = EXCLUDED.error, item_metadata = EXCLUDED.item_metadata,
			updated_at = now()
	`

	for _, item := range items {
		input, err := json.Marshal(item.Input)
		if err != nil {
			return fmt.Errorf("storage: marshal uploaded item input: %w", err)
		}

		expected, err := json.Marshal(item.Expected)
		if err != nil {
			return fmt.Errorf("storage: marshal uploaded item expected: %w", err)
		}

		output, err := json.Marshal(item.Output)
		if err != nil {
			return fmt.Errorf("storage: marshal uploaded item output: %w", err)
		}

		metadata, err := marshalOrEmptyObject(item.ItemMetadata)
		if err != nil {
			return fmt.Errorf("storage: marshal uploaded item metadata: %w", err)
		}

		if _, err := tx.ExecContext(ctx, insertItem, runID, item.ItemID, item.Index, input, expected, output, item.Error, metadata); err != nil {
			return fmt.Errorf("storage: insert uploaded item: %w", err)
		}
	}

	const insertScore = `
		INSERT INTO run_item_scores (run_id, item_id, metric_name, score_num, score_raw, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, item_id, metric_name) DO UPDATE SET
			score_num = EXCLUDED.score_num, score_raw = EXCLUDED.score_raw, meta = EXCLUDED.meta
	`

	for _, score := range scores {
		raw, err := json.Marshal(score.ScoreRaw)
		if err != nil {
			return fmt.Errorf("storage: marshal uploaded score raw: %w", err)
		}

		meta, err := marshalOrEmptyObject(score.Meta)
		if err != nil {
			return fmt.Errorf("storage: marshal uploaded score meta: %w", err)
		}

		if _, err := tx.ExecContext(ctx, insertScore, runID, score.ItemID, score.MetricName, score.ScoreNum, raw, meta); err != nil {
			return fmt.Errorf("storage: insert uploaded score: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit insert uploaded run: %w", err)
	}

	return nil
}

func (s *RunStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
