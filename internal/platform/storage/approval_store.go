package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

var ErrApprovalNotFound = errors.New("storage: approval not found")

// ApprovalStore persists the one submit/decide record per run.
type ApprovalStore struct {
	conn   *Connection
	logger *slog.Logger
}

func NewApprovalStore(conn *Connection, logger *slog.Logger) *ApprovalStore {
	return &ApprovalStore{conn: conn, logger: logger}
}

// Submit records a run's submission. One-to-one with a run: a second submit
// after a rejection replaces the prior record (a run may be resubmitted).
func (s *ApprovalStore) Submit(ctx context.Context, runID, submittedByUserID string) error {
	query := `
		INSERT INTO approvals (run_id, submitted_by_user_id, submitted_at, decision_by_user_id, decision_at, decision, comment)
		VALUES ($1, $2, now(), NULL, NULL, NULL, '')
		ON CONFLICT (run_id) DO UPDATE SET
			submitted_by_user_id = EXCLUDED.submitted_by_user_id,
			submitted_at = now(),
			decision_by_user_id = NULL,
			decision_at = NULL,
			decision = NULL,
			comment = ''`

	if _, err := s.conn.ExecContext(ctx, query, runID, submittedByUserID); err != nil {
		return fmt.Errorf("storage: submit approval: %w", err)
	}

	return nil
}

// Decide records the manager/admin decision on a submitted run.
func (s *ApprovalStore) Decide(ctx context.Context, runID, decisionByUserID string, decision ApprovalDecision, comment string) error {
	query := `
		UPDATE approvals
		SET decision_by_user_id = $2, decision_at = now(), decision = $3, comment = $4
		WHERE run_id = $1`

	result, err := s.conn.ExecContext(ctx, query, runID, decisionByUserID, string(decision), comment)
	if err != nil {
		return fmt.Errorf("storage: record decision: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: record decision: %w", err)
	}

	if rows == 0 {
		return ErrApprovalNotFound
	}

	return nil
}

// FindByRunID returns a run's approval record, or ErrApprovalNotFound if the
// run has never been submitted.
func (s *ApprovalStore) FindByRunID(ctx context.Context, runID string) (*Approval, error) {
	query := `
		SELECT run_id, submitted_by_user_id, submitted_at, decision_by_user_id, decision_at, decision, comment
		FROM approvals
		WHERE run_id = $1`

	row := s.conn.QueryRowContext(ctx, query, runID)

	var (
		approval         Approval
		decisionByUserID sql.NullString
		decisionAt       sql.NullTime
		decision         sql.NullString
	)

	err := row.Scan(&approval.RunID, &approval.SubmittedByUserID, &approval.SubmittedAt,
		&decisionByUserID, &decisionAt, &decision, &approval.Comment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("storage: find approval: %w", err)
	}

	if decisionByUserID.Valid {
		approval.DecisionByUserID = &decisionByUserID.String
	}

	if decisionAt.Valid {
		t := decisionAt.Time
		approval.DecisionAt = &t
	}

	if decision.Valid {
		d := ApprovalDecision(decision.String)
		approval.Decision = &d
	}

	return &approval, nil
}

func (s *ApprovalStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}
