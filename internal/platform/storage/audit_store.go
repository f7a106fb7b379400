package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
)

// AuditStore writes audit trail rows for admin and workflow mutations as a
// standalone, reusable append-only log.
type AuditStore struct {
	conn   *Connection
	logger *slog.Logger
}

func NewAuditStore(conn *Connection, logger *slog.Logger) *AuditStore {
	return &AuditStore{conn: conn, logger: logger}
}

// Record writes one audit entry. actorID may be empty for system actions.
// before/after are marshaled to JSON; either may be nil.
func (s *AuditStore) Record(ctx context.Context, actorID, action, entityType, entityID string, before, after map[string]any) error {
	return s.RecordTx(ctx, s.conn.DB, actorID, action, entityType, entityID, before, after)
}

// RecordTx is Record scoped to an existing transaction, so callers can make
// the audit row part of the same commit as the mutation it describes.
func (s *AuditStore) RecordTx(ctx context.Context, tx sqlExecer, actorID, action, entityType, entityID string, before, after map[string]any) error {
	beforeJSON, err := marshalOrNil(before)
	if err != nil {
		return fmt.Errorf("storage: marshal audit before: %w", err)
	}

	afterJSON, err := marshalOrNil(after)
	if err != nil {
		return fmt.Errorf("storage: marshal audit after: %w", err)
	}

	var actor sql.NullString
	if actorID != "" {
		actor = sql.NullString{String: actorID, Valid: true}
	}

	const query = `
		INSERT INTO audit_log (actor_id, action, entity_type, entity_id, before, after)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if _, err := tx.ExecContext(ctx, query, actor, action, entityType, entityID, beforeJSON, afterJSON); err != nil {
		return fmt.Errorf("storage: write audit log: %w", err)
	}

	s.logger.Info("audit event recorded",
		slog.String("action", action),
		slog.String("entity_type", entityType),
		slog.String("entity_id", entityID),
	)

	return nil
}

func marshalOrNil(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}

	return json.Marshal(m)
}

// sqlExecer is satisfied by both *sql.DB (via Connection) and *sql.Tx,
// letting RecordTx join either a standalone call or a caller's transaction.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
