package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

var ErrUnknownSettingKey = errors.New("storage: unknown platform setting key")

// RecognizedSettings are the only keys the admin API accepts, per the
// platform's fixed settings surface: gm_vp_approved_only governs run
// visibility for GM/VP roles; the remaining three are reserved for future
// policy but already validated so client integrations can rely on them.
var RecognizedSettings = map[string]bool{
	"gm_vp_approved_only":    true,
	"manager_visibility_scope": true,
	"allow_self_registration": true,
	"require_approval":        true,
}

const DefaultGMVPApprovedOnly = "true"

// SettingsStore persists the platform's key-value policy table.
type SettingsStore struct {
	conn   *Connection
	logger *slog.Logger
}

func NewSettingsStore(conn *Connection, logger *slog.Logger) *SettingsStore {
	return &SettingsStore{conn: conn, logger: logger}
}

func (s *SettingsStore) Get(ctx context.Context, key string) (string, error) {
	var value string

	err := s.conn.QueryRowContext(ctx, `SELECT value FROM platform_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return s.defaultFor(key), nil
	}

	if err != nil {
		return "", fmt.Errorf("storage: get setting %q: %w", key, err)
	}

	return value, nil
}

func (s *SettingsStore) defaultFor(key string) string {
	if key == "gm_vp_approved_only" {
		return DefaultGMVPApprovedOnly
	}

	return ""
}

// Set upserts a recognized setting key, rejecting unknown keys.
func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	if !RecognizedSettings[key] {
		return fmt.Errorf("%w: %q", ErrUnknownSettingKey, key)
	}

	const query = `
		INSERT INTO platform_settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`

	if _, err := s.conn.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("storage: set setting %q: %w", key, err)
	}

	s.logger.Info("platform setting updated", slog.String("key", key), slog.String("value", value))

	return nil
}

func (s *SettingsStore) List(ctx context.Context) (map[string]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT key, value FROM platform_settings`)
	if err != nil {
		return nil, fmt.Errorf("storage: list settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string, len(RecognizedSettings))
	for key := range RecognizedSettings {
		settings[key] = s.defaultFor(key)
	}

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("storage: scan setting: %w", err)
		}

		settings[k] = v
	}

	return settings, rows.Err()
}

func (s *SettingsStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}
