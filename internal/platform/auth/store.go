package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qym-eval/qym/internal/platform/storage"
)

var (
	// ErrKeyAlreadyExists is returned by InMemoryKeyStore.Add when a key with
	// the same ID is already stored.
	ErrKeyAlreadyExists = errors.New("auth: API key already exists")
	// ErrKeyNotFound is returned when an operation targets a missing key ID.
	ErrKeyNotFound = errors.New("auth: API key not found")
	// ErrKeyNil is returned when a nil APIKey is passed to Add.
	ErrKeyNil = errors.New("auth: API key cannot be nil")
)

// APIKey is the persisted record for one issued engine API key. Hash is the
// bcrypt hash; the raw token is never stored.
type APIKey struct {
	ID           string
	UserID       string
	LookupPrefix string
	Hash         string
	Name         string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	Active       bool
}

// Expired reports whether the key has passed its expiration time, if any.
func (k *APIKey) Expired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

// KeyStore stores and retrieves issued API keys.
type KeyStore interface {
	// FindCandidatesByPrefix returns all active keys sharing a lookup prefix.
	// Collisions are expected and resolved by the caller via bcrypt compare.
	FindCandidatesByPrefix(ctx context.Context, prefix string) ([]*APIKey, error)
	Add(ctx context.Context, key *APIKey) error
	Revoke(ctx context.Context, keyID string) error
	ListByUser(ctx context.Context, userID string) ([]*APIKey, error)
	HealthCheck(ctx context.Context) error
}

// PostgresKeyStore is the production KeyStore backed by the platform database.
type PostgresKeyStore struct {
	conn   *storage.Connection
	logger *slog.Logger
}

// NewPostgresKeyStore builds a PostgresKeyStore. logger defaults to slog.Default() if nil.
func NewPostgresKeyStore(conn *storage.Connection, logger *slog.Logger) *PostgresKeyStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresKeyStore{conn: conn, logger: logger}
}

// FindCandidatesByPrefix looks up every active key sharing lookupPrefix.
func (s *PostgresKeyStore) FindCandidatesByPrefix(ctx context.Context, prefix string) ([]*APIKey, error) {
	const q = `
		SELECT id, user_id, lookup_prefix, key_hash, name, created_at, expires_at, active
		FROM api_keys
		WHERE lookup_prefix = $1 AND active = TRUE`

	rows, err := s.conn.QueryContext(ctx, q, prefix)
	if err != nil {
		return nil, fmt.Errorf("auth: query candidates: %w", err)
	}
	defer rows.Close()

	var out []*APIKey

	for rows.Next() {
		k := &APIKey{}

		if err := rows.Scan(&k.ID, &k.UserID, &k.LookupPrefix, &k.Hash, &k.Name, &k.CreatedAt, &k.ExpiresAt, &k.Active); err != nil {
			return nil, fmt.Errorf("auth: scan candidate: %w", err)
		}

		out = append(out, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auth: iterate candidates: %w", err)
	}

	return out, nil
}

// Add inserts a new API key record, generating an ID if the caller didn't
// supply one.
func (s *PostgresKeyStore) Add(ctx context.Context, key *APIKey) error {
	if key == nil {
		return ErrKeyNil
	}

	if key.ID == "" {
		key.ID = uuid.NewString()
	}

	const q = `
		INSERT INTO api_keys (id, user_id, lookup_prefix, key_hash, name, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.conn.ExecContext(ctx, q, key.ID, key.UserID, key.LookupPrefix, key.Hash, key.Name, key.CreatedAt, key.ExpiresAt, key.Active)
	if err != nil {
		return fmt.Errorf("auth: insert key: %w", err)
	}

	s.logger.Info("api key issued", "key_id", key.ID, "user_id", key.UserID, "lookup_prefix", key.LookupPrefix)

	return nil
}

// Revoke soft-deletes a key by setting active=false.
func (s *PostgresKeyStore) Revoke(ctx context.Context, keyID string) error {
	const q = `UPDATE api_keys SET active = FALSE WHERE id = $1`

	res, err := s.conn.ExecContext(ctx, q, keyID)
	if err != nil {
		return fmt.Errorf("auth: revoke key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("auth: revoke key: %w", err)
	}

	if n == 0 {
		return ErrKeyNotFound
	}

	s.logger.Info("api key revoked", "key_id", keyID)

	return nil
}

// ListByUser returns every key (active or not) issued to userID.
func (s *PostgresKeyStore) ListByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	const q = `
		SELECT id, user_id, lookup_prefix, key_hash, name, created_at, expires_at, active
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC`

	rows, err := s.conn.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("auth: list keys: %w", err)
	}
	defer rows.Close()

	out := []*APIKey{}

	for rows.Next() {
		k := &APIKey{}

		if err := rows.Scan(&k.ID, &k.UserID, &k.LookupPrefix, &k.Hash, &k.Name, &k.CreatedAt, &k.ExpiresAt, &k.Active); err != nil {
			return nil, fmt.Errorf("auth: scan key: %w", err)
		}

		out = append(out, k)
	}

	return out, rows.Err()
}

// HealthCheck verifies the backing connection is reachable.
func (s *PostgresKeyStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// InMemoryKeyStore is a thread-safe KeyStore for tests and local development.
type InMemoryKeyStore struct {
	mu        sync.RWMutex
	byID      map[string]*APIKey
	byPrefix  map[string][]*APIKey
}

// NewInMemoryKeyStore builds an empty InMemoryKeyStore.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		byID:     make(map[string]*APIKey),
		byPrefix: make(map[string][]*APIKey),
	}
}

// FindCandidatesByPrefix returns copies of every active key sharing prefix.
func (s *InMemoryKeyStore) FindCandidatesByPrefix(_ context.Context, prefix string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*APIKey

	for _, k := range s.byPrefix[prefix] {
		if !k.Active {
			continue
		}

		cp := *k
		out = append(out, &cp)
	}

	return out, nil
}

// Add stores a copy of key, assigning an ID if absent.
func (s *InMemoryKeyStore) Add(_ context.Context, key *APIKey) error {
	if key == nil {
		return ErrKeyNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if key.ID == "" {
		key.ID = uuid.NewString()
	}

	if _, exists := s.byID[key.ID]; exists {
		return ErrKeyAlreadyExists
	}

	cp := *key
	s.byID[cp.ID] = &cp
	s.byPrefix[cp.LookupPrefix] = append(s.byPrefix[cp.LookupPrefix], &cp)

	return nil
}

// Revoke marks the stored key inactive.
func (s *InMemoryKeyStore) Revoke(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, exists := s.byID[keyID]
	if !exists {
		return ErrKeyNotFound
	}

	k.Active = false

	return nil
}

// ListByUser returns copies of every key issued to userID.
func (s *InMemoryKeyStore) ListByUser(_ context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*APIKey{}

	for _, k := range s.byID {
		if k.UserID == userID {
			cp := *k
			out = append(out, &cp)
		}
	}

	return out, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *InMemoryKeyStore) HealthCheck(_ context.Context) error {
	return nil
}

var _ KeyStore = (*PostgresKeyStore)(nil)
var _ KeyStore = (*InMemoryKeyStore)(nil)
