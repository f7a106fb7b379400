package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound      = errors.New("storage: user not found")
	ErrUserAlreadyExists = errors.New("storage: user already exists")
)

// UserStore persists User records and resolves role/team invariants.
type UserStore struct {
	conn   *Connection
	logger *slog.Logger
}

func NewUserStore(conn *Connection, logger *slog.Logger) *UserStore {
	return &UserStore{conn: conn, logger: logger}
}

func (s *UserStore) FindByID(ctx context.Context, userID string) (*User, error) {
	const query = `
		SELECT id, email, name, title, role, team_unit_id, active, created_at, updated_at
		FROM users WHERE id = $1
	`

	return s.scanOne(s.conn.QueryRowContext(ctx, query, userID))
}

func (s *UserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	const query = `
		SELECT id, email, name, title, role, team_unit_id, active, created_at, updated_at
		FROM users WHERE email = $1
	`

	return s.scanOne(s.conn.QueryRowContext(ctx, query, email))
}

func (s *UserStore) scanOne(row *sql.Row) (*User, error) {
	var u User

	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Title, &u.Role, &u.TeamUnitID, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("storage: find user: %w", err)
	}

	return &u, nil
}

// Create inserts a new user, generating an ID if ID is empty.
func (s *UserStore) Create(ctx context.Context, u *User) (*User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}

	if !u.Role.IsValid() {
		return nil, fmt.Errorf("storage: %w: role %q", ErrInvalidRole, u.Role)
	}

	const query = `
		INSERT INTO users (id, email, name, title, role, team_unit_id, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := s.conn.QueryRowContext(ctx, query, u.ID, u.Email, u.Name, u.Title, u.Role, u.TeamUnitID, u.Active).
		Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("storage: create user: %w", err)
	}

	s.logger.Info("user created", slog.String("user_id", u.ID), slog.String("role", string(u.Role)))

	return u, nil
}

// UpdateRoleAndTeam changes a user's role and team assignment. It checks only
// that role is a recognized role; the role-against-org-unit-type rule is
// checked by the admin package, not here.
func (s *UserStore) UpdateRoleAndTeam(ctx context.Context, userID string, role UserRole, teamUnitID *string) error {
	if !role.IsValid() {
		return fmt.Errorf("storage: %w: role %q", ErrInvalidRole, role)
	}

	const query = `
		UPDATE users SET role = $2, team_unit_id = $3, updated_at = now()
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, userID, role, teamUnitID)
	if err != nil {
		return fmt.Errorf("storage: update user role: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}

	return nil
}

// ListByTeam returns active users whose team_unit_id equals teamUnitID.
func (s *UserStore) ListByTeam(ctx context.Context, teamUnitID string) ([]*User, error) {
	const query = `
		SELECT id, email, name, title, role, team_unit_id, active, created_at, updated_at
		FROM users WHERE team_unit_id = $1 AND active = TRUE
		ORDER BY name
	`

	rows, err := s.conn.QueryContext(ctx, query, teamUnitID)
	if err != nil {
		return nil, fmt.Errorf("storage: list users by team: %w", err)
	}
	defer rows.Close()

	var users []*User

	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Title, &u.Role, &u.TeamUnitID, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan user: %w", err)
		}

		users = append(users, &u)
	}

	return users, rows.Err()
}

func (s *UserStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}
