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
	ErrOrgUnitNotFound      = errors.New("storage: org unit not found")
	ErrInvalidParentType    = errors.New("storage: invalid parent type for org unit")
	ErrManagerAlreadyAssigned = errors.New("storage: user already manages a team")
)

// parentTypeFor returns the required parent type for a given org unit type,
// or "" for SECTOR (which has no parent).
func parentTypeFor(t OrgUnitType) (OrgUnitType, bool) {
	switch t {
	case OrgUnitTeam:
		return OrgUnitDepartment, true
	case OrgUnitDepartment:
		return OrgUnitSector, true
	case OrgUnitSector:
		return "", false
	default:
		return "", false
	}
}

// OrgStore persists OrgUnit records and maintains the OrgUnitClosure table.
type OrgStore struct {
	conn   *Connection
	logger *slog.Logger
}

func NewOrgStore(conn *Connection, logger *slog.Logger) *OrgStore {
	return &OrgStore{conn: conn, logger: logger}
}

// Create inserts an org unit, enforcing the parent-type rule (a unit's
// SECTOR has no parent, DEPARTMENT's parent is a SECTOR, TEAM's parent is a
// DEPARTMENT), then incrementally extends the closure table for the new unit
// — mirroring the original's `_rebuild_closure_for_unit` incremental approach
// rather than a full rebuild on every insert.
func (s *OrgStore) Create(ctx context.Context, unit *OrgUnit) (*OrgUnit, error) {
	if unit.ID == "" {
		unit.ID = uuid.NewString()
	}

	requiredParentType, needsParent := parentTypeFor(unit.Type)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin create org unit: %w", err)
	}
	defer tx.Rollback() //nolint: errcheck

	if needsParent {
		if unit.ParentID == nil {
			return nil, fmt.Errorf("storage: %w: %s requires a %s parent", ErrInvalidParentType, unit.Type, requiredParentType)
		}

		var parentType OrgUnitType

		err := tx.QueryRowContext(ctx, `SELECT type FROM org_units WHERE id = $1`, *unit.ParentID).Scan(&parentType)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrgUnitNotFound
		}

		if err != nil {
			return nil, fmt.Errorf("storage: lookup parent org unit: %w", err)
		}

		if parentType != requiredParentType {
			return nil, fmt.Errorf("storage: %w: %s parent must be %s, got %s", ErrInvalidParentType, unit.Type, requiredParentType, parentType)
		}
	} else if unit.ParentID != nil {
		return nil, fmt.Errorf("storage: %w: %s must not have a parent", ErrInvalidParentType, unit.Type)
	}

	const insertUnit = `
		INSERT INTO org_units (id, name, type, parent_id, manager_user_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	if err := tx.QueryRowContext(ctx, insertUnit, unit.ID, unit.Name, unit.Type, unit.ParentID, unit.ManagerUserID).
		Scan(&unit.CreatedAt, &unit.UpdatedAt); err != nil {
		return nil, fmt.Errorf("storage: create org unit: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO org_unit_closure (ancestor_id, descendant_id, depth) VALUES ($1, $1, 0)`, unit.ID,
	); err != nil {
		return nil, fmt.Errorf("storage: insert self closure: %w", err)
	}

	if unit.ParentID != nil {
		const insertAncestors = `
			INSERT INTO org_unit_closure (ancestor_id, descendant_id, depth)
			SELECT ancestor_id, $2, depth + 1
			FROM org_unit_closure WHERE descendant_id = $1
		`
		if _, err := tx.ExecContext(ctx, insertAncestors, *unit.ParentID, unit.ID); err != nil {
			return nil, fmt.Errorf("storage: extend closure: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit create org unit: %w", err)
	}

	s.logger.Info("org unit created", slog.String("org_unit_id", unit.ID), slog.String("type", string(unit.Type)))

	return unit, nil
}

// AssignManager sets an org unit's manager, rejecting a user who already
// manages a different team (per the original's double-manager guard).
func (s *OrgStore) AssignManager(ctx context.Context, unitID, userID string) error {
	var existing sql.NullString

	err := s.conn.QueryRowContext(ctx,
		`SELECT id FROM org_units WHERE manager_user_id = $1 AND id != $2`, userID, unitID,
	).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage: check existing manager assignment: %w", err)
	}

	if existing.Valid {
		return ErrManagerAlreadyAssigned
	}

	result, err := s.conn.ExecContext(ctx,
		`UPDATE org_units SET manager_user_id = $2, updated_at = now() WHERE id = $1`, unitID, userID,
	)
	if err != nil {
		return fmt.Errorf("storage: assign manager: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrgUnitNotFound
	}

	return nil
}

func (s *OrgStore) FindByID(ctx context.Context, unitID string) (*OrgUnit, error) {
	const query = `
		SELECT id, name, type, parent_id, manager_user_id, created_at, updated_at
		FROM org_units WHERE id = $1
	`

	var u OrgUnit

	err := s.conn.QueryRowContext(ctx, query, unitID).
		Scan(&u.ID, &u.Name, &u.Type, &u.ParentID, &u.ManagerUserID, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrgUnitNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("storage: find org unit: %w", err)
	}

	return &u, nil
}

func (s *OrgStore) List(ctx context.Context) ([]*OrgUnit, error) {
	const query = `
		SELECT id, name, type, parent_id, manager_user_id, created_at, updated_at
		FROM org_units ORDER BY type, name
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: list org units: %w", err)
	}
	defer rows.Close()

	var units []*OrgUnit

	for rows.Next() {
		var u OrgUnit
		if err := rows.Scan(&u.ID, &u.Name, &u.Type, &u.ParentID, &u.ManagerUserID, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan org unit: %w", err)
		}

		units = append(units, &u)
	}

	return units, rows.Err()
}

// RebuildClosure fully rebuilds the closure table from scratch, following the
// original's `rebuild_all_closure`: linear in the number of units, acceptable
// at admin frequency. Used after a unit's parent changes, since that can
// invalidate many descendants' ancestor chains at once.
func (s *OrgStore) RebuildClosure(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin rebuild closure: %w", err)
	}
	defer tx.Rollback() //nolint: errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM org_unit_closure`); err != nil {
		return fmt.Errorf("storage: clear closure: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO org_unit_closure (ancestor_id, descendant_id, depth) SELECT id, id, 0 FROM org_units`,
	); err != nil {
		return fmt.Errorf("storage: seed self closure: %w", err)
	}

	// Iteratively extend by one hop at a time until no unit remains unlinked
	// to its chain of ancestors; bounded by the DAG's max depth.
	const extendOneHop = `
		INSERT INTO org_unit_closure (ancestor_id, descendant_id, depth)
		SELECT c.ancestor_id, u.id, c.depth + 1
		FROM org_units u
		JOIN org_unit_closure c ON c.descendant_id = u.parent_id
		WHERE u.parent_id IS NOT NULL
		  AND NOT EXISTS (
		    SELECT 1 FROM org_unit_closure existing
		    WHERE existing.ancestor_id = c.ancestor_id AND existing.descendant_id = u.id
		  )
	`

	const maxHops = 16

	for i := 0; i < maxHops; i++ {
		result, err := tx.ExecContext(ctx, extendOneHop)
		if err != nil {
			return fmt.Errorf("storage: extend closure hop %d: %w", i, err)
		}

		rows, _ := result.RowsAffected()
		if rows == 0 {
			break
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit rebuild closure: %w", err)
	}

	s.logger.Info("org unit closure rebuilt")

	return nil
}

// SetParent updates a unit's parent and triggers a full closure rebuild.
func (s *OrgStore) SetParent(ctx context.Context, unitID string, parentID *string) error {
	result, err := s.conn.ExecContext(ctx,
		`UPDATE org_units SET parent_id = $2, updated_at = now() WHERE id = $1`, unitID, parentID,
	)
	if err != nil {
		return fmt.Errorf("storage: set org unit parent: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrgUnitNotFound
	}

	return s.RebuildClosure(ctx)
}

// IsManagerOf reports whether userID manages the team containing memberUserID
// (i.e. memberUserID's team_unit_id has userID as its manager_user_id).
func (s *OrgStore) IsManagerOf(ctx context.Context, managerUserID, memberUserID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM users u
			JOIN org_units ou ON ou.id = u.team_unit_id
			WHERE u.id = $2 AND ou.manager_user_id = $1
		)
	`

	var ok bool

	if err := s.conn.QueryRowContext(ctx, query, managerUserID, memberUserID).Scan(&ok); err != nil {
		return false, fmt.Errorf("storage: check manager relationship: %w", err)
	}

	return ok, nil
}

func (s *OrgStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}
