// Package admin implements the ADMIN-only management surface: org
// unit CRUD and manager assignment, user role/team updates, platform
// settings, and closure-table maintenance.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/qym-eval/qym/internal/platform/api"
	"github.com/qym-eval/qym/internal/platform/auth"
	"github.com/qym-eval/qym/internal/platform/storage"
)

// OrgStore is the subset of storage.OrgStore the admin handlers need.
type OrgStore interface {
	Create(ctx context.Context, unit *storage.OrgUnit) (*storage.OrgUnit, error)
	AssignManager(ctx context.Context, unitID, userID string) error
	FindByID(ctx context.Context, unitID string) (*storage.OrgUnit, error)
	List(ctx context.Context) ([]*storage.OrgUnit, error)
	RebuildClosure(ctx context.Context) error
	SetParent(ctx context.Context, unitID string, parentID *string) error
}

// UserStore is the subset of storage.UserStore the admin handlers need.
type UserStore interface {
	FindByID(ctx context.Context, userID string) (*storage.User, error)
	UpdateRoleAndTeam(ctx context.Context, userID string, role storage.UserRole, teamUnitID *string) error
	ListByTeam(ctx context.Context, teamUnitID string) ([]*storage.User, error)
}

// SettingsStore is the subset of storage.SettingsStore the admin handlers need.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	List(ctx context.Context) (map[string]string, error)
}

// AuditStore records every admin mutation.
type AuditStore interface {
	Record(ctx context.Context, actorID, action, entityType, entityID string, before, after map[string]any) error
}

// Handlers exposes org/user/settings administration as HTTP handlers. Every
// handler assumes the caller has already been verified ADMIN by the routing
// middleware, gating by endpoint rather than re-checking role inside every
// handler body.
type Handlers struct {
	Org      OrgStore
	Users    UserStore
	Settings SettingsStore
	Audit    AuditStore
	Logger   *slog.Logger
}

type createOrgUnitRequest struct {
	Name     string              `json:"name"`
	Type     storage.OrgUnitType `json:"type"`
	ParentID *string             `json:"parent_id,omitempty"`
}

// HandleCreateOrgUnit handles POST /v1/admin/org/units.
func (h *Handlers) HandleCreateOrgUnit(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.WriteErrorResponse(w, r, h.Logger, api.Unauthorized("authentication required"))

		return
	}

	var req createOrgUnitRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteErrorResponse(w, r, h.Logger, api.BadRequest("invalid JSON: "+err.Error()))

		return
	}

	if req.Name == "" {
		api.WriteErrorResponse(w, r, h.Logger, api.BadRequest("name is required"))

		return
	}

	unit := &storage.OrgUnit{Name: req.Name, Type: req.Type, ParentID: req.ParentID}

	created, err := h.Org.Create(r.Context(), unit)
	if err != nil {
		h.respondOrgError(w, r, err)

		return
	}

	if err := h.Audit.Record(r.Context(), principal.UserID, "org_unit.create", "org_unit", created.ID, nil,
		map[string]any{"name": created.Name, "type": string(created.Type), "parent_id": created.ParentID}); err != nil {
		h.Logger.Error("failed to record audit entry", slog.String("error", err.Error()))
	}

	writeJSON(w, r, h.Logger, http.StatusCreated, created)
}

// HandleListOrgUnits handles GET /v1/admin/org/units.
func (h *Handlers) HandleListOrgUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.Org.List(r.Context())
	if err != nil {
		h.Logger.Error("failed to list org units", slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, h.Logger, api.InternalServerError("failed to list org units"))

		return
	}

	writeJSON(w, r, h.Logger, http.StatusOK, units)
}

type assignManagerRequest struct {
	UserID string `json:"user_id"`
}

// HandleAssignManager handles POST /v1/admin/org/units/{id}/manager.
func (h *Handlers) HandleAssignManager(w http.ResponseWriter, r *http.Request) {
	unitID := r.PathValue("id")

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.WriteErrorResponse(w, r, h.Logger, api.Unauthorized("authentication required"))

		return
	}

	var req assignManagerRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteErrorResponse(w, r, h.Logger, api.BadRequest("invalid JSON: "+err.Error()))

		return
	}

	if err := h.Org.AssignManager(r.Context(), unitID, req.UserID); err != nil {
		h.respondOrgError(w, r, err)

		return
	}

	if err := h.Audit.Record(r.Context(), principal.UserID, "org_unit.assign_manager", "org_unit", unitID, nil,
		map[string]any{"manager_user_id": req.UserID}); err != nil {
		h.Logger.Error("failed to record audit entry", slog.String("error", err.Error()))
	}

	w.WriteHeader(http.StatusNoContent)
}

type setParentRequest struct {
	ParentID *string `json:"parent_id"`
}

// HandleSetParent handles PUT /v1/admin/org/units/{id}/parent — a full
// closure rebuild, since re-parenting can invalidate many descendants'
// ancestor chains at once, unlike the incremental extension on Create.
func (h *Handlers) HandleSetParent(w http.ResponseWriter, r *http.Request) {
	unitID := r.PathValue("id")

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.WriteErrorResponse(w, r, h.Logger, api.Unauthorized("authentication required"))

		return
	}

	var req setParentRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteErrorResponse(w, r, h.Logger, api.BadRequest("invalid JSON: "+err.Error()))

		return
	}

	if err := h.Org.SetParent(r.Context(), unitID, req.ParentID); err != nil {
		h.respondOrgError(w, r, err)

		return
	}

	if err := h.Audit.Record(r.Context(), principal.UserID, "org_unit.set_parent", "org_unit", unitID, nil,
		map[string]any{"parent_id": req.ParentID}); err != nil {
		h.Logger.Error("failed to record audit entry", slog.String("error", err.Error()))
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleRebuildClosure handles POST /v1/admin/org/units:rebuild-closure — a
// manual escape hatch for repairing the closure table after bulk edits.
func (h *Handlers) HandleRebuildClosure(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.WriteErrorResponse(w, r, h.Logger, api.Unauthorized("authentication required"))

		return
	}

	if err := h.Org.RebuildClosure(r.Context()); err != nil {
		h.Logger.Error("failed to rebuild closure", slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, h.Logger, api.InternalServerError("failed to rebuild closure"))

		return
	}

	if err := h.Audit.Record(r.Context(), principal.UserID, "org_unit.rebuild_closure", "org_unit", "*", nil, nil); err != nil {
		h.Logger.Error("failed to record audit entry", slog.String("error", err.Error()))
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) respondOrgError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrOrgUnitNotFound):
		api.WriteErrorResponse(w, r, h.Logger, api.NotFound("org unit not found"))
	case errors.Is(err, storage.ErrInvalidParentType):
		api.WriteErrorResponse(w, r, h.Logger, api.BadRequest(err.Error()))
	case errors.Is(err, storage.ErrManagerAlreadyAssigned):
		api.WriteErrorResponse(w, r, h.Logger, api.Conflict(err.Error()))
	default:
		h.Logger.Error("org unit operation failed", slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, h.Logger, api.InternalServerError("failed to process org unit operation"))
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		logger.Error("failed to marshal response", slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, logger, api.InternalServerError("failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		logger.Error("failed to write response", slog.String("error", err.Error()))
	}
}
