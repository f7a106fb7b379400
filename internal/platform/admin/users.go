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

type updateUserRequest struct {
	Role       storage.UserRole `json:"role"`
	TeamUnitID *string          `json:"team_unit_id,omitempty"`
}

// HandleUpdateUser handles PUT /v1/admin/users/{id} — role and org-unit
// reassignment, enforcing that the new role matches the new unit's type
// (EMPLOYEE/MANAGER -> TEAM, GM -> DEPARTMENT, VP -> SECTOR, ADMIN -> none).
func (h *Handlers) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.WriteErrorResponse(w, r, h.Logger, api.Unauthorized("authentication required"))

		return
	}

	var req updateUserRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteErrorResponse(w, r, h.Logger, api.BadRequest("invalid JSON: "+err.Error()))

		return
	}

	if !req.Role.IsValid() {
		api.WriteErrorResponse(w, r, h.Logger, api.BadRequest("invalid role"))

		return
	}

	if err := h.validateRoleUnit(r.Context(), req.Role, req.TeamUnitID); err != nil {
		api.WriteErrorResponse(w, r, h.Logger, api.BadRequest(err.Error()))

		return
	}

	before, err := h.Users.FindByID(r.Context(), userID)
	if err != nil {
		h.respondUserError(w, r, err)

		return
	}

	if err := h.Users.UpdateRoleAndTeam(r.Context(), userID, req.Role, req.TeamUnitID); err != nil {
		h.respondUserError(w, r, err)

		return
	}

	if err := h.Audit.Record(r.Context(), principal.UserID, "user.update_role_team", "user", userID,
		map[string]any{"role": string(before.Role), "team_unit_id": before.TeamUnitID},
		map[string]any{"role": string(req.Role), "team_unit_id": req.TeamUnitID}); err != nil {
		h.Logger.Error("failed to record audit entry", slog.String("error", err.Error()))
	}

	w.WriteHeader(http.StatusNoContent)
}

// validateRoleUnit checks the assigned org unit (if any) matches the type
// required by the role — ADMIN carries no unit, every other role requires
// one of the type RequiredOrgUnitType names.
func (h *Handlers) validateRoleUnit(ctx context.Context, role storage.UserRole, teamUnitID *string) error {
	required := role.RequiredOrgUnitType()

	if required == "" {
		return nil
	}

	if teamUnitID == nil {
		return errors.New("admin: role requires an assigned org unit")
	}

	unit, err := h.Org.FindByID(ctx, *teamUnitID)
	if err != nil {
		return errors.New("admin: org unit not found")
	}

	if unit.Type != required {
		return errors.New("admin: role requires an org unit of type " + string(required))
	}

	return nil
}

func (h *Handlers) respondUserError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrUserNotFound):
		api.WriteErrorResponse(w, r, h.Logger, api.NotFound("user not found"))
	default:
		h.Logger.Error("user operation failed", slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, h.Logger, api.InternalServerError("failed to process user operation"))
	}
}
