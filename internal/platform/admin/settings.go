package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/qym-eval/qym/internal/platform/api"
	"github.com/qym-eval/qym/internal/platform/auth"
	"github.com/qym-eval/qym/internal/platform/storage"
)

// HandleListSettings handles GET /v1/admin/settings.
func (h *Handlers) HandleListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Settings.List(r.Context())
	if err != nil {
		h.Logger.Error("failed to list settings", slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, h.Logger, api.InternalServerError("failed to list settings"))

		return
	}

	writeJSON(w, r, h.Logger, http.StatusOK, settings)
}

type setSettingRequest struct {
	Value string `json:"value"`
}

// HandleSetSetting handles PUT /v1/admin/settings/{key} — only the
// recognized policy keys (gm_vp_approved_only, manager_visibility_scope,
// allow_self_registration, require_approval) may be set; anything else is
// rejected rather than silently stored.
func (h *Handlers) HandleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.WriteErrorResponse(w, r, h.Logger, api.Unauthorized("authentication required"))

		return
	}

	var req setSettingRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteErrorResponse(w, r, h.Logger, api.BadRequest("invalid JSON: "+err.Error()))

		return
	}

	before, _ := h.Settings.Get(r.Context(), key)

	if err := h.Settings.Set(r.Context(), key, req.Value); err != nil {
		h.respondSettingError(w, r, err)

		return
	}

	if err := h.Audit.Record(r.Context(), principal.UserID, "setting.update", "setting", key,
		map[string]any{"value": before}, map[string]any{"value": req.Value}); err != nil {
		h.Logger.Error("failed to record audit entry", slog.String("error", err.Error()))
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) respondSettingError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrUnknownSettingKey) {
		api.WriteErrorResponse(w, r, h.Logger, api.BadRequest(err.Error()))

		return
	}

	h.Logger.Error("setting update failed", slog.String("error", err.Error()))
	api.WriteErrorResponse(w, r, h.Logger, api.InternalServerError("failed to update setting"))
}
