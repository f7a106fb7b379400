package workflow

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

// Handlers exposes Service as HTTP handlers.
type Handlers struct {
	Service *Service
	Logger  *slog.Logger
}

type (
	decisionRequest struct {
		Comment string `json:"comment,omitempty"`
	}

	runStatusResponse struct {
		RunID  string            `json:"run_id"`
		Status storage.RunStatus `json:"status"`
	}
)

// HandleSubmit handles POST /v1/runs/{id}/submit.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.WriteErrorResponse(w, r, h.Logger, api.Unauthorized("authentication required"))

		return
	}

	run, err := h.Service.Submit(r.Context(), runID, principal.UserID)
	if err != nil {
		h.respondError(w, r, err)

		return
	}

	writeJSON(w, r, h.Logger, http.StatusOK, runStatusResponse{RunID: run.ID, Status: run.Status})
}

// HandleApprove handles POST /v1/runs/{id}/approve.
func (h *Handlers) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.Service.Approve)
}

// HandleReject handles POST /v1/runs/{id}/reject.
func (h *Handlers) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.Service.Reject)
}

type decideFunc func(ctx context.Context, runID, callerUserID string, callerRole storage.UserRole, comment string) (*storage.Run, error)

func (h *Handlers) decide(w http.ResponseWriter, r *http.Request, fn decideFunc) {
	runID := r.PathValue("id")

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.WriteErrorResponse(w, r, h.Logger, api.Unauthorized("authentication required"))

		return
	}

	var req decisionRequest

	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteErrorResponse(w, r, h.Logger, api.BadRequest("invalid JSON: "+err.Error()))

			return
		}
	}

	run, err := fn(r.Context(), runID, principal.UserID, principal.Role, req.Comment)
	if err != nil {
		h.respondError(w, r, err)

		return
	}

	writeJSON(w, r, h.Logger, http.StatusOK, runStatusResponse{RunID: run.ID, Status: run.Status})
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrRunNotFound):
		api.WriteErrorResponse(w, r, h.Logger, api.NotFound("run not found"))
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotDecider):
		api.WriteErrorResponse(w, r, h.Logger, api.Forbidden(err.Error()))
	case errors.Is(err, ErrNotTerminalState), errors.Is(err, ErrNotSubmitted):
		api.WriteErrorResponse(w, r, h.Logger, api.Conflict(err.Error()))
	default:
		h.Logger.Error("workflow transition failed", slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, h.Logger, api.InternalServerError("failed to process transition"))
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
