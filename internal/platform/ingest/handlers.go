package ingest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/qym-eval/qym/internal/eventschema"
	"github.com/qym-eval/qym/internal/platform/api"
	"github.com/qym-eval/qym/internal/platform/api/middleware"
	"github.com/qym-eval/qym/internal/platform/auth"
	"github.com/qym-eval/qym/internal/platform/storage"
)

const maxEventLineBytes = 1 << 20 // 1 MiB per NDJSON line

type (
	// createRunRequest is the POST /v1/runs body.
	createRunRequest struct {
		ExternalRunID string         `json:"external_run_id,omitempty"`
		Task          string         `json:"task"`
		Dataset       string         `json:"dataset"`
		Model         string         `json:"model,omitempty"`
		Metrics       []string       `json:"metrics"`
		RunMetadata   map[string]any `json:"run_metadata"`
		RunConfig     map[string]any `json:"run_config"`
	}

	// createRunResponse is the POST /v1/runs response.
	createRunResponse struct {
		RunID   string `json:"run_id"`
		LiveURL string `json:"live_url"`
	}

	// applyEventsResponse is the POST /v1/runs/{id}/events response.
	applyEventsResponse struct {
		Applied int `json:"applied"`
		Skipped int `json:"skipped"`
	}
)

// HandleCreateRun handles POST /v1/runs.
func (s *Service) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.WriteErrorResponse(w, r, s.Logger, api.Unauthorized("authentication required"))

		return
	}

	var req createRunRequest

	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventLineBytes)).Decode(&req); err != nil {
		api.WriteErrorResponse(w, r, s.Logger, api.BadRequest("invalid JSON: "+err.Error()))

		return
	}

	if req.Task == "" || req.Dataset == "" {
		api.WriteErrorResponse(w, r, s.Logger, api.BadRequest("task and dataset are required"))

		return
	}

	run := &storage.Run{
		ExternalRunID:   req.ExternalRunID,
		CreatedByUserID: principal.UserID,
		OwnerUserID:     principal.UserID,
		Task:            req.Task,
		Dataset:         req.Dataset,
		Model:           req.Model,
		Metrics:         req.Metrics,
		RunMetadata:     req.RunMetadata,
		RunConfig:       req.RunConfig,
		Status:          storage.RunRunning,
	}

	created, err := s.Runs.Create(r.Context(), run)
	if errors.Is(err, storage.ErrExternalRunIDConflict) {
		api.WriteErrorResponse(w, r, s.Logger, api.Conflict("external_run_id already in use"))

		return
	}

	if err != nil {
		s.Logger.Error("failed to create run", slog.String("correlation_id", correlationID), slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, s.Logger, api.InternalServerError("failed to create run"))

		return
	}

	resp := createRunResponse{
		RunID:   created.ID,
		LiveURL: fmt.Sprintf("%s/run/%s", strings.TrimRight(s.BaseURL, "/"), created.ID),
	}

	writeJSON(w, r, s.Logger, http.StatusCreated, resp)
}

// HandleApplyEvents handles POST /v1/runs/{id}/events — an NDJSON batch,
// each line a v1 envelope. All-or-nothing at the batch-schema level:
// any line failing to parse rejects the whole request with 400.
func (s *Service) HandleApplyEvents(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	runID := r.PathValue("id")

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.WriteErrorResponse(w, r, s.Logger, api.Unauthorized("authentication required"))

		return
	}

	if _, err := s.CheckOwnership(r.Context(), runID, principal.UserID); err != nil {
		s.respondOwnershipError(w, r, err)

		return
	}

	envelopes, problem := parseNDJSONEnvelopes(r.Body, runID)
	if problem != nil {
		api.WriteErrorResponse(w, r, s.Logger, problem)

		return
	}

	results, err := s.Events.Apply(r.Context(), runID, envelopes)
	if err != nil {
		s.Logger.Error("failed to apply events", slog.String("correlation_id", correlationID),
			slog.String("run_id", runID), slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, s.Logger, api.InternalServerError("failed to apply events"))

		return
	}

	applied, skipped := 0, 0
	appliedEnvelopes := make([]eventschema.Envelope, 0, len(results))

	for _, res := range results {
		if res.Skipped {
			skipped++

			continue
		}

		applied++

		appliedEnvelopes = append(appliedEnvelopes, res.Envelope)
	}

	if len(appliedEnvelopes) > 0 {
		s.publisher().Publish(runID, appliedEnvelopes)
	}

	s.Logger.Info("run events applied", slog.String("correlation_id", correlationID),
		slog.String("run_id", runID), slog.Int("applied", applied), slog.Int("skipped", skipped))

	writeJSON(w, r, s.Logger, http.StatusOK, applyEventsResponse{Applied: applied, Skipped: skipped})
}

func (s *Service) respondOwnershipError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrRunNotFound):
		api.WriteErrorResponse(w, r, s.Logger, api.NotFound("run not found"))
	case errors.Is(err, ErrNotOwner):
		api.WriteErrorResponse(w, r, s.Logger, api.Forbidden("caller does not own this run"))
	default:
		api.WriteErrorResponse(w, r, s.Logger, api.InternalServerError("failed to resolve run"))
	}
}

// parseNDJSONEnvelopes reads and validates each line of an NDJSON body,
// rejecting the whole batch on the first malformed line or run_id mismatch.
func parseNDJSONEnvelopes(body io.Reader, pathRunID string) ([]eventschema.Envelope, *api.ProblemDetail) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineBytes)

	var envelopes []eventschema.Envelope

	lineNum := 0

	for scanner.Scan() {
		lineNum++

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var env eventschema.Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			return nil, api.BadRequest(fmt.Sprintf("line %d: invalid JSON: %s", lineNum, err.Error()))
		}

		if env.SchemaVersion != eventschema.SchemaVersion {
			return nil, api.BadRequest(fmt.Sprintf("line %d: unsupported schema_version %d", lineNum, env.SchemaVersion))
		}

		if env.RunID != pathRunID {
			return nil, api.BadRequest(fmt.Sprintf("line %d: event run_id %q does not match path id %q", lineNum, env.RunID, pathRunID))
		}

		if env.EventID == "" {
			return nil, api.BadRequest(fmt.Sprintf("line %d: missing event_id", lineNum))
		}

		if _, err := env.Decode(); err != nil {
			return nil, api.BadRequest(fmt.Sprintf("line %d: %s", lineNum, err.Error()))
		}

		envelopes = append(envelopes, env)
	}

	if err := scanner.Err(); err != nil {
		return nil, api.BadRequest("failed to read request body: " + err.Error())
	}

	if len(envelopes) == 0 {
		return nil, api.BadRequest("event batch cannot be empty")
	}

	return envelopes, nil
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
