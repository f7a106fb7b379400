package visibility

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/qym-eval/qym/internal/platform/api"
	"github.com/qym-eval/qym/internal/platform/auth"
	"github.com/qym-eval/qym/internal/platform/storage"
)

// Handlers exposes Service as HTTP handlers. Kept separate from Service
// itself so the core visibility logic stays transport-agnostic and
// unit-testable without a ResponseWriter in sight.
type Handlers struct {
	Service *Service
	Logger  *slog.Logger
}

type (
	runSummaryResponse struct {
		RunID          string             `json:"run_id"`
		Task           string             `json:"task"`
		Dataset        string             `json:"dataset"`
		Model          string             `json:"model"`
		Status         storage.RunStatus  `json:"status"`
		TotalItems     int                `json:"total_items"`
		ErrorCount     int                `json:"error_count"`
		AvgLatencyMs   float64            `json:"avg_latency_ms"`
		MetricAverages map[string]float64 `json:"metric_averages"`
		Progress       *float64           `json:"progress,omitempty"`
		StartedAt      *string            `json:"started_at,omitempty"`
		EndedAt        *string            `json:"ended_at,omitempty"`
	}

	modelGroupResponse map[string][]runSummaryResponse

	taskGroupResponse struct {
		Task   string             `json:"task"`
		Models modelGroupResponse `json:"models"`
	}

	runDetailResponse struct {
		Run   runSummaryResponse `json:"run"`
		Items []runItemResponse  `json:"items"`
	}

	runItemResponse struct {
		ItemID    string                   `json:"item_id"`
		Index     int                      `json:"index"`
		Input     any                      `json:"input,omitempty"`
		Expected  any                      `json:"expected_output,omitempty"`
		Output    any                      `json:"output,omitempty"`
		Error     string                   `json:"error,omitempty"`
		LatencyMs *float64                 `json:"latency_ms,omitempty"`
		TraceID   string                   `json:"trace_id,omitempty"`
		TraceURL  string                   `json:"trace_url,omitempty"`
		Scores    map[string]scoreResponse `json:"scores,omitempty"`
	}

	scoreResponse struct {
		Value any            `json:"value"`
		Meta  map[string]any `json:"meta,omitempty"`
	}
)

// HandleListRuns handles GET /api/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.WriteErrorResponse(w, r, h.Logger, api.Unauthorized("authentication required"))

		return
	}

	groups, err := h.Service.ListVisibleRuns(r.Context(), Principal{UserID: principal.UserID, Role: principal.Role})
	if err != nil {
		h.Logger.Error("failed to list visible runs", slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, h.Logger, api.InternalServerError("failed to list runs"))

		return
	}

	resp := make([]taskGroupResponse, 0, len(groups))

	for _, group := range groups {
		models := make(modelGroupResponse, len(group.Models))

		for model, summaries := range group.Models {
			entries := make([]runSummaryResponse, 0, len(summaries))
			for _, s := range summaries {
				entries = append(entries, toRunSummaryResponse(s))
			}

			models[model] = entries
		}

		resp = append(resp, taskGroupResponse{Task: group.Task, Models: models})
	}

	writeJSON(w, h.Logger, http.StatusOK, resp)
}

// HandleGetRun handles GET /api/runs/{id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.WriteErrorResponse(w, r, h.Logger, api.Unauthorized("authentication required"))

		return
	}

	run, items, scores, err := h.Service.GetRunDetail(r.Context(), Principal{UserID: principal.UserID, Role: principal.Role}, runID)
	if err != nil {
		h.respondDetailError(w, r, err)

		return
	}

	scoresByItem := make(map[string]map[string]scoreResponse)

	for _, score := range scores {
		byMetric, ok := scoresByItem[score.ItemID]
		if !ok {
			byMetric = map[string]scoreResponse{}
			scoresByItem[score.ItemID] = byMetric
		}

		value := score.ScoreRaw
		if score.ScoreNum != nil {
			value = *score.ScoreNum
		}

		byMetric[score.MetricName] = scoreResponse{Value: value, Meta: score.Meta}
	}

	itemResponses := make([]runItemResponse, 0, len(items))

	for _, item := range items {
		itemResponses = append(itemResponses, runItemResponse{
			ItemID:    item.ItemID,
			Index:     item.Index,
			Input:     item.Input,
			Expected:  item.Expected,
			Output:    item.Output,
			Error:     item.Error,
			LatencyMs: item.LatencyMs,
			TraceID:   item.TraceID,
			TraceURL:  item.TraceURL,
			Scores:    scoresByItem[item.ItemID],
		})
	}

	summary, err := h.Service.summarize(r.Context(), run)
	if err != nil {
		h.Logger.Error("failed to summarize run", slog.String("run_id", runID), slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, h.Logger, api.InternalServerError("failed to summarize run"))

		return
	}

	writeJSON(w, h.Logger, http.StatusOK, runDetailResponse{
		Run:   toRunSummaryResponse(summary),
		Items: itemResponses,
	})
}

func (h *Handlers) respondDetailError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrRunNotFound):
		api.WriteErrorResponse(w, r, h.Logger, api.NotFound("run not found"))
	case errors.Is(err, ErrAccessDenied):
		api.WriteErrorResponse(w, r, h.Logger, api.Forbidden("caller cannot view this run"))
	default:
		h.Logger.Error("failed to resolve run detail", slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, h.Logger, api.InternalServerError("failed to resolve run"))
	}
}

func toRunSummaryResponse(s *Summary) runSummaryResponse {
	resp := runSummaryResponse{
		RunID:          s.Run.ID,
		Task:           s.Run.Task,
		Dataset:        s.Run.Dataset,
		Model:          s.Run.Model,
		Status:         s.Run.Status,
		TotalItems:     s.TotalItems,
		ErrorCount:     s.ErrorCount,
		AvgLatencyMs:   s.AvgLatencyMs,
		MetricAverages: s.MetricAverages,
		Progress:       s.Progress,
	}

	if s.Run.StartedAt != nil {
		started := s.Run.StartedAt.Format(timeFormat)
		resp.StartedAt = &started
	}

	if s.Run.EndedAt != nil {
		ended := s.Run.EndedAt.Format(timeFormat)
		resp.EndedAt = &ended
	}

	return resp
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		logger.Error("failed to marshal response", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		logger.Error("failed to write response", slog.String("error", err.Error()))
	}
}
