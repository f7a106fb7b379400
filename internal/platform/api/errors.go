// Package api wires the platform's HTTP surface: middleware, routing, and
// RFC 7807 error responses.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/qym-eval/qym/internal/platform/api/middleware"
)

// ProblemDetail is an RFC 7807 Problem Details structure.
// See https://tools.ietf.org/html/rfc7807 for the specification.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// NewProblemDetail creates a new RFC 7807 Problem Detail.
func NewProblemDetail(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("https://qym.dev/problems/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// WithInstance adds an instance URI to the problem detail.
func (p *ProblemDetail) WithInstance(instance string) *ProblemDetail {
	p.Instance = instance

	return p
}

// WithCorrelationID adds a correlation ID to the problem detail.
func (p *ProblemDetail) WithCorrelationID(correlationID string) *ProblemDetail {
	p.CorrelationID = correlationID

	return p
}

// WriteErrorResponse writes an RFC 7807 compliant error response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if problem.CorrelationID == "" {
		problem.CorrelationID = correlationID
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("encode_error", err),
			slog.Int("status", problem.Status),
		)

		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Common error constructors for frequently used problem responses.

// InternalServerError creates a 500 Internal Server Error problem.
func InternalServerError(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusInternalServerError, "Internal Server Error", detail)
}

// BadRequest creates a 400 Bad Request problem.
func BadRequest(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, "Bad Request", detail)
}

// NotFound creates a 404 Not Found problem.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, "Not Found", detail)
}

// MethodNotAllowed creates a 405 Method Not Allowed problem.
func MethodNotAllowed(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusMethodNotAllowed, "Method Not Allowed", detail)
}

// Forbidden creates a 403 Forbidden problem.
func Forbidden(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusForbidden, "Forbidden", detail)
}

// Unauthorized creates a 401 Unauthorized problem.
func Unauthorized(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusUnauthorized, "Unauthorized", detail)
}

// UnprocessableEntity creates a 422 Unprocessable Entity problem, used when a
// payload is well-formed JSON but fails schema or business-rule validation.
func UnprocessableEntity(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusUnprocessableEntity, "Unprocessable Entity", detail)
}

// Conflict creates a 409 Conflict problem, used for state-machine violations
// and duplicate-resource writes.
func Conflict(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusConflict, "Conflict", detail)
}

// TooManyRequests creates a 429 Too Many Requests problem.
func TooManyRequests(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusTooManyRequests, "Too Many Requests", detail)
}

// PayloadTooLarge creates a 413 Payload Too Large problem.
func PayloadTooLarge(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusRequestEntityTooLarge, "Payload Too Large", detail)
}

// UnsupportedMediaType creates a 415 Unsupported Media Type problem, used by
// the upload endpoint when the file extension is neither .csv nor .json.
func UnsupportedMediaType(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusUnsupportedMediaType, "Unsupported Media Type", detail)
}
