// Package middleware provides HTTP middleware components for the platform API.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/qym-eval/qym/internal/platform/auth"
)

// publicEndpoints holds exact request paths that EngineAuth passes through
// without an API key. cmd/platform registers its UI routes here; those
// routes authenticate through WithUIAuth instead.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint exempts path from EngineAuth (exact match).
func RegisterPublicEndpoint(path string) {
	publicEndpoints[path] = true
}

// Authenticator resolves a Principal from an incoming request, or returns
// one of the auth package's sentinel errors on failure.
type Authenticator func(ctx context.Context, r *http.Request) (auth.Principal, error)

// EngineAuth returns middleware that authenticates engine-facing requests
// (POST /v1/runs and friends) via API key and enriches the request context
// with the resolved auth.Principal. A nil authenticate is a no-op, so this
// middleware degrades gracefully when authentication isn't configured.
func EngineAuth(authenticate Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if authenticate == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			start := time.Now()

			principal, err := authenticate(r.Context(), r)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			logger.Info("request authenticated",
				slog.String("user_id", principal.UserID),
				slog.String("key_id", principal.KeyID),
				slog.Duration("auth_latency", time.Since(start)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			ctx := auth.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	status := http.StatusUnauthorized

	switch {
	case errors.Is(err, auth.ErrMissingCredential),
		errors.Is(err, auth.ErrInvalidCredential),
		errors.Is(err, auth.ErrCredentialExpired),
		errors.Is(err, auth.ErrUnknownUser):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrCredentialRevoked):
		status = http.StatusForbidden
	}

	logger.Warn("authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)

	if writeErr := writeRFC7807Error(w, r, status, err.Error(), correlationID); writeErr != nil {
		logger.Error("failed to write auth error response", slog.Any("error", writeErr))
		http.Error(w, err.Error(), status)
	}
}

// writeRFC7807Error writes a minimal RFC 7807 problem response without
// importing the api package, keeping middleware free of a cyclic dependency.
func writeRFC7807Error(w http.ResponseWriter, r *http.Request, status int, detail, correlationID string) error {
	var title string

	switch status {
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusForbidden:
		title = "Forbidden"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	default:
		title = "Request Failed"
	}

	problem := map[string]any{
		"type":          fmt.Sprintf("https://qym.dev/problems/%d", status),
		"title":         title,
		"status":        status,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(problem)
}
