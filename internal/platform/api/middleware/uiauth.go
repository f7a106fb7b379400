package middleware

import (
	"log/slog"
	"net/http"

	"github.com/qym-eval/qym/internal/platform/auth"
)

// WithUIAuth returns middleware that resolves the UI caller's identity via
// the X-User-Email seam and enriches the request context with their
// auth.Principal. A nil authenticator is a no-op, allowing local-dev
// deployments to run the dashboard surface without identity plumbing.
func WithUIAuth(authenticate Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if authenticate == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authenticate(r.Context(), r)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			ctx := auth.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
