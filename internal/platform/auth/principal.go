package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/qym-eval/qym/internal/platform/storage"
)

// Authentication failure reasons, exposed so HTTP handlers can map them to
// RFC 7807 problem responses without depending on this package's internals.
var (
	ErrMissingCredential = errors.New("auth: missing credential")
	ErrInvalidCredential = errors.New("auth: invalid credential")
	ErrCredentialExpired = errors.New("auth: credential expired")
	ErrCredentialRevoked = errors.New("auth: credential revoked")
	ErrUnknownUser       = errors.New("auth: unknown user")
)

// Principal is the authenticated actor behind a request: either an engine
// process presenting an API key, or a UI caller presenting an email header.
type Principal struct {
	UserID string
	Email  string
	Role   storage.UserRole
	KeyID  string
}

type principalContextKey struct{}

// WithPrincipal returns a context carrying principal for downstream handlers.
func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext retrieves the Principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)

	return p, ok
}

// UserLookup resolves a user record by ID, for the UI principal path.
type UserLookup interface {
	FindByID(ctx context.Context, userID string) (*storage.User, error)
	FindByEmail(ctx context.Context, email string) (*storage.User, error)
}

// RequireAPIKeyPrincipal authenticates the bearer token on an engine-facing
// request against keys, resolving the key's owning user via users.
//
// A dummy bcrypt comparison always runs on the failure path so that a
// missing-header, malformed-token, and wrong-secret request all take roughly
// the same time, denying an attacker a prefix-guessing oracle.
func RequireAPIKeyPrincipal(keys KeyStore, users UserLookup) func(ctx context.Context, r *http.Request) (Principal, error) {
	return func(ctx context.Context, r *http.Request) (Principal, error) {
		token, ok := extractBearerToken(r)
		if !ok {
			dummyVerify()

			return Principal{}, ErrMissingCredential
		}

		prefix, err := LookupPrefix(token)
		if err != nil {
			dummyVerify()

			return Principal{}, ErrInvalidCredential
		}

		candidates, err := keys.FindCandidatesByPrefix(ctx, prefix)
		if err != nil {
			dummyVerify()

			return Principal{}, err
		}

		var matched *APIKey

		for _, candidate := range candidates {
			if CompareSecretHash(candidate.Hash, token) {
				matched = candidate

				break
			}
		}

		if matched == nil {
			dummyVerify()

			return Principal{}, ErrInvalidCredential
		}

		if matched.Expired() {
			return Principal{}, ErrCredentialExpired
		}

		if !matched.Active {
			return Principal{}, ErrCredentialRevoked
		}

		user, err := users.FindByID(ctx, matched.UserID)
		if err != nil {
			return Principal{}, ErrUnknownUser
		}

		return Principal{UserID: user.ID, Email: user.Email, Role: user.Role, KeyID: matched.ID}, nil
	}
}

// BootstrapAdminEmail, when set, causes RequireUIPrincipal to provision a
// first-run ADMIN account for that address the first time it's seen, rather
// than rejecting it as unknown. Intended for local-dev and initial cluster
// bring-up only.
type UIAuthenticator struct {
	Users              UserLookup
	BootstrapAdminEmail string
	BootstrapCreate     func(ctx context.Context, email string) (*storage.User, error)
}

// RequireUIPrincipal resolves the caller identity from the X-User-Email
// header used by the internal dashboard surface. This is a placeholder
// identity seam: production deployments are expected to front this with a
// real OIDC/SAML terminating proxy that sets the header after verifying a
// session, not to trust client-supplied email directly.
func (a *UIAuthenticator) RequireUIPrincipal(ctx context.Context, r *http.Request) (Principal, error) {
	email := strings.TrimSpace(r.Header.Get("X-User-Email"))
	if email == "" {
		return Principal{}, ErrMissingCredential
	}

	user, err := a.Users.FindByEmail(ctx, email)
	if err == nil {
		return Principal{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
	}

	if a.BootstrapAdminEmail != "" && strings.EqualFold(email, a.BootstrapAdminEmail) && a.BootstrapCreate != nil {
		created, createErr := a.BootstrapCreate(ctx, email)
		if createErr != nil {
			return Principal{}, createErr
		}

		return Principal{UserID: created.ID, Email: created.Email, Role: created.Role}, nil
	}

	return Principal{}, ErrUnknownUser
}

func extractBearerToken(r *http.Request) (string, bool) {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return sanitizeToken(key)
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return sanitizeToken(strings.TrimPrefix(auth, "Bearer "))
	}

	return "", false
}

func sanitizeToken(token string) (string, bool) {
	if strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	return token, true
}

// dummyVerify performs a throwaway bcrypt comparison so failure paths that
// skip real verification still cost roughly one bcrypt round.
func dummyVerify() {
	CompareSecretHash("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy", "dummy")
}
