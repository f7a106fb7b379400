package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qym-eval/qym/internal/platform/storage"
)

type fakeUserLookup struct {
	byID    map[string]*storage.User
	byEmail map[string]*storage.User
}

func (f *fakeUserLookup) FindByID(_ context.Context, userID string) (*storage.User, error) {
	u, ok := f.byID[userID]
	if !ok {
		return nil, errors.New("not found")
	}

	return u, nil
}

func (f *fakeUserLookup) FindByEmail(_ context.Context, email string) (*storage.User, error) {
	u, ok := f.byEmail[email]
	if !ok {
		return nil, errors.New("not found")
	}

	return u, nil
}

func TestRequireAPIKeyPrincipal_Success(t *testing.T) {
	token, prefix, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	keys := NewInMemoryKeyStore()
	if err := keys.Add(context.Background(), &APIKey{
		UserID:       "user-1",
		LookupPrefix: prefix,
		Hash:         hash,
		Active:       true,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	users := &fakeUserLookup{byID: map[string]*storage.User{
		"user-1": {ID: "user-1", Email: "a@example.com", Role: storage.RoleEmployee},
	}}

	authenticate := RequireAPIKeyPrincipal(keys, users)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	principal, err := authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if principal.UserID != "user-1" || principal.Email != "a@example.com" {
		t.Errorf("unexpected principal: %+v", principal)
	}
}

func TestRequireAPIKeyPrincipal_MissingCredential(t *testing.T) {
	authenticate := RequireAPIKeyPrincipal(NewInMemoryKeyStore(), &fakeUserLookup{})

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)

	if _, err := authenticate(context.Background(), req); !errors.Is(err, ErrMissingCredential) {
		t.Errorf("expected ErrMissingCredential, got %v", err)
	}
}

func TestRequireAPIKeyPrincipal_WrongSecret(t *testing.T) {
	_, prefix, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	keys := NewInMemoryKeyStore()
	_ = keys.Add(context.Background(), &APIKey{UserID: "user-1", LookupPrefix: prefix, Hash: hash, Active: true})

	authenticate := RequireAPIKeyPrincipal(keys, &fakeUserLookup{})

	forged := keyPrefix + prefix + "00000000000000000000000000000000000000000000000000000"
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
	req.Header.Set("X-Api-Key", forged)

	if _, err := authenticate(context.Background(), req); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestRequireAPIKeyPrincipal_ExpiredKey(t *testing.T) {
	token, prefix, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	keys := NewInMemoryKeyStore()
	_ = keys.Add(context.Background(), &APIKey{UserID: "user-1", LookupPrefix: prefix, Hash: hash, Active: true, ExpiresAt: &past})

	authenticate := RequireAPIKeyPrincipal(keys, &fakeUserLookup{})

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
	req.Header.Set("X-Api-Key", token)

	if _, err := authenticate(context.Background(), req); !errors.Is(err, ErrCredentialExpired) {
		t.Errorf("expected ErrCredentialExpired, got %v", err)
	}
}

func TestUIAuthenticator_BootstrapsAdmin(t *testing.T) {
	users := &fakeUserLookup{byEmail: map[string]*storage.User{}}
	created := false

	a := &UIAuthenticator{
		Users:               users,
		BootstrapAdminEmail: "root@example.com",
		BootstrapCreate: func(_ context.Context, email string) (*storage.User, error) {
			created = true

			return &storage.User{ID: "admin-1", Email: email, Role: storage.RoleAdmin}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/org", nil)
	req.Header.Set("X-User-Email", "root@example.com")

	principal, err := a.RequireUIPrincipal(context.Background(), req)
	if err != nil {
		t.Fatalf("RequireUIPrincipal: %v", err)
	}

	if !created {
		t.Error("expected bootstrap create to run for unseen admin email")
	}

	if principal.Role != storage.RoleAdmin {
		t.Errorf("expected bootstrapped principal to hold ADMIN role, got %v", principal.Role)
	}
}

func TestUIAuthenticator_UnknownUserRejected(t *testing.T) {
	a := &UIAuthenticator{Users: &fakeUserLookup{byEmail: map[string]*storage.User{}}}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/org", nil)
	req.Header.Set("X-User-Email", "nobody@example.com")

	if _, err := a.RequireUIPrincipal(context.Background(), req); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
}
