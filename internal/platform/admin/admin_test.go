package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qym-eval/qym/internal/platform/auth"
	"github.com/qym-eval/qym/internal/platform/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeOrgStore struct {
	units    map[string]*storage.OrgUnit
	creates  []*storage.OrgUnit
	managers map[string]string
}

func newFakeOrgStore() *fakeOrgStore {
	return &fakeOrgStore{units: map[string]*storage.OrgUnit{}, managers: map[string]string{}}
}

func (f *fakeOrgStore) Create(_ context.Context, unit *storage.OrgUnit) (*storage.OrgUnit, error) {
	unit.ID = "unit-new"
	f.units[unit.ID] = unit
	f.creates = append(f.creates, unit)

	return unit, nil
}

func (f *fakeOrgStore) AssignManager(_ context.Context, unitID, userID string) error {
	f.managers[unitID] = userID

	return nil
}

func (f *fakeOrgStore) FindByID(_ context.Context, unitID string) (*storage.OrgUnit, error) {
	unit, ok := f.units[unitID]
	if !ok {
		return nil, storage.ErrOrgUnitNotFound
	}

	return unit, nil
}

func (f *fakeOrgStore) List(_ context.Context) ([]*storage.OrgUnit, error) {
	var out []*storage.OrgUnit
	for _, u := range f.units {
		out = append(out, u)
	}

	return out, nil
}

func (f *fakeOrgStore) RebuildClosure(_ context.Context) error { return nil }

func (f *fakeOrgStore) SetParent(_ context.Context, unitID string, parentID *string) error {
	unit, ok := f.units[unitID]
	if !ok {
		return storage.ErrOrgUnitNotFound
	}

	unit.ParentID = parentID

	return nil
}

type fakeUserStore struct {
	users   map[string]*storage.User
	updated map[string]storage.UserRole
}

func (f *fakeUserStore) FindByID(_ context.Context, userID string) (*storage.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}

	return user, nil
}

func (f *fakeUserStore) UpdateRoleAndTeam(_ context.Context, userID string, role storage.UserRole, teamUnitID *string) error {
	user, ok := f.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}

	user.Role = role
	user.TeamUnitID = teamUnitID

	if f.updated == nil {
		f.updated = map[string]storage.UserRole{}
	}

	f.updated[userID] = role

	return nil
}

func (f *fakeUserStore) ListByTeam(_ context.Context, _ string) ([]*storage.User, error) { return nil, nil }

type fakeSettingsStore struct {
	values map[string]string
}

func (f *fakeSettingsStore) Get(_ context.Context, key string) (string, error) {
	return f.values[key], nil
}

func (f *fakeSettingsStore) Set(_ context.Context, key, value string) error {
	if key != "gm_vp_approved_only" {
		return storage.ErrUnknownSettingKey
	}

	f.values[key] = value

	return nil
}

func (f *fakeSettingsStore) List(_ context.Context) (map[string]string, error) { return f.values, nil }

type fakeAuditStore struct {
	records int
}

func (f *fakeAuditStore) Record(_ context.Context, _, _, _, _ string, _, _ map[string]any) error {
	f.records++

	return nil
}

func newHandlers() (*Handlers, *fakeOrgStore, *fakeUserStore, *fakeSettingsStore, *fakeAuditStore) {
	org := newFakeOrgStore()
	users := &fakeUserStore{users: map[string]*storage.User{}}
	settings := &fakeSettingsStore{values: map[string]string{}}
	audit := &fakeAuditStore{}

	return &Handlers{Org: org, Users: users, Settings: settings, Audit: audit, Logger: discardLogger()}, org, users, settings, audit
}

func withAdminPrincipal(r *http.Request) *http.Request {
	ctx := auth.WithPrincipal(r.Context(), auth.Principal{UserID: "admin-1", Role: storage.RoleAdmin})

	return r.WithContext(ctx)
}

func TestHandleCreateOrgUnit_RequiresName(t *testing.T) {
	h, _, _, _, _ := newHandlers()

	req := withAdminPrincipal(httptest.NewRequest(http.MethodPost, "/v1/admin/org/units", bytes.NewBufferString(`{"type":"TEAM"}`)))
	rr := httptest.NewRecorder()

	h.HandleCreateOrgUnit(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleCreateOrgUnit_CreatesAndAudits(t *testing.T) {
	h, org, _, _, audit := newHandlers()

	body := `{"name":"Platform Team","type":"TEAM"}`
	req := withAdminPrincipal(httptest.NewRequest(http.MethodPost, "/v1/admin/org/units", bytes.NewBufferString(body)))
	rr := httptest.NewRecorder()

	h.HandleCreateOrgUnit(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Len(t, org.creates, 1)
	assert.Equal(t, 1, audit.records)

	var created storage.OrgUnit

	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "Platform Team", created.Name)
}

func TestHandleUpdateUser_RejectsMismatchedUnitType(t *testing.T) {
	h, org, users, _, _ := newHandlers()

	org.units["unit-dept"] = &storage.OrgUnit{ID: "unit-dept", Type: storage.OrgUnitDepartment}
	users.users["user-1"] = &storage.User{ID: "user-1", Role: storage.RoleEmployee}

	body := `{"role":"MANAGER","team_unit_id":"unit-dept"}`
	req := withAdminPrincipal(httptest.NewRequest(http.MethodPut, "/v1/admin/users/user-1", bytes.NewBufferString(body)))
	req.SetPathValue("id", "user-1")
	rr := httptest.NewRecorder()

	h.HandleUpdateUser(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleUpdateUser_AcceptsMatchingUnitType(t *testing.T) {
	h, org, users, _, audit := newHandlers()

	org.units["unit-team"] = &storage.OrgUnit{ID: "unit-team", Type: storage.OrgUnitTeam}
	users.users["user-1"] = &storage.User{ID: "user-1", Role: storage.RoleEmployee}

	body := `{"role":"MANAGER","team_unit_id":"unit-team"}`
	req := withAdminPrincipal(httptest.NewRequest(http.MethodPut, "/v1/admin/users/user-1", bytes.NewBufferString(body)))
	req.SetPathValue("id", "user-1")
	rr := httptest.NewRecorder()

	h.HandleUpdateUser(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, storage.RoleManager, users.users["user-1"].Role)
	assert.Equal(t, 1, audit.records)
}

func TestHandleUpdateUser_AdminRequiresNoUnit(t *testing.T) {
	h, _, users, _, _ := newHandlers()

	users.users["user-1"] = &storage.User{ID: "user-1", Role: storage.RoleEmployee}

	body := `{"role":"ADMIN"}`
	req := withAdminPrincipal(httptest.NewRequest(http.MethodPut, "/v1/admin/users/user-1", bytes.NewBufferString(body)))
	req.SetPathValue("id", "user-1")
	rr := httptest.NewRecorder()

	h.HandleUpdateUser(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestHandleSetSetting_RejectsUnknownKey(t *testing.T) {
	h, _, _, _, _ := newHandlers()

	body := `{"value":"true"}`
	req := withAdminPrincipal(httptest.NewRequest(http.MethodPut, "/v1/admin/settings/bogus_key", bytes.NewBufferString(body)))
	req.SetPathValue("key", "bogus_key")
	rr := httptest.NewRecorder()

	h.HandleSetSetting(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleSetSetting_UpdatesRecognizedKey(t *testing.T) {
	h, _, _, settings, audit := newHandlers()

	body := `{"value":"false"}`
	req := withAdminPrincipal(httptest.NewRequest(http.MethodPut, "/v1/admin/settings/gm_vp_approved_only", bytes.NewBufferString(body)))
	req.SetPathValue("key", "gm_vp_approved_only")
	rr := httptest.NewRecorder()

	h.HandleSetSetting(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "false", settings.values["gm_vp_approved_only"])
	assert.Equal(t, 1, audit.records)
}
