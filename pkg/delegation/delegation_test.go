package delegation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/clock"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
	"github.com/platinummonkey/gatekeeper/pkg/storage/storagetest"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	north = rbac.Context{Type: rbac.ContextTeam, ID: "north"}
)

type fixture struct {
	rbac     *rbac.Manager
	manager  *Manager
	recorder *audit.Recorder
	clock    *clock.FakeClock
}

// newFixture seeds "acme" with alice (admin), bob (manager), carol
// (supervisor of team north) and dave (staff).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := storagetest.NewSQLite(t,
		storagetest.MigrationSet{Component: rbac.Component, Migrations: rbac.Migrations()},
		storagetest.MigrationSet{Component: audit.Component, Migrations: audit.Migrations()},
		storagetest.MigrationSet{Component: Component, Migrations: Migrations()},
	)
	clk := clock.Fake(t0)
	logger := observability.Discard()
	rec := audit.NewRecorder(audit.NewStore(db), nil, clk, logger)
	rm := rbac.NewManager(rbac.NewStore(db), nil, rec, clk, logger, rbac.DefaultConfig())
	require.NoError(t, rm.Initialize(ctx))
	_, err := rm.SeedOrganization(ctx, "acme", "alice")
	require.NoError(t, err)
	for user, assignment := range map[string]struct {
		role string
		ctx  rbac.Context
	}{
		"bob":   {"acme:manager", rbac.Context{}},
		"carol": {"acme:supervisor", north},
		"dave":  {"acme:staff", rbac.Context{}},
	} {
		_, err := rm.AssignRole(ctx, "acme", "alice", user, assignment.role, assignment.ctx)
		require.NoError(t, err)
	}

	m := NewManager(NewStore(db), rm, rm.Guard(), rec, clk, logger)
	rm.Resolver().SetDelegations(m)
	return &fixture{rbac: rm, manager: m, recorder: rec, clock: clk}
}

func (f *fixture) allowed(t *testing.T, user, key string, c rbac.Context) rbac.Decision {
	t.Helper()
	resourceType, action, scope, err := rbac.ParsePermissionKey(key)
	require.NoError(t, err)
	d, err := f.rbac.Authorize(context.Background(), rbac.AuthorizeRequest{
		OrgID: "acme", UserID: user, ResourceType: resourceType, Action: action, Scope: scope, Context: c,
	})
	require.NoError(t, err)
	return d
}

func carolToDave(end time.Time) CreateRequest {
	return CreateRequest{
		OrgID:         "acme",
		DelegatorID:   "carol",
		DelegateID:    "dave",
		Context:       north,
		PermissionIDs: []string{"task:approve:team"},
		End:           end,
		Reason:        "leave",
	}
}

func TestCreate_GrantsDelegateWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.False(t, f.allowed(t, "dave", "task:approve:team", north).Allowed)

	d, err := f.manager.Create(ctx, carolToDave(t0.Add(48*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, t0, d.Start)
	assert.Equal(t, north, d.Context)

	dec := f.allowed(t, "dave", "task:approve:team", north)
	assert.True(t, dec.Allowed)
	assert.Equal(t, rbac.SourceDelegation, dec.Source)

	// Narrower scope is covered, other contexts are not.
	assert.True(t, f.allowed(t, "dave", "task:approve:own", north).Allowed)
	assert.False(t, f.allowed(t, "dave", "task:approve:team", rbac.Context{Type: rbac.ContextTeam, ID: "south"}).Allowed)

	// The window is half-open.
	f.clock.Set(t0.Add(48*time.Hour - time.Microsecond))
	assert.True(t, f.allowed(t, "dave", "task:approve:team", north).Allowed)
	f.clock.Set(t0.Add(48 * time.Hour))
	assert.False(t, f.allowed(t, "dave", "task:approve:team", north).Allowed)

	// Expired delegations are retained.
	got, err := f.manager.Get(ctx, "acme", d.ID)
	require.NoError(t, err)
	assert.False(t, got.Revoked)
}

func TestCreate_FutureStart(t *testing.T) {
	f := newFixture(t)
	req := carolToDave(t0.Add(48 * time.Hour))
	req.Start = t0.Add(24 * time.Hour)
	_, err := f.manager.Create(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, f.allowed(t, "dave", "task:approve:team", north).Allowed)
	f.clock.Set(t0.Add(24 * time.Hour))
	assert.True(t, f.allowed(t, "dave", "task:approve:team", north).Allowed)
}

func TestCreate_ExceedsGrantor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := carolToDave(t0.Add(time.Hour))
	req.PermissionIDs = []string{"task:approve:team", "audit_log:purge:organization"}
	_, err := f.manager.Create(ctx, req)
	assert.ErrorIs(t, err, ErrExceedsGrantor)

	// Carol only supervises north.
	req = carolToDave(t0.Add(time.Hour))
	req.Context = rbac.Context{Type: rbac.ContextTeam, ID: "south"}
	_, err = f.manager.Create(ctx, req)
	assert.ErrorIs(t, err, rbac.ErrPermissionDenied)

	list, err := f.manager.List(ctx, Filter{OrgID: "acme"})
	require.NoError(t, err)
	assert.Empty(t, list)

	entries, err := f.recorder.Search(ctx, audit.Filter{OrgID: "acme", ResourceType: "delegation", Result: audit.ResultDenied})
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestCreate_ContextNoBroaderThanGrantor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	south := rbac.Context{Type: rbac.ContextTeam, ID: "south"}

	assert.False(t, f.allowed(t, "carol", "task:approve:team", south).Allowed)

	// Carol's grant is bound to north, so she cannot hand it out org-wide.
	req := carolToDave(t0.Add(time.Hour))
	req.Context = rbac.Context{}
	_, err := f.manager.Create(ctx, req)
	assert.ErrorIs(t, err, ErrExceedsGrantor)
	assert.False(t, f.allowed(t, "dave", "task:approve:team", south).Allowed)

	list, err := f.manager.List(ctx, Filter{OrgID: "acme", DelegatorID: "carol"})
	require.NoError(t, err)
	assert.Empty(t, list)

	// Bob holds it organization-wide.
	req.DelegatorID = "bob"
	_, err = f.manager.Create(ctx, req)
	require.NoError(t, err)
	dec := f.allowed(t, "dave", "task:approve:team", south)
	assert.True(t, dec.Allowed)
	assert.Equal(t, rbac.SourceDelegation, dec.Source)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	self := carolToDave(t0.Add(time.Hour))
	self.DelegateID = "carol"
	empty := carolToDave(t0.Add(time.Hour))
	empty.PermissionIDs = nil
	backwards := carolToDave(t0.Add(-time.Hour))
	badKey := carolToDave(t0.Add(time.Hour))
	badKey.PermissionIDs = []string{"task:approve"}
	badCtx := carolToDave(t0.Add(time.Hour))
	badCtx.Context = rbac.Context{Type: rbac.ContextTeam}

	for name, req := range map[string]CreateRequest{
		"self":      self,
		"empty":     empty,
		"backwards": backwards,
		"bad key":   badKey,
		"bad ctx":   badCtx,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.manager.Create(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidDelegation)
		})
	}

	// Staff cannot delegate at all.
	req := CreateRequest{OrgID: "acme", DelegatorID: "dave", DelegateID: "carol", PermissionIDs: []string{"task:read:own"}, End: t0.Add(time.Hour)}
	_, err := f.manager.Create(ctx, req)
	assert.ErrorIs(t, err, rbac.ErrPermissionDenied)
}

func TestCreate_IdempotentByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := carolToDave(t0.Add(time.Hour))
	req.ID = "dlg-1"
	req.PermissionIDs = []string{"task:read:team", "task:approve:team", "task:read:team"}
	first, err := f.manager.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"task:approve:team", "task:read:team"}, first.PermissionIDs)

	second, err := f.manager.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	list, err := f.manager.List(ctx, Filter{OrgID: "acme", DelegatorID: "carol"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// The retry is not audited again.
	entries, err := f.recorder.Search(ctx, audit.Filter{OrgID: "acme", ResourceType: "delegation", ResourceID: "dlg-1", Action: "create"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.manager.Create(ctx, carolToDave(t0.Add(48*time.Hour)))
	require.NoError(t, err)

	_, err = f.manager.Revoke(ctx, "acme", d.ID, "dave")
	assert.ErrorIs(t, err, rbac.ErrPermissionDenied)

	f.clock.Advance(time.Hour)
	revoked, err := f.manager.Revoke(ctx, "acme", d.ID, "bob")
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)
	assert.Equal(t, "bob", revoked.RevokedBy)
	require.NotNil(t, revoked.RevokedAt)
	assert.Equal(t, t0.Add(time.Hour), *revoked.RevokedAt)

	assert.False(t, f.allowed(t, "dave", "task:approve:team", north).Allowed)

	again, err := f.manager.Revoke(ctx, "acme", d.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, "bob", again.RevokedBy)

	_, err = f.manager.Revoke(ctx, "acme", "missing", "carol")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRevoke_ByDelegator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.manager.Create(ctx, carolToDave(t0.Add(48*time.Hour)))
	require.NoError(t, err)
	got, err := f.manager.Revoke(ctx, "acme", d.ID, "carol")
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	active, err := f.manager.ListActiveFor(ctx, "acme", "dave", t0)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRevoke_RequiresRevokeGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.manager.Create(ctx, carolToDave(t0.Add(48*time.Hour)))
	require.NoError(t, err)

	// Bob outranks carol but is explicitly denied the revoke permission.
	_, err = f.rbac.SetOverride(ctx, "acme", "alice", "bob", "delegation:revoke:own", false)
	require.NoError(t, err)
	_, err = f.manager.Revoke(ctx, "acme", d.ID, "bob")
	assert.ErrorIs(t, err, rbac.ErrPermissionDenied)

	got, err := f.manager.Get(ctx, "acme", d.ID)
	require.NoError(t, err)
	assert.False(t, got.Revoked)
	assert.True(t, f.allowed(t, "dave", "task:approve:team", north).Allowed)

	// A second north supervisor holds the grant but does not outrank carol.
	_, err = f.rbac.AssignRole(ctx, "acme", "alice", "erin", "acme:supervisor", north)
	require.NoError(t, err)
	_, err = f.manager.Revoke(ctx, "acme", d.ID, "erin")
	assert.ErrorIs(t, err, ErrRevokeNotAllowed)
}

func TestStore_UnavailableOnDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO delegations").WillReturnError(assert.AnError)
	_, err = NewStore(db).Insert(context.Background(), &Delegation{ID: "d", OrgID: "acme", Context: north})
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlers(t *testing.T) {
	f := newFixture(t)
	router := mux.NewRouter()
	NewHandlers(f.manager).RegisterRoutes(router.PathPrefix("/v1/orgs/{org}").Subrouter())

	do := func(method, path, user, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body != "" {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
		} else {
			req = httptest.NewRequest(method, path, nil)
		}
		req = req.WithContext(middleware.WithPrincipal(req.Context(), middleware.Principal{UserID: user, OrgID: "acme"}))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	body := `{"delegate_id":"dave","context":{"type":"team","id":"north"},"permission_ids":["task:approve:team"],"end":"2026-03-03T12:00:00Z"}`
	resp := do("POST", "/v1/orgs/acme/delegations", "carol", body)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var d Delegation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))

	exceeding := `{"delegate_id":"dave","permission_ids":["audit_log:purge:all"],"end":"2026-03-03T12:00:00Z"}`
	assert.Equal(t, http.StatusForbidden, do("POST", "/v1/orgs/acme/delegations", "carol", exceeding).Code)

	assert.Equal(t, http.StatusOK, do("GET", "/v1/orgs/acme/delegations/"+d.ID, "dave", "").Code)
	assert.Equal(t, http.StatusOK, do("GET", "/v1/orgs/acme/delegations?delegate_id=dave&active=true", "dave", "").Code)
	assert.Equal(t, http.StatusForbidden, do("GET", "/v1/orgs/acme/delegations", "dave", "").Code)
	assert.Equal(t, http.StatusOK, do("GET", "/v1/orgs/acme/delegations", "bob", "").Code)

	assert.Equal(t, http.StatusForbidden, do("POST", "/v1/orgs/acme/delegations/"+d.ID+"/revoke", "dave", "").Code)
	assert.Equal(t, http.StatusOK, do("POST", "/v1/orgs/acme/delegations/"+d.ID+"/revoke", "carol", "").Code)
	assert.Equal(t, http.StatusNotFound, do("GET", "/v1/orgs/acme/delegations/missing", "carol", "").Code)
}
