package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/clock"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
	"github.com/platinummonkey/gatekeeper/pkg/storage/storagetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var north = Context{Type: ContextTeam, ID: "north"}

type fixture struct {
	manager  *Manager
	recorder *audit.Recorder
	clock    *clock.FakeClock
}

// newFixture seeds organization "acme" with:
//
//	alice  admin       organization
//	bob    manager     organization
//	carol  supervisor  team:north
//	dave   staff       organization
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := storagetest.NewSQLite(t,
		storagetest.MigrationSet{Component: Component, Migrations: Migrations()},
		storagetest.MigrationSet{Component: audit.Component, Migrations: audit.Migrations()},
	)
	clk := clock.Fake(t0)
	logger := observability.Discard()
	rec := audit.NewRecorder(audit.NewStore(db), nil, clk, logger)
	m := NewManager(NewStore(db), nil, rec, clk, logger, DefaultConfig())
	rec.SetGate(m)

	require.NoError(t, m.Initialize(ctx))
	_, err := m.SeedOrganization(ctx, "acme", "alice")
	require.NoError(t, err)

	_, err = m.AssignRole(ctx, "acme", "alice", "bob", "acme:manager", Context{})
	require.NoError(t, err)
	_, err = m.AssignRole(ctx, "acme", "alice", "carol", "acme:supervisor", north)
	require.NoError(t, err)
	_, err = m.AssignRole(ctx, "acme", "alice", "dave", "acme:staff", Context{})
	require.NoError(t, err)

	return &fixture{manager: m, recorder: rec, clock: clk}
}

func (f *fixture) authorize(t *testing.T, user, resource, action string, scope Scope, c Context) Decision {
	t.Helper()
	d, err := f.manager.Authorize(context.Background(), AuthorizeRequest{
		OrgID:        "acme",
		UserID:       user,
		ResourceType: resource,
		Action:       action,
		Scope:        scope,
		Context:      c,
	})
	require.NoError(t, err)
	return d
}

func TestScope_Satisfies(t *testing.T) {
	tests := []struct {
		grant, required Scope
		want            bool
	}{
		{ScopeAll, ScopeOwn, true},
		{ScopeOrganization, ScopeTeam, true},
		{ScopeTeam, ScopeTeam, true},
		{ScopeOwn, ScopeTeam, false},
		{ScopeTeam, ScopeOrganization, false},
		{Scope("galaxy"), ScopeOwn, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.grant)+"/"+string(tt.required), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.grant.Satisfies(tt.required))
		})
	}
}

func TestParsePermissionKey(t *testing.T) {
	rt, action, scope, err := ParsePermissionKey("task:approve:team")
	require.NoError(t, err)
	assert.Equal(t, "task", rt)
	assert.Equal(t, "approve", action)
	assert.Equal(t, ScopeTeam, scope)

	for _, bad := range []string{"", "task:approve", "task:approve:galaxy", ":read:own", "a:b:c:d"} {
		_, _, _, err := ParsePermissionKey(bad)
		assert.ErrorIs(t, err, ErrInvalidInput, bad)
	}
}

func TestContext_Covers(t *testing.T) {
	assert.True(t, Context{}.Covers(north))
	assert.True(t, Context{Type: ContextOrganization}.Covers(Context{}))
	assert.True(t, north.Covers(north))
	assert.False(t, north.Covers(Context{Type: ContextTeam, ID: "south"}))
	assert.False(t, north.Covers(Context{}))
	assert.False(t, north.Covers(Context{Type: ContextSite, ID: "north"}))
}

func TestContext_Validate(t *testing.T) {
	assert.NoError(t, Context{}.Validate())
	assert.NoError(t, north.Validate())
	assert.ErrorIs(t, Context{Type: ContextTeam}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, Context{Type: ContextOrganization, ID: "x"}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, Context{Type: "planet", ID: "x"}.Validate(), ErrInvalidInput)
}

func TestCanAssignRole(t *testing.T) {
	admin := Role{Code: "admin", Level: 10}
	manager := Role{Code: "manager", Level: 20}
	assert.True(t, CanAssignRole(admin, manager))
	assert.False(t, CanAssignRole(manager, admin))
	assert.False(t, CanAssignRole(manager, manager))
}

func TestIsMutating(t *testing.T) {
	assert.False(t, IsMutating("read"))
	assert.False(t, IsMutating("export"))
	assert.True(t, IsMutating("approve"))
	assert.True(t, IsMutating("purge"))
}

func TestResolver_RoleGrants(t *testing.T) {
	f := newFixture(t)

	d := f.authorize(t, "alice", "audit_log", "purge", ScopeOrganization, Context{})
	assert.True(t, d.Allowed)
	assert.Equal(t, SourceRole, d.Source)

	d = f.authorize(t, "dave", "task", "read", ScopeOwn, Context{})
	assert.True(t, d.Allowed)

	d = f.authorize(t, "dave", "task", "read", ScopeTeam, Context{})
	assert.False(t, d.Allowed)
	assert.Equal(t, SourceDefault, d.Source)

	d = f.authorize(t, "bob", "role", "delete", ScopeOrganization, Context{})
	assert.False(t, d.Allowed)
}

func TestResolver_ContextBoundMembership(t *testing.T) {
	f := newFixture(t)

	d := f.authorize(t, "carol", "task", "approve", ScopeTeam, north)
	assert.True(t, d.Allowed)

	d = f.authorize(t, "carol", "task", "approve", ScopeTeam, Context{Type: ContextTeam, ID: "south"})
	assert.False(t, d.Allowed)

	// Without a context every membership is considered.
	d = f.authorize(t, "carol", "task", "approve", ScopeTeam, Context{})
	assert.True(t, d.Allowed)

	d = f.authorize(t, "carol", "task", "approve", ScopeOrganization, north)
	assert.False(t, d.Allowed)

	// An exact organization-wide check ignores team-bound memberships.
	req := AuthorizeRequest{OrgID: "acme", UserID: "carol", ResourceType: "task", Action: "approve", Scope: ScopeTeam, ExactContext: true}
	d, err := f.manager.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	req.Context = north
	d, err = f.manager.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	req.UserID, req.Context = "bob", Context{}
	d, err = f.manager.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestResolver_UnknownPermission(t *testing.T) {
	f := newFixture(t)
	d := f.authorize(t, "alice", "spaceship", "launch", ScopeAll, Context{})
	assert.False(t, d.Allowed)
	assert.Equal(t, SourceUnknownPermission, d.Source)
}

func TestResolver_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Authorize(context.Background(), AuthorizeRequest{OrgID: "acme", UserID: "alice", ResourceType: "task", Action: "read", Scope: "galaxy"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.manager.Authorize(context.Background(), AuthorizeRequest{OrgID: "acme", ResourceType: "task", Action: "read", Scope: ScopeOwn})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestResolver_OverridesWinOverRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.SetOverride(ctx, "acme", "alice", "bob", "task:read:organization", false)
	require.NoError(t, err)
	d := f.authorize(t, "bob", "task", "read", ScopeOrganization, Context{})
	assert.False(t, d.Allowed)
	assert.Equal(t, SourceOverride, d.Source)

	// The override is exact: a narrower requirement still resolves through the role.
	d = f.authorize(t, "bob", "task", "read", ScopeTeam, Context{})
	assert.True(t, d.Allowed)
	assert.Equal(t, SourceRole, d.Source)

	_, err = f.manager.SetOverride(ctx, "acme", "alice", "dave", "task:read:team", true)
	require.NoError(t, err)
	d = f.authorize(t, "dave", "task", "read", ScopeTeam, Context{})
	assert.True(t, d.Allowed)
	assert.Equal(t, SourceOverride, d.Source)

	require.NoError(t, f.manager.DeleteOverride(ctx, "acme", "alice", "dave", "task:read:team"))
	d = f.authorize(t, "dave", "task", "read", ScopeTeam, Context{})
	assert.False(t, d.Allowed)
}

func TestResolver_OverrideRequiresOutranking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.SetOverride(ctx, "acme", "bob", "alice", "task:read:all", false)
	assert.ErrorIs(t, err, ErrInvalidRoleAssignment)

	_, err = f.manager.SetOverride(ctx, "acme", "bob", "bob", "task:read:all", true)
	assert.ErrorIs(t, err, ErrInvalidRoleAssignment)

	// Managers cannot allow what they do not hold.
	_, err = f.manager.SetOverride(ctx, "acme", "bob", "dave", "audit_log:purge:organization", true)
	assert.ErrorIs(t, err, ErrInvalidRoleAssignment)
}

type staticDelegations []DelegatedGrant

func (s staticDelegations) ActiveGrants(ctx context.Context, orgID, userID string, at time.Time) ([]DelegatedGrant, error) {
	if userID != "dave" {
		return nil, nil
	}
	return s, nil
}

func TestResolver_Delegations(t *testing.T) {
	f := newFixture(t)
	f.manager.Resolver().SetDelegations(staticDelegations{
		{DelegationID: "d1", PermissionIDs: []string{"inspection:approve:team"}, Context: north},
	})

	d := f.authorize(t, "dave", "inspection", "approve", ScopeOwn, north)
	assert.True(t, d.Allowed)
	assert.Equal(t, SourceDelegation, d.Source)

	d = f.authorize(t, "dave", "inspection", "approve", ScopeTeam, Context{Type: ContextTeam, ID: "south"})
	assert.False(t, d.Allowed)

	d = f.authorize(t, "dave", "inspection", "approve", ScopeOrganization, north)
	assert.False(t, d.Allowed)

	// An override still wins over a delegation.
	_, err := f.manager.SetOverride(context.Background(), "acme", "alice", "dave", "inspection:approve:own", false)
	require.NoError(t, err)
	d = f.authorize(t, "dave", "inspection", "approve", ScopeOwn, north)
	assert.False(t, d.Allowed)
	assert.Equal(t, SourceOverride, d.Source)
}

func TestResolver_AuditsMutatingDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.authorize(t, "dave", "task", "approve", ScopeTeam, Context{})
	f.authorize(t, "dave", "task", "read", ScopeOwn, Context{})

	entries, err := f.recorder.Search(ctx, audit.Filter{OrgID: "acme", UserID: "dave"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "approve", entries[0].Action)
	assert.Equal(t, audit.ResultDenied, entries[0].Result)
	assert.Equal(t, "task:approve:team", entries[0].PermissionChecked)
	assert.Equal(t, string(SourceDefault), entries[0].Context["source"])
}

func TestResolver_AuditsMalformedRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Authorize(ctx, AuthorizeRequest{OrgID: "acme", UserID: "dave", ResourceType: "task", Action: "approve", Scope: "galaxy"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.manager.Authorize(ctx, AuthorizeRequest{OrgID: "acme", UserID: "dave", ResourceType: "task", Action: "read", Scope: "galaxy"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.manager.Authorize(ctx, AuthorizeRequest{UserID: "dave", ResourceType: "task", Action: "approve", Scope: ScopeOwn})
	assert.ErrorIs(t, err, ErrInvalidInput)

	entries, err := f.recorder.Search(ctx, audit.Filter{OrgID: "acme", UserID: "dave"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "approve", entries[0].Action)
	assert.Equal(t, audit.ResultDenied, entries[0].Result)
	assert.Equal(t, string(SourceDefault), entries[0].Context["source"])
	assert.Contains(t, entries[0].Context["reason"], "unknown scope")
}

type failingSink struct{}

func (failingSink) Append(ctx context.Context, e *audit.Entry) error {
	return storage.ErrUnavailable
}

func TestResolver_DeniesWhenAuditFails(t *testing.T) {
	f := newFixture(t)
	store := f.manager.Store()
	r := NewResolver(store, NewCatalog(store, 16, time.Minute), failingSink{}, f.clock, observability.Discard())

	d, err := r.Authorize(context.Background(), AuthorizeRequest{
		OrgID: "acme", UserID: "alice", ResourceType: "task", Action: "delete", Scope: ScopeAll,
	})
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.False(t, d.Allowed)

	// Reads are not audited and still resolve.
	d, err = r.Authorize(context.Background(), AuthorizeRequest{
		OrgID: "acme", UserID: "alice", ResourceType: "task", Action: "read", Scope: ScopeAll,
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestSeedOrganization_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := f.manager.Store()

	before, err := store.ListGrants(ctx, "acme:admin")
	require.NoError(t, err)
	require.NotEmpty(t, before)

	roles, err := f.manager.SeedOrganization(ctx, "acme", "alice")
	require.NoError(t, err)
	require.Len(t, roles, 5)
	assert.Equal(t, "admin", roles[0].Code)
	assert.Equal(t, 10, roles[0].Level)
	assert.True(t, roles[0].IsSystem)

	after, err := store.ListGrants(ctx, "acme:admin")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	ms, err := store.ListMemberships(ctx, "acme", "alice")
	require.NoError(t, err)
	assert.Len(t, ms, 1)

	_, err = f.manager.SeedOrganization(ctx, "bad:org", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAssignRole_Hierarchy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.AssignRole(ctx, "acme", "bob", "erin", "acme:admin", Context{})
	assert.ErrorIs(t, err, ErrInvalidRoleAssignment)

	_, err = f.manager.AssignRole(ctx, "acme", "bob", "erin", "acme:manager", Context{})
	assert.ErrorIs(t, err, ErrInvalidRoleAssignment)

	ms, err := f.manager.AssignRole(ctx, "acme", "bob", "erin", "acme:inspector", north)
	require.NoError(t, err)
	assert.Equal(t, north, ms.Context)
	assert.Equal(t, "bob", ms.GrantedBy)

	// Staff lack membership:create entirely.
	_, err = f.manager.AssignRole(ctx, "acme", "dave", "frank", "acme:staff", Context{})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// A manager cannot demote an administrator by overwriting the membership.
	_, err = f.manager.AssignRole(ctx, "acme", "bob", "alice", "acme:staff", Context{})
	assert.ErrorIs(t, err, ErrInvalidRoleAssignment)

	entries, err := f.recorder.Search(ctx, audit.Filter{OrgID: "acme", UserID: "bob", ResourceType: "membership", Result: audit.ResultDenied})
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestAssignRole_ReplacesRoleInContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.AssignRole(ctx, "acme", "alice", "dave", "acme:inspector", Context{})
	require.NoError(t, err)

	ms, err := f.manager.Store().ListMemberships(ctx, "acme", "dave")
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "acme:inspector", ms[0].RoleID)
}

func TestRemoveMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ms, err := f.manager.Store().ListMemberships(ctx, "acme", "bob")
	require.NoError(t, err)
	require.Len(t, ms, 1)

	// Managers may remove memberships, but not their own rank.
	err = f.manager.RemoveMembership(ctx, "acme", "bob", ms[0].ID)
	assert.ErrorIs(t, err, ErrInvalidRoleAssignment)

	require.NoError(t, f.manager.RemoveMembership(ctx, "acme", "alice", ms[0].ID))
	d := f.authorize(t, "bob", "task", "read", ScopeOwn, Context{})
	assert.False(t, d.Allowed)

	err = f.manager.RemoveMembership(ctx, "acme", "alice", ms[0].ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lead, err := f.manager.CreateRole(ctx, "bob", Role{OrgID: "acme", Code: "lead", Name: "Team Lead", Level: 25})
	require.NoError(t, err)
	assert.False(t, lead.IsSystem)
	assert.NotEmpty(t, lead.ID)

	_, err = f.manager.CreateRole(ctx, "bob", Role{OrgID: "acme", Code: "deputy", Name: "Deputy", Level: 15})
	assert.ErrorIs(t, err, ErrInvalidRoleAssignment)

	_, err = f.manager.CreateRole(ctx, "alice", Role{OrgID: "acme", Code: "lead2", Name: "Lead", Level: 25})
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = f.manager.CreateRole(ctx, "carol", Role{OrgID: "acme", Code: "x", Name: "X", Level: 45})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.manager.CreateRole(ctx, "alice", Role{OrgID: "acme", Code: "", Name: "X", Level: 45})
	assert.ErrorIs(t, err, ErrInvalidInput)

	again, err := f.manager.CreateRole(ctx, "bob", Role{ID: lead.ID, OrgID: "acme", Code: "lead", Name: "Team Lead", Level: 25})
	require.NoError(t, err)
	assert.Equal(t, lead.ID, again.ID)
}

func TestUpdateRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	level := 15
	_, err := f.manager.UpdateRole(ctx, "acme", "alice", "acme:manager", RoleUpdate{Level: &level})
	assert.ErrorIs(t, err, ErrSystemRoleImmutable)

	name := "Ops Manager"
	role, err := f.manager.UpdateRole(ctx, "acme", "alice", "acme:manager", RoleUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Ops Manager", role.Name)
	assert.Equal(t, 20, role.Level)

	lead, err := f.manager.CreateRole(ctx, "bob", Role{OrgID: "acme", Code: "lead", Name: "Lead", Level: 25})
	require.NoError(t, err)
	level = 15
	_, err = f.manager.UpdateRole(ctx, "acme", "bob", lead.ID, RoleUpdate{Level: &level})
	assert.ErrorIs(t, err, ErrInvalidRoleAssignment)
	level = 27
	role, err = f.manager.UpdateRole(ctx, "acme", "bob", lead.ID, RoleUpdate{Level: &level})
	require.NoError(t, err)
	assert.Equal(t, 27, role.Level)

	entries, err := f.recorder.Search(ctx, audit.Filter{OrgID: "acme", ResourceType: "role", ResourceID: lead.ID, Action: "update", Result: audit.ResultSuccess})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Changes)
	assert.EqualValues(t, 25, entries[0].Changes.Before["level"])
	assert.EqualValues(t, 27, entries[0].Changes.After["level"])
}

func TestDeleteRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.manager.DeleteRole(ctx, "acme", "alice", "acme:staff")
	assert.ErrorIs(t, err, ErrRoleInUse)

	err = f.manager.DeleteRole(ctx, "acme", "alice", "acme:inspector")
	assert.ErrorIs(t, err, ErrSystemRoleImmutable)

	lead, err := f.manager.CreateRole(ctx, "alice", Role{OrgID: "acme", Code: "lead", Name: "Lead", Level: 25})
	require.NoError(t, err)
	_, err = f.manager.AssignRole(ctx, "acme", "alice", "erin", lead.ID, Context{})
	require.NoError(t, err)
	assert.ErrorIs(t, f.manager.DeleteRole(ctx, "acme", "alice", lead.ID), ErrRoleInUse)

	ms, err := f.manager.Store().ListMemberships(ctx, "acme", "erin")
	require.NoError(t, err)
	require.NoError(t, f.manager.RemoveMembership(ctx, "acme", "alice", ms[0].ID))
	require.NoError(t, f.manager.DeleteRole(ctx, "acme", "alice", lead.ID))

	_, err = f.manager.Store().GetRole(ctx, "acme", lead.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRolePermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lead, err := f.manager.CreateRole(ctx, "bob", Role{OrgID: "acme", Code: "lead", Name: "Lead", Level: 25})
	require.NoError(t, err)

	require.NoError(t, f.manager.SetRolePermission(ctx, "acme", "bob", lead.ID, "task:approve:team", true))
	err = f.manager.SetRolePermission(ctx, "acme", "bob", lead.ID, "audit_log:purge:organization", true)
	assert.ErrorIs(t, err, ErrInvalidRoleAssignment)
	err = f.manager.SetRolePermission(ctx, "acme", "bob", "acme:manager", "task:read:own", true)
	assert.ErrorIs(t, err, ErrInvalidRoleAssignment)

	_, err = f.manager.AssignRole(ctx, "acme", "bob", "erin", lead.ID, north)
	require.NoError(t, err)
	d := f.authorize(t, "erin", "task", "approve", ScopeTeam, north)
	assert.True(t, d.Allowed)

	grants, err := f.manager.ListRolePermissions(ctx, "acme", "bob", lead.ID)
	require.NoError(t, err)
	assert.Equal(t, []RoleGrant{{RoleID: lead.ID, PermissionID: "task:approve:team", Granted: true}}, grants)

	// A withheld grant is stored but confers nothing.
	require.NoError(t, f.manager.SetRolePermission(ctx, "acme", "bob", lead.ID, "task:approve:team", false))
	d = f.authorize(t, "erin", "task", "approve", ScopeTeam, north)
	assert.False(t, d.Allowed)

	require.NoError(t, f.manager.RemoveRolePermission(ctx, "acme", "bob", lead.ID, "task:approve:team"))
	assert.ErrorIs(t, f.manager.RemoveRolePermission(ctx, "acme", "bob", lead.ID, "task:approve:team"), storage.ErrNotFound)
}

func TestPermissions_CustomLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.manager.CreatePermission(ctx, "acme", "alice", Permission{ResourceType: "forklift", Action: "drive", Scope: ScopeTeam})
	require.NoError(t, err)
	assert.Equal(t, "forklift:drive:team", p.ID)
	assert.False(t, p.BuiltIn)

	_, err = f.manager.CreatePermission(ctx, "acme", "bob", Permission{ResourceType: "forklift", Action: "park", Scope: ScopeTeam})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.manager.CreatePermission(ctx, "acme", "alice", Permission{ResourceType: "fork:lift", Action: "drive", Scope: ScopeTeam})
	assert.ErrorIs(t, err, ErrInvalidInput)

	// The catalog cache must not hide the new permission.
	d := f.authorize(t, "alice", "forklift", "drive", ScopeTeam, Context{})
	assert.Equal(t, SourceDefault, d.Source)

	updated, err := f.manager.UpdatePermissionDescription(ctx, "acme", "alice", p.ID, "Drive a forklift")
	require.NoError(t, err)
	assert.Equal(t, "Drive a forklift", updated.Description)

	_, err = f.manager.SetOverride(ctx, "acme", "alice", "dave", p.ID, false)
	require.NoError(t, err)
	assert.ErrorIs(t, f.manager.DeletePermission(ctx, "acme", "alice", p.ID), ErrPermissionInUse)
	require.NoError(t, f.manager.DeleteOverride(ctx, "acme", "alice", "dave", p.ID))
	require.NoError(t, f.manager.DeletePermission(ctx, "acme", "alice", p.ID))

	d = f.authorize(t, "alice", "forklift", "drive", ScopeTeam, Context{})
	assert.Equal(t, SourceUnknownPermission, d.Source)

	assert.ErrorIs(t, f.manager.DeletePermission(ctx, "acme", "alice", "task:read:own"), ErrBuiltInPermission)
}

func TestInvitations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.manager.CreateInvitation(ctx, "acme", "carol", "Erin@Example.com", "acme:staff", north)
	require.NoError(t, err)
	assert.Equal(t, "erin@example.com", inv.Email)
	assert.NotEmpty(t, inv.Token)
	assert.Equal(t, t0.Add(7*24*time.Hour), inv.ExpiresAt)

	_, err = f.manager.CreateInvitation(ctx, "acme", "carol", "x@example.com", "acme:supervisor", north)
	assert.ErrorIs(t, err, ErrInvalidRoleAssignment)

	listed, err := f.manager.ListInvitations(ctx, "acme", "bob")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Empty(t, listed[0].Token)

	ms, err := f.manager.AcceptInvitation(ctx, inv.Token, "erin")
	require.NoError(t, err)
	assert.Equal(t, "acme:staff", ms.RoleID)
	assert.Equal(t, north, ms.Context)
	assert.Equal(t, "carol", ms.GrantedBy)

	_, err = f.manager.AcceptInvitation(ctx, inv.Token, "mallory")
	assert.ErrorIs(t, err, ErrInvitationInvalid)

	_, err = f.manager.AcceptInvitation(ctx, "nope", "mallory")
	assert.ErrorIs(t, err, ErrInvitationInvalid)
}

func TestInvitations_Expire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.manager.CreateInvitation(ctx, "acme", "alice", "erin@example.com", "acme:staff", Context{})
	require.NoError(t, err)
	f.clock.Advance(7 * 24 * time.Hour)

	_, err = f.manager.AcceptInvitation(ctx, inv.Token, "erin")
	assert.ErrorIs(t, err, ErrInvitationInvalid)
}

func TestInvitations_InviterLostAuthority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv, err := f.manager.CreateInvitation(ctx, "acme", "bob", "erin@example.com", "acme:supervisor", Context{})
	require.NoError(t, err)
	_, err = f.manager.AssignRole(ctx, "acme", "alice", "bob", "acme:staff", Context{})
	require.NoError(t, err)

	_, err = f.manager.AcceptInvitation(ctx, inv.Token, "erin")
	assert.ErrorIs(t, err, ErrInvalidRoleAssignment)

	require.NoError(t, f.manager.RevokeInvitation(ctx, "acme", "alice", inv.ID))
	assert.ErrorIs(t, f.manager.RevokeInvitation(ctx, "acme", "alice", inv.ID), storage.ErrNotFound)
}

func TestStore_AcceptInvitationRollsBackOnMembershipFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE invitations").WithArgs(t0, "erin", "inv-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO memberships").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	ms, accepted, err := NewStore(db).AcceptInvitation(context.Background(), "inv-1", &Membership{
		ID: "m-1", OrgID: "acme", UserID: "erin", RoleID: "r-1", GrantedBy: "bob", GrantedAt: t0,
	})
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.False(t, accepted)
	assert.Nil(t, ms)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AcceptInvitationAlreadyAccepted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE invitations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, accepted, err := NewStore(db).AcceptInvitation(context.Background(), "inv-1", &Membership{OrgID: "acme", UserID: "erin", GrantedAt: t0})
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEffectivePermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.SetOverride(ctx, "acme", "alice", "dave", "task:read:own", false)
	require.NoError(t, err)
	_, err = f.manager.SetOverride(ctx, "acme", "alice", "dave", "asset:read:team", true)
	require.NoError(t, err)

	perms, err := f.manager.EffectivePermissions(ctx, "acme", "dave", "dave")
	require.NoError(t, err)
	sources := make(map[string]DecisionSource)
	for _, p := range perms {
		sources[p.PermissionID] = p.Source
	}
	assert.Equal(t, SourceRole, sources["task:update:own"])
	assert.Equal(t, SourceOverride, sources["asset:read:team"])
	assert.NotContains(t, sources, "task:read:own")

	_, err = f.manager.EffectivePermissions(ctx, "acme", "dave", "alice")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.NoError(t, f.manager.RequireHighestAuthority(ctx, "acme", "alice"))
	err := f.manager.RequireHighestAuthority(ctx, "acme", "bob")
	assert.ErrorIs(t, err, audit.ErrAccessDenied)
	err = f.manager.RequireHighestAuthority(ctx, "acme", "nobody")
	assert.ErrorIs(t, err, audit.ErrAccessDenied)
	err = f.manager.RequireHighestAuthority(ctx, "other", "alice")
	assert.ErrorIs(t, err, audit.ErrAccessDenied)

	assert.NoError(t, f.manager.CheckAccess(ctx, "acme", "bob", "audit_log", "read"))
	err = f.manager.CheckAccess(ctx, "acme", "dave", "audit_log", "read")
	assert.ErrorIs(t, err, audit.ErrAccessDenied)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// Audit purges go through the same gate.
	_, err = f.recorder.Purge(ctx, "acme", "bob", 30)
	assert.ErrorIs(t, err, audit.ErrAccessDenied)
	_, err = f.recorder.Purge(ctx, "acme", "alice", 30)
	assert.NoError(t, err)
}

func TestDirectoryHelpers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.AssignRole(ctx, "acme", "alice", "erin", "acme:supervisor", Context{})
	require.NoError(t, err)

	users, err := f.manager.UsersWithRole(ctx, "acme", "supervisor", north)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "erin"}, users)

	users, err = f.manager.UsersWithRole(ctx, "acme", "supervisor", Context{Type: ContextTeam, ID: "south"})
	require.NoError(t, err)
	assert.Equal(t, []string{"erin"}, users)

	ok, err := f.manager.HasAuthorityAbove(ctx, "acme", "bob", 30)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.manager.HasAuthorityAbove(ctx, "acme", "carol", 30)
	require.NoError(t, err)
	assert.False(t, ok)

	role, err := f.manager.GetRoleByCode(ctx, "acme", "inspector")
	require.NoError(t, err)
	assert.Equal(t, 40, role.Level)

	_, err = f.manager.GetRoleByCode(ctx, "acme", "ghost")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
