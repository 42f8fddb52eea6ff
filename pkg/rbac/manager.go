package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/clock"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
	"github.com/platinummonkey/gatekeeper/pkg/storage/ids"
)

// Config holds RBAC configuration
type Config struct {
	// CatalogCacheSize bounds the permission lookup cache
	CatalogCacheSize int
	// CatalogCacheTTL is how long a looked-up permission stays cached
	CatalogCacheTTL time.Duration
	// InvitationTTL is how long an invitation can be accepted
	InvitationTTL time.Duration
}

// DefaultConfig returns default RBAC configuration
func DefaultConfig() Config {
	return Config{
		CatalogCacheSize: 1024,
		CatalogCacheTTL:  5 * time.Minute,
		InvitationTTL:    7 * 24 * time.Hour,
	}
}

// Manager manages all RBAC components. Every mutating operation is checked
// by the resolver, constrained by the hierarchy guard and audited.
type Manager struct {
	store    *Store
	catalog  *Catalog
	resolver *Resolver
	guard    *Guard
	spec     *CatalogSpec
	sink     audit.Sink
	clock    clock.Clock
	logger   logrus.FieldLogger
	config   Config
}

// NewManager wires the RBAC components over store. spec defaults to the
// embedded catalog.
func NewManager(store *Store, spec *CatalogSpec, sink audit.Sink, clk clock.Clock, logger logrus.FieldLogger, config Config) *Manager {
	if spec == nil {
		spec = DefaultCatalog()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if config.InvitationTTL <= 0 {
		config.InvitationTTL = DefaultConfig().InvitationTTL
	}
	catalog := NewCatalog(store, config.CatalogCacheSize, config.CatalogCacheTTL)
	return &Manager{
		store:    store,
		catalog:  catalog,
		resolver: NewResolver(store, catalog, sink, clk, logger),
		guard:    NewGuard(store),
		spec:     spec,
		sink:     sink,
		clock:    clk,
		logger:   logger,
		config:   config,
	}
}

// Initialize registers the catalog permissions.
func (m *Manager) Initialize(ctx context.Context) error {
	inserted, err := m.catalog.Sync(ctx, m.spec, clock.Stamp(m.clock.Now()))
	if err != nil {
		return fmt.Errorf("failed to sync permission catalog: %w", err)
	}
	m.logger.WithField("inserted", inserted).Info("permission catalog synced")
	return nil
}

// Store returns the RBAC store
func (m *Manager) Store() *Store { return m.store }

// Resolver returns the grant resolver
func (m *Manager) Resolver() *Resolver { return m.resolver }

// Guard returns the role hierarchy guard
func (m *Manager) Guard() *Guard { return m.guard }

func (m *Manager) require(ctx context.Context, orgID, actorID, resourceType, action string, scope Scope, c Context, resourceID string) error {
	return m.resolver.Require(ctx, AuthorizeRequest{
		OrgID:        orgID,
		UserID:       actorID,
		ResourceType: resourceType,
		Action:       action,
		Scope:        scope,
		Context:      c,
		ResourceID:   resourceID,
	})
}

// record audits the outcome of a management operation. Resolver denials are
// already on record.
func (m *Manager) record(ctx context.Context, orgID, actorID, action, resourceType, resourceID string, changes *audit.Changes, opErr error) {
	if m.sink == nil || errors.Is(opErr, ErrPermissionDenied) {
		return
	}
	result := audit.ResultSuccess
	switch {
	case opErr == nil:
	case errors.Is(opErr, ErrInvalidRoleAssignment):
		result = audit.ResultDenied
	default:
		result = audit.ResultFailure
	}
	entry := &audit.Entry{
		OrgID:        orgID,
		UserID:       actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Result:       result,
		Changes:      changes,
	}
	if opErr != nil {
		entry.Context = map[string]string{"error": opErr.Error()}
	}
	if err := m.sink.Append(ctx, entry); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"org_id":   orgID,
			"action":   action,
			"resource": resourceType,
		}).Warn("failed to record audit entry")
	}
}

func systemRoleID(orgID, code string) string {
	return orgID + ":" + code
}

// SeedOrganization creates the system roles of orgID with their catalog
// grants. It is idempotent. When adminUserID is set that user receives an
// organization-wide membership in the highest-authority system role.
func (m *Manager) SeedOrganization(ctx context.Context, orgID, adminUserID string) ([]Role, error) {
	if orgID == "" || strings.Contains(orgID, ":") {
		return nil, fmt.Errorf("%w: invalid organization id %q", ErrInvalidInput, orgID)
	}
	now := clock.Stamp(m.clock.Now())
	perms := m.spec.Permissions()

	var roles []Role
	for _, spec := range m.spec.SystemRoles {
		role := Role{
			ID:          systemRoleID(orgID, spec.Code),
			OrgID:       orgID,
			Code:        spec.Code,
			Name:        spec.Name,
			Description: spec.Description,
			Level:       spec.Level,
			IsSystem:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if _, err := m.store.InsertRole(ctx, &role); err != nil {
			return nil, fmt.Errorf("failed to seed role %s: %w", spec.Code, err)
		}
		grants, err := ExpandGrants(spec.Grants, perms)
		if err != nil {
			return nil, err
		}
		for _, permissionID := range grants {
			if err := m.store.SetGrant(ctx, RoleGrant{RoleID: role.ID, PermissionID: permissionID, Granted: true}); err != nil {
				return nil, fmt.Errorf("failed to seed grant %s for %s: %w", permissionID, spec.Code, err)
			}
		}
		roles = append(roles, role)
	}

	if adminUserID != "" && len(roles) > 0 {
		top := roles[0]
		for _, r := range roles[1:] {
			if r.Level < top.Level {
				top = r
			}
		}
		_, err := m.store.UpsertMembership(ctx, &Membership{
			ID:        orgID + ":" + adminUserID + ":organization",
			OrgID:     orgID,
			UserID:    adminUserID,
			RoleID:    top.ID,
			Context:   Context{Type: ContextOrganization},
			GrantedBy: "system",
			GrantedAt: now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to seed administrator: %w", err)
		}
	}

	m.record(ctx, orgID, "system", "seed", "organization", orgID, nil, nil)
	m.logger.WithFields(logrus.Fields{"org_id": orgID, "roles": len(roles)}).Info("organization seeded")
	return m.store.ListRoles(ctx, orgID)
}

// --- permissions -------------------------------------------------------------

// CreatePermission registers a custom permission tuple. Permissions are
// global; the actor needs permission:create:all in its organization.
func (m *Manager) CreatePermission(ctx context.Context, orgID, actorID string, p Permission) (*Permission, error) {
	if err := m.require(ctx, orgID, actorID, "permission", "create", ScopeAll, Context{}, ""); err != nil {
		return nil, err
	}
	if p.ResourceType == "" || p.Action == "" || strings.Contains(p.ResourceType, ":") || strings.Contains(p.Action, ":") {
		return nil, fmt.Errorf("%w: resource type and action are required and may not contain ':'", ErrInvalidInput)
	}
	if !p.Scope.Valid() {
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, p.Scope)
	}
	p.ID = PermissionKey(p.ResourceType, p.Action, p.Scope)
	p.BuiltIn = false
	p.CreatedAt = clock.Stamp(m.clock.Now())

	created, err := m.store.InsertPermission(ctx, &p)
	m.record(ctx, orgID, actorID, "create", "permission", p.ID, nil, err)
	if err != nil {
		return nil, err
	}
	if !created {
		return m.store.GetPermission(ctx, p.ID)
	}
	return &p, nil
}

// GetPermission returns one permission.
func (m *Manager) GetPermission(ctx context.Context, orgID, actorID, id string) (*Permission, error) {
	if err := m.require(ctx, orgID, actorID, "permission", "read", ScopeOrganization, Context{}, id); err != nil {
		return nil, err
	}
	return m.store.GetPermission(ctx, id)
}

// ListPermissions lists the catalog, optionally for one resource type.
func (m *Manager) ListPermissions(ctx context.Context, orgID, actorID, resourceType string) ([]Permission, error) {
	if err := m.require(ctx, orgID, actorID, "permission", "read", ScopeOrganization, Context{}, ""); err != nil {
		return nil, err
	}
	return m.store.ListPermissions(ctx, resourceType)
}

// UpdatePermissionDescription changes the description of a permission.
func (m *Manager) UpdatePermissionDescription(ctx context.Context, orgID, actorID, id, description string) (*Permission, error) {
	if err := m.require(ctx, orgID, actorID, "permission", "update", ScopeAll, Context{}, id); err != nil {
		return nil, err
	}
	err := m.store.UpdatePermissionDescription(ctx, id, description)
	m.record(ctx, orgID, actorID, "update", "permission", id, &audit.Changes{
		After: map[string]interface{}{"description": description},
	}, err)
	if err != nil {
		return nil, err
	}
	m.catalog.Invalidate(id)
	return m.store.GetPermission(ctx, id)
}

// DeletePermission removes an unused custom permission.
func (m *Manager) DeletePermission(ctx context.Context, orgID, actorID, id string) error {
	if err := m.require(ctx, orgID, actorID, "permission", "delete", ScopeAll, Context{}, id); err != nil {
		return err
	}
	err := m.deletePermission(ctx, id)
	m.record(ctx, orgID, actorID, "delete", "permission", id, nil, err)
	return err
}

func (m *Manager) deletePermission(ctx context.Context, id string) error {
	p, err := m.store.GetPermission(ctx, id)
	if err != nil {
		return err
	}
	if p.BuiltIn {
		return fmt.Errorf("%s: %w", id, ErrBuiltInPermission)
	}
	used, err := m.store.PermissionReferenced(ctx, id)
	if err != nil {
		return err
	}
	if used {
		return fmt.Errorf("%s: %w", id, ErrPermissionInUse)
	}
	if err := m.store.DeletePermission(ctx, id); err != nil {
		return err
	}
	m.catalog.Invalidate(id)
	return nil
}

// --- roles -------------------------------------------------------------------

// CreateRole creates a custom role. The level must be strictly below the
// actor's authority and free in the organization.
func (m *Manager) CreateRole(ctx context.Context, actorID string, role Role) (*Role, error) {
	if err := m.require(ctx, role.OrgID, actorID, "role", "create", ScopeOrganization, Context{}, role.ID); err != nil {
		return nil, err
	}
	created, err := m.createRole(ctx, actorID, role)
	resourceID := role.ID
	if created != nil {
		resourceID = created.ID
	}
	m.record(ctx, role.OrgID, actorID, "create", "role", resourceID, nil, err)
	return created, err
}

func (m *Manager) createRole(ctx context.Context, actorID string, role Role) (*Role, error) {
	if role.Code == "" || role.Name == "" || role.Level <= 0 {
		return nil, fmt.Errorf("%w: role code, name and a positive level are required", ErrInvalidInput)
	}
	if err := m.guard.CheckAssign(ctx, role.OrgID, actorID, role); err != nil {
		return nil, err
	}
	now := clock.Stamp(m.clock.Now())
	role.ID = ids.OrNew(role.ID)
	role.IsSystem = false
	role.CreatedAt = now
	role.UpdatedAt = now

	created, err := m.store.InsertRole(ctx, &role)
	if err != nil {
		return nil, err
	}
	if !created {
		return m.store.GetRole(ctx, role.OrgID, role.ID)
	}
	return &role, nil
}

// GetRole returns one role.
func (m *Manager) GetRole(ctx context.Context, orgID, actorID, roleID string) (*Role, error) {
	if err := m.require(ctx, orgID, actorID, "role", "read", ScopeOrganization, Context{}, roleID); err != nil {
		return nil, err
	}
	return m.store.GetRole(ctx, orgID, roleID)
}

// ListRoles lists the roles of an organization.
func (m *Manager) ListRoles(ctx context.Context, orgID, actorID string) ([]Role, error) {
	if err := m.require(ctx, orgID, actorID, "role", "read", ScopeOrganization, Context{}, ""); err != nil {
		return nil, err
	}
	return m.store.ListRoles(ctx, orgID)
}

// RoleUpdate carries the mutable fields of a role. Nil fields are unchanged.
type RoleUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Level       *int    `json:"level,omitempty"`
}

// UpdateRole changes a role. System roles keep their level; custom roles can
// only be edited by an actor outranking both the old and the new level.
func (m *Manager) UpdateRole(ctx context.Context, orgID, actorID, roleID string, upd RoleUpdate) (*Role, error) {
	if err := m.require(ctx, orgID, actorID, "role", "update", ScopeOrganization, Context{}, roleID); err != nil {
		return nil, err
	}
	role, changes, err := m.updateRole(ctx, orgID, actorID, roleID, upd)
	m.record(ctx, orgID, actorID, "update", "role", roleID, changes, err)
	return role, err
}

func (m *Manager) updateRole(ctx context.Context, orgID, actorID, roleID string, upd RoleUpdate) (*Role, *audit.Changes, error) {
	role, err := m.store.GetRole(ctx, orgID, roleID)
	if err != nil {
		return nil, nil, err
	}
	before := map[string]interface{}{"name": role.Name, "description": role.Description, "level": role.Level}

	if err := m.guard.CheckAssign(ctx, orgID, actorID, *role); err != nil {
		return nil, nil, err
	}
	if upd.Level != nil && *upd.Level != role.Level {
		if role.IsSystem {
			return nil, nil, fmt.Errorf("%s: %w", role.Code, ErrSystemRoleImmutable)
		}
		if *upd.Level <= 0 {
			return nil, nil, fmt.Errorf("%w: level must be positive", ErrInvalidInput)
		}
		if err := m.guard.CheckAssign(ctx, orgID, actorID, Role{Code: role.Code, Level: *upd.Level}); err != nil {
			return nil, nil, err
		}
		role.Level = *upd.Level
	}
	if upd.Name != nil {
		if *upd.Name == "" {
			return nil, nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
		}
		role.Name = *upd.Name
	}
	if upd.Description != nil {
		role.Description = *upd.Description
	}
	role.UpdatedAt = clock.Stamp(m.clock.Now())

	if err := m.store.UpdateRole(ctx, role); err != nil {
		return nil, nil, err
	}
	after := map[string]interface{}{"name": role.Name, "description": role.Description, "level": role.Level}
	return role, &audit.Changes{Before: before, After: after}, nil
}

// DeleteRole removes a custom role nobody holds.
func (m *Manager) DeleteRole(ctx context.Context, orgID, actorID, roleID string) error {
	if err := m.require(ctx, orgID, actorID, "role", "delete", ScopeOrganization, Context{}, roleID); err != nil {
		return err
	}
	err := m.deleteRole(ctx, orgID, actorID, roleID)
	m.record(ctx, orgID, actorID, "delete", "role", roleID, nil, err)
	return err
}

func (m *Manager) deleteRole(ctx context.Context, orgID, actorID, roleID string) error {
	role, err := m.store.GetRole(ctx, orgID, roleID)
	if err != nil {
		return err
	}
	holders, err := m.store.RoleHolders(ctx, roleID)
	if err != nil {
		return err
	}
	if holders > 0 {
		return fmt.Errorf("%s is held by %d memberships or invitations: %w", role.Code, holders, ErrRoleInUse)
	}
	if role.IsSystem {
		return fmt.Errorf("%s: %w", role.Code, ErrSystemRoleImmutable)
	}
	if err := m.guard.CheckAssign(ctx, orgID, actorID, *role); err != nil {
		return err
	}
	return m.store.DeleteRole(ctx, orgID, roleID)
}

// --- role grants -------------------------------------------------------------

// SetRolePermission grants or explicitly withholds permissionID on a role the
// actor outranks. Granting requires the actor to hold the permission.
func (m *Manager) SetRolePermission(ctx context.Context, orgID, actorID, roleID, permissionID string, granted bool) error {
	if err := m.require(ctx, orgID, actorID, "role", "update", ScopeOrganization, Context{}, roleID); err != nil {
		return err
	}
	err := m.setRolePermission(ctx, orgID, actorID, roleID, permissionID, granted)
	m.record(ctx, orgID, actorID, "grant", "role", roleID, &audit.Changes{
		After: map[string]interface{}{"permission_id": permissionID, "granted": granted},
	}, err)
	return err
}

func (m *Manager) setRolePermission(ctx context.Context, orgID, actorID, roleID, permissionID string, granted bool) error {
	role, err := m.store.GetRole(ctx, orgID, roleID)
	if err != nil {
		return err
	}
	if err := m.guard.CheckAssign(ctx, orgID, actorID, *role); err != nil {
		return err
	}
	perm, err := m.store.GetPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	if granted {
		if err := m.requireHeld(ctx, orgID, actorID, *perm); err != nil {
			return err
		}
	}
	return m.store.SetGrant(ctx, RoleGrant{RoleID: roleID, PermissionID: permissionID, Granted: granted})
}

// requireHeld returns ErrInvalidRoleAssignment unless actorID itself holds p
// organization-wide. Nobody can hand out more than they have.
func (m *Manager) requireHeld(ctx context.Context, orgID, actorID string, p Permission) error {
	d, err := m.resolver.Authorize(ctx, AuthorizeRequest{
		OrgID:        orgID,
		UserID:       actorID,
		ResourceType: p.ResourceType,
		Action:       p.Action,
		Scope:        p.Scope,
	})
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("%s does not hold %s: %w", actorID, p.ID, ErrInvalidRoleAssignment)
	}
	return nil
}

// RemoveRolePermission deletes a grant row.
func (m *Manager) RemoveRolePermission(ctx context.Context, orgID, actorID, roleID, permissionID string) error {
	if err := m.require(ctx, orgID, actorID, "role", "update", ScopeOrganization, Context{}, roleID); err != nil {
		return err
	}
	err := m.removeRolePermission(ctx, orgID, actorID, roleID, permissionID)
	m.record(ctx, orgID, actorID, "revoke", "role", roleID, &audit.Changes{
		Before: map[string]interface{}{"permission_id": permissionID},
	}, err)
	return err
}

func (m *Manager) removeRolePermission(ctx context.Context, orgID, actorID, roleID, permissionID string) error {
	role, err := m.store.GetRole(ctx, orgID, roleID)
	if err != nil {
		return err
	}
	if err := m.guard.CheckAssign(ctx, orgID, actorID, *role); err != nil {
		return err
	}
	return m.store.DeleteGrant(ctx, roleID, permissionID)
}

// ListRolePermissions lists the grant rows of a role.
func (m *Manager) ListRolePermissions(ctx context.Context, orgID, actorID, roleID string) ([]RoleGrant, error) {
	if err := m.require(ctx, orgID, actorID, "role", "read", ScopeOrganization, Context{}, roleID); err != nil {
		return nil, err
	}
	if _, err := m.store.GetRole(ctx, orgID, roleID); err != nil {
		return nil, err
	}
	return m.store.ListGrants(ctx, roleID)
}

// --- collaborators -----------------------------------------------------------

// CheckAccess requires resourceType:action at organization scope. Denials
// also wrap audit.ErrAccessDenied so the audit API maps them to 403.
func (m *Manager) CheckAccess(ctx context.Context, orgID, userID, resourceType, action string) error {
	err := m.require(ctx, orgID, userID, resourceType, action, ScopeOrganization, Context{}, "")
	if errors.Is(err, ErrPermissionDenied) {
		return fmt.Errorf("%w: %w", audit.ErrAccessDenied, err)
	}
	return err
}

// RequireHighestAuthority requires userID to hold the organization's
// highest-authority role.
func (m *Manager) RequireHighestAuthority(ctx context.Context, orgID, userID string) error {
	err := m.guard.RequireHighestAuthority(ctx, orgID, userID)
	if errors.Is(err, ErrPermissionDenied) {
		return fmt.Errorf("%w: %w", audit.ErrAccessDenied, err)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: organization has no roles", audit.ErrAccessDenied)
	}
	return err
}

// UsersWithRole returns the users holding roleCode whose membership covers c.
func (m *Manager) UsersWithRole(ctx context.Context, orgID, roleCode string, c Context) ([]string, error) {
	return m.store.UsersWithRole(ctx, orgID, roleCode, c)
}

// GetRoleByCode returns a role by code.
func (m *Manager) GetRoleByCode(ctx context.Context, orgID, code string) (*Role, error) {
	return m.store.GetRoleByCode(ctx, orgID, code)
}

// HasAuthorityAbove reports whether userID outranks level.
func (m *Manager) HasAuthorityAbove(ctx context.Context, orgID, userID string, level int) (bool, error) {
	return m.guard.HasAuthorityAbove(ctx, orgID, userID, level)
}

// Authorize forwards to the resolver.
func (m *Manager) Authorize(ctx context.Context, req AuthorizeRequest) (Decision, error) {
	return m.resolver.Authorize(ctx, req)
}

// Require forwards to the resolver.
func (m *Manager) Require(ctx context.Context, req AuthorizeRequest) error {
	return m.resolver.Require(ctx, req)
}
