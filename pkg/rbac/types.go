package rbac

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrPermissionDenied is returned when the resolver denies an action.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidRoleAssignment is returned when an actor tries to grant a role
	// of equal or greater authority than its own.
	ErrInvalidRoleAssignment = errors.New("invalid role assignment")
	// ErrRoleInUse is returned when deleting a role that is still held.
	ErrRoleInUse = errors.New("role in use")
	// ErrSystemRoleImmutable is returned when changing the code or level of a
	// system role, or deleting one.
	ErrSystemRoleImmutable = errors.New("system role is immutable")
	// ErrPermissionInUse is returned when deleting a permission still granted
	// to a role or referenced by an override.
	ErrPermissionInUse = errors.New("permission in use")
	// ErrBuiltInPermission is returned when deleting a catalog permission.
	ErrBuiltInPermission = errors.New("built-in permission cannot be deleted")
	// ErrInvitationInvalid is returned for expired, consumed or unknown invitations.
	ErrInvitationInvalid = errors.New("invitation invalid")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")
)

// Scope is the breadth of a permission grant. Scopes form the lattice
// own < team < organization < all.
type Scope string

const (
	ScopeOwn          Scope = "own"
	ScopeTeam         Scope = "team"
	ScopeOrganization Scope = "organization"
	ScopeAll          Scope = "all"
)

// AllScopes lists the scopes from narrowest to broadest.
var AllScopes = []Scope{ScopeOwn, ScopeTeam, ScopeOrganization, ScopeAll}

// Rank returns the position of s in the lattice, or -1 for an unknown scope.
func (s Scope) Rank() int {
	switch s {
	case ScopeOwn:
		return 0
	case ScopeTeam:
		return 1
	case ScopeOrganization:
		return 2
	case ScopeAll:
		return 3
	}
	return -1
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool { return s.Rank() >= 0 }

// Satisfies reports whether a grant at scope s covers a requirement at
// scope required: a broader grant satisfies a narrower requirement, never
// the reverse.
func (s Scope) Satisfies(required Scope) bool {
	if !s.Valid() || !required.Valid() {
		return false
	}
	return s.Rank() >= required.Rank()
}

// Permission is a catalog entry. Its ID is always the tuple key.
type Permission struct {
	ID           string    `json:"id"`
	ResourceType string    `json:"resource_type"`
	Action       string    `json:"action"`
	Scope        Scope     `json:"scope"`
	Description  string    `json:"description,omitempty"`
	BuiltIn      bool      `json:"built_in"`
	CreatedAt    time.Time `json:"created_at"`
}

// PermissionKey returns the canonical "resource:action:scope" key.
func PermissionKey(resourceType, action string, scope Scope) string {
	return resourceType + ":" + action + ":" + string(scope)
}

// ParsePermissionKey splits a key produced by PermissionKey.
func ParsePermissionKey(key string) (resourceType, action string, scope Scope, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("%w: malformed permission key %q", ErrInvalidInput, key)
	}
	scope = Scope(parts[2])
	if !scope.Valid() {
		return "", "", "", fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, parts[2])
	}
	return parts[0], parts[1], scope, nil
}

// Covers reports whether p satisfies a requirement for (resourceType, action, scope).
func (p Permission) Covers(resourceType, action string, scope Scope) bool {
	return p.ResourceType == resourceType && p.Action == action && p.Scope.Satisfies(scope)
}

// ContextType names the kind of organizational unit a membership, step or
// delegation is bound to.
type ContextType string

const (
	ContextOrganization ContextType = "organization"
	ContextTeam         ContextType = "team"
	ContextSite         ContextType = "site"
	ContextDepartment   ContextType = "department"
)

// Context binds a grant to part of an organization. The zero value means the
// whole organization.
type Context struct {
	Type ContextType `json:"type,omitempty"`
	ID   string      `json:"id,omitempty"`
}

// OrganizationWide reports whether c covers the whole organization.
func (c Context) OrganizationWide() bool {
	return c.Type == "" || c.Type == ContextOrganization
}

// Normalize maps the zero value onto the explicit organization context.
func (c Context) Normalize() Context {
	if c.OrganizationWide() {
		return Context{Type: ContextOrganization}
	}
	return c
}

// Validate checks that c names a known context type and that only
// non-organization contexts carry an id.
func (c Context) Validate() error {
	switch c.Type {
	case "", ContextOrganization:
		if c.ID != "" {
			return fmt.Errorf("%w: organization context takes no id", ErrInvalidInput)
		}
		return nil
	case ContextTeam, ContextSite, ContextDepartment:
		if c.ID == "" {
			return fmt.Errorf("%w: %s context requires an id", ErrInvalidInput, c.Type)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown context type %q", ErrInvalidInput, c.Type)
}

// Covers reports whether a grant bound to c applies to a request made in
// target. Organization-wide grants cover everything.
func (c Context) Covers(target Context) bool {
	if c.OrganizationWide() {
		return true
	}
	return c.Normalize() == target.Normalize()
}

func (c Context) String() string {
	n := c.Normalize()
	if n.ID == "" {
		return string(n.Type)
	}
	return string(n.Type) + ":" + n.ID
}

// Role is an organization-scoped role. Lower Level means more authority and
// levels are unique within an organization.
type Role struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Level       int       `json:"level"`
	IsSystem    bool      `json:"is_system_role"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleGrant joins a role to a permission.
type RoleGrant struct {
	RoleID       string `json:"role_id"`
	PermissionID string `json:"permission_id"`
	Granted      bool   `json:"granted"`
}

// Membership associates a user with a role in a context.
type Membership struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	Context   Context   `json:"context"`
	GrantedBy string    `json:"granted_by,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
}

// Override is an explicit per-user allow or deny for one permission.
type Override struct {
	OrgID        string    `json:"org_id"`
	UserID       string    `json:"user_id"`
	PermissionID string    `json:"permission_id"`
	Granted      bool      `json:"granted"`
	SetBy        string    `json:"set_by"`
	SetAt        time.Time `json:"set_at"`
}

// Invitation offers a role to someone not yet in the organization.
type Invitation struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"org_id"`
	Email      string     `json:"email"`
	RoleID     string     `json:"role_id"`
	Context    Context    `json:"context"`
	InvitedBy  string     `json:"invited_by"`
	Token      string     `json:"token,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	AcceptedBy string     `json:"accepted_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// DelegatedGrant is the part of an active delegation the resolver needs.
type DelegatedGrant struct {
	DelegationID  string
	PermissionIDs []string
	Context       Context
}

// DecisionSource names the rule that produced a decision.
type DecisionSource string

const (
	SourceOverride          DecisionSource = "override"
	SourceDelegation        DecisionSource = "delegation"
	SourceRole              DecisionSource = "role"
	SourceDefault           DecisionSource = "default"
	SourceUnknownPermission DecisionSource = "unknown_permission"
)

// AuthorizeRequest asks whether UserID may perform Action on ResourceType at
// Scope. Context optionally narrows where the action happens.
type AuthorizeRequest struct {
	OrgID        string  `json:"org_id"`
	UserID       string  `json:"user_id"`
	ResourceType string  `json:"resource_type"`
	Action       string  `json:"action"`
	Scope        Scope   `json:"scope"`
	Context      Context `json:"context,omitempty"`
	ResourceID   string  `json:"resource_id,omitempty"`
	// ExactContext restricts role grants to memberships covering Context.
	// Without it an organization-wide request counts every membership.
	ExactContext bool    `json:"exact_context,omitempty"`
}

// Key returns the permission key the request checks.
func (r AuthorizeRequest) Key() string {
	return PermissionKey(r.ResourceType, r.Action, r.Scope)
}

// Decision is the resolver's answer.
type Decision struct {
	Allowed      bool           `json:"allowed"`
	Source       DecisionSource `json:"source"`
	PermissionID string         `json:"permission_id"`
	Reason       string         `json:"reason,omitempty"`
}

// readOnlyActions are not mirrored to the audit log.
var readOnlyActions = map[string]bool{
	"read":   true,
	"list":   true,
	"view":   true,
	"export": true,
}

// IsMutating reports whether action changes state.
func IsMutating(action string) bool {
	return !readOnlyActions[action]
}
