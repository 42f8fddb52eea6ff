// Package rbac provides multi-tenant role-based access control for gatekeeper.
//
// # Overview
//
// Every organization owns a set of roles. A role carries an authority level
// (lower means more authority) and a set of permission grants. Users hold
// roles through memberships, each bound to a context: the whole organization,
// or one team, site or department.
//
// Permissions are global (resource_type, action, scope) tuples keyed as
// "resource:action:scope". Scopes form the lattice
//
//	own < team < organization < all
//
// and a grant at a broader scope satisfies a requirement at a narrower one.
//
// # Resolution
//
// The Resolver answers an AuthorizeRequest; the first matching rule wins:
//
//  1. an explicit user override for the exact permission (allow or deny)
//  2. an active delegation whose context covers the request
//  3. a granted permission of any role whose membership applies
//  4. default deny
//
// Requests for a permission missing from the catalog are denied with source
// "unknown_permission". Decisions on mutating actions are written to the
// audit log; if that write fails the request is denied.
//
//	decision, err := manager.Authorize(ctx, rbac.AuthorizeRequest{
//		OrgID:        "acme",
//		UserID:       "u-42",
//		ResourceType: "inspection",
//		Action:       "approve",
//		Scope:        rbac.ScopeTeam,
//		Context:      rbac.Context{Type: rbac.ContextTeam, ID: "north"},
//	})
//
// # Hierarchy
//
// Nobody can hand out authority they lack. CanAssignRole only allows granting
// roles of strictly lower authority than the actor's highest role, and the
// Manager applies it to role creation and edits, memberships, invitations,
// overrides and role grants. An actor may only grant a role a permission it
// holds itself.
//
// # Catalog
//
// The built-in catalog (catalog.yaml) lists the resource types, their actions
// and the system roles admin, manager, supervisor, inspector and staff.
// SeedOrganization installs the system roles for a new organization; it is
// idempotent.
//
// # HTTP API
//
// Handlers expose the manager under /v1/orgs/{org}: permissions, roles and
// their grants, members, overrides and invitations, plus POST /v1/authorize
// and POST /v1/invitations/accept.
package rbac
