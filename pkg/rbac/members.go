package rbac

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/clock"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
	"github.com/platinummonkey/gatekeeper/pkg/storage/ids"
)

func membershipScope(c Context) Scope {
	if c.OrganizationWide() {
		return ScopeOrganization
	}
	return ScopeTeam
}

// AssignRole gives userID roleID in context c, replacing the role the user
// held there. The actor must outrank both the new role and the replaced one.
func (m *Manager) AssignRole(ctx context.Context, orgID, actorID, userID, roleID string, c Context) (*Membership, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := m.require(ctx, orgID, actorID, "membership", "create", membershipScope(c), c, userID); err != nil {
		return nil, err
	}
	ms, err := m.assignRole(ctx, orgID, actorID, userID, roleID, c)
	m.record(ctx, orgID, actorID, "create", "membership", userID, &audit.Changes{
		After: map[string]interface{}{"role_id": roleID, "context": c.String()},
	}, err)
	return ms, err
}

func (m *Manager) assignRole(ctx context.Context, orgID, actorID, userID, roleID string, c Context) (*Membership, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	role, err := m.store.GetRole(ctx, orgID, roleID)
	if err != nil {
		return nil, err
	}
	if err := m.guard.CheckAssign(ctx, orgID, actorID, *role); err != nil {
		return nil, err
	}
	if err := m.checkReplaced(ctx, orgID, actorID, userID, c); err != nil {
		return nil, err
	}
	return m.store.UpsertMembership(ctx, &Membership{
		ID:        ids.New(),
		OrgID:     orgID,
		UserID:    userID,
		RoleID:    role.ID,
		Context:   c.Normalize(),
		GrantedBy: actorID,
		GrantedAt: clock.Stamp(m.clock.Now()),
	})
}

// checkReplaced refuses to overwrite a role in c the actor could not have
// granted itself.
func (m *Manager) checkReplaced(ctx context.Context, orgID, actorID, userID string, c Context) error {
	memberships, err := m.store.ListMemberships(ctx, orgID, userID)
	if err != nil {
		return err
	}
	target := c.Normalize()
	for _, ms := range memberships {
		if ms.Context.Normalize() != target {
			continue
		}
		current, err := m.store.GetRole(ctx, orgID, ms.RoleID)
		if err != nil {
			return err
		}
		return m.guard.CheckAssign(ctx, orgID, actorID, *current)
	}
	return nil
}

// RemoveMembership deletes a membership whose role the actor outranks.
func (m *Manager) RemoveMembership(ctx context.Context, orgID, actorID, membershipID string) error {
	ms, err := m.store.GetMembership(ctx, orgID, membershipID)
	if err != nil {
		return err
	}
	if err := m.require(ctx, orgID, actorID, "membership", "delete", membershipScope(ms.Context), ms.Context, ms.UserID); err != nil {
		return err
	}
	err = m.removeMembership(ctx, orgID, actorID, ms)
	m.record(ctx, orgID, actorID, "delete", "membership", ms.UserID, &audit.Changes{
		Before: map[string]interface{}{"role_id": ms.RoleID, "context": ms.Context.String()},
	}, err)
	return err
}

func (m *Manager) removeMembership(ctx context.Context, orgID, actorID string, ms *Membership) error {
	role, err := m.store.GetRole(ctx, orgID, ms.RoleID)
	if err != nil {
		return err
	}
	if err := m.guard.CheckAssign(ctx, orgID, actorID, *role); err != nil {
		return err
	}
	return m.store.DeleteMembership(ctx, orgID, ms.ID)
}

// ListMemberships lists memberships, optionally for one user.
func (m *Manager) ListMemberships(ctx context.Context, orgID, actorID, userID string) ([]Membership, error) {
	if err := m.require(ctx, orgID, actorID, "membership", "read", ScopeOrganization, Context{}, userID); err != nil {
		return nil, err
	}
	return m.store.ListMemberships(ctx, orgID, userID)
}

// --- overrides ---------------------------------------------------------------

// SetOverride sets an explicit allow or deny of permissionID for userID. The
// actor must outrank the user, and can only allow what it holds itself.
func (m *Manager) SetOverride(ctx context.Context, orgID, actorID, userID, permissionID string, granted bool) (*Override, error) {
	if err := m.require(ctx, orgID, actorID, "override", "create", ScopeOrganization, Context{}, userID); err != nil {
		return nil, err
	}
	o, err := m.setOverride(ctx, orgID, actorID, userID, permissionID, granted)
	m.record(ctx, orgID, actorID, "create", "override", userID, &audit.Changes{
		After: map[string]interface{}{"permission_id": permissionID, "granted": granted},
	}, err)
	return o, err
}

func (m *Manager) setOverride(ctx context.Context, orgID, actorID, userID, permissionID string, granted bool) (*Override, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	if userID == actorID {
		return nil, fmt.Errorf("%s cannot override its own permissions: %w", actorID, ErrInvalidRoleAssignment)
	}
	if err := m.guard.CheckOutranks(ctx, orgID, actorID, userID); err != nil {
		return nil, err
	}
	perm, err := m.store.GetPermission(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	if granted {
		if err := m.requireHeld(ctx, orgID, actorID, *perm); err != nil {
			return nil, err
		}
	}
	o := &Override{
		OrgID:        orgID,
		UserID:       userID,
		PermissionID: perm.ID,
		Granted:      granted,
		SetBy:        actorID,
		SetAt:        clock.Stamp(m.clock.Now()),
	}
	if err := m.store.UpsertOverride(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// DeleteOverride removes an override.
func (m *Manager) DeleteOverride(ctx context.Context, orgID, actorID, userID, permissionID string) error {
	if err := m.require(ctx, orgID, actorID, "override", "delete", ScopeOrganization, Context{}, userID); err != nil {
		return err
	}
	err := m.guard.CheckOutranks(ctx, orgID, actorID, userID)
	if err == nil {
		err = m.store.DeleteOverride(ctx, orgID, userID, permissionID)
	}
	m.record(ctx, orgID, actorID, "delete", "override", userID, &audit.Changes{
		Before: map[string]interface{}{"permission_id": permissionID},
	}, err)
	return err
}

// ListOverrides lists overrides, optionally for one user.
func (m *Manager) ListOverrides(ctx context.Context, orgID, actorID, userID string) ([]Override, error) {
	if err := m.require(ctx, orgID, actorID, "override", "read", ScopeOrganization, Context{}, userID); err != nil {
		return nil, err
	}
	return m.store.ListOverrides(ctx, orgID, userID)
}

// EffectivePermissions lists what userID can do. Users may always inspect
// themselves; anyone else needs membership:read.
func (m *Manager) EffectivePermissions(ctx context.Context, orgID, actorID, userID string) ([]EffectivePermission, error) {
	if actorID != userID {
		if err := m.require(ctx, orgID, actorID, "membership", "read", ScopeOrganization, Context{}, userID); err != nil {
			return nil, err
		}
	}
	return m.resolver.EffectivePermissions(ctx, orgID, userID)
}

// --- invitations -------------------------------------------------------------

func newInvitationToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate invitation token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CreateInvitation offers roleID in context c to email. The returned
// invitation carries the token; it is never listed again.
func (m *Manager) CreateInvitation(ctx context.Context, orgID, actorID, email, roleID string, c Context) (*Invitation, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := m.require(ctx, orgID, actorID, "invitation", "create", membershipScope(c), c, email); err != nil {
		return nil, err
	}
	inv, err := m.createInvitation(ctx, orgID, actorID, email, roleID, c)
	resourceID := email
	if inv != nil {
		resourceID = inv.ID
	}
	m.record(ctx, orgID, actorID, "create", "invitation", resourceID, &audit.Changes{
		After: map[string]interface{}{"email": email, "role_id": roleID, "context": c.String()},
	}, err)
	return inv, err
}

func (m *Manager) createInvitation(ctx context.Context, orgID, actorID, email, roleID string, c Context) (*Invitation, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	role, err := m.store.GetRole(ctx, orgID, roleID)
	if err != nil {
		return nil, err
	}
	if err := m.guard.CheckAssign(ctx, orgID, actorID, *role); err != nil {
		return nil, err
	}
	token, err := newInvitationToken()
	if err != nil {
		return nil, err
	}
	now := clock.Stamp(m.clock.Now())
	inv := &Invitation{
		ID:        ids.At(now),
		OrgID:     orgID,
		Email:     email,
		RoleID:    role.ID,
		Context:   c.Normalize(),
		InvitedBy: actorID,
		Token:     token,
		ExpiresAt: now.Add(m.config.InvitationTTL),
		CreatedAt: now,
	}
	if err := m.store.InsertInvitation(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// AcceptInvitation consumes token and makes userID a member. The inviter must
// still be able to grant the role at acceptance time.
func (m *Manager) AcceptInvitation(ctx context.Context, token, userID string) (*Membership, error) {
	if token == "" || userID == "" {
		return nil, fmt.Errorf("%w: token and user are required", ErrInvalidInput)
	}
	inv, err := m.store.GetInvitationByToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("unknown token: %w", ErrInvitationInvalid)
	}
	if err != nil {
		return nil, err
	}
	ms, err := m.acceptInvitation(ctx, inv, userID)
	m.record(ctx, inv.OrgID, userID, "accept", "invitation", inv.ID, nil, err)
	return ms, err
}

func (m *Manager) acceptInvitation(ctx context.Context, inv *Invitation, userID string) (*Membership, error) {
	now := clock.Stamp(m.clock.Now())
	if inv.AcceptedAt != nil {
		return nil, fmt.Errorf("invitation %s already accepted: %w", inv.ID, ErrInvitationInvalid)
	}
	if !now.Before(inv.ExpiresAt) {
		return nil, fmt.Errorf("invitation %s expired at %s: %w", inv.ID, inv.ExpiresAt.Format(time.RFC3339), ErrInvitationInvalid)
	}
	role, err := m.store.GetRole(ctx, inv.OrgID, inv.RoleID)
	if err != nil {
		return nil, err
	}
	if err := m.guard.CheckAssign(ctx, inv.OrgID, inv.InvitedBy, *role); err != nil {
		return nil, err
	}
	ms, ok, err := m.store.AcceptInvitation(ctx, inv.ID, &Membership{
		ID:        ids.New(),
		OrgID:     inv.OrgID,
		UserID:    userID,
		RoleID:    role.ID,
		Context:   inv.Context,
		GrantedBy: inv.InvitedBy,
		GrantedAt: now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("invitation %s already accepted: %w", inv.ID, ErrInvitationInvalid)
	}
	return ms, nil
}

// RevokeInvitation deletes an invitation.
func (m *Manager) RevokeInvitation(ctx context.Context, orgID, actorID, invitationID string) error {
	if err := m.require(ctx, orgID, actorID, "invitation", "delete", ScopeOrganization, Context{}, invitationID); err != nil {
		return err
	}
	err := m.store.DeleteInvitation(ctx, orgID, invitationID)
	m.record(ctx, orgID, actorID, "delete", "invitation", invitationID, nil, err)
	return err
}

// ListInvitations lists invitations without their tokens.
func (m *Manager) ListInvitations(ctx context.Context, orgID, actorID string) ([]Invitation, error) {
	if err := m.require(ctx, orgID, actorID, "invitation", "read", ScopeOrganization, Context{}, ""); err != nil {
		return nil, err
	}
	return m.store.ListInvitations(ctx, orgID)
}
