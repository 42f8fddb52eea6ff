package rbac

import (
	"context"
	"fmt"
)

// CanAssignRole reports whether an actor whose strongest role is actor may
// grant target. Only roles of strictly lower authority (higher level) can be
// granted.
func CanAssignRole(actor, target Role) bool {
	return target.Level > actor.Level
}

// Guard enforces the role hierarchy.
type Guard struct {
	store *Store
}

// NewGuard creates a hierarchy guard over store.
func NewGuard(store *Store) *Guard {
	return &Guard{store: store}
}

// HighestRole returns the highest-authority role userID holds in orgID
// through any membership. Users without a membership have no authority.
func (g *Guard) HighestRole(ctx context.Context, orgID, userID string) (*Role, error) {
	roles, err := g.store.UserRoles(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("%s holds no role in %s: %w", userID, orgID, ErrPermissionDenied)
	}
	return &roles[0], nil
}

// CheckAssign returns ErrInvalidRoleAssignment unless actorID may grant target.
func (g *Guard) CheckAssign(ctx context.Context, orgID, actorID string, target Role) error {
	actor, err := g.HighestRole(ctx, orgID, actorID)
	if err != nil {
		return err
	}
	if !CanAssignRole(*actor, target) {
		return fmt.Errorf("%s (level %d) cannot grant %s (level %d): %w",
			actorID, actor.Level, target.Code, target.Level, ErrInvalidRoleAssignment)
	}
	return nil
}

// CheckOutranks returns ErrInvalidRoleAssignment unless actorID has strictly
// more authority than userID. Users without a role are outranked by anyone
// holding one.
func (g *Guard) CheckOutranks(ctx context.Context, orgID, actorID, userID string) error {
	actor, err := g.HighestRole(ctx, orgID, actorID)
	if err != nil {
		return err
	}
	roles, err := g.store.UserRoles(ctx, orgID, userID)
	if err != nil {
		return err
	}
	if len(roles) > 0 && roles[0].Level <= actor.Level {
		return fmt.Errorf("%s (level %d) does not outrank %s (level %d): %w",
			actorID, actor.Level, userID, roles[0].Level, ErrInvalidRoleAssignment)
	}
	return nil
}

// HasAuthorityAbove reports whether userID holds a role with strictly more
// authority than level.
func (g *Guard) HasAuthorityAbove(ctx context.Context, orgID, userID string, level int) (bool, error) {
	roles, err := g.store.UserRoles(ctx, orgID, userID)
	if err != nil {
		return false, err
	}
	return len(roles) > 0 && roles[0].Level < level, nil
}

// RequireHighestAuthority returns ErrPermissionDenied unless userID holds the
// organization's highest-authority role.
func (g *Guard) RequireHighestAuthority(ctx context.Context, orgID, userID string) error {
	top, err := g.store.HighestAuthorityRole(ctx, orgID)
	if err != nil {
		return err
	}
	actor, err := g.HighestRole(ctx, orgID, userID)
	if err != nil {
		return err
	}
	if actor.ID != top.ID {
		return fmt.Errorf("%s does not hold %s: %w", userID, top.Code, ErrPermissionDenied)
	}
	return nil
}
