package delegation

import (
	"errors"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

var (
	// ErrExceedsGrantor is returned when a delegator asks to hand out a
	// permission it does not currently hold.
	ErrExceedsGrantor = errors.New("delegation exceeds grantor's permissions")
	// ErrInvalidDelegation is returned for malformed requests.
	ErrInvalidDelegation = errors.New("invalid delegation")
	// ErrRevokeNotAllowed is returned when the actor is neither the
	// delegator nor outranks it.
	ErrRevokeNotAllowed = errors.New("not allowed to revoke delegation")
)

// Delegation is a time-boxed transfer of a subset of the delegator's
// permissions to the delegate. The window is half-open: [Start, End).
type Delegation struct {
	ID            string       `json:"id"`
	OrgID         string       `json:"org_id"`
	DelegatorID   string       `json:"delegator_id"`
	DelegateID    string       `json:"delegate_id"`
	Context       rbac.Context `json:"context"`
	PermissionIDs []string     `json:"permission_ids"`
	Start         time.Time    `json:"start"`
	End           time.Time    `json:"end"`
	Reason        string       `json:"reason,omitempty"`
	Revoked       bool         `json:"revoked"`
	RevokedBy     string       `json:"revoked_by,omitempty"`
	RevokedAt     *time.Time   `json:"revoked_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// ActiveAt reports whether d confers its permissions at t.
func (d *Delegation) ActiveAt(t time.Time) bool {
	return !d.Revoked && !t.Before(d.Start) && t.Before(d.End)
}

// CreateRequest describes a new delegation. ID is optional; passing one
// makes the create idempotent. A zero Start means now.
type CreateRequest struct {
	ID            string       `json:"id,omitempty"`
	OrgID         string       `json:"org_id"`
	DelegatorID   string       `json:"delegator_id"`
	DelegateID    string       `json:"delegate_id"`
	Context       rbac.Context `json:"context,omitempty"`
	PermissionIDs []string     `json:"permission_ids"`
	Start         time.Time    `json:"start,omitempty"`
	End           time.Time    `json:"end"`
	Reason        string       `json:"reason,omitempty"`
}

// Filter selects delegations of one organization.
type Filter struct {
	OrgID       string
	DelegatorID string
	DelegateID  string
	// ActiveAt restricts the result to delegations in force at that instant.
	ActiveAt time.Time
}
