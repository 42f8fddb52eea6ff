package delegation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/clock"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
	"github.com/platinummonkey/gatekeeper/pkg/storage/ids"
)

// Authorizer answers permission questions.
type Authorizer interface {
	Authorize(ctx context.Context, req rbac.AuthorizeRequest) (rbac.Decision, error)
	Require(ctx context.Context, req rbac.AuthorizeRequest) error
}

// Ranker compares the authority of two users.
type Ranker interface {
	CheckOutranks(ctx context.Context, orgID, actorID, userID string) error
}

// Manager creates, revokes and resolves delegations.
type Manager struct {
	store  *Store
	authz  Authorizer
	ranker Ranker
	sink   audit.Sink
	clock  clock.Clock
	logger logrus.FieldLogger
}

// NewManager creates a delegation manager.
func NewManager(store *Store, authz Authorizer, ranker Ranker, sink audit.Sink, clk clock.Clock, logger logrus.FieldLogger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{store: store, authz: authz, ranker: ranker, sink: sink, clock: clk, logger: logger}
}

func (m *Manager) record(ctx context.Context, orgID, actorID, action, resourceID string, changes *audit.Changes, opErr error) {
	if m.sink == nil || errors.Is(opErr, rbac.ErrPermissionDenied) {
		return
	}
	result := audit.ResultSuccess
	switch {
	case opErr == nil:
	case errors.Is(opErr, ErrExceedsGrantor), errors.Is(opErr, ErrRevokeNotAllowed):
		result = audit.ResultDenied
	default:
		result = audit.ResultFailure
	}
	entry := &audit.Entry{
		OrgID:        orgID,
		UserID:       actorID,
		Action:       action,
		ResourceType: "delegation",
		ResourceID:   resourceID,
		Result:       result,
		Changes:      changes,
	}
	if opErr != nil {
		entry.Context = map[string]string{"error": opErr.Error()}
	}
	if err := m.sink.Append(ctx, entry); err != nil {
		m.logger.WithError(err).WithField("delegation_id", resourceID).Warn("failed to record audit entry")
	}
}

func (r *CreateRequest) normalize(now time.Time) error {
	if r.OrgID == "" || r.DelegatorID == "" || r.DelegateID == "" {
		return fmt.Errorf("%w: organization, delegator and delegate are required", ErrInvalidDelegation)
	}
	if r.DelegatorID == r.DelegateID {
		return fmt.Errorf("%w: cannot delegate to oneself", ErrInvalidDelegation)
	}
	if err := r.Context.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDelegation, err)
	}
	r.Context = r.Context.Normalize()
	if len(r.PermissionIDs) == 0 {
		return fmt.Errorf("%w: at least one permission is required", ErrInvalidDelegation)
	}
	seen := make(map[string]bool, len(r.PermissionIDs))
	perms := make([]string, 0, len(r.PermissionIDs))
	for _, id := range r.PermissionIDs {
		if _, _, _, err := rbac.ParsePermissionKey(id); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDelegation, err)
		}
		if !seen[id] {
			seen[id] = true
			perms = append(perms, id)
		}
	}
	sort.Strings(perms)
	r.PermissionIDs = perms

	if r.Start.IsZero() {
		r.Start = now
	}
	r.Start = clock.Stamp(r.Start)
	r.End = clock.Stamp(r.End)
	if !r.Start.Before(r.End) {
		return fmt.Errorf("%w: start must be before end", ErrInvalidDelegation)
	}
	return nil
}

// Create records a delegation after checking, through the resolver, that the
// delegator holds every delegated permission in the delegation's context
// right now. An organization-wide delegation needs organization-wide grants.
// Nothing is stored otherwise.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Delegation, error) {
	now := clock.Stamp(m.clock.Now())
	if err := req.normalize(now); err != nil {
		return nil, err
	}
	if err := m.authz.Require(ctx, rbac.AuthorizeRequest{
		OrgID:        req.OrgID,
		UserID:       req.DelegatorID,
		ResourceType: "delegation",
		Action:       "create",
		Scope:        rbac.ScopeOwn,
		Context:      req.Context,
	}); err != nil {
		return nil, err
	}

	d, created, err := m.create(ctx, now, req)
	if err == nil && !created {
		// a retry of a recorded create
		return d, nil
	}
	resourceID := req.ID
	if d != nil {
		resourceID = d.ID
	}
	m.record(ctx, req.OrgID, req.DelegatorID, "create", resourceID, &audit.Changes{
		After: map[string]interface{}{
			"delegate_id":    req.DelegateID,
			"permission_ids": strings.Join(req.PermissionIDs, ","),
			"context":        req.Context.String(),
			"end":            req.End.Format(time.RFC3339),
		},
	}, err)
	if err == nil {
		m.logger.WithFields(logrus.Fields{
			"org_id":        d.OrgID,
			"delegation_id": d.ID,
			"delegator_id":  d.DelegatorID,
			"delegate_id":   d.DelegateID,
		}).Info("delegation created")
	}
	return d, err
}

func (m *Manager) create(ctx context.Context, now time.Time, req CreateRequest) (*Delegation, bool, error) {
	for _, id := range req.PermissionIDs {
		resourceType, action, scope, _ := rbac.ParsePermissionKey(id)
		decision, err := m.authz.Authorize(ctx, rbac.AuthorizeRequest{
			OrgID:        req.OrgID,
			UserID:       req.DelegatorID,
			ResourceType: resourceType,
			Action:       action,
			Scope:        scope,
			Context:      req.Context,
			ExactContext: true,
		})
		if err != nil {
			return nil, false, err
		}
		if !decision.Allowed {
			return nil, false, fmt.Errorf("%s does not hold %s: %w", req.DelegatorID, id, ErrExceedsGrantor)
		}
	}

	d := &Delegation{
		ID:            ids.OrNew(req.ID),
		OrgID:         req.OrgID,
		DelegatorID:   req.DelegatorID,
		DelegateID:    req.DelegateID,
		Context:       req.Context,
		PermissionIDs: req.PermissionIDs,
		Start:         req.Start,
		End:           req.End,
		Reason:        req.Reason,
		CreatedAt:     now,
	}
	created, err := m.store.Insert(ctx, d)
	if err != nil {
		return nil, false, err
	}
	if !created {
		d, err = m.store.Get(ctx, d.OrgID, d.ID)
		return d, false, err
	}
	return d, true, nil
}

// Revoke ends a delegation. The actor needs delegation:revoke and must be
// the delegator or have strictly more authority than the delegator.
// Revoking twice is a no-op.
func (m *Manager) Revoke(ctx context.Context, orgID, delegationID, actorID string) (*Delegation, error) {
	d, err := m.store.Get(ctx, orgID, delegationID)
	if err != nil {
		return nil, err
	}
	if err := m.authz.Require(ctx, rbac.AuthorizeRequest{
		OrgID:        orgID,
		UserID:       actorID,
		ResourceType: "delegation",
		Action:       "revoke",
		Scope:        rbac.ScopeOwn,
		Context:      d.Context,
		ResourceID:   d.ID,
	}); err != nil {
		return nil, err
	}
	if d.Revoked {
		return d, nil
	}
	if actorID != d.DelegatorID {
		if err := m.ranker.CheckOutranks(ctx, orgID, actorID, d.DelegatorID); err != nil {
			if errors.Is(err, rbac.ErrInvalidRoleAssignment) || errors.Is(err, rbac.ErrPermissionDenied) {
				err = fmt.Errorf("%s cannot revoke a delegation by %s: %w", actorID, d.DelegatorID, ErrRevokeNotAllowed)
				m.record(ctx, orgID, actorID, "revoke", d.ID, nil, err)
			}
			return nil, err
		}
	}

	now := clock.Stamp(m.clock.Now())
	revoked, err := m.store.Revoke(ctx, orgID, d.ID, actorID, now)
	if err != nil {
		m.record(ctx, orgID, actorID, "revoke", d.ID, nil, err)
		return nil, err
	}
	if revoked {
		m.record(ctx, orgID, actorID, "revoke", d.ID, nil, nil)
		m.logger.WithFields(logrus.Fields{
			"org_id":        orgID,
			"delegation_id": d.ID,
			"revoked_by":    actorID,
		}).Info("delegation revoked")
	}
	return m.store.Get(ctx, orgID, d.ID)
}

// Get returns one delegation.
func (m *Manager) Get(ctx context.Context, orgID, id string) (*Delegation, error) {
	return m.store.Get(ctx, orgID, id)
}

// List returns delegations matching f.
func (m *Manager) List(ctx context.Context, f Filter) ([]Delegation, error) {
	if f.OrgID == "" {
		return nil, fmt.Errorf("%w: organization is required", ErrInvalidDelegation)
	}
	if !f.ActiveAt.IsZero() {
		f.ActiveAt = clock.Stamp(f.ActiveAt)
	}
	return m.store.List(ctx, f)
}

// ListActiveFor returns the delegations to delegateID in force at t.
func (m *Manager) ListActiveFor(ctx context.Context, orgID, delegateID string, at time.Time) ([]Delegation, error) {
	return m.List(ctx, Filter{OrgID: orgID, DelegateID: delegateID, ActiveAt: at})
}

// ActiveGrants implements rbac.DelegationSource.
func (m *Manager) ActiveGrants(ctx context.Context, orgID, userID string, at time.Time) ([]rbac.DelegatedGrant, error) {
	active, err := m.ListActiveFor(ctx, orgID, userID, at)
	if err != nil {
		return nil, err
	}
	grants := make([]rbac.DelegatedGrant, 0, len(active))
	for _, d := range active {
		grants = append(grants, rbac.DelegatedGrant{
			DelegationID:  d.ID,
			PermissionIDs: d.PermissionIDs,
			Context:       d.Context,
		})
	}
	return grants, nil
}
