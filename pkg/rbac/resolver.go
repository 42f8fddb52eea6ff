package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/clock"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/storage"
)

// DelegationSource lists the delegations active for a user at an instant.
type DelegationSource interface {
	ActiveGrants(ctx context.Context, orgID, userID string, at time.Time) ([]DelegatedGrant, error)
}

// Resolver answers authorization questions. Evaluation order, first match
// wins: user override, active delegation, role grant, default deny.
type Resolver struct {
	store       *Store
	catalog     *Catalog
	delegations DelegationSource
	sink        audit.Sink
	metrics     *observability.Metrics
	clock       clock.Clock
	logger      logrus.FieldLogger
}

// NewResolver creates a resolver. sink may be nil to disable decision
// auditing.
func NewResolver(store *Store, catalog *Catalog, sink audit.Sink, clk clock.Clock, logger logrus.FieldLogger) *Resolver {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{store: store, catalog: catalog, sink: sink, clock: clk, logger: logger}
}

// SetDelegations attaches the delegation source. The delegation manager
// itself authorizes through the resolver, so it is attached after both exist.
func (r *Resolver) SetDelegations(src DelegationSource) { r.delegations = src }

// SetMetrics attaches decision counters.
func (r *Resolver) SetMetrics(m *observability.Metrics) { r.metrics = m }

func (req AuthorizeRequest) validate() error {
	if req.OrgID == "" || req.UserID == "" {
		return fmt.Errorf("%w: organization and user are required", ErrInvalidInput)
	}
	if req.ResourceType == "" || req.Action == "" {
		return fmt.Errorf("%w: resource type and action are required", ErrInvalidInput)
	}
	if !req.Scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, req.Scope)
	}
	return req.Context.Validate()
}

// Authorize decides whether req.UserID may perform the requested action.
// Decisions on mutating actions are written to the audit log; if that write
// fails the call is denied and the error returned. A malformed request is
// denied and audited too when it names an organization and an action.
func (r *Resolver) Authorize(ctx context.Context, req AuthorizeRequest) (Decision, error) {
	if err := req.validate(); err != nil {
		decision := Decision{Source: SourceDefault, PermissionID: req.Key(), Reason: err.Error()}
		r.metrics.RecordDecision(string(decision.Source), false)
		if req.OrgID != "" && req.Action != "" {
			if auditErr := r.audit(ctx, req, decision); auditErr != nil {
				r.logger.WithError(auditErr).WithField("org_id", req.OrgID).Warn("failed to audit rejected authorization request")
			}
		}
		return decision, err
	}

	decision, err := r.evaluate(ctx, req)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"org_id":     req.OrgID,
			"user_id":    req.UserID,
			"permission": req.Key(),
		}).Warn("authorization could not be evaluated")
		return Decision{Source: decision.Source, PermissionID: req.Key(), Reason: "evaluation failed"}, err
	}

	r.metrics.RecordDecision(string(decision.Source), decision.Allowed)

	if err := r.audit(ctx, req, decision); err != nil {
		return Decision{
			Source:       decision.Source,
			PermissionID: req.Key(),
			Reason:       "decision could not be audited",
		}, err
	}
	return decision, nil
}

// audit appends decision when req is mutating.
func (r *Resolver) audit(ctx context.Context, req AuthorizeRequest, decision Decision) error {
	if r.sink == nil || !IsMutating(req.Action) {
		return nil
	}
	result := audit.ResultDenied
	if decision.Allowed {
		result = audit.ResultGranted
	}
	entry := &audit.Entry{
		OrgID:             req.OrgID,
		UserID:            req.UserID,
		Action:            req.Action,
		ResourceType:      req.ResourceType,
		ResourceID:        req.ResourceID,
		PermissionChecked: req.Key(),
		Result:            result,
		Context: map[string]string{
			"context": req.Context.String(),
			"source":  string(decision.Source),
		},
	}
	if decision.Source == SourceDefault && decision.Reason != "" {
		entry.Context["reason"] = decision.Reason
	}
	if err := r.sink.Append(ctx, entry); err != nil {
		return fmt.Errorf("failed to audit decision: %w", err)
	}
	return nil
}

func (r *Resolver) evaluate(ctx context.Context, req AuthorizeRequest) (Decision, error) {
	key := req.Key()

	perm, err := r.catalog.Lookup(ctx, req.ResourceType, req.Action, req.Scope)
	if errors.Is(err, storage.ErrNotFound) {
		return Decision{Source: SourceUnknownPermission, PermissionID: key, Reason: "permission is not in the catalog"}, nil
	}
	if err != nil {
		return Decision{Source: SourceUnknownPermission}, err
	}

	override, err := r.store.GetOverride(ctx, req.OrgID, req.UserID, perm.ID)
	switch {
	case err == nil:
		reason := "explicit deny override"
		if override.Granted {
			reason = "explicit allow override"
		}
		return Decision{Allowed: override.Granted, Source: SourceOverride, PermissionID: key, Reason: reason}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return Decision{Source: SourceOverride}, err
	}

	if r.delegations != nil {
		grants, err := r.delegations.ActiveGrants(ctx, req.OrgID, req.UserID, r.clock.Now())
		if err != nil {
			return Decision{Source: SourceDelegation}, err
		}
		for _, g := range grants {
			if !g.Context.Covers(req.Context) {
				continue
			}
			for _, id := range g.PermissionIDs {
				if keyCovers(id, req) {
					return Decision{
						Allowed:      true,
						Source:       SourceDelegation,
						PermissionID: key,
						Reason:       "delegated by " + g.DelegationID,
					}, nil
				}
			}
		}
	}

	memberships, err := r.store.ListMemberships(ctx, req.OrgID, req.UserID)
	if err != nil {
		return Decision{Source: SourceRole}, err
	}
	roleIDs := applicableRoles(memberships, req.Context, req.ExactContext)
	if len(roleIDs) > 0 {
		granted, err := r.store.GrantedPermissions(ctx, roleIDs)
		if err != nil {
			return Decision{Source: SourceRole}, err
		}
		for _, p := range granted {
			if p.Covers(req.ResourceType, req.Action, req.Scope) {
				return Decision{Allowed: true, Source: SourceRole, PermissionID: key, Reason: "granted by role via " + p.ID}, nil
			}
		}
	}

	return Decision{Source: SourceDefault, PermissionID: key, Reason: "no grant matched"}, nil
}

// applicableRoles returns the distinct roles of memberships that apply in
// target. Organization-wide memberships always apply; a request without a
// context is evaluated against every membership unless exact is set, in
// which case only organization-wide memberships count.
func applicableRoles(memberships []Membership, target Context, exact bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range memberships {
		if (exact || !target.OrganizationWide()) && !m.Context.Covers(target) {
			continue
		}
		if !seen[m.RoleID] {
			seen[m.RoleID] = true
			out = append(out, m.RoleID)
		}
	}
	return out
}

func keyCovers(id string, req AuthorizeRequest) bool {
	resourceType, action, scope, err := ParsePermissionKey(id)
	if err != nil {
		return false
	}
	return Permission{ResourceType: resourceType, Action: action, Scope: scope}.Covers(req.ResourceType, req.Action, req.Scope)
}

// Require returns nil when req is allowed and ErrPermissionDenied otherwise.
func (r *Resolver) Require(ctx context.Context, req AuthorizeRequest) error {
	d, err := r.Authorize(ctx, req)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("%s for %s: %w", req.Key(), req.UserID, ErrPermissionDenied)
	}
	return nil
}

// EffectivePermission is one entry of a user's effective permission set.
type EffectivePermission struct {
	PermissionID string         `json:"permission_id"`
	Source       DecisionSource `json:"source"`
}

// EffectivePermissions lists what userID can do organization-wide right
// now: role grants and active delegations, with overrides applied on top.
func (r *Resolver) EffectivePermissions(ctx context.Context, orgID, userID string) ([]EffectivePermission, error) {
	sources := make(map[string]DecisionSource)

	memberships, err := r.store.ListMemberships(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	granted, err := r.store.GrantedPermissions(ctx, applicableRoles(memberships, Context{}, false))
	if err != nil {
		return nil, err
	}
	for _, p := range granted {
		sources[p.ID] = SourceRole
	}

	if r.delegations != nil {
		grants, err := r.delegations.ActiveGrants(ctx, orgID, userID, r.clock.Now())
		if err != nil {
			return nil, err
		}
		for _, g := range grants {
			for _, id := range g.PermissionIDs {
				if _, ok := sources[id]; !ok {
					sources[id] = SourceDelegation
				}
			}
		}
	}

	overrides, err := r.store.ListOverrides(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		if o.Granted {
			sources[o.PermissionID] = SourceOverride
		} else {
			delete(sources, o.PermissionID)
		}
	}

	out := make([]EffectivePermission, 0, len(sources))
	for id, src := range sources {
		out = append(out, EffectivePermission{PermissionID: id, Source: src})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermissionID < out[j].PermissionID })
	return out, nil
}
