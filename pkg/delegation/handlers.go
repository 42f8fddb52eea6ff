package delegation

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

var statusTable = map[error]int{
	rbac.ErrPermissionDenied: http.StatusForbidden,
	ErrExceedsGrantor:        http.StatusForbidden,
	ErrRevokeNotAllowed:      http.StatusForbidden,
	ErrInvalidDelegation:     http.StatusUnprocessableEntity,
}

// Handlers provides HTTP handlers for delegations
type Handlers struct {
	manager *Manager
}

// NewHandlers creates new delegation handlers
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{manager: manager}
}

// RegisterRoutes registers delegation routes on an organization subrouter.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/delegations", h.create).Methods("POST")
	router.HandleFunc("/delegations", h.list).Methods("GET")
	router.HandleFunc("/delegations/{id}", h.get).Methods("GET")
	router.HandleFunc("/delegations/{id}/revoke", h.revoke).Methods("POST")
}

type createRequest struct {
	ID            string       `json:"id,omitempty"`
	DelegateID    string       `json:"delegate_id"`
	Context       rbac.Context `json:"context,omitempty"`
	PermissionIDs []string     `json:"permission_ids"`
	Start         time.Time    `json:"start,omitempty"`
	End           time.Time    `json:"end"`
	Reason        string       `json:"reason,omitempty"`
}

// create handles POST /delegations; the caller is the delegator.
func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	d, err := h.manager.Create(r.Context(), CreateRequest{
		ID:            req.ID,
		OrgID:         p.OrgID,
		DelegatorID:   p.UserID,
		DelegateID:    req.DelegateID,
		Context:       req.Context,
		PermissionIDs: req.PermissionIDs,
		Start:         req.Start,
		End:           req.End,
		Reason:        req.Reason,
	})
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteCreated(w, d)
}

// canSeeAll reports whether the caller may read delegations it is not party to.
func (h *Handlers) canSeeAll(r *http.Request, p middleware.Principal) error {
	return h.manager.authz.Require(r.Context(), rbac.AuthorizeRequest{
		OrgID:        p.OrgID,
		UserID:       p.UserID,
		ResourceType: "delegation",
		Action:       "read",
		Scope:        rbac.ScopeOrganization,
	})
}

// list handles GET /delegations. Without delegation:read at organization
// scope callers only see delegations they are party to.
func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := Filter{OrgID: p.OrgID, DelegatorID: q.Get("delegator_id"), DelegateID: q.Get("delegate_id")}
	active, err := httputil.ParseQueryBool(r, "active", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if active {
		f.ActiveAt = h.manager.clock.Now()
	}
	if f.DelegatorID != p.UserID && f.DelegateID != p.UserID {
		if err := h.canSeeAll(r, p); err != nil {
			httputil.WriteErrorFor(w, err, statusTable)
			return
		}
	}

	out, err := h.manager.List(r.Context(), f)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	if out == nil {
		out = []Delegation{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"delegations": out, "count": len(out)})
}

// get handles GET /delegations/{id}
func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	d, err := h.manager.Get(r.Context(), p.OrgID, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	if d.DelegatorID != p.UserID && d.DelegateID != p.UserID {
		if err := h.canSeeAll(r, p); err != nil {
			httputil.WriteErrorFor(w, err, statusTable)
			return
		}
	}
	httputil.WriteSuccess(w, d)
}

// revoke handles POST /delegations/{id}/revoke
func (h *Handlers) revoke(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	d, err := h.manager.Revoke(r.Context(), p.OrgID, httputil.PathVar(r, "id"), p.UserID)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, d)
}
