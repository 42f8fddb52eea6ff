package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
)

var statusTable = map[error]int{
	ErrPermissionDenied:      http.StatusForbidden,
	ErrInvalidRoleAssignment: http.StatusForbidden,
	ErrInvalidInput:          http.StatusUnprocessableEntity,
	ErrRoleInUse:             http.StatusConflict,
	ErrSystemRoleImmutable:   http.StatusConflict,
	ErrPermissionInUse:       http.StatusConflict,
	ErrBuiltInPermission:     http.StatusConflict,
	ErrInvitationInvalid:     http.StatusGone,
}

// Handlers provides HTTP handlers for RBAC operations
type Handlers struct {
	manager *Manager
}

// NewHandlers creates new RBAC handlers
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{manager: manager}
}

// RegisterRoutes registers the routes that are not bound to an organization
// path: the authorize check and invitation acceptance.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/authorize", h.authorize).Methods("POST")
	router.HandleFunc("/invitations/accept", h.acceptInvitation).Methods("POST")
}

// RegisterOrgRoutes registers RBAC management routes on an organization
// subrouter (path prefix /v1/orgs/{org}).
func (h *Handlers) RegisterOrgRoutes(router *mux.Router) {
	router.HandleFunc("/permissions", h.createPermission).Methods("POST")
	router.HandleFunc("/permissions", h.listPermissions).Methods("GET")
	router.HandleFunc("/permissions/{id}", h.getPermission).Methods("GET")
	router.HandleFunc("/permissions/{id}", h.updatePermission).Methods("PATCH")
	router.HandleFunc("/permissions/{id}", h.deletePermission).Methods("DELETE")

	router.HandleFunc("/roles", h.createRole).Methods("POST")
	router.HandleFunc("/roles", h.listRoles).Methods("GET")
	router.HandleFunc("/roles/{id}", h.getRole).Methods("GET")
	router.HandleFunc("/roles/{id}", h.updateRole).Methods("PATCH")
	router.HandleFunc("/roles/{id}", h.deleteRole).Methods("DELETE")
	router.HandleFunc("/roles/{id}/permissions", h.listRolePermissions).Methods("GET")
	router.HandleFunc("/roles/{id}/permissions", h.setRolePermission).Methods("PUT")
	router.HandleFunc("/roles/{id}/permissions/{permission}", h.removeRolePermission).Methods("DELETE")

	router.HandleFunc("/members", h.assignRole).Methods("POST")
	router.HandleFunc("/members", h.listMemberships).Methods("GET")
	router.HandleFunc("/members/{id}", h.removeMembership).Methods("DELETE")
	router.HandleFunc("/users/{user}/permissions", h.effectivePermissions).Methods("GET")

	router.HandleFunc("/overrides", h.setOverride).Methods("PUT")
	router.HandleFunc("/overrides", h.listOverrides).Methods("GET")
	router.HandleFunc("/overrides/{user}/{permission}", h.deleteOverride).Methods("DELETE")

	router.HandleFunc("/invitations", h.createInvitation).Methods("POST")
	router.HandleFunc("/invitations", h.listInvitations).Methods("GET")
	router.HandleFunc("/invitations/{id}", h.revokeInvitation).Methods("DELETE")
}

type authorizeRequest struct {
	UserID       string  `json:"user_id,omitempty"`
	ResourceType string  `json:"resource_type"`
	Action       string  `json:"action"`
	Scope        Scope   `json:"scope"`
	Context      Context `json:"context,omitempty"`
	ResourceID   string  `json:"resource_id,omitempty"`
}

// authorize handles POST /v1/authorize. Callers check themselves unless
// they can read memberships.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var req authorizeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = p.UserID
	}
	if req.UserID != p.UserID {
		if err := h.manager.require(r.Context(), p.OrgID, p.UserID, "membership", "read", ScopeOrganization, Context{}, req.UserID); err != nil {
			httputil.WriteErrorFor(w, err, statusTable)
			return
		}
	}

	decision, err := h.manager.Authorize(r.Context(), AuthorizeRequest{
		OrgID:        p.OrgID,
		UserID:       req.UserID,
		ResourceType: req.ResourceType,
		Action:       req.Action,
		Scope:        req.Scope,
		Context:      req.Context,
		ResourceID:   req.ResourceID,
	})
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, decision)
}

// --- permissions -------------------------------------------------------------

func (h *Handlers) createPermission(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var req Permission
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	perm, err := h.manager.CreatePermission(r.Context(), p.OrgID, p.UserID, req)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteCreated(w, perm)
}

func (h *Handlers) listPermissions(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	perms, err := h.manager.ListPermissions(r.Context(), p.OrgID, p.UserID, r.URL.Query().Get("resource_type"))
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"permissions": perms, "count": len(perms)})
}

func (h *Handlers) getPermission(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	perm, err := h.manager.GetPermission(r.Context(), p.OrgID, p.UserID, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, perm)
}

func (h *Handlers) updatePermission(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var req struct {
		Description string `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	perm, err := h.manager.UpdatePermissionDescription(r.Context(), p.OrgID, p.UserID, httputil.PathVar(r, "id"), req.Description)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, perm)
}

func (h *Handlers) deletePermission(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	if err := h.manager.DeletePermission(r.Context(), p.OrgID, p.UserID, httputil.PathVar(r, "id")); err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteNoContent(w)
}

// --- roles -------------------------------------------------------------------

type createRoleRequest struct {
	ID          string `json:"id,omitempty"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Level       int    `json:"level"`
}

func (h *Handlers) createRole(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var req createRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := h.manager.CreateRole(r.Context(), p.UserID, Role{
		ID:          req.ID,
		OrgID:       p.OrgID,
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		Level:       req.Level,
	})
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteCreated(w, role)
}

func (h *Handlers) listRoles(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	roles, err := h.manager.ListRoles(r.Context(), p.OrgID, p.UserID)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"roles": roles, "count": len(roles)})
}

func (h *Handlers) getRole(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	role, err := h.manager.GetRole(r.Context(), p.OrgID, p.UserID, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, role)
}

func (h *Handlers) updateRole(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var req RoleUpdate
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role, err := h.manager.UpdateRole(r.Context(), p.OrgID, p.UserID, httputil.PathVar(r, "id"), req)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, role)
}

func (h *Handlers) deleteRole(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	if err := h.manager.DeleteRole(r.Context(), p.OrgID, p.UserID, httputil.PathVar(r, "id")); err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) listRolePermissions(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	grants, err := h.manager.ListRolePermissions(r.Context(), p.OrgID, p.UserID, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	if grants == nil {
		grants = []RoleGrant{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"grants": grants, "count": len(grants)})
}

func (h *Handlers) setRolePermission(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var req struct {
		PermissionID string `json:"permission_id"`
		Granted      *bool  `json:"granted,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	granted := req.Granted == nil || *req.Granted
	roleID := httputil.PathVar(r, "id")
	if err := h.manager.SetRolePermission(r.Context(), p.OrgID, p.UserID, roleID, req.PermissionID, granted); err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, RoleGrant{RoleID: roleID, PermissionID: req.PermissionID, Granted: granted})
}

func (h *Handlers) removeRolePermission(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	err := h.manager.RemoveRolePermission(r.Context(), p.OrgID, p.UserID, httputil.PathVar(r, "id"), httputil.PathVar(r, "permission"))
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteNoContent(w)
}

// --- memberships -------------------------------------------------------------

type assignRoleRequest struct {
	UserID  string  `json:"user_id"`
	RoleID  string  `json:"role_id"`
	Context Context `json:"context,omitempty"`
}

func (h *Handlers) assignRole(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ms, err := h.manager.AssignRole(r.Context(), p.OrgID, p.UserID, req.UserID, req.RoleID, req.Context)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteCreated(w, ms)
}

func (h *Handlers) listMemberships(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	out, err := h.manager.ListMemberships(r.Context(), p.OrgID, p.UserID, r.URL.Query().Get("user_id"))
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	if out == nil {
		out = []Membership{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"memberships": out, "count": len(out)})
}

func (h *Handlers) removeMembership(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	if err := h.manager.RemoveMembership(r.Context(), p.OrgID, p.UserID, httputil.PathVar(r, "id")); err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	userID := httputil.PathVar(r, "user")
	if userID == "me" {
		userID = p.UserID
	}
	perms, err := h.manager.EffectivePermissions(r.Context(), p.OrgID, p.UserID, userID)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	if perms == nil {
		perms = []EffectivePermission{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"user_id": userID, "permissions": perms})
}

// --- overrides ---------------------------------------------------------------

type overrideRequest struct {
	UserID       string `json:"user_id"`
	PermissionID string `json:"permission_id"`
	Granted      bool   `json:"granted"`
}

func (h *Handlers) setOverride(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	o, err := h.manager.SetOverride(r.Context(), p.OrgID, p.UserID, req.UserID, req.PermissionID, req.Granted)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, o)
}

func (h *Handlers) listOverrides(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	out, err := h.manager.ListOverrides(r.Context(), p.OrgID, p.UserID, r.URL.Query().Get("user_id"))
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	if out == nil {
		out = []Override{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"overrides": out, "count": len(out)})
}

func (h *Handlers) deleteOverride(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	err := h.manager.DeleteOverride(r.Context(), p.OrgID, p.UserID, httputil.PathVar(r, "user"), httputil.PathVar(r, "permission"))
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteNoContent(w)
}

// --- invitations -------------------------------------------------------------

type invitationRequest struct {
	Email   string  `json:"email"`
	RoleID  string  `json:"role_id"`
	Context Context `json:"context,omitempty"`
}

func (h *Handlers) createInvitation(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var req invitationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	inv, err := h.manager.CreateInvitation(r.Context(), p.OrgID, p.UserID, req.Email, req.RoleID, req.Context)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteCreated(w, inv)
}

func (h *Handlers) listInvitations(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	out, err := h.manager.ListInvitations(r.Context(), p.OrgID, p.UserID)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	if out == nil {
		out = []Invitation{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"invitations": out, "count": len(out)})
}

func (h *Handlers) revokeInvitation(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	if err := h.manager.RevokeInvitation(r.Context(), p.OrgID, p.UserID, httputil.PathVar(r, "id")); err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteNoContent(w)
}

// acceptInvitation handles POST /v1/invitations/accept for the calling user.
func (h *Handlers) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ms, err := h.manager.AcceptInvitation(r.Context(), req.Token, p.UserID)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteCreated(w, ms)
}
