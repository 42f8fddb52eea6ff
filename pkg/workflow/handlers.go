package workflow

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

var statusTable = map[error]int{
	rbac.ErrPermissionDenied: http.StatusForbidden,
	ErrTemplateNotFound:      http.StatusNotFound,
	ErrInstanceNotFound:      http.StatusNotFound,
	ErrInvalidTransition:     http.StatusConflict,
	ErrTemplateInactive:      http.StatusConflict,
	ErrTemplateInUse:         http.StatusConflict,
	ErrNoEligibleApprovers:   http.StatusConflict,
	ErrMalformedTemplate:     http.StatusUnprocessableEntity,
	ErrInvalidRequest:        http.StatusUnprocessableEntity,
}

// Handlers provides HTTP handlers for workflow templates and instances
type Handlers struct {
	engine *Engine
}

// NewHandlers creates new workflow handlers
func NewHandlers(engine *Engine) *Handlers {
	return &Handlers{engine: engine}
}

// RegisterRoutes registers workflow routes on an organization subrouter.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/workflow-templates", h.createTemplate).Methods("POST")
	router.HandleFunc("/workflow-templates", h.listTemplates).Methods("GET")
	router.HandleFunc("/workflow-templates/{id}", h.getTemplate).Methods("GET")
	router.HandleFunc("/workflow-templates/{id}", h.updateTemplate).Methods("PATCH")
	router.HandleFunc("/workflow-templates/{id}", h.deleteTemplate).Methods("DELETE")

	router.HandleFunc("/workflow-instances", h.startInstance).Methods("POST")
	router.HandleFunc("/workflow-instances", h.listInstances).Methods("GET")
	router.HandleFunc("/workflow-instances/{id}", h.getInstance).Methods("GET")
	router.HandleFunc("/workflow-instances/{id}/decide", h.decide).Methods("POST")
	router.HandleFunc("/workflow-instances/{id}/cancel", h.cancel).Methods("POST")
	router.HandleFunc("/workflow-instances/{id}/actions", h.listActions).Methods("GET")
}

// createTemplate handles POST /workflow-templates
func (h *Handlers) createTemplate(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var t Template
	if !httputil.ParseJSONOrError(w, r, &t) {
		return
	}
	t.OrgID = p.OrgID
	out, err := h.engine.registry.CreateTemplate(r.Context(), p.UserID, t)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteCreated(w, out)
}

// listTemplates handles GET /workflow-templates?resource_type=
func (h *Handlers) listTemplates(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	out, err := h.engine.registry.ListTemplates(r.Context(), p.OrgID, p.UserID, r.URL.Query().Get("resource_type"))
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	if out == nil {
		out = []Template{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"templates": out, "count": len(out)})
}

// getTemplate handles GET /workflow-templates/{id}
func (h *Handlers) getTemplate(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	out, err := h.engine.registry.GetTemplate(r.Context(), p.OrgID, p.UserID, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, out)
}

// updateTemplate handles PATCH /workflow-templates/{id}
func (h *Handlers) updateTemplate(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var u TemplateUpdate
	if !httputil.ParseJSONOrError(w, r, &u) {
		return
	}
	out, err := h.engine.registry.UpdateTemplate(r.Context(), p.OrgID, p.UserID, httputil.PathVar(r, "id"), u)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, out)
}

// deleteTemplate handles DELETE /workflow-templates/{id}
func (h *Handlers) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	if err := h.engine.registry.DeleteTemplate(r.Context(), p.OrgID, p.UserID, httputil.PathVar(r, "id")); err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteNoContent(w)
}

type startRequest struct {
	ID           string `json:"id,omitempty"`
	TemplateID   string `json:"template_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	ResourceName string `json:"resource_name,omitempty"`
}

// startInstance handles POST /workflow-instances; the caller is the requester.
func (h *Handlers) startInstance(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var req startRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	inst, err := h.engine.StartInstance(r.Context(), StartRequest{
		ID:           req.ID,
		OrgID:        p.OrgID,
		TemplateID:   req.TemplateID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		ResourceName: req.ResourceName,
		RequestedBy:  p.UserID,
	})
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteCreated(w, inst)
}

// canSeeAll reports whether the caller may read instances it is not party to.
func (h *Handlers) canSeeAll(r *http.Request, p middleware.Principal) error {
	return h.engine.registry.authz.Require(r.Context(), rbac.AuthorizeRequest{
		OrgID:        p.OrgID,
		UserID:       p.UserID,
		ResourceType: "workflow_instance",
		Action:       "read",
		Scope:        rbac.ScopeTeam,
	})
}

// listInstances handles GET /workflow-instances. Without
// workflow_instance:read at team scope callers only see their own requests.
func (h *Handlers) listInstances(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := httputil.ParseQueryInt(r, "limit", 100)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	f := InstanceFilter{
		OrgID:        p.OrgID,
		Status:       Status(q.Get("status")),
		TemplateID:   q.Get("template_id"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		RequestedBy:  q.Get("requested_by"),
		Limit:        limit,
	}
	if f.RequestedBy != p.UserID {
		if err := h.canSeeAll(r, p); err != nil {
			httputil.WriteErrorFor(w, err, statusTable)
			return
		}
	}
	out, err := h.engine.List(r.Context(), f)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	if out == nil {
		out = []Instance{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"instances": out, "count": len(out)})
}

// load fetches the instance named in the path, hiding instances of other
// organizations, and checks the caller may read it.
func (h *Handlers) load(w http.ResponseWriter, r *http.Request, p middleware.Principal) (*Instance, bool) {
	inst, err := h.engine.Get(r.Context(), httputil.PathVar(r, "id"))
	if err == nil && inst.OrgID != p.OrgID {
		err = ErrInstanceNotFound
	}
	if err == nil && inst.RequestedBy != p.UserID && !inst.IsApprover(p.UserID) {
		err = h.canSeeAll(r, p)
	}
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return nil, false
	}
	return inst, true
}

// getInstance handles GET /workflow-instances/{id}
func (h *Handlers) getInstance(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	inst, ok := h.load(w, r, p)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, inst)
}

type decideRequest struct {
	Decision Decision `json:"decision"`
	Notes    string   `json:"notes,omitempty"`
}

// decide handles POST /workflow-instances/{id}/decide
func (h *Handlers) decide(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var req decideRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	inst, err := h.engine.Get(r.Context(), httputil.PathVar(r, "id"))
	if err == nil && inst.OrgID != p.OrgID {
		err = ErrInstanceNotFound
	}
	if err == nil {
		inst, err = h.engine.Decide(r.Context(), inst.ID, p.UserID, req.Decision, req.Notes)
	}
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, inst)
}

// cancel handles POST /workflow-instances/{id}/cancel
func (h *Handlers) cancel(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	inst, err := h.engine.Get(r.Context(), httputil.PathVar(r, "id"))
	if err == nil && inst.OrgID != p.OrgID {
		err = ErrInstanceNotFound
	}
	if err == nil {
		inst, err = h.engine.Cancel(r.Context(), inst.ID, p.UserID)
	}
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, inst)
}

// listActions handles GET /workflow-instances/{id}/actions
func (h *Handlers) listActions(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	inst, ok := h.load(w, r, p)
	if !ok {
		return
	}
	out, err := h.engine.ListActions(r.Context(), inst.ID)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	if out == nil {
		out = []ApprovalAction{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"actions": out, "count": len(out)})
}
