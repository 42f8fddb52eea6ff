package audit

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/middleware"
)

var statusTable = map[error]int{
	ErrAccessDenied:     http.StatusForbidden,
	ErrInvalidRetention: http.StatusUnprocessableEntity,
	ErrInvalidWindow:    http.StatusUnprocessableEntity,
}

// Handlers provides HTTP handlers for audit log API
type Handlers struct {
	recorder *Recorder
}

// NewHandlers creates new audit handlers
func NewHandlers(recorder *Recorder) *Handlers {
	return &Handlers{recorder: recorder}
}

// RegisterRoutes registers audit log routes on an organization subrouter
// (path prefix /v1/orgs/{org}).
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/entries", h.listEntries).Methods("GET")
	router.HandleFunc("/audit/entries/{id}", h.getEntry).Methods("GET")
	router.HandleFunc("/audit/export", h.exportEntries).Methods("GET")
	router.HandleFunc("/audit/aggregate", h.aggregate).Methods("GET")
	router.HandleFunc("/audit/purge", h.purge).Methods("POST")
}

// authorize checks action on audit_log for the caller and writes the error
// response when refused.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request, action string) (middleware.Principal, bool) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return p, false
	}
	if err := h.recorder.CheckAccess(r.Context(), p.OrgID, p.UserID, action); err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return p, false
	}
	return p, true
}

func parseFilter(r *http.Request, orgID string) (Filter, error) {
	q := r.URL.Query()
	f := Filter{
		OrgID:        orgID,
		UserID:       q.Get("user_id"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Result:       Result(q.Get("result")),
	}
	var err error
	if f.From, err = httputil.ParseQueryTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = httputil.ParseQueryTime(r, "to"); err != nil {
		return f, err
	}
	if f.Limit, err = httputil.ParseQueryInt(r, "limit", 100); err != nil {
		return f, err
	}
	if f.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return f, err
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	return f, nil
}

// listEntries handles GET /audit/entries
func (h *Handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, "read")
	if !ok {
		return
	}
	filter, err := parseFilter(r, p.OrgID)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	entries, err := h.recorder.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// getEntry handles GET /audit/entries/{id}
func (h *Handlers) getEntry(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, "read")
	if !ok {
		return
	}
	entry, err := h.recorder.Get(r.Context(), p.OrgID, httputil.PathVar(r, "id"))
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, entry)
}

// exportEntries handles GET /audit/export
func (h *Handlers) exportEntries(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, "export")
	if !ok {
		return
	}
	filter, err := parseFilter(r, p.OrgID)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if r.URL.Query().Get("limit") == "" {
		filter.Limit = 0
	}
	format := ExportFormat(r.URL.Query().Get("format"))
	switch format {
	case "":
		format = ExportFormatJSON
	case ExportFormatJSON, ExportFormatCSV, ExportFormatNDJSON:
	default:
		httputil.WriteBadRequest(w, "unsupported export format")
		return
	}

	entries, err := h.recorder.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", "attachment; filename=audit-log."+string(format))
	w.WriteHeader(http.StatusOK)
	Export(w, entries, format)
}

// aggregate handles GET /audit/aggregate
func (h *Handlers) aggregate(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, "read")
	if !ok {
		return
	}
	from, err := httputil.ParseQueryTime(r, "from")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	to, err := httputil.ParseQueryTime(r, "to")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	report, err := h.recorder.Aggregate(r.Context(), p.OrgID, from, to)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, report)
}

type purgeRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

// purge handles POST /audit/purge
func (h *Handlers) purge(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.RequirePrincipal(w, r)
	if !ok {
		return
	}
	var req purgeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	removed, err := h.recorder.Purge(r.Context(), p.OrgID, p.UserID, req.OlderThanDays)
	if err != nil {
		httputil.WriteErrorFor(w, err, statusTable)
		return
	}
	httputil.WriteSuccess(w, map[string]int64{"removed": removed})
}
