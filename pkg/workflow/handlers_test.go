package workflow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/middleware"
)

func TestHandlers(t *testing.T) {
	f := newFixture(t)
	router := mux.NewRouter()
	NewHandlers(f.engine).RegisterRoutes(router.PathPrefix("/v1/orgs/{org}").Subrouter())

	do := func(method, path, user, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body != "" {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
		} else {
			req = httptest.NewRequest(method, path, nil)
		}
		org := "acme"
		if user == "outsider" {
			org = "globex"
		}
		req = req.WithContext(middleware.WithPrincipal(req.Context(), middleware.Principal{UserID: user, OrgID: org}))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	tmplBody := `{"name":"Purchase approval","resource_type":"work_order","steps":[
		{"step_number":1,"approver_role":"supervisor","approver_context":{"type":"team","id":"north"},"approval_type":"any_one"},
		{"step_number":2,"approver_role":"manager","approval_type":"all"}]}`
	resp := do("POST", "/v1/orgs/acme/workflow-templates", "bob", tmplBody)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var tmpl Template
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tmpl))
	assert.Equal(t, "acme", tmpl.OrgID)

	assert.Equal(t, http.StatusForbidden, do("POST", "/v1/orgs/acme/workflow-templates", "dave", tmplBody).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do("POST", "/v1/orgs/acme/workflow-templates", "bob", `{"name":"empty","resource_type":"work_order"}`).Code)
	assert.Equal(t, http.StatusOK, do("GET", "/v1/orgs/acme/workflow-templates?resource_type=work_order", "carol", "").Code)
	assert.Equal(t, http.StatusOK, do("GET", "/v1/orgs/acme/workflow-templates/"+tmpl.ID, "carol", "").Code)
	assert.Equal(t, http.StatusNotFound, do("GET", "/v1/orgs/acme/workflow-templates/missing", "carol", "").Code)
	assert.Equal(t, http.StatusOK, do("PATCH", "/v1/orgs/acme/workflow-templates/"+tmpl.ID, "bob", `{"name":"Purchases"}`).Code)

	resp = do("POST", "/v1/orgs/acme/workflow-instances", "dave", `{"template_id":"`+tmpl.ID+`","resource_type":"work_order","resource_id":"wo-1"}`)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var inst Instance
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inst))
	assert.Equal(t, "dave", inst.RequestedBy)
	assert.Equal(t, StatusInProgress, inst.Status)

	path := "/v1/orgs/acme/workflow-instances/" + inst.ID
	assert.Equal(t, http.StatusConflict, do("DELETE", "/v1/orgs/acme/workflow-templates/"+tmpl.ID, "alice", "").Code)

	// Party to the instance, or able to read the team's instances.
	assert.Equal(t, http.StatusOK, do("GET", path, "dave", "").Code)
	assert.Equal(t, http.StatusOK, do("GET", path, "carol", "").Code)
	assert.Equal(t, http.StatusOK, do("GET", path, "bob", "").Code)
	assert.Equal(t, http.StatusForbidden, do("GET", path, "frank", "").Code)
	assert.Equal(t, http.StatusNotFound, do("GET", path, "outsider", "").Code)

	assert.Equal(t, http.StatusOK, do("GET", "/v1/orgs/acme/workflow-instances?requested_by=dave", "dave", "").Code)
	assert.Equal(t, http.StatusForbidden, do("GET", "/v1/orgs/acme/workflow-instances", "dave", "").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do("GET", "/v1/orgs/acme/workflow-instances?status=done", "bob", "").Code)

	assert.Equal(t, http.StatusConflict, do("POST", path+"/decide", "bob", `{"decision":"approve"}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do("POST", path+"/decide", "carol", `{"decision":"maybe"}`).Code)
	resp = do("POST", path+"/decide", "carol", `{"decision":"approve","notes":"ok"}`)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inst))
	assert.Equal(t, 2, inst.CurrentStep)

	resp = do("GET", path+"/actions", "dave", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var actions struct {
		Actions []ApprovalAction `json:"actions"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&actions))
	assert.Equal(t, 1, actions.Count)
	assert.Equal(t, "ok", actions.Actions[0].Notes)

	assert.Equal(t, http.StatusConflict, do("POST", path+"/cancel", "erin", "").Code)
	assert.Equal(t, http.StatusNotFound, do("POST", path+"/cancel", "outsider", "").Code)
	assert.Equal(t, http.StatusOK, do("POST", path+"/cancel", "dave", "").Code)
	assert.Equal(t, http.StatusConflict, do("POST", path+"/cancel", "dave", "").Code)

	assert.Equal(t, http.StatusNoContent, do("DELETE", "/v1/orgs/acme/workflow-templates/"+tmpl.ID, "alice", "").Code)
	assert.Equal(t, http.StatusNotFound, do("GET", path, "dave", "").Code)
}
