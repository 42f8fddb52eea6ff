package rbac

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

func newTestRouter(t *testing.T) (*mux.Router, *fixture) {
	t.Helper()
	f := newFixture(t)
	router := mux.NewRouter()
	h := NewHandlers(f.manager)
	v1 := router.PathPrefix("/v1").Subrouter()
	h.RegisterRoutes(v1)
	h.RegisterOrgRoutes(v1.PathPrefix("/orgs/{org}").Subrouter())
	return router, f
}

func do(router http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req = req.WithContext(middleware.WithPrincipal(req.Context(), middleware.Principal{UserID: userID, OrgID: "acme"}))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_Authorize(t *testing.T) {
	router, _ := newTestRouter(t)

	resp := do(router, "POST", "/v1/authorize", "carol",
		`{"resource_type":"task","action":"approve","scope":"team","context":{"type":"team","id":"north"}}`)
	require.Equal(t, http.StatusOK, resp.Code)
	var d Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	assert.True(t, d.Allowed)
	assert.Equal(t, SourceRole, d.Source)
	assert.Equal(t, "task:approve:team", d.PermissionID)

	resp = do(router, "POST", "/v1/authorize", "bob", `{"user_id":"dave","resource_type":"task","action":"read","scope":"team"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	assert.False(t, d.Allowed)

	assert.Equal(t, http.StatusForbidden,
		do(router, "POST", "/v1/authorize", "dave", `{"user_id":"alice","resource_type":"task","action":"read","scope":"own"}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity,
		do(router, "POST", "/v1/authorize", "dave", `{"resource_type":"task","action":"read","scope":"galaxy"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(router, "POST", "/v1/authorize", "dave", `{"resource":"task"}`).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(router, "POST", "/v1/authorize", "", `{}`).Code)
}

func TestHandlers_Roles(t *testing.T) {
	router, _ := newTestRouter(t)

	resp := do(router, "POST", "/v1/orgs/acme/roles", "bob", `{"code":"lead","name":"Lead","level":25}`)
	require.Equal(t, http.StatusCreated, resp.Code)
	var lead Role
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lead))
	assert.Equal(t, "acme", lead.OrgID)

	assert.Equal(t, http.StatusForbidden,
		do(router, "POST", "/v1/orgs/acme/roles", "bob", `{"code":"deputy","name":"Deputy","level":15}`).Code)
	assert.Equal(t, http.StatusConflict,
		do(router, "POST", "/v1/orgs/acme/roles", "alice", `{"code":"lead2","name":"Lead","level":25}`).Code)

	resp = do(router, "GET", "/v1/orgs/acme/roles", "carol", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Roles []Role `json:"roles"`
		Count int    `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 6, list.Count)

	assert.Equal(t, http.StatusConflict, do(router, "DELETE", "/v1/orgs/acme/roles/acme:staff", "alice", "").Code)
	assert.Equal(t, http.StatusConflict, do(router, "PATCH", "/v1/orgs/acme/roles/acme:manager", "alice", `{"level":15}`).Code)
	assert.Equal(t, http.StatusNotFound, do(router, "GET", "/v1/orgs/acme/roles/missing", "alice", "").Code)
	assert.Equal(t, http.StatusNoContent, do(router, "DELETE", "/v1/orgs/acme/roles/"+lead.ID, "alice", "").Code)
}

func TestHandlers_MembersAndInvitations(t *testing.T) {
	router, _ := newTestRouter(t)

	resp := do(router, "POST", "/v1/orgs/acme/members", "bob", `{"user_id":"erin","role_id":"acme:inspector","context":{"type":"team","id":"north"}}`)
	require.Equal(t, http.StatusCreated, resp.Code)

	assert.Equal(t, http.StatusForbidden,
		do(router, "POST", "/v1/orgs/acme/members", "bob", `{"user_id":"erin","role_id":"acme:admin"}`).Code)

	resp = do(router, "GET", "/v1/orgs/acme/members?user_id=erin", "bob", "")
	require.Equal(t, http.StatusOK, resp.Code)

	resp = do(router, "POST", "/v1/orgs/acme/invitations", "alice", `{"email":"frank@example.com","role_id":"acme:staff"}`)
	require.Equal(t, http.StatusCreated, resp.Code)
	var inv Invitation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inv))
	require.NotEmpty(t, inv.Token)

	body := `{"token":"` + inv.Token + `"}`
	assert.Equal(t, http.StatusCreated, do(router, "POST", "/v1/invitations/accept", "frank", body).Code)
	assert.Equal(t, http.StatusGone, do(router, "POST", "/v1/invitations/accept", "frank", body).Code)

	resp = do(router, "GET", "/v1/orgs/acme/users/me/permissions", "frank", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var eff struct {
		UserID      string                `json:"user_id"`
		Permissions []EffectivePermission `json:"permissions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eff))
	assert.Equal(t, "frank", eff.UserID)
	assert.NotEmpty(t, eff.Permissions)
}

func TestHandlers_Overrides(t *testing.T) {
	router, _ := newTestRouter(t)

	resp := do(router, "PUT", "/v1/orgs/acme/overrides", "alice", `{"user_id":"dave","permission_id":"task:read:team","granted":true}`)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = do(router, "GET", "/v1/orgs/acme/overrides?user_id=dave", "bob", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Overrides []Override `json:"overrides"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Overrides, 1)
	assert.True(t, list.Overrides[0].Granted)

	assert.Equal(t, http.StatusNoContent, do(router, "DELETE", "/v1/orgs/acme/overrides/dave/task:read:team", "alice", "").Code)
	assert.Equal(t, http.StatusNotFound, do(router, "DELETE", "/v1/orgs/acme/overrides/dave/task:read:team", "alice", "").Code)
}

func TestHandlers_Permissions(t *testing.T) {
	router, _ := newTestRouter(t)

	resp := do(router, "GET", "/v1/orgs/acme/permissions?resource_type=audit_log", "bob", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Permissions []Permission `json:"permissions"`
		Count       int          `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 12, list.Count)

	assert.Equal(t, http.StatusCreated,
		do(router, "POST", "/v1/orgs/acme/permissions", "alice", `{"resource_type":"forklift","action":"drive","scope":"own"}`).Code)
	assert.Equal(t, http.StatusConflict, do(router, "DELETE", "/v1/orgs/acme/permissions/task:read:own", "alice", "").Code)
	assert.Equal(t, http.StatusNoContent, do(router, "DELETE", "/v1/orgs/acme/permissions/forklift:drive:own", "alice", "").Code)
}
