package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/middleware"
)

func newTestRouter(t *testing.T) (*mux.Router, *Recorder) {
	t.Helper()
	rec, _ := newTestRecorder(t)
	router := mux.NewRouter()
	NewHandlers(rec).RegisterRoutes(router.PathPrefix("/v1/orgs/{org}").Subrouter())
	return router, rec
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

func TestHandlers_ListEntries(t *testing.T) {
	router, rec := newTestRouter(t)
	appendAt(t, rec, t0.Add(-time.Hour), "u-1", "update", ResultSuccess)
	appendAt(t, rec, t0.Add(-time.Minute), "u-2", "delete", ResultDenied)

	resp := do(router, "GET", "/v1/orgs/acme/audit/entries?result=denied", "auditor", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Entries []Entry `json:"entries"`
		Count   int     `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "u-2", body.Entries[0].UserID)
}

func TestHandlers_RequiresAccess(t *testing.T) {
	router, _ := newTestRouter(t)

	assert.Equal(t, http.StatusUnauthorized, do(router, "GET", "/v1/orgs/acme/audit/entries", "", "").Code)
	assert.Equal(t, http.StatusForbidden, do(router, "GET", "/v1/orgs/acme/audit/entries", "staff", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, "GET", "/v1/orgs/acme/audit/entries?from=yesterday", "auditor", "").Code)
}

func TestHandlers_GetEntry(t *testing.T) {
	router, rec := newTestRouter(t)
	e := appendAt(t, rec, t0, "u-1", "update", ResultSuccess)

	resp := do(router, "GET", "/v1/orgs/acme/audit/entries/"+e.ID, "auditor", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var got Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, e.ID, got.ID)

	assert.Equal(t, http.StatusNotFound, do(router, "GET", "/v1/orgs/acme/audit/entries/missing", "auditor", "").Code)
}

func TestHandlers_Export(t *testing.T) {
	router, rec := newTestRouter(t)
	appendAt(t, rec, t0, "u-1", "update", ResultSuccess)

	resp := do(router, "GET", "/v1/orgs/acme/audit/export?format=csv", "auditor", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "text/csv", resp.Header().Get("Content-Type"))
	assert.Contains(t, resp.Body.String(), "u-1")

	assert.Equal(t, http.StatusBadRequest, do(router, "GET", "/v1/orgs/acme/audit/export?format=xml", "auditor", "").Code)
}

func TestHandlers_Aggregate(t *testing.T) {
	router, rec := newTestRouter(t)
	appendAt(t, rec, t0.Add(-time.Hour), "u-1", "delete", ResultDenied)

	resp := do(router, "GET", "/v1/orgs/acme/audit/aggregate?from="+t0.Add(-24*time.Hour).Format(time.RFC3339), "auditor", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var report Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, int64(1), report.DeniedTotal)

	bad := do(router, "GET", "/v1/orgs/acme/audit/aggregate?from="+t0.Format(time.RFC3339)+"&to="+t0.Add(-time.Hour).Format(time.RFC3339), "auditor", "")
	assert.Equal(t, http.StatusUnprocessableEntity, bad.Code)
}

func TestHandlers_Purge(t *testing.T) {
	router, rec := newTestRouter(t)
	appendAt(t, rec, t0.Add(-60*24*time.Hour), "u-1", "update", ResultSuccess)

	assert.Equal(t, http.StatusForbidden, do(router, "POST", "/v1/orgs/acme/audit/purge", "auditor", `{"older_than_days":30}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(router, "POST", "/v1/orgs/acme/audit/purge", "admin", `{"older_than_days":0}`).Code)

	resp := do(router, "POST", "/v1/orgs/acme/audit/purge", "admin", `{"older_than_days":30}`)
	require.Equal(t, http.StatusOK, resp.Code)
	var body map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(1), body["removed"])

	entries, err := rec.Search(context.Background(), Filter{OrgID: "acme", Action: "purge"})
	require.NoError(t, err)
	assert.Len(t, entries, 2, "denied and successful purge attempts are both recorded")
}
