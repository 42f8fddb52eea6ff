package middleware

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/httputil"
)

// OrgScope rejects requests whose {org} path variable differs from the
// principal's organization. Cross-organization access is not supported.
func OrgScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := RequirePrincipal(w, r)
		if !ok {
			return
		}
		if org := mux.Vars(r)["org"]; org != "" && org != p.OrgID {
			httputil.WriteForbidden(w, "organization mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}
