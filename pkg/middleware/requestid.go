package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
)

// RequestID propagates X-Request-ID, generating a UUID when absent.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(contextkeys.WithRequestID(r.Context(), id)))
	})
}
