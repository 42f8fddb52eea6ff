// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here.
//
// USAGE PATTERN:
//
//	ctx = contextkeys.WithRequestID(ctx, id)
//	id := contextkeys.GetRequestID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains *middleware.Principal
	// Set by: middleware.Authenticate (pkg/middleware/auth.go)
	// Required by: every /v1 handler
	PrincipalKey Key = "principal"

	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: request logging
	RequestIDKey Key = "request_id"
)

// WithPrincipal adds the authenticated principal to the context
func WithPrincipal(ctx context.Context, principal interface{}) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
