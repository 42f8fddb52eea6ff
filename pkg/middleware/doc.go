// Package middleware provides HTTP middleware for authentication, organization
// scoping, request ids and rate limiting.
//
// # Middleware Components
//
// Authenticate: bearer token verification
//
//	tokens := middleware.NewTokenManager(secret, time.Hour)
//	router.Use(middleware.Authenticate(tokens))
//	// Verifies the HS256 JWT, adds the Principal to the request context
//
// OrgScope: principals only reach routes of their own organization
//
//	orgRouter := router.PathPrefix("/v1/orgs/{org}").Subrouter()
//	orgRouter.Use(middleware.OrgScope)
//
// RequestID: X-Request-ID propagation
//
//	router.Use(middleware.RequestID)
//
// RateLimit: per-principal token bucket
//
//	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
//	router.Use(limiter.Middleware)
//
// # Related Packages
//
//   - pkg/rbac: permission checks once the principal is known
package middleware
