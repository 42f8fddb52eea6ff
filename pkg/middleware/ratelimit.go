package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/gatekeeper/pkg/httputil"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per key
	RequestsPerSecond float64
	// BurstSize allows temporary bursts above the rate
	BurstSize int
	// MaxKeys bounds the number of tracked buckets
	MaxKeys int
	// IdleTTL drops buckets not used for this long
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limit settings
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		MaxKeys:           10000,
		IdleTTL:           5 * time.Minute,
	}
}

// RateLimiter implements per-key token buckets. Keys are the authenticated
// user when known, otherwise the client IP.
type RateLimiter struct {
	config  RateLimitConfig
	mu      sync.Mutex
	buckets *lru.LRU[string, *rate.Limiter]
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = def.RequestsPerSecond
	}
	if config.BurstSize <= 0 {
		config.BurstSize = def.BurstSize
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = def.MaxKeys
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = def.IdleTTL
	}
	return &RateLimiter{
		config:  config,
		buckets: lru.NewLRU[string, *rate.Limiter](config.MaxKeys, nil, config.IdleTTL),
	}
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	lim, ok := rl.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)
	}
	// Re-adding refreshes the idle TTL.
	rl.buckets.Add(key, lim)
	rl.mu.Unlock()
	return lim.Allow()
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientIP(r)
		if p, ok := PrincipalFrom(r.Context()); ok {
			key = "user:" + p.OrgID + "/" + p.UserID
		}
		if !rl.Allow(key) {
			w.Header().Set("Retry-After", "1")
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
