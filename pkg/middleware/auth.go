package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
)

const issuer = "gatekeeper"

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
}

// Claims represents the JWT claims accepted by the service.
type Claims struct {
	OrgID string `json:"org_id"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 bearer tokens. Session issuance lives
// outside this service; Issue exists for operators and tests.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager creates a token manager. ttl bounds issued tokens.
func NewTokenManager(secret []byte, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{secret: secret, ttl: ttl, now: time.Now}
}

// Issue signs a token for userID in orgID.
func (m *TokenManager) Issue(userID, orgID string) (string, error) {
	userID = strings.TrimSpace(userID)
	orgID = strings.TrimSpace(orgID)
	if userID == "" || orgID == "" {
		return "", errors.New("user and organization are required")
	}
	if len(m.secret) == 0 {
		return "", errors.New("token secret is not configured")
	}

	now := m.now().UTC()
	claims := Claims{
		OrgID: orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and required claims of token.
func (m *TokenManager) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(m.secret) == 0 {
		return Principal{}, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.OrgID == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: claims.Subject, OrgID: claims.OrgID}, nil
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return contextkeys.WithPrincipal(ctx, p)
}

// PrincipalFrom returns the principal stored by Authenticate.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(Principal)
	return p, ok
}

// RequirePrincipal returns the request principal or writes 401.
func RequirePrincipal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
	}
	return p, ok
}

// Authenticate verifies "Authorization: Bearer <token>" and stores the
// principal in the request context.
func Authenticate(tokens *TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.WriteUnauthorized(w, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				httputil.WriteUnauthorized(w, "invalid authorization header format")
				return
			}

			principal, err := tokens.Verify(parts[1])
			if err != nil {
				httputil.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
