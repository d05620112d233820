// Package auth extracts caller claims from bearer tokens and exposes
// role-gating middleware. Token issuance, sessions and MFA live elsewhere;
// this package only validates and reads.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Canonical role names used across the system.
const (
	RoleSuperAdmin = "SuperAdmin"
	RoleOperator   = "Operator"
	RoleAuditor    = "Auditor"
	RoleAgent      = "Agent"
)

// key types for context values
type ctxKey string

const ctxKeyClaims ctxKey = "warden.claims"

// Claims holds the caller identity extracted from a validated token.
type Claims struct {
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	SessionID string `json:"sessionId,omitempty"`
	Tenant    string `json:"tenant,omitempty"`
}

// FromContext returns the Claims stored in the request context, or a zero
// value if the request was not authenticated.
func FromContext(ctx context.Context) Claims {
	if c, ok := ctx.Value(ctxKeyClaims).(Claims); ok {
		return c
	}
	return Claims{}
}

// WithClaims returns a context carrying the given claims. Exposed for tests
// and for the queue consumer, which authenticates out of band.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims, c)
}

// Middleware validates a Bearer JWT signed with the shared HMAC secret and
// stores the extracted Claims in the request context. Requests without a
// token pass through with empty claims; role-gated routes reject them later.
func Middleware(secret []byte) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(authz, "Bearer ") {
				next.ServeHTTP(w, r)
				return
			}
			raw := strings.TrimPrefix(authz, "Bearer ")

			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !tok.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			mc, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "invalid token claims", http.StatusUnauthorized)
				return
			}
			c := Claims{
				UserID:    stringClaim(mc, "sub"),
				Role:      stringClaim(mc, "role"),
				SessionID: stringClaim(mc, "sid"),
				Tenant:    stringClaim(mc, "tenant"),
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), c)))
		})
	}
}

func stringClaim(mc jwt.MapClaims, key string) string {
	if v, ok := mc[key].(string); ok {
		return v
	}
	return ""
}

// RequireRole returns middleware that allows the request to continue only if
// the request's Claims carry the given role. Otherwise 403 is returned.
func RequireRole(role string) func(http.Handler) http.Handler {
	return RequireAnyRole(role)
}

// RequireAnyRole returns middleware that allows the request if the Claims
// carry any one of the provided roles.
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	roleSet := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		roleSet[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := FromContext(r.Context())
			if _, ok := roleSet[c.Role]; ok {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}
