package admission

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wardenhq/warden/internal/auth"
)

// TenantHeader is the request header carrying the opaque tenant identifier.
// Authenticated requests may carry it as a token claim instead; the claim
// wins when both are present.
const TenantHeader = "X-Warden-Tenant"

// Middleware wraps every inbound request path in the two admission gates.
// Rejections are immediate 429s with the rejection scope in the body.
func Middleware(c *Controller) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := auth.FromContext(r.Context()).Tenant
			if tenant == "" {
				tenant = r.Header.Get(TenantHeader)
			}
			release, err := c.Acquire(tenant)
			if err != nil {
				var capErr *CapacityError
				if errors.As(err, &capErr) {
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("Retry-After", "1")
					w.WriteHeader(http.StatusTooManyRequests)
					_ = json.NewEncoder(w).Encode(map[string]interface{}{
						"error": "capacity_exceeded",
						"scope": capErr.Scope,
					})
					return
				}
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			defer release()
			next.ServeHTTP(w, r)
		})
	}
}
