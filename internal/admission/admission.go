// Package admission bounds concurrently in-flight requests with two nested
// counting gates: one global, one per tenant. Either gate exhausted rejects
// immediately, nothing ever queues, and the rejection names its scope so
// operators can tell service-wide load from one noisy tenant.
package admission

import (
	"fmt"
	"sync"
)

// Rejection scopes.
const (
	ScopeGlobal = "global"
	ScopeTenant = "tenant"
)

// DefaultTenant is the bucket for requests that carry no tenant identifier.
const DefaultTenant = "default"

// CapacityError reports an admission rejection. Callers retry with backoff;
// it is an expected outcome, not an incident.
type CapacityError struct {
	Scope  string
	Tenant string
}

func (e *CapacityError) Error() string {
	if e.Scope == ScopeTenant {
		return fmt.Sprintf("tenant capacity exhausted for %q", e.Tenant)
	}
	return "global capacity exhausted"
}

// Controller is an explicitly constructed, lifetime-scoped admission gate.
// Construct one per process (or per test); there is no package-level state.
type Controller struct {
	mu          sync.Mutex
	globalLimit int
	tenantLimit int
	globalInUse int
	tenantInUse map[string]int
}

// NewController builds a controller with the given limits. Non-positive
// limits disable the corresponding gate.
func NewController(globalLimit, tenantLimit int) *Controller {
	return &Controller{
		globalLimit: globalLimit,
		tenantLimit: tenantLimit,
		tenantInUse: map[string]int{},
	}
}

// Acquire takes one global unit and one tenant unit, or rejects with a scoped
// CapacityError. On success the returned release function must be called
// exactly once when the work completes, success or failure.
func (c *Controller) Acquire(tenant string) (func(), error) {
	if tenant == "" {
		tenant = DefaultTenant
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.globalLimit > 0 && c.globalInUse >= c.globalLimit {
		return nil, &CapacityError{Scope: ScopeGlobal}
	}
	if c.tenantLimit > 0 && c.tenantInUse[tenant] >= c.tenantLimit {
		return nil, &CapacityError{Scope: ScopeTenant, Tenant: tenant}
	}
	c.globalInUse++
	c.tenantInUse[tenant]++

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.globalInUse--
			c.tenantInUse[tenant]--
			if c.tenantInUse[tenant] <= 0 {
				delete(c.tenantInUse, tenant)
			}
		})
	}, nil
}

// InFlight reports current usage, for readiness and tests.
func (c *Controller) InFlight() (global int, tenants map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tenants = make(map[string]int, len(c.tenantInUse))
	for k, v := range c.tenantInUse {
		tenants[k] = v
	}
	return c.globalInUse, tenants
}
