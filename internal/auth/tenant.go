package auth

import (
	"context"
	"sync"
	"time"
)

type contextKey string

// TenantIDKey is the context key a tenant-scoping middleware stashes the
// resolved account id under.
const TenantIDKey contextKey = "tenant_id"

// TenantID reads the tenant id set by the tenant-scoping middleware, or the
// empty string if none is set.
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(TenantIDKey).(string)
	return v
}

// TenantAuthCache remembers recently-validated (subject, tenant) pairs so a
// busy caller isn't forced to re-run full JWT/tenant-membership validation
// on every request within the TTL window.
type TenantAuthCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	ttl     time.Duration
}

// NewTenantAuthCache builds a cache with a five-minute validation TTL.
func NewTenantAuthCache() *TenantAuthCache {
	return &TenantAuthCache{entries: make(map[string]time.Time), ttl: 5 * time.Minute}
}

func tenantCacheKey(subject, tenantID string) string {
	return subject + "\x00" + tenantID
}

// Get reports whether (subject, tenantID) was validated within the TTL.
func (c *TenantAuthCache) Get(subject, tenantID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	validatedAt, ok := c.entries[tenantCacheKey(subject, tenantID)]
	if !ok {
		return false
	}
	return time.Since(validatedAt) < c.ttl
}

// Set records that (subject, tenantID) was just validated.
func (c *TenantAuthCache) Set(subject, tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[tenantCacheKey(subject, tenantID)] = time.Now()
	c.cleanupExpiredLocked()
}

func (c *TenantAuthCache) cleanupExpiredLocked() {
	now := time.Now()
	for key, validatedAt := range c.entries {
		if now.Sub(validatedAt) > c.ttl {
			delete(c.entries, key)
		}
	}
}
