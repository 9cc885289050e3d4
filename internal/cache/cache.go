// Package cache caches verified bearer identities to avoid a round trip
// to the auth service on every request. Latency here is critical since
// every API call and socket upgrade passes through token verification.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/opsgrid/livetrack/pkg/core"
)

// Verifier resolves a bearer token to a user.
type Verifier interface {
	GetUser(ctx context.Context, accessToken string) (core.User, error)
}

type entry struct {
	user    core.User
	expires time.Time
}

// UserCache is a TTL cache in front of a Verifier. Failed verifications
// are not cached; a token that was rejected is retried on its next use.
type UserCache struct {
	inner Verifier
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]entry
	clock   func() time.Time
}

// NewUserCache wraps inner with a per-token cache valid for ttl.
func NewUserCache(inner Verifier, ttl time.Duration) *UserCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &UserCache{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]entry),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// GetUser returns the cached identity for accessToken, consulting the
// inner verifier on a miss or after expiry.
func (c *UserCache) GetUser(ctx context.Context, accessToken string) (core.User, error) {
	c.mu.Lock()
	now := c.clock()
	if e, ok := c.entries[accessToken]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.user, nil
	}
	c.mu.Unlock()

	user, err := c.inner.GetUser(ctx, accessToken)
	if err != nil {
		return core.User{}, err
	}

	c.mu.Lock()
	c.entries[accessToken] = entry{user: user, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return user, nil
}

// Invalidate drops the cached identity for accessToken, forcing the next
// use back through the inner verifier.
func (c *UserCache) Invalidate(accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, accessToken)
}

// Reset drops all cached identities.
func (c *UserCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len returns the number of cached identities, counting expired entries
// that have not been evicted yet.
func (c *UserCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
