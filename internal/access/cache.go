// Package access answers "is this user an admin?" for the HTTP API.
//
// Lookups hit the alert store at most once per TTL per user. The cache is
// owned by the API server for its lifetime; a role change must call
// [AdminCache.Invalidate] so the next request sees it.
package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SATYAM-KS/ClockTower/internal/timeutil"
)

// ErrNotAdmin is returned by [AdminCache.Require] for non-admin users.
var ErrNotAdmin = errors.New("access: admin access required")

// DefaultTTL is how long a lookup result is trusted.
const DefaultTTL = 5 * time.Minute

// Lookup reports whether userID is an active admin.
type Lookup interface {
	IsActiveAdmin(ctx context.Context, userID string) (bool, error)
}

type entry struct {
	admin   bool
	expires time.Time
}

// Option configures an [AdminCache].
type Option func(*AdminCache)

// WithTTL overrides [DefaultTTL].
func WithTTL(d time.Duration) Option { return func(c *AdminCache) { c.ttl = d } }

// WithClock replaces the wall clock.
func WithClock(clk timeutil.Clock) Option { return func(c *AdminCache) { c.clock = clk } }

// AdminCache caches admin lookups per user. It is safe for concurrent use.
// Failed lookups are not cached.
type AdminCache struct {
	lookup Lookup
	ttl    time.Duration
	clock  timeutil.Clock

	mu      sync.Mutex
	entries map[string]entry
	// gen is bumped by Invalidate and Purge. A lookup that started under an
	// older generation is returned but not stored.
	gen uint64
}

// NewAdminCache creates a cache in front of lookup.
func NewAdminCache(lookup Lookup, opts ...Option) *AdminCache {
	c := &AdminCache{
		lookup:  lookup,
		ttl:     DefaultTTL,
		clock:   timeutil.Real{},
		entries: make(map[string]entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// IsAdmin reports whether userID is an active admin. An empty id is never
// an admin.
func (c *AdminCache) IsAdmin(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	now := c.clock.Now()

	c.mu.Lock()
	e, ok := c.entries[userID]
	gen := c.gen
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.admin, nil
	}

	admin, err := c.lookup.IsActiveAdmin(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("access: admin lookup: %w", err)
	}

	c.mu.Lock()
	if c.gen == gen {
		c.entries[userID] = entry{admin: admin, expires: now.Add(c.ttl)}
	}
	c.mu.Unlock()
	return admin, nil
}

// Require returns [ErrNotAdmin] unless userID is an active admin.
func (c *AdminCache) Require(ctx context.Context, userID string) error {
	admin, err := c.IsAdmin(ctx, userID)
	if err != nil {
		return err
	}
	if !admin {
		return ErrNotAdmin
	}
	return nil
}

// Invalidate forgets the cached result for userID.
func (c *AdminCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	delete(c.entries, userID)
}

// Purge forgets every cached result.
func (c *AdminCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	clear(c.entries)
}

// Len returns the number of cached users, expired entries included.
func (c *AdminCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
