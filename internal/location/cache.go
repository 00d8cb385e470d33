// Package location resolves and caches the human-readable location used to
// tag alerts.
package location

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

// DefaultTTL is how long a resolved location stays fresh.
const DefaultTTL = 12 * time.Hour

// Provider looks up the current location.
type Provider interface {
	Lookup(ctx context.Context) (types.LocationInfo, error)
}

// NeedsRefresh reports whether a value resolved at resolvedAt is due for a
// new lookup at now.
func NeedsRefresh(now, resolvedAt time.Time, ttl time.Duration) bool {
	if resolvedAt.IsZero() {
		return true
	}
	return now.Sub(resolvedAt) > ttl
}

// Cache holds the last good location and refreshes it when stale.
// It is safe for concurrent use; concurrent refreshes share one lookup.
type Cache struct {
	provider Provider
	ttl      time.Duration
	now      func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	current types.LocationInfo
	valid   bool
	// lastAttempt rate limits lookups while the provider is failing.
	lastAttempt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache returns an empty cache backed by provider. A ttl of zero uses DefaultTTL.
func NewCache(provider Provider, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		provider: provider,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the cached location, refreshing it first when stale.
// It never fails: on lookup errors the last good value is returned, or the
// Unknown sentinel when there is none.
func (c *Cache) Resolve(ctx context.Context) types.LocationInfo {
	now := c.now()

	c.mu.RLock()
	current, valid, lastAttempt := c.current, c.valid, c.lastAttempt
	c.mu.RUnlock()

	if valid && !NeedsRefresh(now, current.ResolvedAt, c.ttl) {
		return current
	}
	// A failed lookup is not retried for every alert of an outage.
	if !lastAttempt.IsZero() && now.Sub(lastAttempt) < failureBackoff(c.ttl) {
		return c.fallback()
	}

	v, _, _ := c.group.Do("resolve", func() (any, error) {
		return c.refresh(ctx), nil
	})
	return v.(types.LocationInfo) //nolint:errcheck // refresh always returns LocationInfo
}

// Peek returns the cached value without triggering a lookup.
func (c *Cache) Peek() (types.LocationInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.valid
}

func (c *Cache) refresh(ctx context.Context) types.LocationInfo {
	loc, err := c.provider.Lookup(ctx)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.lastAttempt = now
		if c.valid {
			slog.Warn("location lookup failed, using cached value", "location", c.current.String(), "error", err)
			return c.current
		}
		slog.Warn("location lookup failed", "error", err)
		return types.UnknownLocation()
	}

	if loc.ResolvedAt.IsZero() {
		loc.ResolvedAt = now
	}
	c.current = loc
	c.valid = true
	c.lastAttempt = time.Time{}
	slog.Info("location resolved", "city", loc.City, "country", loc.Country)
	return loc
}

func (c *Cache) fallback() types.LocationInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.valid {
		return c.current
	}
	return types.UnknownLocation()
}

// failureBackoff is the wait between lookups after a failure.
func failureBackoff(ttl time.Duration) time.Duration {
	return min(ttl, time.Minute)
}
