package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrUnavailable is returned when the upstream provider cannot produce
// a route. Callers degrade (estimate unavailable) instead of crashing.
var ErrUnavailable = errors.New("routing unavailable")

// Route is the provider-agnostic result shape.
type Route struct {
	DistanceMeters  float64
	DurationSeconds float64
	Path            []models.Coord
}

// Client is the interface used by the fare estimator to get routes.
type Client interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns the cached route and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a route in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// CachedClient wraps any Client with a TTL cache.
type CachedClient struct {
	Inner Client
	Cache *Cache
}

func (c *CachedClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if c.Cache != nil {
		if r, ok := c.Cache.Get(from, to); ok {
			return r, nil
		}
	}
	r, err := c.Inner.Route(ctx, from, to)
	if err != nil {
		return Route{}, err
	}
	if c.Cache != nil {
		c.Cache.Set(from, to, r)
	}
	return r, nil
}
