package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is the interface used by the matcher to get pickup ETAs.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache memoises ETA lookups between rounded coordinate pairs. Entries
// expire after ttl; once the map holds more than max entries, Set drops
// everything already expired.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	max     int
}

type cacheEntry struct {
	seconds float64
	expires time.Time
}

const defaultCacheSize = 10000

func NewCache(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[string]cacheEntry), ttl: ttl, max: defaultCacheSize}
}

// 4 decimals is roughly 11 m, close enough to share a lookup.
func pairKey(a, b models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f|%.4f,%.4f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := pairKey(a, b)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return 0, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, k)
		return 0, false
	}
	return e.seconds, true
}

func (c *Cache) Set(a, b models.Coord, seconds float64) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[pairKey(a, b)] = cacheEntry{seconds: seconds, expires: now.Add(c.ttl)}
}

// Len reports the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cached consults Cache before falling through to Client. Failed lookups
// are not cached.
type Cached struct {
	Client Client
	Cache  *Cache
}

func (c Cached) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	if v, ok := c.Cache.Get(from, to); ok {
		return v, nil
	}
	v, err := c.Client.EstimateSeconds(ctx, from, to)
	if err != nil {
		return 0, err
	}
	c.Cache.Set(from, to, v)
	return v, nil
}

// defaultSpeedMps is an average city driving speed, about 29 km/h.
const defaultSpeedMps = 8.0

// EstimateSeconds is the straight-line travel time at speedMps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = defaultSpeedMps
	}
	return geo.DistanceKm(from, to) * 1000 / speedMps
}

// Naive is the fallback Client when no routing engine is configured.
type Naive struct {
	SpeedMps float64
}

func (n Naive) EstimateSeconds(_ context.Context, from, to models.Coord) (float64, error) {
	return EstimateSeconds(from, to, n.SpeedMps), nil
}
