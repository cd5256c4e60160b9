package eta

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bluele/gcache"

	"github.com/example/urbanflow/internal/geo"
	"github.com/example/urbanflow/internal/models"
)

// DefaultSpeedKmph is the average city speed used when no provider answers.
const DefaultSpeedKmph = 30.0

// Client is a directions provider returning a driving duration.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is an LRU cache with expiry for provider lookups keyed by coords.
type Cache struct {
	store gcache.Cache
}

// NewCache creates a cache holding at most size entries for ttl each.
func NewCache(size int, ttl time.Duration) *Cache {
	return &Cache{store: gcache.New(size).LRU().Expiration(ttl).Build()}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// 4 decimals is ~11m, close enough to share a route lookup.
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	v, err := c.store.Get(keyFor(a, b))
	if err != nil {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	_ = c.store.Set(keyFor(a, b), v)
}

// EstimateMinutes converts a distance to whole minutes at an average speed.
// ok is false when the speed cannot produce an estimate.
func EstimateMinutes(distanceKm, avgSpeedKmph float64) (minutes int, ok bool) {
	if avgSpeedKmph <= 0 {
		return 0, false
	}
	return int(math.Round(distanceKm / avgSpeedKmph * 60)), true
}

// Estimator asks the provider first and falls back to average speed.
type Estimator struct {
	Client       Client // optional
	Cache        *Cache // optional
	AvgSpeedKmph float64
}

// Minutes estimates the driving time between two points.
func (e *Estimator) Minutes(ctx context.Context, from, to models.Coord) (int, bool) {
	if e.Client != nil {
		if v, ok := e.cached(from, to); ok {
			return int(math.Round(v / 60)), true
		}
		if v, err := e.Client.EstimateSeconds(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return int(math.Round(v / 60)), true
		}
	}
	speed := e.AvgSpeedKmph
	if speed == 0 {
		speed = DefaultSpeedKmph
	}
	return EstimateMinutes(geo.HaversineKm(from, to), speed)
}

func (e *Estimator) cached(from, to models.Coord) (float64, bool) {
	if e.Cache == nil {
		return 0, false
	}
	return e.Cache.Get(from, to)
}
