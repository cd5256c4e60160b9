package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/urbanflow/internal/models"
)

// RedisGeo implements Tracker using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
	// MaxAge hides drivers whose metadata is older than this. Zero disables.
	MaxAge time.Duration
}

func NewRedisGeo(client *redis.Client, key string, maxAge time.Duration) *RedisGeo {
	return &RedisGeo{client: client, key: key, MaxAge: maxAge}
}

func (r *RedisGeo) Upsert(ctx context.Context, loc models.DriverLocation) error {
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = time.Now()
	}
	if !loc.Online {
		if err := r.client.ZRem(ctx, r.key, loc.DriverID).Err(); err != nil {
			return fmt.Errorf("geo remove %s: %w", loc.DriverID, err)
		}
	} else {
		if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: loc.DriverID}).Err(); err != nil {
			return fmt.Errorf("geo add %s: %w", loc.DriverID, err)
		}
	}
	if err := r.client.HSet(ctx, MetaKey(loc.DriverID), MetaFields(loc)).Err(); err != nil {
		return fmt.Errorf("geo meta %s: %w", loc.DriverID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.NearbyDriver, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	if len(res) == 0 {
		return []models.NearbyDriver{}, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, MetaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("driver meta: %w", err)
	}

	var cutoff time.Time
	if r.MaxAge > 0 {
		cutoff = time.Now().Add(-r.MaxAge)
	}
	meta := make([]map[string]string, len(res))
	for i := range metas {
		meta[i] = metas[i].Val()
	}
	return liveDrivers(res, meta, cutoff, limit), nil
}

// liveDrivers drops offline and stale members and then applies limit, so
// hidden drivers never take a slot from live ones.
func liveDrivers(res []redis.GeoLocation, meta []map[string]string, cutoff time.Time, limit int) []models.NearbyDriver {
	out := make([]models.NearbyDriver, 0, len(res))
	for i, g := range res {
		m := meta[i]
		if v, ok := m["online"]; ok && v != "true" {
			continue
		}
		if !cutoff.IsZero() {
			if ts, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil && ts.Before(cutoff) {
				continue
			}
		}
		out = append(out, models.NearbyDriver{DriverID: g.Name, Lat: g.Latitude, Lon: g.Longitude, DistanceKm: g.Dist})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// MetaKey is the hash holding a driver's online flag and last update.
func MetaKey(id string) string { return "driver:meta:" + id }

// MetaFields is the hash payload written next to the GEO entry.
func MetaFields(loc models.DriverLocation) map[string]interface{} {
	return map[string]interface{}{
		"online":  strconv.FormatBool(loc.Online),
		"updated": loc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
