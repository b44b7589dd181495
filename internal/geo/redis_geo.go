package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Position lives in a
// single GEO set; availability and freshness live in a per-driver hash.
type RedisGeo struct {
	client     *redis.Client
	key        string
	staleAfter time.Duration
	ctx        context.Context
}

func NewRedisGeo(addr, password, key string, staleAfter time.Duration) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, staleAfter: staleAfter, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(p models.DriverPresence) {
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(p.ID), map[string]interface{}{
		"status":  string(p.Status),
		"online":  strconv.FormatBool(p.Online),
		"updated": p.Updated.Format(time.RFC3339),
	}).Err()
}

// Nearby over-fetches from the GEO set because unavailable and stale
// drivers are filtered out after the radius query.
func (r *RedisGeo) Nearby(lat, lon, radiusKm float64, limit int) []Candidate {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit * 3, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	cutoff := time.Now().Add(-r.staleAfter)
	out := make([]Candidate, 0, limit)
	for _, g := range res {
		if len(out) >= limit {
			break
		}
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if m["online"] != "true" || models.DriverStatus(m["status"]) != models.DriverOnline {
			continue
		}
		if r.staleAfter > 0 {
			if ts, err := time.Parse(time.RFC3339, m["updated"]); err != nil || ts.Before(cutoff) {
				continue
			}
		}
		out = append(out, Candidate{
			ID:         g.Name,
			Loc:        models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceKm: g.Dist,
		})
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }
