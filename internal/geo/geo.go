package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Candidate is a matchable driver returned by a nearby query.
type Candidate struct {
	ID         string       `json:"id"`
	Loc        models.Coord `json:"loc"`
	DistanceKm float64      `json:"distance_km"`
}

// Geo is the minimal interface required by the matcher and handlers.
type Geo interface {
	Nearby(lat, lon, radiusKm float64, limit int) []Candidate
	Upsert(p models.DriverPresence)
}

// Index is the in-memory driver index: one entry per driver, overwritten
// in place on every ping, so rapid re-upserts never grow it.
type Index struct {
	mu         sync.RWMutex
	drivers    map[string]models.DriverPresence
	staleAfter time.Duration
	now        func() time.Time
}

func NewIndex(staleAfter time.Duration) *Index {
	return &Index{
		drivers:    make(map[string]models.DriverPresence),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Upsert is last-write-wins by report timestamp; a late-arriving older
// ping never clobbers a newer position.
func (g *Index) Upsert(p models.DriverPresence) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Updated.IsZero() {
		p.Updated = g.now()
	}
	if cur, ok := g.drivers[p.ID]; ok && cur.Updated.After(p.Updated) {
		return
	}
	g.drivers[p.ID] = p
}

// Nearby scans matchable, non-stale drivers within radiusKm of the
// point, ascending by distance. Naive scan; in prod use geo-hash or H3.
func (g *Index) Nearby(lat, lon, radiusKm float64, limit int) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cutoff := g.now().Add(-g.staleAfter)
	arr := make([]Candidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Matchable() {
			continue
		}
		if g.staleAfter > 0 && d.Updated.Before(cutoff) {
			continue
		}
		distKm := Haversine(lat, lon, d.Loc.Lat, d.Loc.Lon) / 1000.0
		if distKm > radiusKm {
			continue
		}
		arr = append(arr, Candidate{ID: d.ID, Loc: d.Loc, DistanceKm: distKm})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceKm < arr[minIdx].DistanceKm {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n]
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
