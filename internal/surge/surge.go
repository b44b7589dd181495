package surge

import (
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("surge zone not found")

// Persister is the optional write-through store behind the index.
type Persister interface {
	SaveZone(z *models.SurgeZone) error
	UpdateZone(z *models.SurgeZone) error
	ListZones() ([]models.SurgeZone, error)
}

// Index answers multiplier-at-point queries from memory. Zone counts
// are small (tens to low hundreds), so a linear scan with
// point-in-polygon tests is effectively constant time for interactive
// use.
type Index struct {
	mu    sync.RWMutex
	zones map[string]models.SurgeZone
	store Persister
}

// NewIndex builds an index, preloading zones from store when non-nil.
func NewIndex(store Persister) (*Index, error) {
	idx := &Index{zones: make(map[string]models.SurgeZone), store: store}
	if store != nil {
		zones, err := store.ListZones()
		if err != nil {
			return nil, err
		}
		for _, z := range zones {
			idx.zones[z.ID] = z
		}
	}
	return idx, nil
}

func (x *Index) Add(z models.SurgeZone) error {
	if x.store != nil {
		if err := x.store.SaveZone(&z); err != nil {
			return err
		}
	}
	x.mu.Lock()
	x.zones[z.ID] = z
	x.mu.Unlock()
	return nil
}

func (x *Index) Update(z models.SurgeZone) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.zones[z.ID]; !ok {
		return ErrNotFound
	}
	if x.store != nil {
		if err := x.store.UpdateZone(&z); err != nil {
			return err
		}
	}
	x.zones[z.ID] = z
	return nil
}

func (x *Index) Deactivate(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	z, ok := x.zones[id]
	if !ok {
		return ErrNotFound
	}
	z.Active = false
	if x.store != nil {
		if err := x.store.UpdateZone(&z); err != nil {
			return err
		}
	}
	x.zones[id] = z
	return nil
}

func (x *Index) Get(id string) (models.SurgeZone, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	z, ok := x.zones[id]
	if !ok {
		return models.SurgeZone{}, ErrNotFound
	}
	return z, nil
}

// ActiveZones returns the zones whose window covers t.
func (x *Index) ActiveZones(t time.Time) []models.SurgeZone {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]models.SurgeZone, 0, len(x.zones))
	for _, z := range x.zones {
		if z.ActiveAt(t) {
			out = append(out, z)
		}
	}
	return out
}

// EffectiveMultiplier returns the maximum multiplier among active zones
// covering pt at time t, or 1.0 when none do.
func (x *Index) EffectiveMultiplier(pt models.Coord, t time.Time) float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	mult := 1.0
	for _, z := range x.zones {
		if !z.ActiveAt(t) {
			continue
		}
		if z.Multiplier > mult && pointInPolygon(pt, z.Polygon) {
			mult = z.Multiplier
		}
	}
	return mult
}

// pointInPolygon is the standard ray-casting test: count edge crossings
// of a horizontal ray from pt.
func pointInPolygon(pt models.Coord, poly []models.Coord) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Lat > pt.Lat) != (pj.Lat > pt.Lat) {
			x := (pj.Lon-pi.Lon)*(pt.Lat-pi.Lat)/(pj.Lat-pi.Lat) + pi.Lon
			if pt.Lon < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}
