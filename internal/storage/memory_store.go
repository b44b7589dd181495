package storage

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in maps behind one mutex. It backs
// local runs and tests; the claim check-and-set under the lock is the
// in-process equivalent of the Postgres conditional update.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]models.Ride
	requests map[string]models.RideRequest
	points   map[string][]models.TrackingPoint
	zones    map[string]models.SurgeZone
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]models.Ride),
		requests: make(map[string]models.RideRequest),
		points:   make(map[string][]models.TrackingPoint),
		zones:    make(map[string]models.SurgeZone),
	}
}

func (m *MemoryStore) SaveRide(r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) UpdateRide(r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return ErrNotFound
	}
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRide(id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := r
	return &out, nil
}

func (m *MemoryStore) ActiveRideForRider(riderID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.RiderID == riderID && !r.Status.Terminal() {
			out := r
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) RideForRequest(requestID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.RequestID == requestID {
			out := r
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) SaveRequest(r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) UpdateRequest(r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return ErrNotFound
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRequest(id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := r
	return &out, nil
}

func (m *MemoryStore) ActiveRequestForRider(riderID string, now time.Time) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if r.RiderID == riderID && r.Active && r.ExpiresAt.After(now) {
			out := r
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Claim(id, driverID string, now time.Time) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.ClaimedBy != "" {
		if r.ClaimedBy == driverID {
			out := r
			return &out, nil // duplicate accept from the winner
		}
		return nil, ErrAlreadyMatched
	}
	if !r.Active {
		if !r.ExpiresAt.After(now) {
			return nil, ErrExpired
		}
		return nil, ErrAlreadyCancelled
	}
	if !r.ExpiresAt.After(now) {
		return nil, ErrExpired
	}
	r.ClaimedBy = driverID
	r.Active = false
	m.requests[id] = r
	out := r
	return &out, nil
}

func (m *MemoryStore) OpenRequests(now time.Time) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RideRequest
	for _, r := range m.requests {
		if r.Open(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeactivateExpired(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.requests {
		if r.Active && !r.ExpiresAt.After(now) {
			r.Active = false
			m.requests[id] = r
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendPoint(p *models.TrackingPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[p.RideID] = append(m.points[p.RideID], *p)
	return nil
}

func (m *MemoryStore) PointsForRide(rideID string) ([]models.TrackingPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pts := m.points[rideID]
	out := make([]models.TrackingPoint, len(pts))
	copy(out, pts)
	return out, nil
}

func (m *MemoryStore) SaveZone(z *models.SurgeZone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones[z.ID] = *z
	return nil
}

func (m *MemoryStore) UpdateZone(z *models.SurgeZone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[z.ID]; !ok {
		return ErrNotFound
	}
	m.zones[z.ID] = *z
	return nil
}

func (m *MemoryStore) ListZones() ([]models.SurgeZone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SurgeZone, 0, len(m.zones))
	for _, z := range m.zones {
		out = append(out, z)
	}
	return out, nil
}
