package tracking

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Event is one item on a ride's tracking feed: either a location point
// or a status change.
type Event struct {
	Type   string               `json:"type"` // "point" or "status"
	RideID string               `json:"ride_id"`
	Point  *models.TrackingPoint `json:"point,omitempty"`
	Status models.RideStatus    `json:"status,omitempty"`
}

// Broadcaster persists tracking points and fans ride events out to
// subscribers. Fan-out is best-effort: a subscriber with a full buffer
// misses the event rather than blocking the writer.
type Broadcaster struct {
	Rides  storage.RideStore
	Points storage.TrackingStore
	Logger *slog.Logger
	Now    func() time.Time

	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewBroadcaster(rides storage.RideStore, points storage.TrackingStore, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		Rides:  rides,
		Points: points,
		Logger: logger,
		Now:    time.Now,
		subs:   make(map[string]map[chan Event]struct{}),
	}
}

// RecordPoint appends a point to the ride's trail and broadcasts it.
// Points arriving outside an active trip window are dropped without
// error; a driver app may keep reporting briefly after completion.
func (b *Broadcaster) RecordPoint(p *models.TrackingPoint) error {
	r, err := b.Rides.GetRide(p.RideID)
	if err != nil {
		return err
	}
	switch r.Status {
	case models.StatusAccepted, models.StatusDriverArriving, models.StatusInProgress:
	default:
		b.Logger.Debug("tracking point dropped", "ride_id", p.RideID, "status", string(r.Status))
		return nil
	}
	if p.RecordedAt.IsZero() {
		p.RecordedAt = b.now()
	}
	if err := b.Points.AppendPoint(p); err != nil {
		return err
	}
	observability.TrackingPoints.Inc()
	b.broadcast(p.RideID, Event{Type: "point", RideID: p.RideID, Point: p})
	return nil
}

// Trail returns the ride's recorded points in insertion order.
func (b *Broadcaster) Trail(rideID string) ([]models.TrackingPoint, error) {
	if _, err := b.Rides.GetRide(rideID); err != nil {
		return nil, err
	}
	return b.Points.PointsForRide(rideID)
}

// Subscribe returns a channel of events for one ride plus a cancel
// func. The channel is closed when the ride reaches a terminal status
// or the subscriber cancels.
func (b *Broadcaster) Subscribe(rideID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.subs[rideID] == nil {
		b.subs[rideID] = make(map[chan Event]struct{})
	}
	b.subs[rideID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[rideID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, rideID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// PublishStatus broadcasts a status change; terminal statuses also end
// every subscription for the ride.
func (b *Broadcaster) PublishStatus(rideID string, status models.RideStatus) {
	b.broadcast(rideID, Event{Type: "status", RideID: rideID, Status: status})
	if status.Terminal() {
		b.mu.Lock()
		for ch := range b.subs[rideID] {
			close(ch)
		}
		delete(b.subs, rideID)
		b.mu.Unlock()
	}
}

func (b *Broadcaster) broadcast(rideID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[rideID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Broadcaster) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}
