package request

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrActiveRequestExists means the rider already holds an active,
	// unexpired request.
	ErrActiveRequestExists = errors.New("rider already has an active ride request")
	// ErrInactive means the operation needs an active request.
	ErrInactive = errors.New("ride request is not active")
)

// Estimator is the slice of the fare estimator the manager needs.
type Estimator interface {
	Estimate(ctx context.Context, pickup, dest models.Coord, class models.RideClass) (models.FareEstimate, error)
	Fallback(pickup, dest models.Coord, class models.RideClass) models.FareEstimate
}

// Manager owns ride request lifecycle up to the point a match claims
// the request: creation, pickup correction, cancellation, expiry.
type Manager struct {
	Store      storage.RequestStore
	Fare       Estimator
	Logger     *slog.Logger
	DefaultTTL time.Duration
	Now        func() time.Time
}

func NewManager(store storage.RequestStore, est Estimator, logger *slog.Logger) *Manager {
	return &Manager{
		Store:      store,
		Fare:       est,
		Logger:     logger,
		DefaultTTL: 15 * time.Minute,
		Now:        time.Now,
	}
}

// Create enforces one active unexpired request per rider, attaches the
// fare estimate and persists the request. A routing outage degrades to
// the fallback estimate instead of failing the create.
func (m *Manager) Create(ctx context.Context, riderID string, pickup, dest models.Coord, class models.RideClass, maxWait, ttl time.Duration) (*models.RideRequest, error) {
	now := m.now()
	if _, err := m.Store.ActiveRequestForRider(riderID, now); err == nil {
		return nil, ErrActiveRequestExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if ttl <= 0 {
		ttl = m.DefaultTTL
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Minute
	}

	est, err := m.Fare.Estimate(ctx, pickup, dest, class)
	if err != nil {
		if !errors.Is(err, routing.ErrUnavailable) {
			return nil, err
		}
		m.Logger.Warn("routing unavailable, using fallback estimate", "rider_id", riderID)
		est = m.Fare.Fallback(pickup, dest, class)
	}

	req := &models.RideRequest{
		ID:          newID(),
		RiderID:     riderID,
		Pickup:      pickup,
		Destination: dest,
		Class:       class,
		MaxWait:     maxWait,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Active:      true,
		Estimate:    est,
	}
	if err := m.Store.SaveRequest(req); err != nil {
		return nil, err
	}
	m.Logger.Info("ride request created",
		"request_id", req.ID, "rider_id", riderID, "class", string(class),
		"estimated_total", est.Total, "surge", est.SurgeMultiplier)
	return req, nil
}

func (m *Manager) Get(id string) (*models.RideRequest, error) {
	return m.Store.GetRequest(id)
}

// Cancel deactivates the request. Cancelling an already-inactive
// request is an ErrInactive, not a no-op, so callers can tell the
// rider the request was already gone.
func (m *Manager) Cancel(id string) error {
	req, err := m.Store.GetRequest(id)
	if err != nil {
		return err
	}
	if !req.Active {
		return ErrInactive
	}
	req.Active = false
	if err := m.Store.UpdateRequest(req); err != nil {
		return err
	}
	m.Logger.Info("ride request cancelled", "request_id", id)
	return nil
}

// UpdatePickup re-prices the request against the corrected pickup.
// The stored request is replaced whole; there is no partial estimate
// visible mid-flight.
func (m *Manager) UpdatePickup(ctx context.Context, id string, newPickup models.Coord) (*models.RideRequest, error) {
	req, err := m.Store.GetRequest(id)
	if err != nil {
		return nil, err
	}
	if !req.Active || !req.ExpiresAt.After(m.now()) {
		return nil, ErrInactive
	}
	est, err := m.Fare.Estimate(ctx, newPickup, req.Destination, req.Class)
	if err != nil {
		if !errors.Is(err, routing.ErrUnavailable) {
			return nil, err
		}
		est = m.Fare.Fallback(newPickup, req.Destination, req.Class)
	}
	req.Pickup = newPickup
	req.Estimate = est
	if err := m.Store.UpdateRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Expire sweeps requests whose expiry has passed. Advisory cleanup:
// the claim path re-checks expiry, so a lagging sweep never lets an
// expired request be matched.
func (m *Manager) Expire() (int, error) {
	n, err := m.Store.DeactivateExpired(m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.RequestsExpired.Add(float64(n))
		m.Logger.Info("expired ride requests deactivated", "count", n)
	}
	return n, nil
}

// RunSweeper periodically expires requests until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Expire(); err != nil {
				m.Logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
