package storage

import (
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// Claim outcomes for callers that lose the accept race.
	ErrAlreadyMatched   = errors.New("request already matched")
	ErrAlreadyCancelled = errors.New("request already cancelled")
	ErrExpired          = errors.New("request expired")
)

// RideStore defines persistence operations for rides.
type RideStore interface {
	SaveRide(r *models.Ride) error
	UpdateRide(r *models.Ride) error
	GetRide(id string) (*models.Ride, error)
	// ActiveRideForRider returns the rider's non-terminal ride, or
	// ErrNotFound when there is none.
	ActiveRideForRider(riderID string) (*models.Ride, error)
	// RideForRequest returns the ride created from a claimed request,
	// or ErrNotFound. Used to make duplicate accepts idempotent.
	RideForRequest(requestID string) (*models.Ride, error)
}

// RequestStore defines persistence operations for ride requests.
type RequestStore interface {
	SaveRequest(r *models.RideRequest) error
	UpdateRequest(r *models.RideRequest) error
	GetRequest(id string) (*models.RideRequest, error)
	// ActiveRequestForRider returns the rider's active unexpired
	// request, or ErrNotFound when there is none.
	ActiveRequestForRider(riderID string, now time.Time) (*models.RideRequest, error)
	// Claim atomically transitions an open request to
	// claimed-by-driver and deactivates it. Exactly one concurrent
	// caller wins; a repeat claim by the winning driver is a no-op
	// success. Losers get ErrAlreadyMatched, ErrAlreadyCancelled or
	// ErrExpired depending on why the request is no longer open.
	Claim(id, driverID string, now time.Time) (*models.RideRequest, error)
	// DeactivateExpired sweeps requests whose expiry has passed and
	// returns how many were deactivated.
	DeactivateExpired(now time.Time) (int, error)
	// OpenRequests returns all requests still claimable at now. Used by
	// drivers polling for work near them.
	OpenRequests(now time.Time) ([]models.RideRequest, error)
}

// TrackingStore persists append-only ride tracking points.
type TrackingStore interface {
	AppendPoint(p *models.TrackingPoint) error
	PointsForRide(rideID string) ([]models.TrackingPoint, error)
}

// SurgeZoneStore persists surge zone definitions. Queries go through
// the in-memory surge index, not the store.
type SurgeZoneStore interface {
	SaveZone(z *models.SurgeZone) error
	UpdateZone(z *models.SurgeZone) error
	ListZones() ([]models.SurgeZone, error)
}

// Store is the full persistence surface used by the API process.
type Store interface {
	RideStore
	RequestStore
	TrackingStore
	SurgeZoneStore
}
