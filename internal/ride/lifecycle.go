package ride

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrInvalidTransition means the target status is not reachable
	// from the ride's current status.
	ErrInvalidTransition = errors.New("invalid ride status transition")
	// ErrRiderHasActiveRide means the rider is already on a
	// non-terminal ride.
	ErrRiderHasActiveRide = errors.New("rider already has an active ride")
)

// transitions is the canonical table. Anything not listed is invalid,
// including re-entering the current state.
var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested:      {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:       {models.StatusDriverArriving, models.StatusCancelled},
	models.StatusDriverArriving: {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:     {models.StatusCompleted, models.StatusCancelled},
	models.StatusCompleted:      {},
	models.StatusCancelled:      {},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to models.RideStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentGateway is the slice of the payment client the lifecycle
// needs: settle or release the hold placed at accept time.
type PaymentGateway interface {
	Capture(ctx context.Context, paymentRef string) error
	Cancel(ctx context.Context, paymentRef string) error
}

// StatusSink receives status changes for fan-out to ride subscribers.
type StatusSink interface {
	PublishStatus(rideID string, status models.RideStatus)
}

// Service owns the canonical ride record. After a request is claimed,
// only this service mutates ride state.
type Service struct {
	Store    storage.RideStore
	Payments PaymentGateway
	Status   StatusSink
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewService(store storage.RideStore, logger *slog.Logger) *Service {
	return &Service{Store: store, Logger: logger, Now: time.Now}
}

// CreateFromRequest materializes a ride from a claimed request. The
// ride starts in StatusRequested; the caller transitions it to
// StatusAccepted so acceptedAt is stamped by the same path as every
// other timestamp.
func (s *Service) CreateFromRequest(req *models.RideRequest, driverID string) (*models.Ride, error) {
	if _, err := s.Store.ActiveRideForRider(req.RiderID); err == nil {
		return nil, ErrRiderHasActiveRide
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	r := &models.Ride{
		ID:            newID(),
		RequestID:     req.ID,
		RiderID:       req.RiderID,
		DriverID:      driverID,
		Pickup:        req.Pickup,
		Destination:   req.Destination,
		Class:         req.Class,
		Status:        models.StatusRequested,
		Fare:          req.Estimate.Total,
		DistanceKm:    req.Estimate.DistanceKm,
		DurationMin:   req.Estimate.DurationMin,
		PaymentStatus: models.PaymentPending,
		RequestedAt:   req.CreatedAt,
	}
	if err := s.Store.SaveRide(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) Get(rideID string) (*models.Ride, error) {
	return s.Store.GetRide(rideID)
}

// ForRequest returns the ride created from a claimed request.
func (s *Service) ForRequest(requestID string) (*models.Ride, error) {
	return s.Store.RideForRequest(requestID)
}

// AttachPayment records the payment hold placed when the ride was
// accepted.
func (s *Service) AttachPayment(rideID, paymentRef string) error {
	r, err := s.Store.GetRide(rideID)
	if err != nil {
		return err
	}
	r.PaymentRef = paymentRef
	r.PaymentStatus = models.PaymentHeld
	return s.Store.UpdateRide(r)
}

// Transition moves the ride to target if the table allows it, stamping
// the matching timestamp exactly once. Invalid transitions fail
// without mutating state.
func (s *Service) Transition(ctx context.Context, rideID string, target models.RideStatus) (*models.Ride, error) {
	r, err := s.Store.GetRide(rideID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, target) {
		return nil, ErrInvalidTransition
	}
	now := s.now()
	prev := r.Status
	r.Status = target
	switch target {
	case models.StatusAccepted:
		r.AcceptedAt = &now
	case models.StatusInProgress:
		r.StartedAt = &now
	case models.StatusCompleted:
		r.CompletedAt = &now
	case models.StatusCancelled:
		r.CancelledAt = &now
	}
	s.settlePayment(ctx, r, target)
	if err := s.Store.UpdateRide(r); err != nil {
		return nil, err
	}
	if s.Status != nil {
		s.Status.PublishStatus(r.ID, target)
	}
	s.Logger.Info("ride status changed", "ride_id", r.ID, "from", string(prev), "to", string(target))
	return r, nil
}

// Cancel is Transition to StatusCancelled; valid from any non-terminal
// state.
func (s *Service) Cancel(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.Transition(ctx, rideID, models.StatusCancelled)
}

// settlePayment captures the hold on completion and releases it on
// cancellation. Payment trouble is logged, never blocks the
// transition.
func (s *Service) settlePayment(ctx context.Context, r *models.Ride, target models.RideStatus) {
	if s.Payments == nil || r.PaymentRef == "" {
		return
	}
	switch target {
	case models.StatusCompleted:
		if err := s.Payments.Capture(ctx, r.PaymentRef); err != nil {
			s.Logger.Warn("payment capture failed", "ride_id", r.ID, "error", err)
			r.PaymentStatus = models.PaymentFailed
			return
		}
		r.PaymentStatus = models.PaymentCaptured
	case models.StatusCancelled:
		if err := s.Payments.Cancel(ctx, r.PaymentRef); err != nil {
			s.Logger.Warn("payment release failed", "ride_id", r.ID, "error", err)
			return
		}
		r.PaymentStatus = models.PaymentReleased
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
