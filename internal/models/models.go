package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideClass is the closed set of service tiers. Unknown classes are
// normalized to ClassEconomy so estimation stays available.
type RideClass string

const (
	ClassEconomy RideClass = "economy"
	ClassPremium RideClass = "premium"
	ClassLuxury  RideClass = "luxury"
	ClassSUV     RideClass = "suv"
)

func ParseRideClass(s string) RideClass {
	switch RideClass(s) {
	case ClassEconomy, ClassPremium, ClassLuxury, ClassSUV:
		return RideClass(s)
	default:
		return ClassEconomy
	}
}

type DriverStatus string

const (
	DriverOffline DriverStatus = "offline"
	DriverOnline  DriverStatus = "online"
	DriverBusy    DriverStatus = "busy"
	DriverOnTrip  DriverStatus = "on_trip"
)

// DriverPresence is a driver's latest self-reported location and
// availability. Only the driver's own reports mutate it; matching logic
// reads it through the geo index.
type DriverPresence struct {
	ID      string       `json:"id"`
	Loc     Coord        `json:"loc"`
	Online  bool         `json:"online"`
	Status  DriverStatus `json:"status"`
	Updated time.Time    `json:"updated"`
}

// Matchable reports whether the driver may receive offers.
func (p DriverPresence) Matchable() bool {
	return p.Online && p.Status == DriverOnline
}

type FareEstimate struct {
	DistanceKm      float64 `json:"distance_km"`
	DurationMin     float64 `json:"duration_min"`
	BaseFare        float64 `json:"base_fare"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	Total           float64 `json:"total"`
}

type RideRequest struct {
	ID          string        `json:"id"`
	RiderID     string        `json:"rider_id"`
	Pickup      Coord         `json:"pickup"`
	Destination Coord         `json:"destination"`
	Class       RideClass     `json:"ride_class"`
	MaxWait     time.Duration `json:"max_wait"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Active      bool          `json:"active"`
	ClaimedBy   string        `json:"claimed_by,omitempty"`
	Estimate    FareEstimate  `json:"estimate"`
}

// Open reports whether the request can still be claimed at t.
func (r RideRequest) Open(t time.Time) bool {
	return r.Active && r.ClaimedBy == "" && r.ExpiresAt.After(t)
}

type RideStatus string

const (
	StatusRequested      RideStatus = "requested"
	StatusAccepted       RideStatus = "accepted"
	StatusDriverArriving RideStatus = "driver_arriving"
	StatusInProgress     RideStatus = "in_progress"
	StatusCompleted      RideStatus = "completed"
	StatusCancelled      RideStatus = "cancelled"
)

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentHeld     PaymentStatus = "held"
	PaymentCaptured PaymentStatus = "captured"
	PaymentReleased PaymentStatus = "released"
	PaymentFailed   PaymentStatus = "failed"
)

type Ride struct {
	ID                 string        `json:"id"`
	RequestID          string        `json:"request_id,omitempty"`
	RiderID            string        `json:"rider_id"`
	DriverID           string        `json:"driver_id,omitempty"`
	Pickup             Coord         `json:"pickup"`
	Destination        Coord         `json:"destination"`
	PickupAddress      string        `json:"pickup_address,omitempty"`
	DestinationAddress string        `json:"destination_address,omitempty"`
	Class              RideClass     `json:"ride_class"`
	Status             RideStatus    `json:"status"`
	Fare               float64       `json:"fare"`
	DistanceKm         float64       `json:"distance_km"`
	DurationMin        float64       `json:"duration_min"`
	PaymentStatus      PaymentStatus `json:"payment_status"`
	PaymentRef         string        `json:"payment_ref,omitempty"`
	RequestedAt        time.Time     `json:"requested_at"`
	AcceptedAt         *time.Time    `json:"accepted_at,omitempty"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
}

// TrackingPoint is append-only; points are inserted while the ride is
// active and never updated.
type TrackingPoint struct {
	RideID     string    `json:"ride_id"`
	Loc        Coord     `json:"loc"`
	SpeedKph   *float64  `json:"speed_kph,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// SurgeZone is a polygonal geofence with a time-bounded multiplier.
// Zones may overlap; the effective multiplier at a point is the max
// among active covering zones.
type SurgeZone struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Polygon    []Coord    `json:"polygon"`
	Multiplier float64    `json:"multiplier"`
	StartsAt   time.Time  `json:"starts_at"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
	Active     bool       `json:"active"`
}

// ActiveAt reports whether the zone's window covers t.
func (z SurgeZone) ActiveAt(t time.Time) bool {
	if !z.Active || z.StartsAt.After(t) {
		return false
	}
	return z.EndsAt == nil || z.EndsAt.After(t)
}

// MatchOffer is pushed to a candidate driver when a request is
// dispatched near them.
type MatchOffer struct {
	RequestID  string       `json:"request_id"`
	Pickup     Coord        `json:"pickup"`
	DistanceKm float64      `json:"distance_km"`
	Class      RideClass    `json:"ride_class"`
	Estimate   FareEstimate `json:"estimate"`
	ExpiresAt  time.Time    `json:"expires_at"`
}
