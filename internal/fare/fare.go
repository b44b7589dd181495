package fare

import (
	"context"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/routing"
)

// Rate is the per-class pricing tuple.
type Rate struct {
	FlatBase  float64
	PerKm     float64
	PerMinute float64
}

// DefaultRates mirror the production rate card. ClassEconomy doubles as
// the fallback tier for unknown classes.
var DefaultRates = map[models.RideClass]Rate{
	models.ClassEconomy: {FlatBase: 2.5, PerKm: 1.2, PerMinute: 0.25},
	models.ClassPremium: {FlatBase: 3.5, PerKm: 1.8, PerMinute: 0.35},
	models.ClassLuxury:  {FlatBase: 5.0, PerKm: 2.5, PerMinute: 0.50},
	models.ClassSUV:     {FlatBase: 4.0, PerKm: 2.0, PerMinute: 0.40},
}

// Surger answers multiplier-at-point queries; the surge index
// implements it.
type Surger interface {
	EffectiveMultiplier(pt models.Coord, t time.Time) float64
}

// Estimator combines the routing provider, the rate card and the surge
// index into a fare estimate.
type Estimator struct {
	Routing routing.Client
	Surge   Surger
	Rates   map[models.RideClass]Rate
	// DefaultSpeedMps drives the fallback estimate when routing is down.
	DefaultSpeedMps float64
	Now             func() time.Time
}

func NewEstimator(rc routing.Client, s Surger) *Estimator {
	return &Estimator{Routing: rc, Surge: s, Rates: DefaultRates, DefaultSpeedMps: 10, Now: time.Now}
}

// Estimate prices a trip from pickup to destination. Surge is sampled
// at the pickup point at the current time. A routing outage propagates
// as routing.ErrUnavailable.
func (e *Estimator) Estimate(ctx context.Context, pickup, dest models.Coord, class models.RideClass) (models.FareEstimate, error) {
	route, err := e.Routing.Route(ctx, pickup, dest)
	if err != nil {
		return models.FareEstimate{}, err
	}
	rate, ok := e.Rates[class]
	if !ok {
		rate = e.Rates[models.ClassEconomy]
	}
	distanceKm := route.DistanceMeters / 1000.0
	durationMin := route.DurationSeconds / 60.0
	base := rate.FlatBase + distanceKm*rate.PerKm + durationMin*rate.PerMinute

	mult := 1.0
	if e.Surge != nil {
		mult = e.Surge.EffectiveMultiplier(pickup, e.now())
	}
	return models.FareEstimate{
		DistanceKm:      distanceKm,
		DurationMin:     durationMin,
		BaseFare:        Round2(base),
		SurgeMultiplier: mult,
		Total:           Round2(base * mult),
	}, nil
}

// Fallback prices a trip from straight-line distance and the default
// city speed when the routing provider is unavailable. Advisory only;
// never used for settlement.
func (e *Estimator) Fallback(pickup, dest models.Coord, class models.RideClass) models.FareEstimate {
	speed := e.DefaultSpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	meters := geo.Haversine(pickup.Lat, pickup.Lon, dest.Lat, dest.Lon)
	distanceKm := meters / 1000.0
	durationMin := meters / speed / 60.0
	rate, ok := e.Rates[class]
	if !ok {
		rate = e.Rates[models.ClassEconomy]
	}
	base := rate.FlatBase + distanceKm*rate.PerKm + durationMin*rate.PerMinute
	mult := 1.0
	if e.Surge != nil {
		mult = e.Surge.EffectiveMultiplier(pickup, e.now())
	}
	return models.FareEstimate{
		DistanceKm:      distanceKm,
		DurationMin:     durationMin,
		BaseFare:        Round2(base),
		SurgeMultiplier: mult,
		Total:           Round2(base * mult),
	}
}

func (e *Estimator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Round2 rounds money to cents, half-up.
func Round2(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}
