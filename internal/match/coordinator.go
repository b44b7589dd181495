package match

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrNoDrivers means every escalation radius came back empty; the
// rider sees "no drivers found", not an internal error.
var ErrNoDrivers = errors.New("no drivers found")

// Dispatcher pushes offers and events to connected sessions.
// Delivery is best-effort, at-most-once; matching correctness never
// depends on it.
type Dispatcher interface {
	Offer(driverID string, offer models.MatchOffer) error
	Notify(clientID string, event any) error
}

// PaymentHolder places a hold for the estimated fare when a driver
// accepts.
type PaymentHolder interface {
	Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error)
}

type Config struct {
	BaseRadiusKm   float64
	MaxEscalations int
	Limit          int
}

// Coordinator fans ride requests out to nearby drivers and resolves
// the accept race to a single winner via the store's atomic claim.
type Coordinator struct {
	Geo      geo.Geo
	Dispatch Dispatcher
	Requests storage.RequestStore
	Rides    *ride.Service
	Payments PaymentHolder
	Currency string
	Logger   *slog.Logger
	Cfg      Config
	Now      func() time.Time

	mu     sync.Mutex
	offers map[string]*offerState
}

type offerState struct {
	declined map[string]bool
	timer    *time.Timer
	// acceptMu serializes Accept per request so duplicate deliveries of
	// the same accept cannot both pass the existing-ride check and
	// create a second ride.
	acceptMu sync.Mutex
}

func NewCoordinator(g geo.Geo, d Dispatcher, reqs storage.RequestStore, rides *ride.Service, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.BaseRadiusKm <= 0 {
		cfg.BaseRadiusKm = 3
	}
	if cfg.MaxEscalations < 0 {
		cfg.MaxEscalations = 0
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	return &Coordinator{
		Geo:      g,
		Dispatch: d,
		Requests: reqs,
		Rides:    rides,
		Logger:   logger,
		Cfg:      cfg,
		Currency: "usd",
		Now:      time.Now,
		offers:   make(map[string]*offerState),
	}
}

// DispatchRequest finds candidates around the pickup, doubling the
// radius up to MaxEscalations times when a pass comes back empty, and
// pushes the offer to each candidate in parallel. Fan-out is
// fire-and-forget: a driver that never receives the offer simply never
// accepts.
func (c *Coordinator) DispatchRequest(ctx context.Context, req *models.RideRequest) ([]geo.Candidate, error) {
	now := c.now()
	if !req.Open(now) {
		return nil, storage.ErrExpired
	}

	st := c.stateFor(req.ID)
	radius := c.Cfg.BaseRadiusKm
	var cands []geo.Candidate
	for i := 0; i <= c.Cfg.MaxEscalations; i++ {
		cands = c.filterDeclined(req.ID, c.Geo.Nearby(req.Pickup.Lat, req.Pickup.Lon, radius, c.Cfg.Limit))
		if len(cands) > 0 {
			break
		}
		radius *= 2
	}
	if len(cands) == 0 {
		c.clearState(req.ID)
		return nil, ErrNoDrivers
	}

	offer := models.MatchOffer{
		RequestID: req.ID,
		Pickup:    req.Pickup,
		Class:     req.Class,
		Estimate:  req.Estimate,
		ExpiresAt: now.Add(req.MaxWait),
	}
	for _, cand := range cands {
		o := offer
		o.DistanceKm = cand.DistanceKm
		go func(driverID string, o models.MatchOffer) {
			if err := c.Dispatch.Offer(driverID, o); err != nil {
				c.Logger.Debug("offer delivery failed", "request_id", o.RequestID, "driver_id", driverID, "error", err)
				return
			}
			observability.OffersSent.Inc()
		}(cand.ID, o)
	}

	// One max-wait timer per request, armed on first dispatch.
	c.mu.Lock()
	if st.timer == nil {
		st.timer = time.AfterFunc(req.MaxWait, func() { c.expireUnmatched(req.ID) })
	}
	c.mu.Unlock()

	c.Logger.Info("request dispatched", "request_id", req.ID, "candidates", len(cands), "radius_km", radius)
	return cands, nil
}

// Accept resolves one driver's attempt to take the request. The store
// claim is the single atomic decision point; everything after it runs
// only for the winner. A repeat accept from the winner returns the
// existing ride.
func (c *Coordinator) Accept(ctx context.Context, requestID, driverID string) (*models.Ride, error) {
	st := c.stateFor(requestID)
	st.acceptMu.Lock()
	defer st.acceptMu.Unlock()

	start := c.now()
	req, err := c.Requests.Claim(requestID, driverID, start)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyMatched) {
			observability.ClaimsLost.Inc()
		}
		// Any claim failure means the request is resolved; drop the
		// offer state so late accepts don't accumulate entries.
		c.clearState(requestID)
		return nil, err
	}

	// Claim succeeded or we are the recorded winner already.
	if existing, err := c.Rides.ForRequest(requestID); err == nil {
		c.clearState(requestID)
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	r, err := c.Rides.CreateFromRequest(req, driverID)
	if err != nil {
		// Another instance may have created the ride between the
		// existing-ride check and the insert (the request_id unique
		// index rejects the second insert). Re-read before failing.
		if existing, ferr := c.Rides.ForRequest(requestID); ferr == nil {
			return existing, nil
		}
		return nil, err
	}
	r, err = c.Rides.Transition(ctx, r.ID, models.StatusAccepted)
	if err != nil {
		return nil, err
	}

	if c.Payments != nil {
		ref, err := c.Payments.Hold(ctx, toCents(req.Estimate.Total), c.Currency, req.RiderID)
		if err != nil {
			c.Logger.Warn("payment hold failed", "ride_id", r.ID, "error", err)
		} else if err := c.Rides.AttachPayment(r.ID, ref); err != nil {
			c.Logger.Warn("payment attach failed", "ride_id", r.ID, "error", err)
		} else {
			r.PaymentRef = ref
			r.PaymentStatus = models.PaymentHeld
		}
	}

	c.clearState(requestID)
	observability.ClaimsWon.Inc()
	observability.ClaimLatency.Observe(time.Since(start).Seconds())

	// Tell the rider; losing drivers learn via their own failed accept.
	_ = c.Dispatch.Notify(req.RiderID, map[string]any{
		"event": "ride_accepted", "ride_id": r.ID, "driver_id": driverID,
	})
	c.Logger.Info("request matched", "request_id", requestID, "ride_id", r.ID, "driver_id", driverID)
	return r, nil
}

// OpenRequestsNear lists claimable requests within radiusKm of the
// driver's position, nearest pickup first, skipping requests the
// driver already declined. The pull-side complement to the push
// fan-out: drivers poll it when they come online between dispatches.
func (c *Coordinator) OpenRequestsNear(driverID string, loc models.Coord, radiusKm float64) ([]models.MatchOffer, error) {
	now := c.now()
	reqs, err := c.Requests.OpenRequests(now)
	if err != nil {
		return nil, err
	}
	out := make([]models.MatchOffer, 0, len(reqs))
	for _, req := range reqs {
		if c.declinedBy(req.ID, driverID) {
			continue
		}
		distKm := geo.Haversine(loc.Lat, loc.Lon, req.Pickup.Lat, req.Pickup.Lon) / 1000.0
		if distKm > radiusKm {
			continue
		}
		out = append(out, models.MatchOffer{
			RequestID:  req.ID,
			Pickup:     req.Pickup,
			DistanceKm: distKm,
			Class:      req.Class,
			Estimate:   req.Estimate,
			ExpiresAt:  req.ExpiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

func (c *Coordinator) declinedBy(requestID, driverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.offers[requestID]
	return st != nil && st.declined[driverID]
}

// Decline removes the driver from future offers for this request;
// other candidates are unaffected.
func (c *Coordinator) Decline(requestID, driverID string) {
	c.mu.Lock()
	st := c.offers[requestID]
	if st == nil {
		st = &offerState{declined: make(map[string]bool)}
		c.offers[requestID] = st
	}
	st.declined[driverID] = true
	c.mu.Unlock()
	observability.OffersDeclined.Inc()
}

// expireUnmatched fires when max-wait elapses with no winner. The
// claim path rechecks expiry itself, so this is notification and
// cleanup, not the enforcement point.
func (c *Coordinator) expireUnmatched(requestID string) {
	req, err := c.Requests.GetRequest(requestID)
	if err != nil {
		c.clearState(requestID)
		return
	}
	if req.ClaimedBy != "" {
		c.clearState(requestID)
		return
	}
	if req.Active {
		req.Active = false
		if err := c.Requests.UpdateRequest(req); err != nil {
			c.Logger.Error("deactivating timed-out request failed", "request_id", requestID, "error", err)
		}
	}
	observability.MatchTimeouts.Inc()
	_ = c.Dispatch.Notify(req.RiderID, map[string]any{
		"event": "no_drivers_accepted", "request_id": requestID,
	})
	c.Logger.Info("request timed out unmatched", "request_id", requestID)
	c.clearState(requestID)
}

func (c *Coordinator) stateFor(requestID string) *offerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.offers[requestID]
	if !ok {
		st = &offerState{declined: make(map[string]bool)}
		c.offers[requestID] = st
	}
	return st
}

func (c *Coordinator) filterDeclined(requestID string, in []geo.Candidate) []geo.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.offers[requestID]
	if st == nil || len(st.declined) == 0 {
		return in
	}
	out := in[:0]
	for _, cand := range in {
		if !st.declined[cand.ID] {
			out = append(out, cand)
		}
	}
	return out
}

func (c *Coordinator) clearState(requestID string) {
	c.mu.Lock()
	if st, ok := c.offers[requestID]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(c.offers, requestID)
	}
	c.mu.Unlock()
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func toCents(amount float64) int64 {
	return int64(math.Floor(amount*100 + 0.5))
}
