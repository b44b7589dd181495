package match

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeGeo struct {
	mu     sync.Mutex
	radiis []float64
	cands  []geo.Candidate
	// emptyUntil makes the first n queries return nothing, to test
	// radius escalation.
	emptyUntil int
}

func (f *fakeGeo) Nearby(lat, lon, radiusKm float64, limit int) []geo.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.radiis = append(f.radiis, radiusKm)
	if len(f.radiis) <= f.emptyUntil {
		return nil
	}
	return f.cands
}

func (f *fakeGeo) Upsert(p models.DriverPresence) {}

type recordingDispatcher struct {
	mu     sync.Mutex
	offers map[string]int
	events map[string][]any
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{offers: make(map[string]int), events: make(map[string][]any)}
}

func (d *recordingDispatcher) Offer(driverID string, offer models.MatchOffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offers[driverID]++
	return nil
}

func (d *recordingDispatcher) Notify(clientID string, event any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[clientID] = append(d.events[clientID], event)
	return nil
}

func candidates(ids ...string) []geo.Candidate {
	out := make([]geo.Candidate, 0, len(ids))
	for i, id := range ids {
		out = append(out, geo.Candidate{ID: id, DistanceKm: float64(i)})
	}
	return out
}

func newTestCoordinator(g *fakeGeo, d Dispatcher) (*Coordinator, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	rides := ride.NewService(store, discard())
	c := NewCoordinator(g, d, store, rides, discard(), Config{BaseRadiusKm: 3, MaxEscalations: 2, Limit: 5})
	return c, store
}

func openRequest(store *storage.MemoryStore, id, riderID string) *models.RideRequest {
	req := &models.RideRequest{
		ID: id, RiderID: riderID,
		Pickup: models.Coord{Lat: 1}, Destination: models.Coord{Lat: 2},
		Class: models.ClassEconomy, MaxWait: time.Minute,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(10 * time.Minute),
		Active:   true,
		Estimate: models.FareEstimate{Total: 12.5},
	}
	_ = store.SaveRequest(req)
	return req
}

func TestDispatchNoDrivers(t *testing.T) {
	g := &fakeGeo{}
	c, store := newTestCoordinator(g, newRecordingDispatcher())
	req := openRequest(store, "req1", "r1")
	if _, err := c.DispatchRequest(context.Background(), req); !errors.Is(err, ErrNoDrivers) {
		t.Fatalf("expected ErrNoDrivers, got %v", err)
	}
	// base radius plus two escalations
	if len(g.radiis) != 3 || g.radiis[0] != 3 || g.radiis[1] != 6 || g.radiis[2] != 12 {
		t.Fatalf("unexpected escalation radii: %v", g.radiis)
	}
}

func TestDispatchEscalatesRadius(t *testing.T) {
	g := &fakeGeo{cands: candidates("d1"), emptyUntil: 1}
	c, store := newTestCoordinator(g, newRecordingDispatcher())
	req := openRequest(store, "req1", "r1")
	cands, err := c.DispatchRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}
	if len(g.radiis) != 2 || g.radiis[1] != 6 {
		t.Fatalf("expected one escalation to 6km, got %v", g.radiis)
	}
}

func TestDispatchRejectsClosedRequest(t *testing.T) {
	g := &fakeGeo{cands: candidates("d1")}
	c, store := newTestCoordinator(g, newRecordingDispatcher())
	req := openRequest(store, "req1", "r1")
	req.Active = false
	if _, err := c.DispatchRequest(context.Background(), req); !errors.Is(err, storage.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestAcceptSingleWinnerUnderContention(t *testing.T) {
	g := &fakeGeo{cands: candidates("d1", "d2", "d3")}
	c, store := newTestCoordinator(g, newRecordingDispatcher())
	req := openRequest(store, "req1", "r1")

	const drivers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := map[string]*models.Ride{}
	losses := 0
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			driverID := string(rune('a' + n))
			r, err := c.Accept(context.Background(), req.ID, driverID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners[driverID] = r
				return
			}
			if errors.Is(err, storage.ErrAlreadyMatched) {
				losses++
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
	if losses != drivers-1 {
		t.Fatalf("expected %d losers, got %d", drivers-1, losses)
	}
	for driverID, r := range winners {
		if r.DriverID != driverID || r.Status != models.StatusAccepted {
			t.Fatalf("bad winning ride: %+v", r)
		}
	}
}

func TestAcceptDuplicateFromWinnerIsIdempotent(t *testing.T) {
	g := &fakeGeo{cands: candidates("d1")}
	c, store := newTestCoordinator(g, newRecordingDispatcher())
	req := openRequest(store, "req1", "r1")

	first, err := c.Accept(context.Background(), req.ID, "d1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	second, err := c.Accept(context.Background(), req.ID, "d1")
	if err != nil {
		t.Fatalf("duplicate accept: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate accept created a new ride: %s vs %s", second.ID, first.ID)
	}
}

func TestAcceptDuplicateConcurrentCreatesOneRide(t *testing.T) {
	g := &fakeGeo{cands: candidates("d1")}
	c, store := newTestCoordinator(g, newRecordingDispatcher())
	req := openRequest(store, "req1", "r1")

	const attempts = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	rideIDs := map[string]bool{}
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.Accept(context.Background(), req.ID, "d1")
			if err != nil {
				t.Errorf("duplicate accept: %v", err)
				return
			}
			mu.Lock()
			rideIDs[r.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(rideIDs) != 1 {
		t.Fatalf("duplicate concurrent accepts created %d distinct rides: %v", len(rideIDs), rideIDs)
	}
	r, err := store.RideForRequest(req.ID)
	if err != nil {
		t.Fatalf("ride for request: %v", err)
	}
	if !rideIDs[r.ID] {
		t.Fatalf("persisted ride %s not among returned rides %v", r.ID, rideIDs)
	}
}

func TestAcceptAfterCancel(t *testing.T) {
	g := &fakeGeo{cands: candidates("d1")}
	c, store := newTestCoordinator(g, newRecordingDispatcher())
	req := openRequest(store, "req1", "r1")
	req.Active = false
	_ = store.UpdateRequest(req)

	if _, err := c.Accept(context.Background(), req.ID, "d1"); !errors.Is(err, storage.ErrAlreadyCancelled) {
		t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
	}
}

func TestAcceptExpired(t *testing.T) {
	g := &fakeGeo{cands: candidates("d1")}
	c, store := newTestCoordinator(g, newRecordingDispatcher())
	req := openRequest(store, "req1", "r1")
	req.ExpiresAt = time.Now().Add(-time.Minute)
	_ = store.UpdateRequest(req)

	if _, err := c.Accept(context.Background(), req.ID, "d1"); !errors.Is(err, storage.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestAcceptUnknownRequest(t *testing.T) {
	g := &fakeGeo{}
	c, _ := newTestCoordinator(g, newRecordingDispatcher())
	if _, err := c.Accept(context.Background(), "missing", "d1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeclineExcludesDriverFromRedispatch(t *testing.T) {
	g := &fakeGeo{cands: candidates("d1", "d2")}
	c, store := newTestCoordinator(g, newRecordingDispatcher())
	req := openRequest(store, "req1", "r1")

	c.Decline(req.ID, "d1")
	cands, err := c.DispatchRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for _, cand := range cands {
		if cand.ID == "d1" {
			t.Fatal("declined driver offered again")
		}
	}
	if len(cands) != 1 || cands[0].ID != "d2" {
		t.Fatalf("expected only d2, got %+v", cands)
	}
}

func TestOpenRequestsNear(t *testing.T) {
	g := &fakeGeo{}
	c, store := newTestCoordinator(g, newRecordingDispatcher())

	near := openRequest(store, "near", "r1")
	far := openRequest(store, "far", "r2")
	far.Pickup = models.Coord{Lat: 5}
	_ = store.UpdateRequest(far)
	_ = openRequest(store, "declined", "r3")
	c.Decline("declined", "d1")

	claimed := openRequest(store, "claimed", "r4")
	if _, err := store.Claim(claimed.ID, "other", time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	offers, err := c.OpenRequestsNear("d1", near.Pickup, 10)
	if err != nil {
		t.Fatalf("open requests: %v", err)
	}
	ids := map[string]bool{}
	for _, o := range offers {
		ids[o.RequestID] = true
	}
	if !ids["near"] {
		t.Fatalf("nearby open request missing: %v", ids)
	}
	if ids["far"] || ids["claimed"] || ids["declined"] {
		t.Fatalf("filtered request leaked through: %v", ids)
	}
}

func TestAcceptNotifiesRider(t *testing.T) {
	g := &fakeGeo{cands: candidates("d1")}
	d := newRecordingDispatcher()
	c, store := newTestCoordinator(g, d)
	req := openRequest(store, "req1", "r1")

	if _, err := c.Accept(context.Background(), req.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.events["r1"]) != 1 {
		t.Fatalf("rider not notified: %+v", d.events)
	}
}

type fakeHolder struct {
	refs  []string
	cents []int64
	fail  bool
}

func (f *fakeHolder) Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	if f.fail {
		return "", errors.New("hold failed")
	}
	f.refs = append(f.refs, "pi_test")
	f.cents = append(f.cents, amountCents)
	return "pi_test", nil
}

func TestAcceptPlacesPaymentHold(t *testing.T) {
	g := &fakeGeo{cands: candidates("d1")}
	c, store := newTestCoordinator(g, newRecordingDispatcher())
	holder := &fakeHolder{}
	c.Payments = holder
	req := openRequest(store, "req1", "r1")

	r, err := c.Accept(context.Background(), req.ID, "d1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(holder.cents) != 1 || holder.cents[0] != 1250 {
		t.Fatalf("expected hold of 1250 cents, got %+v", holder.cents)
	}
	if r.PaymentRef != "pi_test" || r.PaymentStatus != models.PaymentHeld {
		t.Fatalf("payment not attached: %+v", r)
	}
}

func TestAcceptSurvivesHoldFailure(t *testing.T) {
	g := &fakeGeo{cands: candidates("d1")}
	c, store := newTestCoordinator(g, newRecordingDispatcher())
	c.Payments = &fakeHolder{fail: true}
	req := openRequest(store, "req1", "r1")

	r, err := c.Accept(context.Background(), req.ID, "d1")
	if err != nil {
		t.Fatalf("accept must not fail on hold error: %v", err)
	}
	if r.Status != models.StatusAccepted {
		t.Fatalf("expected accepted, got %s", r.Status)
	}
	if r.PaymentRef != "" {
		t.Fatalf("unexpected payment ref: %s", r.PaymentRef)
	}
}

func TestMaxWaitTimerExpiresUnmatchedRequest(t *testing.T) {
	g := &fakeGeo{cands: candidates("d1")}
	d := newRecordingDispatcher()
	c, store := newTestCoordinator(g, d)
	req := openRequest(store, "req1", "r1")
	req.MaxWait = 20 * time.Millisecond
	_ = store.UpdateRequest(req)

	if _, err := c.DispatchRequest(context.Background(), req); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		notified := len(d.events["r1"]) > 0
		d.mu.Unlock()
		if notified {
			got, _ := store.GetRequest(req.ID)
			if got.Active {
				t.Fatal("request still active after timeout notification")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("rider never notified of timeout")
}
