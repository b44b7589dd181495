package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/request"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/surge"
	"github.com/example/ride-dispatch/internal/tracking"
)

type fixedRouter struct{}

func (fixedRouter) Route(ctx context.Context, from, to models.Coord) (routing.Route, error) {
	return routing.Route{DistanceMeters: 5000, DurationSeconds: 600}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()

	g := geo.NewIndex(time.Minute)
	surgeIdx, err := surge.NewIndex(store)
	if err != nil {
		t.Fatalf("surge index: %v", err)
	}
	est := fare.NewEstimator(fixedRouter{}, surgeIdx)
	rides := ride.NewService(store, logger)
	trk := tracking.NewBroadcaster(store, store, logger)
	rides.Status = trk
	wsreg := dispatch.NewWSRegistry()
	coord := match.NewCoordinator(g, wsreg, store, rides, logger, match.Config{BaseRadiusKm: 3, MaxEscalations: 1, Limit: 5})

	s := NewServer(logger)
	s.Geo = g
	s.Requests = request.NewManager(store, est, logger)
	s.Match = coord
	s.Rides = rides
	s.Tracking = trk
	s.Surge = surgeIdx
	s.WSReg = wsreg
	s.Init()
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func reportDriver(t *testing.T, s *Server, id string, lat, lon float64) {
	t.Helper()
	w := doJSON(t, s, "POST", "/internal/driver/locations", models.DriverPresence{
		ID: id, Loc: models.Coord{Lat: lat, Lon: lon}, Online: true, Status: models.DriverOnline, Updated: time.Now(),
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("driver location: %d %s", w.Code, w.Body.String())
	}
}

func createRequest(t *testing.T, s *Server, riderID string) models.RideRequest {
	t.Helper()
	w := doJSON(t, s, "POST", "/api/v1/requests", map[string]any{
		"rider_id":    riderID,
		"pickup":      models.Coord{Lat: 0.001, Lon: 0.001},
		"destination": models.Coord{Lat: 0.05, Lon: 0.05},
		"ride_class":  "economy",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create request: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Request models.RideRequest `json:"request"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Request
}

func TestRequestAcceptRideFlow(t *testing.T) {
	s := newTestServer(t)
	reportDriver(t, s, "d1", 0.001, 0.001)

	req := createRequest(t, s, "r1")
	if req.Estimate.Total <= 0 {
		t.Fatalf("no estimate attached: %+v", req.Estimate)
	}

	w := doJSON(t, s, "POST", "/api/v1/requests/"+req.ID+"/accept", map[string]string{"driver_id": "d1"})
	if w.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", w.Code, w.Body.String())
	}
	var rd models.Ride
	_ = json.Unmarshal(w.Body.Bytes(), &rd)
	if rd.Status != models.StatusAccepted || rd.DriverID != "d1" {
		t.Fatalf("bad ride: %+v", rd)
	}

	// second driver loses with 409
	w = doJSON(t, s, "POST", "/api/v1/requests/"+req.ID+"/accept", map[string]string{"driver_id": "d2"})
	if w.Code != http.StatusConflict {
		t.Fatalf("losing accept: expected 409, got %d", w.Code)
	}

	// progress the ride and record a point
	for _, st := range []string{"driver_arriving", "in_progress"} {
		w = doJSON(t, s, "POST", "/api/v1/rides/"+rd.ID+"/status", map[string]string{"status": st})
		if w.Code != http.StatusOK {
			t.Fatalf("transition %s: %d %s", st, w.Code, w.Body.String())
		}
	}
	w = doJSON(t, s, "POST", "/api/v1/rides/"+rd.ID+"/tracking", models.TrackingPoint{Loc: models.Coord{Lat: 0.002, Lon: 0.002}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("tracking: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, s, "GET", "/api/v1/rides/"+rd.ID+"/tracking", nil)
	var pts []models.TrackingPoint
	_ = json.Unmarshal(w.Body.Bytes(), &pts)
	if len(pts) != 1 {
		t.Fatalf("expected 1 tracking point, got %d", len(pts))
	}

	w = doJSON(t, s, "POST", "/api/v1/rides/"+rd.ID+"/status", map[string]string{"status": "completed"})
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", w.Code, w.Body.String())
	}

	// invalid transition out of a terminal state
	w = doJSON(t, s, "POST", "/api/v1/rides/"+rd.ID+"/status", map[string]string{"status": "accepted"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestCreateRequestConflict(t *testing.T) {
	s := newTestServer(t)
	reportDriver(t, s, "d1", 0.001, 0.001)
	createRequest(t, s, "r1")
	w := doJSON(t, s, "POST", "/api/v1/requests", map[string]any{
		"rider_id":    "r1",
		"pickup":      models.Coord{Lat: 0.001, Lon: 0.001},
		"destination": models.Coord{Lat: 0.05, Lon: 0.05},
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", w.Code, w.Body.String())
	}
}

func TestCreateRequestWithNoDriversStillCreated(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, "POST", "/api/v1/requests", map[string]any{
		"rider_id":    "r1",
		"pickup":      models.Coord{Lat: 0.001, Lon: 0.001},
		"destination": models.Coord{Lat: 0.05, Lon: 0.05},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 with zero candidates, got %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Candidates int `json:"candidates"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Candidates != 0 {
		t.Fatalf("expected 0 candidates, got %d", resp.Candidates)
	}
}

func TestCancelRequest(t *testing.T) {
	s := newTestServer(t)
	reportDriver(t, s, "d1", 0.001, 0.001)
	req := createRequest(t, s, "r1")

	w := doJSON(t, s, "DELETE", "/api/v1/requests/"+req.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("cancel: %d", w.Code)
	}
	// accepting a cancelled request is 410
	w = doJSON(t, s, "POST", "/api/v1/requests/"+req.ID+"/accept", map[string]string{"driver_id": "d1"})
	if w.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d %s", w.Code, w.Body.String())
	}
}

func TestSurgeZoneLifecycleAndMultiplier(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, "POST", "/api/v1/surge/zones", map[string]any{
		"name":       "downtown",
		"polygon":    []models.Coord{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 1, Lon: 1}, {Lat: 1, Lon: 0}},
		"multiplier": 1.8,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create zone: %d %s", w.Code, w.Body.String())
	}
	var z models.SurgeZone
	_ = json.Unmarshal(w.Body.Bytes(), &z)

	w = doJSON(t, s, "GET", "/api/v1/surge/multiplier?lat=0.5&lon=0.5", nil)
	var resp map[string]float64
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["multiplier"] != 1.8 {
		t.Fatalf("expected 1.8, got %v", resp)
	}

	w = doJSON(t, s, "DELETE", "/api/v1/surge/zones/"+z.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("deactivate: %d", w.Code)
	}
	w = doJSON(t, s, "GET", "/api/v1/surge/multiplier?lat=0.5&lon=0.5", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["multiplier"] != 1.0 {
		t.Fatalf("expected 1.0 after deactivation, got %v", resp)
	}
}

func TestSurgeZoneValidation(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, "POST", "/api/v1/surge/zones", map[string]any{
		"polygon":    []models.Coord{{Lat: 0, Lon: 0}},
		"multiplier": 1.5,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for degenerate polygon, got %d", w.Code)
	}
	w = doJSON(t, s, "POST", "/api/v1/surge/zones", map[string]any{
		"polygon":    []models.Coord{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 1, Lon: 1}},
		"multiplier": 0.5,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for multiplier < 1, got %d", w.Code)
	}
}

func TestNearbyEndpoint(t *testing.T) {
	s := newTestServer(t)
	reportDriver(t, s, "d1", 0.001, 0.001)
	w := doJSON(t, s, "GET", "/api/v1/drivers/nearby?lat=0&lon=0&radius_km=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("nearby: %d", w.Code)
	}
	var cands []geo.Candidate
	_ = json.Unmarshal(w.Body.Bytes(), &cands)
	if len(cands) != 1 || cands[0].ID != "d1" {
		t.Fatalf("expected d1, got %+v", cands)
	}
}

func TestOpenRequestsForDriver(t *testing.T) {
	s := newTestServer(t)
	reportDriver(t, s, "d1", 0.001, 0.001)
	req := createRequest(t, s, "r1")

	w := doJSON(t, s, "GET", "/api/v1/requests/nearby?lat=0.001&lon=0.001&radius_km=5&driver_id=d2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("open requests: %d %s", w.Code, w.Body.String())
	}
	var offers []models.MatchOffer
	_ = json.Unmarshal(w.Body.Bytes(), &offers)
	if len(offers) != 1 || offers[0].RequestID != req.ID {
		t.Fatalf("expected the open request, got %+v", offers)
	}
}

func TestUnknownRideIs404(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, "GET", "/api/v1/rides/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDriversOnlineGaugeTracksTransitions(t *testing.T) {
	s := newTestServer(t)
	base := testutil.ToFloat64(observability.DriversOnline)

	reportDriver(t, s, "gauge-d1", 0.001, 0.001)
	reportDriver(t, s, "gauge-d1", 0.002, 0.002)
	if got := testutil.ToFloat64(observability.DriversOnline); got != base+1 {
		t.Fatalf("expected gauge %v after repeated online pings, got %v", base+1, got)
	}

	w := doJSON(t, s, "POST", "/internal/driver/locations", models.DriverPresence{
		ID: "gauge-d1", Loc: models.Coord{Lat: 0.002, Lon: 0.002}, Online: false, Status: models.DriverOffline, Updated: time.Now(),
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("offline ping: %d %s", w.Code, w.Body.String())
	}
	if got := testutil.ToFloat64(observability.DriversOnline); got != base {
		t.Fatalf("expected gauge back to %v after offline ping, got %v", base, got)
	}
}
