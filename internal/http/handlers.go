package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/request"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/surge"
	"github.com/example/ride-dispatch/internal/tracking"
)

// Server is the HTTP surface over the dispatch services.
type Server struct {
	Geo      geo.Geo
	Requests *request.Manager
	Match    *match.Coordinator
	Rides    *ride.Service
	Tracking *tracking.Broadcaster
	Surge    *surge.Index
	Kafka    *ingest.KafkaProducer
	WSReg    *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router

	// matchable remembers each driver's last reported state so the
	// online gauge moves on transitions, not on every ping.
	presenceMu sync.Mutex
	matchable  map[string]bool
}

func NewServer(logger *slog.Logger) *Server {
	s := &Server{logger: logger, mux: mux.NewRouter(), matchable: make(map[string]bool)}
	return s
}

// Init registers middleware and routes once dependencies are set.
func (s *Server) Init() {
	s.registerMiddleware()
	s.routes()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	// registered ahead of /requests/{id} so "nearby" is not taken as an id
	api.HandleFunc("/requests/nearby", s.handleOpenRequests).Methods("GET")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}", s.handleCancelRequest).Methods("DELETE")
	api.HandleFunc("/requests/{id}/pickup", s.handleUpdatePickup).Methods("PATCH")
	api.HandleFunc("/requests/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/requests/{id}/decline", s.handleDecline).Methods("POST")
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods("GET")

	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/status", s.handleTransition).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/rides/{id}/tracking", s.handleRecordPoint).Methods("POST")
	api.HandleFunc("/rides/{id}/tracking", s.handleTrail).Methods("GET")

	api.HandleFunc("/surge/zones", s.handleCreateZone).Methods("POST")
	api.HandleFunc("/surge/zones", s.handleListZones).Methods("GET")
	api.HandleFunc("/surge/zones/{id}", s.handleUpdateZone).Methods("PUT")
	api.HandleFunc("/surge/zones/{id}", s.handleDeactivateZone).Methods("DELETE")
	api.HandleFunc("/surge/multiplier", s.handleMultiplier).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{client_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p models.DriverPresence
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.ID == "" {
		http.Error(w, "missing driver id", http.StatusBadRequest)
		return
	}
	if p.Status == "" {
		p.Status = models.DriverOnline
		p.Online = true
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishPresence(p); err != nil {
			s.logger.Warn("presence publish failed", "driver_id", p.ID, "error", err)
		}
	}
	s.Geo.Upsert(p)
	s.presenceMu.Lock()
	was, now := s.matchable[p.ID], p.Matchable()
	if now && !was {
		observability.DriversOnline.Inc()
	} else if !now && was {
		observability.DriversOnline.Dec()
	}
	s.matchable[p.ID] = now
	s.presenceMu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

type createRequestBody struct {
	RiderID     string       `json:"rider_id"`
	Pickup      models.Coord `json:"pickup"`
	Destination models.Coord `json:"destination"`
	Class       string       `json:"ride_class"`
	MaxWaitSec  int          `json:"max_wait_sec"`
	TTLSec      int          `json:"ttl_sec"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.RiderID == "" {
		http.Error(w, "missing rider_id", http.StatusBadRequest)
		return
	}
	req, err := s.Requests.Create(r.Context(), body.RiderID, body.Pickup, body.Destination,
		models.ParseRideClass(body.Class),
		time.Duration(body.MaxWaitSec)*time.Second, time.Duration(body.TTLSec)*time.Second)
	if err != nil {
		s.writeError(w, err)
		return
	}

	cands, err := s.Match.DispatchRequest(r.Context(), req)
	if err != nil && !errors.Is(err, match.ErrNoDrivers) {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{"request": req, "candidates": len(cands)}
	if errors.Is(err, match.ErrNoDrivers) {
		resp["candidates"] = 0
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Requests.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	if err := s.Requests.Cancel(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdatePickup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pickup models.Coord `json:"pickup"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := s.Requests.UpdatePickup(r.Context(), mux.Vars(r)["id"], body.Pickup)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.DriverID == "" {
		http.Error(w, "missing driver_id", http.StatusBadRequest)
		return
	}
	rd, err := s.Match.Accept(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Match.Decline(mux.Vars(r)["id"], body.DriverID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOpenRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := parseFloat(q.Get("lat"))
	lon, err2 := parseFloat(q.Get("lon"))
	if err1 != nil || err2 != nil {
		http.Error(w, "invalid lat/lon", http.StatusBadRequest)
		return
	}
	radius := 5.0
	if v := q.Get("radius_km"); v != "" {
		var err error
		if radius, err = parseFloat(v); err != nil {
			http.Error(w, "invalid radius_km", http.StatusBadRequest)
			return
		}
	}
	offers, err := s.Match.OpenRequestsNear(q.Get("driver_id"), models.Coord{Lat: lat, Lon: lon}, radius)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := parseFloat(q.Get("lat"))
	lon, err2 := parseFloat(q.Get("lon"))
	if err1 != nil || err2 != nil {
		http.Error(w, "invalid lat/lon", http.StatusBadRequest)
		return
	}
	radius := 3.0
	if v := q.Get("radius_km"); v != "" {
		if radius, err1 = parseFloat(v); err1 != nil {
			http.Error(w, "invalid radius_km", http.StatusBadRequest)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.Geo.Nearby(lat, lon, radius, 20))
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rd, err := s.Rides.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updated, err := s.Rides.Transition(r.Context(), mux.Vars(r)["id"], models.RideStatus(body.Status))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	updated, err := s.Rides.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRecordPoint(w http.ResponseWriter, r *http.Request) {
	var p models.TrackingPoint
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.RideID = mux.Vars(r)["id"]
	if err := s.Tracking.RecordPoint(&p); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request) {
	pts, err := s.Tracking.Trail(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pts)
}

func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	var z models.SurgeZone
	if err := json.NewDecoder(r.Body).Decode(&z); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(z.Polygon) < 3 {
		http.Error(w, "polygon needs at least 3 vertices", http.StatusBadRequest)
		return
	}
	if z.Multiplier < 1.0 {
		http.Error(w, "multiplier must be >= 1.0", http.StatusBadRequest)
		return
	}
	if z.ID == "" {
		z.ID = newID()
	}
	z.Active = true
	if z.StartsAt.IsZero() {
		z.StartsAt = time.Now()
	}
	if err := s.Surge.Add(z); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, z)
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Surge.ActiveZones(time.Now()))
}

func (s *Server) handleUpdateZone(w http.ResponseWriter, r *http.Request) {
	var z models.SurgeZone
	if err := json.NewDecoder(r.Body).Decode(&z); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	z.ID = mux.Vars(r)["id"]
	if err := s.Surge.Update(z); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

func (s *Server) handleDeactivateZone(w http.ResponseWriter, r *http.Request) {
	if err := s.Surge.Deactivate(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMultiplier(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := parseFloat(q.Get("lat"))
	lon, err2 := parseFloat(q.Get("lon"))
	if err1 != nil || err2 != nil {
		http.Error(w, "invalid lat/lon", http.StatusBadRequest)
		return
	}
	mult := s.Surge.EffectiveMultiplier(models.Coord{Lat: lat, Lon: lon}, time.Now())
	writeJSON(w, http.StatusOK, map[string]float64{"multiplier": mult})
}

var upgrader = websocket.Upgrader{}

// handleWS upgrades a driver or rider connection and, when a ride_id
// query param is present, streams that ride's tracking feed until the
// ride ends or the socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["client_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)

	if rideID := r.URL.Query().Get("ride_id"); rideID != "" && s.Tracking != nil {
		events, cancel := s.Tracking.Subscribe(rideID)
		go func() {
			defer cancel()
			for ev := range events {
				if err := s.WSReg.Notify(id, ev); err != nil {
					return
				}
			}
		}()
	}

	go s.readLoop(id, conn)
}

// readLoop drains the socket so pings and close frames are processed,
// and tears the session down when the peer goes away.
func (s *Server) readLoop(id string, conn *websocket.Conn) {
	defer s.WSReg.Remove(id, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeError maps domain sentinels onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, surge.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyMatched):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrAlreadyCancelled), errors.Is(err, storage.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, request.ErrActiveRequestExists), errors.Is(err, ride.ErrRiderHasActiveRide):
		status = http.StatusConflict
	case errors.Is(err, request.ErrInactive):
		status = http.StatusGone
	case errors.Is(err, ride.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, match.ErrNoDrivers):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
