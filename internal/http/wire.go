package httpapi

import (
	"log/slog"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/request"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/surge"
	"github.com/example/ride-dispatch/internal/tracking"
)

// NewServerFromConfig wires the full service graph. Every external
// system is optional: without Redis the in-process geo index serves,
// without Postgres the memory store, without a Maps key the OSRM
// endpoint, without a Stripe key payments are skipped.
func NewServerFromConfig(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var g geo.Geo
	if cfg.RedisAddr != "" {
		g = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.StaleAfter)
	} else {
		g = geo.NewIndex(cfg.StaleAfter)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	surgeIdx, err := surge.NewIndex(store)
	if err != nil {
		return nil, err
	}

	var rc routing.Client
	if cfg.MapsAPIKey != "" {
		gc, err := routing.NewGoogleClient(cfg.MapsAPIKey)
		if err != nil {
			return nil, err
		}
		rc = gc
	} else {
		rc = routing.NewOSRMClient(cfg.RoutingEndpoint)
	}
	if cfg.RouteCacheTTL > 0 {
		rc = &routing.CachedClient{Inner: rc, Cache: routing.NewCache(cfg.RouteCacheTTL)}
	}

	est := fare.NewEstimator(rc, surgeIdx)
	est.DefaultSpeedMps = cfg.DefaultSpeedMps

	reqMgr := request.NewManager(store, est, logger)
	reqMgr.DefaultTTL = cfg.RequestTTL

	rides := ride.NewService(store, logger)
	trk := tracking.NewBroadcaster(store, store, logger)
	rides.Status = trk

	wsreg := dispatch.NewWSRegistry()
	var disp match.Dispatcher = wsreg
	switch {
	case cfg.FCMEndpoint != "":
		disp = dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey, wsreg)
	case cfg.PushEndpoint != "":
		disp = dispatch.NewPushDispatcher(cfg.PushEndpoint, wsreg)
	}

	coord := match.NewCoordinator(g, disp, store, rides, logger, match.Config{
		BaseRadiusKm:   cfg.BaseRadiusKm,
		MaxEscalations: cfg.RadiusEscalations,
		Limit:          cfg.NearbyLimit,
	})
	coord.Currency = cfg.Currency
	if cfg.StripeAPIKey != "" {
		sc := payments.NewStripeClient(cfg.StripeAPIKey)
		coord.Payments = sc
		rides.Payments = sc
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	s := NewServer(logger)
	s.Geo = g
	s.Requests = reqMgr
	s.Match = coord
	s.Rides = rides
	s.Tracking = trk
	s.Surge = surgeIdx
	s.Kafka = kp
	s.WSReg = wsreg
	s.Init()
	return s, nil
}
