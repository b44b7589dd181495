package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersSent      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_sent_total", Help: "Total match offers pushed to candidate drivers"})
	OffersDeclined  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_declined_total", Help: "Total offers declined by drivers"})
	ClaimsWon       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "claims_won_total", Help: "Total accept attempts that won the claim"})
	ClaimsLost      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "claims_lost_total", Help: "Total accept attempts that lost the claim race"})
	RequestsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "requests_expired_total", Help: "Total ride requests deactivated by expiry"})
	MatchTimeouts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "match_timeouts_total", Help: "Total requests that hit max-wait with no accepting driver"})
	TrackingPoints  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "tracking_points_total", Help: "Total tracking points recorded"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of online drivers"})
	ClaimLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "claim_latency_seconds", Help: "Accept claim latency seconds"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
