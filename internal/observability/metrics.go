package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "urbanflow"

var (
	RidesCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Ride requests created"})
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions by target status"},
		[]string{"status"},
	)
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accepts that lost the race for a ride"})
	RidesExpired    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_expired_total", Help: "Pending rides cancelled by the sweeper"})

	OffersCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_created_total", Help: "Ride offers inserted"})
	OffersExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_expired_total", Help: "Ride offers marked expired"})
	DispatchErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_errors_total", Help: "Offer deliveries that failed"})
	FanOutLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "fanout_latency_seconds", Help: "Offer fan-out latency seconds"})

	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_location_updates_total", Help: "Driver location updates accepted"})

	PaymentOrders = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payment_orders_total", Help: "Payment orders by provider and outcome"},
		[]string{"provider", "outcome"},
	)
	PaymentSettlements = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payment_settlements_total", Help: "Payment holds captured or released, by outcome"},
		[]string{"action", "outcome"},
	)
	RatingsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ratings_submitted_total", Help: "Driver ratings submitted"})

	RealtimeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_subscribers", Help: "Open realtime subscriptions"})
	RealtimeDropped     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "realtime_dropped_total", Help: "Events dropped for slow subscribers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
