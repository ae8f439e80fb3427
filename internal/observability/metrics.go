package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	BookingsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "bookings_created_total", Help: "Bookings created"})
	OffersSent        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Targeted booking offers sent to drivers"})
	AcceptConflicts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accept attempts that lost the race"})
	TripsCompleted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_completed_total", Help: "Trips completed"})
	DisconnectCancels = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "disconnect_cancels_total", Help: "Bookings canceled by the passenger disconnect timeout"})
	PricingUpdates    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "pricing_updates_total", Help: "Live pricing updates emitted"})
	DriversAvailable  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_available", Help: "Drivers with at least one available connection"})
	DispatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Time to select and notify candidates for a booking"})

	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking status transitions"},
		[]string{"to"},
	)
	SettlementFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "settlement_failures_total", Help: "Best-effort settlement legs that failed"},
		[]string{"leg"},
	)
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "wallet_webhooks_total", Help: "Payment webhooks by outcome"},
		[]string{"outcome"},
	)
	FanoutFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "fanout_failures_total", Help: "Notification deliveries that failed"},
		[]string{"sink"},
	)

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
