package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_total", Help: "Dispatch calls by outcome"},
		[]string{"outcome"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Dispatch latency seconds"})
	ClaimsLost      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "claims_lost_total", Help: "Driver claims lost to a concurrent dispatch"})
	CandidatesSeen  = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_candidates",
		Help:      "Candidates returned by the geo index per dispatch round",
		Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
	})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Applied ride state transitions"},
		[]string{"to"},
	)
	RideConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ride_cas_conflicts_total", Help: "Ride writes that lost a compare-and-swap"})

	DriverTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "driver_transitions_total", Help: "Driver availability changes"},
		[]string{"status"},
	)
	IndexErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geo_index_errors_total", Help: "Failed geo index updates"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Ride events published"},
		[]string{"kind"},
	)
	EventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_failed_total", Help: "Ride events that exhausted publish retries"},
		[]string{"kind"},
	)
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Ride events dropped on a full outbox"})
	OutboxDepth   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "outbox_depth", Help: "Events waiting to be published"})

	HeartbeatsConsumed = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "heartbeats_consumed_total", Help: "Driver heartbeats consumed from the bus"})
	HeartbeatsInvalid  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "heartbeats_invalid_total", Help: "Malformed or rejected heartbeats"})

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
