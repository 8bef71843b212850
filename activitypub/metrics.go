package activitypub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// activitiesProcessed counts inbound activities by type and final state.
	// Labels: type, outcome (processed, rejected, duplicate, error)
	activitiesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forumpub",
		Subsystem: "inbox",
		Name:      "activities_total",
		Help:      "Inbound activities by type and outcome",
	}, []string{"type", "outcome"})

	// rejections counts validation rejections by reason key.
	rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forumpub",
		Subsystem: "inbox",
		Name:      "rejections_total",
		Help:      "Inbound activities rejected, by reason",
	}, []string{"reason"})

	// deliveries counts delivery attempts by outcome.
	// Labels: outcome (skipped, delivered, retry_scheduled, given_up, announce_conflict)
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forumpub",
		Subsystem: "delivery",
		Name:      "attempts_total",
		Help:      "Outbound delivery attempts by outcome",
	}, []string{"outcome"})

	deliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "forumpub",
		Subsystem: "delivery",
		Name:      "latency_seconds",
		Help:      "Time spent signing and posting one delivery",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	domainUnavailable = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forumpub",
		Subsystem: "delivery",
		Name:      "domain_unavailable_total",
		Help:      "Failures that left a domain at or above the failure threshold",
	})
)
