package healing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mendd_heal_decisions_total",
		Help: "Heal decision outcomes by terminal event.",
	}, []string{"event"})

	generationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mendd_fix_generation_duration_seconds",
		Help:    "Fix generation latency including the single retry.",
		Buckets: prometheus.DefBuckets,
	})

	propagationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mendd_propagations_total",
		Help: "Per-tenant propagation outcomes.",
	}, []string{"outcome"})
)

// Decision lifecycle events counted by decisionsTotal.
const (
	eventProposed         = "proposed"
	eventApproved         = "approved"
	eventRejected         = "rejected"
	eventGenerationFailed = "generation_failed"
)
