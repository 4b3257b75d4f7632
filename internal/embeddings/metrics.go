package embeddings

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks embedding generation counts and latency.
type Metrics struct {
	generations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	texts       prometheus.Counter
}

var defaultMetrics = &Metrics{
	generations: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mendd_embedding_generations_total",
		Help: "Embedding generation requests by operation and outcome.",
	}, []string{"operation", "outcome"}),
	duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mendd_embedding_duration_seconds",
		Help:    "Embedding generation latency by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"}),
	texts: promauto.NewCounter(prometheus.CounterOpts{
		Name: "mendd_embedding_texts_total",
		Help: "Total number of texts embedded.",
	}),
}

// Registration is package-global; every Service shares one metric set.
func newMetrics() *Metrics {
	return defaultMetrics
}

func (m *Metrics) recordGeneration(operation string, elapsed time.Duration, texts int, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.generations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
	if err == nil {
		m.texts.Add(float64(texts))
	}
}
