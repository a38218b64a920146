package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide metrics, registered on the default registry via promauto.
// Each worker process exposes its own /metrics endpoint, so series from
// different workers are distinguished by the scrape target, not by labels.

var (
	// HTTPRequestsTotal counts requests by method, route and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minivec_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures wall time per request, queue wait included.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "minivec_http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
			// From sub-millisecond cache hits up to the 180s request deadline.
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		},
		[]string{"method", "path"},
	)

	// EmbeddingsTotal counts vectors actually computed by the backend.
	// Cache hits do not increment it.
	EmbeddingsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minivec_embeddings_generated_total",
			Help: "Total number of embedding vectors computed by the model backend",
		},
	)

	// EmbedDuration measures a single backend inference call.
	EmbedDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "minivec_embedding_duration_seconds",
			Help:    "Duration of single-text model inference in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	// CacheHits and CacheMisses track the embedding memo cache.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minivec_cache_hits_total",
			Help: "Embedding cache lookups served without model inference",
		},
	)
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minivec_cache_misses_total",
			Help: "Embedding cache lookups that required model inference",
		},
	)

	// QueueDepth is the number of requests waiting for a dispatch slot.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minivec_queue_depth",
			Help: "Requests currently queued for an inference slot",
		},
	)

	// InFlight is the number of requests holding a dispatch slot.
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minivec_inflight_requests",
			Help: "Requests currently holding an inference slot",
		},
	)

	// ModelLoadSeconds records how long the model artifact took to load.
	ModelLoadSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minivec_model_load_seconds",
			Help: "Wall time spent loading the embedding model at startup",
		},
	)
)
