// Package telemetry implements the counter/gauge/histogram store and
// snapshot reader described in spec.md §4.11, built on
// prometheus/client_golang against a private registry — this process
// has no HTTP endpoint to scrape, so metrics are only ever read back
// in-process via Snapshot.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// defaultLatencyBuckets are the bucket boundaries (milliseconds) spec.md
// lists for request-latency histograms.
var defaultLatencyBuckets = []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000}

// Store holds every counter/gauge/histogram the runtime records,
// registered against a private registry rather than the global default.
type Store struct {
	registry *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	requestErrorsTotal  *prometheus.CounterVec
	admissionRejections *prometheus.CounterVec
	cancellations       *prometheus.CounterVec
	requestLatencyMs    *prometheus.HistogramVec
	tokensGenerated     *prometheus.CounterVec
	queueDepth          prometheus.Gauge
	loadedModels        prometheus.Gauge
	gpuMemoryUsedBytes  *prometheus.GaugeVec
}

// New constructs a Store and registers all of its collectors against a
// fresh, private prometheus.Registry.
func New() *Store {
	s := &Store{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrund_requests_total",
			Help: "Total number of inference requests completed successfully, by model.",
		}, []string{"model"}),
		requestErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrund_request_errors_total",
			Help: "Total number of inference requests that failed, by model and error class.",
		}, []string{"model", "error_class"}),
		admissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrund_admission_rejections_total",
			Help: "Total number of requests rejected by admission control, by model.",
		}, []string{"model"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrund_cancellations_total",
			Help: "Total number of requests terminated by cancellation, by model.",
		}, []string{"model"}),
		requestLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmrund_request_latency_ms",
			Help:    "Request latency in milliseconds, by model.",
			Buckets: defaultLatencyBuckets,
		}, []string{"model"}),
		tokensGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrund_tokens_generated_total",
			Help: "Total tokens generated, by model.",
		}, []string{"model"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llmrund_queue_depth",
			Help: "Current number of requests waiting in the priority queue.",
		}),
		loadedModels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llmrund_loaded_models",
			Help: "Current number of models registered and ready.",
		}),
		gpuMemoryUsedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llmrund_gpu_memory_used_bytes",
			Help: "Current allocated memory per GPU pool, by device index.",
		}, []string{"device"}),
	}

	s.registry.MustRegister(
		s.requestsTotal,
		s.requestErrorsTotal,
		s.admissionRejections,
		s.cancellations,
		s.requestLatencyMs,
		s.tokensGenerated,
		s.queueDepth,
		s.loadedModels,
		s.gpuMemoryUsedBytes,
	)

	return s
}

// RecordRequestSuccess records a completed request's latency and token
// count against modelID.
func (s *Store) RecordRequestSuccess(modelID string, latency time.Duration, tokens int) {
	s.requestsTotal.WithLabelValues(modelID).Inc()
	s.requestLatencyMs.WithLabelValues(modelID).Observe(float64(latency.Milliseconds()))
	s.tokensGenerated.WithLabelValues(modelID).Add(float64(tokens))
}

// RecordRequestError records a failed request against modelID and its
// error class.
func (s *Store) RecordRequestError(modelID string, errClass string) {
	s.requestErrorsTotal.WithLabelValues(modelID, errClass).Inc()
}

// RecordAdmissionRejected records an admission-control rejection.
func (s *Store) RecordAdmissionRejected(modelID string) {
	s.admissionRejections.WithLabelValues(modelID).Inc()
}

// RecordCancelled records a request terminated by cancellation.
func (s *Store) RecordCancelled(modelID string) {
	s.cancellations.WithLabelValues(modelID).Inc()
}

// SetQueueDepth records the current queue length.
func (s *Store) SetQueueDepth(n int) {
	s.queueDepth.Set(float64(n))
}

// SetLoadedModels records the current number of registered models.
func (s *Store) SetLoadedModels(n int) {
	s.loadedModels.Set(float64(n))
}

// SetGPUMemoryUsed records the current allocated bytes for a device.
func (s *Store) SetGPUMemoryUsed(deviceIndex int, bytes int64) {
	s.gpuMemoryUsedBytes.WithLabelValues(deviceLabel(deviceIndex)).Set(float64(bytes))
}

// Gatherer exposes the private registry for Snapshot and for any future
// exposition path, without handing out the whole Store.
func (s *Store) Gatherer() prometheus.Gatherer {
	return s.registry
}

func deviceLabel(index int) string {
	return "gpu-" + strconv.Itoa(index)
}
