package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so components can run without a registry.
type Metrics struct {
	registry *prometheus.Registry

	// Device metrics
	DeviceAcquisitions *prometheus.CounterVec
	DeviceFailures     *prometheus.CounterVec
	OpenHandles        prometheus.Gauge

	// Capture metrics
	CaptureSessions prometheus.Counter
	MixDegradations prometheus.Counter
	ChunksEmitted   prometheus.Counter
	ChunkBytes      prometheus.Histogram
	ChunksForwarded *prometheus.CounterVec
	ForwardDuration prometheus.Histogram

	// Wake word metrics
	WakeDetections prometheus.Counter
	WakeRestarts   prometheus.Counter
	EngineErrors   *prometheus.CounterVec

	// Bridge metrics
	BridgeMessages *prometheus.CounterVec
	BridgeDropped  *prometheus.CounterVec
}

// New creates a private registry and registers every collector on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		DeviceAcquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cue_device_acquisitions_total",
			Help: "Successful device acquisitions by device kind",
		}, []string{"kind"}),
		DeviceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cue_device_failures_total",
			Help: "Failed device acquisitions by device kind and error class",
		}, []string{"kind", "code"}),
		OpenHandles: f.NewGauge(prometheus.GaugeOpts{
			Name: "cue_device_open_handles",
			Help: "Device handles currently held",
		}),

		CaptureSessions: f.NewCounter(prometheus.CounterOpts{
			Name: "cue_capture_sessions_total",
			Help: "Capture sessions that reached the recording state",
		}),
		MixDegradations: f.NewCounter(prometheus.CounterOpts{
			Name: "cue_capture_mix_degraded_total",
			Help: "Capture sessions that fell back to tab audio only",
		}),
		ChunksEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "cue_chunks_emitted_total",
			Help: "Audio chunks emitted by the recorder",
		}),
		ChunkBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cue_chunk_size_bytes",
			Help:    "Encoded size of emitted audio chunks",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		ChunksForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cue_chunks_forwarded_total",
			Help: "Chunks forwarded to the backend by outcome",
		}, []string{"outcome"}),
		ForwardDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cue_chunk_forward_duration_seconds",
			Help:    "Time spent forwarding one chunk to the backend",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		WakeDetections: f.NewCounter(prometheus.CounterOpts{
			Name: "cue_wake_detections_total",
			Help: "Wake phrase detections",
		}),
		WakeRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "cue_wake_restarts_total",
			Help: "Recognition restarts scheduled by the wake listener",
		}),
		EngineErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cue_engine_errors_total",
			Help: "Recognition engine errors by code",
		}, []string{"code"}),

		BridgeMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cue_bridge_messages_total",
			Help: "Messages routed across the bridge by type",
		}, []string{"type"}),
		BridgeDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cue_bridge_dropped_total",
			Help: "Messages that could not be delivered by target",
		}, []string{"target"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) DeviceAcquired(kind string) {
	if m == nil {
		return
	}
	m.DeviceAcquisitions.WithLabelValues(kind).Inc()
	m.OpenHandles.Inc()
}

func (m *Metrics) DeviceReleased() {
	if m == nil {
		return
	}
	m.OpenHandles.Dec()
}

func (m *Metrics) DeviceFailed(kind, code string) {
	if m == nil {
		return
	}
	m.DeviceFailures.WithLabelValues(kind, code).Inc()
}

func (m *Metrics) SessionStarted(degraded bool) {
	if m == nil {
		return
	}
	m.CaptureSessions.Inc()
	if degraded {
		m.MixDegradations.Inc()
	}
}

func (m *Metrics) ChunkEmitted(bytes int) {
	if m == nil {
		return
	}
	m.ChunksEmitted.Inc()
	m.ChunkBytes.Observe(float64(bytes))
}

func (m *Metrics) ChunkForwarded(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ChunksForwarded.WithLabelValues(outcome).Inc()
	m.ForwardDuration.Observe(seconds)
}

func (m *Metrics) WakeDetected() {
	if m == nil {
		return
	}
	m.WakeDetections.Inc()
}

func (m *Metrics) WakeRestarted() {
	if m == nil {
		return
	}
	m.WakeRestarts.Inc()
}

func (m *Metrics) EngineError(code string) {
	if m == nil {
		return
	}
	m.EngineErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) MessageRouted(msgType string) {
	if m == nil {
		return
	}
	m.BridgeMessages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) MessageDropped(target string) {
	if m == nil {
		return
	}
	m.BridgeDropped.WithLabelValues(target).Inc()
}
