package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Pipeline counters
	RequestsStarted   atomic.Uint64
	RequestsCompleted atomic.Uint64
	RequestsFailed    atomic.Uint64

	// Per-stage failure counters
	AuthFailures   atomic.Uint64
	IngestFailures atomic.Uint64
	DetectFailures atomic.Uint64
	RenderFailures atomic.Uint64

	// Detection results
	DetectionsFound atomic.Uint64
	WeedsFound      atomic.Uint64

	// Notification outcomes
	AlertsDelivered  atomic.Uint64
	AlertsFailed     atomic.Uint64
	AlertsSuppressed atomic.Uint64
	SendAttempts     atomic.Uint64

	// Latency tracking
	DetectLatencyMs   atomic.Uint64 // Last inference latency in ms
	PipelineLatencyMs atomic.Uint64 // Last full pipeline latency in ms

	// Model state
	ModelLoaded  atomic.Uint64 // 0 = not loaded, 1 = loaded
	ModelReloads atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_requests_started_total",
			Help: "Total detection requests started",
		},
		func() float64 { return float64(m.RequestsStarted.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_requests_completed_total",
			Help: "Total detection requests completed",
		},
		func() float64 { return float64(m.RequestsCompleted.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_requests_failed_total",
			Help: "Total detection requests failed at any stage",
		},
		func() float64 { return float64(m.RequestsFailed.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_auth_failures_total",
			Help: "Total requests rejected at the authentication stage",
		},
		func() float64 { return float64(m.AuthFailures.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_ingest_failures_total",
			Help: "Total requests failed at the ingest stage",
		},
		func() float64 { return float64(m.IngestFailures.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_detect_failures_total",
			Help: "Total requests failed at the detection stage",
		},
		func() float64 { return float64(m.DetectFailures.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_render_failures_total",
			Help: "Total requests failed at the render stage",
		},
		func() float64 { return float64(m.RenderFailures.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_detections_found_total",
			Help: "Total detections kept after postprocessing",
		},
		func() float64 { return float64(m.DetectionsFound.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_weeds_found_total",
			Help: "Total weed detections kept after postprocessing",
		},
		func() float64 { return float64(m.WeedsFound.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_alerts_delivered_total",
			Help: "Total alert emails delivered",
		},
		func() float64 { return float64(m.AlertsDelivered.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_alerts_failed_total",
			Help: "Total alert emails failed after exhausting retries",
		},
		func() float64 { return float64(m.AlertsFailed.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_alerts_suppressed_total",
			Help: "Total alert emails suppressed by the cooldown window",
		},
		func() float64 { return float64(m.AlertsSuppressed.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_send_attempts_total",
			Help: "Total SMTP send attempts including retries",
		},
		func() float64 { return float64(m.SendAttempts.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_detect_latency_ms",
			Help: "Last inference latency in milliseconds",
		},
		func() float64 { return float64(m.DetectLatencyMs.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_pipeline_latency_ms",
			Help: "Last full pipeline latency in milliseconds",
		},
		func() float64 { return float64(m.PipelineLatencyMs.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_model_loaded",
			Help: "Model artifact loaded (0=no, 1=yes)",
		},
		func() float64 { return float64(m.ModelLoaded.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "riceguard_model_reloads_total",
			Help: "Total model artifact reloads",
		},
		func() float64 { return float64(m.ModelReloads.Load()) },
	))
}

// UpdateDetectLatency records the duration of the last inference call
func (m *Metrics) UpdateDetectLatency(duration time.Duration) {
	m.DetectLatencyMs.Store(uint64(duration.Milliseconds()))
}

// UpdatePipelineLatency records the duration of the last full pipeline run
func (m *Metrics) UpdatePipelineLatency(duration time.Duration) {
	m.PipelineLatencyMs.Store(uint64(duration.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
