// Package telemetry provides Prometheus metrics for the radiology MPPS
// service: HTTP server metrics for the operations API, DICOM association and
// DIMSE message metrics, procedure step outcomes, and status bridge results.
//
// Every recording method is safe to call on a nil *TelemetryProvider so that
// components can run without metrics in tests and embedded setups.
package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Environment    string `json:"environment"`
	// MetricsEnabled nil = use default (true)
	MetricsEnabled *bool `json:"metrics_enabled"`
	// RuntimeCollectors registers the Go runtime and process collectors.
	RuntimeCollectors bool `json:"runtime_collectors"`
}

// metricsOn returns whether metrics are enabled (defaults to true).
func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "mpps-scp"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// defaultDurationBuckets are the histogram bucket boundaries (in seconds)
// used for request and operation durations.
var defaultDurationBuckets = []float64{
	0.001, 0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// ---------------------------------------------------------------------------
// TelemetryProvider
// ---------------------------------------------------------------------------

// TelemetryProvider owns a private Prometheus registry and the collectors the
// service records into.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge

	associations       *prometheus.CounterVec
	activeAssociations prometheus.Gauge
	dimseRequests      *prometheus.CounterVec
	dimseDuration      *prometheus.HistogramVec

	procedureSteps *prometheus.CounterVec
	bridgeNotifies *prometheus.CounterVec

	dbPoolActive prometheus.Gauge
	dbPoolIdle   prometheus.Gauge

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewTelemetryProvider creates the provider and registers its collectors.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()

	constLabels := prometheus.Labels{
		"service":     cfg.ServiceName,
		"version":     cfg.ServiceVersion,
		"environment": cfg.Environment,
	}

	tp := &TelemetryProvider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		done:     make(chan struct{}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_server_request_duration_seconds",
			Help:        "Duration of HTTP requests in seconds.",
			Buckets:     defaultDurationBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "http_server_active_requests",
			Help:        "Number of active HTTP requests.",
			ConstLabels: constLabels,
		}),

		associations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dicom_associations_total",
			Help:        "DICOM association requests by negotiation result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		activeAssociations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dicom_active_associations",
			Help:        "Number of established DICOM associations.",
			ConstLabels: constLabels,
		}),
		dimseRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dimse_requests_total",
			Help:        "DIMSE requests by command and response status.",
			ConstLabels: constLabels,
		}, []string{"command", "status"}),
		dimseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "dimse_request_duration_seconds",
			Help:        "Time from receiving a DIMSE request to sending its response.",
			Buckets:     defaultDurationBuckets,
			ConstLabels: constLabels,
		}, []string{"command"}),

		procedureSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mpps_operations_total",
			Help:        "Performed procedure step operations by outcome.",
			ConstLabels: constLabels,
		}, []string{"operation", "outcome"}),
		bridgeNotifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mpps_bridge_notifications_total",
			Help:        "Status bridge notifications by terminal status and outcome.",
			ConstLabels: constLabels,
		}, []string{"status", "outcome"}),

		dbPoolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "db_pool_active_connections",
			Help:        "Number of active database pool connections.",
			ConstLabels: constLabels,
		}),
		dbPoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "db_pool_idle_connections",
			Help:        "Number of idle database pool connections.",
			ConstLabels: constLabels,
		}),
	}

	tp.registry.MustRegister(
		tp.httpDuration, tp.httpActive,
		tp.associations, tp.activeAssociations, tp.dimseRequests, tp.dimseDuration,
		tp.procedureSteps, tp.bridgeNotifies,
		tp.dbPoolActive, tp.dbPoolIdle,
	)
	if cfg.RuntimeCollectors {
		tp.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return tp
}

// Registry exposes the underlying registry (used by tests and for custom
// collectors).
func (tp *TelemetryProvider) Registry() *prometheus.Registry {
	return tp.registry
}

// Shutdown gracefully shuts down the telemetry provider.
func (tp *TelemetryProvider) Shutdown(_ context.Context) error {
	if tp == nil {
		return nil
	}
	tp.shutdownOnce.Do(func() {
		close(tp.done)
	})
	return nil
}

// Resource returns the resource attributes attached to every series.
func (tp *TelemetryProvider) Resource() map[string]string {
	return map[string]string{
		"service.name":           tp.cfg.ServiceName,
		"service.version":        tp.cfg.ServiceVersion,
		"deployment.environment": tp.cfg.Environment,
	}
}

func (tp *TelemetryProvider) on() bool {
	return tp != nil && tp.cfg.metricsOn()
}

// ---------------------------------------------------------------------------
// DICOM / DIMSE recorders
// ---------------------------------------------------------------------------

// AssociationResult records the outcome of an association negotiation
// ("accepted", "rejected", "aborted", "limit").
func (tp *TelemetryProvider) AssociationResult(result string) {
	if !tp.on() {
		return
	}
	tp.associations.WithLabelValues(result).Inc()
}

// AssociationOpened increments the active association gauge.
func (tp *TelemetryProvider) AssociationOpened() {
	if !tp.on() {
		return
	}
	tp.activeAssociations.Inc()
}

// AssociationClosed decrements the active association gauge.
func (tp *TelemetryProvider) AssociationClosed() {
	if !tp.on() {
		return
	}
	tp.activeAssociations.Dec()
}

// DIMSERequest records one answered DIMSE request.
func (tp *TelemetryProvider) DIMSERequest(command string, status uint16, elapsed time.Duration) {
	if !tp.on() {
		return
	}
	tp.dimseRequests.WithLabelValues(command, "0x"+strconv.FormatUint(uint64(status), 16)).Inc()
	tp.dimseDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// ProcedureStepOperation records an MPPS create/update outcome.
func (tp *TelemetryProvider) ProcedureStepOperation(operation, outcome string) {
	if !tp.on() {
		return
	}
	tp.procedureSteps.WithLabelValues(operation, outcome).Inc()
}

// BridgeNotification records a status bridge call outcome ("ok", "error",
// "panic").
func (tp *TelemetryProvider) BridgeNotification(status, outcome string) {
	if !tp.on() {
		return
	}
	tp.bridgeNotifies.WithLabelValues(status, outcome).Inc()
}

// ---------------------------------------------------------------------------
// Health gauges
// ---------------------------------------------------------------------------

// HealthMetricsRecorder records health-related gauge metrics.
type HealthMetricsRecorder struct {
	tp *TelemetryProvider
}

// HealthMetrics returns a recorder for health gauges.
func (tp *TelemetryProvider) HealthMetrics() *HealthMetricsRecorder {
	return &HealthMetricsRecorder{tp: tp}
}

// SetDBPoolActive sets the active DB connection count gauge.
func (h *HealthMetricsRecorder) SetDBPoolActive(n int64) {
	if !h.tp.on() {
		return
	}
	h.tp.dbPoolActive.Set(float64(n))
}

// SetDBPoolIdle sets the idle DB connection count gauge.
func (h *HealthMetricsRecorder) SetDBPoolIdle(n int64) {
	if !h.tp.on() {
		return
	}
	h.tp.dbPoolIdle.Set(float64(n))
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.on() {
				return next(c)
			}

			tp.httpActive.Inc()
			start := time.Now()

			err := next(c)

			tp.httpActive.Dec()
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			tp.httpDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler returns an Echo handler that serves the registry in
// Prometheus text exposition format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{}))
}
