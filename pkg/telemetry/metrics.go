package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the agent.
// All recording methods are safe on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Plan metrics
	plansReceived  *prometheus.CounterVec
	plansCompleted *prometheus.CounterVec
	planDuration   *prometheus.HistogramVec

	// Command metrics
	commandsExecuted *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec

	// Transport metrics
	signatureRejections prometheus.Counter
	transportErrors     *prometheus.CounterVec
	resultsSent         prometheus.Counter

	// Supervisor metrics
	admissionRejections *prometheus.CounterVec
	backoffWaits        prometheus.Counter
	backoffSeconds      prometheus.Counter
	reboots             prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// System metrics
	activePlans    prometheus.Gauge
	pendingResults prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_received_total",
				Help:      "Total number of plans picked up for execution",
			},
			[]string{"source"},
		),
		plansCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_completed_total",
				Help:      "Total number of plan runs by terminal status",
			},
			[]string{"status"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Duration of plan execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		commandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_executed_total",
				Help:      "Total number of plan commands executed",
			},
			[]string{"status"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of command execution in seconds",
				Buckets:   buckets,
			},
			[]string{"command"},
		),

		signatureRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signature_rejections_total",
				Help:      "Total number of inbound messages discarded for a bad or missing signature",
			},
		),
		transportErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_errors_total",
				Help:      "Total number of broker errors by operation",
			},
			[]string{"operation"},
		),
		resultsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "results_sent_total",
				Help:      "Total number of result messages published",
			},
		),

		admissionRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_rejections_total",
				Help:      "Total number of plans rejected before execution",
			},
			[]string{"reason"},
		),
		backoffWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backoff_waits_total",
				Help:      "Total number of backoff waits after loop errors",
			},
		),
		backoffSeconds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backoff_seconds_total",
				Help:      "Total seconds spent in backoff",
			},
		),
		reboots: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reboots_total",
				Help:      "Total number of host reboots requested by plans",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		activePlans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_plans",
				Help:      "Number of plans currently executing",
			},
		),
		pendingResults: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_results",
				Help:      "Number of result files waiting for upload",
			},
		),
	}

	registry.MustRegister(
		m.plansReceived,
		m.plansCompleted,
		m.planDuration,
		m.commandsExecuted,
		m.commandDuration,
		m.signatureRejections,
		m.transportErrors,
		m.resultsSent,
		m.admissionRejections,
		m.backoffWaits,
		m.backoffSeconds,
		m.reboots,
		m.errorsByClass,
		m.activePlans,
		m.pendingResults,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Plan Metrics

// RecordPlanReceived counts a plan picked up from the broker or from disk.
func (m *Metrics) RecordPlanReceived(source string) {
	if !m.enabled() {
		return
	}
	m.plansReceived.WithLabelValues(source).Inc()
}

// RecordPlanStarted marks a plan as executing.
func (m *Metrics) RecordPlanStarted() {
	if !m.enabled() {
		return
	}
	m.activePlans.Inc()
}

// RecordPlanCompleted records a finished plan run with its status and duration.
func (m *Metrics) RecordPlanCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.plansCompleted.WithLabelValues(status).Inc()
	m.planDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activePlans.Dec()
}

// Command Metrics

// RecordCommandExecution records one command invocation.
func (m *Metrics) RecordCommandExecution(command, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.commandsExecuted.WithLabelValues(status).Inc()
	m.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// Transport Metrics

// RecordSignatureRejection counts a discarded inbound message.
func (m *Metrics) RecordSignatureRejection() {
	if !m.enabled() {
		return
	}
	m.signatureRejections.Inc()
}

// RecordTransportError counts a broker failure for an operation (connect, consume, publish).
func (m *Metrics) RecordTransportError(operation string) {
	if !m.enabled() {
		return
	}
	m.transportErrors.WithLabelValues(operation).Inc()
}

// RecordResultSent counts a published result.
func (m *Metrics) RecordResultSent() {
	if !m.enabled() {
		return
	}
	m.resultsSent.Inc()
}

// Supervisor Metrics

// RecordAdmissionRejection counts a plan refused before execution.
func (m *Metrics) RecordAdmissionRejection(reason string) {
	if !m.enabled() {
		return
	}
	m.admissionRejections.WithLabelValues(reason).Inc()
}

// RecordBackoff records one backoff wait of the given length.
func (m *Metrics) RecordBackoff(wait time.Duration) {
	if !m.enabled() {
		return
	}
	m.backoffWaits.Inc()
	m.backoffSeconds.Add(wait.Seconds())
}

// RecordReboot counts a reboot request.
func (m *Metrics) RecordReboot() {
	if !m.enabled() {
		return
	}
	m.reboots.Inc()
}

// SetPendingResults sets the number of result files waiting for upload.
func (m *Metrics) SetPendingResults(count int) {
	if !m.enabled() {
		return
	}
	m.pendingResults.Set(float64(count))
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Serve errors are
// reported through errFn, which may be nil.
func (m *Metrics) StartMetricsServer(errFn func(error)) error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := m.server
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errFn != nil {
			errFn(err)
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
