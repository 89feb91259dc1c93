package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/runway/pkg/engine"
)

// Metrics provides Prometheus metrics for runway.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Node metrics
	nodesApplied *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec

	// Pipeline metrics
	stageTransitions *prometheus.CounterVec

	// Policy metrics
	policyViolations *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of apply runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of apply runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of apply runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of apply runs in progress",
			},
		),

		nodesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_applied_total",
				Help:      "Total number of graph nodes applied",
			},
			[]string{"kind", "operation", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of node applies in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		stageTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_transitions_total",
				Help:      "Total number of pipeline stage transitions",
			},
			[]string{"pipeline", "stage"},
		),

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations and warnings",
			},
			[]string{"policy", "severity"},
		),
	}

	collectors := []prometheus.Collector{
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.nodesApplied,
		m.nodeDuration,
		m.stageTransitions,
		m.policyViolations,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Registry returns the registry metrics are registered with, or nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunStarted records the start of an apply run.
func (m *Metrics) RecordRunStarted() {
	if m.registry == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// ObserveEvent is an EventSubscriber that tracks runs the orchestrator starts.
func (m *Metrics) ObserveEvent(_ context.Context, event *engine.Event) error {
	if event.Type == engine.EventTypeRunStarted {
		m.RecordRunStarted()
	}
	return nil
}

// RecordRunCompleted records a finished apply run.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordNodeApplied records a node the orchestrator finished.
func (m *Metrics) RecordNodeApplied(kind, operation, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.nodesApplied.WithLabelValues(kind, operation, status).Inc()
	m.nodeDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordStageAdvanced records a pipeline stage transition.
func (m *Metrics) RecordStageAdvanced(pipeline, stage string) {
	if m.registry == nil {
		return
	}
	m.stageTransitions.WithLabelValues(pipeline, stage).Inc()
}

// RecordPolicyViolation records a policy finding.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.registry == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MetricsServer serves the metrics endpoint until shut down.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
}

// StartMetricsServer starts an HTTP server exposing metrics on the configured
// listen address. It returns nil when metrics are disabled or no address is set.
func (m *Metrics) StartMetricsServer() (*MetricsServer, error) {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return nil, err
	}

	ms := &MetricsServer{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		errCh:    make(chan error, 1),
	}
	go func() {
		err := ms.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		ms.errCh <- err
	}()

	return ms, nil
}

// Addr returns the address the server listens on.
func (ms *MetricsServer) Addr() string {
	return ms.listener.Addr().String()
}

// Shutdown stops the server and returns any serve error.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	if ms == nil {
		return nil
	}
	if err := ms.server.Shutdown(ctx); err != nil {
		return err
	}
	return <-ms.errCh
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
