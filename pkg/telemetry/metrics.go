package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for deployment runs. It implements
// engine.EventSink.
type Metrics struct {
	config MetricsConfig
	now    func() time.Time

	// Run metrics
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	activeRuns   prometheus.Gauge
	progress     prometheus.Gauge

	// Step metrics
	stepsFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	stepFailures  *prometheus.CounterVec
	stepsSkipped  prometheus.Counter

	// Rollback and readiness metrics
	rollbackSteps     *prometheus.CounterVec
	readinessWarnings *prometheus.CounterVec

	registry *prometheus.Registry

	mu         sync.Mutex
	runStarts  map[string]time.Time
	stepStarts map[string]time.Time
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled collector accepts every call and records nothing.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:     cfg,
		now:        time.Now,
		registry:   registry,
		runStarts:  make(map[string]time.Time),
		stepStarts: make(map[string]time.Time),

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of deployment runs started",
			},
			[]string{"provider", "environment"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of deployment runs finished, by final status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of deployment runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active deployment runs",
			},
		),
		progress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deployment_progress_percent",
				Help:      "Overall progress of the most recent deployment run",
			},
		),

		stepsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_finished_total",
				Help:      "Total number of steps that reached a final status",
			},
			[]string{"status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds, retries included",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retries, by error code",
			},
			[]string{"code"},
		),
		stepFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_failures_total",
				Help:      "Total number of failed steps, by error code and category",
			},
			[]string{"code", "category"},
		),
		stepsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_skipped_total",
				Help:      "Total number of steps skipped because a dependency did not succeed",
			},
		),

		rollbackSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_steps_total",
				Help:      "Total number of steps processed during rollback, by outcome",
			},
			[]string{"outcome"},
		),
		readinessWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "readiness_warnings_total",
				Help:      "Total number of failed non-critical readiness checks",
			},
			[]string{"category"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.runDuration,
		m.activeRuns,
		m.progress,
		m.stepsFinished,
		m.stepDuration,
		m.stepRetries,
		m.stepFailures,
		m.stepsSkipped,
		m.rollbackSteps,
		m.readinessWarnings,
	)

	return m, nil
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StepChanged implements engine.EventSink. It times steps from in-progress
// to their final status.
func (m *Metrics) StepChanged(_ context.Context, runID string, change engine.StepChange) {
	if m.registry == nil {
		return
	}

	key := runID + "/" + change.Step.ID
	status := change.Step.Status

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case status == engine.StepStatusInProgress && change.Previous != engine.StepStatusInProgress:
		m.stepStarts[key] = m.now()
	case status.IsTerminal() && !change.Previous.IsTerminal():
		m.stepsFinished.WithLabelValues(string(status)).Inc()
		if started, ok := m.stepStarts[key]; ok {
			m.stepDuration.WithLabelValues(string(status)).Observe(m.now().Sub(started).Seconds())
			delete(m.stepStarts, key)
		}
	}
}

// RunEvent implements engine.EventSink.
func (m *Metrics) RunEvent(_ context.Context, event engine.RunEvent) {
	if m.registry == nil {
		return
	}

	switch event.Type {
	case engine.EventTypeRunStarted:
		provider, _ := event.Data["provider"].(string)
		environment, _ := event.Data["environment"].(string)
		m.runsStarted.WithLabelValues(provider, environment).Inc()
		m.activeRuns.Inc()
		m.progress.Set(0)
		m.mu.Lock()
		m.runStarts[event.RunID] = event.Timestamp
		m.mu.Unlock()

	case engine.EventTypeRunCompleted, engine.EventTypeRunFailed,
		engine.EventTypeRunCancelled, engine.EventTypeRunAborted:
		status, _ := event.Data["status"].(string)
		m.runsFinished.WithLabelValues(status).Inc()
		m.activeRuns.Dec()
		m.mu.Lock()
		if started, ok := m.runStarts[event.RunID]; ok {
			m.runDuration.WithLabelValues(status).Observe(event.Timestamp.Sub(started).Seconds())
			delete(m.runStarts, event.RunID)
		}
		m.mu.Unlock()

	case engine.EventTypeProgress:
		m.progress.Set(event.Progress)

	case engine.EventTypeStepRetry:
		code, _ := event.Data["code"].(string)
		m.stepRetries.WithLabelValues(code).Inc()

	case engine.EventTypeStepFailed:
		code, _ := event.Data["code"].(string)
		category, _ := event.Data["category"].(string)
		m.stepFailures.WithLabelValues(code, category).Inc()

	case engine.EventTypeStepSkipped:
		m.stepsSkipped.Inc()

	case engine.EventTypeRollbackStep:
		outcome, _ := event.Data["outcome"].(string)
		m.rollbackSteps.WithLabelValues(outcome).Inc()

	case engine.EventTypeReadinessWarning:
		category, _ := event.Data["category"].(string)
		m.readinessWarnings.WithLabelValues(category).Inc()
	}
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

// StartMetricsServer serves metrics on the configured listen address until
// ctx is done. It returns once the listener is bound.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}
	if logger == nil {
		logger = NopLogger()
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.WithField("address", ln.Addr().String()).Info("Serving metrics")
	return nil
}
