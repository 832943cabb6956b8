// Package telemetry provides observability for shipyard deployment runs.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an event publisher. Each part
// plugs into the engine's collaborator interfaces:
//
//   - *Logger implements engine.LogSink
//   - *Notifier implements engine.NotificationSink and republishes each
//     notification on the EventPublisher
//   - *Metrics and *EventPublisher implement engine.EventSink
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	deps := tel.Instrument(engine.Dependencies{Commands: executor}, historyStore)
//	orch, err := engine.NewOrchestrator(deps)
//
// Instrument routes every step transition and run event through the
// Prometheus collectors, the event publisher and any extra sinks.
//
// # Tracing
//
// The engine starts its spans through the global OpenTelemetry provider.
// NewTracer installs an SDK provider as the global one when tracing is
// enabled, exporting over OTLP/gRPC or to stdout. With tracing disabled the
// global no-op provider stays in place.
//
// # Metrics
//
// Metrics are registered on a private registry and served by
// Metrics.StartMetricsServer:
//
//   - runs_started_total{provider,environment}
//   - runs_finished_total{status} and run_duration_seconds{status}
//   - active_runs and deployment_progress_percent
//   - steps_finished_total{status} and step_duration_seconds{status}
//   - step_retries_total{code} and step_failures_total{code,category}
//   - steps_skipped_total
//   - rollback_steps_total{outcome}
//   - readiness_warnings_total{category}
//
// All names carry the configured namespace prefix, "shipyard" by default.
//
// # Events
//
// EventPublisher converts engine events to Event values and delivers them to
// subscribers, synchronously or through a bounded buffer. Delivery order
// matches publish order. A full buffer drops the event and counts it.
//
// # Configuration
//
// Config is loaded from YAML with LoadConfig. DefaultConfig, DevelopmentConfig
// and ProductionConfig provide starting points.
package telemetry
