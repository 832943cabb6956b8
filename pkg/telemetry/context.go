package telemetry

import (
	"context"
	"errors"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// maxNotifications bounds the notifications kept by the bundle's Notifier.
const maxNotifications = 100

// Telemetry bundles logging, tracing, metrics, events and notifications.
type Telemetry struct {
	Logger   *Logger
	Tracer   *Tracer
	Metrics  *Metrics
	Events   *EventPublisher
	Notifier *Notifier
	Config   *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a telemetry bundle from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	notifier := NewNotifier(logger, maxNotifications)
	notifier.OnNotify(events.Notification)

	return &Telemetry{
		Logger:   logger,
		Tracer:   tracer,
		Metrics:  metrics,
		Events:   events,
		Notifier: notifier,
		Config:   cfg,
	}, nil
}

// Sink returns an event sink feeding metrics, the event publisher and any
// extra sinks, in that order.
func (t *Telemetry) Sink(extra ...engine.EventSink) engine.EventSink {
	sinks := []engine.EventSink{t.Metrics, t.Events}
	return FanOut(append(sinks, extra...)...)
}

// Instrument fills the logging, notification and event collaborators of
// deps. Extra sinks, such as a run history store, receive events as well.
func (t *Telemetry) Instrument(deps engine.Dependencies, extra ...engine.EventSink) engine.Dependencies {
	deps.Log = t.Logger.NewComponentLogger("engine")
	deps.Notify = t.Notifier
	deps.Events = t.Sink(extra...)
	return deps
}

// WithContext adds the telemetry bundle and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry bundle from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Flush forces pending spans to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// Shutdown drains pending events, flushes spans and closes the log output.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
