package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/shipyard/pkg/engine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{}, "shipyard", "test", "development")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	ctx, span := tracer.Start(context.Background(), "noop")
	span.End()

	if TraceID(ctx) != "" {
		t.Error("disabled tracer produced a valid trace")
	}
	if err := tracer.ForceFlush(ctx); err != nil {
		t.Errorf("ForceFlush() error = %v", err)
	}
	if err := tracer.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestTracerStdoutExporter(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	var buf bytes.Buffer
	tracer, err := newTracer(TracingConfig{
		Enabled:      true,
		Exporter:     "stdout",
		SamplingRate: 1,
	}, "shipyard", "test", "staging", &buf)
	if err != nil {
		t.Fatalf("newTracer() error = %v", err)
	}

	ctx, span := tracer.StartCommandSpan(context.Background(), "deploy", engine.DeploymentConfig{
		Provider:    engine.ProviderAWS,
		Environment: engine.EnvironmentStaging,
		ClusterName: "platform",
	})
	traceID := TraceID(ctx)
	if traceID == "" {
		t.Fatal("span has no trace ID")
	}
	RecordError(span, errors.New("step deploy-api failed"))
	span.End()

	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"shipyard.deploy", traceID, "deployment.cluster", "step deploy-api failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("exported span does not contain %q", want)
		}
	}
}

func TestTracerUnsupportedExporter(t *testing.T) {
	_, err := NewTracer(TracingConfig{Enabled: true, Exporter: "jaeger"}, "shipyard", "test", "development")
	if err == nil || !strings.Contains(err.Error(), "unsupported trace exporter") {
		t.Fatalf("NewTracer() error = %v, want unsupported exporter", err)
	}
}
