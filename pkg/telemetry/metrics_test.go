package telemetry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m
}

func stepChange(id string, status, previous engine.StepStatus) engine.StepChange {
	return engine.StepChange{
		Step:     engine.DeploymentStep{ID: id, Status: status},
		Previous: previous,
	}
}

func TestMetricsRunLifecycle(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	m.RunEvent(ctx, engine.RunEvent{
		RunID:     "run-1",
		Type:      engine.EventTypeRunStarted,
		Timestamp: start,
		Data:      map[string]interface{}{"provider": "aws", "environment": "production"},
	})
	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Errorf("active_runs = %v, want 1", got)
	}

	m.RunEvent(ctx, engine.RunEvent{RunID: "run-1", Type: engine.EventTypeProgress, Progress: 62.5})
	if got := testutil.ToFloat64(m.progress); got != 62.5 {
		t.Errorf("progress = %v, want 62.5", got)
	}

	m.RunEvent(ctx, engine.RunEvent{
		RunID:     "run-1",
		Type:      engine.EventTypeRunFailed,
		Timestamp: start.Add(90 * time.Second),
		Data:      map[string]interface{}{"status": "failed"},
	})

	if got := testutil.ToFloat64(m.runsStarted.WithLabelValues("aws", "production")); got != 1 {
		t.Errorf("runs_started_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.runsFinished.WithLabelValues("failed")); got != 1 {
		t.Errorf("runs_finished_total{failed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("active_runs = %v, want 0", got)
	}
	if got := testutil.CollectAndCount(m.runDuration); got != 1 {
		t.Errorf("run_duration_seconds series = %d, want 1", got)
	}
	if len(m.runStarts) != 0 {
		t.Errorf("run start times not released: %v", m.runStarts)
	}
}

func TestMetricsStepDurations(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.StepChanged(ctx, "run-1", stepChange("deploy", engine.StepStatusInProgress, engine.StepStatusPending))
	now = now.Add(30 * time.Second)
	// progress updates do not restart the timer
	m.StepChanged(ctx, "run-1", stepChange("deploy", engine.StepStatusInProgress, engine.StepStatusInProgress))
	now = now.Add(15 * time.Second)
	m.StepChanged(ctx, "run-1", stepChange("deploy", engine.StepStatusSuccess, engine.StepStatusInProgress))
	// rollback transitions of a finished step are not counted again
	m.StepChanged(ctx, "run-1", stepChange("deploy", engine.StepStatusRollingBack, engine.StepStatusSuccess))

	if got := testutil.ToFloat64(m.stepsFinished.WithLabelValues("success")); got != 1 {
		t.Errorf("steps_finished_total{success} = %v, want 1", got)
	}

	expected := `
# HELP shipyard_step_duration_seconds Duration of step execution in seconds, retries included
# TYPE shipyard_step_duration_seconds histogram
shipyard_step_duration_seconds_bucket{status="success",le="0.1"} 0
shipyard_step_duration_seconds_bucket{status="success",le="0.5"} 0
shipyard_step_duration_seconds_bucket{status="success",le="1"} 0
shipyard_step_duration_seconds_bucket{status="success",le="5"} 0
shipyard_step_duration_seconds_bucket{status="success",le="15"} 0
shipyard_step_duration_seconds_bucket{status="success",le="30"} 0
shipyard_step_duration_seconds_bucket{status="success",le="60"} 1
shipyard_step_duration_seconds_bucket{status="success",le="120"} 1
shipyard_step_duration_seconds_bucket{status="success",le="300"} 1
shipyard_step_duration_seconds_bucket{status="success",le="600"} 1
shipyard_step_duration_seconds_bucket{status="success",le="1800"} 1
shipyard_step_duration_seconds_bucket{status="success",le="+Inf"} 1
shipyard_step_duration_seconds_sum{status="success"} 45
shipyard_step_duration_seconds_count{status="success"} 1
`
	if err := testutil.CollectAndCompare(m.stepDuration, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
}

func TestMetricsStepEvents(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()

	m.RunEvent(ctx, engine.RunEvent{Type: engine.EventTypeStepRetry, Data: map[string]interface{}{"code": "NET_TIMEOUT_001"}})
	m.RunEvent(ctx, engine.RunEvent{Type: engine.EventTypeStepRetry, Data: map[string]interface{}{"code": "NET_TIMEOUT_001"}})
	m.RunEvent(ctx, engine.RunEvent{Type: engine.EventTypeStepFailed, Data: map[string]interface{}{"code": "AWS_AUTH_001", "category": "authentication"}})
	m.RunEvent(ctx, engine.RunEvent{Type: engine.EventTypeStepSkipped})
	m.RunEvent(ctx, engine.RunEvent{Type: engine.EventTypeRollbackStep, Data: map[string]interface{}{"outcome": "rolled-back"}})
	m.RunEvent(ctx, engine.RunEvent{Type: engine.EventTypeRollbackStep, Data: map[string]interface{}{"outcome": "rollback-skipped"}})
	m.RunEvent(ctx, engine.RunEvent{Type: engine.EventTypeReadinessWarning, Data: map[string]interface{}{"category": "backup"}})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"step_retries_total", testutil.ToFloat64(m.stepRetries.WithLabelValues("NET_TIMEOUT_001")), 2},
		{"step_failures_total", testutil.ToFloat64(m.stepFailures.WithLabelValues("AWS_AUTH_001", "authentication")), 1},
		{"steps_skipped_total", testutil.ToFloat64(m.stepsSkipped), 1},
		{"rollback_steps_total{rolled-back}", testutil.ToFloat64(m.rollbackSteps.WithLabelValues("rolled-back")), 1},
		{"rollback_steps_total{rollback-skipped}", testutil.ToFloat64(m.rollbackSteps.WithLabelValues("rollback-skipped")), 1},
		{"readiness_warnings_total", testutil.ToFloat64(m.readinessWarnings.WithLabelValues("backup")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatal(err)
	}
	m.RunEvent(context.Background(), engine.RunEvent{Type: engine.EventTypeRunStarted})
	m.StepChanged(context.Background(), "run-1", stepChange("deploy", engine.StepStatusSuccess, engine.StepStatusInProgress))

	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	if err := m.StartMetricsServer(context.Background(), nil); err != nil {
		t.Errorf("StartMetricsServer() error = %v", err)
	}
}

func TestMetricsServer(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.ListenAddress = "127.0.0.1:0"
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m.RunEvent(context.Background(), engine.RunEvent{
		Type: engine.EventTypeRunStarted,
		Data: map[string]interface{}{"provider": "azure", "environment": "staging"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, buf := newJSONLogger("info")
	if err := m.StartMetricsServer(ctx, logger); err != nil {
		t.Fatalf("StartMetricsServer() error = %v", err)
	}
	addr, _ := decodeLines(t, buf)[0]["address"].(string)
	if addr == "" {
		t.Fatal("bound address was not logged")
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	want := `shipyard_runs_started_total{environment="staging",provider="azure"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("metrics output does not contain %q", want)
	}
}
