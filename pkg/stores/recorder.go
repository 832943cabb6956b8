package stores

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/rs/zerolog"
)

// writeTimeout bounds each history write made by a Recorder.
const writeTimeout = 5 * time.Second

// Recorder writes run history to a Store. It implements engine.EventSink.
// Write failures are logged and counted; they never interrupt a run.
type Recorder struct {
	store    Store
	logger   zerolog.Logger
	pipeline string
	failures atomic.Int64
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithPipeline records the pipeline file each run came from.
func WithPipeline(path string) RecorderOption {
	return func(r *Recorder) {
		r.pipeline = path
	}
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, logger zerolog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  store,
		logger: logger.With().Str("component", "history").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Failures returns how many history writes have failed.
func (r *Recorder) Failures() int64 {
	return r.failures.Load()
}

// StepChanged implements engine.EventSink.
func (r *Recorder) StepChanged(ctx context.Context, runID string, change engine.StepChange) {
	ctx, cancel := writeContext(ctx)
	defer cancel()

	step := change.Step
	r.check(r.store.UpsertStep(ctx, &StepRecord{
		RunID:        runID,
		StepID:       step.ID,
		Title:        step.Title,
		Status:       step.Status,
		Progress:     step.Progress,
		ErrorCode:    step.ErrorCode,
		ErrorMessage: step.ErrorMessage,
	}), runID, "step")
}

// RunEvent implements engine.EventSink.
func (r *Recorder) RunEvent(ctx context.Context, event engine.RunEvent) {
	ctx, cancel := writeContext(ctx)
	defer cancel()

	if event.Type == engine.EventTypeRunStarted {
		steps, _ := event.Data["steps"].(int)
		err := r.store.CreateRun(ctx, &Run{
			ID:          event.RunID,
			Provider:    engine.CloudProvider(stringData(event.Data, "provider")),
			Environment: engine.Environment(stringData(event.Data, "environment")),
			Region:      stringData(event.Data, "region"),
			ClusterName: stringData(event.Data, "cluster"),
			Namespace:   stringData(event.Data, "namespace"),
			Pipeline:    r.pipeline,
			Status:      engine.RunStatusRunning,
			StepCount:   steps,
			StartedAt:   event.Timestamp,
		})
		if !r.check(err, event.RunID, "run") {
			return
		}
	}

	id := event.ID
	if id == "" {
		id = uuid.New().String()
	}
	r.check(r.store.AppendEvent(ctx, &EventRecord{
		ID:        id,
		RunID:     event.RunID,
		Type:      event.Type,
		StepID:    event.StepID,
		Level:     event.Level,
		Message:   event.Message,
		Data:      event.Data,
		Timestamp: event.Timestamp,
	}), event.RunID, "event")

	switch event.Type {
	case engine.EventTypeRunCompleted, engine.EventTypeRunFailed,
		engine.EventTypeRunCancelled, engine.EventTypeRunAborted:
		progress, _ := event.Data["progress"].(float64)
		completed, _ := event.Data["completed"].(int)
		r.check(r.store.FinishRun(ctx, event.RunID, RunOutcome{
			Status:         engine.RunStatus(stringData(event.Data, "status")),
			Progress:       progress,
			CompletedCount: completed,
			FailedStepID:   stringData(event.Data, "failed_step"),
			ErrorCode:      stringData(event.Data, "code"),
			Error:          stringData(event.Data, "error"),
			CompletedAt:    event.Timestamp,
		}), event.RunID, "run outcome")
	}
}

func (r *Recorder) check(err error, runID, what string) bool {
	if err == nil {
		return true
	}
	r.failures.Add(1)
	r.logger.Warn().Err(err).Str("run_id", runID).Msgf("Failed to record %s", what)
	return false
}

// writeContext keeps history writes alive after the run context is cancelled
// so cancelled runs are still recorded.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}

func stringData(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}
