package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Run is a recorded deployment run.
type Run struct {
	ID             string               `json:"id"`
	Provider       engine.CloudProvider `json:"provider"`
	Environment    engine.Environment   `json:"environment"`
	Region         string               `json:"region"`
	ClusterName    string               `json:"cluster_name"`
	Namespace      string               `json:"namespace"`
	Pipeline       string               `json:"pipeline,omitempty"` // source file path
	Status         engine.RunStatus     `json:"status"`
	StepCount      int                  `json:"step_count"`
	CompletedCount int                  `json:"completed_count"`
	Progress       float64              `json:"progress"`
	FailedStepID   string               `json:"failed_step_id,omitempty"`
	ErrorCode      string               `json:"error_code,omitempty"`
	Error          string               `json:"error,omitempty"`
	StartedAt      time.Time            `json:"started_at"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Duration is the wall-clock length of a finished run, or zero.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunOutcome is the final state written when a run ends.
type RunOutcome struct {
	Status         engine.RunStatus
	Progress       float64
	CompletedCount int
	FailedStepID   string
	ErrorCode      string
	Error          string
	CompletedAt    time.Time
}

// StepRecord is the last known state of a step within a run.
type StepRecord struct {
	RunID        string            `json:"run_id"`
	StepID       string            `json:"step_id"`
	Title        string            `json:"title"`
	Status       engine.StepStatus `json:"status"`
	Progress     int               `json:"progress"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// EventRecord is an append-only run event.
type EventRecord struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id"`
	Type      engine.EventType       `json:"type"`
	StepID    string                 `json:"step_id,omitempty"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Environment engine.Environment
	Status      engine.RunStatus
	Limit       int
	Offset      int
}

// Store defines the run history persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, outcome RunOutcome) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, keep int) (int64, error)

	// Step operations
	UpsertStep(ctx context.Context, step *StepRecord) error
	GetRunSteps(ctx context.Context, runID string) ([]*StepRecord, error)
	SucceededStepIDs(ctx context.Context, runID string) ([]string, error)

	// Event operations
	AppendEvent(ctx context.Context, event *EventRecord) error
	GetEvents(ctx context.Context, runID string, limit int) ([]*EventRecord, error)
}
