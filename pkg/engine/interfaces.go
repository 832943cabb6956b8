package engine

import (
	"context"
	"time"
)

// CommandRequest is a single command invocation.
type CommandRequest struct {
	// StepID is the step the command belongs to.
	StepID string

	// Command is the command to run.
	Command string

	// Provider is the target cloud.
	Provider CloudProvider

	// Region is the provider region.
	Region string

	// Environment is the deployment stage.
	Environment Environment

	// Timeout is the invocation deadline. The context passed to Execute is
	// cancelled when it elapses.
	Timeout time.Duration

	// OnProgress reports completion percentages. Values must not decrease.
	OnProgress func(pct int)
}

// CommandResult is the outcome of a command invocation.
type CommandResult struct {
	Success      bool                   `json:"success"`
	Logs         []string               `json:"logs,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	ErrorDetails map[string]interface{} `json:"error_details,omitempty"`
	Progress     int                    `json:"progress,omitempty"`
}

// CommandExecutor runs step commands against the target.
type CommandExecutor interface {
	// Execute runs the command. A failed command is reported either as a
	// result with Success false or as an error.
	Execute(ctx context.Context, req CommandRequest) (*CommandResult, error)
}

// ClusterConnector connects to the target cluster for the built-in connect step.
type ClusterConnector interface {
	// Connect returns false if the cluster could not be reached.
	Connect(ctx context.Context, cfg DeploymentConfig) (bool, error)
}

// LogLevel is the severity of a log line sent to a LogSink.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelSuccess LogLevel = "success"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// LogSink receives deployment log lines. Implementations must not panic.
type LogSink interface {
	Log(message string, level LogLevel, fields map[string]interface{})
}

// NotificationSink receives user-facing notifications. Delivery is best effort.
type NotificationSink interface {
	Notify(title, message string, severity Severity)
}

// EventSink observes step state changes and run events.
type EventSink interface {
	StepChanged(ctx context.Context, runID string, change StepChange)
	RunEvent(ctx context.Context, event RunEvent)
}

// ConfigValidator validates a deployment configuration before a run.
type ConfigValidator interface {
	ValidateConfig(cfg DeploymentConfig) ValidationResult
}

// ReadinessChecker runs the environment readiness checks required for production.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context, cfg DeploymentConfig) ([]ReadinessCheck, error)
}

type nopLogSink struct{}

func (nopLogSink) Log(string, LogLevel, map[string]interface{}) {}

type nopNotificationSink struct{}

func (nopNotificationSink) Notify(string, string, Severity) {}

type nopEventSink struct{}

func (nopEventSink) StepChanged(context.Context, string, StepChange) {}
func (nopEventSink) RunEvent(context.Context, RunEvent)              {}

// MultiEventSink fans events out to several sinks in order.
type MultiEventSink []EventSink

// StepChanged implements EventSink.
func (m MultiEventSink) StepChanged(ctx context.Context, runID string, change StepChange) {
	for _, s := range m {
		s.StepChanged(ctx, runID, change)
	}
}

// RunEvent implements EventSink.
func (m MultiEventSink) RunEvent(ctx context.Context, event RunEvent) {
	for _, s := range m {
		s.RunEvent(ctx, event)
	}
}
