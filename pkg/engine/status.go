package engine

import (
	"encoding/json"
	"fmt"
)

// StepStatus represents the lifecycle state of a deployment step.
type StepStatus string

const (
	// StepStatusPending indicates the step has not run, or was skipped because a
	// dependency did not succeed.
	StepStatusPending StepStatus = "pending"

	// StepStatusInProgress indicates the step is currently executing.
	StepStatusInProgress StepStatus = "in-progress"

	// StepStatusSuccess indicates the step completed successfully.
	StepStatusSuccess StepStatus = "success"

	// StepStatusWarning indicates the step finished without doing any work
	// (for example a placeholder step with no command).
	StepStatusWarning StepStatus = "warning"

	// StepStatusError indicates the step failed after exhausting its retries.
	StepStatusError StepStatus = "error"

	// StepStatusRollingBack indicates the step's rollback action is running.
	StepStatusRollingBack StepStatus = "rolling-back"

	// StepStatusRolledBack indicates the step's effects were undone.
	StepStatusRolledBack StepStatus = "rolled-back"

	// StepStatusRollbackSkipped indicates the step has no automatic rollback.
	StepStatusRollbackSkipped StepStatus = "rollback-skipped"

	// StepStatusRollbackFailed indicates the step's rollback action failed.
	StepStatusRollbackFailed StepStatus = "rollback-failed"
)

// IsTerminal returns true if the status ends a normal (non-rollback) run of the step.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSuccess || s == StepStatusWarning || s == StepStatusError
}

// IsRollback returns true if the status belongs to the rollback lifecycle.
func (s StepStatus) IsRollback() bool {
	return s == StepStatusRollingBack || s == StepStatusRolledBack ||
		s == StepStatusRollbackSkipped || s == StepStatusRollbackFailed
}

// IsCompleted returns true if the step counts as done for progress reporting.
func (s StepStatus) IsCompleted() bool {
	return s == StepStatusSuccess || s == StepStatusWarning
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusInProgress, StepStatusSuccess,
		StepStatusWarning, StepStatusError, StepStatusRollingBack,
		StepStatusRolledBack, StepStatusRollbackSkipped, StepStatusRollbackFailed:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := StepStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// RunStatus represents the overall status of a deployment run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is executing steps.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted indicates every applicable step finished without failure.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates a step failed and the run halted.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run stopped at a step boundary after a cancel request.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusAborted indicates the run was rejected before any step executed.
	RunStatusAborted RunStatus = "aborted"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusAborted
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed,
		RunStatusCancelled, RunStatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := RunStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// CloudProvider identifies the cloud a deployment targets.
type CloudProvider string

const (
	// ProviderAWS targets Amazon Web Services.
	ProviderAWS CloudProvider = "aws"

	// ProviderAzure targets Microsoft Azure.
	ProviderAzure CloudProvider = "azure"

	// ProviderGCP targets Google Cloud Platform.
	ProviderGCP CloudProvider = "gcp"

	// ProviderCustom targets a self-managed cluster.
	ProviderCustom CloudProvider = "custom"
)

// Validate checks if the provider is supported.
func (p CloudProvider) Validate() error {
	switch p {
	case ProviderAWS, ProviderAzure, ProviderGCP, ProviderCustom:
		return nil
	default:
		return fmt.Errorf("unsupported cloud provider: %s", p)
	}
}

// Environment is the deployment stage.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentStaging     Environment = "staging"
	EnvironmentProduction  Environment = "production"
)

// IsProduction returns true for the production environment.
func (e Environment) IsProduction() bool {
	return e == EnvironmentProduction
}

// Validate checks if the environment is valid.
func (e Environment) Validate() error {
	switch e {
	case EnvironmentDevelopment, EnvironmentStaging, EnvironmentProduction:
		return nil
	default:
		return fmt.Errorf("invalid environment: %s", e)
	}
}

// EventType represents the type of run event.
type EventType string

const (
	EventTypeRunStarted        EventType = "run_started"
	EventTypeRunCompleted      EventType = "run_completed"
	EventTypeRunFailed         EventType = "run_failed"
	EventTypeRunCancelled      EventType = "run_cancelled"
	EventTypeRunAborted        EventType = "run_aborted"
	EventTypeStepStarted       EventType = "step_started"
	EventTypeStepCompleted     EventType = "step_completed"
	EventTypeStepFailed        EventType = "step_failed"
	EventTypeStepSkipped       EventType = "step_skipped"
	EventTypeStepRetry         EventType = "step_retry"
	EventTypeProgress          EventType = "progress"
	EventTypeRollbackStarted   EventType = "rollback_started"
	EventTypeRollbackStep      EventType = "rollback_step"
	EventTypeRollbackCompleted EventType = "rollback_completed"
	EventTypeReadinessWarning  EventType = "readiness_warning"
)
