package engine

import (
	"context"
	"time"
)

// StepAction selects how a step is executed.
type StepAction string

const (
	// ActionCommand runs the step's command through the CommandExecutor.
	ActionCommand StepAction = "command"

	// ActionConnect connects to the target cluster through the ClusterConnector.
	ActionConnect StepAction = "connect"
)

// ConnectStepID is the step id treated as a connect action even without an explicit Action.
const ConnectStepID = "connect-cluster"

// DeploymentStep is a single unit of deployment work.
type DeploymentStep struct {
	// ID is the stable key of the step, unique within a run.
	ID string `json:"id" yaml:"id"`

	// Title is the human-readable name of the step.
	Title string `json:"title" yaml:"title"`

	// Description explains what the step does.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Status is the current lifecycle state.
	Status StepStatus `json:"status" yaml:"status,omitempty"`

	// Progress is the completion percentage (0-100).
	Progress int `json:"progress" yaml:"progress,omitempty"`

	// Command is the command passed to the CommandExecutor. Empty means no-op
	// unless Action names a built-in.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Action selects a built-in action. Empty means ActionCommand.
	Action StepAction `json:"action,omitempty" yaml:"action,omitempty"`

	// DependsOn lists step ids that must succeed before this step runs.
	DependsOn []string `json:"depends_on,omitempty" yaml:"dependsOn,omitempty"`

	// Provider restricts the step to one cloud provider. Empty applies to all.
	Provider CloudProvider `json:"provider,omitempty" yaml:"provider,omitempty"`

	// Timeout overrides the run-level per-invocation timeout when non-zero.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ErrorMessage is set only while the step is in an error state.
	ErrorMessage string `json:"error_message,omitempty" yaml:"-"`

	// ErrorCode is the standard code of the failure.
	ErrorCode string `json:"error_code,omitempty" yaml:"-"`

	// ErrorDetails keeps the technical details of the failure.
	ErrorDetails map[string]interface{} `json:"error_details,omitempty" yaml:"-"`

	// OutputLog collects the command output lines.
	OutputLog []string `json:"output_log,omitempty" yaml:"-"`

	// Rollback undoes the step's effects. Nil means ManualRollback.
	Rollback Rollback `json:"-" yaml:"-"`
}

// IsConnect returns true if the step is the built-in connect action.
func (s *DeploymentStep) IsConnect() bool {
	return s.Action == ActionConnect || (s.Action == "" && s.ID == ConnectStepID)
}

// IsNoop returns true if the step has no command and no built-in action.
func (s *DeploymentStep) IsNoop() bool {
	return s.Command == "" && !s.IsConnect()
}

// AppliesTo returns true if the step runs for the given provider.
func (s *DeploymentStep) AppliesTo(provider CloudProvider) bool {
	return s.Provider == "" || s.Provider == provider
}

// Rollback describes whether a step can be undone automatically.
// The two variants are RollbackAction and ManualRollback.
type Rollback interface {
	isRollback()
}

// RollbackAction undoes a step by running Run once.
type RollbackAction struct {
	// Description says what the action undoes.
	Description string

	// Run performs the rollback.
	Run func(ctx context.Context) error
}

// ManualRollback marks a step that needs manual intervention to undo.
type ManualRollback struct {
	// Reason explains why the step cannot be rolled back automatically.
	Reason string
}

func (RollbackAction) isRollback() {}
func (ManualRollback) isRollback() {}

// StepPatch is a partial update of a step. Nil fields are left unchanged.
type StepPatch struct {
	Status       *StepStatus
	Progress     *int
	ErrorMessage *string
	ErrorCode    *string
	ErrorDetails map[string]interface{}

	// AppendLog lines are appended to the step's output log.
	AppendLog []string

	// ClearError removes any error fields.
	ClearError bool

	// WhileRunning drops the patch unless the step is in progress.
	WhileRunning bool
}

// SetStatus returns a patch that sets status and progress.
func SetStatus(status StepStatus, progress int) StepPatch {
	return StepPatch{Status: &status, Progress: &progress}
}

// SetProgress returns a patch that only sets progress.
func SetProgress(progress int) StepPatch {
	return StepPatch{Progress: &progress}
}

// ReportProgress returns a progress patch that is ignored once the step has
// left in-progress.
func ReportProgress(progress int) StepPatch {
	return StepPatch{Progress: &progress, WhileRunning: true}
}

// AppendLog returns a patch that appends output lines.
func AppendLog(lines ...string) StepPatch {
	return StepPatch{AppendLog: lines}
}

// SetError returns a patch that marks the step failed with err.
func SetError(err *DeploymentError) StepPatch {
	status := StepStatusError
	progress := 0
	msg := err.Message
	code := err.Code
	return StepPatch{
		Status:       &status,
		Progress:     &progress,
		ErrorMessage: &msg,
		ErrorCode:    &code,
		ErrorDetails: err.StepDetails(),
	}
}

// StepChange is published after every successful StepStore update.
type StepChange struct {
	// Step is a copy of the step after the update.
	Step DeploymentStep

	// Previous is the status before the update.
	Previous StepStatus
}

// DeploymentConfig describes the deployment target.
type DeploymentConfig struct {
	// Provider is the target cloud.
	Provider CloudProvider `json:"provider" yaml:"provider" validate:"required,oneof=aws azure gcp custom"`

	// Environment is the deployment stage.
	Environment Environment `json:"environment" yaml:"environment" validate:"required,oneof=development staging production"`

	// Region is the provider region.
	Region string `json:"region" yaml:"region" validate:"required"`

	// ClusterName is the target cluster.
	ClusterName string `json:"cluster_name" yaml:"clusterName" validate:"required"`

	// Namespace is the Kubernetes namespace to deploy into.
	Namespace string `json:"namespace" yaml:"namespace" validate:"required,k8sname"`

	// ResourcePrefix prefixes the names of created resources.
	ResourcePrefix string `json:"resource_prefix,omitempty" yaml:"resourcePrefix,omitempty"`

	// Tags are applied to created resources.
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// ValidationResult is the outcome of validating a DeploymentConfig.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ReadinessCategory groups environment readiness checks.
type ReadinessCategory string

const (
	ReadinessSecurity         ReadinessCategory = "security"
	ReadinessHighAvailability ReadinessCategory = "high-availability"
	ReadinessBackup           ReadinessCategory = "backup"
	ReadinessMonitoring       ReadinessCategory = "monitoring"
	ReadinessEnvironment      ReadinessCategory = "environment"
)

// ReadinessCheck is the result of one environment readiness check.
type ReadinessCheck struct {
	Name     string            `json:"name"`
	Category ReadinessCategory `json:"category"`
	Passed   bool              `json:"passed"`
	Critical bool              `json:"critical"`
	Message  string            `json:"message,omitempty"`
}

// RetryStrategy configures retries of a failing step.
type RetryStrategy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"maxAttempts"`

	// InitialDelay is the base backoff delay.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initialDelay"`

	// BackoffFactor multiplies the delay for each further attempt.
	BackoffFactor float64 `json:"backoff_factor" yaml:"backoffFactor"`

	// MaxDelay caps the backoff delay before jitter.
	MaxDelay time.Duration `json:"max_delay" yaml:"maxDelay"`
}

// RunEvent is a run-level event delivered to the EventSink.
type RunEvent struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	StepID    string                 `json:"step_id,omitempty"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Progress  float64                `json:"progress,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// RunResult is the outcome of Orchestrator.Run.
type RunResult struct {
	RunID           string           `json:"run_id"`
	Status          RunStatus        `json:"status"`
	Config          DeploymentConfig `json:"config"`
	Steps           []DeploymentStep `json:"steps"`
	CompletedIDs    []string         `json:"completed_ids"`
	FailedStepID    string           `json:"failed_step_id,omitempty"`
	Error           *DeploymentError `json:"error,omitempty"`
	OverallProgress float64          `json:"overall_progress"`
	Readiness       []ReadinessCheck `json:"readiness,omitempty"`
	Rollback        *RollbackReport  `json:"rollback,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     time.Time        `json:"completed_at"`
}

// Duration returns how long the run took.
func (r *RunResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// RollbackEntry records the rollback outcome of one step.
type RollbackEntry struct {
	StepID   string        `json:"step_id"`
	Outcome  StepStatus    `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RollbackReport summarizes a rollback pass.
type RollbackReport struct {
	// Requested is the completion-order list the rollback was invoked with.
	Requested []string `json:"requested"`

	// Entries are in the order the steps were processed.
	Entries []RollbackEntry `json:"entries"`

	// ManualIntervention lists steps that could not be rolled back automatically.
	ManualIntervention []string `json:"manual_intervention,omitempty"`
}

// Failed returns true if any rollback action failed.
func (r *RollbackReport) Failed() bool {
	for _, e := range r.Entries {
		if e.Outcome == StepStatusRollbackFailed {
			return true
		}
	}
	return false
}
