package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorCategory is the recoverability taxonomy every deployment failure maps into.
type ErrorCategory string

const (
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryAuthorization  ErrorCategory = "authorization"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryConnection     ErrorCategory = "connection"
	CategoryResource       ErrorCategory = "resource"
	CategoryValidation     ErrorCategory = "validation"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryDependency     ErrorCategory = "dependency"
	CategoryExecution      ErrorCategory = "execution"
	CategoryUnknown        ErrorCategory = "unknown"
)

// Severity ranks how serious a deployment failure is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Sentinel errors.
var (
	// ErrRunInProgress is returned when a run is requested while another is active.
	ErrRunInProgress = errors.New("a deployment run is already in progress")

	// ErrRunCancelled is returned when a run stops because cancellation was requested.
	ErrRunCancelled = errors.New("deployment run cancelled")

	// ErrStepNotFound is returned when a step id is not part of the run.
	ErrStepNotFound = errors.New("step not found")
)

// Standard error codes.
const (
	CodeAuthFailed       = "DEPLOY_AUTH_001"
	CodePermissionDenied = "DEPLOY_AUTH_002"
	CodeTokenExpired     = "DEPLOY_AUTH_003"
	CodeInvalidConfig    = "DEPLOY_CONFIG_001"
	CodeConnectionFailed = "DEPLOY_CONN_001"
	CodeRateLimited      = "DEPLOY_RATE_001"
	CodeResourceNotFound = "DEPLOY_RESOURCE_001"
	CodeValidationFailed = "DEPLOY_VALIDATION_001"
	CodeTimeout          = "DEPLOY_TIMEOUT_001"
	CodeDependencyFailed = "DEPLOY_DEP_001"
	CodeExecutionFailed  = "DEPLOY_EXEC_001"
	CodeCancelled        = "DEPLOY_CANCELLED"
	CodeUnknown          = "DEPLOY_UNKNOWN"
)

// errorDefinition is the default metadata attached to a standard code.
type errorDefinition struct {
	Message           string
	Category          ErrorCategory
	Severity          Severity
	Recoverable       bool
	RecommendedAction string
}

var standardErrors = map[string]errorDefinition{
	CodeAuthFailed: {
		Message:           "Authentication failed with cloud provider",
		Category:          CategoryAuthentication,
		Severity:          SeverityCritical,
		Recoverable:       true,
		RecommendedAction: "Check credentials and try again",
	},
	CodePermissionDenied: {
		Message:           "Insufficient permissions for deployment operation",
		Category:          CategoryAuthorization,
		Severity:          SeverityCritical,
		Recoverable:       false,
		RecommendedAction: "Contact your administrator to grant necessary permissions",
	},
	CodeTokenExpired: {
		Message:           "Cloud provider session token has expired",
		Category:          CategoryAuthentication,
		Severity:          SeverityMajor,
		Recoverable:       true,
		RecommendedAction: "Refresh the session token and try again",
	},
	CodeInvalidConfig: {
		Message:           "Invalid deployment configuration",
		Category:          CategoryConfiguration,
		Severity:          SeverityMajor,
		Recoverable:       true,
		RecommendedAction: "Correct configuration settings and try again",
	},
	CodeConnectionFailed: {
		Message:           "Failed to connect to cluster",
		Category:          CategoryConnection,
		Severity:          SeverityCritical,
		Recoverable:       true,
		RecommendedAction: "Check network connectivity and cluster endpoint",
	},
	CodeRateLimited: {
		Message:           "Request rate limit exceeded",
		Category:          CategoryConnection,
		Severity:          SeverityMinor,
		Recoverable:       true,
		RecommendedAction: "Wait and retry with a lower request rate",
	},
	CodeResourceNotFound: {
		Message:           "Resource not found",
		Category:          CategoryResource,
		Severity:          SeverityMajor,
		Recoverable:       false,
		RecommendedAction: "Verify resource name and try again",
	},
	CodeValidationFailed: {
		Message:           "Request failed provider validation",
		Category:          CategoryValidation,
		Severity:          SeverityMajor,
		Recoverable:       false,
		RecommendedAction: "Fix the request parameters and try again",
	},
	CodeTimeout: {
		Message:           "Operation timed out",
		Category:          CategoryTimeout,
		Severity:          SeverityMajor,
		Recoverable:       true,
		RecommendedAction: "Increase timeout value or check resource health",
	},
	CodeDependencyFailed: {
		Message:           "Dependency step failed",
		Category:          CategoryDependency,
		Severity:          SeverityMajor,
		Recoverable:       false,
		RecommendedAction: "Fix the failed dependency step first",
	},
	CodeExecutionFailed: {
		Message:           "Step command failed",
		Category:          CategoryExecution,
		Severity:          SeverityMajor,
		Recoverable:       false,
		RecommendedAction: "Inspect the command output for details",
	},
	CodeCancelled: {
		Message:           "Deployment was cancelled",
		Category:          CategoryExecution,
		Severity:          SeverityInfo,
		Recoverable:       false,
		RecommendedAction: "Start a new run when ready",
	},
	CodeUnknown: {
		Message:           "Unknown deployment error",
		Category:          CategoryUnknown,
		Severity:          SeverityMajor,
		Recoverable:       false,
		RecommendedAction: "Check logs for more details",
	},
}

// categoryDefaults holds the default severity and recoverability per category.
var categoryDefaults = map[ErrorCategory]struct {
	Severity    Severity
	Recoverable bool
}{
	CategoryAuthentication: {SeverityCritical, true},
	CategoryAuthorization:  {SeverityCritical, false},
	CategoryConfiguration:  {SeverityMajor, false},
	CategoryConnection:     {SeverityCritical, true},
	CategoryResource:       {SeverityMajor, false},
	CategoryValidation:     {SeverityMajor, false},
	CategoryTimeout:        {SeverityMajor, true},
	CategoryDependency:     {SeverityMajor, false},
	CategoryExecution:      {SeverityMajor, false},
	CategoryUnknown:        {SeverityMajor, false},
}

// CategoryDefaults returns the default severity and recoverability of a category.
// Unknown categories get the defaults of CategoryUnknown.
func CategoryDefaults(category ErrorCategory) (Severity, bool) {
	d, ok := categoryDefaults[category]
	if !ok {
		d = categoryDefaults[CategoryUnknown]
	}
	return d.Severity, d.Recoverable
}

// DeploymentError is a classified deployment failure.
type DeploymentError struct {
	// Code is the standard error code (DEPLOY_*).
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Category is the taxonomy bucket used for retry decisions.
	Category ErrorCategory `json:"category"`

	// Severity ranks the failure.
	Severity Severity `json:"severity"`

	// Recoverable reports whether the failure may clear up without human action.
	Recoverable bool `json:"recoverable"`

	// RecommendedAction tells the operator what to do next.
	RecommendedAction string `json:"recommended_action,omitempty"`

	// Provider is the cloud the failure came from.
	Provider CloudProvider `json:"provider,omitempty"`

	// Step is the id of the step that failed.
	Step string `json:"step,omitempty"`

	// Timestamp is when the error was classified.
	Timestamp time.Time `json:"timestamp"`

	// Details preserves the original code and message plus any extra context.
	Details map[string]interface{} `json:"details,omitempty"`

	// OriginalError is the raw cause.
	OriginalError error `json:"-"`
}

// NewDeploymentError creates an error for a standard code, filling in its default metadata.
func NewDeploymentError(code, message string, cause error) *DeploymentError {
	def, ok := standardErrors[code]
	if !ok {
		def = standardErrors[CodeUnknown]
	}
	if message == "" {
		message = def.Message
	}
	return &DeploymentError{
		Code:              code,
		Message:           message,
		Category:          def.Category,
		Severity:          def.Severity,
		Recoverable:       def.Recoverable,
		RecommendedAction: def.RecommendedAction,
		Timestamp:         time.Now(),
		Details:           make(map[string]interface{}),
		OriginalError:     cause,
	}
}

// NewConfigurationError creates a configuration error listing the given problems.
func NewConfigurationError(problems []string) *DeploymentError {
	msg := "Invalid deployment configuration"
	if len(problems) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(problems, "; "))
	}
	e := NewDeploymentError(CodeInvalidConfig, msg, nil)
	e.Recoverable = false
	return e.WithDetail("problems", problems)
}

// Error implements the error interface.
func (e *DeploymentError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Step != "" {
		fmt.Fprintf(&b, " (step=%s)", e.Step)
	}
	if e.OriginalError != nil {
		fmt.Fprintf(&b, ": %v", e.OriginalError)
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *DeploymentError) Unwrap() error {
	return e.OriginalError
}

// Is implements error equality checking for errors.Is.
func (e *DeploymentError) Is(target error) bool {
	t, ok := target.(*DeploymentError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithStep sets the originating step.
func (e *DeploymentError) WithStep(stepID string) *DeploymentError {
	e.Step = stepID
	return e
}

// WithProvider sets the provider.
func (e *DeploymentError) WithProvider(provider CloudProvider) *DeploymentError {
	e.Provider = provider
	return e
}

// WithDetail adds a detail field to the error context.
func (e *DeploymentError) WithDetail(key string, value interface{}) *DeploymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// UserMessage renders the message and recommended action for display.
// Technical details are only included on request.
func (e *DeploymentError) UserMessage(includeDetails bool) string {
	msg := e.Message
	if e.RecommendedAction != "" {
		msg += ". " + e.RecommendedAction
	}
	if !includeDetails {
		return msg
	}

	msg += fmt.Sprintf(" (code: %s)", e.Code)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
		msg += " [" + strings.Join(parts, ", ") + "]"
	}
	return msg
}

// StepDetails flattens the error into the map stored on a failed step.
func (e *DeploymentError) StepDetails() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Details)+5)
	for k, v := range e.Details {
		out[k] = v
	}
	out["category"] = string(e.Category)
	out["severity"] = string(e.Severity)
	out["recoverable"] = e.Recoverable
	out["recommendedAction"] = e.RecommendedAction
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339)
	return out
}

// AsDeploymentError extracts a *DeploymentError from an error chain.
func AsDeploymentError(err error) (*DeploymentError, bool) {
	var de *DeploymentError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// ProviderError is the raw failure shape reported by a CommandExecutor.
type ProviderError struct {
	Code    string
	Message string
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
