package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/shipyard/pkg/engine"

// DefaultStepTimeout bounds a single step invocation when nothing else is configured.
const DefaultStepTimeout = 5 * time.Minute

// ExecutorConfig holds the collaborators of a StepExecutor.
type ExecutorConfig struct {
	// Store is the run's step registry. Required.
	Store *StepStore

	// Commands runs step commands. Required.
	Commands CommandExecutor

	// Connector handles the built-in connect action.
	Connector ClusterConnector

	// Validator re-checks the deployment config before the first attempt.
	Validator ConfigValidator

	// Classifier maps failures onto the standard taxonomy.
	Classifier *ErrorClassifier

	// Policy decides retries and backoff.
	Policy *RetryPolicy

	// Strategy configures retries.
	Strategy RetryStrategy

	// Clock drives timeouts and backoff waits.
	Clock clockwork.Clock

	// Log receives a line per attempt and per outcome.
	Log LogSink

	// Notify receives a notification per terminal outcome unless Silent.
	Notify NotificationSink

	// Config is the deployment target.
	Config DeploymentConfig

	// Timeout bounds each invocation. Zero disables the timer.
	Timeout time.Duration

	// NoopStatus is the status given to steps without a command.
	NoopStatus StepStatus

	// Silent suppresses notifications.
	Silent bool

	// Cancelled reports whether the run has been asked to stop.
	Cancelled func() bool

	// OnRetry is called before each backoff wait.
	OnRetry func(stepID string, attempt int, delay time.Duration, err *DeploymentError)
}

// StepExecutor runs one step at a time, retrying transient failures.
type StepExecutor struct {
	store      *StepStore
	commands   CommandExecutor
	connector  ClusterConnector
	validator  ConfigValidator
	classifier *ErrorClassifier
	policy     *RetryPolicy
	strategy   RetryStrategy
	clock      clockwork.Clock
	log        LogSink
	notify     NotificationSink
	config     DeploymentConfig
	timeout    time.Duration
	noopStatus StepStatus
	silent     bool
	cancelled  func() bool
	onRetry    func(string, int, time.Duration, *DeploymentError)
	tracer     trace.Tracer
}

// NewStepExecutor creates a step executor, filling in defaults for optional collaborators.
func NewStepExecutor(cfg ExecutorConfig) (*StepExecutor, error) {
	if cfg.Store == nil {
		return nil, errors.New("step store is required")
	}
	if cfg.Commands == nil {
		return nil, errors.New("command executor is required")
	}
	if cfg.Strategy == (RetryStrategy{}) {
		cfg.Strategy = DefaultRetryStrategy
	}
	if err := cfg.Strategy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry strategy: %w", err)
	}
	if cfg.NoopStatus == "" {
		cfg.NoopStatus = StepStatusWarning
	}
	if cfg.NoopStatus != StepStatusWarning && cfg.NoopStatus != StepStatusSuccess {
		return nil, fmt.Errorf("no-op status must be warning or success, got %s", cfg.NoopStatus)
	}

	e := &StepExecutor{
		store:      cfg.Store,
		commands:   cfg.Commands,
		connector:  cfg.Connector,
		validator:  cfg.Validator,
		classifier: cfg.Classifier,
		policy:     cfg.Policy,
		strategy:   cfg.Strategy,
		clock:      cfg.Clock,
		log:        cfg.Log,
		notify:     cfg.Notify,
		config:     cfg.Config,
		timeout:    cfg.Timeout,
		noopStatus: cfg.NoopStatus,
		silent:     cfg.Silent,
		cancelled:  cfg.Cancelled,
		onRetry:    cfg.OnRetry,
		tracer:     otel.Tracer(tracerName),
	}
	if e.classifier == nil {
		e.classifier = defaultClassifier
	}
	if e.policy == nil {
		e.policy = NewRetryPolicy()
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.log == nil {
		e.log = nopLogSink{}
	}
	if e.notify == nil {
		e.notify = nopNotificationSink{}
	}
	if e.cancelled == nil {
		e.cancelled = func() bool { return false }
	}
	return e, nil
}

// Execute runs the step with the given id. It returns nil on success and a
// *DeploymentError when the step failed or could not start.
func (e *StepExecutor) Execute(ctx context.Context, stepID string) error {
	step, ok := e.store.Get(stepID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}

	if e.cancelled() {
		e.logf(LogLevelWarning, step.ID, "Skipping %s: deployment cancelled", step.Title)
		return NewDeploymentError(CodeCancelled, "", nil).WithStep(step.ID).WithProvider(e.config.Provider)
	}

	if met, unmet := e.store.DependenciesMet(step.ID); !met {
		return NewDeploymentError(CodeDependencyFailed,
			fmt.Sprintf("Dependencies not satisfied: %s", strings.Join(unmet, ", ")), nil).
			WithStep(step.ID).WithProvider(e.config.Provider).WithDetail("unmet", unmet)
	}

	if step.IsNoop() {
		return e.completeNoop(step)
	}

	if e.validator != nil {
		if res := e.validator.ValidateConfig(e.config); !res.Valid {
			derr := NewConfigurationError(res.Errors).WithStep(step.ID).WithProvider(e.config.Provider)
			return e.fail(step, derr, 0)
		}
	}

	ctx, span := e.tracer.Start(ctx, "step.execute", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.title", step.Title),
		attribute.String("deployment.provider", string(e.config.Provider)),
	))
	defer span.End()

	inProgress := StepStatusInProgress
	zero := 0
	if err := e.store.Update(step.ID, StepPatch{Status: &inProgress, Progress: &zero, ClearError: true}); err != nil {
		return err
	}
	e.logf(LogLevelInfo, step.ID, "Starting step: %s", step.Title)

	start := e.clock.Now()
	var lastErr *DeploymentError
	attempts := 0

	for attempt := 0; attempt < e.strategy.MaxAttempts; attempt++ {
		attempts++
		if attempt > 0 {
			_ = e.store.Update(step.ID, SetStatus(StepStatusInProgress, 0))
		}

		lastErr = e.attempt(ctx, step, attempt)
		if lastErr == nil {
			break
		}
		lastErr.WithStep(step.ID)

		e.log.Log(fmt.Sprintf("Attempt %d/%d of %s failed: %s",
			attempt+1, e.strategy.MaxAttempts, step.Title, lastErr.Message),
			LogLevelWarning, map[string]interface{}{
				"step":     step.ID,
				"attempt":  attempt + 1,
				"code":     lastErr.Code,
				"category": string(lastErr.Category),
			})

		if !e.policy.ShouldRetry(e.strategy, attempt, lastErr) {
			break
		}

		delay := e.policy.DelayFor(e.strategy, attempt+1)
		e.logf(LogLevelInfo, step.ID, "Retrying %s in %s (attempt %d/%d)",
			step.Title, delay.Round(time.Millisecond), attempt+2, e.strategy.MaxAttempts)
		if e.onRetry != nil {
			e.onRetry(step.ID, attempt+1, delay, lastErr)
		}

		if err := e.wait(ctx, delay); err != nil {
			lastErr = NewDeploymentError(CodeCancelled, "Deployment interrupted while waiting to retry", err).
				WithStep(step.ID).WithProvider(e.config.Provider)
			break
		}
	}

	span.SetAttributes(attribute.Int("step.attempts", attempts))

	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Message)
		return e.fail(step, lastErr.WithDetail("attempts", attempts), attempts)
	}

	if err := e.store.Update(step.ID, SetStatus(StepStatusSuccess, 100)); err != nil {
		return err
	}
	span.SetStatus(codes.Ok, "")

	elapsed := e.clock.Since(start)
	e.log.Log(fmt.Sprintf("Step %s completed in %s", step.Title, elapsed.Round(time.Millisecond)),
		LogLevelSuccess, map[string]interface{}{"step": step.ID, "attempts": attempts})
	if !e.silent {
		e.notify.Notify("Step completed", step.Title, SeverityInfo)
	}
	return nil
}

// outcome is the result of one collaborator invocation.
type outcome struct {
	result *CommandResult
	ok     bool
	err    error
}

// attempt invokes the collaborator once, racing it against the timeout timer.
func (e *StepExecutor) attempt(ctx context.Context, step DeploymentStep, attempt int) *DeploymentError {
	timeout := e.timeoutFor(step)

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	attemptCtx, span := e.tracer.Start(attemptCtx, "step.attempt",
		trace.WithAttributes(attribute.Int("step.attempt", attempt+1)))
	defer span.End()

	var finished atomic.Bool
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("step panicked: %v", r)}
			}
		}()
		done <- e.invoke(attemptCtx, step, &finished)
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := e.clock.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.Chan()
	}

	var derr *DeploymentError
	select {
	case out := <-done:
		finished.Store(true)
		if out.err != nil && ctx.Err() != nil {
			derr = NewDeploymentError(CodeCancelled, "Deployment interrupted", ctx.Err()).
				WithProvider(e.config.Provider)
			break
		}
		derr = e.evaluate(step, out)
	case <-timeoutC:
		finished.Store(true)
		cancel()
		derr = NewDeploymentError(CodeTimeout,
			fmt.Sprintf("Step %s timed out after %s", step.Title, timeout), context.DeadlineExceeded).
			WithProvider(e.config.Provider).
			WithDetail("timeout", timeout.String()).
			WithDetail("originalCode", "TIMEOUT")
	case <-ctx.Done():
		finished.Store(true)
		derr = NewDeploymentError(CodeCancelled, "Deployment interrupted", ctx.Err()).
			WithProvider(e.config.Provider)
	}

	if derr != nil {
		span.RecordError(derr)
		span.SetStatus(codes.Error, derr.Code)
	}
	return derr
}

// invoke calls the connector or the command executor.
func (e *StepExecutor) invoke(ctx context.Context, step DeploymentStep, finished *atomic.Bool) outcome {
	if step.IsConnect() {
		if e.connector == nil {
			return outcome{err: NewDeploymentError(CodeInvalidConfig, "No cluster connector configured", nil)}
		}
		ok, err := e.connector.Connect(ctx, e.config)
		return outcome{ok: ok, err: err}
	}

	res, err := e.commands.Execute(ctx, CommandRequest{
		StepID:      step.ID,
		Command:     step.Command,
		Provider:    e.config.Provider,
		Region:      e.config.Region,
		Environment: e.config.Environment,
		Timeout:     e.timeoutFor(step),
		OnProgress: func(pct int) {
			if finished.Load() {
				return
			}
			_ = e.store.Update(step.ID, ReportProgress(pct))
		},
	})
	return outcome{result: res, ok: err == nil && res != nil && res.Success, err: err}
}

// evaluate turns an invocation outcome into an error, recording command output.
func (e *StepExecutor) evaluate(step DeploymentStep, out outcome) *DeploymentError {
	if out.result != nil && len(out.result.Logs) > 0 {
		_ = e.store.Update(step.ID, AppendLog(out.result.Logs...))
		for _, line := range out.result.Logs {
			e.log.Log(line, LogLevelDebug, map[string]interface{}{"step": step.ID})
		}
	}

	if out.err != nil {
		return e.classifier.Classify(out.err, e.config.Provider)
	}

	if step.IsConnect() {
		if !out.ok {
			return NewDeploymentError(CodeConnectionFailed, "", nil).
				WithProvider(e.config.Provider).
				WithDetail("cluster", e.config.ClusterName)
		}
		return nil
	}

	if out.result == nil {
		return NewDeploymentError(CodeUnknown, "Command executor returned no result", nil).
			WithProvider(e.config.Provider)
	}
	if !out.result.Success {
		code := out.result.ErrorCode
		msg := out.result.Error
		if code == "" && msg == "" {
			code = "EXEC_FAILED"
			msg = "command failed"
		}
		return e.classifier.Classify(&ProviderError{
			Code:    code,
			Message: msg,
			Details: out.result.ErrorDetails,
		}, e.config.Provider)
	}
	return nil
}

// completeNoop applies the no-op policy to a step without a command.
func (e *StepExecutor) completeNoop(step DeploymentStep) error {
	patch := SetStatus(e.noopStatus, 100)
	patch.AppendLog = []string{"No command specified for this step"}
	if err := e.store.Update(step.ID, patch); err != nil {
		return err
	}
	e.logf(LogLevelWarning, step.ID, "Step %s has no command, marked %s", step.Title, e.noopStatus)
	if !e.silent {
		severity := SeverityWarning
		if e.noopStatus == StepStatusSuccess {
			severity = SeverityInfo
		}
		e.notify.Notify("Step has no command", step.Title, severity)
	}
	return nil
}

// fail records the final failure on the step and reports it.
func (e *StepExecutor) fail(step DeploymentStep, derr *DeploymentError, attempts int) error {
	derr.WithStep(step.ID)
	if derr.Provider == "" {
		derr.Provider = e.config.Provider
	}
	if err := e.store.Update(step.ID, SetError(derr)); err != nil {
		return err
	}

	fields := map[string]interface{}{
		"step":        step.ID,
		"code":        derr.Code,
		"category":    string(derr.Category),
		"recoverable": derr.Recoverable,
	}
	if attempts > 0 {
		fields["attempts"] = attempts
	}
	e.log.Log(fmt.Sprintf("Step %s failed: [%s] %s", step.Title, derr.Code, derr.Message), LogLevelError, fields)
	if !e.silent {
		e.notify.Notify(fmt.Sprintf("Step failed: %s", step.Title), derr.UserMessage(false), derr.Severity)
	}
	return derr
}

// wait blocks for d on the executor's clock.
func (e *StepExecutor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := e.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *StepExecutor) timeoutFor(step DeploymentStep) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return e.timeout
}

func (e *StepExecutor) logf(level LogLevel, stepID, format string, args ...interface{}) {
	e.log.Log(fmt.Sprintf(format, args...), level, map[string]interface{}{"step": stepID})
}
