package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Dependencies are the collaborators of an Orchestrator.
type Dependencies struct {
	// Commands runs step commands. Required.
	Commands CommandExecutor

	// Connector handles the built-in connect step.
	Connector ClusterConnector

	// Validator gates every run on a valid configuration.
	Validator ConfigValidator

	// Readiness runs the production environment readiness checks.
	Readiness ReadinessChecker

	// Log receives deployment log lines.
	Log LogSink

	// Notify receives user-facing notifications.
	Notify NotificationSink

	// Events observes step changes and run events.
	Events EventSink
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetryStrategy sets the retry strategy used for every step.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(o *Orchestrator) { o.strategy = s }
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithClassifier sets the error classifier.
func WithClassifier(c *ErrorClassifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithClock sets the clock driving timeouts and backoff.
func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithStepTimeout sets the per-invocation step timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stepTimeout = d }
}

// WithNoopStatus sets the status given to steps without a command.
func WithNoopStatus(s StepStatus) Option {
	return func(o *Orchestrator) { o.noopStatus = s }
}

// WithSilent suppresses all notifications.
func WithSilent() Option {
	return func(o *Orchestrator) { o.silent = true }
}

// WithProgressThreshold sets the minimum progress change that is published.
func WithProgressThreshold(t float64) Option {
	return func(o *Orchestrator) { o.progressThreshold = t }
}

// Orchestrator drives deployment runs. At most one run is active at a time.
type Orchestrator struct {
	commands  CommandExecutor
	connector ClusterConnector
	validator ConfigValidator
	readiness ReadinessChecker
	log       LogSink
	notify    NotificationSink
	events    EventSink

	strategy          RetryStrategy
	policy            *RetryPolicy
	classifier        *ErrorClassifier
	clock             clockwork.Clock
	stepTimeout       time.Duration
	noopStatus        StepStatus
	silent            bool
	progressThreshold float64
	tracer            trace.Tracer

	// mu guards the run state below
	mu          sync.Mutex
	running     bool
	runID       string
	currentStep string

	cancelRequested atomic.Bool
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if deps.Commands == nil {
		return nil, errors.New("command executor is required")
	}

	o := &Orchestrator{
		commands:          deps.Commands,
		connector:         deps.Connector,
		validator:         deps.Validator,
		readiness:         deps.Readiness,
		log:               deps.Log,
		notify:            deps.Notify,
		events:            deps.Events,
		strategy:          DefaultRetryStrategy,
		policy:            NewRetryPolicy(),
		classifier:        defaultClassifier,
		clock:             clockwork.NewRealClock(),
		stepTimeout:       DefaultStepTimeout,
		noopStatus:        StepStatusWarning,
		progressThreshold: DefaultProgressThreshold,
		tracer:            otel.Tracer(tracerName),
	}
	if o.log == nil {
		o.log = nopLogSink{}
	}
	if o.notify == nil {
		o.notify = nopNotificationSink{}
	}
	if o.events == nil {
		o.events = nopEventSink{}
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.strategy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry strategy: %w", err)
	}
	return o, nil
}

// IsRunning returns true while a run is active.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// RunID returns the id of the active run, or "" when idle.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// CurrentStepID returns the id of the executing step, or "" between steps.
func (o *Orchestrator) CurrentStepID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentStep
}

// Cancel asks the active run to stop before its next step. The step in
// flight is not interrupted. It returns false when no run is active.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return false
	}
	o.cancelRequested.Store(true)
	o.log.Log("Cancellation requested, stopping after the current step", LogLevelWarning,
		map[string]interface{}{"run": o.runID})
	return true
}

func (o *Orchestrator) begin(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	o.runID = runID
	o.currentStep = ""
	o.cancelRequested.Store(false)
	return true
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
	o.runID = ""
	o.currentStep = ""
}

func (o *Orchestrator) setCurrent(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currentStep = id
}

// run carries the per-run state of Orchestrator.Run.
type run struct {
	id       string
	cfg      DeploymentConfig
	store    *StepStore
	progress *ProgressAggregator
	silent   bool
	result   *RunResult
}

// Run executes steps against cfg in declaration order. Steps that depend on a
// step that did not succeed are skipped and left pending. The first failing
// step halts the run; in production the steps completed so far are then
// rolled back.
//
// Run returns ErrRunInProgress without a result when another run is active.
// Otherwise the result is always non-nil and the error is nil only when the
// run completed.
func (o *Orchestrator) Run(ctx context.Context, steps []DeploymentStep, cfg DeploymentConfig) (*RunResult, error) {
	runID := uuid.New().String()
	if !o.begin(runID) {
		return nil, ErrRunInProgress
	}
	defer o.end()

	r := &run{
		id:     runID,
		cfg:    cfg,
		silent: o.silent || cfg.Environment == EnvironmentDevelopment,
		result: &RunResult{
			RunID:     runID,
			Status:    RunStatusRunning,
			Config:    cfg,
			Steps:     initialSteps(steps),
			StartedAt: o.clock.Now(),
		},
	}

	ctx, span := o.tracer.Start(ctx, "deployment.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("deployment.provider", string(cfg.Provider)),
		attribute.String("deployment.environment", string(cfg.Environment)),
		attribute.String("deployment.cluster", cfg.ClusterName),
		attribute.Int("run.steps", len(steps)),
	))
	defer span.End()

	o.emit(ctx, r, EventTypeRunStarted, "", "info",
		fmt.Sprintf("Deployment started: %d steps to %s/%s", len(steps), cfg.Provider, cfg.Environment), nil)

	if derr := o.gate(ctx, r); derr != nil {
		return o.abort(ctx, r, span, derr)
	}

	store, err := NewStepStore(steps)
	if err != nil {
		derr, ok := AsDeploymentError(err)
		if !ok {
			derr = NewDeploymentError(CodeValidationFailed, err.Error(), err)
		}
		return o.abort(ctx, r, span, derr)
	}
	r.store = store

	applicable := 0
	for _, s := range steps {
		if s.AppliesTo(cfg.Provider) {
			applicable++
		}
	}
	r.progress = NewProgressAggregator(applicable, o.progressThreshold)

	store.Subscribe(func(change StepChange) {
		o.events.StepChanged(ctx, runID, change)
		if value, publish := r.progress.Observe(applicableSteps(store.All(), cfg.Provider)); publish {
			o.emit(ctx, r, EventTypeProgress, "", "info", fmt.Sprintf("Deployment %.2f%% complete", value),
				map[string]interface{}{"progress": value})
		}
	})

	executor, err := NewStepExecutor(ExecutorConfig{
		Store:      store,
		Commands:   o.commands,
		Connector:  o.connector,
		Validator:  o.validator,
		Classifier: o.classifier,
		Policy:     o.policy,
		Strategy:   o.strategy,
		Clock:      o.clock,
		Log:        o.log,
		Notify:     o.notify,
		Config:     cfg,
		Timeout:    o.stepTimeout,
		NoopStatus: o.noopStatus,
		Silent:     r.silent,
		Cancelled:  o.cancelRequested.Load,
		OnRetry: func(stepID string, attempt int, delay time.Duration, derr *DeploymentError) {
			o.emit(ctx, r, EventTypeStepRetry, stepID, "warning",
				fmt.Sprintf("Retrying step %s (attempt %d) after %s", stepID, attempt+1, derr.Code),
				map[string]interface{}{
					"attempt":  attempt + 1,
					"delay_ms": delay.Milliseconds(),
					"code":     derr.Code,
					"category": string(derr.Category),
				})
		},
	})
	if err != nil {
		return o.abort(ctx, r, span, NewDeploymentError(CodeInvalidConfig, err.Error(), err))
	}

	runErr := o.iterate(ctx, r, executor)
	o.setCurrent("")

	return o.finish(ctx, r, span, runErr)
}

// gate validates the configuration and, for production, the environment readiness.
func (o *Orchestrator) gate(ctx context.Context, r *run) *DeploymentError {
	if o.validator != nil {
		res := o.validator.ValidateConfig(r.cfg)
		for _, w := range res.Warnings {
			o.log.Log(w, LogLevelWarning, map[string]interface{}{"run": r.id})
		}
		if !res.Valid {
			return NewConfigurationError(res.Errors).WithProvider(r.cfg.Provider)
		}
	}

	if !r.cfg.Environment.IsProduction() || o.readiness == nil {
		return nil
	}

	o.log.Log("Running production readiness checks", LogLevelInfo, map[string]interface{}{"run": r.id})
	checks, err := o.readiness.CheckReadiness(ctx, r.cfg)
	if err != nil {
		return NewDeploymentError(CodeInvalidConfig, "Environment readiness checks could not run", err).
			WithProvider(r.cfg.Provider)
	}
	r.result.Readiness = checks

	var critical []string
	for _, c := range checks {
		if c.Passed {
			continue
		}
		if c.Critical {
			critical = append(critical, fmt.Sprintf("%s: %s", c.Name, c.Message))
			continue
		}
		o.log.Log(fmt.Sprintf("Readiness check %s failed: %s", c.Name, c.Message), LogLevelWarning,
			map[string]interface{}{"run": r.id, "category": string(c.Category)})
		o.emit(ctx, r, EventTypeReadinessWarning, "", "warning", c.Message,
			map[string]interface{}{"check": c.Name, "category": string(c.Category)})
	}
	if len(critical) > 0 {
		derr := NewDeploymentError(CodeInvalidConfig,
			"Environment is not ready for production: "+strings.Join(critical, "; "), nil).
			WithProvider(r.cfg.Provider).
			WithDetail("failedChecks", critical)
		derr.Recoverable = false
		return derr
	}
	return nil
}

// iterate runs the steps in declaration order until one fails or cancellation is seen.
func (o *Orchestrator) iterate(ctx context.Context, r *run, executor *StepExecutor) error {
	for _, step := range r.store.All() {
		if o.cancelRequested.Load() {
			return ErrRunCancelled
		}
		if !step.AppliesTo(r.cfg.Provider) {
			o.log.Log(fmt.Sprintf("Step %s does not apply to provider %s", step.Title, r.cfg.Provider),
				LogLevelDebug, map[string]interface{}{"step": step.ID})
			continue
		}

		if step.Status == StepStatusSuccess {
			o.log.Log(fmt.Sprintf("Step %s already completed, skipping", step.Title), LogLevelInfo,
				map[string]interface{}{"step": step.ID})
			if step.Progress != 100 {
				_ = r.store.Update(step.ID, SetProgress(100))
			}
			continue
		}

		if met, unmet := r.store.DependenciesMet(step.ID); !met {
			pending := StepStatusPending
			zero := 0
			_ = r.store.Update(step.ID, StepPatch{Status: &pending, Progress: &zero, ClearError: true})
			msg := fmt.Sprintf("Skipping %s: dependencies not satisfied (%s)", step.Title, strings.Join(unmet, ", "))
			o.log.Log(msg, LogLevelWarning, map[string]interface{}{"step": step.ID})
			o.emit(ctx, r, EventTypeStepSkipped, step.ID, "warning", msg,
				map[string]interface{}{"unmet": unmet})
			continue
		}

		o.setCurrent(step.ID)
		o.emit(ctx, r, EventTypeStepStarted, step.ID, "info", fmt.Sprintf("Started step %s", step.Title), nil)

		err := executor.Execute(ctx, step.ID)
		if err == nil {
			o.emit(ctx, r, EventTypeStepCompleted, step.ID, "info", fmt.Sprintf("Completed step %s", step.Title), nil)
			continue
		}

		derr, ok := AsDeploymentError(err)
		if !ok {
			derr = o.classifier.Classify(err, r.cfg.Provider).WithStep(step.ID)
		}
		if derr.Code == CodeCancelled && o.cancelRequested.Load() {
			return ErrRunCancelled
		}
		r.result.FailedStepID = step.ID
		r.result.Error = derr
		o.emit(ctx, r, EventTypeStepFailed, step.ID, "error",
			fmt.Sprintf("Step %s failed: %s", step.Title, derr.Message),
			map[string]interface{}{"code": derr.Code, "category": string(derr.Category)})
		return derr
	}
	return nil
}

// finish settles the run outcome, rolling back failed production runs.
func (o *Orchestrator) finish(ctx context.Context, r *run, span trace.Span, runErr error) (*RunResult, error) {
	res := r.result
	res.OverallProgress = r.progress.Current()

	switch {
	case runErr == nil:
		res.Status = RunStatusCompleted
		value, publish := r.progress.Final()
		res.OverallProgress = value
		if publish {
			o.emit(ctx, r, EventTypeProgress, "", "info", "Deployment 100.00% complete",
				map[string]interface{}{"progress": value})
		}
		span.SetStatus(codes.Ok, "")
		o.log.Log("Deployment completed successfully", LogLevelSuccess, map[string]interface{}{"run": r.id})
		if !r.silent {
			o.notify.Notify("Deployment completed",
				fmt.Sprintf("%s deployed to %s", r.cfg.ClusterName, r.cfg.Environment), SeverityInfo)
		}

	case errors.Is(runErr, ErrRunCancelled):
		res.Status = RunStatusCancelled
		span.SetStatus(codes.Error, "cancelled")
		o.log.Log("Deployment cancelled", LogLevelWarning, map[string]interface{}{"run": r.id})
		if !r.silent {
			o.notify.Notify("Deployment cancelled", "The deployment was stopped before completion", SeverityWarning)
		}

	default:
		res.Status = RunStatusFailed
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		if r.cfg.Environment.IsProduction() {
			// rollback still runs when the caller's context has been cancelled
			res.Rollback = o.rollback(context.WithoutCancel(ctx), r)
		}
		msg := "Deployment failed"
		if res.Error != nil {
			msg = res.Error.UserMessage(false)
		}
		o.log.Log(fmt.Sprintf("Deployment failed: %v", runErr), LogLevelError, map[string]interface{}{"run": r.id})
		if !r.silent {
			o.notify.Notify("Deployment failed", msg, SeverityCritical)
		}
	}

	res.Steps = r.store.All()
	res.CompletedIDs = r.store.CompletedIDs()
	res.CompletedAt = o.clock.Now()

	o.emitRunOutcome(ctx, r)
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

// rollback undoes the steps completed during the run.
func (o *Orchestrator) rollback(ctx context.Context, r *run) *RollbackReport {
	completed := r.store.CompletedIDs()
	o.emit(ctx, r, EventTypeRollbackStarted, "", "warning",
		fmt.Sprintf("Rolling back %d completed steps", len(completed)),
		map[string]interface{}{"steps": completed})

	manager := NewRollbackManager(
		WithRollbackLog(o.log),
		WithRollbackNotify(o.notify),
		WithRollbackClock(o.clock),
		WithRollbackSilent(r.silent),
		WithRollbackObserver(func(entry RollbackEntry) {
			level := "info"
			if entry.Outcome != StepStatusRolledBack {
				level = "warning"
			}
			o.emit(ctx, r, EventTypeRollbackStep, entry.StepID, level,
				fmt.Sprintf("Step %s %s", entry.StepID, entry.Outcome),
				map[string]interface{}{"outcome": string(entry.Outcome), "error": entry.Error})
		}),
	)
	report := manager.Rollback(ctx, completed, r.store)

	level := "info"
	if report.Failed() {
		level = "error"
	}
	o.emit(ctx, r, EventTypeRollbackCompleted, "", level, "Rollback finished",
		map[string]interface{}{
			"processed":           len(report.Entries),
			"manual_intervention": report.ManualIntervention,
		})
	return report
}

// abort ends a run that was rejected before any step executed.
func (o *Orchestrator) abort(ctx context.Context, r *run, span trace.Span, derr *DeploymentError) (*RunResult, error) {
	res := r.result
	res.Status = RunStatusAborted
	res.Error = derr
	res.CompletedAt = o.clock.Now()

	span.RecordError(derr)
	span.SetStatus(codes.Error, derr.Message)
	o.log.Log(fmt.Sprintf("Deployment aborted: %s", derr.Message), LogLevelError,
		map[string]interface{}{"run": r.id, "code": derr.Code})
	if !r.silent {
		o.notify.Notify("Deployment aborted", derr.UserMessage(false), derr.Severity)
	}
	o.emitRunOutcome(ctx, r)
	return res, derr
}

// emitRunOutcome publishes the terminal run event.
func (o *Orchestrator) emitRunOutcome(ctx context.Context, r *run) {
	res := r.result
	data := map[string]interface{}{
		"status":    string(res.Status),
		"progress":  res.OverallProgress,
		"completed": len(res.CompletedIDs),
		"duration":  res.Duration().String(),
	}
	if res.Error != nil {
		data["code"] = res.Error.Code
		data["category"] = string(res.Error.Category)
		data["error"] = res.Error.Message
	}
	if res.FailedStepID != "" {
		data["failed_step"] = res.FailedStepID
	}

	switch res.Status {
	case RunStatusCompleted:
		o.emit(ctx, r, EventTypeRunCompleted, "", "info", "Deployment completed", data)
	case RunStatusCancelled:
		o.emit(ctx, r, EventTypeRunCancelled, "", "warning", "Deployment cancelled", data)
	case RunStatusAborted:
		o.emit(ctx, r, EventTypeRunAborted, "", "error", res.Error.Message, data)
	default:
		o.emit(ctx, r, EventTypeRunFailed, res.FailedStepID, "error", "Deployment failed", data)
	}
}

// emit publishes a run event.
func (o *Orchestrator) emit(ctx context.Context, r *run, typ EventType, stepID, level, message string, data map[string]interface{}) {
	event := RunEvent{
		ID:        uuid.New().String(),
		RunID:     r.id,
		Type:      typ,
		Timestamp: o.clock.Now(),
		StepID:    stepID,
		Level:     level,
		Message:   message,
		Data:      data,
	}
	if typ == EventTypeProgress {
		if v, ok := data["progress"].(float64); ok {
			event.Progress = v
		}
	}
	if typ == EventTypeRunStarted {
		event.Data = map[string]interface{}{
			"provider":    string(r.cfg.Provider),
			"environment": string(r.cfg.Environment),
			"region":      r.cfg.Region,
			"cluster":     r.cfg.ClusterName,
			"namespace":   r.cfg.Namespace,
			"steps":       len(r.result.Steps),
		}
	}
	o.events.RunEvent(ctx, event)
}

// initialSteps copies steps for a result, defaulting unset statuses to pending.
func initialSteps(steps []DeploymentStep) []DeploymentStep {
	out := cloneSteps(steps)
	for i := range out {
		if out[i].Status == "" {
			out[i].Status = StepStatusPending
		}
	}
	return out
}

// applicableSteps returns the steps that run for provider.
func applicableSteps(steps []DeploymentStep, provider CloudProvider) []DeploymentStep {
	out := steps[:0:0]
	for _, s := range steps {
		if s.AppliesTo(provider) {
			out = append(out, s)
		}
	}
	return out
}

func cloneSteps(steps []DeploymentStep) []DeploymentStep {
	out := make([]DeploymentStep, len(steps))
	for i, s := range steps {
		out[i] = cloneStep(s)
	}
	return out
}
