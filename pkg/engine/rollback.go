package engine

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RollbackManager undoes completed steps in reverse completion order.
// Rollback is best effort: every step gets exactly one attempt and a failure
// never stops the remaining steps from being rolled back.
type RollbackManager struct {
	log    LogSink
	notify NotificationSink
	clock  clockwork.Clock
	silent bool
	onStep func(RollbackEntry)
	tracer trace.Tracer
}

// RollbackOption configures a RollbackManager.
type RollbackOption func(*RollbackManager)

// WithRollbackLog sets the log sink.
func WithRollbackLog(log LogSink) RollbackOption {
	return func(m *RollbackManager) { m.log = log }
}

// WithRollbackNotify sets the notification sink.
func WithRollbackNotify(n NotificationSink) RollbackOption {
	return func(m *RollbackManager) { m.notify = n }
}

// WithRollbackClock sets the clock used to time rollback actions.
func WithRollbackClock(c clockwork.Clock) RollbackOption {
	return func(m *RollbackManager) { m.clock = c }
}

// WithRollbackSilent suppresses notifications.
func WithRollbackSilent(silent bool) RollbackOption {
	return func(m *RollbackManager) { m.silent = silent }
}

// WithRollbackObserver registers fn to be called after each processed step.
func WithRollbackObserver(fn func(RollbackEntry)) RollbackOption {
	return func(m *RollbackManager) { m.onStep = fn }
}

// NewRollbackManager creates a rollback manager.
func NewRollbackManager(opts ...RollbackOption) *RollbackManager {
	m := &RollbackManager{
		log:    nopLogSink{},
		notify: nopNotificationSink{},
		clock:  clockwork.NewRealClock(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Rollback processes completedIDs in reverse. Steps with a RollbackAction end
// rolled-back or rollback-failed; steps without one end rollback-skipped.
func (m *RollbackManager) Rollback(ctx context.Context, completedIDs []string, store *StepStore) *RollbackReport {
	report := &RollbackReport{
		Requested: append([]string(nil), completedIDs...),
		Entries:   make([]RollbackEntry, 0, len(completedIDs)),
	}

	ctx, span := m.tracer.Start(ctx, "deployment.rollback",
		trace.WithAttributes(attribute.Int("rollback.steps", len(completedIDs))))
	defer span.End()

	if len(completedIDs) == 0 {
		m.log.Log("No completed steps to roll back", LogLevelInfo, nil)
		return report
	}

	m.log.Log(fmt.Sprintf("Rolling back %d completed steps", len(completedIDs)), LogLevelWarning, nil)

	for i := len(completedIDs) - 1; i >= 0; i-- {
		id := completedIDs[i]
		step, ok := store.Get(id)
		if !ok {
			m.log.Log(fmt.Sprintf("Cannot roll back unknown step %s", id), LogLevelWarning,
				map[string]interface{}{"step": id})
			continue
		}

		entry := m.rollbackStep(ctx, step, store)
		report.Entries = append(report.Entries, entry)
		if entry.Outcome == StepStatusRollbackSkipped {
			report.ManualIntervention = append(report.ManualIntervention, id)
		}
		if m.onStep != nil {
			m.onStep(entry)
		}
	}

	if report.Failed() {
		span.SetStatus(codes.Error, "rollback failed for one or more steps")
		m.log.Log("Rollback completed with errors", LogLevelError, nil)
		if !m.silent {
			m.notify.Notify("Rollback completed with errors",
				"Some steps could not be rolled back. Manual intervention may be required.", SeverityCritical)
		}
	} else {
		m.log.Log("Rollback completed", LogLevelSuccess, nil)
		if !m.silent {
			m.notify.Notify("Rollback completed", "Deployment changes have been rolled back", SeverityWarning)
		}
	}
	return report
}

// rollbackStep runs the rollback of a single step.
func (m *RollbackManager) rollbackStep(ctx context.Context, step DeploymentStep, store *StepStore) RollbackEntry {
	entry := RollbackEntry{StepID: step.ID}
	start := m.clock.Now()

	_ = store.Update(step.ID, SetStatus(StepStatusRollingBack, step.Progress))

	switch rb := step.Rollback.(type) {
	case RollbackAction:
		if rb.Run == nil {
			entry.Outcome = m.skip(step, store, "rollback action has no function")
			break
		}
		m.log.Log(fmt.Sprintf("Rolling back step: %s", step.Title), LogLevelInfo,
			map[string]interface{}{"step": step.ID})
		if err := runRollback(ctx, rb); err != nil {
			entry.Outcome = StepStatusRollbackFailed
			entry.Error = err.Error()
			msg := fmt.Sprintf("Rollback failed: %v", err)
			_ = store.Update(step.ID, StepPatch{
				Status:       statusPtr(StepStatusRollbackFailed),
				Progress:     intPtr(0),
				ErrorMessage: &msg,
			})
			m.log.Log(fmt.Sprintf("Failed to roll back step %s: %v", step.Title, err), LogLevelError,
				map[string]interface{}{"step": step.ID})
			break
		}
		entry.Outcome = StepStatusRolledBack
		_ = store.Update(step.ID, SetStatus(StepStatusRolledBack, 100))
		m.log.Log(fmt.Sprintf("Rolled back step: %s", step.Title), LogLevelSuccess,
			map[string]interface{}{"step": step.ID})
	case ManualRollback:
		entry.Outcome = m.skip(step, store, rb.Reason)
	case nil:
		entry.Outcome = m.skip(step, store, "")
	default:
		entry.Outcome = m.skip(step, store, fmt.Sprintf("unsupported rollback type %T", rb))
	}

	entry.Duration = m.clock.Since(start)
	return entry
}

// skip marks a step whose effects must be undone by hand.
func (m *RollbackManager) skip(step DeploymentStep, store *StepStore, reason string) StepStatus {
	_ = store.Update(step.ID, SetStatus(StepStatusRollbackSkipped, 100))
	msg := fmt.Sprintf("No rollback defined for step %s, manual intervention may be required", step.Title)
	if reason != "" {
		msg += ": " + reason
	}
	m.log.Log(msg, LogLevelWarning, map[string]interface{}{"step": step.ID})
	return StepStatusRollbackSkipped
}

// runRollback runs the action once, converting a panic into an error.
func runRollback(ctx context.Context, rb RollbackAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rollback panicked: %v", r)
		}
	}()
	return rb.Run(ctx)
}

func statusPtr(s StepStatus) *StepStatus { return &s }

func intPtr(i int) *int { return &i }
