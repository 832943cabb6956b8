package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticValidator ValidationResult

func (v staticValidator) ValidateConfig(DeploymentConfig) ValidationResult {
	return ValidationResult(v)
}

func newTestExecutor(t *testing.T, store *StepStore, commands CommandExecutor, mutate ...func(*ExecutorConfig)) *StepExecutor {
	t.Helper()
	cfg := ExecutorConfig{
		Store:    store,
		Commands: commands,
		Strategy: noDelay,
		Config:   stagingConfig(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := NewStepExecutor(cfg)
	require.NoError(t, err)
	return e
}

func TestNewStepExecutor_Validation(t *testing.T) {
	store := newTestStore(t, cmdStep("a"))

	_, err := NewStepExecutor(ExecutorConfig{Commands: newScriptedCommands()})
	assert.Error(t, err)

	_, err = NewStepExecutor(ExecutorConfig{Store: store})
	assert.Error(t, err)

	_, err = NewStepExecutor(ExecutorConfig{Store: store, Commands: newScriptedCommands(), NoopStatus: StepStatusError})
	assert.Error(t, err)

	_, err = NewStepExecutor(ExecutorConfig{
		Store:    store,
		Commands: newScriptedCommands(),
		Strategy: RetryStrategy{MaxAttempts: 0, BackoffFactor: 2},
	})
	assert.Error(t, err)
}

func TestStepExecutor_Success(t *testing.T) {
	store := newTestStore(t, cmdStep("a"))
	commands := newScriptedCommands()
	commands.progress["a"] = []int{30, 60}
	notify := &recordingNotify{}
	log := &recordingLog{}

	var progress []int
	store.Subscribe(func(c StepChange) { progress = append(progress, c.Step.Progress) })

	e := newTestExecutor(t, store, commands, func(c *ExecutorConfig) {
		c.Notify = notify
		c.Log = log
	})
	require.NoError(t, e.Execute(context.Background(), "a"))

	got, _ := store.Get("a")
	assert.Equal(t, StepStatusSuccess, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, []string{"ok: run a"}, got.OutputLog)
	assert.Empty(t, got.ErrorCode)
	assert.Subset(t, progress, []int{30, 60, 100})
	assert.Equal(t, []string{"Step completed"}, notify.titles())
	assert.Equal(t, 1, log.count(LogLevelSuccess))
	assert.Equal(t, []string{"a"}, store.CompletedIDs())
}

func TestStepExecutor_RetriesTransientFailures(t *testing.T) {
	store := newTestStore(t, cmdStep("a"))
	commands := newScriptedCommands()
	commands.queue("a",
		commandOutcome{result: &CommandResult{Success: false, ErrorCode: "TIMEOUT", Error: "slow"}},
		commandOutcome{result: &CommandResult{Success: false, ErrorCode: "NETWORK_ERROR", Error: "reset"}},
	)
	log := &recordingLog{}

	var retries []int
	e := newTestExecutor(t, store, commands, func(c *ExecutorConfig) {
		c.Log = log
		c.OnRetry = func(_ string, attempt int, _ time.Duration, _ *DeploymentError) {
			retries = append(retries, attempt)
		}
	})

	var statuses []StepStatus
	store.Subscribe(func(c StepChange) {
		if len(statuses) == 0 || statuses[len(statuses)-1] != c.Step.Status {
			statuses = append(statuses, c.Step.Status)
		}
	})

	require.NoError(t, e.Execute(context.Background(), "a"))

	assert.Equal(t, 3, commands.callCount("a"))
	assert.Equal(t, []int{1, 2}, retries)
	assert.Equal(t, 2, log.count(LogLevelWarning), "one warning per failed attempt")
	assert.Equal(t, []StepStatus{StepStatusInProgress, StepStatusSuccess}, statuses)
}

func TestStepExecutor_ExhaustsRetries(t *testing.T) {
	store := newTestStore(t, cmdStep("a"))
	commands := newScriptedCommands()
	commands.failAlways("a", "RequestTimeout", "timed out")
	notify := &recordingNotify{}

	e := newTestExecutor(t, store, commands, func(c *ExecutorConfig) { c.Notify = notify })
	err := e.Execute(context.Background(), "a")

	derr, ok := AsDeploymentError(err)
	require.True(t, ok)
	assert.Equal(t, CodeTimeout, derr.Code)
	assert.Equal(t, "a", derr.Step)
	assert.Equal(t, 3, derr.Details["attempts"])
	assert.Equal(t, 3, commands.callCount("a"))

	got, _ := store.Get("a")
	assert.Equal(t, StepStatusError, got.Status)
	assert.Equal(t, CodeTimeout, got.ErrorCode)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, []string{"Step failed: Step a"}, notify.titles())
}

func TestStepExecutor_NonRecoverableFailsOnce(t *testing.T) {
	store := newTestStore(t, cmdStep("a"))
	commands := newScriptedCommands()
	commands.failAlways("a", "AccessDeniedException", "User is not authorized")

	e := newTestExecutor(t, store, commands)
	err := e.Execute(context.Background(), "a")

	derr, ok := AsDeploymentError(err)
	require.True(t, ok)
	assert.Equal(t, CodePermissionDenied, derr.Code)
	assert.False(t, derr.Recoverable)
	assert.Equal(t, 1, commands.callCount("a"))

	got, _ := store.Get("a")
	assert.Equal(t, "AccessDeniedException", got.ErrorDetails["originalCode"])
	assert.Equal(t, "authorization", got.ErrorDetails["category"])
}

func TestStepExecutor_CommandGoError(t *testing.T) {
	store := newTestStore(t, cmdStep("a"))
	commands := newScriptedCommands()
	commands.queue("a", commandOutcome{err: &ProviderError{Code: "NotFound", Message: "no such cluster"}})

	e := newTestExecutor(t, store, commands, func(c *ExecutorConfig) { c.Config.Provider = ProviderAzure })
	err := e.Execute(context.Background(), "a")

	derr, ok := AsDeploymentError(err)
	require.True(t, ok)
	assert.Equal(t, CodeResourceNotFound, derr.Code)
	assert.Equal(t, ProviderAzure, derr.Provider)
}

func TestStepExecutor_UnsuccessfulResultWithoutCode(t *testing.T) {
	store := newTestStore(t, cmdStep("a"))
	commands := newScriptedCommands()
	commands.queue("a", commandOutcome{result: &CommandResult{Success: false}})

	e := newTestExecutor(t, store, commands)
	err := e.Execute(context.Background(), "a")

	derr, ok := AsDeploymentError(err)
	require.True(t, ok)
	assert.Equal(t, CodeExecutionFailed, derr.Code)
	assert.Equal(t, 1, commands.callCount("a"))
}

func TestStepExecutor_NoopSteps(t *testing.T) {
	noop := DeploymentStep{ID: "a", Title: "Placeholder"}

	store := newTestStore(t, noop)
	commands := newScriptedCommands()
	e := newTestExecutor(t, store, commands)
	require.NoError(t, e.Execute(context.Background(), "a"))

	got, _ := store.Get("a")
	assert.Equal(t, StepStatusWarning, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Contains(t, got.OutputLog, "No command specified for this step")
	assert.Empty(t, commands.allCalls())
	assert.Empty(t, store.CompletedIDs())

	store = newTestStore(t, noop)
	e = newTestExecutor(t, store, commands, func(c *ExecutorConfig) { c.NoopStatus = StepStatusSuccess })
	require.NoError(t, e.Execute(context.Background(), "a"))
	got, _ = store.Get("a")
	assert.Equal(t, StepStatusSuccess, got.Status)
	assert.Equal(t, []string{"a"}, store.CompletedIDs())
}

func TestStepExecutor_ConnectAction(t *testing.T) {
	connect := DeploymentStep{ID: ConnectStepID, Title: "Connect to cluster"}

	t.Run("connected", func(t *testing.T) {
		store := newTestStore(t, connect)
		conn := &fakeConnector{ok: true}
		e := newTestExecutor(t, store, newScriptedCommands(), func(c *ExecutorConfig) { c.Connector = conn })

		require.NoError(t, e.Execute(context.Background(), ConnectStepID))
		assert.Equal(t, 1, conn.calls)
	})

	t.Run("not connected is retried", func(t *testing.T) {
		store := newTestStore(t, connect)
		conn := &fakeConnector{ok: false}
		e := newTestExecutor(t, store, newScriptedCommands(), func(c *ExecutorConfig) { c.Connector = conn })

		err := e.Execute(context.Background(), ConnectStepID)
		derr, ok := AsDeploymentError(err)
		require.True(t, ok)
		assert.Equal(t, CodeConnectionFailed, derr.Code)
		assert.Equal(t, "platform", derr.Details["cluster"])
		assert.Equal(t, 3, conn.calls)
	})

	t.Run("no connector", func(t *testing.T) {
		store := newTestStore(t, connect)
		e := newTestExecutor(t, store, newScriptedCommands())

		err := e.Execute(context.Background(), ConnectStepID)
		derr, ok := AsDeploymentError(err)
		require.True(t, ok)
		assert.Equal(t, CodeInvalidConfig, derr.Code)
	})

	t.Run("explicit action", func(t *testing.T) {
		step := DeploymentStep{ID: "attach", Title: "Attach", Action: ActionConnect}
		store := newTestStore(t, step)
		conn := &fakeConnector{ok: true}
		commands := newScriptedCommands()
		e := newTestExecutor(t, store, commands, func(c *ExecutorConfig) { c.Connector = conn })

		require.NoError(t, e.Execute(context.Background(), "attach"))
		assert.Equal(t, 1, conn.calls)
		assert.Empty(t, commands.allCalls())
	})
}

func TestStepExecutor_Guards(t *testing.T) {
	t.Run("unknown step", func(t *testing.T) {
		e := newTestExecutor(t, newTestStore(t, cmdStep("a")), newScriptedCommands())
		assert.ErrorIs(t, e.Execute(context.Background(), "nope"), ErrStepNotFound)
	})

	t.Run("cancelled", func(t *testing.T) {
		store := newTestStore(t, cmdStep("a"))
		commands := newScriptedCommands()
		e := newTestExecutor(t, store, commands, func(c *ExecutorConfig) {
			c.Cancelled = func() bool { return true }
		})

		err := e.Execute(context.Background(), "a")
		derr, ok := AsDeploymentError(err)
		require.True(t, ok)
		assert.Equal(t, CodeCancelled, derr.Code)
		assert.Empty(t, commands.allCalls())

		got, _ := store.Get("a")
		assert.Equal(t, StepStatusPending, got.Status)
	})

	t.Run("unmet dependency", func(t *testing.T) {
		store := newTestStore(t, cmdStep("a"), cmdStep("b", "a"))
		commands := newScriptedCommands()
		e := newTestExecutor(t, store, commands)

		err := e.Execute(context.Background(), "b")
		derr, ok := AsDeploymentError(err)
		require.True(t, ok)
		assert.Equal(t, CodeDependencyFailed, derr.Code)
		assert.Equal(t, []string{"a"}, derr.Details["unmet"])
		assert.Empty(t, commands.allCalls())

		got, _ := store.Get("b")
		assert.Equal(t, StepStatusPending, got.Status)
	})

	t.Run("invalid config", func(t *testing.T) {
		store := newTestStore(t, cmdStep("a"))
		commands := newScriptedCommands()
		e := newTestExecutor(t, store, commands, func(c *ExecutorConfig) {
			c.Validator = staticValidator{Valid: false, Errors: []string{"region is required"}}
		})

		err := e.Execute(context.Background(), "a")
		derr, ok := AsDeploymentError(err)
		require.True(t, ok)
		assert.Equal(t, CodeInvalidConfig, derr.Code)
		assert.Empty(t, commands.allCalls())

		got, _ := store.Get("a")
		assert.Equal(t, StepStatusError, got.Status)
	})
}

func TestStepExecutor_Timeout(t *testing.T) {
	store := newTestStore(t, cmdStep("a"))
	commands := newScriptedCommands()
	commands.block = make(chan struct{})
	defer close(commands.block)

	e := newTestExecutor(t, store, commands, func(c *ExecutorConfig) {
		c.Strategy = RetryStrategy{MaxAttempts: 1, BackoffFactor: 2}
		c.Timeout = 20 * time.Millisecond
	})

	err := e.Execute(context.Background(), "a")
	derr, ok := AsDeploymentError(err)
	require.True(t, ok)
	assert.Equal(t, CodeTimeout, derr.Code)
	assert.True(t, derr.Recoverable)
	assert.Equal(t, "20ms", derr.Details["timeout"])
	assert.Equal(t, "TIMEOUT", derr.Details["originalCode"])
}

func TestStepExecutor_StepTimeoutOverride(t *testing.T) {
	step := cmdStep("a")
	step.Timeout = 10 * time.Millisecond
	store := newTestStore(t, step)
	commands := newScriptedCommands()
	commands.block = make(chan struct{})
	defer close(commands.block)

	e := newTestExecutor(t, store, commands, func(c *ExecutorConfig) {
		c.Strategy = RetryStrategy{MaxAttempts: 1, BackoffFactor: 2}
		c.Timeout = time.Hour
	})

	err := e.Execute(context.Background(), "a")
	derr, ok := AsDeploymentError(err)
	require.True(t, ok)
	assert.Equal(t, "10ms", derr.Details["timeout"])
}

// lateReporter reports progress only after its context has been cancelled.
type lateReporter struct {
	reported chan struct{}
}

func (l *lateReporter) Execute(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	<-ctx.Done()
	req.OnProgress(90)
	close(l.reported)
	return nil, ctx.Err()
}

func TestStepExecutor_IgnoresProgressAfterTimeout(t *testing.T) {
	store := newTestStore(t, cmdStep("a"))
	commands := &lateReporter{reported: make(chan struct{})}

	e := newTestExecutor(t, store, commands, func(c *ExecutorConfig) {
		c.Strategy = RetryStrategy{MaxAttempts: 1, BackoffFactor: 2}
		c.Timeout = 10 * time.Millisecond
	})
	require.Error(t, e.Execute(context.Background(), "a"))

	select {
	case <-commands.reported:
	case <-time.After(2 * time.Second):
		t.Fatal("command never observed cancellation")
	}

	got, _ := store.Get("a")
	assert.Equal(t, StepStatusError, got.Status)
	assert.Equal(t, 0, got.Progress)
}

type panickingCommands struct{}

func (panickingCommands) Execute(context.Context, CommandRequest) (*CommandResult, error) {
	panic("executor bug")
}

func TestStepExecutor_RecoversPanics(t *testing.T) {
	store := newTestStore(t, cmdStep("a"))
	e := newTestExecutor(t, store, panickingCommands{})

	err := e.Execute(context.Background(), "a")
	derr, ok := AsDeploymentError(err)
	require.True(t, ok)
	assert.Equal(t, CodeUnknown, derr.Code)
	assert.Contains(t, derr.Message, "executor bug")
}

func TestStepExecutor_BackoffOnFakeClock(t *testing.T) {
	clk := clockwork.NewFakeClock()
	store := newTestStore(t, cmdStep("a"))
	commands := newScriptedCommands()
	commands.queue("a",
		commandOutcome{result: &CommandResult{Success: false, ErrorCode: "Throttling"}},
		commandOutcome{result: &CommandResult{Success: false, ErrorCode: "Throttling"}},
	)

	var mu sync.Mutex
	var delays []time.Duration
	e := newTestExecutor(t, store, commands, func(c *ExecutorConfig) {
		c.Clock = clk
		c.Strategy = RetryStrategy{MaxAttempts: 3, InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 30 * time.Second}
		c.Policy = NewRetryPolicy(WithJitter(func() float64 { return 0.5 }))
		c.OnRetry = func(_ string, _ int, d time.Duration, _ *DeploymentError) {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
		}
	})

	done := make(chan error, 1)
	go func() { done <- e.Execute(context.Background(), "a") }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1, commands.callCount("a"))
	clk.Advance(2 * time.Second)

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	assert.Equal(t, 2, commands.callCount("a"))
	clk.Advance(4 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("step did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
	assert.Equal(t, 3, commands.callCount("a"))
}

func TestStepExecutor_ContextCancelledDuringBackoff(t *testing.T) {
	clk := clockwork.NewFakeClock()
	store := newTestStore(t, cmdStep("a"))
	commands := newScriptedCommands()
	commands.failAlways("a", "ServiceUnavailable", "try later")

	e := newTestExecutor(t, store, commands, func(c *ExecutorConfig) {
		c.Clock = clk
		c.Strategy = DefaultRetryStrategy
	})

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Execute(runCtx, "a") }()

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(waitCtx, 1))
	stop()

	var err error
	select {
	case err = <-done:
	case <-waitCtx.Done():
		t.Fatal("step did not stop")
	}

	var derr *DeploymentError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, CodeCancelled, derr.Code)
	assert.Equal(t, 1, commands.callCount("a"))
}

func TestStepExecutor_SilentSendsNoNotifications(t *testing.T) {
	store := newTestStore(t, cmdStep("a"))
	notify := &recordingNotify{}
	e := newTestExecutor(t, store, newScriptedCommands(), func(c *ExecutorConfig) {
		c.Notify = notify
		c.Silent = true
	})

	require.NoError(t, e.Execute(context.Background(), "a"))
	assert.Empty(t, notify.titles())
}

func TestStepExecutor_NoopStepNotifies(t *testing.T) {
	noop := DeploymentStep{ID: "a", Title: "Placeholder"}

	notify := &recordingNotify{}
	e := newTestExecutor(t, newTestStore(t, noop), newScriptedCommands(), func(c *ExecutorConfig) { c.Notify = notify })
	require.NoError(t, e.Execute(context.Background(), "a"))
	require.Len(t, notify.items, 1)
	assert.Equal(t, "Step has no command", notify.items[0].title)
	assert.Equal(t, "Placeholder", notify.items[0].message)
	assert.Equal(t, SeverityWarning, notify.items[0].severity)

	silent := &recordingNotify{}
	e = newTestExecutor(t, newTestStore(t, noop), newScriptedCommands(), func(c *ExecutorConfig) {
		c.Notify = silent
		c.Silent = true
	})
	require.NoError(t, e.Execute(context.Background(), "a"))
	assert.Empty(t, silent.titles())
}

func TestStepExecutor_DoesNotMutateCollaboratorErrors(t *testing.T) {
	store := newTestStore(t, cmdStep("a"))
	original := NewDeploymentError(CodePermissionDenied, "denied", nil).WithDetail("origin", "plugin")
	commands := newScriptedCommands()
	commands.queue("a", commandOutcome{err: original})

	e := newTestExecutor(t, store, commands)
	err := e.Execute(context.Background(), "a")

	derr, ok := AsDeploymentError(err)
	require.True(t, ok)
	assert.NotSame(t, original, derr)
	assert.Equal(t, "a", derr.Step)
	assert.Equal(t, 1, derr.Details["attempts"])
	assert.Equal(t, "plugin", derr.Details["origin"])

	assert.Empty(t, original.Step)
	assert.Equal(t, map[string]interface{}{"origin": "plugin"}, original.Details)
}
