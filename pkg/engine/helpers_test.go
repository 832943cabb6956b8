package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedCommands returns results per step from a queue, falling back to success.
type scriptedCommands struct {
	mu       sync.Mutex
	results  map[string][]commandOutcome
	calls    []string
	block    chan struct{}
	progress map[string][]int
}

type commandOutcome struct {
	result *CommandResult
	err    error
}

func newScriptedCommands() *scriptedCommands {
	return &scriptedCommands{
		results:  make(map[string][]commandOutcome),
		progress: make(map[string][]int),
	}
}

func (c *scriptedCommands) queue(stepID string, outcomes ...commandOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[stepID] = append(c.results[stepID], outcomes...)
}

func (c *scriptedCommands) failAlways(stepID string, code, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < 10; i++ {
		c.results[stepID] = append(c.results[stepID], commandOutcome{
			result: &CommandResult{Success: false, Error: message, ErrorCode: code},
		})
	}
}

func (c *scriptedCommands) Execute(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req.StepID)
	var out *commandOutcome
	if q := c.results[req.StepID]; len(q) > 0 {
		out = &q[0]
		c.results[req.StepID] = q[1:]
	}
	progress := c.progress[req.StepID]
	block := c.block
	c.mu.Unlock()

	for _, p := range progress {
		if req.OnProgress != nil {
			req.OnProgress(p)
		}
	}

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if out != nil {
		return out.result, out.err
	}
	return &CommandResult{Success: true, Logs: []string{"ok: " + req.Command}}, nil
}

func (c *scriptedCommands) callCount(stepID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, id := range c.calls {
		if id == stepID {
			n++
		}
	}
	return n
}

func (c *scriptedCommands) allCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type logLine struct {
	message string
	level   LogLevel
}

type recordingLog struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *recordingLog) Log(message string, level LogLevel, _ map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{message: message, level: level})
}

func (l *recordingLog) count(level LogLevel) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if line.level == level {
			n++
		}
	}
	return n
}

type notification struct {
	title    string
	message  string
	severity Severity
}

type recordingNotify struct {
	mu    sync.Mutex
	items []notification
}

func (n *recordingNotify) Notify(title, message string, severity Severity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, notification{title, message, severity})
}

func (n *recordingNotify) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.items))
	for _, i := range n.items {
		out = append(out, i.title)
	}
	return out
}

type recordingEvents struct {
	mu      sync.Mutex
	changes []StepChange
	events  []RunEvent
}

func (e *recordingEvents) StepChanged(_ context.Context, _ string, change StepChange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changes = append(e.changes, change)
}

func (e *recordingEvents) RunEvent(_ context.Context, event RunEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *recordingEvents) ofType(t EventType) []RunEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []RunEvent
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// statusesOf returns every status a step passed through.
func (e *recordingEvents) statusesOf(stepID string) []StepStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []StepStatus
	for _, c := range e.changes {
		if c.Step.ID == stepID && (len(out) == 0 || out[len(out)-1] != c.Step.Status) {
			out = append(out, c.Step.Status)
		}
	}
	return out
}

type fakeConnector struct {
	ok    bool
	err   error
	calls int
}

func (c *fakeConnector) Connect(context.Context, DeploymentConfig) (bool, error) {
	c.calls++
	return c.ok, c.err
}

// noDelay retries immediately so tests never wait on a real clock.
var noDelay = RetryStrategy{
	MaxAttempts:   3,
	InitialDelay:  0,
	BackoffFactor: 2,
	MaxDelay:      0,
}

func stagingConfig() DeploymentConfig {
	return DeploymentConfig{
		Provider:    ProviderAWS,
		Environment: EnvironmentStaging,
		Region:      "us-west-2",
		ClusterName: "platform",
		Namespace:   "apps",
	}
}

func productionConfig() DeploymentConfig {
	cfg := stagingConfig()
	cfg.Environment = EnvironmentProduction
	return cfg
}

func newTestStore(t *testing.T, steps ...DeploymentStep) *StepStore {
	t.Helper()
	store, err := NewStepStore(steps)
	require.NoError(t, err)
	return store
}

func cmdStep(id string, deps ...string) DeploymentStep {
	return DeploymentStep{
		ID:        id,
		Title:     "Step " + id,
		Command:   "run " + id,
		DependsOn: deps,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
