package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/openfroyo/shipyard/pkg/policy"
	"github.com/openfroyo/shipyard/pkg/stores"
)

var (
	colorPrimary = lipgloss.AdaptiveColor{Light: "#1e66f5", Dark: "#89b4fa"}
	colorSuccess = lipgloss.AdaptiveColor{Light: "#40a02b", Dark: "#a6e3a1"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#df8e1d", Dark: "#f9e2af"}
	colorError   = lipgloss.AdaptiveColor{Light: "#d20f39", Dark: "#f38ba8"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#6c6f85", Dark: "#6c7086"}
)

// styles holds the lipgloss styles used for terminal output.
type styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	Panel   lipgloss.Style
	Header  lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(colorPrimary),
		Label:   lipgloss.NewStyle().Foreground(colorMuted).Width(12),
		Success: lipgloss.NewStyle().Foreground(colorSuccess),
		Warning: lipgloss.NewStyle().Foreground(colorWarning),
		Error:   lipgloss.NewStyle().Foreground(colorError),
		Muted:   lipgloss.NewStyle().Foreground(colorMuted),
		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1),
		Header: lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Padding(0, 1),
	}
}

// stepIcon renders the status marker of a step.
func (s styles) stepIcon(status engine.StepStatus) string {
	switch status {
	case engine.StepStatusSuccess:
		return s.Success.Render("✓")
	case engine.StepStatusWarning:
		return s.Warning.Render("!")
	case engine.StepStatusError, engine.StepStatusRollbackFailed:
		return s.Error.Render("✗")
	case engine.StepStatusInProgress:
		return s.Title.Render("▸")
	case engine.StepStatusRollingBack, engine.StepStatusRolledBack:
		return s.Warning.Render("↺")
	case engine.StepStatusRollbackSkipped:
		return s.Muted.Render("↷")
	default:
		return s.Muted.Render("·")
	}
}

func (s styles) runStatus(status engine.RunStatus) string {
	switch status {
	case engine.RunStatusCompleted:
		return s.Success.Render(string(status))
	case engine.RunStatusFailed, engine.RunStatusAborted:
		return s.Error.Render(string(status))
	case engine.RunStatusCancelled:
		return s.Warning.Render(string(status))
	default:
		return s.Title.Render(string(status))
	}
}

func (s styles) field(label, value string) string {
	return s.Label.Render(label) + value
}

// consoleSink prints step transitions and retries as they happen.
type consoleSink struct {
	mu     sync.Mutex
	w      io.Writer
	styles styles
}

func newConsoleSink(w io.Writer) *consoleSink {
	return &consoleSink{w: w, styles: defaultStyles()}
}

func (c *consoleSink) StepChanged(_ context.Context, _ string, change engine.StepChange) {
	step := change.Step
	if step.Status == change.Previous {
		return
	}

	var line string
	switch step.Status {
	case engine.StepStatusInProgress, engine.StepStatusSuccess, engine.StepStatusWarning:
		line = fmt.Sprintf("%s %s", c.styles.stepIcon(step.Status), step.Title)
	case engine.StepStatusError:
		line = fmt.Sprintf("%s %s", c.styles.stepIcon(step.Status), step.Title)
		if step.ErrorMessage != "" {
			line += " " + c.styles.Error.Render(step.ErrorMessage)
		}
	case engine.StepStatusRolledBack, engine.StepStatusRollbackSkipped, engine.StepStatusRollbackFailed:
		line = fmt.Sprintf("%s %s %s", c.styles.stepIcon(step.Status), step.Title, c.styles.Muted.Render(string(step.Status)))
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}

func (c *consoleSink) RunEvent(_ context.Context, event engine.RunEvent) {
	var line string
	switch event.Type {
	case engine.EventTypeStepRetry, engine.EventTypeReadinessWarning:
		line = c.styles.Warning.Render("  " + event.Message)
	case engine.EventTypeRollbackStarted:
		line = c.styles.Warning.Render(event.Message)
	case engine.EventTypeRunAborted:
		line = c.styles.Error.Render(event.Message)
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, line)
}

// renderRunSummary prints the outcome of a run.
func renderRunSummary(w io.Writer, res *engine.RunResult) {
	s := defaultStyles()

	var b strings.Builder
	b.WriteString(s.Title.Render("Deployment "+res.RunID) + "\n")
	b.WriteString(s.field("Status", s.runStatus(res.Status)) + "\n")
	b.WriteString(s.field("Target", fmt.Sprintf("%s/%s %s (%s)",
		res.Config.Provider, res.Config.Region, res.Config.ClusterName, res.Config.Environment)) + "\n")
	b.WriteString(s.field("Progress", fmt.Sprintf("%.2f%%", res.OverallProgress)) + "\n")
	b.WriteString(s.field("Duration", res.Duration().Round(time.Millisecond).String()))
	if res.Error != nil {
		b.WriteString("\n" + s.field("Error", s.Error.Render(res.Error.UserMessage(true))))
	}

	fmt.Fprintln(w, s.Panel.Render(b.String()))
	renderSteps(w, res.Steps)

	if res.Rollback != nil && len(res.Rollback.ManualIntervention) > 0 {
		fmt.Fprintln(w, s.Warning.Render("Manual rollback required for: "+strings.Join(res.Rollback.ManualIntervention, ", ")))
	}
}

// renderSteps prints one line per step.
func renderSteps(w io.Writer, steps []engine.DeploymentStep) {
	s := defaultStyles()
	for _, step := range steps {
		line := fmt.Sprintf("  %s %-28s %s", s.stepIcon(step.Status), step.Title, s.Muted.Render(string(step.Status)))
		if step.ErrorCode != "" {
			line += "  " + s.Error.Render(step.ErrorCode)
		}
		fmt.Fprintln(w, line)
	}
}

// renderReadiness prints readiness checks as a table with a verdict line.
func renderReadiness(w io.Writer, checks []engine.ReadinessCheck) {
	s := defaultStyles()
	summary := policy.Summarize(checks)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(s.Muted).
		Headers("CHECK", "CATEGORY", "RESULT", "MESSAGE").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.Header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	for _, c := range checks {
		result := s.Success.Render("pass")
		switch {
		case !c.Passed && c.Critical:
			result = s.Error.Render("fail")
		case !c.Passed:
			result = s.Warning.Render("warn")
		}
		t.Row(c.Name, string(c.Category), result, c.Message)
	}
	fmt.Fprintln(w, t.Render())

	verdict := s.Success.Render("ready")
	if !summary.Ready() {
		verdict = s.Error.Render("not ready")
	}
	fmt.Fprintf(w, "%s: %d passed, %d critical failures, %d warnings\n",
		verdict, summary.Passed, summary.FailedCritical, summary.FailedWarning)
}

// renderRuns prints recorded runs as a table.
func renderRuns(w io.Writer, runs []*stores.Run) {
	s := defaultStyles()
	if len(runs) == 0 {
		fmt.Fprintln(w, s.Muted.Render("No recorded runs"))
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(s.Muted).
		Headers("RUN", "STARTED", "TARGET", "STATUS", "STEPS", "DURATION").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.Header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	for _, r := range runs {
		t.Row(
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			fmt.Sprintf("%s/%s %s", r.Provider, r.Environment, r.ClusterName),
			s.runStatus(r.Status),
			fmt.Sprintf("%d/%d", r.CompletedCount, r.StepCount),
			r.Duration().Round(time.Millisecond).String(),
		)
	}
	fmt.Fprintln(w, t.Render())
}

// renderRun prints a recorded run with its steps and latest events.
func renderRun(w io.Writer, run *stores.Run, steps []*stores.StepRecord, events []*stores.EventRecord) {
	s := defaultStyles()

	var b strings.Builder
	b.WriteString(s.Title.Render("Run "+run.ID) + "\n")
	b.WriteString(s.field("Status", s.runStatus(run.Status)) + "\n")
	b.WriteString(s.field("Target", fmt.Sprintf("%s/%s %s/%s (%s)",
		run.Provider, run.Region, run.ClusterName, run.Namespace, run.Environment)) + "\n")
	if run.Pipeline != "" {
		b.WriteString(s.field("Pipeline", run.Pipeline) + "\n")
	}
	b.WriteString(s.field("Started", run.StartedAt.Local().Format(time.DateTime)) + "\n")
	b.WriteString(s.field("Progress", fmt.Sprintf("%.2f%% (%d/%d steps)", run.Progress, run.CompletedCount, run.StepCount)))
	if run.Error != "" {
		b.WriteString("\n" + s.field("Error", s.Error.Render(run.Error)))
	}
	fmt.Fprintln(w, s.Panel.Render(b.String()))

	for _, st := range steps {
		line := fmt.Sprintf("  %s %-28s %s", s.stepIcon(st.Status), st.Title, s.Muted.Render(string(st.Status)))
		if st.ErrorCode != "" {
			line += "  " + s.Error.Render(st.ErrorCode)
		}
		fmt.Fprintln(w, line)
	}

	if len(events) > 0 {
		fmt.Fprintln(w)
		for _, e := range events {
			fmt.Fprintf(w, "  %s %s\n", s.Muted.Render(e.Timestamp.Local().Format(time.TimeOnly)), e.Message)
		}
	}
}
