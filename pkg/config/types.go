package config

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// Pipeline is a deployment described in a pipeline file.
type Pipeline struct {
	// Config is the deployment target.
	Config engine.DeploymentConfig `json:"config" yaml:"config"`

	// Retry overrides the default retry strategy.
	Retry *RetrySpec `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Timeout bounds each step invocation. Zero keeps the engine default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`

	// Steps run in the order they are declared.
	Steps []StepSpec `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

// RetrySpec is the retry section of a pipeline file. Unset fields keep the
// engine defaults.
type RetrySpec struct {
	MaxAttempts   int           `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty" validate:"gte=0"`
	InitialDelay  time.Duration `json:"initialDelay,omitempty" yaml:"initialDelay,omitempty" validate:"gte=0"`
	BackoffFactor float64       `json:"backoffFactor,omitempty" yaml:"backoffFactor,omitempty" validate:"gte=0"`
	MaxDelay      time.Duration `json:"maxDelay,omitempty" yaml:"maxDelay,omitempty" validate:"gte=0"`
}

// StepSpec is a step as written in a pipeline file.
type StepSpec struct {
	ID          string               `json:"id" yaml:"id" validate:"required"`
	Title       string               `json:"title" yaml:"title" validate:"required"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Command     string               `json:"command,omitempty" yaml:"command,omitempty"`
	Action      engine.StepAction    `json:"action,omitempty" yaml:"action,omitempty" validate:"omitempty,oneof=command connect"`
	DependsOn   []string             `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Provider    engine.CloudProvider `json:"provider,omitempty" yaml:"provider,omitempty" validate:"omitempty,oneof=aws azure gcp custom"`
	Timeout     time.Duration        `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	Rollback    *RollbackSpec        `json:"rollback,omitempty" yaml:"rollback,omitempty"`
}

// RollbackSpec undoes a step either with a command or by hand.
type RollbackSpec struct {
	// Command is run through the CommandExecutor to undo the step.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Manual explains what must be undone by hand when there is no command.
	Manual string `json:"manual,omitempty" yaml:"manual,omitempty"`
}

// ParsedPipeline is a pipeline together with where it came from.
type ParsedPipeline struct {
	Pipeline    Pipeline          `json:"pipeline"`
	SourceFiles []string          `json:"source_files"`
	ParsedAt    time.Time         `json:"parsed_at"`
	Errors      []ValidationError `json:"errors,omitempty"`
}

// Err returns the parse errors as a single error, or nil.
func (p *ParsedPipeline) Err() error {
	if len(p.Errors) == 0 {
		return nil
	}
	if len(p.Errors) == 1 {
		return fmt.Errorf("invalid pipeline: %s", p.Errors[0])
	}
	return fmt.Errorf("invalid pipeline: %s (and %d more)", p.Errors[0], len(p.Errors)-1)
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the offending value (e.g., "steps.0.id").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// Strategy merges the retry section over engine.DefaultRetryStrategy.
func (p *Pipeline) Strategy() engine.RetryStrategy {
	s := engine.DefaultRetryStrategy
	if p.Retry == nil {
		return s
	}
	if p.Retry.MaxAttempts > 0 {
		s.MaxAttempts = p.Retry.MaxAttempts
	}
	if p.Retry.InitialDelay > 0 {
		s.InitialDelay = p.Retry.InitialDelay
	}
	if p.Retry.BackoffFactor > 0 {
		s.BackoffFactor = p.Retry.BackoffFactor
	}
	if p.Retry.MaxDelay > 0 {
		s.MaxDelay = p.Retry.MaxDelay
	}
	return s
}

// DeploymentSteps converts the pipeline steps. Rollback commands run through
// commands; without an executor they become manual rollbacks.
func (p *Pipeline) DeploymentSteps(commands engine.CommandExecutor) []engine.DeploymentStep {
	out := make([]engine.DeploymentStep, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, engine.DeploymentStep{
			ID:          s.ID,
			Title:       s.Title,
			Description: s.Description,
			Command:     s.Command,
			Action:      s.Action,
			DependsOn:   append([]string(nil), s.DependsOn...),
			Provider:    s.Provider,
			Timeout:     s.Timeout,
			Rollback:    p.rollbackFor(s, commands),
		})
	}
	return out
}

func (p *Pipeline) rollbackFor(s StepSpec, commands engine.CommandExecutor) engine.Rollback {
	if s.Rollback == nil {
		return nil
	}
	if s.Rollback.Command == "" || commands == nil {
		return engine.ManualRollback{Reason: s.Rollback.Manual}
	}

	cfg := p.Config
	command := s.Rollback.Command
	stepID := s.ID
	timeout := s.Timeout
	if timeout == 0 {
		timeout = p.Timeout
	}
	return engine.RollbackAction{
		Description: command,
		Run: func(ctx context.Context) error {
			res, err := commands.Execute(ctx, engine.CommandRequest{
				StepID:      stepID + ":rollback",
				Command:     command,
				Provider:    cfg.Provider,
				Region:      cfg.Region,
				Environment: cfg.Environment,
				Timeout:     timeout,
			})
			if err != nil {
				return err
			}
			if res == nil || !res.Success {
				msg := "rollback command failed"
				if res != nil && res.Error != "" {
					msg = res.Error
				}
				return &engine.ProviderError{Code: resultCode(res), Message: msg}
			}
			return nil
		},
	}
}

func resultCode(res *engine.CommandResult) string {
	if res == nil || res.ErrorCode == "" {
		return "EXEC_FAILED"
	}
	return res.ErrorCode
}
