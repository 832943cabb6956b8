package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// ExecFailedCode is reported for commands that exit with a non-zero status.
const ExecFailedCode = "EXEC_FAILED"

// maxErrorLines bounds how much stderr is copied into the error message.
const maxErrorLines = 5

// ShellExecutor runs step commands through a local shell. The deployment
// target is exported to the command as SHIPYARD_* environment variables.
type ShellExecutor struct {
	shell   string
	dir     string
	env     map[string]string
	grace   time.Duration
	logger  zerolog.Logger
	environ func() []string
}

// ShellOption configures a ShellExecutor.
type ShellOption func(*ShellExecutor)

// WithShell sets the shell used for `-c`. Defaults to /bin/sh.
func WithShell(shell string) ShellOption {
	return func(s *ShellExecutor) { s.shell = shell }
}

// WithWorkDir sets the working directory of every command.
func WithWorkDir(dir string) ShellOption {
	return func(s *ShellExecutor) { s.dir = dir }
}

// WithEnv adds environment variables to every command.
func WithEnv(env map[string]string) ShellOption {
	return func(s *ShellExecutor) {
		for k, v := range env {
			s.env[k] = v
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ShellOption {
	return func(s *ShellExecutor) { s.logger = logger }
}

// WithKillGrace bounds how long output is awaited after a command is killed.
func WithKillGrace(d time.Duration) ShellOption {
	return func(s *ShellExecutor) { s.grace = d }
}

// NewShellExecutor creates a shell executor.
func NewShellExecutor(opts ...ShellOption) *ShellExecutor {
	s := &ShellExecutor{
		shell:   "/bin/sh",
		env:     make(map[string]string),
		grace:   2 * time.Second,
		logger:  zerolog.Nop(),
		environ: os.Environ,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute implements engine.CommandExecutor. Non-zero exits are reported as
// a failed result; an error is returned only when the command could not run
// or the context ended first.
func (s *ShellExecutor) Execute(ctx context.Context, req engine.CommandRequest) (*engine.CommandResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, &engine.ProviderError{Code: engine.CodeValidationFailed, Message: "command is required"}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, s.shell, "-c", req.Command)
	cmd.Dir = s.dir
	cmd.Env = s.environment(req)
	cmd.WaitDelay = s.grace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := s.logger.With().
		Str("step_id", req.StepID).
		Str("provider", string(req.Provider)).
		Logger()
	log.Debug().Str("command", req.Command).Msg("Executing command")

	if req.OnProgress != nil {
		req.OnProgress(0)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	logs := append(lines(stdout.String()), lines(stderr.String())...)

	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Warn().Dur("duration", duration).Err(ctxErr).Msg("Command interrupted")
		return nil, fmt.Errorf("command %q: %w", req.Command, ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}

		log.Warn().Int("exit_code", exitErr.ExitCode()).Dur("duration", duration).Msg("Command failed")
		return exitResult(req.Command, exitErr.ExitCode(), stderr.String(), logs, duration), nil
	}

	if req.OnProgress != nil {
		req.OnProgress(100)
	}
	log.Debug().Dur("duration", duration).Msg("Command completed")

	return &engine.CommandResult{
		Success:  true,
		Logs:     logs,
		Progress: 100,
	}, nil
}

// environment returns the process environment plus the deployment target.
func (s *ShellExecutor) environment(req engine.CommandRequest) []string {
	env := s.environ()
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	return append(env, targetEnv(req)...)
}

// exitResult reports a command that ran and exited with a non-zero status.
func exitResult(command string, exitCode int, stderr string, logs []string, duration time.Duration) *engine.CommandResult {
	msg := fmt.Sprintf("command exited with status %d", exitCode)
	if tail := lastLines(stderr, maxErrorLines); tail != "" {
		msg += ": " + tail
	}
	return &engine.CommandResult{
		Success:   false,
		Logs:      logs,
		Error:     msg,
		ErrorCode: ExecFailedCode,
		ErrorDetails: map[string]interface{}{
			"exitCode": exitCode,
			"command":  command,
			"duration": duration.String(),
		},
	}
}

// targetEnv returns the SHIPYARD_* variables describing the deployment target.
func targetEnv(req engine.CommandRequest) []string {
	return []string{
		"SHIPYARD_STEP_ID=" + req.StepID,
		"SHIPYARD_PROVIDER=" + string(req.Provider),
		"SHIPYARD_REGION=" + req.Region,
		"SHIPYARD_ENVIRONMENT=" + string(req.Environment),
	}
}

func lines(s string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func lastLines(s string, n int) string {
	all := lines(s)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return strings.Join(all, "; ")
}
