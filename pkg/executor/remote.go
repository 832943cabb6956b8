package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/engine"
	sshtransport "github.com/openfroyo/shipyard/pkg/transports/ssh"
)

// RemoteRunner runs a command on a remote host. Commands that exit
// unsuccessfully return an *ssh.ExitError from pkg/transports/ssh.
type RemoteRunner interface {
	Run(ctx context.Context, command string, stdout, stderr io.Writer) error
}

// DirUploader copies a local directory to the remote host.
type DirUploader interface {
	UploadDir(ctx context.Context, localDir, remoteDir string) (sshtransport.TransferStats, error)
}

// RemoteExecutor runs step commands on a bastion host. The deployment target
// is exported to each command as SHIPYARD_* variables, the same as for
// ShellExecutor.
type RemoteExecutor struct {
	runner   RemoteRunner
	dir      string
	env      map[string]string
	syncFrom string
	logger   zerolog.Logger

	syncMu sync.Mutex
	synced bool
}

// RemoteOption configures a RemoteExecutor.
type RemoteOption func(*RemoteExecutor)

// WithRemoteDir sets the remote working directory, which is also the
// destination of WithSync.
func WithRemoteDir(dir string) RemoteOption {
	return func(r *RemoteExecutor) { r.dir = dir }
}

// WithRemoteEnv exports extra variables to every remote command.
func WithRemoteEnv(env map[string]string) RemoteOption {
	return func(r *RemoteExecutor) {
		for k, v := range env {
			r.env[k] = v
		}
	}
}

// WithSync uploads localDir to the remote working directory before the
// first command. The runner must implement DirUploader.
func WithSync(localDir string) RemoteOption {
	return func(r *RemoteExecutor) { r.syncFrom = localDir }
}

// WithRemoteLogger sets the logger.
func WithRemoteLogger(logger zerolog.Logger) RemoteOption {
	return func(r *RemoteExecutor) { r.logger = logger }
}

// NewRemoteExecutor creates an executor that runs commands through runner.
func NewRemoteExecutor(runner RemoteRunner, opts ...RemoteOption) *RemoteExecutor {
	r := &RemoteExecutor{
		runner: runner,
		env:    make(map[string]string),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute implements engine.CommandExecutor.
func (r *RemoteExecutor) Execute(ctx context.Context, req engine.CommandRequest) (*engine.CommandResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, &engine.ProviderError{Code: engine.CodeValidationFailed, Message: "command is required"}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	log := r.logger.With().
		Str("step_id", req.StepID).
		Str("provider", string(req.Provider)).
		Logger()

	if req.OnProgress != nil {
		req.OnProgress(0)
	}

	if err := r.syncOnce(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("sync %s: %w", r.syncFrom, ctxErr)
		}
		return nil, remoteError(fmt.Errorf("failed to sync %s: %w", r.syncFrom, err))
	}

	log.Debug().Str("command", req.Command).Msg("Executing remote command")

	var stdout, stderr bytes.Buffer
	start := time.Now()
	err := r.runner.Run(ctx, r.script(req), &stdout, &stderr)
	duration := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Warn().Dur("duration", duration).Err(ctxErr).Msg("Remote command interrupted")
		return nil, fmt.Errorf("command %q: %w", req.Command, ctxErr)
	}

	logs := append(lines(stdout.String()), lines(stderr.String())...)

	var exitErr *sshtransport.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		log.Warn().Int("exit_code", exitErr.Status).Dur("duration", duration).Msg("Remote command failed")
		return exitResult(req.Command, exitErr.Status, stderr.String(), logs, duration), nil
	default:
		log.Warn().Err(err).Msg("Remote execution failed")
		return nil, remoteError(err)
	}

	if req.OnProgress != nil {
		req.OnProgress(100)
	}
	log.Debug().Dur("duration", duration).Msg("Remote command completed")

	return &engine.CommandResult{
		Success:  true,
		Logs:     logs,
		Progress: 100,
	}, nil
}

// syncOnce uploads the sync directory until one upload has succeeded.
func (r *RemoteExecutor) syncOnce(ctx context.Context) error {
	if r.syncFrom == "" {
		return nil
	}

	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	if r.synced {
		return nil
	}

	uploader, ok := r.runner.(DirUploader)
	if !ok {
		return errors.New("remote runner cannot upload files")
	}

	remoteDir := r.dir
	if remoteDir == "" {
		remoteDir = "."
	}
	stats, err := uploader.UploadDir(ctx, r.syncFrom, remoteDir)
	if err != nil {
		return err
	}

	r.synced = true
	r.logger.Info().
		Str("local", r.syncFrom).
		Str("remote", remoteDir).
		Int("files", stats.Files).
		Int("unchanged", stats.Skipped).
		Int64("bytes", stats.Bytes).
		Msg("Synced deployment files")
	return nil
}

// script wraps the step command with the working directory and exports.
func (r *RemoteExecutor) script(req engine.CommandRequest) string {
	var b strings.Builder
	if r.dir != "" {
		b.WriteString("cd " + shellQuote(r.dir) + " || exit 1\n")
	}

	keys := make([]string, 0, len(r.env))
	for k := range r.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	exports := make([]string, 0, len(keys)+4)
	for _, k := range keys {
		exports = append(exports, k+"="+shellQuote(r.env[k]))
	}
	for _, kv := range targetEnv(req) {
		name, value, _ := strings.Cut(kv, "=")
		exports = append(exports, name+"="+shellQuote(value))
	}
	b.WriteString("export " + strings.Join(exports, " ") + "\n")

	b.WriteString(req.Command)
	return b.String()
}

// remoteError maps transport failures onto provider error codes so the
// classifier sees connection problems as retryable.
func remoteError(err error) error {
	var te *sshtransport.TransportError
	if !errors.As(err, &te) {
		return fmt.Errorf("remote execution failed: %w", err)
	}
	switch {
	case te.IsAuthError:
		return &engine.ProviderError{Code: engine.CodePermissionDenied, Message: err.Error()}
	case te.IsTemporary:
		return &engine.ProviderError{Code: engine.CodeConnectionFailed, Message: err.Error()}
	default:
		return fmt.Errorf("remote execution failed: %w", err)
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
