package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/config"
	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/openfroyo/shipyard/pkg/executor"
	"github.com/openfroyo/shipyard/pkg/policy"
	"github.com/openfroyo/shipyard/pkg/stores"
	"github.com/openfroyo/shipyard/pkg/telemetry"
	sshtransport "github.com/openfroyo/shipyard/pkg/transports/ssh"
)

type deployOptions struct {
	resume        string
	metricsAddr   string
	policies      []string
	watchPolicies bool
	noHistory     bool
	eventsFile    string
	stepTimeout   time.Duration

	simulate     bool
	seed         uint64
	failureRate  float64
	simLatency   time.Duration
	simSeedIsSet bool

	sshTarget     string
	sshKey        string
	sshKnownHosts string
	sshInsecure   bool
	sshWorkDir    string
	sshSync       string
}

func newDeployCommand(global *globalOptions, info BuildInfo) *cobra.Command {
	opts := &deployOptions{}

	cmd := &cobra.Command{
		Use:   "deploy [pipeline]",
		Short: "Run a deployment pipeline",
		Long: `Run the steps of a deployment pipeline in order.

This command:
  - Loads and validates the pipeline (shipyard.yaml, shipyard.yml or shipyard.cue)
  - Validates the deployment configuration
  - Runs the readiness policies for production targets
  - Executes each step, retrying transient failures with exponential backoff
  - Rolls completed steps back in reverse order when a production run fails
  - Records the run, its steps and events in the history database

Interrupt once to stop after the current step, twice to stop immediately.`,
		Example: `  # Deploy the pipeline in the current directory
  shipyard deploy

  # Deploy a specific pipeline and expose metrics
  shipyard deploy ./deploy/shipyard.cue --metrics-addr :9090

  # Rehearse with the simulator, failing 20% of commands
  shipyard deploy --simulate --failure-rate 0.2 --seed 7

  # Resume a failed run, skipping the steps that succeeded
  shipyard deploy --resume 2f1c9d4e-...

  # Run the commands on a bastion host with the manifests uploaded first
  shipyard deploy --ssh deploy@bastion.example.com --ssh-sync ./manifests --ssh-workdir deploy`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.simSeedIsSet = cmd.Flags().Changed("seed")
			return runDeploy(cmd, global, opts, info, args)
		},
	}

	cmd.Flags().StringVar(&opts.resume, "resume", "", "resume the recorded run with this id")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringSliceVar(&opts.policies, "policies", nil, "additional readiness policy files or directories")
	cmd.Flags().BoolVar(&opts.watchPolicies, "watch-policies", false, "reload policies when their files change")
	cmd.Flags().BoolVar(&opts.noHistory, "no-history", false, "do not record the run")
	cmd.Flags().StringVar(&opts.eventsFile, "events-file", "", "append run events to this file as JSON lines")
	cmd.Flags().DurationVar(&opts.stepTimeout, "step-timeout", 0, "per-step timeout (overrides the pipeline)")
	cmd.Flags().BoolVar(&opts.simulate, "simulate", false, "run commands against the cloud simulator")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "simulator random seed")
	cmd.Flags().Float64Var(&opts.failureRate, "failure-rate", executor.DefaultFailureRate, "simulator failure rate outside production")
	cmd.Flags().DurationVar(&opts.simLatency, "sim-latency", executor.DefaultLatency, "simulator command latency")
	cmd.Flags().StringVar(&opts.sshTarget, "ssh", "", "run commands on this bastion host ([user@]host[:port])")
	cmd.Flags().StringVar(&opts.sshKey, "ssh-key", "", "private key for the bastion (default: the SSH agent or ~/.ssh/id_*)")
	cmd.Flags().StringVar(&opts.sshKnownHosts, "ssh-known-hosts", "", "known_hosts file for the bastion (default ~/.ssh/known_hosts)")
	cmd.Flags().BoolVar(&opts.sshInsecure, "ssh-insecure", false, "skip bastion host key verification")
	cmd.Flags().StringVar(&opts.sshWorkDir, "ssh-workdir", "", "remote working directory for commands")
	cmd.Flags().StringVar(&opts.sshSync, "ssh-sync", "", "upload this local directory to the remote working directory first")
	cmd.MarkFlagsMutuallyExclusive("simulate", "ssh")

	return cmd
}

func runDeploy(cmd *cobra.Command, global *globalOptions, opts *deployOptions, info BuildInfo, args []string) error {
	ctx := cmd.Context()

	pipeline, path, err := loadPipeline(args)
	if err != nil {
		return err
	}
	target := pipeline.Config

	telCfg, err := global.loadTelemetryConfig(info)
	if err != nil {
		return err
	}
	telCfg.Environment = string(target.Environment)
	if opts.metricsAddr != "" {
		telCfg.Metrics.Enabled = true
		telCfg.Metrics.ListenAddress = opts.metricsAddr
	}
	if global.jsonOutput && telCfg.Logging.Output == "stdout" {
		telCfg.Logging.Output = "stderr"
	}

	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	closeEvents := func() {}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "telemetry shutdown: %v\n", err)
		}
		// after Shutdown so queued events are written
		closeEvents()
	}()
	ctx = tel.WithContext(ctx)
	log := tel.Logger.WithDeployment(target)

	ctx, span := tel.Tracer.StartCommandSpan(ctx, "deploy", target)
	defer span.End()

	if err := tel.Metrics.StartMetricsServer(ctx, tel.Logger); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if opts.eventsFile != "" {
		closeEvents, err = subscribeEventsFile(tel.Events, opts.eventsFile)
		if err != nil {
			return err
		}
	}

	commands, connector, closeExecutors, err := buildExecutors(tel, opts)
	if err != nil {
		return err
	}
	defer closeExecutors()

	readiness, stopWatching, err := buildPolicyEngine(ctx, tel.Logger, opts.policies, opts.watchPolicies)
	if err != nil {
		return err
	}
	defer stopWatching()

	steps := pipeline.DeploymentSteps(commands)
	var extra []engine.EventSink

	if !opts.noHistory {
		store, err := stores.OpenSQLiteStore(ctx, global.dbPath)
		if err != nil {
			return fmt.Errorf("failed to open run history: %w", err)
		}
		defer store.Close()

		if opts.resume != "" {
			steps, err = stores.ResumeSteps(ctx, store, opts.resume, steps, target)
			if err != nil {
				return err
			}
			log.WithField("resumed_from", opts.resume).Info("Resuming recorded run")
		}
		extra = append(extra, stores.NewRecorder(store, tel.Logger.Zerolog(), stores.WithPipeline(path)))
	} else if opts.resume != "" {
		return errors.New("--resume needs the run history; remove --no-history")
	}

	out := cmd.OutOrStdout()
	if !global.jsonOutput {
		extra = append(extra, newConsoleSink(out))
	}

	deps := tel.Instrument(engine.Dependencies{
		Commands:  commands,
		Connector: connector,
		Validator: config.NewValidator(),
		Readiness: readiness,
	}, extra...)

	orchOpts := []engine.Option{engine.WithRetryStrategy(pipeline.Strategy())}
	timeout := pipeline.Timeout
	if opts.stepTimeout > 0 {
		timeout = opts.stepTimeout
	}
	if timeout > 0 {
		orchOpts = append(orchOpts, engine.WithStepTimeout(timeout))
	}

	orch, err := engine.NewOrchestrator(deps, orchOpts...)
	if err != nil {
		return err
	}

	activeRun.Store(orch)
	result, runErr := orch.Run(ctx, steps, target)
	activeRun.Store(nil)

	if result == nil {
		telemetry.RecordError(span, runErr)
		return runErr
	}
	log.WithRunID(result.RunID).
		WithField("status", string(result.Status)).
		WithField("trace_id", telemetry.TraceID(ctx)).
		Debug("Deployment finished")

	if global.jsonOutput {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out)
		renderRunSummary(out, result)
	}

	if result.Status != engine.RunStatusCompleted {
		if runErr == nil {
			runErr = fmt.Errorf("deployment %s", result.Status)
		}
		telemetry.RecordError(span, runErr)
		return fmt.Errorf("deployment %s: %w", result.RunID, runErr)
	}
	return nil
}

// buildExecutors returns the command executor and cluster connector for the
// run. The returned func releases any remote connection.
func buildExecutors(tel *telemetry.Telemetry, opts *deployOptions) (engine.CommandExecutor, engine.ClusterConnector, func(), error) {
	noop := func() {}

	if opts.simulate {
		simOpts := []executor.SimulatorOption{
			executor.WithFailureRate(opts.failureRate),
			executor.WithLatency(opts.simLatency),
			executor.WithConnectDelay(min(opts.simLatency, executor.DefaultConnectDelay)),
			executor.WithSimulatorLogger(tel.Logger.NewComponentLogger("simulator").Zerolog()),
		}
		if opts.simSeedIsSet {
			simOpts = append(simOpts, executor.WithSeed(opts.seed))
		}
		sim := executor.NewSimulator(simOpts...)
		return sim, sim, noop, nil
	}

	var commands engine.CommandExecutor
	closer := noop
	if opts.sshTarget != "" {
		client, err := newSSHClient(tel, opts)
		if err != nil {
			return nil, nil, noop, err
		}
		remoteOpts := []executor.RemoteOption{
			executor.WithRemoteDir(opts.sshWorkDir),
			executor.WithRemoteLogger(tel.Logger.NewComponentLogger("remote").Zerolog()),
		}
		if opts.sshSync != "" {
			remoteOpts = append(remoteOpts, executor.WithSync(opts.sshSync))
		}
		commands = executor.NewRemoteExecutor(client, remoteOpts...)
		closer = func() { _ = client.Close() }
	} else {
		if opts.sshSync != "" || opts.sshWorkDir != "" {
			return nil, nil, noop, errors.New("--ssh-sync and --ssh-workdir need --ssh")
		}
		commands = executor.NewShellExecutor(executor.WithLogger(tel.Logger.NewComponentLogger("shell").Zerolog()))
	}

	return commands, executor.NewCommandConnector(commands,
		executor.WithConnectorLogger(tel.Logger.NewComponentLogger("connector").Zerolog())), closer, nil
}

// newSSHClient configures the bastion connection from the flags. Password
// authentication reads SHIPYARD_SSH_PASSWORD.
func newSSHClient(tel *telemetry.Telemetry, opts *deployOptions) (*sshtransport.Client, error) {
	cfg, err := sshtransport.ParseTarget(opts.sshTarget)
	if err != nil {
		return nil, fmt.Errorf("invalid --ssh: %w", err)
	}

	switch {
	case opts.sshKey != "":
		cfg.AuthMethod = sshtransport.AuthMethodKey
		cfg.PrivateKeyPath = opts.sshKey
	case os.Getenv("SHIPYARD_SSH_PASSWORD") != "":
		cfg.AuthMethod = sshtransport.AuthMethodPassword
		cfg.Password = os.Getenv("SHIPYARD_SSH_PASSWORD")
	case os.Getenv("SSH_AUTH_SOCK") != "":
		cfg.AuthMethod = sshtransport.AuthMethodAgent
	}
	if opts.sshKnownHosts != "" {
		cfg.KnownHostsPath = opts.sshKnownHosts
	}
	cfg.InsecureIgnoreHostKey = opts.sshInsecure

	return sshtransport.NewClient(cfg, tel.Logger.NewComponentLogger("ssh").Zerolog())
}

// buildPolicyEngine creates the readiness policy engine with any custom
// policies. The returned func stops watching for policy changes.
func buildPolicyEngine(ctx context.Context, logger *telemetry.Logger, paths []string, watch bool) (*policy.Engine, func(), error) {
	noop := func() {}

	pe, err := policy.NewEngine(logger.Zerolog())
	if err != nil {
		return nil, noop, err
	}
	if len(paths) == 0 {
		return pe, noop, nil
	}

	if !watch {
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return nil, noop, fmt.Errorf("failed to load policies: %w", err)
		}
		return pe, noop, nil
	}

	loader, err := pe.Watch(ctx, paths)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to watch policies: %w", err)
	}
	return pe, func() { _ = loader.StopWatching() }, nil
}

// subscribeEventsFile appends every published event to path as a JSON line.
func subscribeEventsFile(events *telemetry.EventPublisher, path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open events file: %w", err)
	}

	var mu sync.Mutex
	enc := json.NewEncoder(f)
	events.Subscribe(func(event telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(event)
	}, nil)

	return func() {
		mu.Lock()
		defer mu.Unlock()
		_ = f.Close()
	}, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
