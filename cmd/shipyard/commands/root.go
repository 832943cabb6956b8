package commands

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/config"
	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/openfroyo/shipyard/pkg/stores"
	"github.com/openfroyo/shipyard/pkg/telemetry"
)

// BuildInfo identifies the binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	logLevel        string
	logFormat       string
	telemetryConfig string
	dbPath          string
	jsonOutput      bool
}

// activeRun is the orchestrator of the deploy in progress, if any.
var activeRun atomic.Pointer[engine.Orchestrator]

// CancelActiveRun asks the running deployment to stop after its current
// step. It returns false when no deployment is running.
func CancelActiveRun() bool {
	orch := activeRun.Load()
	if orch == nil {
		return false
	}
	return orch.Cancel()
}

// Execute runs the root command.
func Execute(ctx context.Context, info BuildInfo) error {
	return newRootCommand(info).ExecuteContext(ctx)
}

func newRootCommand(info BuildInfo) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "shipyard",
		Short: "Shipyard - Kubernetes deployment orchestration",
		Long: `Shipyard runs deployment pipelines against Kubernetes clusters on AWS, Azure,
GCP or custom infrastructure.

Features:
  - Pipelines in YAML or CUE, checked against a built-in schema
  - Classified provider errors with automatic retry of transient failures
  - Production readiness checks written in Rego
  - Reverse-order rollback of completed steps in production
  - Run history in SQLite with resume of failed runs
  - Prometheus metrics and OpenTelemetry tracing`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", ""), "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&opts.telemetryConfig, "telemetry-config", "", "telemetry configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", envOr("SHIPYARD_DB", stores.DefaultPath), "run history database")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newDeployCommand(opts, info))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newReadinessCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newVersionCommand(info))

	return rootCmd
}

// loadTelemetryConfig loads the telemetry configuration and applies the flags.
func (o *globalOptions) loadTelemetryConfig(info BuildInfo) (*telemetry.Config, error) {
	cfg := telemetry.DefaultConfig()
	if o.telemetryConfig != "" {
		loaded, err := telemetry.LoadConfig(o.telemetryConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if info.Version != "" {
		cfg.ServiceVersion = info.Version
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	return cfg, nil
}

// logger builds a standalone logger for commands that do not run deployments.
func (o *globalOptions) logger() (*telemetry.Logger, error) {
	cfg, err := o.loadTelemetryConfig(BuildInfo{})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return telemetry.NewLogger(cfg.Logging)
}

// loadPipeline loads the pipeline named in args, or the default file in the
// working directory.
func loadPipeline(args []string) (*config.Pipeline, string, error) {
	path := ""
	if len(args) > 0 {
		path = args[0]
	} else {
		found, err := config.FindPipeline(".")
		if err != nil {
			return nil, "", err
		}
		path = found
	}

	p, err := config.NewLoader().Load(path)
	if err != nil {
		return nil, path, err
	}
	return p, path, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
