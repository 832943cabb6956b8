package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// DefaultConnectTimeout bounds each connection command.
const DefaultConnectTimeout = 2 * time.Minute

// CommandConnector connects to the target cluster by running the provider's
// credentials command followed by a reachability probe through a
// CommandExecutor. It implements engine.ClusterConnector.
type CommandConnector struct {
	commands engine.CommandExecutor
	timeout  time.Duration
	probe    string
	logger   zerolog.Logger
}

// ConnectorOption configures a CommandConnector.
type ConnectorOption func(*CommandConnector)

// WithProbe replaces the reachability probe command.
func WithProbe(command string) ConnectorOption {
	return func(c *CommandConnector) { c.probe = command }
}

// WithConnectTimeout bounds each connection command.
func WithConnectTimeout(d time.Duration) ConnectorOption {
	return func(c *CommandConnector) { c.timeout = d }
}

// WithConnectorLogger sets the logger.
func WithConnectorLogger(logger zerolog.Logger) ConnectorOption {
	return func(c *CommandConnector) { c.logger = logger }
}

// NewCommandConnector creates a connector running its commands through commands.
func NewCommandConnector(commands engine.CommandExecutor, opts ...ConnectorOption) *CommandConnector {
	c := &CommandConnector{
		commands: commands,
		timeout:  DefaultConnectTimeout,
		probe:    "kubectl cluster-info",
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect implements engine.ClusterConnector. A command that runs but fails
// reports false; errors from the executor are returned for classification.
func (c *CommandConnector) Connect(ctx context.Context, cfg engine.DeploymentConfig) (bool, error) {
	for _, command := range c.Commands(cfg) {
		res, err := c.commands.Execute(ctx, engine.CommandRequest{
			StepID:      engine.ConnectStepID,
			Command:     command,
			Provider:    cfg.Provider,
			Region:      cfg.Region,
			Environment: cfg.Environment,
			Timeout:     c.timeout,
		})
		if err != nil {
			return false, err
		}
		if res == nil || !res.Success {
			ev := c.logger.Warn().
				Str("cluster", cfg.ClusterName).
				Str("command", command)
			if res != nil {
				ev = ev.Str("error", res.Error)
			}
			ev.Msg("Cluster connection command failed")
			return false, nil
		}
	}

	c.logger.Info().
		Str("cluster", cfg.ClusterName).
		Str("provider", string(cfg.Provider)).
		Msg("Connected to cluster")
	return true, nil
}

// Commands returns the commands Connect runs for cfg, in order.
func (c *CommandConnector) Commands(cfg engine.DeploymentConfig) []string {
	var out []string
	if creds := credentialsCommand(cfg); creds != "" {
		out = append(out, creds)
	}
	if c.probe != "" {
		out = append(out, c.probe)
	}
	return out
}

// credentialsCommand writes the cluster's kubeconfig entry with the provider CLI.
func credentialsCommand(cfg engine.DeploymentConfig) string {
	switch cfg.Provider {
	case engine.ProviderAWS:
		return fmt.Sprintf("aws eks update-kubeconfig --region %s --name %s", cfg.Region, cfg.ClusterName)
	case engine.ProviderAzure:
		group := cfg.ResourcePrefix
		if group == "" {
			group = cfg.ClusterName
		}
		return fmt.Sprintf("az aks get-credentials --resource-group %s --name %s --overwrite-existing", group, cfg.ClusterName)
	case engine.ProviderGCP:
		return fmt.Sprintf("gcloud container clusters get-credentials %s --region %s", cfg.ClusterName, cfg.Region)
	default:
		return ""
	}
}
