// Package engine provides the deployment orchestration core of Shipyard.
//
// # Overview
//
// A deployment run executes an ordered list of steps against a cloud target:
//
//  1. Gate - the DeploymentConfig is validated (ConfigValidator); production runs
//     additionally pass the environment readiness checks (ReadinessChecker)
//  2. Iterate - steps run one at a time in declaration order; a step whose
//     dependencies did not succeed is skipped and left pending
//  3. Execute - StepExecutor invokes the CommandExecutor (or the built-in connect
//     action), retrying timeout and connection failures with jittered backoff
//  4. Halt - the first failing step stops the run
//  5. Rollback - failed production runs undo completed steps in reverse order
//
// # Core Domain Types
//
//   - DeploymentStep: a unit of work with a command, dependencies and a Rollback
//   - DeploymentConfig: provider, environment, region, cluster and namespace
//   - RetryStrategy: attempts, initial delay, backoff factor and max delay
//   - DeploymentError: a classified failure (code, category, severity, recoverable)
//   - RunResult: the outcome of a run including the final step states
//
// # Collaborators
//
// The engine does not run cloud commands itself. Callers supply:
//
//	type CommandExecutor interface {
//	    Execute(ctx context.Context, req CommandRequest) (*CommandResult, error)
//	}
//
// plus an optional ClusterConnector, LogSink, NotificationSink and EventSink.
// Sinks are fire and forget; the EventSink sees every StepStore update and
// every run event.
//
// # Error Classification
//
// ErrorClassifier maps AWS (smithy APIError), Azure (azcore ResponseError),
// GCP (gRPC status) and command executor failures onto the DEPLOY_* codes.
// Only recoverable errors in the timeout and connection categories are retried
// automatically.
//
// # Example Usage
//
//	orch, err := engine.NewOrchestrator(engine.Dependencies{
//	    Commands: executor,
//	    Log:      sink,
//	})
//	if err != nil {
//	    return err
//	}
//
//	result, err := orch.Run(ctx, steps, engine.DeploymentConfig{
//	    Provider:    engine.ProviderAWS,
//	    Environment: engine.EnvironmentStaging,
//	    Region:      "us-west-2",
//	    ClusterName: "platform",
//	    Namespace:   "apps",
//	})
//
// # Thread Safety
//
// StepStore is safe for concurrent use. Orchestrator allows a single active
// run; IsRunning, Cancel and CurrentStepID may be called from other goroutines
// while Run is in progress.
package engine
