// Package executor provides CommandExecutor and ClusterConnector
// implementations for the deployment engine.
//
// ShellExecutor runs each step command with `sh -c` on the local machine and
// reports non-zero exits as failed results with the EXEC_FAILED code.
//
// Simulator stands in for a real cloud. Commands take a fixed latency and,
// outside production, fail at a configurable rate with errors in the shape
// the provider SDKs return, so the engine's classifier and retry policy see
// realistic input. Seed it with WithSeed for reproducible runs.
//
// CommandConnector implements the built-in connect-cluster step by fetching
// cluster credentials with the provider CLI and probing the API server:
//
//	shell := executor.NewShellExecutor()
//	orch, err := engine.NewOrchestrator(engine.Dependencies{
//	    Commands:  shell,
//	    Connector: executor.NewCommandConnector(shell),
//	})
package executor
