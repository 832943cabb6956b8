package engine_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// echoCommands succeeds for every command.
type echoCommands struct{}

func (echoCommands) Execute(_ context.Context, req engine.CommandRequest) (*engine.CommandResult, error) {
	return &engine.CommandResult{Success: true, Logs: []string{req.Command}}, nil
}

// Example_run shows a staging deployment where one step is skipped because
// its dependency has no command.
func Example_run() {
	orch, err := engine.NewOrchestrator(engine.Dependencies{Commands: echoCommands{}})
	if err != nil {
		panic(err)
	}

	steps := []engine.DeploymentStep{
		{ID: "connect-cluster", Title: "Connect", Command: "kubectl config use-context platform"},
		{ID: "migrate", Title: "Migrate"},
		{ID: "deploy", Title: "Deploy", Command: "helm upgrade --install api ./chart", DependsOn: []string{"connect-cluster"}},
		{ID: "seed", Title: "Seed", Command: "kubectl apply -f seed.yaml", DependsOn: []string{"migrate"}},
	}
	steps[0].Action = engine.ActionCommand

	result, err := orch.Run(context.Background(), steps, engine.DeploymentConfig{
		Provider:    engine.ProviderAWS,
		Environment: engine.EnvironmentStaging,
		Region:      "us-west-2",
		ClusterName: "platform",
		Namespace:   "apps",
	})
	if err != nil {
		panic(err)
	}

	fmt.Println(result.Status)
	for _, s := range result.Steps {
		fmt.Printf("%s: %s\n", s.ID, s.Status)
	}
	// Output:
	// completed
	// connect-cluster: success
	// migrate: warning
	// deploy: success
	// seed: pending
}

// ExampleErrorClassifier_Classify maps a raw AWS failure onto the standard taxonomy.
func ExampleErrorClassifier_Classify() {
	classifier := engine.NewErrorClassifier()

	derr := classifier.Classify(&engine.ProviderError{
		Code:    "AccessDeniedException",
		Message: "User is not authorized to perform eks:DescribeCluster",
	}, engine.ProviderAWS)

	fmt.Println(derr.Code, derr.Category, derr.Recoverable)
	// Output: DEPLOY_AUTH_002 authorization false
}

// ExampleStepGraph_ToDOT renders a step set for Graphviz.
func ExampleStepGraph_ToDOT() {
	graph, err := engine.BuildStepGraph([]engine.DeploymentStep{
		{ID: "network", Title: "Network"},
		{ID: "cluster", Title: "Cluster", DependsOn: []string{"network"}},
	})
	if err != nil {
		panic(err)
	}
	fmt.Print(graph.ToDOT())
	// Output:
	// digraph Deployment {
	//   rankdir=TB;
	//   node [shape=box, style="filled,rounded"];
	//
	//   "network" [label="Network", fillcolor="white"];
	//   "cluster" [label="Cluster", fillcolor="white"];
	//
	//   "network" -> "cluster";
	// }
}
