package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/openfroyo/shipyard/pkg/stores"
	"github.com/rs/zerolog"
)

type echoCommands struct{}

func (echoCommands) Execute(_ context.Context, req engine.CommandRequest) (*engine.CommandResult, error) {
	return &engine.CommandResult{Success: true, Logs: []string{req.Command}}, nil
}

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleRecorder records an orchestrator run and reads it back.
func ExampleRecorder() {
	ctx := context.Background()
	store, err := stores.OpenSQLiteStore(ctx, ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	orch, err := engine.NewOrchestrator(engine.Dependencies{
		Commands: echoCommands{},
		Events:   stores.NewRecorder(store, zerolog.Nop()),
	})
	if err != nil {
		log.Fatal(err)
	}

	result, err := orch.Run(ctx, []engine.DeploymentStep{
		{ID: "migrate", Title: "Migrate database", Command: "./migrate up"},
		{ID: "deploy", Title: "Deploy API", Command: "helm upgrade api ./chart", DependsOn: []string{"migrate"}},
	}, engine.DeploymentConfig{
		Provider:    engine.ProviderGCP,
		Environment: engine.EnvironmentStaging,
		Region:      "europe-west1",
		ClusterName: "storefront",
		Namespace:   "shop",
	})
	if err != nil {
		log.Fatal(err)
	}

	run, err := store.GetRun(ctx, result.RunID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(run.ClusterName, run.Status, run.CompletedCount)

	steps, _ := store.GetRunSteps(ctx, result.RunID)
	for _, s := range steps {
		fmt.Printf("%s: %s\n", s.StepID, s.Status)
	}
	// Output:
	// storefront completed 2
	// migrate: success
	// deploy: success
}
