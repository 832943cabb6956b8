// Package config loads and validates shipyard pipeline files.
//
// A pipeline file describes a deployment target, an optional retry policy
// and the ordered list of steps to run. Pipelines may be written in YAML,
// JSON or CUE. Every format is checked against the built-in CUE schema in
// SchemaRegistry before it is decoded, so YAML and CUE files report the same
// violations with the same paths.
//
// # Components
//
// Loader: finds, parses and validates pipeline files. Load dispatches on the
// file extension and returns a fully validated Pipeline.
//
// CUEParser: compiles CUE sources, unifies them with the #Pipeline definition
// and decodes the result. CUE files may use the full language (hidden fields,
// interpolation, comprehensions) to build their step lists.
//
// SchemaRegistry: holds the built-in definitions and any schemas registered
// at runtime.
//
// Validator: implements engine.ConfigValidator. It checks required fields,
// provider naming rules and known regions, and adds production
// recommendations as warnings.
//
// # Usage Example
//
//	loader := config.NewLoader()
//
//	path, err := config.FindPipeline(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	pipeline, err := loader.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	orch, err := engine.NewOrchestrator(deps,
//	    engine.WithRetryStrategy(pipeline.Strategy()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := orch.Run(ctx, pipeline.DeploymentSteps(deps.Commands), pipeline.Config)
//
// # Pipeline Structure
//
//	config: {
//	    provider:    "aws"
//	    environment: "production"
//	    region:      "us-east-1"
//	    clusterName: "platform"
//	    namespace:   "apps"
//	}
//
//	retry: maxAttempts: 5
//
//	steps: [
//	    {id: "connect-cluster", title: "Connect to cluster"},
//	    {
//	        id:        "deploy-api"
//	        title:     "Deploy API"
//	        command:   "helm upgrade --install api ./charts/api"
//	        dependsOn: ["connect-cluster"]
//	        rollback: command: "helm rollback api"
//	    },
//	]
//
// Steps run in the order they are declared. A step whose rollback has no
// command is undone by hand and is reported as such during rollback.
package config
