// Package policy provides Open Policy Agent (OPA) readiness checks for shipyard.
//
// Before a production deployment runs, the orchestrator asks a
// ReadinessChecker whether the target environment is ready. Engine answers
// with one check per Rego policy. A policy fails when its deny set is not
// empty; failing critical checks abort the run and the rest are logged as
// warnings.
//
// # Architecture
//
//  1. Engine - Compiles policies and evaluates them against a deployment
//  2. Loader - Loads custom policies from files and directories and watches them
//  3. Built-in Policies - Checks shipped with shipyard
//
// # Usage
//
//	logger := zerolog.New(os.Stdout)
//	checker, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	checks, err := checker.CheckReadiness(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if !policy.Summarize(checks).Ready() {
//	    log.Fatal("environment is not ready")
//	}
//
// # Built-in Policies
//
//  1. required-environment (environment, critical) - Provider variables such
//     as AWS_REGION are set; production AWS also needs AWS_ACCOUNT_ID and
//     DEPLOYMENT_ROLE_ARN
//  2. dedicated-namespace (security, critical) - Nothing deploys to default
//     or a kube-* namespace
//  3. ownership-tags (security) - An owner or team tag is present
//  4. replica-count (high-availability) - The replicas tag is at least 2
//  5. backup-policy (backup) - The backup tag is set and not disabled
//  6. monitoring (monitoring) - The monitoring tag is set and not disabled
//
// # Input
//
// Policies see the deployment config under input.config (JSON field names,
// e.g. input.config.cluster_name) and the names of non-empty environment
// variables under input.env. Variable values are never passed to policies.
//
// # Custom Policies
//
//	# Deployments must pull signed images.
//	# category: security
//	# critical: true
//	package shipyard.custom.images
//
//	import rego.v1
//
//	deny contains "image signing is not enforced" if {
//	    object.get(input.config, ["tags", "signing"], "") != "enforced"
//	}
//
// Deny entries may be strings or objects with a message field.
//
// # Hot Reload
//
// Engine.Watch loads a policy directory and swaps the custom policies
// whenever a file in it changes. Built-in policies are never replaced.
package policy
