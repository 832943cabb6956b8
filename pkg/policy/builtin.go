package policy

import (
	"github.com/openfroyo/shipyard/pkg/engine"
)

// BuiltinPolicies returns the readiness policies shipped with shipyard.
func BuiltinPolicies() []Policy {
	return []Policy{
		requiredEnvironmentPolicy(),
		dedicatedNamespacePolicy(),
		ownershipTagsPolicy(),
		replicaCountPolicy(),
		backupPolicy(),
		monitoringPolicy(),
	}
}

// requiredEnvironmentPolicy checks the provider credentials are available.
func requiredEnvironmentPolicy() Policy {
	return Policy{
		Name:        "required-environment",
		Description: "Provider environment variables are set",
		Category:    engine.ReadinessEnvironment,
		Critical:    true,
		Enabled:     true,
		Source:      SourceBuiltin,
		Rego: `package shipyard.readiness.environment

import rego.v1

required contains "AWS_REGION" if input.config.provider == "aws"

required contains name if {
	input.config.provider == "aws"
	input.config.environment == "production"
	some name in ["AWS_ACCOUNT_ID", "DEPLOYMENT_ROLE_ARN"]
}

required contains "AZURE_SUBSCRIPTION_ID" if input.config.provider == "azure"

required contains "GOOGLE_CLOUD_PROJECT" if input.config.provider == "gcp"

deny contains msg if {
	some name in required
	not input.env[name]
	msg := sprintf("environment variable %s is not set", [name])
}
`,
	}
}

// dedicatedNamespacePolicy keeps workloads out of the system namespaces.
func dedicatedNamespacePolicy() Policy {
	return Policy{
		Name:        "dedicated-namespace",
		Description: "Workloads are deployed to a dedicated namespace",
		Category:    engine.ReadinessSecurity,
		Critical:    true,
		Enabled:     true,
		Source:      SourceBuiltin,
		Rego: `package shipyard.readiness.namespace

import rego.v1

reserved := {"default", "kube-system", "kube-public", "kube-node-lease"}

deny contains msg if {
	input.config.namespace in reserved
	msg := sprintf("namespace '%s' is reserved, deploy to a dedicated namespace", [input.config.namespace])
}
`,
	}
}

// ownershipTagsPolicy asks for an owner or team tag.
func ownershipTagsPolicy() Policy {
	return Policy{
		Name:        "ownership-tags",
		Description: "Resources are tagged with an owner or team",
		Category:    engine.ReadinessSecurity,
		Enabled:     true,
		Source:      SourceBuiltin,
		Rego: `package shipyard.readiness.ownership

import rego.v1

deny contains "tag 'owner' or 'team' should identify who operates the deployment" if {
	not input.config.tags.owner
	not input.config.tags.team
}
`,
	}
}

// replicaCountPolicy reads the replicas tag.
func replicaCountPolicy() Policy {
	return Policy{
		Name:        "replica-count",
		Description: "Workloads run more than one replica",
		Category:    engine.ReadinessHighAvailability,
		Enabled:     true,
		Source:      SourceBuiltin,
		Rego: `package shipyard.readiness.replicas

import rego.v1

replicas := object.get(input.config, ["tags", "replicas"], "1")

deny contains msg if {
	not regex.match("^[0-9]+$", replicas)
	msg := sprintf("tag 'replicas' must be a number, got '%s'", [replicas])
}

deny contains msg if {
	regex.match("^[0-9]+$", replicas)
	to_number(replicas) < 2
	msg := sprintf("at least 2 replicas are recommended, got %s", [replicas])
}
`,
	}
}

// backupPolicy reads the backup tag.
func backupPolicy() Policy {
	return Policy{
		Name:        "backup-policy",
		Description: "A backup policy is configured",
		Category:    engine.ReadinessBackup,
		Enabled:     true,
		Source:      SourceBuiltin,
		Rego: `package shipyard.readiness.backup

import rego.v1

disabled := {"none", "disabled", "false", "off"}

deny contains "no backup policy is configured, set the 'backup' tag" if {
	not input.config.tags.backup
}

deny contains "backups are disabled" if {
	lower(input.config.tags.backup) in disabled
}
`,
	}
}

// monitoringPolicy reads the monitoring tag.
func monitoringPolicy() Policy {
	return Policy{
		Name:        "monitoring",
		Description: "Monitoring and alerting are enabled",
		Category:    engine.ReadinessMonitoring,
		Enabled:     true,
		Source:      SourceBuiltin,
		Rego: `package shipyard.readiness.monitoring

import rego.v1

deny contains "no monitoring is configured, set the 'monitoring' tag" if {
	not input.config.tags.monitoring
}

deny contains "monitoring is disabled" if {
	lower(input.config.tags.monitoring) in {"none", "disabled", "false", "off"}
}
`,
	}
}
