package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, env ...string) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger, WithEnviron(func() []string { return env }))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func productionConfig() engine.DeploymentConfig {
	return engine.DeploymentConfig{
		Provider:    engine.ProviderAWS,
		Environment: engine.EnvironmentProduction,
		Region:      "us-east-1",
		ClusterName: "platform",
		Namespace:   "payments",
		Tags: map[string]string{
			"team":       "payments",
			"replicas":   "3",
			"backup":     "daily",
			"monitoring": "prometheus",
		},
	}
}

var awsProductionEnv = []string{
	"AWS_REGION=us-east-1",
	"AWS_ACCOUNT_ID=123456789012",
	"DEPLOYMENT_ROLE_ARN=arn:aws:iam::123456789012:role/deploy",
}

func findCheck(t *testing.T, checks []engine.ReadinessCheck, name string) engine.ReadinessCheck {
	t.Helper()
	for _, c := range checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s not found in %v", name, checks)
	return engine.ReadinessCheck{}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{
		"backup-policy",
		"required-environment",
		"replica-count",
		"monitoring",
		"dedicated-namespace",
		"ownership-tags",
	}
	if len(policies) != len(expected) {
		t.Fatalf("expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("policy %d: expected %s, got %s", i, name, policies[i].Name)
		}
		if policies[i].Source != SourceBuiltin {
			t.Errorf("policy %s: expected builtin source, got %q", name, policies[i].Source)
		}
	}
}

func TestNewEngine_WithoutBuiltins(t *testing.T) {
	eng, err := NewEngine(zerolog.Nop(), WithoutBuiltins())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if n := len(eng.ListPolicies()); n != 0 {
		t.Errorf("expected no policies, got %d", n)
	}

	checks, err := eng.CheckReadiness(context.Background(), productionConfig())
	if err != nil {
		t.Fatalf("CheckReadiness() error = %v", err)
	}
	if len(checks) != 0 {
		t.Errorf("expected no checks, got %v", checks)
	}
}

func TestCheckReadiness_AllPassing(t *testing.T) {
	eng := newTestEngine(t, awsProductionEnv...)

	checks, err := eng.CheckReadiness(context.Background(), productionConfig())
	if err != nil {
		t.Fatalf("CheckReadiness() error = %v", err)
	}
	if len(checks) != 6 {
		t.Fatalf("expected 6 checks, got %d", len(checks))
	}
	for _, c := range checks {
		if !c.Passed {
			t.Errorf("check %s failed: %s", c.Name, c.Message)
		}
	}
	if !Summarize(checks).Ready() {
		t.Error("expected the environment to be ready")
	}
}

func TestCheckReadiness_EnvironmentVariables(t *testing.T) {
	tests := []struct {
		name        string
		provider    engine.CloudProvider
		environment engine.Environment
		env         []string
		wantPassed  bool
		wantMissing []string
	}{
		{
			name:        "aws staging needs region only",
			provider:    engine.ProviderAWS,
			environment: engine.EnvironmentStaging,
			env:         []string{"AWS_REGION=us-east-1"},
			wantPassed:  true,
		},
		{
			name:        "aws production needs account and role",
			provider:    engine.ProviderAWS,
			environment: engine.EnvironmentProduction,
			env:         []string{"AWS_REGION=us-east-1"},
			wantPassed:  false,
			wantMissing: []string{"AWS_ACCOUNT_ID", "DEPLOYMENT_ROLE_ARN"},
		},
		{
			name:        "empty value counts as missing",
			provider:    engine.ProviderAWS,
			environment: engine.EnvironmentStaging,
			env:         []string{"AWS_REGION="},
			wantPassed:  false,
			wantMissing: []string{"AWS_REGION"},
		},
		{
			name:        "azure subscription",
			provider:    engine.ProviderAzure,
			environment: engine.EnvironmentProduction,
			env:         nil,
			wantPassed:  false,
			wantMissing: []string{"AZURE_SUBSCRIPTION_ID"},
		},
		{
			name:        "gcp project",
			provider:    engine.ProviderGCP,
			environment: engine.EnvironmentStaging,
			env:         []string{"GOOGLE_CLOUD_PROJECT=shop-prod"},
			wantPassed:  true,
		},
		{
			name:        "custom provider needs nothing",
			provider:    engine.ProviderCustom,
			environment: engine.EnvironmentProduction,
			env:         nil,
			wantPassed:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t, tt.env...)
			cfg := productionConfig()
			cfg.Provider = tt.provider
			cfg.Environment = tt.environment

			checks, err := eng.CheckReadiness(context.Background(), cfg)
			if err != nil {
				t.Fatalf("CheckReadiness() error = %v", err)
			}

			c := findCheck(t, checks, "required-environment")
			if c.Passed != tt.wantPassed {
				t.Fatalf("Passed = %v, want %v (%s)", c.Passed, tt.wantPassed, c.Message)
			}
			if !c.Critical || c.Category != engine.ReadinessEnvironment {
				t.Errorf("unexpected check %+v", c)
			}
			for _, name := range tt.wantMissing {
				if !strings.Contains(c.Message, name) {
					t.Errorf("expected message to name %s, got %q", name, c.Message)
				}
			}
		})
	}
}

func TestCheckReadiness_Tags(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*engine.DeploymentConfig)
		check      string
		wantPassed bool
		contains   string
	}{
		{
			name:       "reserved namespace",
			mutate:     func(c *engine.DeploymentConfig) { c.Namespace = "default" },
			check:      "dedicated-namespace",
			wantPassed: false,
			contains:   "'default' is reserved",
		},
		{
			name:       "owner tag is enough",
			mutate:     func(c *engine.DeploymentConfig) { delete(c.Tags, "team"); c.Tags["owner"] = "sre" },
			check:      "ownership-tags",
			wantPassed: true,
		},
		{
			name:       "no owner or team",
			mutate:     func(c *engine.DeploymentConfig) { delete(c.Tags, "team") },
			check:      "ownership-tags",
			wantPassed: false,
		},
		{
			name:       "single replica",
			mutate:     func(c *engine.DeploymentConfig) { c.Tags["replicas"] = "1" },
			check:      "replica-count",
			wantPassed: false,
			contains:   "at least 2 replicas",
		},
		{
			name:       "replicas default to one",
			mutate:     func(c *engine.DeploymentConfig) { delete(c.Tags, "replicas") },
			check:      "replica-count",
			wantPassed: false,
		},
		{
			name:       "replicas not a number",
			mutate:     func(c *engine.DeploymentConfig) { c.Tags["replicas"] = "many" },
			check:      "replica-count",
			wantPassed: false,
			contains:   "must be a number",
		},
		{
			name:       "backups disabled",
			mutate:     func(c *engine.DeploymentConfig) { c.Tags["backup"] = "None" },
			check:      "backup-policy",
			wantPassed: false,
			contains:   "disabled",
		},
		{
			name:       "no monitoring",
			mutate:     func(c *engine.DeploymentConfig) { delete(c.Tags, "monitoring") },
			check:      "monitoring",
			wantPassed: false,
			contains:   "no monitoring",
		},
		{
			name:       "no tags at all",
			mutate:     func(c *engine.DeploymentConfig) { c.Tags = nil },
			check:      "backup-policy",
			wantPassed: false,
			contains:   "no backup policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t, awsProductionEnv...)
			cfg := productionConfig()
			tt.mutate(&cfg)

			checks, err := eng.CheckReadiness(context.Background(), cfg)
			if err != nil {
				t.Fatalf("CheckReadiness() error = %v", err)
			}

			c := findCheck(t, checks, tt.check)
			if c.Passed != tt.wantPassed {
				t.Fatalf("Passed = %v, want %v (%s)", c.Passed, tt.wantPassed, c.Message)
			}
			if tt.contains != "" && !strings.Contains(c.Message, tt.contains) {
				t.Errorf("expected message to contain %q, got %q", tt.contains, c.Message)
			}
		})
	}
}

func TestCheckReadiness_CriticalSummary(t *testing.T) {
	eng := newTestEngine(t)
	cfg := productionConfig()
	cfg.Namespace = "kube-system"
	cfg.Tags = nil

	checks, err := eng.CheckReadiness(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CheckReadiness() error = %v", err)
	}

	s := Summarize(checks)
	if s.Total != 6 {
		t.Errorf("expected 6 checks, got %d", s.Total)
	}
	if s.FailedCritical != 2 {
		t.Errorf("expected 2 critical failures, got %d", s.FailedCritical)
	}
	if s.FailedWarning != 4 {
		t.Errorf("expected 4 warnings, got %d", s.FailedWarning)
	}
	if s.Ready() {
		t.Error("expected the environment not to be ready")
	}
}

func TestCheckReadiness_CancelledContext(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := eng.CheckReadiness(ctx, productionConfig()); err == nil {
		t.Error("expected an error for a cancelled context")
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t, awsProductionEnv...)
	ctx := context.Background()

	custom := Policy{
		Name:        "image-registry",
		Description: "Images come from the internal registry",
		Category:    engine.ReadinessSecurity,
		Critical:    true,
		Enabled:     true,
		Source:      "test",
		Rego: `package shipyard.custom.registry

import rego.v1

deny contains {"message": "cluster name must start with the region"} if {
	not startswith(input.config.cluster_name, input.config.region)
}
`,
	}
	if err := eng.AddPolicy(ctx, custom); err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}

	checks, err := eng.CheckReadiness(ctx, productionConfig())
	if err != nil {
		t.Fatalf("CheckReadiness() error = %v", err)
	}
	c := findCheck(t, checks, "image-registry")
	if c.Passed {
		t.Error("expected the custom check to fail")
	}
	if c.Message != "cluster name must start with the region" {
		t.Errorf("unexpected message %q", c.Message)
	}

	tests := []struct {
		name   string
		policy Policy
	}{
		{
			name:   "invalid rego",
			policy: Policy{Name: "broken", Category: engine.ReadinessBackup, Rego: "package x\n\ndeny contains if {"},
		},
		{
			name:   "unknown category",
			policy: Policy{Name: "odd", Category: "cost", Rego: "package x\n"},
		},
		{
			name:   "missing name",
			policy: Policy{Category: engine.ReadinessBackup, Rego: "package x\n"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.AddPolicy(ctx, tt.policy); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.DisablePolicy("monitoring"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	checks, err := eng.CheckReadiness(ctx, productionConfig())
	if err != nil {
		t.Fatalf("CheckReadiness() error = %v", err)
	}
	for _, c := range checks {
		if c.Name == "monitoring" {
			t.Error("disabled policy was evaluated")
		}
	}

	if err := eng.EnablePolicy("monitoring"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	p, err := eng.GetPolicy("monitoring")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if !p.Enabled {
		t.Error("expected policy to be enabled")
	}

	if err := eng.DisablePolicy("nope"); err == nil {
		t.Error("expected error for unknown policy")
	}
	if _, err := eng.GetPolicy("nope"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestReplaceCustomPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	first := Policy{Name: "first", Category: engine.ReadinessBackup, Enabled: true, Source: "a.rego",
		Rego: "package custom.first\n"}
	second := Policy{Name: "second", Category: engine.ReadinessBackup, Enabled: true, Source: "b.rego",
		Rego: "package custom.second\n"}

	if err := eng.ReplaceCustomPolicies(ctx, []Policy{first}); err != nil {
		t.Fatalf("ReplaceCustomPolicies() error = %v", err)
	}
	if err := eng.ReplaceCustomPolicies(ctx, []Policy{second}); err != nil {
		t.Fatalf("ReplaceCustomPolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("first"); err == nil {
		t.Error("expected first to be replaced")
	}
	if _, err := eng.GetPolicy("second"); err != nil {
		t.Errorf("expected second to be loaded: %v", err)
	}
	if _, err := eng.GetPolicy("required-environment"); err != nil {
		t.Errorf("expected built-ins to survive: %v", err)
	}

	broken := Policy{Name: "broken", Category: engine.ReadinessBackup, Source: "c.rego", Rego: "package"}
	if err := eng.ReplaceCustomPolicies(ctx, []Policy{first, broken}); err == nil {
		t.Fatal("expected a compile error")
	}
	if _, err := eng.GetPolicy("second"); err != nil {
		t.Error("a failed replace must leave the policies unchanged")
	}

	spoofed := first
	spoofed.Source = SourceBuiltin
	if err := eng.ReplaceCustomPolicies(ctx, []Policy{spoofed}); err == nil {
		t.Error("expected an error for a custom policy claiming to be built in")
	}
}

func TestEngine_ImplementsReadinessChecker(t *testing.T) {
	var _ engine.ReadinessChecker = newTestEngine(t)
}
