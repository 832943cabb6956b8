package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/shipyard/pkg/engine"
)

var (
	// dnsLabel is a Kubernetes namespace name (RFC 1123 label).
	dnsLabel = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

	awsClusterName = regexp.MustCompile(`^[a-z0-9-]+$`)
	azurePrefix    = regexp.MustCompile(`^[a-z0-9]+$`)
)

// knownRegions lists the regions each provider is expected to deploy to.
// Regions outside the list produce a warning, not an error.
var knownRegions = map[engine.CloudProvider][]string{
	engine.ProviderAWS: {
		"us-east-1", "us-east-2", "us-west-1", "us-west-2",
		"ca-central-1", "eu-west-1", "eu-central-1", "eu-west-2",
		"eu-west-3", "eu-north-1", "ap-northeast-1", "ap-northeast-2",
		"ap-southeast-1", "ap-southeast-2", "ap-south-1", "sa-east-1",
	},
	engine.ProviderAzure: {
		"eastus", "eastus2", "westus", "westus2", "centralus",
		"northeurope", "westeurope", "eastasia", "southeastasia",
		"japaneast", "japanwest", "australiaeast", "australiasoutheast",
		"southindia", "centralindia", "westindia", "canadacentral",
		"canadaeast", "uksouth", "ukwest", "koreacentral", "koreasouth",
	},
	engine.ProviderGCP: {
		"us-central1", "us-east1", "us-east4", "us-west1", "us-west2",
		"northamerica-northeast1", "southamerica-east1", "europe-north1",
		"europe-west1", "europe-west2", "europe-west3", "europe-west4",
		"asia-east1", "asia-east2", "asia-northeast1", "asia-south1",
		"asia-southeast1", "australia-southeast1",
	},
}

// fieldLabels are the names used for DeploymentConfig fields in messages.
var fieldLabels = map[string]string{
	"Provider":    "Cloud provider",
	"Environment": "Environment",
	"Region":      "Region",
	"ClusterName": "Cluster name",
	"Namespace":   "Namespace",
}

// Validator checks a DeploymentConfig: required fields, provider naming
// rules and region tables, and production recommendations.
// It implements engine.ConfigValidator.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a config validator.
func NewValidator() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("k8sname", func(fl validator.FieldLevel) bool {
		return dnsLabel.MatchString(fl.Field().String())
	})
	return &Validator{validate: v}
}

// ValidateConfig implements engine.ConfigValidator.
func (v *Validator) ValidateConfig(cfg engine.DeploymentConfig) engine.ValidationResult {
	var errs, warnings []string

	errs = append(errs, v.structErrors(cfg)...)

	switch cfg.Provider {
	case engine.ProviderAWS:
		if cfg.Region != "" && !slices.Contains(knownRegions[engine.ProviderAWS], cfg.Region) {
			warnings = append(warnings, fmt.Sprintf("Region '%s' may not be a valid AWS region", cfg.Region))
		}
		if cfg.ClusterName != "" && !awsClusterName.MatchString(cfg.ClusterName) {
			errs = append(errs, "AWS cluster name must contain only lowercase letters, numbers, and hyphens")
		}
	case engine.ProviderAzure:
		if cfg.Region != "" && !slices.Contains(knownRegions[engine.ProviderAzure], strings.ToLower(cfg.Region)) {
			warnings = append(warnings, fmt.Sprintf("Region '%s' may not be a valid Azure region", cfg.Region))
		}
		if !azurePrefix.MatchString(cfg.ResourcePrefix) {
			warnings = append(warnings, "Azure resource prefix should contain only lowercase letters and numbers")
		}
	case engine.ProviderGCP:
		if cfg.Region != "" && !slices.Contains(knownRegions[engine.ProviderGCP], cfg.Region) {
			warnings = append(warnings, fmt.Sprintf("Region '%s' may not be a valid GCP region", cfg.Region))
		}
	case engine.ProviderCustom:
		if cfg.ResourcePrefix == "" {
			warnings = append(warnings, "Resource prefix is recommended for custom providers")
		}
	}

	if cfg.Environment.IsProduction() {
		if len(cfg.Tags) == 0 {
			warnings = append(warnings, "Tags are recommended for production environments")
		}
		if strings.Contains(cfg.ClusterName, "dev") || strings.Contains(cfg.ClusterName, "test") {
			warnings = append(warnings, `Production cluster name should not contain "dev" or "test"`)
		}
	}

	return engine.ValidationResult{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Warnings: warnings,
	}
}

// Struct validates any value carrying validate tags.
func (v *Validator) Struct(s interface{}) error {
	return v.validate.Struct(s)
}

// structErrors renders the tag violations of cfg as messages.
func (v *Validator) structErrors(cfg engine.DeploymentConfig) []string {
	err := v.validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		label, ok := fieldLabels[fe.Field()]
		if !ok {
			label = fe.Field()
		}
		switch {
		case fe.Tag() == "required":
			out = append(out, label+" is required")
		case fe.Tag() == "k8sname":
			out = append(out, label+" must be a valid DNS label (lowercase letters, numbers and hyphens)")
		case fe.Field() == "Provider":
			out = append(out, fmt.Sprintf("Unsupported cloud provider: %v", fe.Value()))
		case fe.Field() == "Environment":
			out = append(out, fmt.Sprintf("Unsupported environment: %v", fe.Value()))
		default:
			out = append(out, fmt.Sprintf("%s failed %s validation", label, fe.Tag()))
		}
	}
	return out
}
