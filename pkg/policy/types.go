package policy

import (
	"fmt"
	"time"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// SourceBuiltin marks the policies shipped with shipyard.
const SourceBuiltin = "builtin"

// Policy is a readiness check written in Rego. The module must define a
// deny set; the check passes when the set is empty for the deployment.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description says what the policy checks.
	Description string `json:"description"`

	// Category is the readiness category the check reports under.
	Category engine.ReadinessCategory `json:"category"`

	// Critical checks abort production runs when they fail.
	Critical bool `json:"critical"`

	// Rego contains the policy module.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Source is SourceBuiltin or the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was compiled.
	LoadedAt time.Time `json:"loaded_at"`
}

// validate checks the fields a policy needs before it can be compiled.
func (p *Policy) validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Rego == "" {
		return fmt.Errorf("policy %s has no rego module", p.Name)
	}
	switch p.Category {
	case engine.ReadinessSecurity, engine.ReadinessHighAvailability, engine.ReadinessBackup,
		engine.ReadinessMonitoring, engine.ReadinessEnvironment:
		return nil
	default:
		return fmt.Errorf("policy %s has unknown category %q", p.Name, p.Category)
	}
}

// Input is the document policies are evaluated against.
type Input struct {
	// Config is the deployment target.
	Config engine.DeploymentConfig `json:"config"`

	// Env lists the environment variables that are set to a non-empty value.
	// Values are never exposed to policies.
	Env map[string]bool `json:"env"`

	// Timestamp is when the evaluation started.
	Timestamp time.Time `json:"timestamp"`
}

// Summary counts the outcome of a readiness evaluation.
type Summary struct {
	Total          int `json:"total"`
	Passed         int `json:"passed"`
	FailedCritical int `json:"failed_critical"`
	FailedWarning  int `json:"failed_warning"`
}

// Ready reports whether no critical check failed.
func (s Summary) Ready() bool {
	return s.FailedCritical == 0
}

// Summarize counts checks by outcome.
func Summarize(checks []engine.ReadinessCheck) Summary {
	s := Summary{Total: len(checks)}
	for _, c := range checks {
		switch {
		case c.Passed:
			s.Passed++
		case c.Critical:
			s.FailedCritical++
		default:
			s.FailedWarning++
		}
	}
	return s
}
