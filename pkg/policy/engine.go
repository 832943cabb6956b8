package policy

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/rs/zerolog"
)

// Engine evaluates readiness policies. It implements engine.ReadinessChecker.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	environ  func() []string
	now      func() time.Time

	skipBuiltins bool
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnviron sets the source of environment variables. Defaults to os.Environ.
func WithEnviron(environ func() []string) Option {
	return func(e *Engine) {
		e.environ = environ
	}
}

// WithoutBuiltins starts the engine with no policies.
func WithoutBuiltins() Option {
	return func(e *Engine) {
		e.skipBuiltins = true
	}
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		environ:  os.Environ,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.skipBuiltins {
		return e, nil
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.addLocked(context.Background(), builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return e, nil
}

// CheckReadiness evaluates every enabled policy against cfg. A policy that
// cannot be evaluated is reported as a failed check.
func (e *Engine) CheckReadiness(ctx context.Context, cfg engine.DeploymentConfig) ([]engine.ReadinessCheck, error) {
	startTime := e.now()
	input := Input{
		Config:    cfg,
		Env:       e.envSet(),
		Timestamp: startTime,
	}

	e.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			compiled = append(compiled, cp)
		}
	}
	e.mu.RUnlock()
	sortCompiled(compiled)

	checks := make([]engine.ReadinessCheck, 0, len(compiled))
	for _, cp := range compiled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		check := engine.ReadinessCheck{
			Name:     cp.policy.Name,
			Category: cp.policy.Category,
			Critical: cp.policy.Critical,
		}

		denials, err := e.evaluate(ctx, cp, input)
		switch {
		case err != nil:
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Policy evaluation failed")
			check.Message = fmt.Sprintf("evaluation failed: %v", err)
		case len(denials) == 0:
			check.Passed = true
			check.Message = cp.policy.Description
		default:
			check.Message = strings.Join(denials, "; ")
		}
		checks = append(checks, check)
	}

	summary := Summarize(checks)
	e.logger.Debug().
		Str("environment", string(cfg.Environment)).
		Int("checks", summary.Total).
		Int("failed_critical", summary.FailedCritical).
		Int("failed_warning", summary.FailedWarning).
		Dur("duration", e.now().Sub(startTime)).
		Msg("Readiness evaluation completed")

	return checks, nil
}

// evaluate returns the deny messages of a policy, sorted.
func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, input Input) ([]string, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var denials []string
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range set {
			denials = append(denials, denialMessage(d))
		}
	}
	sort.Strings(denials)
	return denials, nil
}

// denialMessage accepts plain strings and {"message": ...} objects.
func denialMessage(d interface{}) string {
	switch v := d.(type) {
	case string:
		return v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", d)
}

// envSet returns the names of environment variables with a non-empty value.
func (e *Engine) envSet() map[string]bool {
	env := make(map[string]bool)
	for _, kv := range e.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if ok && name != "" && value != "" {
			env[name] = true
		}
	}
	return env
}

// AddPolicy compiles a policy and adds it, replacing a policy of the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addLocked(ctx, policy)
}

func (e *Engine) addLocked(ctx context.Context, policy Policy) error {
	cp, err := e.compile(ctx, policy)
	if err != nil {
		return err
	}
	e.policies[policy.Name] = cp
	return nil
}

// compile parses the module and prepares a query for its deny set.
func (e *Engine) compile(ctx context.Context, policy Policy) (*compiledPolicy, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", policy.Name, err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %s: %w", policy.Name, err)
	}

	policy.LoadedAt = e.now()
	e.logger.Debug().
		Str("policy", policy.Name).
		Str("source", policy.Source).
		Msg("Policy compiled successfully")

	return &compiledPolicy{policy: &policy, query: query}, nil
}

// LoadPolicies loads custom policies from files and directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplaceCustomPolicies(ctx, policies)
}

// ReplaceCustomPolicies swaps every non built-in policy for policies. Nothing
// changes if any of them fails to compile.
func (e *Engine) ReplaceCustomPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		if policies[i].Source == SourceBuiltin {
			return fmt.Errorf("policy %s: custom policies cannot use source %q", policies[i].Name, SourceBuiltin)
		}
		cp, err := e.compile(ctx, policies[i])
		if err != nil {
			return err
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if cp.policy.Source != SourceBuiltin {
			delete(e.policies, name)
		}
	}
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Custom policies loaded")

	return nil
}

// Watch loads policies from paths and reloads them when files change until
// ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return nil, err
	}
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplaceCustomPolicies(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by category and name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		compiled = append(compiled, cp)
	}
	e.mu.RUnlock()
	sortCompiled(compiled)

	policies := make([]Policy, 0, len(compiled))
	for _, cp := range compiled {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	// policies are shared with in-flight evaluations; swap instead of mutating
	p := *cp.policy
	p.Enabled = enabled
	e.policies[name] = &compiledPolicy{policy: &p, query: cp.query}

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func sortCompiled(compiled []*compiledPolicy) {
	sort.Slice(compiled, func(i, j int) bool {
		a, b := compiled[i].policy, compiled[j].policy
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Name < b.Name
	})
}
