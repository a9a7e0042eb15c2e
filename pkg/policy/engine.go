package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/engine"
)

// Engine evaluates Rego admission policies against desired states. It
// implements engine.PolicyEvaluator.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	disabled map[string]bool
	paths    []string
	loader   *Loader
	logger   zerolog.Logger
}

var _ engine.PolicyEvaluator = (*Engine)(nil)

type compiledPolicy struct {
	policy *Policy
	module *ast.Module
	query  rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		disabled: make(map[string]bool),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Evaluate evaluates every enabled policy against a desired state.
func (e *Engine) Evaluate(ctx context.Context, desired *engine.DesiredState) (*PolicyResult, error) {
	return e.evaluate(ctx, desired, "validate")
}

// Admit evaluates the policies during reconciliation. Blocking violations
// are returned as a permanent error coded POLICY_DENIED; a policy that fails
// to evaluate yields a transient error so the binding is retried.
func (e *Engine) Admit(ctx context.Context, desired *engine.DesiredState) error {
	result, err := e.evaluate(ctx, desired, "admit")
	if err != nil {
		return engine.NewTransientError("policy evaluation failed", err).WithResource(desired.Domain)
	}

	if blocking := result.Blocking(); len(blocking) > 0 {
		messages := make([]string, 0, len(blocking))
		for _, v := range blocking {
			messages = append(messages, v.Message)
		}
		denial := engine.NewPermanentError(strings.Join(messages, "; "), nil).
			WithCode(engine.ErrCodePolicyDenied).
			WithResource(desired.Domain)
		for _, v := range blocking {
			denial.WithDetail(v.Policy, v.Message)
		}
		return denial
	}

	for _, v := range result.Violations {
		e.logger.Warn().
			Str("policy", v.Policy).
			Str("binding_id", desired.Domain).
			Str("severity", string(v.Severity)).
			Msg(v.Message)
	}

	if len(result.Warnings) > 0 {
		return engine.NewTransientError(strings.Join(result.Warnings, "; "), nil).WithResource(desired.Domain)
	}
	return nil
}

func (e *Engine) evaluate(ctx context.Context, desired *engine.DesiredState, operation string) (*PolicyResult, error) {
	if desired == nil {
		return nil, fmt.Errorf("desired state is nil")
	}

	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &PolicyInput{
		Desired:   desired,
		Operation: operation,
		Now:       startTime.UTC(),
	}

	result := &PolicyResult{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		result.Evaluated = append(result.Evaluated, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("binding_id", desired.Domain).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}

		result.Violations = append(result.Violations, violations...)
	}

	if len(result.Blocking()) > 0 {
		result.Allowed = false
	}
	result.Elapsed = time.Since(startTime)

	e.logger.Debug().
		Str("binding_id", desired.Domain).
		Str("operation", operation).
		Int("violations", len(result.Violations)).
		Dur("elapsed", result.Elapsed).
		Msg("Policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation creates a PolicyViolation from a deny set member.
func createViolation(policy *Policy, result interface{}, input *PolicyInput) PolicyViolation {
	violation := PolicyViolation{
		Policy:    policy.Name,
		BindingID: input.Desired.Domain,
		Severity:  policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if rem, ok := v["remediation"].(string); ok {
			violation.Remediation = rem
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compilePolicy parses a policy and prepares its deny query.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, module: module, query: query}, nil
}

// loadBuiltinPolicies loads the built-in policies. Caller holds e.mu or
// owns e exclusively.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compilePolicy(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.store(cp)
	}

	e.logger.Info().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// store registers a compiled policy, keeping operator overrides.
func (e *Engine) store(cp *compiledPolicy) {
	if e.disabled[cp.policy.Name] {
		cp.policy.Enabled = false
	}
	e.policies[cp.policy.Name] = cp
}

// LoadPolicies loads custom policy files and directories. The paths are
// remembered for ReloadPolicies and Watch.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.Load(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	e.paths = append(e.paths, paths...)
	e.mu.Unlock()

	return e.addPolicies(ctx, policies)
}

func (e *Engine) addPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		if existing, ok := e.policies[cp.policy.Name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", cp.policy.Name)
		}
	}
	for _, cp := range compiled {
		e.store(cp)
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplaceCustomPolicies swaps every non-builtin policy for the given set.
// Nothing changes if any of them fails to compile.
func (e *Engine) ReplaceCustomPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*compiledPolicy, len(compiled)+len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Builtin {
			next[name] = cp
		}
	}
	for name := range compiled {
		if _, builtin := next[name]; builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}
	e.policies = next
	for _, cp := range compiled {
		e.store(cp)
	}

	e.logger.Info().Int("custom", len(compiled)).Msg("Custom policies replaced")
	return nil
}

// Watch reloads the custom policies whenever a file under the loaded paths
// changes. It returns once the watcher is running.
func (e *Engine) Watch(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	if len(paths) == 0 {
		return fmt.Errorf("no policy paths to watch")
	}
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplaceCustomPolicies(ctx, policies)
	})
}

// Close stops the watcher, if any.
func (e *Engine) Close() error {
	return e.loader.Close()
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

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReloadPolicies recompiles the built-in policies and rereads every
// custom policy path.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.loader.Reset()

	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	var custom []Policy
	if len(paths) > 0 {
		var err error
		custom, err = e.loader.Load(ctx, paths)
		if err != nil {
			return fmt.Errorf("failed to reload policies: %w", err)
		}
	}

	e.mu.Lock()
	e.policies = make(map[string]*compiledPolicy)
	err := e.loadBuiltinPolicies(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	return e.ReplaceCustomPolicies(ctx, custom)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name. The choice survives reloads.
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

	cp.policy.Enabled = enabled
	if enabled {
		delete(e.disabled, name)
		e.logger.Info().Str("policy", name).Msg("Policy enabled")
	} else {
		e.disabled[name] = true
		e.logger.Info().Str("policy", name).Msg("Policy disabled")
	}

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
