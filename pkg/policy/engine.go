package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-ipam/pkg/engine"
	"github.com/openfroyo/froyo-ipam/pkg/telemetry"
)

// Options configures an Engine. Telemetry fields may be nil.
type Options struct {
	Limits      Limits
	Environment string
	Metrics     *telemetry.Metrics
	Events      *telemetry.EventPublisher
}

// Engine evaluates admission policies written in Rego against allocation
// requests.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	opts     Options
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts Options) (*Engine, error) {
	if opts.Limits.ResourceLinkPattern == "" {
		opts.Limits.ResourceLinkPattern = DefaultResourceLinkPattern
	}

	raw, err := json.Marshal(map[string]interface{}{
		"froyo": map[string]interface{}{"limits": opts.Limits},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy data: %w", err)
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.NewFromReader(bytes.NewReader(raw)),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		opts:     opts,
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Limits returns the limits exposed to policies.
func (e *Engine) Limits() Limits {
	return e.opts.Limits
}

// Evaluate runs every enabled policy against input. A policy that fails to
// evaluate is reported as a warning and does not block.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	if input == nil {
		return nil, fmt.Errorf("policy input is required")
	}
	if input.Context == nil {
		input.Context = &Context{Environment: e.opts.Environment, Timestamp: time.Now().UTC()}
	}

	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("operation", input.Operation).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
				continue
			}
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}

	result.EvaluatedAt = time.Now().UTC()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("operation", input.Operation).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Admission policy evaluation completed")

	return result, nil
}

// Admit evaluates input and returns a POLICY_VIOLATION error when any
// blocking violation is found.
func (e *Engine) Admit(ctx context.Context, input *Input) error {
	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return engine.NewTransientError("admission policy evaluation failed", err)
	}

	if result.Allowed {
		e.opts.Metrics.RecordPolicyDecision("allow")
		return nil
	}

	e.opts.Metrics.RecordPolicyDecision("deny")
	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		messages = append(messages, v.Message)
		_ = e.opts.Events.PublishPolicyViolation(v.Resource, v.Policy, v.Message)
	}

	first := result.Violations[0]
	return engine.NewPermanentError(strings.Join(messages, "; "), nil).
		WithCode(engine.ErrCodePolicyViolation).
		WithOperation(input.Operation).
		WithDetail("policy", first.Policy).
		WithDetail("violations", len(result.Violations))
}

// LoadPolicies loads policy files and adds them to the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies swaps every non built-in policy for policies. The engine
// keeps its current policies if any of them fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		next[cp.policy.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	builtins := make(map[string]bool)
	for _, p := range GetBuiltinPolicies() {
		builtins[p.Name] = true
	}
	for name := range e.policies {
		if !builtins[name] {
			delete(e.policies, name)
		}
	}
	for name, cp := range next {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies replaced")
	return nil
}

// Watch replaces the file policies whenever a file under paths changes.
// The returned loader stops watching when ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(e.logger)
	if err := loader.Watch(ctx, paths, e.ReplacePolicies); err != nil {
		return nil, err
	}
	return loader, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
			for _, d := range denySet {
				violations = append(violations, createViolation(cp.policy, d))
			}
		}
	}

	return violations, nil
}

// createViolation creates a Violation from one element of a deny set.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
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
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
		if details, ok := v["details"].(map[string]interface{}); ok {
			violation.Details = details
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}

	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// compileAndStorePolicy compiles a policy and stores it. Callers hold mu.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	cp, err := e.compile(ctx, policy)
	if err != nil {
		return err
	}
	e.policies[policy.Name] = cp

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", cp.module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

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

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
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

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
