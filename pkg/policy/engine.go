package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/mashin-run/mashin/pkg/pipeline"
	"github.com/mashin-run/mashin/pkg/urn"
)

// Engine compiles and evaluates Rego policies against a rendered plan,
// standing between pipeline.Read and pipeline.Apply as an optional gate.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	logger          zerolog.Logger
	builtinPolicies []Policy
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// NewEngine creates a policy engine seeded with the built-in policy set.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		store:           inmem.New(),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// EvaluatePlan evaluates every enabled policy against a rendered plan. It
// is the gate pipeline.Apply should be run behind: a non-Allowed result
// means at least one policy denied with error or critical severity.
func (e *Engine) EvaluatePlan(ctx context.Context, plan pipeline.Plan, pctx PolicyContext) (*PolicyResult, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = startTime
	}
	if pctx.Operation == "" {
		pctx.Operation = "plan"
	}

	input := &planInputEnvelope{
		Plan:    toPlanInput(plan),
		Context: pctx,
	}

	var allViolations []PolicyViolation
	var evalWarnings []string
	evaluatedPolicies := make([]string, 0, len(e.policies))

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		evaluatedPolicies = append(evaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", cp.policy.Name).Msg("policy evaluation failed")
			evalWarnings = append(evalWarnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		allViolations = append(allViolations, violations...)
	}

	allowed := true
	for _, v := range allViolations {
		if v.Severity == SeverityError || v.Severity == SeverityCritical {
			allowed = false
			break
		}
	}

	duration := time.Since(startTime)
	e.logger.Debug().
		Int("changes", len(plan.Changes)).
		Int("violations", len(allViolations)).
		Dur("duration", duration).
		Msg("plan policy evaluation completed")

	return &PolicyResult{
		Allowed:            allowed,
		Violations:         allViolations,
		EvaluationWarnings: evalWarnings,
		EvaluatedAt:        startTime,
		EvaluatedPolicies:  evaluatedPolicies,
		Duration:           duration,
	}, nil
}

// planInputEnvelope is the top-level shape handed to rego.Input.
type planInputEnvelope struct {
	Plan    planInput     `json:"plan"`
	Context PolicyContext `json:"context"`
}

func toPlanInput(plan pipeline.Plan) planInput {
	changes := make([]changeInput, 0, len(plan.Changes))
	for _, c := range plan.Changes {
		var diffJSON json.RawMessage
		if len(c.Diff) > 0 {
			if b, err := json.Marshal(c.Diff); err == nil {
				diffJSON = b
			}
		}
		resource := c.URN
		if u, err := urn.Parse(c.URN); err == nil {
			resource = strings.TrimPrefix(u.Display(), u.Provider()+":")
		}
		changes = append(changes, changeInput{
			URN:      c.URN,
			Resource: resource,
			Provider: c.Provider,
			Kind:     string(c.Kind),
			Paths:    c.Paths,
			Diff:     diffJSON,
		})
	}
	return planInput{Changes: changes}
}

// LoadPolicies loads and compiles additional policy files or directories,
// on top of the built-in set.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).Str("policy", policies[i].Name).Msg("failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("policies loaded")
	return nil
}

// evaluatePolicy evaluates a single compiled policy's deny rule set.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *planInputEnvelope) ([]PolicyViolation, error) {
	packageName := extractPackageName(cp.policy.Rego)
	query := fmt.Sprintf("data.%s.deny", packageName)

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
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
			violations = append(violations, e.createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// extractPackageName extracts the package name from Rego source.
func extractPackageName(regoSrc string) string {
	for _, line := range strings.Split(regoSrc, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "mashin.policies"
}

// createViolation builds a PolicyViolation from one deny-set entry.
func (e *Engine) createViolation(policy *Policy, result interface{}) PolicyViolation {
	violation := PolicyViolation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
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
		if u, ok := v["urn"].(string); ok {
			violation.URN = u
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// compileAndStorePolicy parses and caches policy as a reusable Rego module.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query("data"),
	)
	if _, err := r.PrepareForEval(ctx); err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{policy: policy, module: module, compiled: time.Now()}
	e.logger.Debug().Str("policy", policy.Name).Msg("policy compiled")
	return nil
}

func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		if err := e.compileAndStorePolicy(ctx, &e.builtinPolicies[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
	}
	e.logger.Info().Int("count", len(e.builtinPolicies)).Msg("built-in policies loaded")
	return nil
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

// ListPolicies returns every loaded policy.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// ReloadPolicies clears every loaded policy and recompiles the built-in set.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = true
	e.logger.Info().Str("policy", name).Msg("policy enabled")
	return nil
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = false
	e.logger.Info().Str("policy", name).Msg("policy disabled")
	return nil
}
