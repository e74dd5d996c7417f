package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mashin-run/mashin/pkg/engine"
	"github.com/mashin-run/mashin/pkg/pipeline"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestNewEngine(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("no built-in policies loaded")
	}

	expected := []string{
		"resource-naming",
		"destructive-operations",
		"blast-radius",
		"sensitive-path-exposure",
	}
	for _, name := range expected {
		found := false
		for _, p := range policies {
			if p.Name == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected built-in policy not found: %s", name)
		}
	}
}

func TestEvaluatePlan_NamingPolicy(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	tests := []struct {
		name            string
		change          pipeline.Change
		expectAllowed   bool
		expectViolation bool
	}{
		{
			name:          "valid resource name",
			change:        pipeline.Change{URN: "urn:provider:demo:valid-name", Kind: engine.ChangeCreate},
			expectAllowed: true,
		},
		{
			name:            "uppercase in name",
			change:          pipeline.Change{URN: "urn:provider:demo:Invalid-Name", Kind: engine.ChangeCreate},
			expectAllowed:   false,
			expectViolation: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := pipeline.Plan{Changes: []pipeline.Change{tt.change}}
			result, err := eng.EvaluatePlan(context.Background(), plan, PolicyContext{})
			if err != nil {
				t.Fatalf("evaluation failed: %v", err)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
			hasViolation := len(result.Violations) > 0
			if hasViolation != tt.expectViolation {
				t.Errorf("expected violation=%v, got %v: %+v", tt.expectViolation, hasViolation, result.Violations)
			}
		})
	}
}

func TestEvaluatePlan_DestructiveOperations(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	plan := pipeline.Plan{Changes: []pipeline.Change{
		{URN: "urn:provider:demo:x", Kind: engine.ChangeDelete},
	}}

	result, err := eng.EvaluatePlan(context.Background(), plan, PolicyContext{Environment: "production"})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected production delete without dry run to be denied")
	}

	result, err = eng.EvaluatePlan(context.Background(), plan, PolicyContext{Environment: "production", DryRun: true})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected dry run to be allowed, violations: %+v", result.Violations)
	}
}

func TestEvaluatePlan_BlastRadius(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	var changes []pipeline.Change
	for i := 0; i < 6; i++ {
		changes = append(changes, pipeline.Change{URN: "urn:provider:demo:thing" + string(rune('a'+i)), Kind: engine.ChangeDelete})
	}
	plan := pipeline.Plan{Changes: changes}

	result, err := eng.EvaluatePlan(context.Background(), plan, PolicyContext{})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	// blast-radius is warning severity: flagged but doesn't block.
	if !result.Allowed {
		t.Errorf("expected warning-only violation to still allow, got %+v", result.Violations)
	}
	found := false
	for _, v := range result.Violations {
		if v.Policy == "blast-radius" {
			found = true
		}
	}
	if !found {
		t.Error("expected blast-radius violation for 6 deletes")
	}
}

func TestEvaluatePlan_SensitivePathExposure(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	plan := pipeline.Plan{Changes: []pipeline.Change{
		{URN: "urn:provider:demo:x", Kind: engine.ChangeUpdate, Paths: []string{"config.password"}},
	}}

	result, err := eng.EvaluatePlan(context.Background(), plan, PolicyContext{})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	found := false
	for _, v := range result.Violations {
		if v.Policy == "sensitive-path-exposure" {
			found = true
		}
	}
	if !found {
		t.Error("expected sensitive-path-exposure violation for a password path")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	policyName := "resource-naming"
	if err := eng.DisablePolicy(policyName); err != nil {
		t.Fatalf("failed to disable policy: %v", err)
	}

	p, err := eng.GetPolicy(policyName)
	if err != nil {
		t.Fatalf("failed to get policy: %v", err)
	}
	if p.Enabled {
		t.Error("policy should be disabled")
	}

	plan := pipeline.Plan{Changes: []pipeline.Change{
		{URN: "urn:provider:demo:INVALID_NAME", Kind: engine.ChangeCreate},
	}}
	result, err := eng.EvaluatePlan(context.Background(), plan, PolicyContext{})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	for _, v := range result.Violations {
		if v.Policy == policyName {
			t.Error("disabled policy should not generate violations")
		}
	}

	if err := eng.EnablePolicy(policyName); err != nil {
		t.Fatalf("failed to enable policy: %v", err)
	}
	p, err = eng.GetPolicy(policyName)
	if err != nil {
		t.Fatalf("failed to get policy: %v", err)
	}
	if !p.Enabled {
		t.Error("policy should be enabled")
	}
}

func TestReloadPolicies(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	initialCount := len(eng.ListPolicies())
	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("failed to reload policies: %v", err)
	}
	if got := len(eng.ListPolicies()); got != initialCount {
		t.Errorf("expected %d policies after reload, got %d", initialCount, got)
	}
}

func TestListPolicies(t *testing.T) {
	eng, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("no policies returned")
	}
	for _, p := range policies {
		if p.Name == "" {
			t.Error("policy has empty name")
		}
		if p.Rego == "" {
			t.Error("policy has empty rego code")
		}
		if p.CreatedAt.IsZero() {
			t.Error("policy has zero CreatedAt")
		}
	}
}
