package policy

import (
	"encoding/json"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// URN is the resource URN that violated the policy, if any.
	URN string `json:"urn,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// PolicyResult represents the result of evaluating every enabled policy
// against one plan.
type PolicyResult struct {
	// Allowed indicates whether Apply may proceed: false if any
	// enforcing-mode violation carries SeverityError or SeverityCritical.
	Allowed bool `json:"allowed"`

	// Violations lists every deny found, across all evaluated policies.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// EvaluationWarnings lists policies that failed to evaluate (a bad
	// Rego query, say) — distinct from a policy's own warning-severity
	// violations, which land in Violations like any other.
	EvaluationWarnings []string `json:"evaluation_warnings,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// changeInput is the plan-change shape handed to Rego as part of
// input.plan.changes / input.change.
type changeInput struct {
	URN      string          `json:"urn"`
	Resource string          `json:"resource"`
	Provider string          `json:"provider"`
	Kind     string          `json:"kind"`
	Paths    []string        `json:"paths,omitempty"`
	Diff     json.RawMessage `json:"diff,omitempty"`
}

// planInput is the whole-plan shape handed to Rego as input.plan.
type planInput struct {
	Changes []changeInput `json:"changes"`
}

// PolicyContext carries the circumstances a plan is being evaluated
// under, letting policies make environment-aware decisions (the
// destructive-operations built-in policy is the canonical consumer).
type PolicyContext struct {
	// User is the user performing the operation.
	User string `json:"user,omitempty"`

	// Environment names the target environment (e.g. "production").
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the pipeline stage being gated ("plan" or "apply").
	Operation string `json:"operation,omitempty"`

	// DryRun indicates this evaluation won't be followed by an Apply.
	DryRun bool `json:"dry_run"`
}

// PolicyBundle represents a collection of related policies, as loaded
// from a bundle manifest file.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}
