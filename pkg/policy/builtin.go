package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		destructiveOperationsPolicy(),
		blastRadiusPolicy(),
		sensitivePathExposurePolicy(),
	}
}

// resourceNamingPolicy enforces naming conventions on the resource
// segment of a URN (the part after the provider name).
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Enforces resource naming conventions (lowercase letters, digits, and -_?= only)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package mashin.policies.naming

import rego.v1

deny contains violation if {
	some change in input.plan.changes
	resource := change.resource

	not regex.match("^[a-z0-9][a-z0-9?=_-]*$", resource)
	violation := {
		"message": sprintf("resource %q must start with a lowercase letter or digit and contain only lowercase letters, digits, and -_?=", [resource]),
		"severity": "error",
		"urn": change.urn,
	}
}

deny contains violation if {
	some change in input.plan.changes
	resource := change.resource

	count(resource) > 253
	violation := {
		"message": sprintf("resource %q exceeds the maximum length of 253 characters", [resource]),
		"severity": "error",
		"urn": change.urn,
	}
}`,
	}
}

// destructiveOperationsPolicy prevents deletes in production outside a
// dry run.
func destructiveOperationsPolicy() Policy {
	return Policy{
		Name:        "destructive-operations",
		Description: "Prevents destructive operations in production without an explicit dry run",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package mashin.policies.operations

import rego.v1

deny contains violation if {
	input.context.environment == "production"
	not input.context.dry_run

	some change in input.plan.changes
	change.kind == "delete"

	violation := {
		"message": sprintf("delete of %q is not allowed in production without a dry run", [change.urn]),
		"severity": "critical",
		"urn": change.urn,
	}
}`,
	}
}

// blastRadiusPolicy warns when a single apply would delete an unusually
// large number of resources, the kind of plan shape that is more often
// a module bug than an intended change.
func blastRadiusPolicy() Policy {
	return Policy{
		Name:        "blast-radius",
		Description: "Warns when a plan deletes more than a handful of resources at once",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package mashin.policies.blastradius

import rego.v1

max_deletes := 5

deny contains violation if {
	delete_count := count([c |
		some c in input.plan.changes
		c.kind == "delete"
	])
	delete_count > max_deletes

	violation := {
		"message": sprintf("plan deletes %d resources, exceeding the review threshold of %d", [delete_count, max_deletes]),
		"severity": "warning",
	}
}`,
	}
}

// sensitivePathExposurePolicy warns when a create or update touches a
// field path whose name suggests it carries a credential, so the
// desired-state config (which is not itself encrypted, unlike the
// stored raw state it folds into) doesn't leak one in plain text.
func sensitivePathExposurePolicy() Policy {
	return Policy{
		Name:        "sensitive-path-exposure",
		Description: "Flags field paths that look like they carry credentials",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"secrets"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package mashin.policies.secrets

import rego.v1

sensitive_names := ["password", "secret", "token", "api_key", "private_key"]

deny contains violation if {
	some change in input.plan.changes
	some path in change.paths
	some name in sensitive_names

	contains(lower(path), name)

	violation := {
		"message": sprintf("field path %q on %q looks like it carries a credential — confirm it is marked sensitive", [path, change.urn]),
		"severity": "warning",
		"urn": change.urn,
	}
}`,
	}
}
