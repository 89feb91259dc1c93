package policy

import (
	"time"

	"github.com/openfroyo/runway/pkg/engine"
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

// Blocking reports whether the severity blocks an apply.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Enforcement modes.
const (
	ModeAdvisory  = "advisory"
	ModeEnforcing = "enforcing"
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

	// Builtin marks policies shipped with runway.
	Builtin bool `json:"builtin"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Kinds restricts evaluation to nodes of these kinds. Empty means every node.
	Kinds []engine.Kind `json:"kinds,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// appliesTo reports whether the policy evaluates nodes of a kind.
func (p *Policy) appliesTo(kind engine.Kind) bool {
	if len(p.Kinds) == 0 {
		return true
	}
	for _, k := range p.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// NodeID is the graph node that violated the policy.
	NodeID string `json:"node_id,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed is false when any violation has a blocking severity.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists violations that don't block operations.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`

	// Context contains evaluation context information.
	Context *PolicyContext `json:"context,omitempty"`
}

// add files a violation under Violations or Warnings by severity.
func (r *PolicyResult) add(v PolicyViolation) {
	if v.Severity.Blocking() {
		r.Violations = append(r.Violations, v)
		r.Allowed = false
		return
	}
	r.Warnings = append(r.Warnings, v)
}

// merge folds another result into r.
func (r *PolicyResult) merge(other *PolicyResult) {
	for _, v := range other.Violations {
		r.add(v)
	}
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.Errors = append(r.Errors, other.Errors...)
}

// Blocks reports whether the result should stop an apply under the given
// enforcement mode and violation action.
func (r *PolicyResult) Blocks(mode, onViolation string) bool {
	if r.Allowed || mode == ModeAdvisory {
		return false
	}
	return onViolation != "warn"
}

// NodeInput is the view of a graph node handed to Rego as input.node.
type NodeInput struct {
	ID        string                 `json:"id"`
	Kind      engine.Kind            `json:"kind"`
	Config    map[string]interface{} `json:"config"`
	DependsOn []string               `json:"depends_on,omitempty"`

	// References maps each overridden field to the target output that fills
	// it, e.g. "route_name" to "runService.name".
	References map[string]string `json:"references,omitempty"`
}

// PolicyInput represents the input data for policy evaluation.
type PolicyInput struct {
	// Node is the node being evaluated.
	Node *NodeInput `json:"node"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// User is the user performing the operation.
	User string `json:"user,omitempty"`

	// Environment is the environment being evaluated (e.g., "prod").
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the command being run (e.g., "validate", "plan", "apply").
	Operation string `json:"operation,omitempty"`

	// DryRun indicates if this is a dry-run evaluation.
	DryRun bool `json:"dry_run"`
}

// PolicyBundle represents a collection of related policies.
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
