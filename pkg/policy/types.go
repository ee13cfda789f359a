package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that are reported but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the request.
	SeverityError Severity = "error"

	// SeverityCritical blocks the request.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects a request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Operations evaluated by admission policies.
const (
	OperationAllocate         = "allocate"
	OperationAllocateSpecific = "allocate_specific"
	OperationDeallocate       = "deallocate"
	OperationAssign           = "assign"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module must define a
	// "deny" set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry
	// their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the resource link the violation refers to, if any.
	Resource string `json:"resource,omitempty"`

	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation problems.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// ResourceRequest is one connected resource and the number of addresses
// requested for it.
type ResourceRequest struct {
	Link  string `json:"link"`
	Count int    `json:"count"`
}

// Input is the document exposed to Rego as "input".
type Input struct {
	Operation      string            `json:"operation"`
	RequestType    string            `json:"request_type,omitempty"`
	SubnetLinks    []string          `json:"subnet_links,omitempty"`
	Resources      []ResourceRequest `json:"resources,omitempty"`
	TotalRequested int               `json:"total_requested"`
	Address        string            `json:"address,omitempty"`
	Context        *Context          `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Environment is the deployment environment (e.g. "production").
	Environment string `json:"environment,omitempty"`

	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Limits are exposed to Rego as data.froyo.limits.
type Limits struct {
	// MaxAddressesPerRequest caps the total addresses a single allocation
	// may ask for. Zero disables the check.
	MaxAddressesPerRequest int `json:"max_addresses_per_request"`

	// ResourceLinkPattern is the regular expression connected resource
	// links must match.
	ResourceLinkPattern string `json:"resource_link_pattern"`
}

// DefaultResourceLinkPattern accepts absolute, slash separated links.
const DefaultResourceLinkPattern = `^/[A-Za-z0-9._~-]+(/[A-Za-z0-9._~:-]+)*$`

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxAddressesPerRequest: 1024,
		ResourceLinkPattern:    DefaultResourceLinkPattern,
	}
}

// Bundle is a named collection of policies stored as one JSON file.
type Bundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
