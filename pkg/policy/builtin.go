package policy

import (
	"time"
)

// Built-in policy names.
const (
	PolicyMaxAddresses       = "max-addresses-per-request"
	PolicyResourceLinkFormat = "resource-link-format"
	PolicyDistinctSubnets    = "distinct-subnets"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		maxAddressesPolicy(),
		resourceLinkFormatPolicy(),
		distinctSubnetsPolicy(),
	}
}

// maxAddressesPolicy bounds the total number of addresses a single request
// may allocate.
func maxAddressesPolicy() Policy {
	return Policy{
		Name:        PolicyMaxAddresses,
		Description: "Limits the number of addresses requested in one allocation",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"capacity"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package froyo.admission.capacity

import rego.v1

allocating if input.operation == "allocate"

allocating if input.operation == "assign"

deny contains violation if {
	allocating
	limit := data.froyo.limits.max_addresses_per_request
	limit > 0
	input.total_requested > limit
	violation := {
		"message": sprintf("request asks for %d addresses, at most %d are allowed per request", [input.total_requested, limit]),
		"severity": "error",
		"details": {"requested": input.total_requested, "limit": limit},
	}
}
`,
	}
}

// resourceLinkFormatPolicy requires connected resource links to be absolute
// store links.
func resourceLinkFormatPolicy() Policy {
	return Policy{
		Name:        PolicyResourceLinkFormat,
		Description: "Connected resource links must be absolute store links",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package froyo.admission.resources

import rego.v1

deny contains violation if {
	some r in input.resources
	pattern := data.froyo.limits.resource_link_pattern
	not regex.match(pattern, r.link)
	violation := {
		"message": sprintf("resource link '%s' does not match %s", [r.link, pattern]),
		"severity": "error",
		"resource": r.link,
	}
}
`,
	}
}

// distinctSubnetsPolicy warns when a network assignment names a subnet more
// than once.
func distinctSubnetsPolicy() Policy {
	return Policy{
		Name:        PolicyDistinctSubnets,
		Description: "Network assignments should name each subnet once",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"assignment"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package froyo.admission.subnets

import rego.v1

deny contains violation if {
	input.operation == "assign"
	some link in input.subnet_links
	count([l | some l in input.subnet_links; l == link]) > 1
	violation := {
		"message": sprintf("subnet %s is listed more than once", [link]),
		"severity": "warning",
		"resource": link,
	}
}
`,
	}
}
