// Package policy provides Open Policy Agent (OPA) admission checks for
// address allocation requests.
//
// Every allocation, specific-address, release and network assignment request
// is turned into an Input document and evaluated against the enabled Rego
// policies before the task is persisted. A policy module defines a "deny"
// set; each element is either a message string or an object with
// "message", "severity", "resource" and "details" keys. Violations of
// severity error or critical reject the request with a POLICY_VIOLATION
// error; lower severities are reported as warnings.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.Options{Limits: policy.DefaultLimits()})
//	if err != nil {
//	    return err
//	}
//
//	err = eng.Admit(ctx, &policy.Input{
//	    Operation:      policy.OperationAllocate,
//	    SubnetLinks:    []string{"/resources/subnets/lab"},
//	    Resources:      []policy.ResourceRequest{{Link: "/resources/compute/vm-1", Count: 2}},
//	    TotalRequested: 2,
//	})
//
// # Built-in Policies
//
//   - max-addresses-per-request: rejects requests above
//     data.froyo.limits.max_addresses_per_request
//   - resource-link-format: rejects connected resource links that do not
//     match data.froyo.limits.resource_link_pattern
//   - distinct-subnets: warns when an assignment repeats a subnet
//
// # Custom Policies
//
// Files ending in .rego are loaded as one policy named after the file.
// Leading comments become the description and a "# severity: error" line
// sets the default severity:
//
//	# Lab resources may only draw from lab subnets.
//	# severity: error
//	package froyo.custom.lab
//
//	import rego.v1
//
//	deny contains msg if {
//	    some r in input.resources
//	    startswith(r.link, "/resources/compute/lab-")
//	    some s in input.subnet_links
//	    not startswith(s, "/resources/subnets/lab")
//	    msg := sprintf("%s must use a lab subnet", [r.link])
//	}
//
// JSON files hold either one Policy or a Bundle of policies. Engine.Watch
// reloads file policies with fsnotify when they change; built-in policies
// are never replaced.
package policy
