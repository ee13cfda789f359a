// Package config loads the froyo-ipam service configuration and the network
// inventory.
//
// # Service configuration
//
// The service reads a YAML file (gopkg.in/yaml.v3) decoded on top of
// Default() and checked with validator/v10 struct tags:
//
//	store:
//	  driver: sqlite
//	  path: froyo-ipam.db
//	allocator:
//	  max_retry_duration: 0s
//	  release_retention: 1h
//	policy:
//	  enabled: true
//	  paths: [policies]
//	  watch: true
//	inventory: [inventory.cue]
//	telemetry:
//	  logging:
//	    level: debug
//
// Unknown keys are rejected. Relative paths are resolved against the
// directory of the config file.
//
// # Inventory
//
// Subnets and their allocatable ranges are written in CUE. Each subnet is
// unified with the built-in #Subnet definition from SchemaRegistry, decoded,
// and checked for ranges that fall outside the subnet prefix:
//
//	subnets: lab: {
//	    cidr:    "10.0.0.0/24"
//	    tenants: ["/tenants/lab"]
//	    ranges: [
//	        {id: "low", start: "10.0.0.10", end: "10.0.0.99"},
//	        {id: "high", start: "10.0.0.100", end: "10.0.0.199"},
//	    ]
//	}
//
// Problems are collected in Inventory.Errors with file positions when CUE
// reports them; Inventory.Err folds them into a single error.
package config
