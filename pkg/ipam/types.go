package ipam

import (
	"time"
)

// Store kinds of the address management documents.
const (
	DocumentKindSubnet      = "subnet"
	DocumentKindSubnetRange = "subnet-range"
	DocumentKindIPAddress   = "ip-address"
)

// Link prefixes of the address management documents.
const (
	SubnetLinkPrefix      = "/resources/subnets/"
	SubnetRangeLinkPrefix = "/resources/subnet-ranges/"
	IPAddressLinkPrefix   = "/resources/ip-addresses/"
)

// IPVersion is the address family of a range.
type IPVersion string

const (
	IPv4 IPVersion = "IPv4"
	IPv6 IPVersion = "IPv6"
)

// IPAddressStatus is the lifecycle status of one address record.
type IPAddressStatus string

const (
	// StatusAvailable marks a record that can be claimed.
	StatusAvailable IPAddressStatus = "AVAILABLE"

	// StatusAllocated marks a record owned by a connected resource.
	StatusAllocated IPAddressStatus = "ALLOCATED"

	// StatusReleased marks a record returned by its owner and not yet
	// reclaimed.
	StatusReleased IPAddressStatus = "RELEASED"
)

// SubnetState is a network with one or more allocatable ranges.
type SubnetState struct {
	Link        string   `json:"link"`
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	CIDR        string   `json:"cidr"`
	Gateway     string   `json:"gateway,omitempty"`
	TenantLinks []string `json:"tenant_links,omitempty"`
}

// SubnetRangeState is a contiguous, inclusive span of addresses inside a
// subnet.
type SubnetRangeState struct {
	Link         string    `json:"link"`
	ID           string    `json:"id"`
	StartAddress string    `json:"start_address"`
	EndAddress   string    `json:"end_address"`
	IPVersion    IPVersion `json:"ip_version"`
	SubnetLink   string    `json:"subnet_link"`
	TenantLinks  []string  `json:"tenant_links,omitempty"`
}

// IPAddressState is the persisted record of one address within one range.
// Records are created lazily the first time an address is handed out.
type IPAddressState struct {
	Link                  string          `json:"link"`
	Address               string          `json:"address"`
	Status                IPAddressStatus `json:"status"`
	ConnectedResourceLink string          `json:"connected_resource_link,omitempty"`
	SubnetRangeLink       string          `json:"subnet_range_link"`
	ReleasedAt            *time.Time      `json:"released_at,omitempty"`

	// Version is the store version the record was read at.
	Version int64 `json:"-"`
}

// AllocationResult describes the addresses handed out by one operation.
type AllocationResult struct {
	SubnetLink       string   `json:"subnet_link"`
	SubnetRangeLinks []string `json:"subnet_range_links"`
	IPAddressLinks   []string `json:"ip_address_links"`

	// ResourceToAllocatedIPs maps each connected resource to the links of
	// its address records.
	ResourceToAllocatedIPs map[string][]string `json:"resource_to_allocated_ips"`

	// ResourceToAddresses maps each connected resource to its dotted
	// addresses.
	ResourceToAddresses map[string][]string `json:"resource_to_addresses"`
}

func newAllocationResult(subnetLink string) *AllocationResult {
	return &AllocationResult{
		SubnetLink:             subnetLink,
		SubnetRangeLinks:       []string{},
		IPAddressLinks:         []string{},
		ResourceToAllocatedIPs: map[string][]string{},
		ResourceToAddresses:    map[string][]string{},
	}
}

// Addresses returns every allocated address in the result.
func (r *AllocationResult) Addresses() []string {
	var out []string
	for _, addrs := range r.ResourceToAddresses {
		out = append(out, addrs...)
	}
	return out
}

// DeallocationResult lists the records moved to RELEASED.
type DeallocationResult struct {
	ReleasedLinks []string `json:"released_links"`
	SkippedLinks  []string `json:"skipped_links,omitempty"`
}
