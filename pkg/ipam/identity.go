package ipam

import (
	"github.com/google/uuid"
)

// ipAddressNamespace scopes the name-based UUIDs of address records.
var ipAddressNamespace = uuid.MustParse("5b0a2c1e-8f3d-5e6a-9c47-1d2e3f405162")

// IPAddressLink returns the link of the record for address within the range
// at subnetRangeLink. The same inputs always give the same link, so two
// allocators that pick the same address collide on one document.
func IPAddressLink(subnetRangeLink, address string) string {
	id := uuid.NewSHA1(ipAddressNamespace, []byte(subnetRangeLink+"|"+address))
	return IPAddressLinkPrefix + id.String()
}

// SubnetLink returns the link of the subnet with the given inventory id.
func SubnetLink(subnetID string) string {
	return SubnetLinkPrefix + subnetID
}

// SubnetRangeLink returns the link of a range within a subnet.
func SubnetRangeLink(subnetID, rangeID string) string {
	return SubnetRangeLinkPrefix + subnetID + "-" + rangeID
}
