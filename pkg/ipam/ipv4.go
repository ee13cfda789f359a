package ipam

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// parseIPv4 returns the numeric value of a dotted IPv4 address.
func parseIPv4(s string) (uint32, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if !addr.Is4() {
		return 0, fmt.Errorf("address %q is not IPv4", s)
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:]), nil
}

func formatIPv4(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b).String()
}

// ipVersionOf reports the family of a dotted address.
func ipVersionOf(s string) (IPVersion, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", s, err)
	}
	if addr.Is4() {
		return IPv4, nil
	}
	return IPv6, nil
}

// bounds returns the numeric start and end of an IPv4 range. ok is false
// for ranges of another family or with unparseable bounds.
func (r *SubnetRangeState) bounds() (start, end uint32, ok bool) {
	if r.IPVersion != "" && r.IPVersion != IPv4 {
		return 0, 0, false
	}
	start, err := parseIPv4(r.StartAddress)
	if err != nil {
		return 0, 0, false
	}
	end, err = parseIPv4(r.EndAddress)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, end, true
}

// Size returns the number of addresses in an IPv4 range, or 0 for ranges
// the allocator cannot serve.
func (r *SubnetRangeState) Size() int64 {
	start, end, ok := r.bounds()
	if !ok {
		return 0
	}
	return int64(end) - int64(start) + 1
}

// Contains reports whether address lies within an IPv4 range.
func (r *SubnetRangeState) Contains(address string) bool {
	v, err := parseIPv4(address)
	if err != nil {
		return false
	}
	start, end, ok := r.bounds()
	return ok && v >= start && v <= end
}
