package ipam

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-ipam/pkg/engine"
	"github.com/openfroyo/froyo-ipam/pkg/stores"
)

// AllocationContext is the working state of one bulk allocation. It is
// rebuilt from the store after every lost conflict; the claims made so far
// survive a refresh.
type AllocationContext struct {
	Subnet *SubnetState

	// Ranges are the IPv4 ranges of the subnet, ordered by link.
	Ranges []*SubnetRangeState

	// Requests maps each connected resource to the number of addresses it
	// needs.
	Requests       map[string]int
	TotalRequested int

	// MaxPossible is the total size of Ranges.
	MaxPossible int64

	existing    []*IPAddressState
	unavailable map[string]struct{}
	claims      map[string][]*IPAddressState
	claimed     map[string]struct{}
	resources   []string
	cursors     []uint64
}

// NewAllocationContext loads the subnet and its ranges and reads every
// existing address record of those ranges. Ranges that are not IPv4 are
// skipped.
func NewAllocationContext(ctx context.Context, store stores.DocumentStore, subnetLink string, requests map[string]int, logger zerolog.Logger) (*AllocationContext, error) {
	subnet, err := GetSubnet(ctx, store, subnetLink)
	if err != nil {
		return nil, err
	}

	all, err := ListSubnetRanges(ctx, store, subnetLink)
	if err != nil {
		return nil, err
	}

	ac := &AllocationContext{
		Subnet:   subnet,
		Requests: requests,
		claims:   make(map[string][]*IPAddressState),
		claimed:  make(map[string]struct{}),
	}

	for _, r := range all {
		if _, _, ok := r.bounds(); !ok {
			logger.Warn().Str("subnet_range_link", r.Link).
				Str("ip_version", string(r.IPVersion)).
				Msg("skipping range the allocator cannot serve")
			continue
		}
		ac.Ranges = append(ac.Ranges, r)
		ac.MaxPossible += r.Size()
	}

	for resource, n := range requests {
		ac.resources = append(ac.resources, resource)
		ac.TotalRequested += n
	}
	sort.Strings(ac.resources)

	if len(ac.Ranges) == 0 {
		return ac, nil
	}
	if err := ac.refresh(ctx, store); err != nil {
		return nil, err
	}
	return ac, nil
}

// RangeLinks returns the links of the usable ranges.
func (ac *AllocationContext) RangeLinks() []string {
	links := make([]string, len(ac.Ranges))
	for i, r := range ac.Ranges {
		links[i] = r.Link
	}
	return links
}

// refresh re-reads the address records and rebuilds the unavailable set.
// Addresses claimed by this allocation stay unavailable.
func (ac *AllocationContext) refresh(ctx context.Context, store stores.DocumentStore) error {
	existing, err := ListIPAddresses(ctx, store, ac.RangeLinks())
	if err != nil {
		return err
	}

	ac.existing = existing
	ac.unavailable = make(map[string]struct{}, len(existing)+len(ac.claimed))
	for _, rec := range existing {
		if rec.Status != StatusAvailable {
			ac.unavailable[rec.Address] = struct{}{}
		}
	}
	for addr := range ac.claimed {
		ac.unavailable[addr] = struct{}{}
	}

	ac.cursors = make([]uint64, len(ac.Ranges))
	for i, r := range ac.Ranges {
		start, _, _ := r.bounds()
		ac.cursors[i] = uint64(start)
	}
	return nil
}

// CheckCapacity fails when the request cannot fit in the addresses not yet
// known to be taken.
func (ac *AllocationContext) CheckCapacity() error {
	free := ac.MaxPossible - int64(len(ac.unavailable))
	if int64(ac.TotalRequested) <= free {
		return nil
	}
	return engine.NewPermanentError(
		fmt.Sprintf("subnet %s has %d free addresses, %d requested", ac.Subnet.Link, max(free, 0), ac.TotalRequested), nil,
	).WithCode(engine.ErrCodeInsufficientCapacity).
		WithResource(ac.Subnet.Link).
		WithDetail("requested", ac.TotalRequested).
		WithDetail("free", max(free, 0))
}

func (ac *AllocationContext) remaining(resource string) int {
	return ac.Requests[resource] - len(ac.claims[resource])
}

// Satisfied reports whether every resource has all its addresses.
func (ac *AllocationContext) Satisfied() bool {
	for _, resource := range ac.resources {
		if ac.remaining(resource) > 0 {
			return false
		}
	}
	return true
}

// nextResource returns the first resource still short of addresses.
func (ac *AllocationContext) nextResource() (string, bool) {
	for _, resource := range ac.resources {
		if ac.remaining(resource) > 0 {
			return resource, true
		}
	}
	return "", false
}

func (ac *AllocationContext) isUnavailable(address string) bool {
	_, ok := ac.unavailable[address]
	return ok
}

func (ac *AllocationContext) markUnavailable(address string) {
	ac.unavailable[address] = struct{}{}
}

func (ac *AllocationContext) claim(resource string, rec *IPAddressState) {
	ac.claims[resource] = append(ac.claims[resource], rec)
	ac.claimed[rec.Address] = struct{}{}
	ac.markUnavailable(rec.Address)
}

// reusable returns existing AVAILABLE records that nobody in this
// allocation has tried yet.
func (ac *AllocationContext) reusable() []*IPAddressState {
	var out []*IPAddressState
	for _, rec := range ac.existing {
		if rec.Status == StatusAvailable && !ac.isUnavailable(rec.Address) {
			out = append(out, rec)
		}
	}
	return out
}

// hasAvailableExisting reports whether the last read saw AVAILABLE records
// this allocation does not hold.
func (ac *AllocationContext) hasAvailableExisting() bool {
	for _, rec := range ac.existing {
		if rec.Status != StatusAvailable {
			continue
		}
		if _, mine := ac.claimed[rec.Address]; !mine {
			return true
		}
	}
	return false
}

// nextCandidate returns the lowest address not known to be taken, scanning
// ranges in order. Each returned address is consumed.
func (ac *AllocationContext) nextCandidate() (*SubnetRangeState, string, bool) {
	for i, r := range ac.Ranges {
		_, end, _ := r.bounds()
		for ac.cursors[i] <= uint64(end) {
			addr := formatIPv4(uint32(ac.cursors[i]))
			ac.cursors[i]++
			if !ac.isUnavailable(addr) {
				return r, addr, true
			}
		}
	}
	return nil, "", false
}

// exhaustedError reports that no address is left to try.
func (ac *AllocationContext) exhaustedError() error {
	return engine.NewPermanentError(
		fmt.Sprintf("no free address left in subnet %s", ac.Subnet.Link), nil,
	).WithCode(engine.ErrCodeAddressPoolExhausted).
		WithResource(ac.Subnet.Link).
		WithDetail("unavailable", len(ac.unavailable)).
		WithDetail("max_possible", ac.MaxPossible)
}

// Claims returns every record this allocation holds.
func (ac *AllocationContext) Claims() []*IPAddressState {
	var out []*IPAddressState
	for _, resource := range ac.resources {
		out = append(out, ac.claims[resource]...)
	}
	return out
}

// Result folds the claims into an AllocationResult.
func (ac *AllocationContext) Result() *AllocationResult {
	result := newAllocationResult(ac.Subnet.Link)

	ranges := make(map[string]bool)
	for _, resource := range ac.resources {
		for _, rec := range ac.claims[resource] {
			result.IPAddressLinks = append(result.IPAddressLinks, rec.Link)
			result.ResourceToAllocatedIPs[resource] = append(result.ResourceToAllocatedIPs[resource], rec.Link)
			result.ResourceToAddresses[resource] = append(result.ResourceToAddresses[resource], rec.Address)
			ranges[rec.SubnetRangeLink] = true
		}
	}
	for _, r := range ac.Ranges {
		if ranges[r.Link] {
			result.SubnetRangeLinks = append(result.SubnetRangeLinks, r.Link)
		}
	}
	return result
}
