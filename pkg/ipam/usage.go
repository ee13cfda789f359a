package ipam

import (
	"context"

	"github.com/openfroyo/froyo-ipam/pkg/stores"
	"github.com/openfroyo/froyo-ipam/pkg/telemetry"
)

// RangeUsage counts the addresses of one range by status. Untouched
// addresses have never had a record.
type RangeUsage struct {
	SubnetRangeLink string    `json:"subnet_range_link"`
	StartAddress    string    `json:"start_address"`
	EndAddress      string    `json:"end_address"`
	IPVersion       IPVersion `json:"ip_version"`
	Total           int64     `json:"total"`
	Available       int64     `json:"available"`
	Allocated       int64     `json:"allocated"`
	Released        int64     `json:"released"`
	Untouched       int64     `json:"untouched"`
}

// Free is the number of addresses an allocation could still claim.
func (u *RangeUsage) Free() int64 {
	return u.Available + u.Untouched
}

// UsageReport is the pool usage of one subnet.
type UsageReport struct {
	SubnetLink string        `json:"subnet_link"`
	CIDR       string        `json:"cidr"`
	Ranges     []*RangeUsage `json:"ranges"`
	Total      int64         `json:"total"`
	Available  int64         `json:"available"`
	Allocated  int64         `json:"allocated"`
	Released   int64         `json:"released"`
	Untouched  int64         `json:"untouched"`
}

// Usage reports how the addresses of a subnet are used. Ranges the
// allocator cannot serve are listed with zero totals. When metrics is not
// nil the per-range counts are exported as gauges.
func Usage(ctx context.Context, store stores.DocumentStore, subnetLink string, metrics *telemetry.Metrics) (*UsageReport, error) {
	subnet, err := GetSubnet(ctx, store, subnetLink)
	if err != nil {
		return nil, err
	}
	ranges, err := ListSubnetRanges(ctx, store, subnet.Link)
	if err != nil {
		return nil, err
	}

	report := &UsageReport{SubnetLink: subnet.Link, CIDR: subnet.CIDR, Ranges: []*RangeUsage{}}

	for _, r := range ranges {
		u := &RangeUsage{
			SubnetRangeLink: r.Link,
			StartAddress:    r.StartAddress,
			EndAddress:      r.EndAddress,
			IPVersion:       r.IPVersion,
			Total:           r.Size(),
		}

		records, err := ListIPAddresses(ctx, store, []string{r.Link})
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			switch rec.Status {
			case StatusAvailable:
				u.Available++
			case StatusAllocated:
				u.Allocated++
			case StatusReleased:
				u.Released++
			}
		}
		u.Untouched = max(u.Total-int64(len(records)), 0)

		metrics.SetAddressUsage(r.Link, string(StatusAvailable), float64(u.Available))
		metrics.SetAddressUsage(r.Link, string(StatusAllocated), float64(u.Allocated))
		metrics.SetAddressUsage(r.Link, string(StatusReleased), float64(u.Released))

		report.Ranges = append(report.Ranges, u)
		report.Total += u.Total
		report.Available += u.Available
		report.Allocated += u.Allocated
		report.Released += u.Released
		report.Untouched += u.Untouched
	}

	return report, nil
}
