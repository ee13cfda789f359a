package ipam

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-ipam/pkg/config"
	"github.com/openfroyo/froyo-ipam/pkg/engine"
	"github.com/openfroyo/froyo-ipam/pkg/stores"
)

// SeedResult counts the documents written by Seed.
type SeedResult struct {
	SubnetsCreated int      `json:"subnets_created"`
	RangesCreated  int      `json:"ranges_created"`
	Unchanged      int      `json:"unchanged"`
	SubnetLinks    []string `json:"subnet_links"`
}

// Seed creates the subnet and range documents described by inv. Documents
// that already exist are left untouched, so seeding the same inventory
// twice writes nothing the second time.
func Seed(ctx context.Context, store stores.DocumentStore, inv *config.Inventory, logger zerolog.Logger) (*SeedResult, error) {
	if err := inv.Err(); err != nil {
		return nil, engine.NewValidationError("%v", err)
	}

	result := &SeedResult{SubnetLinks: []string{}}

	for _, sc := range inv.Subnets {
		subnet := &SubnetState{
			Link:        SubnetLink(sc.ID),
			ID:          sc.ID,
			Name:        sc.Name,
			CIDR:        sc.CIDR,
			Gateway:     sc.Gateway,
			TenantLinks: sc.Tenants,
		}
		created, err := createIfMissing(ctx, store, DocumentKindSubnet, subnet.Link, subnet)
		if err != nil {
			return result, err
		}
		if created {
			result.SubnetsCreated++
		} else {
			result.Unchanged++
		}
		result.SubnetLinks = append(result.SubnetLinks, subnet.Link)

		for _, rc := range sc.Ranges {
			version, err := ipVersionOf(rc.Start)
			if err != nil {
				return result, engine.NewValidationError("range %s of subnet %s: %v", rc.ID, sc.ID, err)
			}
			r := &SubnetRangeState{
				Link:         SubnetRangeLink(sc.ID, rc.ID),
				ID:           rc.ID,
				StartAddress: rc.Start,
				EndAddress:   rc.End,
				IPVersion:    version,
				SubnetLink:   subnet.Link,
				TenantLinks:  sc.Tenants,
			}
			created, err := createIfMissing(ctx, store, DocumentKindSubnetRange, r.Link, r)
			if err != nil {
				return result, err
			}
			if created {
				result.RangesCreated++
			} else {
				result.Unchanged++
			}
		}

		logger.Debug().Str("subnet_link", subnet.Link).Int("ranges", len(sc.Ranges)).Msg("subnet seeded")
	}

	logger.Info().Int("subnets_created", result.SubnetsCreated).
		Int("ranges_created", result.RangesCreated).
		Int("unchanged", result.Unchanged).
		Msg("inventory seeded")
	return result, nil
}

func createIfMissing(ctx context.Context, store stores.DocumentStore, kind, link string, body interface{}) (bool, error) {
	_, err := store.Get(ctx, link)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, stores.ErrNotFound) {
		return false, engine.NewTransientError("failed to read "+kind, err).WithResource(link)
	}

	doc, err := stores.NewDocument(kind, link, body)
	if err != nil {
		return false, engine.NewPermanentError("failed to encode "+kind, err).WithResource(link)
	}
	if _, err := store.Create(ctx, doc); err != nil {
		return false, engine.NewTransientError("failed to create "+kind, err).WithResource(link)
	}
	return true, nil
}
