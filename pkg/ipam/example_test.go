package ipam_test

import (
	"context"
	"fmt"
	"log"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-ipam/pkg/config"
	"github.com/openfroyo/froyo-ipam/pkg/engine"
	"github.com/openfroyo/froyo-ipam/pkg/ipam"
	"github.com/openfroyo/froyo-ipam/pkg/stores"
)

// ExampleAllocator_Allocate hands out addresses to two virtual machines
// and then shows a request that no longer fits.
func ExampleAllocator_Allocate() {
	ctx := context.Background()
	store := stores.NewMemoryStore()

	inv := &config.Inventory{Subnets: []config.SubnetConfig{{
		ID:     "lab",
		CIDR:   "10.0.0.0/24",
		Ranges: []config.RangeConfig{{ID: "main", Start: "10.0.0.1", End: "10.0.0.3"}},
	}}}
	if _, err := ipam.Seed(ctx, store, inv, zerolog.Nop()); err != nil {
		log.Fatal(err)
	}

	alloc := ipam.NewAllocator(store, ipam.Options{Logger: zerolog.Nop()})

	result, err := alloc.Allocate(ctx, ipam.SubnetLink("lab"), map[string]int{
		"/resources/vms/web": 2,
		"/resources/vms/db":  1,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("db:", result.ResourceToAddresses["/resources/vms/db"])
	fmt.Println("web:", result.ResourceToAddresses["/resources/vms/web"])

	_, err = alloc.Allocate(ctx, ipam.SubnetLink("lab"), map[string]int{"/resources/vms/cache": 1})
	fmt.Println(engine.HasCode(err, engine.ErrCodeInsufficientCapacity))
	// Output:
	// db: [10.0.0.1]
	// web: [10.0.0.2 10.0.0.3]
	// true
}
