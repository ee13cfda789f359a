package ipam

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/froyo-ipam/pkg/config"
	"github.com/openfroyo/froyo-ipam/pkg/engine"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Options

	// Admitter checks requests before their task is persisted. Nil admits
	// everything.
	Admitter Admitter

	// FanOutLimit bounds concurrent child creation of assignment tasks.
	FanOutLimit int

	// ReleaseRetention is how long a released address stays RELEASED
	// before the reclaimer makes it available again.
	ReleaseRetention time.Duration
}

// Service registers the address management task kinds on a runtime and
// offers one entry point per operation.
type Service struct {
	runtime   *engine.Runtime
	allocator *Allocator
	reclaimer *Reclaimer
	opts      ServiceOptions
}

// NewService builds the allocator on the runtime's store and registers the
// allocation and assignment task kinds.
func NewService(rt *engine.Runtime, opts ServiceOptions) (*Service, error) {
	alloc := NewAllocator(rt.Store(), opts.Options)

	if err := rt.Register(NewAllocationTaskDefinition(alloc, opts.Admitter)); err != nil {
		return nil, fmt.Errorf("failed to register allocation task: %w", err)
	}
	if err := rt.Register(NewAssignmentTaskDefinition(rt, opts.Admitter, opts.FanOutLimit, opts.Logger)); err != nil {
		return nil, fmt.Errorf("failed to register assignment task: %w", err)
	}

	return &Service{
		runtime:   rt,
		allocator: alloc,
		reclaimer: NewReclaimer(rt.Store(), opts.ReleaseRetention, opts.Options),
		opts:      opts,
	}, nil
}

// Runtime returns the task runtime.
func (s *Service) Runtime() *engine.Runtime { return s.runtime }

// Allocator returns the allocator used by the task handlers.
func (s *Service) Allocator() *Allocator { return s.allocator }

// Reclaimer returns the released address reclaimer.
func (s *Service) Reclaimer() *Reclaimer { return s.reclaimer }

// Allocate starts a bulk allocation task.
func (s *Service) Allocate(ctx context.Context, subnetLink string, counts map[string]int, cb *engine.ServiceTaskCallback) (*engine.Task, error) {
	return s.runtime.Create(ctx, engine.TaskSpec{
		Kind:        TaskKindAllocation,
		RequestType: RequestTypeAllocate,
		Payload:     &AllocateRequest{SubnetLink: subnetLink, ResourceToIPCount: counts},
		Callback:    cb,
	})
}

// AllocateSpecific starts a task claiming one address.
func (s *Service) AllocateSpecific(ctx context.Context, subnetLink, resourceLink, address string, cb *engine.ServiceTaskCallback) (*engine.Task, error) {
	return s.runtime.Create(ctx, engine.TaskSpec{
		Kind:        TaskKindAllocation,
		RequestType: RequestTypeAllocateSpecific,
		Payload:     &AllocateSpecificRequest{SubnetLink: subnetLink, ConnectedResourceLink: resourceLink, Address: address},
		Callback:    cb,
	})
}

// Deallocate starts a task releasing address records.
func (s *Service) Deallocate(ctx context.Context, resourceLink string, addressLinks []string, cb *engine.ServiceTaskCallback) (*engine.Task, error) {
	return s.runtime.Create(ctx, engine.TaskSpec{
		Kind:        TaskKindAllocation,
		RequestType: RequestTypeDeallocate,
		Payload:     &DeallocateRequest{ConnectedResourceLink: resourceLink, IPAddressLinks: addressLinks},
		Callback:    cb,
	})
}

// Assign starts a network assignment over several subnets.
func (s *Service) Assign(ctx context.Context, req *AssignmentRequest, cb *engine.ServiceTaskCallback) (*engine.Task, error) {
	return s.runtime.Create(ctx, engine.TaskSpec{
		Kind:        TaskKindAssignment,
		RequestType: RequestTypeAssign,
		Payload:     req,
		Callback:    cb,
	})
}

// Seed writes the inventory into the store.
func (s *Service) Seed(ctx context.Context, inv *config.Inventory) (*SeedResult, error) {
	return Seed(ctx, s.runtime.Store(), inv, s.opts.Logger)
}

// Usage reports the pool usage of a subnet.
func (s *Service) Usage(ctx context.Context, subnetLink string) (*UsageReport, error) {
	return Usage(ctx, s.runtime.Store(), subnetLink, s.opts.Metrics)
}

// Reclaim runs one reclaimer sweep.
func (s *Service) Reclaim(ctx context.Context) (int, error) {
	return s.reclaimer.Reclaim(ctx)
}
