package ipam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-ipam/pkg/engine"
	"github.com/openfroyo/froyo-ipam/pkg/stores"
	"github.com/openfroyo/froyo-ipam/pkg/telemetry"
)

// Allocator operation names used in metrics and spans.
const (
	OperationAllocate         = "allocate"
	OperationAllocateSpecific = "allocate_specific"
	OperationDeallocate       = "deallocate"
)

// Options configures an Allocator. Telemetry fields may be nil.
type Options struct {
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher

	// ConflictBackoff spaces the re-read cycles that follow a lost claim.
	ConflictBackoff engine.Backoff

	// MaxRetryDuration bounds the time one allocation phase may spend in
	// conflict cycles. Zero means no bound.
	MaxRetryDuration time.Duration
}

// Allocator hands out IPv4 addresses from subnet ranges. Concurrent
// allocators on the same subnet coordinate only through conditional writes
// to the store.
type Allocator struct {
	store   stores.DocumentStore
	opts    Options
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
}

// NewAllocator creates an allocator on store.
func NewAllocator(store stores.DocumentStore, opts Options) *Allocator {
	if opts.ConflictBackoff == (engine.Backoff{}) {
		opts.ConflictBackoff = engine.DefaultBackoff
	}
	return &Allocator{
		store:   store,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "allocator").Logger(),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		events:  opts.Events,
	}
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Allocate claims requests[resource] addresses for every resource on the
// subnet at subnetLink. Existing AVAILABLE records are reused before new
// records are created. A request larger than the free space fails before
// anything is written.
func (a *Allocator) Allocate(ctx context.Context, subnetLink string, requests map[string]int) (result *AllocationResult, err error) {
	timer := telemetry.NewTimer()
	defer func() { a.metrics.RecordAllocation(OperationAllocate, outcome(err), timer.Duration()) }()

	if err := validateRequest(&AllocateRequest{SubnetLink: subnetLink, ResourceToIPCount: requests}); err != nil {
		return nil, err
	}

	ac, err := NewAllocationContext(ctx, a.store, subnetLink, requests, a.logger)
	if err != nil {
		return nil, err
	}

	log := a.logger.With().Str("subnet_link", subnetLink).Int("requested", ac.TotalRequested).Logger()
	if len(ac.Ranges) == 0 {
		log.Info().Msg("subnet has no allocatable ranges")
		return newAllocationResult(subnetLink), nil
	}

	ctx, span := a.tracer.StartAllocationSpan(ctx, OperationAllocate, ac.RangeLinks())
	defer func() { telemetry.EndSpan(span, err) }()

	if err := ac.CheckCapacity(); err != nil {
		log.Warn().Err(err).Msg("allocation rejected")
		return nil, err
	}

	err = a.reuseExisting(ctx, ac)
	if err == nil && !ac.Satisfied() {
		err = a.createNew(ctx, ac)
	}
	if err != nil {
		log.Warn().Err(err).Int("claimed", len(ac.Claims())).Msg("allocation failed")
		a.rollback(ctx, ac)
		return nil, err
	}

	for _, rec := range ac.Claims() {
		_ = a.events.PublishAddressAllocated(rec.SubnetRangeLink, rec.Address, rec.ConnectedResourceLink)
	}

	result = ac.Result()
	log.Info().Int("allocated", len(result.IPAddressLinks)).Msg("addresses allocated")
	return result, nil
}

// reuseExisting claims AVAILABLE records already in the store. After a lost
// claim it re-reads the records while any AVAILABLE ones remain.
func (a *Allocator) reuseExisting(ctx context.Context, ac *AllocationContext) error {
	started := time.Now()
	retry := a.opts.ConflictBackoff.Start()
	for {
		conflict, err := a.claimReusable(ctx, ac)
		if err != nil {
			return err
		}
		if !conflict || ac.Satisfied() || !ac.hasAvailableExisting() {
			return nil
		}
		if err := a.retryCycle(ctx, ac, "reuse", retry, started); err != nil {
			return err
		}
	}
}

func (a *Allocator) claimReusable(ctx context.Context, ac *AllocationContext) (conflict bool, err error) {
	for _, rec := range ac.reusable() {
		resource, ok := ac.nextResource()
		if !ok {
			break
		}

		ac.markUnavailable(rec.Address)
		claimed, err := a.activate(ctx, rec, resource)
		if engine.IsConflict(err) {
			conflict = true
			continue
		}
		if err != nil {
			return conflict, err
		}
		ac.claim(resource, claimed)
	}
	return conflict, nil
}

// createNew creates records for addresses never handed out before. After a
// lost claim it re-reads the records while the ranges still have room.
func (a *Allocator) createNew(ctx context.Context, ac *AllocationContext) error {
	started := time.Now()
	retry := a.opts.ConflictBackoff.Start()
	for {
		conflict, err := a.claimNew(ctx, ac)
		if err != nil {
			return err
		}
		if !conflict || ac.Satisfied() {
			return nil
		}
		if ac.MaxPossible <= int64(len(ac.unavailable)) {
			return ac.exhaustedError()
		}
		if err := a.retryCycle(ctx, ac, "create", retry, started); err != nil {
			return err
		}
	}
}

func (a *Allocator) claimNew(ctx context.Context, ac *AllocationContext) (conflict bool, err error) {
	for {
		resource, ok := ac.nextResource()
		if !ok {
			return false, nil
		}

		r, addr, ok := ac.nextCandidate()
		if !ok {
			return false, ac.exhaustedError()
		}

		rec, err := a.getOrCreate(ctx, r, addr)
		if err != nil {
			return false, err
		}
		ac.markUnavailable(addr)

		// Someone else created and took it since the last read.
		if rec.Status != StatusAvailable {
			a.metrics.RecordAllocationConflict()
			continue
		}

		claimed, err := a.activate(ctx, rec, resource)
		if engine.IsConflict(err) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		ac.claim(resource, claimed)
	}
}

// retryCycle waits out the conflict backoff and re-reads the context.
func (a *Allocator) retryCycle(ctx context.Context, ac *AllocationContext, phase string, retry *engine.Retrier, started time.Time) error {
	if limit := a.opts.MaxRetryDuration; limit > 0 && time.Since(started) > limit {
		return engine.NewTransientError(
			fmt.Sprintf("%s phase still losing claims after %s", phase, limit), nil,
		).WithCode(engine.ErrCodeTimeout).WithResource(ac.Subnet.Link)
	}

	a.logger.Debug().Str("subnet_link", ac.Subnet.Link).
		Str("phase", phase).
		Int("attempt", retry.Attempts()+1).
		Msg("claim conflict, refreshing allocation context")

	if err := retry.Wait(ctx); err != nil {
		return engine.NewTransientError("allocation interrupted", err).WithResource(ac.Subnet.Link)
	}
	return ac.refresh(ctx, a.store)
}

// getOrCreate returns the record for address in r, creating it as
// AVAILABLE when missing.
func (a *Allocator) getOrCreate(ctx context.Context, r *SubnetRangeState, address string) (*IPAddressState, error) {
	rec := &IPAddressState{
		Link:            IPAddressLink(r.Link, address),
		Address:         address,
		Status:          StatusAvailable,
		SubnetRangeLink: r.Link,
	}
	doc, err := rec.document()
	if err != nil {
		return nil, err
	}

	stored, err := a.store.Create(ctx, doc)
	if err != nil {
		return nil, engine.NewTransientError("failed to create address record", err).WithResource(rec.Link)
	}
	return decodeIPAddress(stored)
}

// activate moves rec to ALLOCATED for resource if nobody changed it since
// it was read.
func (a *Allocator) activate(ctx context.Context, rec *IPAddressState, resource string) (*IPAddressState, error) {
	next := rec.clone()
	next.Status = StatusAllocated
	next.ConnectedResourceLink = resource
	next.ReleasedAt = nil

	doc, err := next.document()
	if err != nil {
		return nil, err
	}

	updated, err := a.store.ConditionalUpdate(ctx, doc, rec.Version)
	if errors.Is(err, stores.ErrConflict) {
		a.metrics.RecordAllocationConflict()
		return nil, engine.NewConflictError(fmt.Sprintf("address %s was claimed concurrently", rec.Address), err).
			WithCode(engine.ErrCodeConflict).
			WithResource(rec.Link)
	}
	if err != nil {
		return nil, storeError("failed to claim address", err, rec.Link)
	}

	next.Version = updated.Version
	return next, nil
}

// rollback returns the claims of a failed allocation to AVAILABLE. Claims
// changed by someone else in the meantime are left alone.
func (a *Allocator) rollback(ctx context.Context, ac *AllocationContext) {
	ctx = context.WithoutCancel(ctx)
	for _, rec := range ac.Claims() {
		free := rec.clone()
		free.Status = StatusAvailable
		free.ConnectedResourceLink = ""

		doc, err := free.document()
		if err == nil {
			_, err = a.store.ConditionalUpdate(ctx, doc, rec.Version)
		}
		if err != nil {
			a.logger.Warn().Err(err).Str("ip_address_link", rec.Link).Msg("failed to roll back claim")
		}
	}
}

// AllocateSpecific claims address for resourceLink. Claiming an address
// the resource already holds succeeds without a write. A lost race is
// reported as a conflict and not retried.
func (a *Allocator) AllocateSpecific(ctx context.Context, subnetLink, resourceLink, address string) (result *AllocationResult, err error) {
	timer := telemetry.NewTimer()
	defer func() { a.metrics.RecordAllocation(OperationAllocateSpecific, outcome(err), timer.Duration()) }()

	req := &AllocateSpecificRequest{SubnetLink: subnetLink, ConnectedResourceLink: resourceLink, Address: address}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	subnet, err := GetSubnet(ctx, a.store, subnetLink)
	if err != nil {
		return nil, err
	}
	all, err := ListSubnetRanges(ctx, a.store, subnet.Link)
	if err != nil {
		return nil, err
	}

	log := a.logger.With().Str("subnet_link", subnetLink).
		Str("resource_link", resourceLink).
		Str("address", address).Logger()

	var usable []*SubnetRangeState
	var links []string
	for _, r := range all {
		if _, _, ok := r.bounds(); ok {
			usable = append(usable, r)
			links = append(links, r.Link)
		}
	}
	if len(usable) == 0 {
		log.Info().Msg("subnet has no allocatable ranges")
		return newAllocationResult(subnetLink), nil
	}

	ctx, span := a.tracer.StartAllocationSpan(ctx, OperationAllocateSpecific, links)
	span.SetAttributes(telemetry.AttrAddress.String(req.Address))
	defer func() { telemetry.EndSpan(span, err) }()

	var target *SubnetRangeState
	for _, r := range usable {
		if r.Contains(address) {
			target = r
			break
		}
	}
	if target == nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("address %s is not in any range of subnet %s", address, subnetLink), nil,
		).WithCode(engine.ErrCodeAddressOutOfRange).WithResource(subnetLink)
	}

	rec, err := GetIPAddress(ctx, a.store, IPAddressLink(target.Link, address))
	if engine.HasCode(err, engine.ErrCodeNotFound) {
		rec, err = a.getOrCreate(ctx, target, address)
	}
	if err != nil {
		return nil, err
	}

	if rec.Status == StatusAllocated {
		if rec.ConnectedResourceLink != resourceLink {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("address %s is allocated to %s", address, rec.ConnectedResourceLink), nil,
			).WithCode(engine.ErrCodeAddressAlreadyInUse).
				WithResource(rec.Link).
				WithDetail("owner", rec.ConnectedResourceLink)
		}
		log.Debug().Msg("address already held by resource")
	} else {
		rec, err = a.activate(ctx, rec, resourceLink)
		if err != nil {
			log.Warn().Err(err).Msg("specific allocation failed")
			return nil, err
		}
		_ = a.events.PublishAddressAllocated(rec.SubnetRangeLink, rec.Address, resourceLink)
		log.Info().Msg("address allocated")
	}

	result = newAllocationResult(subnetLink)
	result.SubnetRangeLinks = []string{target.Link}
	result.IPAddressLinks = []string{rec.Link}
	result.ResourceToAllocatedIPs[resourceLink] = []string{rec.Link}
	result.ResourceToAddresses[resourceLink] = []string{rec.Address}
	return result, nil
}

// Deallocate moves each record to RELEASED and clears its owner without a
// version check. Links that do not exist are skipped.
func (a *Allocator) Deallocate(ctx context.Context, addressLinks []string, resourceLink string) (result *DeallocationResult, err error) {
	timer := telemetry.NewTimer()
	defer func() { a.metrics.RecordAllocation(OperationDeallocate, outcome(err), timer.Duration()) }()

	if err := validateRequest(&DeallocateRequest{ConnectedResourceLink: resourceLink, IPAddressLinks: addressLinks}); err != nil {
		return nil, err
	}

	result = &DeallocationResult{ReleasedLinks: []string{}}
	now := time.Now().UTC()

	for _, link := range addressLinks {
		rec, err := GetIPAddress(ctx, a.store, link)
		if engine.HasCode(err, engine.ErrCodeNotFound) {
			a.logger.Warn().Str("ip_address_link", link).Msg("address record not found, skipping")
			result.SkippedLinks = append(result.SkippedLinks, link)
			continue
		}
		if err != nil {
			return nil, err
		}

		if rec.ConnectedResourceLink != "" && rec.ConnectedResourceLink != resourceLink {
			a.logger.Warn().Str("ip_address_link", link).
				Str("owner", rec.ConnectedResourceLink).
				Str("resource_link", resourceLink).
				Msg("releasing address held by another resource")
		}

		released := rec.clone()
		released.Status = StatusReleased
		released.ConnectedResourceLink = ""
		released.ReleasedAt = &now

		doc, err := released.document()
		if err != nil {
			return nil, err
		}
		if _, err := a.store.Put(ctx, doc); err != nil {
			return nil, storeError("failed to release address", err, link)
		}

		result.ReleasedLinks = append(result.ReleasedLinks, link)
		_ = a.events.PublishAddressReleased(link, resourceLink)
	}

	a.logger.Info().Str("resource_link", resourceLink).
		Int("released", len(result.ReleasedLinks)).
		Int("skipped", len(result.SkippedLinks)).
		Msg("addresses released")
	return result, nil
}
