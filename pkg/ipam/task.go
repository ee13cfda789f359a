package ipam

import (
	"context"
	"sort"
	"time"

	"github.com/openfroyo/froyo-ipam/pkg/engine"
	"github.com/openfroyo/froyo-ipam/pkg/policy"
)

// TaskKindAllocation is the task kind driving one allocator operation.
const TaskKindAllocation = "ip-address-allocation"

// Request types of the allocation task.
const (
	RequestTypeAllocate         = "ALLOCATE"
	RequestTypeAllocateSpecific = "ALLOCATE_SPECIFIC_IP"
	RequestTypeDeallocate       = "DEALLOCATE"
)

// Substages of the allocation task. Conflict retries happen inside a
// substage and never show up as one.
const (
	SubStageAllocateIPAddress engine.SubStage = iota + 1
	SubStageAllocateSpecificIPAddress
	SubStageDeallocateIPAddress
	SubStageAllocationFinished
	SubStageAllocationFailed
)

var allocationSubStageNames = map[engine.SubStage]string{
	engine.SubStageCreated:            "CREATED",
	SubStageAllocateIPAddress:         "ALLOCATE_IP_ADDRESS",
	SubStageAllocateSpecificIPAddress: "ALLOCATE_SPECIFIC_IP_ADDRESS",
	SubStageDeallocateIPAddress:       "DEALLOCATE_IP_ADDRESS",
	SubStageAllocationFinished:        "FINISHED",
	SubStageAllocationFailed:          "FAILED",
}

// Admitter decides whether a request may be accepted.
type Admitter interface {
	Admit(ctx context.Context, input *policy.Input) error
}

// NewAllocationTaskDefinition returns the task kind that runs Allocate,
// AllocateSpecific and Deallocate on alloc. admit may be nil.
func NewAllocationTaskDefinition(alloc *Allocator, admit Admitter) *engine.Definition {
	def := &engine.Definition{
		Kind:             TaskKindAllocation,
		InitialSubStage:  allocationInitialSubStage,
		FinishedSubStage: SubStageAllocationFinished,
		FailedSubStage:   SubStageAllocationFailed,
		SubStageNames:    allocationSubStageNames,
		Validate: func(ctx context.Context, task *engine.Task) error {
			input, err := allocationAdmissionInput(task)
			if err != nil {
				return err
			}
			if admit == nil {
				return nil
			}
			return admit.Admit(ctx, input)
		},
		Result: allocationTaskResult,
	}

	def.Handle(RequestTypeAllocate, SubStageAllocateIPAddress, func(ctx context.Context, task *engine.Task) (*engine.Patch, error) {
		var req AllocateRequest
		if err := task.DecodePayload(&req); err != nil {
			return nil, err
		}
		result, err := alloc.Allocate(ctx, req.SubnetLink, req.ResourceToIPCount)
		if err != nil {
			return nil, err
		}
		return engine.Finish(SubStageAllocationFinished, result), nil
	})

	def.Handle(RequestTypeAllocateSpecific, SubStageAllocateSpecificIPAddress, func(ctx context.Context, task *engine.Task) (*engine.Patch, error) {
		var req AllocateSpecificRequest
		if err := task.DecodePayload(&req); err != nil {
			return nil, err
		}
		result, err := alloc.AllocateSpecific(ctx, req.SubnetLink, req.ConnectedResourceLink, req.Address)
		if err != nil {
			return nil, err
		}
		return engine.Finish(SubStageAllocationFinished, result), nil
	})

	def.Handle(RequestTypeDeallocate, SubStageDeallocateIPAddress, func(ctx context.Context, task *engine.Task) (*engine.Patch, error) {
		var req DeallocateRequest
		if err := task.DecodePayload(&req); err != nil {
			return nil, err
		}
		result, err := alloc.Deallocate(ctx, req.IPAddressLinks, req.ConnectedResourceLink)
		if err != nil {
			return nil, err
		}
		return engine.Finish(SubStageAllocationFinished, result), nil
	})

	return def
}

func allocationInitialSubStage(requestType string) (engine.SubStage, error) {
	switch requestType {
	case RequestTypeAllocate:
		return SubStageAllocateIPAddress, nil
	case RequestTypeAllocateSpecific:
		return SubStageAllocateSpecificIPAddress, nil
	case RequestTypeDeallocate:
		return SubStageDeallocateIPAddress, nil
	default:
		return 0, engine.NewValidationError("unknown request type %q", requestType)
	}
}

// allocationAdmissionInput validates the request payload and describes it
// to the admission policies.
func allocationAdmissionInput(task *engine.Task) (*policy.Input, error) {
	input := &policy.Input{
		RequestType: task.RequestType,
		Context:     &policy.Context{Timestamp: time.Now().UTC()},
	}

	switch task.RequestType {
	case RequestTypeAllocate:
		var req AllocateRequest
		if err := decodeRequest(task, &req); err != nil {
			return nil, err
		}
		input.Operation = policy.OperationAllocate
		input.SubnetLinks = []string{req.SubnetLink}
		input.Resources = resourceRequests(req.ResourceToIPCount)
		for _, n := range req.ResourceToIPCount {
			input.TotalRequested += n
		}

	case RequestTypeAllocateSpecific:
		var req AllocateSpecificRequest
		if err := decodeRequest(task, &req); err != nil {
			return nil, err
		}
		input.Operation = policy.OperationAllocateSpecific
		input.SubnetLinks = []string{req.SubnetLink}
		input.Resources = []policy.ResourceRequest{{Link: req.ConnectedResourceLink, Count: 1}}
		input.TotalRequested = 1
		input.Address = req.Address

	case RequestTypeDeallocate:
		var req DeallocateRequest
		if err := decodeRequest(task, &req); err != nil {
			return nil, err
		}
		input.Operation = policy.OperationDeallocate
		input.Resources = []policy.ResourceRequest{{Link: req.ConnectedResourceLink, Count: len(req.IPAddressLinks)}}

	default:
		return nil, engine.NewValidationError("unknown request type %q", task.RequestType)
	}

	return input, nil
}

func decodeRequest(task *engine.Task, req interface{}) error {
	if err := task.DecodePayload(req); err != nil {
		return engine.NewValidationError("%v", err)
	}
	return validateRequest(req)
}

func resourceRequests(counts map[string]int) []policy.ResourceRequest {
	out := make([]policy.ResourceRequest, 0, len(counts))
	for link, n := range counts {
		out = append(out, policy.ResourceRequest{Link: link, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Link < out[j].Link })
	return out
}

// allocationTaskResult is the payload sent to the callback of a finished
// allocation task.
func allocationTaskResult(task *engine.Task) (interface{}, error) {
	if task.RequestType == RequestTypeDeallocate {
		var result DeallocationResult
		if err := task.DecodePayload(&result); err != nil {
			return nil, err
		}
		return &result, nil
	}

	var result AllocationResult
	if err := task.DecodePayload(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AllocationTaskResult decodes the result of a finished allocation task.
func AllocationTaskResult(task *engine.Task) (*AllocationResult, error) {
	if task.Kind != TaskKindAllocation || task.RequestType == RequestTypeDeallocate {
		return nil, engine.NewValidationError("task %s does not allocate addresses", task.Link)
	}
	if task.Stage != engine.StageFinished {
		return nil, engine.NewValidationError("task %s is %s", task.Link, task.Stage)
	}
	var result AllocationResult
	if err := task.DecodePayload(&result); err != nil {
		return nil, err
	}
	return &result, nil
}
