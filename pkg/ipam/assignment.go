package ipam

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-ipam/pkg/engine"
	"github.com/openfroyo/froyo-ipam/pkg/policy"
)

// TaskKindAssignment is the task kind that allocates on several subnets
// at once by fanning out one allocation task per subnet.
const TaskKindAssignment = "network-assignment"

// RequestTypeAssign is the only request type of the assignment task.
const RequestTypeAssign = "ASSIGN"

// Substages of the assignment task.
const (
	SubStageAssignAllocate engine.SubStage = iota + 1
	SubStageAwaitAllocations
	SubStageCollectResults
	SubStageAssignFinished
	SubStageAssignFailed
)

var assignmentSubStageNames = map[engine.SubStage]string{
	engine.SubStageCreated:   "CREATED",
	SubStageAssignAllocate:   "ALLOCATE",
	SubStageAwaitAllocations: "AWAIT_ALLOCATIONS",
	SubStageCollectResults:   "COLLECT_RESULTS",
	SubStageAssignFinished:   "FINISHED",
	SubStageAssignFailed:     "FAILED",
}

// SubnetAllocation is the part of an assignment served by one subnet.
type SubnetAllocation struct {
	SubnetLink        string         `json:"subnet_link" validate:"required,startswith=/"`
	ResourceToIPCount map[string]int `json:"resource_to_ip_count" validate:"required,min=1,dive,keys,required,startswith=/,endkeys,gt=0"`
}

// AssignmentRequest allocates on every listed subnet. ErrorThreshold is the
// fraction of subnet allocations allowed to fail before the whole
// assignment fails.
type AssignmentRequest struct {
	Allocations    []SubnetAllocation `json:"allocations" validate:"required,min=1,dive"`
	ErrorThreshold float64            `json:"error_threshold" validate:"gte=0,lte=1"`
}

// AssignmentResult is the outcome of a finished assignment.
type AssignmentResult struct {
	CompletedTaskLinks []string `json:"completed_task_links"`
	FailedTaskLinks    []string `json:"failed_task_links"`

	// SubnetResults maps each subnet link to its allocation.
	SubnetResults map[string]*AllocationResult `json:"subnet_results"`

	// ResourceToAddresses merges the addresses of every subnet.
	ResourceToAddresses map[string][]string `json:"resource_to_addresses"`
}

type assignmentState struct {
	AssignmentRequest
	SubTaskLink string `json:"subtask_link,omitempty"`
}

// NewAssignmentTaskDefinition returns the network assignment task kind.
// Child allocations are created at most fanOut at a time. admit may be nil.
func NewAssignmentTaskDefinition(rt *engine.Runtime, admit Admitter, fanOut int, logger zerolog.Logger) *engine.Definition {
	log := logger.With().Str("component", "assignment").Logger()

	def := &engine.Definition{
		Kind: TaskKindAssignment,
		InitialSubStage: func(requestType string) (engine.SubStage, error) {
			if requestType != RequestTypeAssign {
				return 0, engine.NewValidationError("unknown request type %q", requestType)
			}
			return SubStageAssignAllocate, nil
		},
		FinishedSubStage: SubStageAssignFinished,
		FailedSubStage:   SubStageAssignFailed,
		SubStageNames:    assignmentSubStageNames,
		Validate: func(ctx context.Context, task *engine.Task) error {
			var req AssignmentRequest
			if err := decodeRequest(task, &req); err != nil {
				return err
			}
			if admit == nil {
				return nil
			}
			return admit.Admit(ctx, assignmentAdmissionInput(&req))
		},
		Result: func(task *engine.Task) (interface{}, error) {
			var result AssignmentResult
			if err := task.DecodePayload(&result); err != nil {
				return nil, err
			}
			return &result, nil
		},
	}

	def.Handle(RequestTypeAssign, SubStageAssignAllocate, func(ctx context.Context, task *engine.Task) (*engine.Patch, error) {
		var state assignmentState
		if err := task.DecodePayload(&state); err != nil {
			return nil, err
		}

		link, err := rt.SubTasks().Create(ctx, len(state.Allocations), state.ErrorThreshold,
			engine.CallbackToSubStage(task.Link, SubStageCollectResults))
		if err != nil {
			return nil, err
		}
		return engine.NextSubStage(SubStageAwaitAllocations, map[string]string{"subtask_link": link}), nil
	})

	def.Handle(RequestTypeAssign, SubStageAwaitAllocations, func(ctx context.Context, task *engine.Task) (*engine.Patch, error) {
		var state assignmentState
		if err := task.DecodePayload(&state); err != nil {
			return nil, err
		}

		// Child links derive from the sub-task link, so a resumed task
		// finds the children it spawned before instead of adding more.
		_, err := rt.SubTasks().Get(ctx, state.SubTaskLink)
		if engine.HasCode(err, engine.ErrCodeNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		children := make([]engine.TaskSpec, len(state.Allocations))
		for i, a := range state.Allocations {
			children[i] = engine.TaskSpec{
				Kind:        TaskKindAllocation,
				RequestType: RequestTypeAllocate,
				Payload:     &AllocateRequest{SubnetLink: a.SubnetLink, ResourceToIPCount: a.ResourceToIPCount},
			}
		}

		links, err := rt.Spawn(ctx, state.SubTaskLink, children, fanOut)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("task_link", task.Link).
			Str("subtask_link", state.SubTaskLink).
			Strs("child_task_links", links).
			Msg("allocations fanned out")

		return nil, nil
	})

	def.Handle(RequestTypeAssign, SubStageCollectResults, func(ctx context.Context, task *engine.Task) (*engine.Patch, error) {
		var collected engine.SubTaskResult
		if err := task.DecodePayload(&collected); err != nil {
			return nil, err
		}
		result, err := collectAssignment(&collected)
		if err != nil {
			return nil, err
		}
		return engine.Finish(SubStageAssignFinished, result), nil
	})

	return def
}

// collectAssignment folds the child allocation results.
func collectAssignment(sub *engine.SubTaskResult) (*AssignmentResult, error) {
	result := &AssignmentResult{
		CompletedTaskLinks:  sub.CompletedLinks,
		FailedTaskLinks:     sub.FailedLinks,
		SubnetResults:       make(map[string]*AllocationResult),
		ResourceToAddresses: make(map[string][]string),
	}

	sources := make([]string, 0, len(sub.Results))
	for source := range sub.Results {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	for _, source := range sources {
		var ar AllocationResult
		if err := json.Unmarshal(sub.Results[source], &ar); err != nil {
			return nil, engine.NewPermanentError("failed to decode child allocation result", err).WithResource(source)
		}
		result.SubnetResults[ar.SubnetLink] = &ar
		for resource, addrs := range ar.ResourceToAddresses {
			result.ResourceToAddresses[resource] = append(result.ResourceToAddresses[resource], addrs...)
		}
	}
	return result, nil
}

func assignmentAdmissionInput(req *AssignmentRequest) *policy.Input {
	totals := make(map[string]int)
	input := &policy.Input{
		Operation:   policy.OperationAssign,
		RequestType: RequestTypeAssign,
		Context:     &policy.Context{Timestamp: time.Now().UTC()},
	}
	for _, a := range req.Allocations {
		input.SubnetLinks = append(input.SubnetLinks, a.SubnetLink)
		for resource, n := range a.ResourceToIPCount {
			totals[resource] += n
			input.TotalRequested += n
		}
	}
	input.Resources = resourceRequests(totals)
	return input
}
