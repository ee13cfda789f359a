package engine

import (
	"context"
	"fmt"
)

// ServiceTaskCallback tells a child task where to report its outcome and
// which stage and substage the report should carry. The child never needs
// to know the type of its parent.
type ServiceTaskCallback struct {
	TargetLink string `json:"target_link"`

	SuccessStage    TaskStage `json:"success_stage"`
	SuccessSubStage SubStage  `json:"success_sub_stage"`
	FailureStage    TaskStage `json:"failure_stage"`
	FailureSubStage SubStage  `json:"failure_sub_stage"`
}

// NewServiceTaskCallback builds a callback with explicit terminal mappings.
func NewServiceTaskCallback(targetLink string, successStage TaskStage, successSub SubStage, failureStage TaskStage, failureSub SubStage) *ServiceTaskCallback {
	return &ServiceTaskCallback{
		TargetLink:      targetLink,
		SuccessStage:    successStage,
		SuccessSubStage: successSub,
		FailureStage:    failureStage,
		FailureSubStage: failureSub,
	}
}

// CallbackToSubStage resumes a waiting parent at sub on success and fails
// it on failure.
func CallbackToSubStage(parentLink string, sub SubStage) *ServiceTaskCallback {
	return NewServiceTaskCallback(parentLink, StageStarted, sub, StageFailed, SubStageCreated)
}

// CallbackToSubTask reports a child's terminal stage to an aggregator.
func CallbackToSubTask(subTaskLink string) *ServiceTaskCallback {
	return NewServiceTaskCallback(subTaskLink, StageFinished, SubStageCreated, StageFailed, SubStageCreated)
}

// Validate checks that the callback can be delivered.
func (c *ServiceTaskCallback) Validate() error {
	if c.TargetLink == "" {
		return NewValidationError("callback target link is required")
	}
	if err := c.SuccessStage.Validate(); err != nil {
		return NewValidationError("callback success stage: %v", err)
	}
	if err := c.FailureStage.Validate(); err != nil {
		return NewValidationError("callback failure stage: %v", err)
	}
	return nil
}

// FinishedResponse returns the patch reporting success with result as its
// payload.
func (c *ServiceTaskCallback) FinishedResponse(result interface{}) *Patch {
	return &Patch{
		Stage:    c.SuccessStage,
		SubStage: c.SuccessSubStage,
		Payload:  result,
	}
}

// FailedResponse returns the patch reporting err.
func (c *ServiceTaskCallback) FailedResponse(err error) *Patch {
	if err == nil {
		err = fmt.Errorf("child task failed without an error")
	}
	return &Patch{
		Stage:    c.FailureStage,
		SubStage: c.FailureSubStage,
		Failure:  FailureFromError(err),
	}
}

// PatchDeliverer writes a patch to the document at link.
type PatchDeliverer interface {
	Deliver(ctx context.Context, link string, patch *Patch) error
}

// Notifier reports a child outcome to whoever is waiting for it.
type Notifier interface {
	NotifySuccess(ctx context.Context, result interface{}) error
	NotifyFailure(ctx context.Context, err error) error
}

// Notifier binds the callback to the sender and a delivery mechanism.
func (c *ServiceTaskCallback) Notifier(sourceLink string, deliverer PatchDeliverer) Notifier {
	return &callbackNotifier{callback: c, source: sourceLink, deliverer: deliverer}
}

type callbackNotifier struct {
	callback  *ServiceTaskCallback
	source    string
	deliverer PatchDeliverer
}

func (n *callbackNotifier) NotifySuccess(ctx context.Context, result interface{}) error {
	return n.send(ctx, n.callback.FinishedResponse(result))
}

func (n *callbackNotifier) NotifyFailure(ctx context.Context, err error) error {
	return n.send(ctx, n.callback.FailedResponse(err))
}

// send is a single write; the caller decides whether to retry.
func (n *callbackNotifier) send(ctx context.Context, patch *Patch) error {
	patch.Source = n.source
	if err := n.deliverer.Deliver(ctx, n.callback.TargetLink, patch); err != nil {
		return fmt.Errorf("failed to deliver callback from %s to %s: %w", n.source, n.callback.TargetLink, err)
	}
	return nil
}
