package engine

import (
	"context"
	"fmt"
)

// HandlerFunc performs the work of one substage. It returns the next patch
// for the task, or nil when the task waits for an external patch such as a
// callback from its children. A returned error fails the task.
type HandlerFunc func(ctx context.Context, task *Task) (*Patch, error)

// Definition describes one task kind: its substages, validation and
// handlers.
type Definition struct {
	Kind string

	// InitialSubStage returns the STARTED substage for a request type, or a
	// validation error for unknown request types.
	InitialSubStage func(requestType string) (SubStage, error)

	FinishedSubStage SubStage
	FailedSubStage   SubStage

	// SubStageNames labels substages in events and logs.
	SubStageNames map[SubStage]string

	// Validate rejects bad requests before the task is persisted.
	Validate func(ctx context.Context, task *Task) error

	// Result builds the payload sent to the callback when the task finishes.
	// The whole task payload is sent when nil.
	Result func(task *Task) (interface{}, error)

	handlers map[handlerKey]HandlerFunc
}

type handlerKey struct {
	requestType string
	subStage    SubStage
}

// Handle registers h for (requestType, sub). An empty request type matches
// any request type without a more specific handler.
func (d *Definition) Handle(requestType string, sub SubStage, h HandlerFunc) *Definition {
	if d.handlers == nil {
		d.handlers = make(map[handlerKey]HandlerFunc)
	}
	d.handlers[handlerKey{requestType: requestType, subStage: sub}] = h
	return d
}

func (d *Definition) handler(requestType string, sub SubStage) (HandlerFunc, bool) {
	if h, ok := d.handlers[handlerKey{requestType: requestType, subStage: sub}]; ok {
		return h, true
	}
	h, ok := d.handlers[handlerKey{subStage: sub}]
	return h, ok
}

// SubStageName returns the label of sub.
func (d *Definition) SubStageName(sub SubStage) string {
	if name, ok := d.SubStageNames[sub]; ok {
		return name
	}
	return fmt.Sprintf("SUBSTAGE(%d)", int(sub))
}

func (d *Definition) validate() error {
	if d.Kind == "" {
		return fmt.Errorf("task definition kind is required")
	}
	if d.InitialSubStage == nil {
		return fmt.Errorf("task definition %s has no initial substage", d.Kind)
	}
	if d.FinishedSubStage <= SubStageCreated || d.FailedSubStage <= SubStageCreated {
		return fmt.Errorf("task definition %s must declare finished and failed substages", d.Kind)
	}
	return nil
}

// applyPatch moves task to the patch target. It rejects updates to terminal
// tasks and updates that would move the task backwards.
func (d *Definition) applyPatch(task *Task, patch *Patch) error {
	if task.Stage.IsTerminal() {
		return NewPermanentError(
			fmt.Sprintf("task is already %s", task.Stage), nil,
		).WithCode(ErrCodeTaskTerminal).WithResource(task.Link)
	}

	target := patch.Position()
	failure := patch.Failure

	switch {
	case failure != nil:
		target = Position{Stage: StageFailed, SubStage: d.FailedSubStage}
	case patch.Stage == StageFailed:
		failure = &Failure{Class: ErrorClassPermanent, Code: ErrCodeInternal, Message: "task failed without a reason"}
		target = Position{Stage: StageFailed, SubStage: d.FailedSubStage}
	case patch.Stage == StageCancelled:
		target = Position{Stage: StageCancelled, SubStage: task.SubStage}
	case patch.Stage == StageFinished:
		target.SubStage = d.FinishedSubStage
	}

	if err := target.Stage.Validate(); err != nil {
		return NewValidationError("%v", err).WithResource(task.Link)
	}

	if target.Before(task.Position()) {
		return NewPermanentError(
			fmt.Sprintf("cannot move from %s/%s back to %s/%s",
				task.Stage, d.SubStageName(task.SubStage), target.Stage, d.SubStageName(target.SubStage)), nil,
		).WithCode(ErrCodeInvalidTransition).WithResource(task.Link)
	}

	payload, err := mergePayload(task.Payload, patch.Payload)
	if err != nil {
		return NewValidationError("%v", err).WithResource(task.Link)
	}

	task.Stage = target.Stage
	task.SubStage = target.SubStage
	task.Failure = failure
	task.Payload = payload
	return nil
}
