package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DocumentKindTask is the store kind of every task document.
const DocumentKindTask = "task"

// TaskLinkPrefix prefixes the link of every task document.
const TaskLinkPrefix = "/tasks/"

// Task is a durable unit of orchestration work.
type Task struct {
	// Link is the stable store link of the task.
	Link string `json:"link"`

	// Kind selects the registered Definition.
	Kind string `json:"kind"`

	// RequestType selects the handler set within the kind.
	RequestType string `json:"request_type,omitempty"`

	Stage    TaskStage `json:"stage"`
	SubStage SubStage  `json:"sub_stage"`

	// Failure is set if and only if Stage is FAILED.
	Failure *Failure `json:"failure,omitempty"`

	// Callback is notified once when the task reaches a terminal stage.
	Callback *ServiceTaskCallback `json:"callback,omitempty"`

	// Payload holds the domain request and accumulated results as a JSON object.
	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Owner is the runtime instance running the handler of the current
	// substage, until LeaseExpiresAt.
	Owner          string     `json:"owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// Version is the store version the task was read at.
	Version int64 `json:"-"`
}

// Position returns the task's (stage, substage).
func (t *Task) Position() Position {
	return Position{Stage: t.Stage, SubStage: t.SubStage}
}

// leased reports whether another dispatch still owns the task at now.
func (t *Task) leased(now time.Time) bool {
	return t.LeaseExpiresAt != nil && now.Before(*t.LeaseExpiresAt)
}

// DecodePayload unmarshals the payload into v.
func (t *Task) DecodePayload(v interface{}) error {
	if len(t.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload of task %s: %w", t.Link, err)
	}
	return nil
}

func (t *Task) clone() *Task {
	c := *t
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	if t.Failure != nil {
		f := *t.Failure
		c.Failure = &f
	}
	if t.LeaseExpiresAt != nil {
		l := *t.LeaseExpiresAt
		c.LeaseExpiresAt = &l
	}
	return &c
}

// Failure is the structured error stored on a failed task.
type Failure struct {
	Class   ErrorClass             `json:"class"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Code != "" {
		return fmt.Sprintf("[%s/%s] %s", f.Class, f.Code, f.Message)
	}
	return fmt.Sprintf("[%s] %s", f.Class, f.Message)
}

// AsError converts the failure back into an EngineError.
func (f *Failure) AsError() *EngineError {
	return &EngineError{
		Class:   f.Class,
		Code:    f.Code,
		Message: f.Message,
		Details: f.Details,
	}
}

// FailureFromError classifies err into a Failure. Errors that are not
// EngineErrors are treated as permanent.
func FailureFromError(err error) *Failure {
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) {
		c := *f
		return &c
	}

	var e *EngineError
	if errors.As(err, &e) {
		return &Failure{
			Class:   e.Class,
			Code:    e.Code,
			Message: e.Error(),
			Details: e.Details,
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Class: ErrorClassTransient, Code: ErrCodeTimeout, Message: err.Error()}
	}

	return &Failure{Class: ErrorClassPermanent, Code: ErrCodeInternal, Message: err.Error()}
}

// Patch is an update message applied to a task. A patch carrying a Failure
// always moves the task to FAILED.
type Patch struct {
	Stage    TaskStage `json:"stage"`
	SubStage SubStage  `json:"sub_stage"`
	Failure  *Failure  `json:"failure,omitempty"`

	// Payload is marshaled to a JSON object and merged key by key into the
	// task payload.
	Payload interface{} `json:"payload,omitempty"`

	// Source is the link of the sender, set for callbacks from children.
	Source string `json:"source,omitempty"`
}

// Position returns the patch target.
func (p *Patch) Position() Position {
	return Position{Stage: p.Stage, SubStage: p.SubStage}
}

// NextSubStage builds a patch that advances a started task.
func NextSubStage(sub SubStage, payload interface{}) *Patch {
	return &Patch{Stage: StageStarted, SubStage: sub, Payload: payload}
}

// Finish builds a patch that completes a task successfully.
func Finish(sub SubStage, payload interface{}) *Patch {
	return &Patch{Stage: StageFinished, SubStage: sub, Payload: payload}
}

// Fail builds a patch that fails a task with err.
func Fail(err error) *Patch {
	return &Patch{Stage: StageFailed, Failure: FailureFromError(err)}
}

// mergePayload overlays the top-level keys of patch onto base.
func mergePayload(base json.RawMessage, patch interface{}) (json.RawMessage, error) {
	if patch == nil {
		return base, nil
	}

	var overlay map[string]json.RawMessage
	switch p := patch.(type) {
	case json.RawMessage:
		if len(p) == 0 {
			return base, nil
		}
		if err := json.Unmarshal(p, &overlay); err != nil {
			return nil, fmt.Errorf("patch payload must be a JSON object: %w", err)
		}
	default:
		raw, err := json.Marshal(patch)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal patch payload: %w", err)
		}
		if err := json.Unmarshal(raw, &overlay); err != nil {
			return nil, fmt.Errorf("patch payload must be a JSON object: %w", err)
		}
	}

	merged := make(map[string]json.RawMessage)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("task payload is not a JSON object: %w", err)
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}

	return json.Marshal(merged)
}
