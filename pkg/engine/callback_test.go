package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type recordingDeliverer struct {
	link  string
	patch *Patch
	err   error
}

func (d *recordingDeliverer) Deliver(_ context.Context, link string, patch *Patch) error {
	d.link = link
	d.patch = patch
	return d.err
}

func TestServiceTaskCallbackResponses(t *testing.T) {
	cb := NewServiceTaskCallback("/tasks/parent/1", StageStarted, 4, StageFailed, 9)

	finished := cb.FinishedResponse(map[string]string{"ip": "10.0.0.1"})
	if finished.Stage != StageStarted || finished.SubStage != 4 || finished.Failure != nil {
		t.Errorf("unexpected finished response: %+v", finished)
	}

	failed := cb.FailedResponse(NewPermanentError("taken", nil).WithCode(ErrCodeAddressAlreadyInUse))
	if failed.Stage != StageFailed || failed.SubStage != 9 {
		t.Errorf("unexpected failed response: %+v", failed)
	}
	if failed.Failure == nil || failed.Failure.Code != ErrCodeAddressAlreadyInUse {
		t.Errorf("failure not carried: %+v", failed.Failure)
	}

	if got := cb.FailedResponse(nil); got.Failure == nil {
		t.Error("failed response without error should still carry a failure")
	}
}

func TestNotifierSendsOnce(t *testing.T) {
	d := &recordingDeliverer{}
	n := CallbackToSubTask("/subtasks/1").Notifier("/tasks/child/1", d)

	if err := n.NotifySuccess(context.Background(), nil); err != nil {
		t.Fatalf("NotifySuccess failed: %v", err)
	}
	if d.link != "/subtasks/1" || d.patch.Source != "/tasks/child/1" || d.patch.Stage != StageFinished {
		t.Errorf("unexpected delivery: %s %+v", d.link, d.patch)
	}

	d.err = errors.New("store unavailable")
	if err := n.NotifyFailure(context.Background(), errors.New("boom")); err == nil {
		t.Error("delivery error should be returned")
	}
}

func TestFailureFromError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantClass ErrorClass
		wantCode  string
	}{
		{name: "engine error", err: NewTransientError("store down", nil).WithCode(ErrCodeTimeout), wantClass: ErrorClassTransient, wantCode: ErrCodeTimeout},
		{name: "plain error", err: errors.New("boom"), wantClass: ErrorClassPermanent, wantCode: ErrCodeInternal},
		{name: "context", err: context.DeadlineExceeded, wantClass: ErrorClassTransient, wantCode: ErrCodeTimeout},
		{name: "failure", err: &Failure{Class: ErrorClassConflict, Code: ErrCodeConflict, Message: "x"}, wantClass: ErrorClassConflict, wantCode: ErrCodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := FailureFromError(tt.err)
			if f.Class != tt.wantClass || f.Code != tt.wantCode {
				t.Errorf("got %s/%s, want %s/%s", f.Class, f.Code, tt.wantClass, tt.wantCode)
			}
		})
	}
	if FailureFromError(nil) != nil {
		t.Error("nil error should give nil failure")
	}
}

func TestStageOrderingAndJSON(t *testing.T) {
	ordered := []Position{
		{StageCreated, 0},
		{StageStarted, 1},
		{StageStarted, 2},
		{StageFinished, 0},
		{StageFailed, 0},
		{StageCancelled, 0},
	}
	for i := 1; i < len(ordered); i++ {
		if !ordered[i-1].Before(ordered[i]) {
			t.Errorf("%v should be before %v", ordered[i-1], ordered[i])
		}
		if ordered[i].Before(ordered[i-1]) {
			t.Errorf("%v should not be before %v", ordered[i], ordered[i-1])
		}
	}
	if ordered[1].Before(ordered[1]) {
		t.Error("equal positions are not ordered")
	}

	raw, err := json.Marshal(struct {
		Stage TaskStage `json:"stage"`
	}{StageFailed})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(raw) != `{"stage":"FAILED"}` {
		t.Errorf("stage marshaled as %s", raw)
	}

	var s TaskStage
	if err := json.Unmarshal([]byte(`"RUNNING"`), &s); err == nil {
		t.Error("unknown stage name should not decode")
	}
}

func TestMergePayload(t *testing.T) {
	merged, err := mergePayload(json.RawMessage(`{"a":1,"b":{"x":1}}`), map[string]interface{}{"b": map[string]int{"y": 2}, "c": true})
	if err != nil {
		t.Fatalf("mergePayload failed: %v", err)
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal(merged, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if string(got["a"]) != "1" || string(got["b"]) != `{"y":2}` || string(got["c"]) != "true" {
		t.Errorf("unexpected merge result: %s", merged)
	}

	if _, err := mergePayload(nil, "scalar"); err == nil {
		t.Error("non-object payload should be rejected")
	}
}
