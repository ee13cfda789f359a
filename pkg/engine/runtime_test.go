package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/froyo-ipam/pkg/stores"
)

const (
	counterStepOne  SubStage = 1
	counterStepTwo  SubStage = 2
	counterFinished SubStage = 3
	counterFailed   SubStage = 4

	manualWorking  SubStage = 1
	manualLater    SubStage = 2
	manualFinished SubStage = 5
	manualFailed   SubStage = 6
)

// counterDefinition advances through two substages on its own.
func counterDefinition() *Definition {
	def := &Definition{
		Kind: "counter",
		InitialSubStage: func(requestType string) (SubStage, error) {
			if requestType != "" && requestType != "COUNT" {
				return 0, fmt.Errorf("unsupported request type %q", requestType)
			}
			return counterStepOne, nil
		},
		FinishedSubStage: counterFinished,
		FailedSubStage:   counterFailed,
		SubStageNames: map[SubStage]string{
			SubStageCreated: "CREATED",
			counterStepOne:  "STEP_ONE",
			counterStepTwo:  "STEP_TWO",
			counterFinished: "FINISHED",
			counterFailed:   "FAILED",
		},
		Validate: func(_ context.Context, task *Task) error {
			var req struct {
				Name string `json:"name"`
			}
			if err := task.DecodePayload(&req); err != nil {
				return err
			}
			if req.Name == "" {
				return NewValidationError("name is required")
			}
			return nil
		},
	}
	def.Handle("", counterStepOne, func(_ context.Context, task *Task) (*Patch, error) {
		return NextSubStage(counterStepTwo, map[string]bool{"one": true}), nil
	})
	def.Handle("", counterStepTwo, func(_ context.Context, task *Task) (*Patch, error) {
		return Finish(counterFinished, map[string]bool{"two": true}), nil
	})
	return def
}

// manualDefinition starts and then waits for external patches.
func manualDefinition() *Definition {
	return &Definition{
		Kind: "manual",
		InitialSubStage: func(string) (SubStage, error) {
			return manualWorking, nil
		},
		FinishedSubStage: manualFinished,
		FailedSubStage:   manualFailed,
	}
}

func newTestRuntime(t *testing.T, opts Options, defs ...*Definition) (*Runtime, stores.Store) {
	t.Helper()

	store := stores.NewMemoryStore()
	rt := NewRuntime(store, opts)
	for _, def := range defs {
		if err := rt.Register(def); err != nil {
			t.Fatalf("Register(%s) failed: %v", def.Kind, err)
		}
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})
	return rt, store
}

func awaitTask(t *testing.T, rt *Runtime, link string) *Task {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, err := rt.Await(ctx, link)
	if err != nil {
		t.Fatalf("Await(%s) failed: %v", link, err)
	}
	return task
}

func waitForPosition(t *testing.T, rt *Runtime, link string, want Position) *Task {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := rt.Get(context.Background(), link)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", link, err)
		}
		if task.Position() == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %v", link, want)
	return nil
}

// capture records patches delivered to links under a prefix.
type capture struct {
	mu      sync.Mutex
	patches []*Patch
	links   []string
	ch      chan *Patch
}

func newCapture(rt *Runtime, prefix string) *capture {
	c := &capture{ch: make(chan *Patch, 128)}
	rt.RegisterReceiver(prefix, func(_ context.Context, link string, patch *Patch) error {
		c.mu.Lock()
		c.patches = append(c.patches, patch)
		c.links = append(c.links, link)
		c.mu.Unlock()
		c.ch <- patch
		return nil
	})
	return c
}

func (c *capture) next(t *testing.T) *Patch {
	t.Helper()
	select {
	case p := <-c.ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a delivered patch")
		return nil
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.patches)
}

func TestRuntimeRunsToFinished(t *testing.T) {
	rt, _ := newTestRuntime(t, Options{}, counterDefinition())
	ctx := context.Background()

	task, err := rt.Create(ctx, TaskSpec{
		Kind:        "counter",
		RequestType: "COUNT",
		Payload:     map[string]string{"name": "first"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if task.Stage != StageCreated {
		t.Errorf("Create returned stage %s, want CREATED", task.Stage)
	}

	done := awaitTask(t, rt, task.Link)
	if done.Stage != StageFinished || done.SubStage != counterFinished {
		t.Fatalf("expected FINISHED/%d, got %s/%d", counterFinished, done.Stage, done.SubStage)
	}
	if done.Failure != nil {
		t.Errorf("finished task should have no failure, got %v", done.Failure)
	}

	var payload map[string]interface{}
	if err := done.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	for _, key := range []string{"name", "one", "two"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("payload missing %q: %v", key, payload)
		}
	}

	events, err := rt.Events(ctx, task.Link, 0, 0)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 journal entries, got %d", len(events))
	}
	if events[len(events)-1].Stage != "FINISHED" {
		t.Errorf("last journal entry stage = %s, want FINISHED", events[len(events)-1].Stage)
	}
}

func TestRuntimeCreateValidation(t *testing.T) {
	rt, store := newTestRuntime(t, Options{}, counterDefinition())
	ctx := context.Background()

	tests := []struct {
		name string
		spec TaskSpec
	}{
		{name: "unknown kind", spec: TaskSpec{Kind: "nope"}},
		{name: "unknown request type", spec: TaskSpec{Kind: "counter", RequestType: "SUBTRACT", Payload: map[string]string{"name": "x"}}},
		{name: "missing name", spec: TaskSpec{Kind: "counter", Payload: map[string]string{}}},
		{name: "payload not an object", spec: TaskSpec{Kind: "counter", Payload: []string{"x"}}},
		{name: "callback without target", spec: TaskSpec{Kind: "counter", Payload: map[string]string{"name": "x"}, Callback: &ServiceTaskCallback{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Create(ctx, tt.spec)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	docs, err := stores.QueryAll(ctx, store, stores.Query{Kind: DocumentKindTask})
	if err != nil {
		t.Fatalf("QueryAll failed: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("rejected requests must not persist tasks, found %d", len(docs))
	}
}

func TestRuntimeRejectsBackwardPatch(t *testing.T) {
	rt, _ := newTestRuntime(t, Options{}, manualDefinition())
	ctx := context.Background()

	task, err := rt.Create(ctx, TaskSpec{Kind: "manual"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	waitForPosition(t, rt, task.Link, Position{Stage: StageStarted, SubStage: manualWorking})

	advanced, err := rt.Update(ctx, task.Link, NextSubStage(manualLater, nil))
	if err != nil {
		t.Fatalf("forward patch rejected: %v", err)
	}

	backward := []*Patch{
		NextSubStage(manualWorking, map[string]string{"ignored": "yes"}),
		{Stage: StageCreated},
	}
	for _, patch := range backward {
		_, err := rt.Update(ctx, task.Link, patch)
		if !HasCode(err, ErrCodeInvalidTransition) {
			t.Errorf("expected %s for %v, got %v", ErrCodeInvalidTransition, patch.Position(), err)
		}
	}

	current, err := rt.Get(ctx, task.Link)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if current.Position() != advanced.Position() || current.Version != advanced.Version {
		t.Errorf("rejected patches changed the task: %+v -> %+v", advanced.Position(), current.Position())
	}
	if string(current.Payload) != string(advanced.Payload) {
		t.Errorf("rejected patch payload was merged: %s", current.Payload)
	}

	// Re-applying the current position is allowed.
	if _, err := rt.Update(ctx, task.Link, NextSubStage(manualLater, nil)); err != nil {
		t.Errorf("equal position rejected: %v", err)
	}
}

func TestRuntimeFailurePatchForcesFailed(t *testing.T) {
	rt, _ := newTestRuntime(t, Options{}, manualDefinition())
	ctx := context.Background()

	task, err := rt.Create(ctx, TaskSpec{Kind: "manual"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	waitForPosition(t, rt, task.Link, Position{Stage: StageStarted, SubStage: manualWorking})

	failed, err := rt.Update(ctx, task.Link, &Patch{
		Stage:    StageFinished,
		SubStage: manualFinished,
		Failure:  &Failure{Class: ErrorClassPermanent, Code: ErrCodeAddressPoolExhausted, Message: "no room"},
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if failed.Stage != StageFailed || failed.SubStage != manualFailed {
		t.Errorf("expected FAILED/%d, got %s/%d", manualFailed, failed.Stage, failed.SubStage)
	}
	if failed.Failure == nil || failed.Failure.Code != ErrCodeAddressPoolExhausted {
		t.Errorf("failure not recorded: %+v", failed.Failure)
	}

	_, err = rt.Update(ctx, task.Link, Finish(manualFinished, nil))
	if !HasCode(err, ErrCodeTaskTerminal) {
		t.Errorf("expected %s after terminal stage, got %v", ErrCodeTaskTerminal, err)
	}

	// A FAILED patch without a failure still records one.
	other, _ := rt.Create(ctx, TaskSpec{Kind: "manual"})
	bare, err := rt.Update(ctx, other.Link, &Patch{Stage: StageFailed})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if bare.Failure == nil {
		t.Error("FAILED task must carry a failure")
	}
}

func TestRuntimeHandlerErrorFailsTask(t *testing.T) {
	def := manualDefinition()
	def.Kind = "broken"
	def.Handle("", manualWorking, func(context.Context, *Task) (*Patch, error) {
		return nil, NewPermanentError("range exhausted", nil).WithCode(ErrCodeAddressPoolExhausted)
	})

	rt, _ := newTestRuntime(t, Options{}, def)
	task, err := rt.Create(context.Background(), TaskSpec{Kind: "broken"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	done := awaitTask(t, rt, task.Link)
	if done.Stage != StageFailed {
		t.Fatalf("expected FAILED, got %s", done.Stage)
	}
	if done.Failure.Code != ErrCodeAddressPoolExhausted || done.Failure.Class != ErrorClassPermanent {
		t.Errorf("unexpected failure: %+v", done.Failure)
	}
}

func TestRuntimeCallbackExactlyOnce(t *testing.T) {
	rt, _ := newTestRuntime(t, Options{}, manualDefinition())
	parent := newCapture(rt, "/parents/")
	ctx := context.Background()

	task, err := rt.Create(ctx, TaskSpec{
		Kind:     "manual",
		Callback: NewServiceTaskCallback("/parents/p1", StageStarted, 7, StageFailed, 0),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	waitForPosition(t, rt, task.Link, Position{Stage: StageStarted, SubStage: manualWorking})

	const writers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var patch *Patch
			if i%2 == 0 {
				patch = Finish(manualFinished, map[string]int{"writer": i})
			} else {
				patch = Fail(errors.New("writer gave up"))
			}
			if _, err := rt.Update(ctx, task.Link, patch); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else if !HasCode(err, ErrCodeTaskTerminal) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Fatalf("expected exactly one terminal patch to win, got %d", accepted)
	}

	patch := parent.next(t)
	time.Sleep(20 * time.Millisecond)
	if n := parent.count(); n != 1 {
		t.Fatalf("expected one callback, got %d", n)
	}
	if patch.Source != task.Link {
		t.Errorf("callback source = %q, want %q", patch.Source, task.Link)
	}

	final, _ := rt.Get(ctx, task.Link)
	switch final.Stage {
	case StageFinished:
		if patch.Stage != StageStarted || patch.SubStage != 7 || patch.Failure != nil {
			t.Errorf("unexpected success callback: %+v", patch)
		}
	case StageFailed:
		if patch.Stage != StageFailed || patch.Failure == nil {
			t.Errorf("unexpected failure callback: %+v", patch)
		}
	default:
		t.Fatalf("task not terminal: %s", final.Stage)
	}
}

func TestRuntimeCancelAndDelete(t *testing.T) {
	rt, store := newTestRuntime(t, Options{TaskTTL: time.Millisecond}, manualDefinition())
	ctx := context.Background()

	task, err := rt.Create(ctx, TaskSpec{Kind: "manual"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	waitForPosition(t, rt, task.Link, Position{Stage: StageStarted, SubStage: manualWorking})

	if err := rt.Delete(ctx, task.Link); !HasCode(err, ErrCodeInvalidTransition) {
		t.Errorf("deleting a running task should fail, got %v", err)
	}

	cancelled, err := rt.Cancel(ctx, task.Link)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Stage != StageCancelled || cancelled.Failure != nil {
		t.Errorf("unexpected cancelled task: %+v", cancelled)
	}

	doc, err := store.Get(ctx, task.Link)
	if err != nil {
		t.Fatalf("store Get failed: %v", err)
	}
	if doc.ExpiresAt == nil {
		t.Fatal("terminal task should have an expiration")
	}

	time.Sleep(5 * time.Millisecond)
	n, err := rt.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d tasks, want 1", n)
	}
	if _, err := rt.Get(ctx, task.Link); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("expected not found after purge, got %v", err)
	}
}

func TestRuntimeResume(t *testing.T) {
	store := stores.NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC()
	persisted := []*Task{
		{Link: "/tasks/counter/started", Kind: "counter", Stage: StageStarted, SubStage: counterStepTwo, Payload: json.RawMessage(`{"name":"a"}`), CreatedAt: now, UpdatedAt: now},
		{Link: "/tasks/counter/created", Kind: "counter", Stage: StageCreated, Payload: json.RawMessage(`{"name":"b"}`), CreatedAt: now, UpdatedAt: now},
		{Link: "/tasks/counter/done", Kind: "counter", Stage: StageFinished, SubStage: counterFinished, CreatedAt: now, UpdatedAt: now},
	}
	for _, task := range persisted {
		doc, err := stores.NewDocument(DocumentKindTask, task.Link, task)
		if err != nil {
			t.Fatalf("NewDocument failed: %v", err)
		}
		if _, err := store.Create(ctx, doc); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	rt := NewRuntime(store, Options{})
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	if err := rt.Register(counterDefinition()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	n, err := rt.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if n != 2 {
		t.Errorf("resumed %d tasks, want 2", n)
	}

	for _, link := range []string{"/tasks/counter/started", "/tasks/counter/created"} {
		if done := awaitTask(t, rt, link); done.Stage != StageFinished {
			t.Errorf("%s ended in %s, want FINISHED", link, done.Stage)
		}
	}
}

func TestRuntimeDeliverUnknownPrefix(t *testing.T) {
	rt, _ := newTestRuntime(t, Options{})
	err := rt.Deliver(context.Background(), "/nowhere/1", Finish(1, nil))
	if !HasCode(err, ErrCodeNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRegisterRejectsBadDefinitions(t *testing.T) {
	rt, _ := newTestRuntime(t, Options{}, counterDefinition())

	if err := rt.Register(counterDefinition()); err == nil {
		t.Error("duplicate kind should be rejected")
	}
	if err := rt.Register(&Definition{Kind: "x"}); err == nil {
		t.Error("definition without substages should be rejected")
	}
}

// gatedDefinition runs one handler that blocks until release is closed.
func gatedDefinition(calls *atomic.Int32, release <-chan struct{}) *Definition {
	def := &Definition{
		Kind:             "gated",
		InitialSubStage:  func(string) (SubStage, error) { return 1, nil },
		FinishedSubStage: 2,
		FailedSubStage:   3,
	}
	def.Handle("", 1, func(ctx context.Context, _ *Task) (*Patch, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return Finish(2, nil), nil
	})
	return def
}

func TestRuntimeRunsHandlerOncePerPosition(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	rt, _ := newTestRuntime(t, Options{}, gatedDefinition(&calls, release))
	ctx := context.Background()

	task, err := rt.Create(ctx, TaskSpec{Kind: "gated"})
	if err != nil {
		close(release)
		t.Fatalf("Create failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// A repeated start patch and a resume while the handler runs must not
	// start it again.
	if _, err := rt.Update(ctx, task.Link, &Patch{Stage: StageStarted, SubStage: 1}); err != nil {
		t.Errorf("repeated start patch failed: %v", err)
	}
	n, err := rt.Resume(ctx)
	if err != nil {
		t.Errorf("Resume failed: %v", err)
	}
	if n != 0 {
		t.Errorf("resumed %d tasks while the handler holds the lease", n)
	}

	running, err := rt.Get(ctx, task.Link)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if running.Owner == "" || running.LeaseExpiresAt == nil {
		t.Errorf("running task has no lease: %+v", running)
	}

	close(release)
	done := awaitTask(t, rt, task.Link)
	if done.Stage != StageFinished {
		t.Fatalf("task ended %s", done.Stage)
	}
	if done.Owner != "" || done.LeaseExpiresAt != nil {
		t.Errorf("finished task still leased: %+v", done)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
}

func TestRuntimeResumeClaimsExpiredLeases(t *testing.T) {
	store := stores.NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC()
	expired := now.Add(-time.Minute)
	held := now.Add(time.Hour)
	persisted := []*Task{
		{Link: "/tasks/counter/orphaned", Kind: "counter", Stage: StageStarted, SubStage: counterStepTwo, Owner: "crashed", LeaseExpiresAt: &expired, CreatedAt: now, UpdatedAt: now},
		{Link: "/tasks/counter/busy", Kind: "counter", Stage: StageStarted, SubStage: counterStepTwo, Owner: "alive", LeaseExpiresAt: &held, CreatedAt: now, UpdatedAt: now},
	}
	for _, task := range persisted {
		doc, err := stores.NewDocument(DocumentKindTask, task.Link, task)
		if err != nil {
			t.Fatalf("NewDocument failed: %v", err)
		}
		if _, err := store.Create(ctx, doc); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	runtimes := make([]*Runtime, 3)
	for i := range runtimes {
		rt := NewRuntime(store, Options{InstanceID: fmt.Sprintf("rt-%d", i)})
		t.Cleanup(func() { _ = rt.Close(context.Background()) })
		if err := rt.Register(counterDefinition()); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		runtimes[i] = rt
	}

	var total atomic.Int32
	var wg sync.WaitGroup
	for _, rt := range runtimes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := rt.Resume(ctx)
			if err != nil {
				t.Errorf("Resume failed: %v", err)
			}
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	if got := total.Load(); got != 1 {
		t.Errorf("orphaned task resumed %d times, want 1", got)
	}
	if done := awaitTask(t, runtimes[0], "/tasks/counter/orphaned"); done.Stage != StageFinished {
		t.Errorf("orphaned task ended %s, want FINISHED", done.Stage)
	}

	busy, err := runtimes[0].Get(ctx, "/tasks/counter/busy")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if busy.Stage != StageStarted || busy.Owner != "alive" {
		t.Errorf("leased task was taken over: %s owned by %s", busy.Stage, busy.Owner)
	}
}

func TestRuntimeCreateWithLinkIsIdempotent(t *testing.T) {
	rt, store := newTestRuntime(t, Options{}, manualDefinition())
	ctx := context.Background()

	spec := TaskSpec{Kind: "manual", Link: "/tasks/manual/fixed"}
	first, err := rt.Create(ctx, spec)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	waitForPosition(t, rt, first.Link, Position{Stage: StageStarted, SubStage: manualWorking})

	second, err := rt.Create(ctx, spec)
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if second.Link != first.Link || second.Stage != StageStarted {
		t.Errorf("second Create returned %s at %s, want the existing started task", second.Link, second.Stage)
	}

	docs, err := stores.QueryAll(ctx, store, stores.Query{Kind: DocumentKindTask})
	if err != nil {
		t.Fatalf("QueryAll failed: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("found %d task documents, want 1", len(docs))
	}

	if _, err := rt.Create(ctx, TaskSpec{Kind: "manual", Link: "/tasks/other/x"}); !IsValidation(err) {
		t.Errorf("link outside the kind should be rejected, got %v", err)
	}
}

func TestRuntimeCancelNotifiesCallback(t *testing.T) {
	rt, _ := newTestRuntime(t, Options{}, manualDefinition())
	parent := newCapture(rt, "/parents/")
	ctx := context.Background()

	task, err := rt.Create(ctx, TaskSpec{Kind: "manual", Callback: CallbackToSubStage("/parents/p1", 7)})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	waitForPosition(t, rt, task.Link, Position{Stage: StageStarted, SubStage: manualWorking})

	if _, err := rt.Cancel(ctx, task.Link); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	patch := parent.next(t)
	if patch.Stage != StageFailed || patch.Failure == nil || patch.Failure.Code != ErrCodeCancelled {
		t.Errorf("unexpected callback for a cancelled task: %+v", patch)
	}
}
