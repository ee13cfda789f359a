package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/froyo-ipam/pkg/stores"
)

const (
	parentSpawn    SubStage = 1
	parentCollect  SubStage = 2
	parentFinished SubStage = 3
	parentFailed   SubStage = 4
)

type parentRequest struct {
	Children  []bool  `json:"children"`
	Threshold float64 `json:"threshold"`
}

// parentDefinition fans out one child per entry in Children; false entries
// fail.
func parentDefinition(rt *Runtime) *Definition {
	def := &Definition{
		Kind:             "parent",
		InitialSubStage:  func(string) (SubStage, error) { return parentSpawn, nil },
		FinishedSubStage: parentFinished,
		FailedSubStage:   parentFailed,
	}
	def.Handle("", parentSpawn, func(ctx context.Context, task *Task) (*Patch, error) {
		var req parentRequest
		if err := task.DecodePayload(&req); err != nil {
			return nil, err
		}
		link, err := rt.SubTasks().Create(ctx, len(req.Children), req.Threshold, CallbackToSubStage(task.Link, parentCollect))
		if err != nil {
			return nil, err
		}
		specs := make([]TaskSpec, len(req.Children))
		for i, ok := range req.Children {
			kind := "leaf"
			if !ok {
				kind = "broken-leaf"
			}
			specs[i] = TaskSpec{Kind: kind}
		}
		if _, err := rt.Spawn(ctx, link, specs, 2); err != nil {
			return nil, err
		}
		return nil, nil
	})
	def.Handle("", parentCollect, func(_ context.Context, task *Task) (*Patch, error) {
		var result SubTaskResult
		if err := task.DecodePayload(&result); err != nil {
			return nil, err
		}
		return Finish(parentFinished, map[string]int{"children_done": len(result.CompletedLinks)}), nil
	})
	return def
}

func leafDefinition() *Definition {
	def := &Definition{
		Kind:             "leaf",
		InitialSubStage:  func(string) (SubStage, error) { return 1, nil },
		FinishedSubStage: 2,
		FailedSubStage:   3,
	}
	def.Handle("", 1, func(context.Context, *Task) (*Patch, error) {
		return Finish(2, map[string]string{"leaf": "done"}), nil
	})
	return def
}

func TestSpawnFanOutFanIn(t *testing.T) {
	tests := []struct {
		name      string
		children  []bool
		threshold float64
		want      TaskStage
	}{
		{name: "all children finish", children: []bool{true, true, true}, want: StageFinished},
		{name: "one unknown child kind, zero tolerance", children: []bool{true, false, true}, want: StageFailed},
		{name: "one unknown child kind, tolerated", children: []bool{true, false, true}, threshold: 0.5, want: StageFinished},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, _ := newTestRuntime(t, Options{})
			if err := rt.Register(leafDefinition()); err != nil {
				t.Fatalf("Register failed: %v", err)
			}
			if err := rt.Register(parentDefinition(rt)); err != nil {
				t.Fatalf("Register failed: %v", err)
			}

			task, err := rt.Create(context.Background(), TaskSpec{
				Kind:    "parent",
				Payload: parentRequest{Children: tt.children, Threshold: tt.threshold},
			})
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			done := awaitTask(t, rt, task.Link)
			if done.Stage != tt.want {
				t.Fatalf("parent ended in %s (%v), want %s", done.Stage, done.Failure, tt.want)
			}
			if tt.want == StageFailed {
				return
			}

			var out struct {
				ChildrenDone int      `json:"children_done"`
				Completed    []string `json:"completed_task_links"`
			}
			if err := done.DecodePayload(&out); err != nil {
				t.Fatalf("DecodePayload failed: %v", err)
			}
			wantDone := 0
			for _, ok := range tt.children {
				if ok {
					wantDone++
				}
			}
			if out.ChildrenDone != wantDone {
				t.Errorf("children_done = %d, want %d", out.ChildrenDone, wantDone)
			}
		})
	}
}

func TestSpawnTwiceReusesChildren(t *testing.T) {
	rt, store := newTestRuntime(t, Options{}, manualDefinition())
	parent := newCapture(rt, "/parents/")
	ctx := context.Background()

	sub, err := rt.SubTasks().Create(ctx, 2, 0, CallbackToSubStage("/parents/p1", 7))
	if err != nil {
		t.Fatalf("SubTasks().Create failed: %v", err)
	}
	specs := []TaskSpec{{Kind: "manual"}, {Kind: "manual"}}

	first, err := rt.Spawn(ctx, sub, specs, 0)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	for _, link := range first {
		waitForPosition(t, rt, link, Position{Stage: StageStarted, SubStage: manualWorking})
	}

	// A parent resumed before any child reported spawns again.
	second, err := rt.Spawn(ctx, sub, specs, 0)
	if err != nil {
		t.Fatalf("second Spawn failed: %v", err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("child %d: %s then %s", i, first[i], second[i])
		}
	}

	docs, err := stores.QueryAll(ctx, store, stores.Query{Kind: DocumentKindTask})
	if err != nil {
		t.Fatalf("QueryAll failed: %v", err)
	}
	if len(docs) != len(specs) {
		t.Fatalf("found %d child tasks, want %d", len(docs), len(specs))
	}

	for _, link := range first {
		if _, err := rt.Update(ctx, link, Finish(manualFinished, nil)); err != nil {
			t.Fatalf("Update(%s) failed: %v", link, err)
		}
	}

	patch := parent.next(t)
	var result SubTaskResult
	raw, _ := json.Marshal(patch.Payload)
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(result.CompletedLinks) != len(specs) || len(result.FailedLinks) != 0 {
		t.Errorf("unexpected fan-in result: %+v", result)
	}
}

// flakyStore fails the first sub-task read and honors context
// cancellation on every read.
type flakyStore struct {
	stores.Store
	failed atomic.Bool
}

func (s *flakyStore) Get(ctx context.Context, link string) (*stores.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.HasPrefix(link, SubTaskLinkPrefix) && s.failed.CompareAndSwap(false, true) {
		return nil, errors.New("database is locked")
	}
	return s.Store.Get(ctx, link)
}

func TestSpawnReportsEveryUncreatedChild(t *testing.T) {
	store := &flakyStore{Store: stores.NewMemoryStore()}
	rt := NewRuntime(store, Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})
	ctx := context.Background()

	sub, err := rt.SubTasks().Create(ctx, 4, 1, CallbackToSubStage("/parents/p1", 7))
	if err != nil {
		t.Fatalf("SubTasks().Create failed: %v", err)
	}

	specs := []TaskSpec{{Kind: "missing"}, {Kind: "missing"}, {Kind: "missing"}}
	if _, err := rt.Spawn(ctx, sub, specs, 1); err == nil {
		t.Fatal("Spawn should report the failed sub-task write")
	}

	state, err := rt.SubTasks().Get(ctx, sub)
	if err != nil {
		t.Fatalf("SubTasks().Get failed: %v", err)
	}
	if state.FailCount != 2 {
		t.Errorf("counted %d failed children, want the 2 reported after the store error", state.FailCount)
	}
}
