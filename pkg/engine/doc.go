// Package engine provides the task runtime used to orchestrate long-running
// operations against the document store.
//
// # Tasks
//
// A Task is a JSON document with a stage (CREATED, STARTED, FINISHED,
// FAILED, CANCELLED), a kind-specific substage, an optional Failure and an
// optional ServiceTaskCallback. Tasks only move forward: a Patch whose
// (stage, substage) is behind the stored position is rejected and the task
// is left unchanged. A patch carrying a Failure always moves the task to
// FAILED and the kind's failed substage.
//
// Every accepted patch is a conditional write against the stored version.
// Concurrent patches are linearized by the store; the loser re-reads and
// re-applies its patch. The goroutine whose write moves a task to a
// terminal stage sends the callback, so each callback is sent exactly once.
//
// # Kinds and Handlers
//
// A Definition registers handlers per (request type, substage):
//
//	def := &engine.Definition{
//	    Kind:             "ip-address-allocation",
//	    InitialSubStage:  initialSubStage,
//	    FinishedSubStage: SubStageFinished,
//	    FailedSubStage:   SubStageFailed,
//	}
//	def.Handle("ALLOCATE", SubStageAllocate, allocate)
//	if err := rt.Register(def); err != nil {
//	    return err
//	}
//
// A handler returns the next Patch, or nil when the task waits for an
// external patch such as a callback from its children. A handler error
// fails the task.
//
// # Recovery
//
// A transition into a substage with a handler records the runtime as the
// task's owner for Options.HandlerLease. Resume takes over STARTED tasks
// whose lease expired, claiming each with a conditional write so that only
// one runtime re-runs a handler. A patch that leaves a task at the same
// position never runs the handler again.
//
// # Fan-out
//
// SubTaskAggregator counts child completions and notifies the parent once,
// FINISHED when the failed ratio is within the error threshold and FAILED
// otherwise. Spawn creates the children with their callbacks pointed at the
// aggregator. Child links are derived from the aggregator link, so a
// resumed parent that spawns again finds its existing children.
//
// # Errors
//
// EngineError classifies errors as transient, conflict or permanent and
// carries a code such as ErrCodeValidation or
// ErrCodeInsufficientCapacity. FailureFromError converts any error into the
// Failure persisted on a task.
package engine
