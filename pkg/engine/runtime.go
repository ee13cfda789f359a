package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/froyo-ipam/pkg/stores"
	"github.com/openfroyo/froyo-ipam/pkg/telemetry"
)

// Options configures a Runtime. Telemetry fields may be nil.
type Options struct {
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher

	// MaxConcurrency bounds the number of handlers running at once.
	MaxConcurrency int64

	// TaskTTL is how long terminal tasks are kept before PurgeExpired
	// removes them.
	TaskTTL time.Duration

	// ConflictBackoff spaces retries of task updates that lost a version race.
	ConflictBackoff Backoff

	// AwaitPollInterval is how often Await re-reads a task that may be
	// driven by another process sharing the store.
	AwaitPollInterval time.Duration

	// HandlerLease is how long a dispatched handler owns its task. Resume
	// leaves tasks with an unexpired lease to the process holding it.
	HandlerLease time.Duration

	// InstanceID names this runtime as the owner of the tasks it runs.
	// A random id is used when empty.
	InstanceID string
}

// DefaultOptions returns the runtime defaults.
func DefaultOptions() Options {
	return Options{
		Logger:            zerolog.Nop(),
		MaxConcurrency:    64,
		TaskTTL:           24 * time.Hour,
		ConflictBackoff:   DefaultBackoff,
		AwaitPollInterval: time.Second,
		HandlerLease:      5 * time.Minute,
	}
}

// TaskSpec is a request to create a task.
type TaskSpec struct {
	Kind        string
	RequestType string

	// Link is optional. A task created twice with the same link is stored
	// once, and the second Create returns the existing task.
	Link string

	// Payload is marshaled to a JSON object.
	Payload interface{}

	Callback *ServiceTaskCallback
}

// PatchReceiverFunc accepts patches addressed to links under a prefix.
type PatchReceiverFunc func(ctx context.Context, link string, patch *Patch) error

type receiver struct {
	prefix string
	fn     PatchReceiverFunc
}

// Runtime drives tasks through their substage handlers. Every transition is
// a conditional write to the store, so a restarted runtime can resume from
// the last persisted position.
type Runtime struct {
	store   stores.Store
	opts    Options
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	mu          sync.RWMutex
	definitions map[string]*Definition
	receivers   []receiver
	waiters     map[string][]chan *Task
	closed      bool

	subTasks *SubTaskAggregator

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

var _ PatchDeliverer = (*Runtime)(nil)

// NewRuntime creates a runtime on store.
func NewRuntime(store stores.Store, opts Options) *Runtime {
	defaults := DefaultOptions()
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaults.MaxConcurrency
	}
	if opts.TaskTTL <= 0 {
		opts.TaskTTL = defaults.TaskTTL
	}
	if opts.ConflictBackoff == (Backoff{}) {
		opts.ConflictBackoff = defaults.ConflictBackoff
	}
	if opts.AwaitPollInterval <= 0 {
		opts.AwaitPollInterval = defaults.AwaitPollInterval
	}
	if opts.HandlerLease <= 0 {
		opts.HandlerLease = defaults.HandlerLease
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.New().String()
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	r := &Runtime{
		store:       store,
		opts:        opts,
		logger:      opts.Logger.With().Str("component", "runtime").Logger(),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		events:      opts.Events,
		definitions: make(map[string]*Definition),
		waiters:     make(map[string][]chan *Task),
		sem:         semaphore.NewWeighted(opts.MaxConcurrency),
		baseCtx:     baseCtx,
		cancel:      cancel,
	}

	r.subTasks = newSubTaskAggregator(r)
	r.RegisterReceiver(TaskLinkPrefix, func(ctx context.Context, link string, patch *Patch) error {
		_, err := r.Update(ctx, link, patch)
		return err
	})
	r.RegisterReceiver(SubTaskLinkPrefix, r.subTasks.ReportCompletion)

	return r
}

// Store returns the backing store.
func (r *Runtime) Store() stores.Store {
	return r.store
}

// SubTasks returns the fan-in aggregator bound to this runtime.
func (r *Runtime) SubTasks() *SubTaskAggregator {
	return r.subTasks
}

// Register adds a task kind.
func (r *Runtime) Register(def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.Kind]; exists {
		return fmt.Errorf("task kind %s already registered", def.Kind)
	}
	r.definitions[def.Kind] = def
	return nil
}

// RegisterReceiver routes patches for links starting with prefix to fn. The
// longest matching prefix wins.
func (r *Runtime) RegisterReceiver(prefix string, fn PatchReceiverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.receivers = append(r.receivers, receiver{prefix: prefix, fn: fn})
	sort.SliceStable(r.receivers, func(i, j int) bool {
		return len(r.receivers[i].prefix) > len(r.receivers[j].prefix)
	})
}

// Deliver routes a patch to the receiver that owns link.
func (r *Runtime) Deliver(ctx context.Context, link string, patch *Patch) error {
	r.mu.RLock()
	var fn PatchReceiverFunc
	for _, rc := range r.receivers {
		if strings.HasPrefix(link, rc.prefix) {
			fn = rc.fn
			break
		}
	}
	r.mu.RUnlock()

	if fn == nil {
		return NewPermanentError(fmt.Sprintf("no receiver for %s", link), nil).WithCode(ErrCodeNotFound)
	}
	return fn(ctx, link, patch)
}

func (r *Runtime) definition(kind string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[kind]
	return def, ok
}

// Create validates and persists a task at CREATED, then starts it
// asynchronously. Validation failures are returned and nothing is written.
func (r *Runtime) Create(ctx context.Context, spec TaskSpec) (*Task, error) {
	def, ok := r.definition(spec.Kind)
	if !ok {
		return nil, NewValidationError("unknown task kind %q", spec.Kind)
	}

	initial, err := def.InitialSubStage(spec.RequestType)
	if err != nil {
		return nil, asValidationError(err)
	}

	if spec.Callback != nil {
		if err := spec.Callback.Validate(); err != nil {
			return nil, err
		}
	}

	payload, err := mergePayload(nil, spec.Payload)
	if err != nil {
		return nil, NewValidationError("%v", err)
	}

	link := spec.Link
	if link == "" {
		link = TaskLinkPrefix + spec.Kind + "/" + uuid.New().String()
	} else if !strings.HasPrefix(link, TaskLinkPrefix+spec.Kind+"/") {
		return nil, NewValidationError("task link %s is not under %s%s/", link, TaskLinkPrefix, spec.Kind)
	}

	now := time.Now().UTC()
	task := &Task{
		Link:        link,
		Kind:        spec.Kind,
		RequestType: spec.RequestType,
		Stage:       StageCreated,
		SubStage:    SubStageCreated,
		Callback:    spec.Callback,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if def.Validate != nil {
		if err := def.Validate(ctx, task); err != nil {
			return nil, asValidationError(err)
		}
	}

	doc, err := stores.NewDocument(DocumentKindTask, task.Link, task)
	if err != nil {
		return nil, NewPermanentError("failed to encode task", err)
	}
	stored, err := r.store.Create(ctx, doc)
	if err != nil {
		return nil, NewTransientError("failed to persist task", err).WithResource(task.Link)
	}
	if spec.Link != "" {
		existing, err := decodeTask(stored)
		if err != nil {
			return nil, err
		}
		if !existing.CreatedAt.Equal(task.CreatedAt) {
			r.logger.Debug().Str("task_link", link).Str("stage", existing.Stage.String()).Msg("task already exists")
			return existing, nil
		}
	}
	task.Version = stored.Version

	r.journal(ctx, def, task, "task created")
	r.metrics.RecordTaskCreated(task.Kind)
	_ = r.events.PublishTaskCreated(task.Link, task.Kind)
	r.logger.Debug().Str("task_link", task.Link).Str("request_type", task.RequestType).Msg("task created")

	start := &Patch{Stage: StageStarted, SubStage: initial}
	r.goAsync(func(ctx context.Context) {
		if _, err := r.Update(ctx, task.Link, start); err != nil {
			r.logger.Error().Err(err).Str("task_link", task.Link).Msg("failed to start task")
		}
	})

	return task.clone(), nil
}

// Get returns the current state of a task.
func (r *Runtime) Get(ctx context.Context, link string) (*Task, error) {
	doc, err := r.store.Get(ctx, link)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewPermanentError("task not found", err).WithCode(ErrCodeNotFound).WithResource(link)
		}
		return nil, NewTransientError("failed to read task", err).WithResource(link)
	}
	return decodeTask(doc)
}

// Update applies patch to the task at link. Backward moves and patches to
// terminal tasks are rejected and leave the task unchanged. Version
// conflicts are retried until the patch is either applied or rejected.
func (r *Runtime) Update(ctx context.Context, link string, patch *Patch) (*Task, error) {
	if patch == nil {
		return nil, NewValidationError("patch is required").WithResource(link)
	}

	retry := r.opts.ConflictBackoff.Start()
	for {
		doc, err := r.store.Get(ctx, link)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				return nil, NewPermanentError("task not found", err).WithCode(ErrCodeNotFound).WithResource(link)
			}
			return nil, NewTransientError("failed to read task", err).WithResource(link)
		}

		task, err := decodeTask(doc)
		if err != nil {
			return nil, err
		}

		def, ok := r.definition(task.Kind)
		if !ok {
			return nil, NewPermanentError(fmt.Sprintf("unknown task kind %q", task.Kind), nil).WithResource(link)
		}

		prev := task.clone()
		if err := def.applyPatch(task, patch); err != nil {
			r.logger.Debug().Err(err).Str("task_link", link).Msg("patch rejected")
			return nil, err
		}

		now := time.Now().UTC()
		task.UpdatedAt = now
		if task.Position() != prev.Position() {
			task.Owner, task.LeaseExpiresAt = "", nil
			if task.Stage == StageStarted {
				if _, ok := def.handler(task.RequestType, task.SubStage); ok {
					r.lease(task, now)
				}
			}
		}

		next, err := stores.NewDocument(DocumentKindTask, link, task)
		if err != nil {
			return nil, NewPermanentError("failed to encode task", err).WithResource(link)
		}
		if task.Stage.IsTerminal() {
			expires := now.Add(r.opts.TaskTTL)
			next.ExpiresAt = &expires
		}

		updated, err := r.store.ConditionalUpdate(ctx, next, doc.Version)
		if errors.Is(err, stores.ErrConflict) {
			r.metrics.RecordTaskConflict(task.Kind)
			if err := retry.Wait(ctx); err != nil {
				return nil, NewTransientError("task update interrupted", err).WithResource(link)
			}
			continue
		}
		if err != nil {
			return nil, NewTransientError("failed to persist task update", err).WithResource(link)
		}

		task.Version = updated.Version
		r.afterTransition(ctx, def, prev, task)
		return task.clone(), nil
	}
}

// afterTransition runs once per accepted update, in the goroutine that won
// the conditional write.
func (r *Runtime) afterTransition(ctx context.Context, def *Definition, prev, task *Task) {
	moved := prev.Position() != task.Position()
	if moved {
		r.journal(ctx, def, task, fmt.Sprintf("%s/%s -> %s/%s",
			prev.Stage, def.SubStageName(prev.SubStage), task.Stage, def.SubStageName(task.SubStage)))
		r.metrics.RecordTaskTransition(task.Kind, task.Stage.String())
	}

	if !task.Stage.IsTerminal() {
		if prev.Stage != task.Stage {
			_ = r.events.PublishTaskTransition(task.Link, task.Kind, prev.Stage.String(), task.Stage.String())
		}
		// A patch that leaves the position unchanged only merges payload;
		// the handler of the substage is already running.
		if moved && task.Stage == StageStarted {
			r.dispatch(def, task)
		}
		return
	}

	duration := task.UpdatedAt.Sub(task.CreatedAt)
	reason := ""
	if task.Failure != nil {
		reason = task.Failure.Message
		r.metrics.RecordError(string(task.Failure.Class), task.Failure.Code)
	}
	r.metrics.RecordTaskCompleted(task.Kind, task.Stage.String(), duration)
	_ = r.events.PublishTaskCompleted(task.Link, task.Kind, task.Stage.String(), reason, duration)

	log := r.logger.Info()
	if task.Stage != StageFinished {
		log = r.logger.Warn().Str("failure", reason)
	}
	log.Str("task_link", task.Link).Str("stage", task.Stage.String()).Dur("duration", duration).Msg("task completed")

	r.notifyWaiters(task)
	r.notifyCallback(ctx, def, task)
}

// notifyCallback sends the single terminal notification. Delivery errors
// are logged and not retried.
func (r *Runtime) notifyCallback(ctx context.Context, def *Definition, task *Task) {
	if task.Callback == nil {
		return
	}

	notifier := task.Callback.Notifier(task.Link, r)

	var err error
	if task.Stage == StageFinished {
		var result interface{} = task.Payload
		if def.Result != nil {
			result, err = def.Result(task)
		}
		if err == nil {
			err = notifier.NotifySuccess(ctx, result)
		} else {
			err = notifier.NotifyFailure(ctx, err)
		}
	} else {
		var cause error = task.Failure
		if task.Failure == nil {
			cause = NewPermanentError(fmt.Sprintf("task %s", task.Stage), nil).WithCode(ErrCodeCancelled)
		}
		err = notifier.NotifyFailure(ctx, cause)
	}

	if err != nil {
		r.logger.Warn().Err(err).
			Str("task_link", task.Link).
			Str("target_link", task.Callback.TargetLink).
			Msg("callback delivery failed")
	}
}

// dispatch runs the handler for the task's current substage in the
// background. A task without a handler for its substage waits for an
// external patch.
func (r *Runtime) dispatch(def *Definition, task *Task) {
	h, ok := def.handler(task.RequestType, task.SubStage)
	if !ok {
		r.logger.Debug().Str("task_link", task.Link).
			Str("sub_stage", def.SubStageName(task.SubStage)).
			Msg("no handler, waiting for patch")
		return
	}

	snapshot := task.clone()
	r.goAsync(func(ctx context.Context) {
		ctx, span := r.tracer.StartTaskSpan(ctx, snapshot.Kind, snapshot.Link, def.SubStageName(snapshot.SubStage))

		patch, err := h(ctx, snapshot)
		if err != nil {
			r.logger.Warn().Err(err).Str("task_link", snapshot.Link).
				Str("sub_stage", def.SubStageName(snapshot.SubStage)).
				Msg("handler failed")
			patch = Fail(err)
		}
		telemetry.EndSpan(span, err)

		if patch == nil {
			return
		}
		if _, err := r.Update(ctx, snapshot.Link, patch); err != nil {
			r.logger.Warn().Err(err).Str("task_link", snapshot.Link).Msg("failed to apply handler patch")
		}
	})
}

// goAsync runs fn on a background goroutine bounded by MaxConcurrency.
// The caller never blocks on the semaphore.
func (r *Runtime) goAsync(fn func(ctx context.Context)) {
	r.mu.RLock()
	closed := r.closed
	if !closed {
		r.wg.Add(1)
	}
	r.mu.RUnlock()
	if closed {
		return
	}

	go func() {
		defer r.wg.Done()
		if err := r.sem.Acquire(r.baseCtx, 1); err != nil {
			return
		}
		defer r.sem.Release(1)
		fn(r.baseCtx)
	}()
}

// Await blocks until the task at link reaches a terminal stage.
func (r *Runtime) Await(ctx context.Context, link string) (*Task, error) {
	ch := make(chan *Task, 1)
	r.mu.Lock()
	r.waiters[link] = append(r.waiters[link], ch)
	r.mu.Unlock()
	defer r.removeWaiter(link, ch)

	ticker := time.NewTicker(r.opts.AwaitPollInterval)
	defer ticker.Stop()

	for {
		task, err := r.Get(ctx, link)
		if err != nil {
			return nil, err
		}
		if task.Stage.IsTerminal() {
			return task, nil
		}

		select {
		case t := <-ch:
			return t, nil
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Runtime) notifyWaiters(task *Task) {
	r.mu.Lock()
	waiters := r.waiters[task.Link]
	delete(r.waiters, task.Link)
	r.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- task.clone():
		default:
		}
	}
}

func (r *Runtime) removeWaiter(link string, ch chan *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	waiters := r.waiters[link]
	for i, w := range waiters {
		if w == ch {
			r.waiters[link] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.waiters[link]) == 0 {
		delete(r.waiters, link)
	}
}

// Cancel moves a non-terminal task to CANCELLED.
func (r *Runtime) Cancel(ctx context.Context, link string) (*Task, error) {
	return r.Update(ctx, link, &Patch{Stage: StageCancelled})
}

// Delete removes a terminal task.
func (r *Runtime) Delete(ctx context.Context, link string) error {
	task, err := r.Get(ctx, link)
	if err != nil {
		return err
	}
	if !task.Stage.IsTerminal() {
		return NewPermanentError(fmt.Sprintf("task is %s, only terminal tasks can be deleted", task.Stage), nil).
			WithCode(ErrCodeInvalidTransition).WithResource(link)
	}
	if err := r.store.Delete(ctx, link); err != nil && !errors.Is(err, stores.ErrNotFound) {
		return NewTransientError("failed to delete task", err).WithResource(link)
	}
	return nil
}

// PurgeExpired deletes terminal tasks whose retention elapsed.
func (r *Runtime) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, NewTransientError("failed to purge expired tasks", err)
	}
	if n > 0 {
		r.logger.Info().Int64("count", n).Msg("purged expired tasks")
	}
	return n, nil
}

// Resume restarts work persisted by a previous process: STARTED tasks get
// their current handler dispatched again and CREATED tasks are started.
// A STARTED task is only taken over when its handler lease has expired,
// and only by the runtime whose conditional write claims it first.
// It returns the number of tasks resumed.
func (r *Runtime) Resume(ctx context.Context) (int, error) {
	started, err := stores.QueryAll(ctx, r.store,
		stores.Query{Kind: DocumentKindTask}.Where("stage", StageStarted.String()))
	if err != nil {
		return 0, NewTransientError("failed to query started tasks", err)
	}
	created, err := stores.QueryAll(ctx, r.store,
		stores.Query{Kind: DocumentKindTask}.Where("stage", StageCreated.String()))
	if err != nil {
		return 0, NewTransientError("failed to query created tasks", err)
	}

	resumed := 0
	for _, doc := range started {
		task, err := decodeTask(doc)
		if err != nil {
			r.logger.Warn().Err(err).Str("task_link", doc.Link).Msg("skipping undecodable task")
			continue
		}
		def, ok := r.definition(task.Kind)
		if !ok {
			continue
		}
		if _, ok := def.handler(task.RequestType, task.SubStage); !ok {
			continue
		}

		claimed, err := r.claim(ctx, doc, task)
		if err != nil {
			return resumed, err
		}
		if !claimed {
			continue
		}
		r.dispatch(def, task)
		resumed++
	}

	for _, doc := range created {
		task, err := decodeTask(doc)
		if err != nil {
			r.logger.Warn().Err(err).Str("task_link", doc.Link).Msg("skipping undecodable task")
			continue
		}
		def, ok := r.definition(task.Kind)
		if !ok {
			continue
		}
		initial, err := def.InitialSubStage(task.RequestType)
		if err != nil {
			r.logger.Warn().Err(err).Str("task_link", task.Link).Msg("cannot resume task")
			continue
		}
		link := task.Link
		r.goAsync(func(ctx context.Context) {
			if _, err := r.Update(ctx, link, &Patch{Stage: StageStarted, SubStage: initial}); err != nil {
				r.logger.Warn().Err(err).Str("task_link", link).Msg("failed to start resumed task")
			}
		})
		resumed++
	}

	if resumed > 0 {
		r.logger.Info().Int("count", resumed).Msg("resumed tasks")
	}
	return resumed, nil
}

// lease makes this runtime the owner of task's current substage.
func (r *Runtime) lease(task *Task, now time.Time) {
	expires := now.Add(r.opts.HandlerLease)
	task.Owner = r.opts.InstanceID
	task.LeaseExpiresAt = &expires
}

// claim takes over the handler lease of a STARTED task read as doc. It
// reports false when the lease is still held or another writer got there
// first.
func (r *Runtime) claim(ctx context.Context, doc *stores.Document, task *Task) (bool, error) {
	now := time.Now().UTC()
	if task.leased(now) {
		r.logger.Debug().Str("task_link", task.Link).
			Str("owner", task.Owner).
			Time("lease_expires_at", *task.LeaseExpiresAt).
			Msg("task is leased, not resuming")
		return false, nil
	}

	previous := task.Owner
	r.lease(task, now)

	next, err := stores.NewDocument(DocumentKindTask, task.Link, task)
	if err != nil {
		return false, NewPermanentError("failed to encode task", err).WithResource(task.Link)
	}
	updated, err := r.store.ConditionalUpdate(ctx, next, doc.Version)
	if errors.Is(err, stores.ErrConflict) || errors.Is(err, stores.ErrNotFound) {
		r.logger.Debug().Str("task_link", task.Link).Msg("task changed while claiming, not resuming")
		return false, nil
	}
	if err != nil {
		return false, NewTransientError("failed to claim task", err).WithResource(task.Link)
	}

	task.Version = updated.Version
	r.logger.Info().Str("task_link", task.Link).Str("previous_owner", previous).Msg("task claimed")
	return true, nil
}

// Events returns the transition journal of a task.
func (r *Runtime) Events(ctx context.Context, link string, limit, offset int) ([]*stores.TaskEvent, error) {
	return r.store.ListEvents(ctx, link, limit, offset)
}

// Close stops accepting background work and waits for running handlers.
// Handlers still running when ctx expires are cancelled; their tasks stay
// at their last persisted position for Resume.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func (r *Runtime) journal(ctx context.Context, def *Definition, task *Task, message string) {
	event := &stores.TaskEvent{
		TaskLink:  task.Link,
		Stage:     task.Stage.String(),
		SubStage:  def.SubStageName(task.SubStage),
		Message:   message,
		Timestamp: task.UpdatedAt,
	}
	if task.Failure != nil {
		if raw, err := json.Marshal(task.Failure); err == nil {
			details := string(raw)
			event.Details = &details
		}
	}
	if err := r.store.AppendEvent(ctx, event); err != nil {
		r.logger.Warn().Err(err).Str("task_link", task.Link).Msg("failed to journal task event")
	}
}

func decodeTask(doc *stores.Document) (*Task, error) {
	var task Task
	if err := doc.Decode(&task); err != nil {
		return nil, NewPermanentError("failed to decode task", err).WithResource(doc.Link)
	}
	task.Link = doc.Link
	task.Version = doc.Version
	return &task, nil
}

func asValidationError(err error) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		if e.Code == "" {
			e.Code = ErrCodeValidation
		}
		return e
	}
	return NewPermanentError(err.Error(), err).WithCode(ErrCodeValidation)
}
