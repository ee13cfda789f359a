package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-ipam/pkg/stores"
)

// DocumentKindSubTask is the store kind of aggregator documents.
const DocumentKindSubTask = "subtask"

// SubTaskLinkPrefix prefixes the link of every aggregator document.
const SubTaskLinkPrefix = "/subtasks/"

// SubTaskState counts child completions for one fan-out.
type SubTaskState struct {
	Link                 string               `json:"link"`
	ParentLink           string               `json:"parent_link"`
	CompletionsRemaining int                  `json:"completions_remaining"`
	FinishedCount        int                  `json:"finished_count"`
	FailCount            int                  `json:"fail_count"`
	ErrorThreshold       float64              `json:"error_threshold"`
	Callback             *ServiceTaskCallback `json:"callback"`

	CompletedLinks []string                   `json:"completed_task_links,omitempty"`
	FailedLinks    []string                   `json:"failed_task_links,omitempty"`
	Results        map[string]json.RawMessage `json:"child_results,omitempty"`
	FirstFailure   *Failure                   `json:"first_failure,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SubTaskResult is the payload sent to the parent when the fan-out
// finishes within its error threshold.
type SubTaskResult struct {
	CompletedLinks []string                   `json:"completed_task_links"`
	FailedLinks    []string                   `json:"failed_task_links"`
	Results        map[string]json.RawMessage `json:"child_results,omitempty"`
}

// failed reports whether the counted outcomes exceed the error threshold.
// A zero threshold tolerates no failure.
func (s *SubTaskState) failed() bool {
	if s.FailCount == 0 {
		return false
	}
	if s.ErrorThreshold == 0 {
		return true
	}
	ratio := float64(s.FailCount) / float64(s.FailCount+s.FinishedCount)
	return ratio > s.ErrorThreshold
}

func (s *SubTaskState) seen(source string) bool {
	return source != "" && (slices.Contains(s.CompletedLinks, source) || slices.Contains(s.FailedLinks, source))
}

// SubTaskAggregator implements fan-in for N child tasks. Each report is a
// conditional write, so concurrent children never lose a count.
type SubTaskAggregator struct {
	runtime *Runtime
	logger  zerolog.Logger
}

func newSubTaskAggregator(r *Runtime) *SubTaskAggregator {
	return &SubTaskAggregator{
		runtime: r,
		logger:  r.opts.Logger.With().Str("component", "subtask").Logger(),
	}
}

// Create persists an aggregator expecting completionsRemaining reports and
// returns its link. Children should use CallbackToSubTask(link).
func (a *SubTaskAggregator) Create(ctx context.Context, completionsRemaining int, errorThreshold float64, parentCallback *ServiceTaskCallback) (string, error) {
	if completionsRemaining < 1 {
		return "", NewValidationError("completions remaining must be positive, got %d", completionsRemaining)
	}
	if errorThreshold < 0 || errorThreshold > 1 {
		return "", NewValidationError("error threshold must be within [0, 1], got %v", errorThreshold)
	}
	if parentCallback == nil {
		return "", NewValidationError("parent callback is required")
	}
	if err := parentCallback.Validate(); err != nil {
		return "", err
	}

	state := &SubTaskState{
		Link:                 SubTaskLinkPrefix + uuid.New().String(),
		ParentLink:           parentCallback.TargetLink,
		CompletionsRemaining: completionsRemaining,
		ErrorThreshold:       errorThreshold,
		Callback:             parentCallback,
		CreatedAt:            time.Now().UTC(),
	}

	doc, err := stores.NewDocument(DocumentKindSubTask, state.Link, state)
	if err != nil {
		return "", NewPermanentError("failed to encode sub-task", err)
	}
	if _, err := a.runtime.store.Create(ctx, doc); err != nil {
		return "", NewTransientError("failed to persist sub-task", err)
	}

	a.logger.Debug().Str("subtask_link", state.Link).
		Str("parent_link", state.ParentLink).
		Int("completions", completionsRemaining).
		Msg("sub-task created")
	return state.Link, nil
}

// Get returns the aggregator state.
func (a *SubTaskAggregator) Get(ctx context.Context, link string) (*SubTaskState, error) {
	doc, err := a.runtime.store.Get(ctx, link)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewPermanentError("sub-task not found", err).WithCode(ErrCodeNotFound).WithResource(link)
		}
		return nil, NewTransientError("failed to read sub-task", err).WithResource(link)
	}
	var state SubTaskState
	if err := doc.Decode(&state); err != nil {
		return nil, NewPermanentError("failed to decode sub-task", err).WithResource(link)
	}
	return &state, nil
}

// ReportCompletion counts one child outcome. STARTED reports are liveness
// only. Reports arriving after the count reached zero, after the
// aggregator was removed, or twice from the same source are discarded.
func (a *SubTaskAggregator) ReportCompletion(ctx context.Context, link string, patch *Patch) error {
	if patch == nil {
		return NewValidationError("patch is required").WithResource(link)
	}

	failed := patch.Failure != nil || patch.Stage == StageFailed || patch.Stage == StageCancelled
	if !failed && patch.Stage != StageFinished {
		return nil
	}

	metrics := a.runtime.metrics
	retry := a.runtime.opts.ConflictBackoff.Start()

	for {
		doc, err := a.runtime.store.Get(ctx, link)
		if errors.Is(err, stores.ErrNotFound) {
			metrics.RecordSubTaskReport("late")
			a.logger.Debug().Str("subtask_link", link).Str("source", patch.Source).Msg("report for completed sub-task discarded")
			return nil
		}
		if err != nil {
			return NewTransientError("failed to read sub-task", err).WithResource(link)
		}

		var state SubTaskState
		if err := doc.Decode(&state); err != nil {
			return NewPermanentError("failed to decode sub-task", err).WithResource(link)
		}

		if state.CompletionsRemaining <= 0 {
			metrics.RecordSubTaskReport("late")
			return nil
		}
		if state.seen(patch.Source) {
			metrics.RecordSubTaskReport("duplicate")
			return nil
		}

		source := patch.Source
		if source == "" {
			source = fmt.Sprintf("%s#report-%d", link, state.FinishedCount+state.FailCount)
		}

		if failed {
			state.FailCount++
			state.FailedLinks = append(state.FailedLinks, source)
			if state.FirstFailure == nil {
				state.FirstFailure = patch.Failure
				if state.FirstFailure == nil {
					state.FirstFailure = &Failure{
						Class:   ErrorClassPermanent,
						Code:    ErrCodeDependencyFailed,
						Message: fmt.Sprintf("child %s reported %s", source, patch.Stage),
					}
				}
			}
		} else {
			state.FinishedCount++
			state.CompletedLinks = append(state.CompletedLinks, source)
			if patch.Payload != nil {
				raw, err := json.Marshal(patch.Payload)
				if err != nil {
					return NewPermanentError("failed to encode child result", err).WithResource(link)
				}
				if state.Results == nil {
					state.Results = make(map[string]json.RawMessage)
				}
				state.Results[source] = raw
			}
		}
		state.CompletionsRemaining--

		next, err := stores.NewDocument(DocumentKindSubTask, link, &state)
		if err != nil {
			return NewPermanentError("failed to encode sub-task", err).WithResource(link)
		}
		if _, err := a.runtime.store.ConditionalUpdate(ctx, next, doc.Version); err != nil {
			if errors.Is(err, stores.ErrConflict) {
				if err := retry.Wait(ctx); err != nil {
					return NewTransientError("sub-task report interrupted", err).WithResource(link)
				}
				continue
			}
			if errors.Is(err, stores.ErrNotFound) {
				metrics.RecordSubTaskReport("late")
				return nil
			}
			return NewTransientError("failed to update sub-task", err).WithResource(link)
		}

		metrics.RecordSubTaskReport("counted")
		if state.CompletionsRemaining == 0 {
			a.complete(ctx, &state)
		}
		return nil
	}
}

// complete notifies the parent once and removes the aggregator.
func (a *SubTaskAggregator) complete(ctx context.Context, state *SubTaskState) {
	notifier := state.Callback.Notifier(state.Link, a.runtime)

	var err error
	if state.failed() {
		failure := *state.FirstFailure
		failure.Details = make(map[string]interface{}, len(state.FirstFailure.Details)+5)
		for k, v := range state.FirstFailure.Details {
			failure.Details[k] = v
		}
		failure.Details["subtask_link"] = state.Link
		failure.Details["failed_count"] = state.FailCount
		failure.Details["finished_count"] = state.FinishedCount
		failure.Details["failed_task_links"] = state.FailedLinks
		failure.Details["completed_task_links"] = nonNil(state.CompletedLinks)
		failure.Message = fmt.Sprintf("%d of %d child tasks failed, first failure: %s",
			state.FailCount, state.FailCount+state.FinishedCount, state.FirstFailure.Message)
		err = notifier.NotifyFailure(ctx, &failure)
	} else {
		err = notifier.NotifySuccess(ctx, &SubTaskResult{
			CompletedLinks: nonNil(state.CompletedLinks),
			FailedLinks:    nonNil(state.FailedLinks),
			Results:        state.Results,
		})
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("subtask_link", state.Link).Msg("sub-task callback delivery failed")
	}

	_ = a.runtime.events.PublishSubTaskCompleted(state.Link, state.ParentLink, state.FinishedCount, state.FailCount)

	if err := a.runtime.store.Delete(ctx, state.Link); err != nil && !errors.Is(err, stores.ErrNotFound) {
		a.logger.Warn().Err(err).Str("subtask_link", state.Link).Msg("failed to delete completed sub-task")
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
