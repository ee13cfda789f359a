package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ChildTaskLink returns the link of the i-th child of the fan-out at
// subTaskLink. Spawning the same fan-out twice addresses the same children.
func ChildTaskLink(subTaskLink, kind string, i int) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#child-%d", subTaskLink, i)))
	return TaskLinkPrefix + kind + "/" + id.String()
}

// Spawn creates one child task per spec, each reporting to the aggregator
// at subTaskLink. At most limit creations run at once. A child that cannot
// be created is reported to the aggregator as failed so the fan-in still
// completes. Child links are derived from subTaskLink, so calling Spawn
// again for the same fan-out returns the existing children instead of
// creating new ones. The returned links are in spec order; a failed child
// has an empty link.
func (r *Runtime) Spawn(ctx context.Context, subTaskLink string, children []TaskSpec, limit int) ([]string, error) {
	if limit <= 0 {
		limit = len(children)
	}

	links := make([]string, len(children))

	var g errgroup.Group
	g.SetLimit(max(limit, 1))

	for i, spec := range children {
		spec.Link = ChildTaskLink(subTaskLink, spec.Kind, i)
		spec.Callback = CallbackToSubTask(subTaskLink)
		g.Go(func() error {
			task, err := r.Create(ctx, spec)
			if err == nil {
				links[i] = task.Link
				return nil
			}

			r.logger.Warn().Err(err).
				Str("subtask_link", subTaskLink).
				Str("task_link", spec.Link).
				Msg("failed to create child task")

			patch := Fail(err)
			patch.Source = spec.Link
			return r.subTasks.ReportCompletion(ctx, subTaskLink, patch)
		})
	}

	if err := g.Wait(); err != nil {
		return links, fmt.Errorf("fan-out to %s incomplete: %w", subTaskLink, err)
	}
	return links, nil
}
