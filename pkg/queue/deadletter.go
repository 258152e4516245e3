package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/guido-cesarano/ingestq/pkg/tasks"
)

// ClaimDeadLetters takes up to limit pending dead letters for reprocessing,
// moving them to processing and bumping their retry count. Concurrent callers
// never receive the same entry.
func (r *Registry) ClaimDeadLetters(ctx context.Context, limit int) ([]*tasks.DeadLetter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", tasks.ErrInvalidTask)
	}
	dls, err := r.durable.ClaimDeadLetters(ctx, limit, r.now())
	if err != nil {
		return nil, durableErr("claim dead letters", err)
	}
	if len(dls) > 0 {
		r.log.Info().Int("count", len(dls)).Msg("Dead letters claimed for reprocessing")
	}
	return dls, nil
}

// ReplayDeadLetter enqueues a fresh task from a claimed dead letter and marks
// the entry resolved. The original task is left failed.
func (r *Registry) ReplayDeadLetter(ctx context.Context, id string, opts ...EnqueueOption) (string, error) {
	dl, err := r.GetDeadLetter(ctx, id)
	if err != nil {
		return "", err
	}
	if dl.Status != tasks.DeadLetterProcessing {
		return "", fmt.Errorf("%w: dead letter %s is %s, not processing", tasks.ErrInvalidTransition, id, dl.Status)
	}

	taskID, err := r.Enqueue(ctx, dl.TaskType, dl.Payload, opts...)
	if err != nil {
		return "", fmt.Errorf("replay dead letter %s: %w", id, err)
	}
	if _, err := r.ResolveDeadLetter(ctx, id); err != nil {
		return taskID, fmt.Errorf("replayed dead letter %s as %s but could not resolve it: %w", id, taskID, err)
	}

	r.log.Info().Str("dead_letter_id", id).Str("task_id", taskID).Str("original_task_id", dl.TaskID).Msg("Dead letter replayed")
	return taskID, nil
}

// ResolveDeadLetter marks a claimed dead letter resolved.
func (r *Registry) ResolveDeadLetter(ctx context.Context, id string) (*tasks.DeadLetter, error) {
	dl, err := r.durable.TransitionDeadLetter(ctx, id, tasks.DeadLetterProcessing, tasks.DeadLetterResolved, r.now())
	if err != nil {
		return nil, durableErr("resolve dead letter", err)
	}
	r.store.DeadLetterResolved(ctx)
	return dl, nil
}

// ReleaseDeadLetter returns a claimed dead letter to pending so a later
// reprocessing run can pick it up again.
func (r *Registry) ReleaseDeadLetter(ctx context.Context, id string) (*tasks.DeadLetter, error) {
	dl, err := r.durable.TransitionDeadLetter(ctx, id, tasks.DeadLetterProcessing, tasks.DeadLetterPending, r.now())
	return dl, durableErr("release dead letter", err)
}

func (r *Registry) GetDeadLetter(ctx context.Context, id string) (*tasks.DeadLetter, error) {
	dl, err := r.durable.GetDeadLetter(ctx, id)
	return dl, durableErr("get dead letter", err)
}

func (r *Registry) ListDeadLetters(ctx context.Context, f tasks.DeadLetterFilter) ([]*tasks.DeadLetter, error) {
	dls, err := r.durable.ListDeadLetters(ctx, f)
	return dls, durableErr("list dead letters", err)
}

// ReprocessDeadLetters claims up to limit pending dead letters and replays
// each as a new task. It stops at the first failed replay and releases every
// claimed entry not yet replayed back to pending. It returns the ids of the
// tasks created.
func (r *Registry) ReprocessDeadLetters(ctx context.Context, limit int, opts ...EnqueueOption) ([]string, error) {
	dls, err := r.ClaimDeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}

	var ids []string
	for i, dl := range dls {
		id, err := r.ReplayDeadLetter(ctx, dl.ID, opts...)
		if err == nil {
			ids = append(ids, id)
			continue
		}
		rest := dls[i:]
		if id != "" {
			// Enqueued but left processing; a second replay would duplicate it.
			ids = append(ids, id)
			rest = dls[i+1:]
		}
		return ids, errors.Join(err, r.releaseDeadLetters(ctx, rest))
	}
	return ids, nil
}

// releaseDeadLetters returns claimed entries to pending, even after ctx is
// cancelled.
func (r *Registry) releaseDeadLetters(ctx context.Context, dls []*tasks.DeadLetter) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, dl := range dls {
		if _, err := r.ReleaseDeadLetter(ctx, dl.ID); err != nil {
			r.log.Error().Err(err).Str("dead_letter_id", dl.ID).Msg("Could not release dead letter")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
