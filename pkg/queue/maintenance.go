package queue

import (
	"context"
	"errors"
	"time"

	"github.com/guido-cesarano/ingestq/pkg/tasks"
)

// DefaultStuckAfter is how long a claim may stay processing before
// SweepStuck treats the worker as dead.
const DefaultStuckAfter = 30 * time.Minute

// ClaimTimeoutError is the failure message recorded by SweepStuck.
const ClaimTimeoutError = "claim timeout"

// SweepStuck fails every task that has been processing for longer than
// olderThan, as if its worker had reported a retryable error. Retry budgets
// apply, so a task that keeps crashing its worker ends in the dead letter
// queue. It returns the number of tasks swept.
func (r *Registry) SweepStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultStuckAfter
	}
	cutoff := r.now().Add(-olderThan)
	stuck, err := r.durable.ListTasks(ctx, tasks.Filter{
		Status:        tasks.StatusProcessing,
		StartedBefore: &cutoff,
	})
	if err != nil {
		return 0, durableErr("sweep", err)
	}

	swept := 0
	for _, t := range stuck {
		out, err := r.Fail(ctx, t.ID, ClaimTimeoutError, true)
		if errors.Is(err, tasks.ErrInvalidTransition) {
			// Finished or failed since the listing.
			continue
		}
		if err != nil {
			return swept, err
		}
		swept++
		r.log.Warn().
			Str("task_id", t.ID).
			Str("worker_id", t.WorkerID).
			Bool("dead_lettered", out.DeadLettered).
			Msg("Reclaimed stuck task")
	}
	return swept, nil
}

// Reconcile re-indexes durable pending tasks into the fast store, covering
// tasks enqueued while Redis was unreachable. It is a no-op without a fast
// store.
func (r *Registry) Reconcile(ctx context.Context) (int, error) {
	n, err := r.store.Reconcile(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		r.log.Info().Int("tasks", n).Msg("Fast store reconciled")
	}
	return n, nil
}
