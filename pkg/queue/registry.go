// Package queue implements the task registry: the lifecycle of a task from
// Enqueue through Claim to Complete, or Fail with bounded exponential
// retries ending in the dead letter queue.
//
// The durable store is the system of record and arbitrates every claim. An
// optional fast store (Redis) serves the claim hot path; when it is missing
// or failing, the registry falls back to the durable store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/ingestq/pkg/logger"
	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/rs/zerolog"
)

// DefaultMaxRetries is the retry budget when none is configured.
const DefaultMaxRetries = 3

// Registry owns task lifecycle transitions.
type Registry struct {
	durable DurableStore
	fast    FastStore
	store   TaskStore

	clock             func() time.Time
	backoff           Backoff
	defaultMaxRetries int
	log               zerolog.Logger
}

// New creates a Registry over the durable store. With WithFastStore it
// serves claims through Redis first; otherwise only the durable store is used.
func New(durable DurableStore, opts ...Option) *Registry {
	r := &Registry{
		durable:           durable,
		clock:             time.Now,
		backoff:           DefaultBackoff(),
		defaultMaxRetries: DefaultMaxRetries,
		log:               logger.Log,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.fast != nil {
		r.store = &tiered{durable: durable, fast: r.fast, log: r.log}
	} else {
		r.store = &durableOnly{durable: durable}
	}
	return r
}

// Tiered reports whether a fast store is configured.
func (r *Registry) Tiered() bool {
	return r.fast != nil
}

// now is the registry clock in its stored precision.
func (r *Registry) now() time.Time {
	return r.clock().UTC().Truncate(time.Microsecond)
}

func (r *Registry) newTask(typ tasks.Type, payload map[string]any, o enqueueOptions, now time.Time) (*tasks.Task, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown task type %q", tasks.ErrInvalidTask, typ)
	}
	if !o.priority.Valid() {
		return nil, fmt.Errorf("%w: priority %d out of range 0-%d", tasks.ErrInvalidTask, o.priority, tasks.PriorityBatch)
	}
	maxRetries := r.defaultMaxRetries
	if o.maxRetries != nil {
		maxRetries = *o.maxRetries
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must not be negative", tasks.ErrInvalidTask)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	return &tasks.Task{
		ID:             uuid.NewString(),
		Type:           typ,
		Priority:       o.priority,
		Payload:        payload,
		Status:         tasks.StatusPending,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		NextEligibleAt: now,
		BatchID:        o.batchID,
		ItemIndex:      o.itemIndex,
	}, nil
}

// Enqueue persists a new pending task and returns its id. The id is in the
// durable store when Enqueue returns; if it cannot be written the call fails
// with tasks.ErrStorageUnavailable and the producer should retry.
func (r *Registry) Enqueue(ctx context.Context, typ tasks.Type, payload map[string]any, opts ...EnqueueOption) (string, error) {
	o := enqueueOptions{priority: tasks.PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}

	t, err := r.newTask(typ, payload, o, r.now())
	if err != nil {
		return "", err
	}
	if err := r.store.Add(ctx, []*tasks.Task{t}); err != nil {
		return "", err
	}

	r.log.Debug().
		Str("task_id", t.ID).
		Str("type", string(t.Type)).
		Int("priority", int(t.Priority)).
		Msg("Task enqueued")
	return t.ID, nil
}

// EnqueueBatch persists all items atomically under one batch id and returns
// their task ids in item order. An empty batchID is generated.
func (r *Registry) EnqueueBatch(ctx context.Context, batchID string, items []BatchItem) (string, []string, error) {
	if len(items) == 0 {
		return "", nil, fmt.Errorf("%w: empty batch", tasks.ErrInvalidTask)
	}
	if batchID == "" {
		batchID = uuid.NewString()
	}

	now := r.now()
	ts := make([]*tasks.Task, 0, len(items))
	for i, item := range items {
		o := enqueueOptions{priority: tasks.PriorityNormal, maxRetries: item.MaxRetries}
		if item.Priority != nil {
			o.priority = *item.Priority
		}
		WithBatch(batchID, i)(&o)

		t, err := r.newTask(item.Type, item.Payload, o, now)
		if err != nil {
			return "", nil, fmt.Errorf("item %d: %w", i, err)
		}
		ts = append(ts, t)
	}
	if err := r.store.Add(ctx, ts); err != nil {
		return "", nil, err
	}

	ids := make([]string, len(ts))
	for i, t := range ts {
		ids[i] = t.ID
	}
	r.log.Info().Str("batch_id", batchID).Int("items", len(ids)).Msg("Batch enqueued")
	return batchID, ids, nil
}

// Claim hands the best eligible pending task to workerID. It returns nil, nil
// when no task is available; losing a race to another worker looks the same.
// It never blocks waiting for work.
func (r *Registry) Claim(ctx context.Context, workerID string) (*tasks.Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", tasks.ErrInvalidTask)
	}
	t, err := r.store.Claim(ctx, workerID, r.now())
	if err != nil || t == nil {
		return nil, err
	}

	r.log.Debug().
		Str("task_id", t.ID).
		Str("worker_id", workerID).
		Int("priority", int(t.Priority)).
		Int("retry_count", t.RetryCount).
		Msg("Task claimed")
	return t, nil
}

// Complete records the result of a processing task. Completing a task that
// is already completed returns it unchanged.
func (r *Registry) Complete(ctx context.Context, id string, result map[string]any) (*tasks.Task, error) {
	t, err := r.store.Complete(ctx, id, result, r.now())
	if err != nil {
		return nil, err
	}
	r.log.Debug().Str("task_id", id).Msg("Task completed")
	return t, nil
}

// FailOutcome reports what Fail did with a task.
type FailOutcome struct {
	Retried      bool       `json:"retried"`
	DeadLettered bool       `json:"dead_lettered"`
	RetryCount   int        `json:"retry_count"`
	NextAttempt  *time.Time `json:"next_attempt_at,omitempty"`
	DeadLetterID string     `json:"dead_letter_id,omitempty"`
}

// Fail records errMsg on a processing task and either returns it to pending
// after a backoff delay or, when shouldRetry is false or the retry budget is
// spent, marks it failed and creates a dead letter entry.
func (r *Registry) Fail(ctx context.Context, id, errMsg string, shouldRetry bool) (FailOutcome, error) {
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return FailOutcome{}, err
	}
	if t.Status != tasks.StatusProcessing {
		return FailOutcome{}, fmt.Errorf("%w: task %s is %s, not processing", tasks.ErrInvalidTransition, id, t.Status)
	}

	now := r.now()
	d := r.backoff.Decide(t.RetryCount, t.MaxRetries, shouldRetry)
	log := r.log.With().
		Str("task_id", id).
		Str("type", string(t.Type)).
		Int("retry_count", d.RetryCount).
		Logger()

	if d.DeadLetter {
		_, dl, err := r.store.DeadLetter(ctx, id, errMsg, d.RetryCount, now)
		if err != nil {
			return FailOutcome{}, err
		}
		log.Warn().Str("error", errMsg).Str("dead_letter_id", dl.ID).Msg("Task moved to dead letter queue")
		return FailOutcome{DeadLettered: true, RetryCount: d.RetryCount, DeadLetterID: dl.ID}, nil
	}

	next := now.Add(d.Delay)
	if _, err := r.store.Retry(ctx, id, errMsg, d.RetryCount, next); err != nil {
		return FailOutcome{}, err
	}
	log.Info().Str("error", errMsg).Dur("delay", d.Delay).Msg("Task scheduled for retry")
	return FailOutcome{Retried: true, RetryCount: d.RetryCount, NextAttempt: &next}, nil
}

// GetTaskStatus returns the current task record.
func (r *Registry) GetTaskStatus(ctx context.Context, id string) (*tasks.Task, error) {
	return r.store.Get(ctx, id)
}

// ListTasks returns tasks matching f from the durable store.
func (r *Registry) ListTasks(ctx context.Context, f tasks.Filter) ([]*tasks.Task, error) {
	ts, err := r.durable.ListTasks(ctx, f)
	return ts, durableErr("list tasks", err)
}

// GetBatchStatus aggregates the tasks of a batch. Unknown batches are
// reported as tasks.ErrTaskNotFound.
func (r *Registry) GetBatchStatus(ctx context.Context, batchID string) (tasks.BatchStatus, error) {
	bs, err := r.durable.BatchStatus(ctx, batchID)
	if err != nil {
		return tasks.BatchStatus{}, durableErr("batch status", err)
	}
	if bs.Total == 0 {
		return tasks.BatchStatus{}, fmt.Errorf("%w: batch %s", tasks.ErrTaskNotFound, batchID)
	}
	return bs, nil
}

// IsUnavailable reports whether err means no backend could serve the call.
func IsUnavailable(err error) bool {
	return errors.Is(err, tasks.ErrStorageUnavailable)
}
