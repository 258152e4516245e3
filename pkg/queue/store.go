package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/ingestq/pkg/redisstore"
	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/rs/zerolog"
)

// DurableStore is the system of record. It is implemented by sqlstore.Store.
type DurableStore interface {
	Name() string
	Ping(ctx context.Context) error

	InsertTask(ctx context.Context, t *tasks.Task) error
	InsertTasks(ctx context.Context, ts []*tasks.Task) error
	GetTask(ctx context.Context, id string) (*tasks.Task, error)
	ListTasks(ctx context.Context, f tasks.Filter) ([]*tasks.Task, error)

	ClaimByID(ctx context.Context, id, workerID string, now time.Time) (*tasks.Task, error)
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*tasks.Task, error)
	CompleteTask(ctx context.Context, id string, result map[string]any, now time.Time) (*tasks.Task, bool, error)
	RetryTask(ctx context.Context, id, errMsg string, retryCount int, eligibleAt time.Time) (*tasks.Task, error)
	DeadLetterTask(ctx context.Context, id, errMsg string, retryCount int, now time.Time) (*tasks.Task, *tasks.DeadLetter, error)

	Stats(ctx context.Context) (tasks.Stats, error)
	BatchStatus(ctx context.Context, batchID string) (tasks.BatchStatus, error)

	GetDeadLetter(ctx context.Context, id string) (*tasks.DeadLetter, error)
	ListDeadLetters(ctx context.Context, f tasks.DeadLetterFilter) ([]*tasks.DeadLetter, error)
	ClaimDeadLetters(ctx context.Context, limit int, now time.Time) ([]*tasks.DeadLetter, error)
	TransitionDeadLetter(ctx context.Context, id string, from, to tasks.DeadLetterStatus, now time.Time) (*tasks.DeadLetter, error)
}

// FastStore is the optional low-latency mirror. It is implemented by
// redisstore.Store.
type FastStore interface {
	Ping(ctx context.Context) error
	Push(ctx context.Context, t *tasks.Task) error
	Pop(ctx context.Context, now time.Time) (*redisstore.Popped, error)
	Restore(ctx context.Context, p *redisstore.Popped) error
	Drop(ctx context.Context, p *redisstore.Popped) error
	MarkProcessing(ctx context.Context, t *tasks.Task, now time.Time) error
	Requeue(ctx context.Context, t *tasks.Task) error
	Finish(ctx context.Context, t *tasks.Task) error
	AdjustDeadLetters(ctx context.Context, delta int64) error
	Load(ctx context.Context, id string) (*tasks.Task, error)
	Snapshot(ctx context.Context) (tasks.Stats, error)
}

// TaskStore is the backend the Registry drives for operations whose
// behaviour depends on whether a fast store is present. New picks the
// implementation once; nothing switches at runtime.
type TaskStore interface {
	Add(ctx context.Context, ts []*tasks.Task) error
	Claim(ctx context.Context, workerID string, now time.Time) (*tasks.Task, error)
	Complete(ctx context.Context, id string, result map[string]any, now time.Time) (*tasks.Task, error)
	Retry(ctx context.Context, id, errMsg string, retryCount int, eligibleAt time.Time) (*tasks.Task, error)
	DeadLetter(ctx context.Context, id, errMsg string, retryCount int, now time.Time) (*tasks.Task, *tasks.DeadLetter, error)
	DeadLetterResolved(ctx context.Context)
	Get(ctx context.Context, id string) (*tasks.Task, error)
	Stats(ctx context.Context) (tasks.Stats, error)
	Reconcile(ctx context.Context) (int, error)
	Health(ctx context.Context) []BackendHealth
}

// isDomain reports whether err is a task-level outcome rather than a backend
// fault.
func isDomain(err error) bool {
	return errors.Is(err, tasks.ErrTaskNotFound) ||
		errors.Is(err, tasks.ErrDeadLetterNotFound) ||
		errors.Is(err, tasks.ErrInvalidTask) ||
		errors.Is(err, tasks.ErrInvalidTransition) ||
		errors.Is(err, tasks.ErrNotClaimable)
}

// durableErr classifies a durable store error. Domain errors and
// cancellation pass through; anything else means the store is unreachable.
func durableErr(op string, err error) error {
	if err == nil || isDomain(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, tasks.ErrStorageUnavailable, err)
}

// durableOnly serves every call from the durable store.
type durableOnly struct {
	durable DurableStore
}

func (s *durableOnly) Add(ctx context.Context, ts []*tasks.Task) error {
	return durableErr("enqueue", insert(ctx, s.durable, ts))
}

func insert(ctx context.Context, d DurableStore, ts []*tasks.Task) error {
	if len(ts) == 1 {
		return d.InsertTask(ctx, ts[0])
	}
	return d.InsertTasks(ctx, ts)
}

func (s *durableOnly) Claim(ctx context.Context, workerID string, now time.Time) (*tasks.Task, error) {
	t, err := s.durable.ClaimNext(ctx, workerID, now)
	return t, durableErr("claim", err)
}

func (s *durableOnly) Complete(ctx context.Context, id string, result map[string]any, now time.Time) (*tasks.Task, error) {
	t, _, err := s.durable.CompleteTask(ctx, id, result, now)
	return t, durableErr("complete", err)
}

func (s *durableOnly) Retry(ctx context.Context, id, errMsg string, retryCount int, eligibleAt time.Time) (*tasks.Task, error) {
	t, err := s.durable.RetryTask(ctx, id, errMsg, retryCount, eligibleAt)
	return t, durableErr("retry", err)
}

func (s *durableOnly) DeadLetter(ctx context.Context, id, errMsg string, retryCount int, now time.Time) (*tasks.Task, *tasks.DeadLetter, error) {
	t, dl, err := s.durable.DeadLetterTask(ctx, id, errMsg, retryCount, now)
	return t, dl, durableErr("dead-letter", err)
}

func (s *durableOnly) DeadLetterResolved(context.Context) {}

func (s *durableOnly) Get(ctx context.Context, id string) (*tasks.Task, error) {
	t, err := s.durable.GetTask(ctx, id)
	return t, durableErr("get task", err)
}

func (s *durableOnly) Stats(ctx context.Context) (tasks.Stats, error) {
	st, err := s.durable.Stats(ctx)
	return st, durableErr("stats", err)
}

func (s *durableOnly) Reconcile(context.Context) (int, error) {
	return 0, nil
}

func (s *durableOnly) Health(ctx context.Context) []BackendHealth {
	return []BackendHealth{probe(ctx, s.durable.Name(), s.durable.Ping)}
}

// maxStalePops bounds how many ids a single hot-path claim discards before
// falling back to the durable store.
const maxStalePops = 16

const reconcilePage = 500

// tiered serves claims from the fast store and mirrors every transition
// into it. The durable row decides every claim, so a stale or duplicate id in
// Redis can never hand a task out twice.
//
// A failed fast-store write leaves Redis missing a pending task, and popping
// from it would then serve tiers out of order. From that point claims go to
// the durable store until a full re-index succeeds.
type tiered struct {
	durable DurableStore
	fast    FastStore
	log     zerolog.Logger

	// dirty counts failed fast-store writes; synced is the value of dirty
	// when the last complete re-index started.
	dirty     atomic.Uint64
	synced    atomic.Uint64
	reindexMu sync.Mutex
}

func (s *tiered) Add(ctx context.Context, ts []*tasks.Task) error {
	if err := insert(ctx, s.durable, ts); err != nil {
		return durableErr("enqueue", err)
	}
	for _, t := range ts {
		if err := s.fast.Push(ctx, t); err != nil {
			s.markStale()
			s.log.Warn().Err(err).Str("task_id", t.ID).Msg("Fast store push failed; task stays claimable from the durable store")
		}
	}
	return nil
}

func (s *tiered) markStale() {
	if s.dirty.Add(1) == s.synced.Load()+1 {
		s.log.Warn().Msg("Fast store out of sync; claiming from the durable store until re-indexed")
	}
}

func (s *tiered) stale() bool {
	return s.dirty.Load() != s.synced.Load()
}

// fresh reports whether the fast store can be trusted for ordering, trying a
// re-index first when it is marked stale. Only one caller re-indexes at a
// time; the others use the durable store meanwhile.
func (s *tiered) fresh(ctx context.Context) bool {
	if !s.stale() {
		return true
	}
	if !s.reindexMu.TryLock() {
		return false
	}
	defer s.reindexMu.Unlock()
	if !s.stale() {
		return true
	}
	if err := s.fast.Ping(ctx); err != nil {
		return false
	}
	n, err := s.Reconcile(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Fast store re-index failed")
		return false
	}
	s.log.Info().Int("tasks", n).Msg("Fast store re-indexed")
	return true
}

func (s *tiered) Claim(ctx context.Context, workerID string, now time.Time) (*tasks.Task, error) {
	if s.fresh(ctx) {
		t, err := s.claimFast(ctx, workerID, now)
		switch {
		case err == nil && t != nil:
			return t, nil
		case errors.Is(err, tasks.ErrStorageUnavailable), errors.Is(err, context.Canceled):
			return nil, err
		case err != nil:
			s.markStale()
			s.log.Warn().Err(err).Str("worker_id", workerID).Msg("Fast store claim failed; using durable store")
		}
	}

	t, err := s.durable.ClaimNext(ctx, workerID, now)
	if err != nil || t == nil {
		return nil, durableErr("claim", err)
	}
	s.mirror("mark processing", t, func() error { return s.fast.MarkProcessing(ctx, t, now) })
	return t, nil
}

// claimFast pops ids until the durable store accepts one. It returns nil, nil
// when the fast store has nothing eligible.
func (s *tiered) claimFast(ctx context.Context, workerID string, now time.Time) (*tasks.Task, error) {
	for i := 0; i < maxStalePops; i++ {
		p, err := s.fast.Pop(ctx, now)
		if err != nil || p == nil {
			return nil, err
		}

		t, err := s.durable.ClaimByID(ctx, p.ID, workerID, now)
		switch {
		case err == nil:
			s.mirror("mark processing", t, func() error { return s.fast.MarkProcessing(ctx, t, now) })
			return t, nil
		case errors.Is(err, tasks.ErrNotClaimable):
			s.log.Debug().Str("task_id", p.ID).Msg("Dropping stale fast store entry")
			if err := s.fast.Drop(ctx, p); err != nil {
				s.log.Warn().Err(err).Str("task_id", p.ID).Msg("Fast store drop failed")
			}
		default:
			if rerr := s.fast.Restore(ctx, p); rerr != nil {
				s.markStale()
				s.log.Warn().Err(rerr).Str("task_id", p.ID).Msg("Fast store restore failed")
			}
			return nil, durableErr("claim", err)
		}
	}
	return nil, nil
}

func (s *tiered) mirror(op string, t *tasks.Task, fn func() error) {
	if err := fn(); err != nil {
		s.markStale()
		s.log.Warn().Err(err).Str("task_id", t.ID).Str("op", op).Msg("Fast store update failed")
	}
}

func (s *tiered) Complete(ctx context.Context, id string, result map[string]any, now time.Time) (*tasks.Task, error) {
	t, changed, err := s.durable.CompleteTask(ctx, id, result, now)
	if err != nil {
		return nil, durableErr("complete", err)
	}
	if changed {
		s.mirror("finish", t, func() error { return s.fast.Finish(ctx, t) })
	}
	return t, nil
}

func (s *tiered) Retry(ctx context.Context, id, errMsg string, retryCount int, eligibleAt time.Time) (*tasks.Task, error) {
	t, err := s.durable.RetryTask(ctx, id, errMsg, retryCount, eligibleAt)
	if err != nil {
		return nil, durableErr("retry", err)
	}
	s.mirror("requeue", t, func() error { return s.fast.Requeue(ctx, t) })
	return t, nil
}

func (s *tiered) DeadLetter(ctx context.Context, id, errMsg string, retryCount int, now time.Time) (*tasks.Task, *tasks.DeadLetter, error) {
	t, dl, err := s.durable.DeadLetterTask(ctx, id, errMsg, retryCount, now)
	if err != nil {
		return nil, nil, durableErr("dead-letter", err)
	}
	s.mirror("finish", t, func() error { return s.fast.Finish(ctx, t) })
	return t, dl, nil
}

func (s *tiered) DeadLetterResolved(ctx context.Context) {
	if err := s.fast.AdjustDeadLetters(ctx, -1); err != nil {
		s.log.Warn().Err(err).Msg("Fast store dead letter counter update failed")
	}
}

// Get prefers the durable row and falls back to the mirrored record only
// when the durable store cannot answer.
func (s *tiered) Get(ctx context.Context, id string) (*tasks.Task, error) {
	t, err := s.durable.GetTask(ctx, id)
	if err == nil || isDomain(err) {
		return t, err
	}
	s.log.Warn().Err(err).Str("task_id", id).Msg("Durable lookup failed; reading fast store record")

	t, ferr := s.fast.Load(ctx, id)
	if ferr != nil {
		return nil, durableErr("get task", err)
	}
	return t, nil
}

func (s *tiered) Stats(ctx context.Context) (tasks.Stats, error) {
	st, err := s.durable.Stats(ctx)
	if err == nil {
		return st, nil
	}
	s.log.Warn().Err(err).Msg("Durable stats failed; reporting fast store counters")

	st, ferr := s.fast.Snapshot(ctx)
	if ferr != nil {
		return tasks.Stats{}, durableErr("stats", err)
	}
	return st, nil
}

// Reconcile pushes every durable pending task into the fast store. Ids
// already queued keep their position. A complete pass marks the fast store in
// sync unless another write failed while it ran.
func (s *tiered) Reconcile(ctx context.Context) (int, error) {
	gen := s.dirty.Load()
	pushed := 0
	for offset := 0; ; offset += reconcilePage {
		page, err := s.durable.ListTasks(ctx, tasks.Filter{
			Status: tasks.StatusPending,
			Limit:  reconcilePage,
			Offset: offset,
		})
		if err != nil {
			return pushed, durableErr("reconcile", err)
		}
		for _, t := range page {
			if err := s.fast.Push(ctx, t); err != nil {
				s.markStale()
				return pushed, fmt.Errorf("reconcile: push %s: %w", t.ID, err)
			}
			pushed++
		}
		if len(page) < reconcilePage {
			s.markSynced(gen)
			return pushed, nil
		}
	}
}

func (s *tiered) markSynced(gen uint64) {
	for {
		cur := s.synced.Load()
		if cur >= gen || s.synced.CompareAndSwap(cur, gen) {
			return
		}
	}
}

func (s *tiered) Health(ctx context.Context) []BackendHealth {
	return []BackendHealth{
		probe(ctx, s.durable.Name(), s.durable.Ping),
		probe(ctx, "redis", s.fast.Ping),
	}
}
