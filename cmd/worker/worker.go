package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guido-cesarano/ingestq/pkg/metrics"
	"github.com/guido-cesarano/ingestq/pkg/queue"
	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RateLimiter is satisfied by redisstore.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, rate, burst int) (bool, error)
}

// Worker polls the registry with a fixed number of pollers and runs each
// claimed task through the dispatcher.
type Worker struct {
	reg        *queue.Registry
	dispatcher *Dispatcher
	limiter    RateLimiter
	log        zerolog.Logger

	ID           string
	Concurrency  int
	PollInterval time.Duration
	// Rate and Burst limit task starts per type across all workers. A zero
	// Rate or a nil limiter disables limiting.
	Rate  int
	Burst int
}

// Run blocks until ctx is cancelled or a poller hits an unrecoverable error.
// In-flight tasks finish before it returns.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < max(w.Concurrency, 1); i++ {
		workerID := fmt.Sprintf("%s-%d", w.ID, i)
		g.Go(func() error {
			return w.poll(ctx, workerID)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) poll(ctx context.Context, workerID string) error {
	log := w.log.With().Str("worker_id", workerID).Logger()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t, err := w.reg.Claim(ctx, workerID)
		switch {
		case errors.Is(err, context.Canceled):
			return err
		case err != nil:
			log.Error().Err(err).Msg("Claim failed")
		case t != nil:
			w.handle(context.WithoutCancel(ctx), ctx, t, log)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.PollInterval):
		}
	}
}

// handle processes one claimed task. work outlives a shutdown request so
// the task is reported either way; stop only cuts short rate-limit waits.
func (w *Worker) handle(work, stop context.Context, t *tasks.Task, log zerolog.Logger) {
	log = log.With().Str("task_id", t.ID).Str("type", string(t.Type)).Logger()

	if !w.waitForToken(stop, t, log) {
		log.Warn().Msg("Shutting down while rate limited; claim left for the stuck-task sweep")
		return
	}

	start := time.Now()
	queued := t.NextEligibleAt
	if t.StartedAt != nil && t.StartedAt.After(queued) {
		metrics.QueueLatency.WithLabelValues(string(t.Type)).Observe(t.StartedAt.Sub(queued).Seconds())
	}

	result, err := w.dispatcher.Dispatch(work, t)
	metrics.TaskDuration.WithLabelValues(string(t.Type)).Observe(time.Since(start).Seconds())

	if err == nil {
		if _, err := w.reg.Complete(work, t.ID, result); err != nil {
			log.Error().Err(err).Msg("Could not record completion")
			return
		}
		metrics.TasksProcessed.WithLabelValues(metrics.OutcomeCompleted, string(t.Type)).Inc()
		return
	}

	log.Error().Err(err).Msg("Task failed")
	out, ferr := w.reg.Fail(work, t.ID, err.Error(), !IsPermanent(err))
	if ferr != nil {
		log.Error().Err(ferr).Msg("Could not record failure")
		return
	}
	outcome := metrics.OutcomeRetried
	if out.DeadLettered {
		outcome = metrics.OutcomeDeadLettered
	}
	metrics.TasksProcessed.WithLabelValues(outcome, string(t.Type)).Inc()
}

// waitForToken blocks until the per-type bucket grants a token. Waiting
// holds the claim rather than failing the task, so rate limiting never
// spends retries. Limiter errors fail open.
func (w *Worker) waitForToken(ctx context.Context, t *tasks.Task, log zerolog.Logger) bool {
	if w.limiter == nil || w.Rate <= 0 {
		return true
	}
	wait := time.Second / time.Duration(w.Rate)
	limited := false
	for {
		allowed, err := w.limiter.Allow(ctx, string(t.Type), w.Rate, w.Burst)
		if err != nil {
			log.Warn().Err(err).Msg("Rate limit check failed; processing anyway")
			return true
		}
		if allowed {
			return true
		}
		if !limited {
			limited = true
			metrics.TasksProcessed.WithLabelValues(metrics.OutcomeRateLimited, string(t.Type)).Inc()
			log.Debug().Msg("Rate limit exceeded, waiting")
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}
