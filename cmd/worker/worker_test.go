package main

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guido-cesarano/ingestq/pkg/config"
	"github.com/guido-cesarano/ingestq/pkg/queue"
	"github.com/guido-cesarano/ingestq/pkg/sqlstore"
	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *queue.Registry {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "worker.db") + "?_pragma=busy_timeout(5000)"
	s, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, dsn, sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return queue.New(s,
		queue.WithLogger(zerolog.Nop()),
		queue.WithBackoff(queue.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond}),
	)
}

// runWorker starts w and returns a func that stops it and waits.
func runWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestDispatchByWorkflow(t *testing.T) {
	d := NewDispatcher()
	var got string
	d.Register("audio-transcription", func(_ context.Context, t *tasks.Task) (map[string]any, error) {
		got = t.ID
		return map[string]any{"ok": true}, nil
	})

	res, err := d.Dispatch(context.Background(), &tasks.Task{ID: "a1", Type: tasks.TypeAudio})
	require.NoError(t, err)
	assert.Equal(t, "a1", got)
	assert.Equal(t, true, res["ok"])

	_, err = d.Dispatch(context.Background(), &tasks.Task{ID: "d1", Type: tasks.TypeDocument})
	assert.True(t, IsPermanent(err))
	_, err = d.Dispatch(context.Background(), &tasks.Task{ID: "x", Type: "video"})
	assert.True(t, IsPermanent(err))
}

func TestSimulatedHandler(t *testing.T) {
	h := simulated("text-analysis", 0, zerolog.Nop())
	ctx := context.Background()

	_, err := h(ctx, &tasks.Task{Payload: map[string]any{}})
	assert.NoError(t, err)
	_, err = h(ctx, &tasks.Task{Payload: map[string]any{"simulate_failure": "transient"}})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	_, err = h(ctx, &tasks.Task{Payload: map[string]any{"simulate_failure": "permanent"}})
	assert.True(t, IsPermanent(err))
}

func TestWorkerProcessesTasks(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	var calls atomic.Int32
	d := NewDispatcher()
	for _, typ := range tasks.Types {
		wf, _ := typ.Workflow()
		d.Register(wf, func(_ context.Context, t *tasks.Task) (map[string]any, error) {
			calls.Add(1)
			switch t.Payload["mode"] {
			case "flaky":
				if t.RetryCount == 0 {
					return nil, errors.New("flaky")
				}
			case "broken":
				return nil, Permanent(errors.New("corrupt upload"))
			}
			return map[string]any{"type": string(t.Type)}, nil
		})
	}

	ok, err := reg.Enqueue(ctx, tasks.TypeText, map[string]any{"mode": "ok"})
	require.NoError(t, err)
	flaky, err := reg.Enqueue(ctx, tasks.TypeDocument, map[string]any{"mode": "flaky"})
	require.NoError(t, err)
	broken, err := reg.Enqueue(ctx, tasks.TypeAudio, map[string]any{"mode": "broken"})
	require.NoError(t, err)

	stop := runWorker(t, &Worker{
		reg:          reg,
		dispatcher:   d,
		log:          zerolog.Nop(),
		ID:           "test",
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
	})

	require.Eventually(t, func() bool {
		st, err := reg.Stats(ctx)
		return err == nil && st.Completed == 2 && st.Failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	task, err := reg.GetTaskStatus(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, "text", task.Result["type"])

	task, err = reg.GetTaskStatus(ctx, flaky)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	task, err = reg.GetTaskStatus(ctx, broken)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, task.Status)
	assert.Equal(t, 1, task.RetryCount, "permanent errors skip the retry budget")
	assert.Equal(t, int32(4), calls.Load())
}

type countingLimiter struct {
	mu     sync.Mutex
	denies int
	calls  int
}

func (l *countingLimiter) Allow(context.Context, string, int, int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.calls > l.denies, nil
}

func TestRateLimitDoesNotSpendRetries(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	d := NewDispatcher()
	d.Register("text-analysis", func(context.Context, *tasks.Task) (map[string]any, error) {
		return nil, nil
	})
	id, err := reg.Enqueue(ctx, tasks.TypeText, nil, queue.WithMaxRetries(0))
	require.NoError(t, err)

	lim := &countingLimiter{denies: 3}
	stop := runWorker(t, &Worker{
		reg:          reg,
		dispatcher:   d,
		limiter:      lim,
		log:          zerolog.Nop(),
		ID:           "rl",
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
		Rate:         200,
		Burst:        1,
	})

	require.Eventually(t, func() bool {
		task, err := reg.GetTaskStatus(ctx, id)
		return err == nil && task.Status == tasks.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	task, err := reg.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, task.RetryCount)
	assert.Equal(t, 4, lim.calls)
}

func TestScheduleMaintenance(t *testing.T) {
	reg := newRegistry(t)
	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	c, err := scheduleMaintenance(context.Background(), reg, cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1, "only the sweep runs by default without Redis")

	cfg.Worker.DLQSchedule = "@every 1h"
	c, err = scheduleMaintenance(context.Background(), reg, cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 2)

	cfg.Worker.SweepSchedule = "every now and then"
	_, err = scheduleMaintenance(context.Background(), reg, cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "schedule sweep")
}

func TestWorkerIDDefaultsToHostname(t *testing.T) {
	assert.Equal(t, "w-7", workerID("w-7"))
	id := workerID("")
	assert.NotEmpty(t, id)
	assert.NotEqual(t, id, workerID(""))
}
