package queue

import (
	"context"
	"testing"
	"time"

	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimFallsBackWhenFastStoreDown(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	low, err := e.reg.Enqueue(ctx, tasks.TypeText, nil, WithPriority(tasks.PriorityLow))
	require.NoError(t, err)
	e.clock.Advance(time.Millisecond)
	urgent, err := e.reg.Enqueue(ctx, tasks.TypeText, nil, WithPriority(tasks.PriorityUrgent))
	require.NoError(t, err)

	e.mr.Close()

	task, err := e.reg.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, urgent, task.ID, "durable path keeps priority order")

	id, err := e.reg.Enqueue(ctx, tasks.TypeAudio, nil)
	require.NoError(t, err, "enqueue succeeds on the durable store alone")

	_, err = e.reg.Complete(ctx, task.ID, nil)
	require.NoError(t, err)
	_, err = e.reg.Fail(ctx, low, "x", true)
	assert.ErrorIs(t, err, tasks.ErrInvalidTransition)

	got, err := e.reg.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, got.Status)

	st, err := e.reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", st.Source)
	assert.Equal(t, int64(2), st.Pending)

	health := e.reg.Health(ctx)
	require.Len(t, health, 2)
	assert.True(t, health[0].Healthy)
	assert.False(t, health[1].Healthy)
}

func TestDurableOutageIsStorageUnavailable(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	id, err := e.reg.Enqueue(ctx, tasks.TypeDocument, nil)
	require.NoError(t, err)
	require.NoError(t, e.durable.Close())

	_, err = e.reg.Enqueue(ctx, tasks.TypeDocument, nil)
	assert.ErrorIs(t, err, tasks.ErrStorageUnavailable)
	assert.True(t, IsUnavailable(err))

	_, err = e.reg.Claim(ctx, "w1")
	assert.ErrorIs(t, err, tasks.ErrStorageUnavailable)

	depths, err := e.fast.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths[tasks.PriorityNormal], "popped id is restored for a later claim")

	st, err := e.reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "redis", st.Source)
	assert.Equal(t, int64(1), st.Pending)

	got, err := e.reg.GetTaskStatus(ctx, id)
	require.NoError(t, err, "status falls back to the fast store record")
	assert.Equal(t, id, got.ID)
}

func TestTotalOutage(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	require.NoError(t, e.durable.Close())
	e.mr.Close()

	_, err := e.reg.Enqueue(ctx, tasks.TypeText, nil)
	assert.ErrorIs(t, err, tasks.ErrStorageUnavailable)
	_, err = e.reg.Claim(ctx, "w1")
	assert.ErrorIs(t, err, tasks.ErrStorageUnavailable)
	_, err = e.reg.Stats(ctx)
	assert.ErrorIs(t, err, tasks.ErrStorageUnavailable)
	_, err = e.reg.GetTaskStatus(ctx, "any")
	assert.ErrorIs(t, err, tasks.ErrStorageUnavailable)
}

func TestDurableOnlyOutage(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	require.NoError(t, e.durable.Close())

	_, err := e.reg.Enqueue(ctx, tasks.TypeText, nil)
	assert.ErrorIs(t, err, tasks.ErrStorageUnavailable)
	_, err = e.reg.Claim(ctx, "w1")
	assert.ErrorIs(t, err, tasks.ErrStorageUnavailable)
	_, err = e.reg.ClaimDeadLetters(ctx, 5)
	assert.ErrorIs(t, err, tasks.ErrStorageUnavailable)
}

func TestStaleFastEntriesAreDropped(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	id, err := e.reg.Enqueue(ctx, tasks.TypeText, nil)
	require.NoError(t, err)

	// Another process claims straight from the durable store; Redis still
	// lists the id.
	claimed, err := e.durable.ClaimNext(ctx, "other", e.clock.Now())
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	task, err := e.reg.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, task, "durable row is the arbiter; the stale id must not be handed out")

	st, err := e.fast.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Pending)
	assert.Equal(t, int64(0), st.Processing)
}

func TestReconcileIndexesOutageBacklog(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	// Tasks written by a registry that had no fast store.
	plain := New(e.durable, WithClock(e.clock.Now))
	first, err := plain.Enqueue(ctx, tasks.TypeText, nil, WithPriority(tasks.PriorityHigh))
	require.NoError(t, err)
	e.clock.Advance(time.Millisecond)
	_, err = plain.Enqueue(ctx, tasks.TypeText, nil)
	require.NoError(t, err)

	n, err := e.reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = e.reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "reconcile is repeatable")

	depths, err := e.fast.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths[tasks.PriorityHigh])
	assert.Equal(t, int64(1), depths[tasks.PriorityNormal])

	p, err := e.fast.Pop(ctx, e.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, first, p.ID)

	n, err = plain.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no fast store, nothing to reconcile")
	assert.False(t, plain.Tiered())
	assert.True(t, e.reg.Tiered())
}

func TestOrderingSurvivesFailedFastWrite(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	ts := e.reg.store.(*tiered)

	_, err := e.reg.Enqueue(ctx, tasks.TypeText, nil, WithPriority(tasks.PriorityBatch))
	require.NoError(t, err)
	e.clock.Advance(time.Millisecond)

	e.mr.SetError("LOADING Redis is loading the dataset in memory")
	urgent, err := e.reg.Enqueue(ctx, tasks.TypeText, nil, WithPriority(tasks.PriorityUrgent))
	require.NoError(t, err, "enqueue commits on the durable store")
	assert.True(t, ts.stale())

	e.mr.SetError("")
	task, err := e.reg.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, urgent, task.ID)
	assert.False(t, ts.stale(), "claim re-indexed the fast store once it answered")

	depths, err := e.fast.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths[tasks.PriorityBatch])
	assert.Zero(t, depths[tasks.PriorityUrgent])
}

func TestOrderingSurvivesFailedRequeue(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	low, err := e.reg.Enqueue(ctx, tasks.TypeText, nil, WithPriority(tasks.PriorityBatch))
	require.NoError(t, err)
	e.clock.Advance(time.Millisecond)
	urgent, err := e.reg.Enqueue(ctx, tasks.TypeText, nil, WithPriority(tasks.PriorityUrgent))
	require.NoError(t, err)

	task, err := e.reg.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, urgent, task.ID)

	e.mr.SetError("LOADING Redis is loading the dataset in memory")
	out, err := e.reg.Fail(ctx, urgent, "timeout", true)
	require.NoError(t, err)
	require.True(t, out.Retried)
	e.mr.SetError("")

	e.clock.Advance(time.Minute)
	task, err = e.reg.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, urgent, task.ID, "retried task keeps its tier ahead of batch work")

	task, err = e.reg.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, low, task.ID)
}

func TestStaleFastStoreServesFromDurable(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	ts := e.reg.store.(*tiered)

	e.mr.SetError("LOADING Redis is loading the dataset in memory")
	var ids []string
	for _, p := range []tasks.Priority{tasks.PriorityLow, tasks.PriorityHigh, tasks.PriorityUrgent} {
		id, err := e.reg.Enqueue(ctx, tasks.TypeDocument, nil, WithPriority(p))
		require.NoError(t, err)
		ids = append(ids, id)
		e.clock.Advance(time.Millisecond)
	}

	for _, want := range []string{ids[2], ids[1]} {
		task, err := e.reg.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, want, task.ID)
	}
	assert.True(t, ts.stale(), "fast store still failing")

	e.mr.SetError("")
	n, err := e.reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, ts.stale(), "a clean reconcile marks the fast store in sync")

	task, err := e.reg.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, ids[0], task.ID)
}
