package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/ingestq/pkg/redisstore"
	"github.com/guido-cesarano/ingestq/pkg/sqlstore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: base}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newDurable(t *testing.T) *sqlstore.Store {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "queue.db") + "?_pragma=busy_timeout(5000)"
	s, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, dsn, sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func newFast(t *testing.T) (*miniredis.Miniredis, *redisstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	return mr, redisstore.New(rdb, redisstore.Options{Namespace: "test"})
}

// env is one registry under test plus handles on its backends.
type env struct {
	reg     *Registry
	clock   *fakeClock
	durable *sqlstore.Store
	fast    *redisstore.Store
	mr      *miniredis.Miniredis
}

func newEnv(t *testing.T, tiered bool, opts ...Option) *env {
	t.Helper()
	e := &env{clock: newClock(), durable: newDurable(t)}
	opts = append([]Option{
		WithClock(e.clock.Now),
		WithLogger(zerolog.Nop()),
	}, opts...)
	if tiered {
		e.mr, e.fast = newFast(t)
		opts = append(opts, WithFastStore(e.fast))
	}
	e.reg = New(e.durable, opts...)
	return e
}

// backends runs fn once against the durable-only registry and once against
// the tiered one.
func backends(t *testing.T, fn func(t *testing.T, e *env), opts ...Option) {
	for _, tc := range []struct {
		name   string
		tiered bool
	}{
		{"durable", false},
		{"tiered", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fn(t, newEnv(t, tc.tiered, opts...))
		})
	}
}
