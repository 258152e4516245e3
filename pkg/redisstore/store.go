// Package redisstore is the fast store: a Redis mirror of pending and
// in-flight tasks that serves the claim hot path.
//
// Key layout, for namespace ns:
//   - ns:pending:{0..4}: sorted set per priority tier, scored by eligibility time (unix micros)
//   - ns:inflight: sorted set of claimed tasks, scored by claim time
//   - ns:task:{id}: JSON task record, expiring after the record TTL
//   - ns:stats: hash of completed, failed and dead_letters counters
//
// Set members are "<created_at micros, 16 hex digits>|<id>", so tasks with
// equal scores leave in creation order and then by id, matching the durable
// store's ORDER BY.
//
// The durable store stays authoritative; nothing here survives on its own.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

const (
	statCompleted   = "completed"
	statFailed      = "failed"
	statDeadLetters = "dead_letters"
)

// Options configures a Store.
type Options struct {
	// Namespace prefixes every key. Defaults to "ingestq".
	Namespace string
	// RecordTTL bounds how long task records are kept. Defaults to 7 days.
	RecordTTL time.Duration
}

// Store keeps the Redis side of the queue.
type Store struct {
	rdb redis.UniversalClient
	ns  string
	ttl time.Duration
}

// NewClient creates a Redis client for addr ("host:port").
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// New wraps an existing client.
func New(rdb redis.UniversalClient, opts Options) *Store {
	if opts.Namespace == "" {
		opts.Namespace = "ingestq"
	}
	if opts.RecordTTL <= 0 {
		opts.RecordTTL = 7 * 24 * time.Hour
	}
	return &Store{rdb: rdb, ns: opts.Namespace, ttl: opts.RecordTTL}
}

func (s *Store) key(parts ...string) string {
	return s.ns + ":" + strings.Join(parts, ":")
}

func (s *Store) pendingKey(p tasks.Priority) string {
	return s.key("pending", strconv.Itoa(int(p)))
}

func (s *Store) pendingKeys() []string {
	keys := make([]string, tasks.NumPriorities)
	for p := 0; p < tasks.NumPriorities; p++ {
		keys[p] = s.pendingKey(tasks.Priority(p))
	}
	return keys
}

func (s *Store) inflightKey() string { return s.key("inflight") }
func (s *Store) statsKey() string    { return s.key("stats") }
func (s *Store) taskKey(id string) string {
	return s.key("task", id)
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func member(t *tasks.Task) string {
	return fmt.Sprintf("%016x|%s", t.CreatedAt.UnixMicro(), t.ID)
}

func memberID(m string) string {
	if i := strings.IndexByte(m, '|'); i >= 0 {
		return m[i+1:]
	}
	return m
}

func (s *Store) setRecord(ctx context.Context, pipe redis.Pipeliner, t *tasks.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	pipe.Set(ctx, s.taskKey(t.ID), data, s.ttl)
	return nil
}

// Push mirrors a pending task. An id already queued keeps its position.
func (s *Store) Push(ctx context.Context, t *tasks.Task) error {
	pipe := s.rdb.TxPipeline()
	if err := s.setRecord(ctx, pipe, t); err != nil {
		return err
	}
	pipe.ZAddNX(ctx, s.pendingKey(t.Priority), redis.Z{
		Score:  score(t.NextEligibleAt),
		Member: member(t),
	})
	_, err := pipe.Exec(ctx)
	return err
}

// Popped identifies a task removed from a pending tier by Pop.
type Popped struct {
	ID         string
	Priority   tasks.Priority
	EligibleAt time.Time

	member string
}

// popScript scans the pending tiers in priority order and moves the first
// eligible member into the in-flight set.
//
// KEYS: pending tiers 0..n-1, then the in-flight set
// ARGV[1]: now, unix micros
var popScript = redis.NewScript(`
	local inflight = KEYS[#KEYS]
	for i = 1, #KEYS - 1 do
		local hit = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, 1)
		if #hit > 0 then
			redis.call('ZREM', KEYS[i], hit[1])
			redis.call('ZADD', inflight, ARGV[1], hit[1])
			return {hit[1], tostring(i - 1), hit[2]}
		end
	end
	return false
`)

// Pop atomically takes the best eligible task id at now. It returns nil, nil
// when no tier holds an eligible id.
func (s *Store) Pop(ctx context.Context, now time.Time) (*Popped, error) {
	keys := append(s.pendingKeys(), s.inflightKey())
	res, err := popScript.Run(ctx, s.rdb, keys, now.UnixMicro()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("pop: unexpected reply %v", res)
	}

	tier, err := strconv.Atoi(res[1])
	if err != nil {
		return nil, fmt.Errorf("pop: bad tier %q: %w", res[1], err)
	}
	micros, err := strconv.ParseFloat(res[2], 64)
	if err != nil {
		return nil, fmt.Errorf("pop: bad score %q: %w", res[2], err)
	}
	return &Popped{
		ID:         memberID(res[0]),
		Priority:   tasks.Priority(tier),
		EligibleAt: time.UnixMicro(int64(micros)).UTC(),
		member:     res[0],
	}, nil
}

// Restore undoes a Pop whose durable claim could not be attempted.
func (s *Store) Restore(ctx context.Context, p *Popped) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.inflightKey(), p.member)
	pipe.ZAddNX(ctx, s.pendingKey(p.Priority), redis.Z{Score: score(p.EligibleAt), Member: p.member})
	_, err := pipe.Exec(ctx)
	return err
}

// Drop forgets an id that the durable store refused to hand out.
func (s *Store) Drop(ctx context.Context, p *Popped) error {
	return s.rdb.ZRem(ctx, s.inflightKey(), p.member).Err()
}

// MarkProcessing records a claim made through either path.
func (s *Store) MarkProcessing(ctx context.Context, t *tasks.Task, now time.Time) error {
	pipe := s.rdb.TxPipeline()
	if err := s.setRecord(ctx, pipe, t); err != nil {
		return err
	}
	pipe.ZRem(ctx, s.pendingKey(t.Priority), member(t))
	pipe.ZAdd(ctx, s.inflightKey(), redis.Z{Score: score(now), Member: member(t)})
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue returns a retried task to its tier at its new eligibility time.
func (s *Store) Requeue(ctx context.Context, t *tasks.Task) error {
	pipe := s.rdb.TxPipeline()
	if err := s.setRecord(ctx, pipe, t); err != nil {
		return err
	}
	pipe.ZRem(ctx, s.inflightKey(), member(t))
	pipe.ZAdd(ctx, s.pendingKey(t.Priority), redis.Z{Score: score(t.NextEligibleAt), Member: member(t)})
	_, err := pipe.Exec(ctx)
	return err
}

// Finish records a terminal task: completed, or failed and dead-lettered.
func (s *Store) Finish(ctx context.Context, t *tasks.Task) error {
	pipe := s.rdb.TxPipeline()
	if err := s.setRecord(ctx, pipe, t); err != nil {
		return err
	}
	pipe.ZRem(ctx, s.inflightKey(), member(t))
	pipe.ZRem(ctx, s.pendingKey(t.Priority), member(t))
	switch t.Status {
	case tasks.StatusCompleted:
		pipe.HIncrBy(ctx, s.statsKey(), statCompleted, 1)
	case tasks.StatusFailed:
		pipe.HIncrBy(ctx, s.statsKey(), statFailed, 1)
		pipe.HIncrBy(ctx, s.statsKey(), statDeadLetters, 1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// AdjustDeadLetters moves the open dead letter counter by delta.
func (s *Store) AdjustDeadLetters(ctx context.Context, delta int64) error {
	return s.rdb.HIncrBy(ctx, s.statsKey(), statDeadLetters, delta).Err()
}

// Load returns the mirrored record or tasks.ErrTaskNotFound.
func (s *Store) Load(ctx context.Context, id string) (*tasks.Task, error) {
	data, err := s.rdb.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var t tasks.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

// Snapshot reads queue depths and counters. Completed, failed and DLQ
// figures only cover activity this Redis instance has seen.
func (s *Store) Snapshot(ctx context.Context) (tasks.Stats, error) {
	pipe := s.rdb.Pipeline()
	cards := make([]*redis.IntCmd, 0, tasks.NumPriorities)
	for _, k := range s.pendingKeys() {
		cards = append(cards, pipe.ZCard(ctx, k))
	}
	inflight := pipe.ZCard(ctx, s.inflightKey())
	counters := pipe.HGetAll(ctx, s.statsKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return tasks.Stats{}, fmt.Errorf("snapshot: %w", err)
	}

	st := tasks.Stats{Processing: inflight.Val(), Source: "redis"}
	for _, c := range cards {
		st.Pending += c.Val()
	}
	vals := counters.Val()
	st.Completed = parseCounter(vals[statCompleted])
	st.Failed = parseCounter(vals[statFailed])
	st.DLQSize = max(parseCounter(vals[statDeadLetters]), 0)
	return st, nil
}

func parseCounter(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// Depths returns the number of queued ids per priority tier.
func (s *Store) Depths(ctx context.Context) (map[tasks.Priority]int64, error) {
	pipe := s.rdb.Pipeline()
	cards := make([]*redis.IntCmd, tasks.NumPriorities)
	for p, k := range s.pendingKeys() {
		cards[p] = pipe.ZCard(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[tasks.Priority]int64, len(cards))
	for p, c := range cards {
		out[tasks.Priority(p)] = c.Val()
	}
	return out, nil
}

// OldestPending returns the earliest eligibility time across all tiers, or
// the zero time when nothing is queued.
func (s *Store) OldestPending(ctx context.Context) (time.Time, error) {
	var oldest time.Time
	for _, k := range s.pendingKeys() {
		zs, err := s.rdb.ZRangeWithScores(ctx, k, 0, 0).Result()
		if err != nil {
			return time.Time{}, err
		}
		if len(zs) == 0 {
			continue
		}
		t := time.UnixMicro(int64(zs[0].Score)).UTC()
		if oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
	}
	return oldest, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
