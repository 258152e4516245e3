package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills rate tokens per second up to burst and takes one.
//
// KEYS[1]: bucket key
// ARGV[1]: rate (tokens/sec)
// ARGV[2]: burst (capacity)
// ARGV[3]: now (seconds, fractional)
// ARGV[4]: key expiry in milliseconds
var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))
	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	tokens = math.min(burst, tokens + (delta * rate))

	local allowed = 0
	if tokens >= 1 then
		tokens = tokens - 1
		allowed = 1
	end
	redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
	redis.call('PEXPIRE', key, ARGV[4])
	return allowed
`)

// Limiter is a Redis token bucket shared by every worker process, so a rate
// applies cluster-wide per task type.
type Limiter struct {
	rdb redis.UniversalClient
	ns  string
	now func() time.Time
}

func NewLimiter(rdb redis.UniversalClient, namespace string) *Limiter {
	if namespace == "" {
		namespace = "ingestq"
	}
	return &Limiter{rdb: rdb, ns: namespace, now: time.Now}
}

// Allow takes a token from the bucket named key. A non-positive rate
// disables limiting.
func (l *Limiter) Allow(ctx context.Context, key string, rate, burst int) (bool, error) {
	if rate <= 0 {
		return true, nil
	}
	if burst < 1 {
		burst = 1
	}
	// Keep an idle bucket long enough to refill completely.
	expiry := time.Duration(burst/rate+1) * time.Second

	now := float64(l.now().UnixMilli()) / 1000
	res, err := tokenBucket.Run(ctx, l.rdb,
		[]string{l.ns + ":ratelimit:" + key},
		rate, burst, now, expiry.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
