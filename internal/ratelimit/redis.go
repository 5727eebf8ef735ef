package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/metrics"
)

// tokenBucketScript implements a token bucket shared across workers.
// Input: ARGV[1]=rate, ARGV[2]=capacity, ARGV[3]=now (seconds), ARGV[4]=requested
// Output: { allowed, retry_after_ms }
var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local fill_time = capacity / rate
local ttl = math.ceil(fill_time * 2)

local last_tokens = tonumber(redis.call("get", tokens_key))
if last_tokens == nil then last_tokens = capacity end

local last_ts = tonumber(redis.call("get", ts_key))
if last_ts == nil then last_ts = now end

local delta = math.max(0, now - last_ts)
local filled_tokens = math.min(capacity, last_tokens + (delta * rate))
local allowed = 0
local retry_after_ms = 0

if filled_tokens >= requested then
    allowed = 1
    filled_tokens = filled_tokens - requested
    redis.call("set", tokens_key, filled_tokens, "EX", ttl)
    redis.call("set", ts_key, now, "EX", ttl)
else
    retry_after_ms = math.ceil(((requested - filled_tokens) / rate) * 1000)
end

return { allowed, retry_after_ms }
`)

// Redis is a token bucket limiter shared by every worker through Redis.
// When Redis is unreachable it degrades to a local bucket instead of blocking work.
type Redis struct {
	rdb       redis.Scripter
	fallback  *Local
	keyPrefix string
	timeout   time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

// NewRedis returns a Redis limiter; keys are stored under "ratelimit:<key>"
func NewRedis(rdb redis.Scripter, logger *logging.Logger) *Redis {
	return &Redis{
		rdb:       rdb,
		fallback:  NewLocal(),
		keyPrefix: "ratelimit:",
		timeout:   100 * time.Millisecond,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *Redis) Consume(ctx context.Context, key string, perSecond int) (Decision, error) {
	if perSecond <= 0 {
		perSecond = 1
	}
	prefix := r.keyPrefix + key
	keys := []string{prefix + ":tokens", prefix + ":ts"}
	now := float64(r.now().UnixMicro()) / 1e6

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := tokenBucketScript.Run(cctx, r.rdb, keys, perSecond, perSecond, now, 1).Result()
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("key", key).
			Warn("redis rate limit failed, switching to local fallback")
		metrics.RecordRateLimitFallback()
		return r.fallback.Consume(ctx, key, perSecond)
	}

	res, ok := result.([]any)
	if !ok || len(res) != 2 {
		return Decision{Allowed: true}, fmt.Errorf("unexpected rate limit script reply %v", result)
	}
	if toInt64(res[0]) == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(toInt64(res[1])) * time.Millisecond}, nil
}

func toInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case float64:
		return int64(val)
	}
	return 0
}
