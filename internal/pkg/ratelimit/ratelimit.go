package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"pharmwatch/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// 上游的搜索/热销接口按 pageSize 收费远比按请求数公平：一页 200 条的
// 热销拉取对上游的压力数倍于一条聚合探测。桶里因此存放"毫令牌"
// （1 令牌 = 1000 毫令牌），调用方按请求体量取整数倍令牌。
//
// Lua 脚本返回 {allowed, retry_ms, remaining_millitokens}：
// 不足额时不扣减，只给出补满到所需额度的等待时间。
const bucketLua = `
local bucket = KEYS[1]
local rate_mt = tonumber(ARGV[1])   -- 毫令牌/秒
local cap_mt = tonumber(ARGV[2])    -- 桶容量（毫令牌）
local now_ms = tonumber(ARGV[3])
local cost_mt = tonumber(ARGV[4])

if rate_mt <= 0 or cap_mt <= 0 then
  return {1, 0, cap_mt}
end
if cost_mt > cap_mt then
  cost_mt = cap_mt
end

local state = redis.call("HMGET", bucket, "mt", "at")
local level = tonumber(state[1])
local at = tonumber(state[2])
if level == nil then level = cap_mt end
if at == nil then at = now_ms end

local elapsed = now_ms - at
if elapsed > 0 then
  level = level + (elapsed * rate_mt) / 1000
  if level > cap_mt then level = cap_mt end
end

if level >= cost_mt then
  level = level - cost_mt
  redis.call("HMSET", bucket, "mt", level, "at", now_ms)
  redis.call("PEXPIRE", bucket, math.ceil(cap_mt / rate_mt * 2000))
  return {1, 0, level}
end

redis.call("HMSET", bucket, "mt", level, "at", now_ms)
redis.call("PEXPIRE", bucket, math.ceil(cap_mt / rate_mt * 2000))
local wait_ms = math.ceil((cost_mt - level) * 1000 / rate_mt)
return {0, wait_ms, level}
`

// RateLimiter 是基于 Redis 的加权令牌桶：同一上游主机的所有调用
// （跨进程）共享一个桶，单次调用按其请求体量扣取多个令牌。
type RateLimiter struct {
	rdb    *redis.Client
	key    string
	rate   float64 // 令牌/秒
	burst  float64 // 桶容量（令牌）
	logger *slog.Logger
	script *redis.Script
}

func NewRedisRateLimiter(rdb *redis.Client, logger *slog.Logger, key string, rate float64, burst float64) *RateLimiter {
	if key == "" {
		key = "pharmwatch:ratelimit:default"
	}
	return &RateLimiter{
		rdb:    rdb,
		key:    key,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(bucketLua),
	}
}

// Acquire 取 1 个令牌，阻塞直到成功或 ctx 被取消。
func (r *RateLimiter) Acquire(ctx context.Context) error {
	return r.AcquireN(ctx, 1)
}

// AcquireN 取 cost 个令牌。上游客户端按 pageSize 折算 cost，
// 让大结果页的调用付出与其体量相称的配额。
func (r *RateLimiter) AcquireN(ctx context.Context, cost int) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return nil
	}
	if cost < 1 {
		cost = 1
	}

	const jitterMax = 10 * time.Millisecond
	start := time.Now()
	for {
		allowed, waitMs, remaining, err := r.tryAcquire(ctx, cost)
		if err != nil {
			return err
		}
		metrics.RateLimitTokensRemaining.Set(float64(remaining) / 1000)
		if allowed {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		if jitterMax > 0 {
			wait += time.Duration(rand.Int63n(int64(jitterMax)))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

func (r *RateLimiter) tryAcquire(ctx context.Context, cost int) (bool, int64, int64, error) {
	now := time.Now().UnixMilli()
	res, err := r.script.Run(ctx, r.rdb, []string{r.key},
		int64(r.rate*1000), int64(r.burst*1000), now, int64(cost)*1000,
	).Result()
	if err != nil {
		return false, 0, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 3 {
		return false, 0, 0, fmt.Errorf("ratelimit invalid result")
	}

	allowed := toInt64(values[0]) == 1
	waitMs := toInt64(values[1])
	remaining := toInt64(values[2])
	return allowed, waitMs, remaining, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}
