package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pharmwatch/internal/upstream"

	"github.com/redis/go-redis/v9"
)

const (
	KeyHarvestQueue           = "pharmwatch:queue:harvest"
	KeyHarvestProcessingQueue = "pharmwatch:queue:harvest:processing"
	KeyHarvestPendingSet      = "pharmwatch:queue:harvest:pending" // 去重集合
	KeyHarvestStartedHash     = "pharmwatch:queue:harvest:started" // 开始处理时间 (id -> unix timestamp)

	resultKeyPrefix = "pharmwatch:queue:harvest:result:" // 每个请求独立的回执队列
	resultTTL       = 5 * time.Minute
)

var (
	ErrNoTask        = errors.New("no harvest task available")
	ErrResultTimeout = errors.New("harvest result timeout")
	ErrTaskExists    = errors.New("harvest task already in queue")
)

// 采集请求类型。
const (
	HarvestKindOffers = "offers" // 关键词 -> 供应商报价列表
	HarvestKindDetail = "detail" // 药品详情页 -> 批准文号等信号
)

// HarvestRequest 是 API 进程发给浏览器采集进程的一次采集请求。
type HarvestRequest struct {
	ID        string `json:"id"` // 请求唯一标识，同时是回执队列的键
	Kind      string `json:"kind"`
	Keyword   string `json:"keyword,omitempty"`
	DrugID    int64  `json:"drug_id,omitempty"` // detail 模式的上游药品 ID
	MaxCount  int    `json:"max_count,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// HarvestResult 是采集进程的回执。
type HarvestResult struct {
	ID           string                  `json:"id"`
	Offers       []upstream.Offer        `json:"offers,omitempty"`
	Detail       *upstream.DetailSignals `json:"detail,omitempty"`
	ErrorMessage string                  `json:"error_message,omitempty"`
}

// Client wraps Redis List operations for the harvest task/result queues.
//
// API 进程推送请求后在各自的回执队列上阻塞等待；爬虫进程弹出请求、
// 执行浏览器采集、把结果推回回执队列。processing 队列与 started 哈希
// 用于 Janitor 救援卡死的任务。
type Client struct {
	rdb *redis.Client
}

// NewClient creates a redisqueue client with address/password.
func NewClient(addr, password string) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       0,
		}),
	}
}

// NewClientWithRedis creates a redisqueue client from an existing redis.Client.
func NewClientWithRedis(rdb *redis.Client) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Client{rdb: rdb}, nil
}

// pushTaskScript 原子性地执行 SADD + LPUSH，避免中间状态不一致。
// KEYS[1] = pending set, KEYS[2] = task queue
// ARGV[1] = request id, ARGV[2] = request JSON
// 返回: 1 = 成功推送, 0 = 请求已存在
var pushTaskScript = redis.NewScript(`
	local added = redis.call('SADD', KEYS[1], ARGV[1])
	if added == 0 then
		return 0
	end
	redis.call('LPUSH', KEYS[2], ARGV[2])
	return 1
`)

// PushHarvest serializes a HarvestRequest and pushes it into the queue.
func (c *Client) PushHarvest(ctx context.Context, req *HarvestRequest) error {
	if req == nil {
		return errors.New("request is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if req.ID == "" {
		return errors.New("request id is empty")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal harvest request: %w", err)
	}

	result, err := pushTaskScript.Run(ctx, c.rdb,
		[]string{KeyHarvestPendingSet, KeyHarvestQueue},
		req.ID, string(data),
	).Int()
	if err != nil {
		return fmt.Errorf("push harvest script: %w", err)
	}

	if result == 0 {
		return ErrTaskExists
	}
	return nil
}

// PopHarvest blocks until a harvest request is available or timeout is reached.
// 同时记录任务开始处理的时间到 KeyHarvestStartedHash。
func (c *Client) PopHarvest(ctx context.Context, timeout time.Duration) (*HarvestRequest, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}
	result, err := c.rdb.BRPopLPush(ctx, KeyHarvestQueue, KeyHarvestProcessingQueue, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush harvest: %w", err)
	}

	var req HarvestRequest
	if err := json.Unmarshal([]byte(result), &req); err != nil {
		return nil, fmt.Errorf("unmarshal harvest request: %w", err)
	}

	if req.ID != "" {
		c.rdb.HSet(ctx, KeyHarvestStartedHash, req.ID, time.Now().Unix())
	}

	return &req, nil
}

// PushResult pushes a HarvestResult into the request's reply queue.
// 回执队列带 TTL，调用方超时放弃后不会留下垃圾。
func (c *Client) PushResult(ctx context.Context, res *HarvestResult) error {
	if res == nil {
		return errors.New("result is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if res.ID == "" {
		return errors.New("result id is empty")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal harvest result: %w", err)
	}
	key := resultKeyPrefix + res.ID
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, string(data))
	pipe.Expire(ctx, key, resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("lpush harvest result: %w", err)
	}
	return nil
}

// WaitResult blocks on the request's reply queue until a result arrives
// or timeout is reached.
func (c *Client) WaitResult(ctx context.Context, requestID string, timeout time.Duration) (*HarvestResult, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}
	if requestID == "" {
		return nil, errors.New("request id is empty")
	}

	result, err := c.rdb.BRPop(ctx, timeout, resultKeyPrefix+requestID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrResultTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("brpop harvest result: %w", err)
	}
	if len(result) < 2 {
		return nil, fmt.Errorf("invalid brpop response: %v", result)
	}

	var resp HarvestResult
	if err := json.Unmarshal([]byte(result[1]), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal harvest result: %w", err)
	}
	return &resp, nil
}

// ackScript 原子性地从 processing queue 中找到并删除匹配 id 的请求。
// KEYS[1] = processing queue, KEYS[2] = pending set, KEYS[3] = started hash
// ARGV[1] = request id
var ackScript = redis.NewScript(`
	local queue = KEYS[1]
	local pending = KEYS[2]
	local started = KEYS[3]
	local reqId = ARGV[1]

	local tasks = redis.call('LRANGE', queue, 0, -1)
	local removed = 0
	for _, task in ipairs(tasks) do
		if string.find(task, '"id":"' .. reqId .. '"', 1, true) then
			redis.call('LREM', queue, 1, task)
			removed = removed + 1
			break
		end
	end

	redis.call('SREM', pending, reqId)
	redis.call('HDEL', started, reqId)

	return removed
`)

// AckHarvest removes a processed request from the processing queue,
// pending set, and started hash.
func (c *Client) AckHarvest(ctx context.Context, req *HarvestRequest) error {
	if req == nil {
		return errors.New("request is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if req.ID == "" {
		return errors.New("request id is empty")
	}

	_, err := ackScript.Run(ctx, c.rdb,
		[]string{KeyHarvestProcessingQueue, KeyHarvestPendingSet, KeyHarvestStartedHash},
		req.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("ack harvest script: %w", err)
	}

	return nil
}

// QueueDepth returns the current length of the harvest queue and the
// processing queue.
func (c *Client) QueueDepth(ctx context.Context) (int64, int64, error) {
	if c == nil || c.rdb == nil {
		return 0, 0, errors.New("redis client is not initialized")
	}
	tasks, err := c.rdb.LLen(ctx, KeyHarvestQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen harvest: %w", err)
	}
	processing, err := c.rdb.LLen(ctx, KeyHarvestProcessingQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen processing: %w", err)
	}
	return tasks, processing, nil
}

// rescueScript 原子性 rescue：只有当 LREM 成功移除了请求时才 LPUSH，
// 防止多个 Janitor 重复添加。
// KEYS[1] = processing queue, KEYS[2] = harvest queue, KEYS[3] = started hash
// ARGV[1] = request JSON, ARGV[2] = request id
var rescueScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if removed > 0 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
		redis.call('HDEL', KEYS[3], ARGV[2])
		return 1
	end
	return 0
`)

// RescueStuckTasks scans the processing queue and requeues requests that
// exceed timeout, judged by the started hash.
func (c *Client) RescueStuckTasks(ctx context.Context, timeout time.Duration) (int, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}

	startedTimes, err := c.rdb.HGetAll(ctx, KeyHarvestStartedHash).Result()
	if err != nil {
		return 0, fmt.Errorf("hgetall started: %w", err)
	}
	if len(startedTimes) == 0 {
		return 0, nil
	}

	tasksRaw, err := c.rdb.LRange(ctx, KeyHarvestProcessingQueue, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange processing: %w", err)
	}
	if len(tasksRaw) == 0 {
		// processing queue 为空但 started hash 有记录，清理孤立记录
		for id := range startedTimes {
			c.rdb.HDel(ctx, KeyHarvestStartedHash, id)
		}
		return 0, nil
	}

	now := time.Now().Unix()
	threshold := int64(timeout.Seconds())
	rescued := 0

	for _, raw := range tasksRaw {
		var req HarvestRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			continue
		}
		if req.ID == "" {
			continue
		}

		startedStr, ok := startedTimes[req.ID]
		if !ok {
			// 没有记录开始时间，用 CreatedAt 作为后备
			if req.CreatedAt == 0 || now-req.CreatedAt <= threshold {
				continue
			}
		} else {
			var started int64
			if _, err := fmt.Sscanf(startedStr, "%d", &started); err != nil {
				continue
			}
			if now-started <= threshold {
				continue
			}
		}

		result, err := rescueScript.Run(ctx, c.rdb,
			[]string{KeyHarvestProcessingQueue, KeyHarvestQueue, KeyHarvestStartedHash},
			raw, req.ID,
		).Int()
		if err != nil {
			continue
		}
		if result == 1 {
			rescued++
		}
	}

	return rescued, nil
}

// Close closes the underlying redis client.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
