package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pharmwatch/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// Consumer 任务消费者，负责从紧急流与普通流中读取并处理任务。
//
// 重试模型：失败的消息不重新发布，而是保持未确认，靠 Stream 自身的
// 投递计数与 XAUTOCLAIM 空闲回收实现延迟重投——pendingIdle 就是
// 天然的重试退避。投递次数超过 maxRetry 的消息进入死信流。
type Consumer struct {
	queue            *TaskQueue
	logger           *slog.Logger
	groupName        string // 消费者组名称
	consumerID       string // 消费者唯一标识
	blockTime        time.Duration
	batchSize        int64
	pendingIdle      time.Duration // 未确认消息重投前的空闲时间（= 重试退避）
	pendingStart     map[string]string
	deadLetterStream string
	maxRetry         int
}

// FailureAction indicates how a failed message is handled.
type FailureAction string

const (
	FailureActionNone  FailureAction = "none"
	FailureActionRetry FailureAction = "retry"
	FailureActionDLQ   FailureAction = "dlq"
)

// GroupName 返回消费者组名称。
func (c *Consumer) GroupName() string {
	return c.groupName
}

// ConsumerOption 消费者配置选项。
type ConsumerOption func(*Consumer)

// WithBlockTime 设置阻塞等待时间。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.blockTime = d
	}
}

// WithBatchSize 设置每次读取的消息数量。
func WithBatchSize(size int64) ConsumerOption {
	return func(c *Consumer) {
		c.batchSize = size
	}
}

// WithPendingIdle 设置未确认消息被重投前的最小空闲时间。
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.pendingIdle = d
	}
}

// WithDeadLetterStream 设置死信 Stream 名称。
func WithDeadLetterStream(stream string) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetterStream = stream
	}
}

// WithMaxRetry 设置最大投递次数（超过后进入死信流）。
func WithMaxRetry(maxRetry int) ConsumerOption {
	return func(c *Consumer) {
		c.maxRetry = maxRetry
	}
}

// NewConsumer 创建一个新的任务消费者。
//
// 会自动在两条流上创建消费者组（如果不存在）。
func NewConsumer(rdb *redis.Client, logger *slog.Logger, streamName string, groupName string, consumerID string, opts ...ConsumerOption) (*Consumer, error) {
	if groupName == "" {
		return nil, fmt.Errorf("group name is required")
	}

	if consumerID == "" {
		consumerID = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}

	if streamName == "" {
		streamName = "pharmwatch:task:queue"
	}

	c := &Consumer{
		queue:            NewTaskQueue(rdb, logger, streamName),
		logger:           logger,
		groupName:        groupName,
		consumerID:       consumerID,
		blockTime:        1 * time.Second, // 默认阻塞1秒
		batchSize:        10,              // 默认每次读取10条
		pendingIdle:      1 * time.Minute,
		deadLetterStream: streamName + ":dlq",
		maxRetry:         3,
	}
	c.pendingStart = map[string]string{
		c.queue.urgentStream(): "0-0",
		c.queue.streamName:     "0-0",
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.queue.CreateConsumerGroup(context.Background(), groupName); err != nil {
		return nil, err
	}

	c.logger.Info("consumer created",
		slog.String("group", groupName),
		slog.String("consumer_id", consumerID))

	return c, nil
}

// MessageWithID 包含来源流与消息 ID 的任务消息。
type MessageWithID struct {
	ID      string       // Redis Stream 消息 ID
	Stream  string       // 来源流（紧急流或普通流）
	Message *TaskMessage // 任务消息内容
}

// Read 从队列中读取任务消息。
//
// 先回收达到空闲阈值的未确认消息（失败重投走这里），再读新消息；
// 两步都是紧急流优先。
func (c *Consumer) Read(ctx context.Context) ([]*MessageWithID, error) {
	pending, err := c.readPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}

	return c.readNew(ctx)
}

func (c *Consumer) readPending(ctx context.Context) ([]*MessageWithID, error) {
	for _, stream := range []string{c.queue.urgentStream(), c.queue.streamName} {
		messages, nextStart, err := c.queue.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    c.groupName,
			Consumer: c.consumerID,
			MinIdle:  c.pendingIdle,
			Start:    c.pendingStart[stream],
			Count:    c.batchSize,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("xautoclaim %s failed: %w", stream, err)
		}
		if nextStart != "" {
			c.pendingStart[stream] = nextStart
		}

		if len(messages) > 0 {
			metrics.TaskAutoClaimTotal.Add(float64(len(messages)))
			return c.parseMessages(ctx, stream, messages)
		}
	}
	return nil, nil
}

func (c *Consumer) readNew(ctx context.Context) ([]*MessageWithID, error) {
	// 紧急流排在前面：XREADGROUP 按流顺序返回，紧急积压先出
	streams, err := c.queue.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.groupName,
		Consumer: c.consumerID,
		Streams:  []string{c.queue.urgentStream(), c.queue.streamName, ">", ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var parsed []*MessageWithID
	for _, stream := range streams {
		batch, err := c.parseMessages(ctx, stream.Stream, stream.Messages)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, batch...)
	}
	return parsed, nil
}

func (c *Consumer) parseMessages(ctx context.Context, stream string, messages []redis.XMessage) ([]*MessageWithID, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	now := time.Now()
	parsed := make([]*MessageWithID, 0, len(messages))
	for _, msg := range messages {
		data, ok := msg.Values["data"].(string)
		if !ok || data == "" {
			c.logger.Warn("invalid message format",
				slog.String("stream", stream),
				slog.String("msg_id", msg.ID))
			c.handlePoisonMessage(ctx, stream, msg.ID, fmt.Sprintf("%v", msg.Values["data"]), "invalid message format")
			continue
		}

		taskMsg, err := parseMessage(data)
		if err != nil {
			c.logger.Error("parse message failed",
				slog.String("stream", stream),
				slog.String("msg_id", msg.ID),
				slog.String("error", err.Error()))
			c.handlePoisonMessage(ctx, stream, msg.ID, data, err.Error())
			continue
		}

		// 流内滞留时间：调度积压的直接观测口
		if !taskMsg.Timestamp.IsZero() {
			metrics.TaskStreamLag.Observe(now.Sub(taskMsg.Timestamp).Seconds())
		}

		parsed = append(parsed, &MessageWithID{
			ID:      msg.ID,
			Stream:  stream,
			Message: taskMsg,
		})
	}

	if len(parsed) > 0 {
		c.logger.Debug("messages read",
			slog.String("stream", stream),
			slog.Int("count", len(parsed)))
	}

	return parsed, nil
}

// Ack 确认消息已处理。
func (c *Consumer) Ack(ctx context.Context, msg *MessageWithID) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	acked, err := c.queue.rdb.XAck(ctx, msg.Stream, c.groupName, msg.ID).Result()
	if err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}

	if acked == 0 {
		c.logger.Warn("message not acked (may already be acked)",
			slog.String("msg_id", msg.ID))
	}

	return nil
}

// deliveryCount 查询一条未确认消息的投递次数。
func (c *Consumer) deliveryCount(ctx context.Context, stream, msgID string) (int64, error) {
	entries, err := c.queue.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.groupName,
		Start:  msgID,
		End:    msgID,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending failed: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].RetryCount, nil
}

// HandleFailure 处理失败的消息。
//
// 投递次数未超限时保持未确认：消息会在空闲 pendingIdle 后被
// XAUTOCLAIM 重投，空闲时间就是重试退避。超限则写入死信流并确认。
func (c *Consumer) HandleFailure(ctx context.Context, msg *MessageWithID, cause error) (FailureAction, error) {
	if msg == nil || msg.Message == nil {
		return FailureActionNone, fmt.Errorf("message is nil")
	}

	deliveries, err := c.deliveryCount(ctx, msg.Stream, msg.ID)
	if err != nil {
		return FailureActionNone, err
	}

	if deliveries > int64(c.maxRetry) {
		if err := c.publishDeadLetter(ctx, msg.ID, msg.Message, cause); err != nil {
			return FailureActionDLQ, err
		}
		metrics.TaskDLQTotal.Inc()
		c.logger.Warn("task message moved to dead letter stream",
			slog.Uint64("task_id", uint64(msg.Message.TaskID)),
			slog.Int64("deliveries", deliveries),
			slog.String("cause", cause.Error()))
		return FailureActionDLQ, c.Ack(ctx, msg)
	}

	c.logger.Info("task message left pending for redelivery",
		slog.Uint64("task_id", uint64(msg.Message.TaskID)),
		slog.Int64("deliveries", deliveries),
		slog.String("retry_after", c.pendingIdle.String()))
	return FailureActionRetry, nil
}

func (c *Consumer) handlePoisonMessage(ctx context.Context, stream, msgID string, payload string, reason string) {
	if err := c.publishDeadLetter(ctx, msgID, payload, errors.New(reason)); err != nil {
		c.logger.Error("publish dead letter failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
	metrics.TaskDLQTotal.Inc()
	if err := c.Ack(ctx, &MessageWithID{ID: msgID, Stream: stream}); err != nil {
		c.logger.Error("ack poison message failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
}

func (c *Consumer) publishDeadLetter(ctx context.Context, msgID string, payload interface{}, cause error) error {
	raw := payload
	if msg, ok := payload.(*TaskMessage); ok {
		if data, err := marshalMessage(msg); err == nil {
			raw = data
		}
	}

	return c.queue.publishRaw(ctx, c.deadLetterStream, map[string]interface{}{
		"original_id": msgID,
		"payload":     raw,
		"reason":      cause.Error(),
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Pending 获取两条流上待处理的消息总数。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	var total int64
	for _, stream := range []string{c.queue.urgentStream(), c.queue.streamName} {
		info, err := c.queue.rdb.XPending(ctx, stream, c.groupName).Result()
		if err != nil {
			return 0, fmt.Errorf("xpending %s failed: %w", stream, err)
		}
		total += info.Count
	}
	return total, nil
}
