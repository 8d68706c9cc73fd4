package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// TaskQueue 封装 Redis Streams 的任务队列操作。
//
// 每个逻辑队列由两条 Stream 组成：紧急流（<name>:urgent）与普通流。
// 紧急优先级的监控关键词与取消指令走紧急流，消费侧先读紧急流，
// 保证积压的例行采集不会挡住操作员的手工指令。
type TaskQueue struct {
	rdb        *redis.Client
	logger     *slog.Logger
	streamName string // 普通流名称，如 "pharmwatch:task:queue"
}

// NewTaskQueue 创建一个新的任务队列实例。
func NewTaskQueue(rdb *redis.Client, logger *slog.Logger, streamName string) *TaskQueue {
	if streamName == "" {
		streamName = "pharmwatch:task:queue"
	}
	return &TaskQueue{
		rdb:        rdb,
		logger:     logger,
		streamName: streamName,
	}
}

// urgentStream 返回紧急流名称。
func (q *TaskQueue) urgentStream() string {
	return q.streamName + ":urgent"
}

// streamFor 按消息优先级选择投递流。
func (q *TaskQueue) streamFor(msg *TaskMessage) string {
	if msg != nil && msg.Priority >= 2 {
		return q.urgentStream()
	}
	return q.streamName
}

// Publish 发布一条任务消息，按优先级路由到紧急流或普通流。
func (q *TaskQueue) Publish(ctx context.Context, msg *TaskMessage) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return q.publishRaw(ctx, q.streamFor(msg), map[string]interface{}{
		"data": string(data),
	})
}

func (q *TaskQueue) publishRaw(ctx context.Context, stream string, values map[string]interface{}) error {
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: 100000,
		Approx: false,
		Values: values,
	}

	msgID, err := q.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}

	q.logger.Debug("task message published",
		slog.String("stream", stream),
		slog.String("msg_id", msgID))

	return nil
}

// CreateConsumerGroup 在紧急流与普通流上创建消费者组，已存在时忽略。
func (q *TaskQueue) CreateConsumerGroup(ctx context.Context, groupName string) error {
	for _, stream := range []string{q.urgentStream(), q.streamName} {
		err := q.rdb.XGroupCreateMkStream(ctx, stream, groupName, "0").Err()
		if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("create consumer group on %s: %w", stream, err)
		}
	}

	q.logger.Info("consumer group ready",
		slog.String("stream", q.streamName),
		slog.String("urgent_stream", q.urgentStream()),
		slog.String("group", groupName))

	return nil
}

// StreamInfo 返回两条流中的消息总数。
func (q *TaskQueue) StreamInfo(ctx context.Context) (int64, error) {
	var total int64
	for _, stream := range []string{q.urgentStream(), q.streamName} {
		length, err := q.rdb.XLen(ctx, stream).Result()
		if err != nil {
			return 0, fmt.Errorf("xlen %s: %w", stream, err)
		}
		total += length
	}
	return total, nil
}

// marshalMessage 序列化消息（死信流记录用）。
func marshalMessage(msg *TaskMessage) (string, error) {
	data, err := json.Marshal(msg)
	return string(data), err
}

// parseMessage 解析 Redis Stream 消息。
func parseMessage(data string) (*TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}
