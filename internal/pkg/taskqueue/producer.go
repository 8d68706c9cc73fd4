package taskqueue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Producer 任务生产者，负责发布任务到队列。
//
// 由 API 服务使用：批量采集任务按优先级入队、任务取消指令下发。
type Producer struct {
	queue  *TaskQueue
	logger *slog.Logger
}

// NewProducer 创建一个新的任务生产者。
func NewProducer(rdb *redis.Client, logger *slog.Logger, streamName ...string) *Producer {
	stream := "pharmwatch:task:queue"
	if len(streamName) > 0 && streamName[0] != "" {
		stream = streamName[0]
	}

	return &Producer{
		queue:  NewTaskQueue(rdb, logger, stream),
		logger: logger,
	}
}

// SubmitTask 提交一个 CrawlTask 到队列等待执行。
//
// priority 继承自监控清单条目或操作员请求：紧急（2）路由到紧急流，
// 在积压的例行采集之前被消费。
func (p *Producer) SubmitTask(ctx context.Context, taskID uint, source string, priority int) error {
	if taskID == 0 {
		return fmt.Errorf("invalid task id: %d", taskID)
	}

	if source == "" {
		source = "unknown"
	}

	msg := NewExecuteMessage(taskID, source, priority)
	if err := p.queue.Publish(ctx, msg); err != nil {
		p.logger.Error("submit task failed",
			slog.Uint64("task_id", uint64(taskID)),
			slog.String("source", source),
			slog.String("error", err.Error()))
		return err
	}

	p.logger.Info("task submitted",
		slog.Uint64("task_id", uint64(taskID)),
		slog.String("source", source),
		slog.Int("priority", msg.Priority))

	return nil
}

// CancelTask 发送取消任务的消息（始终紧急投递）。
//
// 取消的权威状态在数据库里（status=cancelled），消息只用于唤醒
// 正在处理该任务的调度器尽快观察到取消。
func (p *Producer) CancelTask(ctx context.Context, taskID uint) error {
	if taskID == 0 {
		return fmt.Errorf("invalid task id: %d", taskID)
	}

	msg := NewCancelMessage(taskID)
	if err := p.queue.Publish(ctx, msg); err != nil {
		p.logger.Error("cancel task message failed",
			slog.Uint64("task_id", uint64(taskID)),
			slog.String("error", err.Error()))
		return err
	}

	p.logger.Info("cancel task message sent",
		slog.Uint64("task_id", uint64(taskID)))

	return nil
}

// QueueLength 获取当前队列长度（紧急流 + 普通流）。
func (p *Producer) QueueLength(ctx context.Context) (int64, error) {
	return p.queue.StreamInfo(ctx)
}
