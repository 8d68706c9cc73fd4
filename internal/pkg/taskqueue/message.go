package taskqueue

import "time"

// TaskMessage 表示批量采集任务队列中的消息。
//
// 消息只携带 CrawlTask 的引用与路由信息：重试次数不再写在消息里，
// 由 Stream 本身的投递计数追踪（见 consumer.HandleFailure）。
type TaskMessage struct {
	TaskID    uint      `json:"task_id"`  // CrawlTask ID
	Action    string    `json:"action"`   // 操作类型: "execute" (执行任务), "cancel" (取消任务)
	Priority  int       `json:"priority"` // 0 普通 / 1 重要 / 2 紧急（紧急走独立 Stream 优先消费）
	Timestamp time.Time `json:"timestamp"` // 消息创建时间（用于计算流内滞留时间）
	Source    string    `json:"source"`   // 消息来源: "operator" (手工提交), "watchlist" (清单轮询)
}

// NewExecuteMessage 创建一个执行任务的消息。
func NewExecuteMessage(taskID uint, source string, priority int) *TaskMessage {
	if priority < 0 {
		priority = 0
	}
	if priority > 2 {
		priority = 2
	}
	return &TaskMessage{
		TaskID:    taskID,
		Action:    "execute",
		Priority:  priority,
		Timestamp: time.Now(),
		Source:    source,
	}
}

// NewCancelMessage 创建一个取消任务的消息。取消指令始终按紧急投递，
// 让正在运行该任务的调度器尽快观察到。
func NewCancelMessage(taskID uint) *TaskMessage {
	return &TaskMessage{
		TaskID:    taskID,
		Action:    "cancel",
		Priority:  2,
		Timestamp: time.Now(),
		Source:    "system",
	}
}
