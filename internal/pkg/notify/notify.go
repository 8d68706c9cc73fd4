package notify

import (
	"context"

	"pharmwatch/internal/model"
)

// Notifier 定义告警通知接口。
type Notifier interface {
	// Send 发送一条监控告警。
	//
	// 参数:
	//   ctx: 上下文
	//   drug: 触发告警的药品
	//   alert: 告警内容（kind / message / 新旧价格）
	//   toEmail: 接收邮箱
	Send(ctx context.Context, drug *model.Drug, alert *model.Alert, toEmail string) error
}
