package errs

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// 错误分类：上游交互、浏览器采集与持久化各自有独立的错误变体，
// 调用方通过 errors.As / errors.Is 判断类别并决定重试或降级策略。

// AuthError 表示凭证交换失败，对当前操作是终止性的。
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "upstream auth failed"
	}
	return "upstream auth failed: " + e.Message
}

// UpstreamClientError 表示上游返回了 HTTP 层错误（4xx/5xx）。
type UpstreamClientError struct {
	Status      int
	BodyExcerpt string
}

func (e *UpstreamClientError) Error() string {
	return fmt.Sprintf("upstream http %d: %s", e.Status, e.BodyExcerpt)
}

// UpstreamProtocolError 表示上游信封中的业务状态码非成功值。
type UpstreamProtocolError struct {
	Code    string
	Message string
}

func (e *UpstreamProtocolError) Error() string {
	return fmt.Sprintf("upstream code %s: %s", e.Code, e.Message)
}

// RateLimited 表示上游明确要求限速，RetryAfter 为建议的等待时间。
type RateLimited struct {
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited by upstream, retry after %s", e.RetryAfter)
}

// BrowserHarvestError 表示浏览器采集失败，属于可恢复错误：
// 采集编排器可以退回到仅使用接口数据。
type BrowserHarvestError struct {
	Reason string
}

func (e *BrowserHarvestError) Error() string {
	return "browser harvest failed: " + e.Reason
}

// NormalizationError 表示输入无法被标准化器解释，该条记录会被丢弃。
type NormalizationError struct {
	Input string
}

func (e *NormalizationError) Error() string {
	return "cannot normalize input: " + e.Input
}

// PersistenceError 表示数据库写入失败，所在身份的事务已回滚。
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsAuth 判断 err 是否为认证错误。
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRecoverable 判断 err 对单个关键词是否值得重试：
// 网络/5xx/浏览器错误可恢复；认证失败与协议错误不重试。
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var (
		be *BrowserHarvestError
		ce *UpstreamClientError
		rl *RateLimited
	)
	if errors.As(err, &be) || errors.As(err, &rl) {
		return true
	}
	if errors.As(err, &ce) {
		return ce.Status >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}
