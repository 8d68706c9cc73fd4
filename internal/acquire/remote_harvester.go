package acquire

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/pkg/redisqueue"
	"pharmwatch/internal/upstream"
)

// RemoteHarvester 把浏览器采集请求派发给爬虫进程并阻塞等待回执。
//
// API 进程与爬虫进程之间通过 Redis List 队列通信；每个请求有独立的
// 回执队列，超时放弃的回执由 TTL 自行过期。
type RemoteHarvester struct {
	queue   *redisqueue.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewRemoteHarvester 创建远程采集代理。timeout 应当覆盖浏览器
// 页面总超时加排队余量。
func NewRemoteHarvester(queue *redisqueue.Client, timeout time.Duration, logger *slog.Logger) *RemoteHarvester {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &RemoteHarvester{
		queue:   queue,
		timeout: timeout,
		logger:  logger,
	}
}

// HarvestOffers 实现 Harvester。失败统一包装为 BrowserHarvestError，
// 让编排器可以降级为接口结果。
func (h *RemoteHarvester) HarvestOffers(ctx context.Context, keyword string, maxCount int) ([]upstream.Offer, error) {
	req := &redisqueue.HarvestRequest{
		ID:        newRequestID(),
		Kind:      redisqueue.HarvestKindOffers,
		Keyword:   keyword,
		MaxCount:  maxCount,
		CreatedAt: time.Now().Unix(),
	}

	if err := h.queue.PushHarvest(ctx, req); err != nil {
		return nil, &errs.BrowserHarvestError{Reason: "enqueue: " + err.Error()}
	}

	h.logger.Debug("harvest request dispatched",
		slog.String("request_id", req.ID),
		slog.String("keyword", keyword))

	result, err := h.waitResult(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if result.ErrorMessage != "" {
		return nil, &errs.BrowserHarvestError{Reason: result.ErrorMessage}
	}
	return result.Offers, nil
}

// ExtractDetail 请求详情页信号采集（尽力而为）。
func (h *RemoteHarvester) ExtractDetail(ctx context.Context, drugID int64) (*upstream.DetailSignals, error) {
	req := &redisqueue.HarvestRequest{
		ID:        newRequestID(),
		Kind:      redisqueue.HarvestKindDetail,
		DrugID:    drugID,
		CreatedAt: time.Now().Unix(),
	}

	if err := h.queue.PushHarvest(ctx, req); err != nil {
		return nil, &errs.BrowserHarvestError{Reason: "enqueue: " + err.Error()}
	}

	result, err := h.waitResult(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if result.ErrorMessage != "" {
		return nil, &errs.BrowserHarvestError{Reason: result.ErrorMessage}
	}
	if result.Detail == nil {
		return &upstream.DetailSignals{}, nil
	}
	return result.Detail, nil
}

func (h *RemoteHarvester) waitResult(ctx context.Context, requestID string) (*redisqueue.HarvestResult, error) {
	deadline := h.timeout
	if ctxDeadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(ctxDeadline); remaining < deadline {
			deadline = remaining
		}
	}
	if deadline <= 0 {
		return nil, ctx.Err()
	}

	result, err := h.queue.WaitResult(ctx, requestID, deadline)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if errors.Is(err, redisqueue.ErrResultTimeout) {
			return nil, &errs.BrowserHarvestError{Reason: "harvest result timeout"}
		}
		return nil, &errs.BrowserHarvestError{Reason: err.Error()}
	}
	return result, nil
}

func newRequestID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(buf)
}
