package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"

	"pharmwatch/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// 采集接口可能要等一次完整的浏览器通道，慢请求阈值放宽到页面超时级别。
const slowRequestThreshold = 30 * time.Second

// RequestLogger 记录请求日志并喂 HTTP 指标。
//
// 每个请求分配（或透传）一个 X-Request-ID，写回响应头并挂到 gin
// 上下文里，采集/调度日志可以用它和操作台的一次点击对上。指标按
// 路由模板聚合，避免 /tasks/:id 之类的路径把标签打爆。
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = newRequestID()
		}
		c.Set("requestID", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		method := c.Request.Method

		// 指标用路由模板，日志用真实路径
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, route).Observe(latency.Seconds())

		if logger == nil {
			return
		}

		attrs := []any{
			slog.String("request_id", requestID),
			slog.String("method", method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.String("client_ip", c.ClientIP()),
			slog.String("latency", latency.String()),
			slog.Int("bytes", c.Writer.Size()),
		}
		if operator := c.GetString("operator"); operator != "" {
			attrs = append(attrs, slog.String("operator", operator))
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.Error("http request", attrs...)
		case latency > slowRequestThreshold:
			logger.Warn("slow http request", attrs...)
		default:
			logger.Info("http request", attrs...)
		}
	}
}

func newRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(buf)
}
