package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pharmwatch/internal/config"
	"pharmwatch/internal/errs"
	"pharmwatch/internal/pkg/metrics"
)

const (
	loginPath = "/ysb-user/api/auth/webLogin/v4270"

	// 上游不返回过期时间，按原站会话经验取 24 小时。
	defaultTokenTTL = 24 * time.Hour
)

// tokenCache 是磁盘上的 Token 缓存记录。
type tokenCache struct {
	Token      string    `json:"token"`
	ObtainedAt time.Time `json:"obtained_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// TokenBroker 负责获取、缓存与刷新上游会话 Token。
//
// 并发约束：同一进程内最多一个在途登录；刷新期间其他调用者
// 阻塞等待同一结果。缓存文件通过临时文件 + rename 原子替换。
type TokenBroker struct {
	cfg    *config.UpstreamConfig
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	cached tokenCache
	loaded bool // 是否已尝试过读缓存文件
}

// NewTokenBroker 创建 Token 管理器。
func NewTokenBroker(cfg *config.UpstreamConfig, logger *slog.Logger) *TokenBroker {
	return &TokenBroker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.CallTimeout},
		logger: logger,
	}
}

// Get 返回一个可用的 Token 及其过期时间。
//
// 优先使用内存缓存，其次读磁盘缓存，都不可用时执行登录交换。
// 登录失败返回 AuthError，对当前操作是终止性的。
func (b *TokenBroker) Get(ctx context.Context) (string, time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cached.Token != "" && time.Now().Before(b.cached.ExpiresAt) {
		return b.cached.Token, b.cached.ExpiresAt, nil
	}

	if !b.loaded {
		b.loaded = true
		if cached, err := b.loadCacheFile(); err == nil {
			b.cached = cached
			if cached.Token != "" && time.Now().Before(cached.ExpiresAt) {
				b.logger.Debug("using cached upstream token",
					slog.Time("expires_at", cached.ExpiresAt))
				return cached.Token, cached.ExpiresAt, nil
			}
		}
	}

	cache, err := b.login(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	b.cached = cache
	if err := b.saveCacheFile(cache); err != nil {
		b.logger.Warn("persist token cache failed", slog.String("error", err.Error()))
	}
	return cache.Token, cache.ExpiresAt, nil
}

// Invalidate 作废当前缓存，下一次 Get 会强制刷新。
//
// 由客户端在收到 401/403 或上游 "Token 过期" 信封码时调用。
func (b *TokenBroker) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cached = tokenCache{}
}

// login 执行登录交换（调用方需持有 b.mu）。
func (b *TokenBroker) login(ctx context.Context) (tokenCache, error) {
	if b.cfg.Phone == "" || b.cfg.Password == "" {
		return tokenCache{}, &errs.AuthError{Message: "upstream credentials not configured"}
	}

	body, err := json.Marshal(map[string]any{
		"phone":     b.cfg.Phone,
		"password":  b.cfg.Password,
		"loginType": 1,
	})
	if err != nil {
		return tokenCache{}, fmt.Errorf("marshal login body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return tokenCache{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("Origin", b.cfg.BaseURL)
	req.Header.Set("Referer", b.cfg.BaseURL+"/")

	resp, err := b.client.Do(req)
	if err != nil {
		return tokenCache{}, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	var env struct {
		Code    flexString `json:"code"`
		Message string     `json:"message"`
		Data    struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return tokenCache{}, fmt.Errorf("decode login response: %w", err)
	}

	if string(env.Code) != "0" || env.Data.Token == "" {
		return tokenCache{}, &errs.AuthError{Message: env.Message}
	}

	metrics.TokenRefreshTotal.Inc()
	now := time.Now()
	b.logger.Info("upstream login succeeded")
	return tokenCache{
		Token:      env.Data.Token,
		ObtainedAt: now,
		ExpiresAt:  now.Add(defaultTokenTTL),
	}, nil
}

func (b *TokenBroker) loadCacheFile() (tokenCache, error) {
	data, err := os.ReadFile(b.cfg.TokenCachePath)
	if err != nil {
		return tokenCache{}, err
	}
	var cache tokenCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return tokenCache{}, fmt.Errorf("parse token cache: %w", err)
	}
	return cache, nil
}

// saveCacheFile 原子写入缓存文件（临时文件 + rename）。
func (b *TokenBroker) saveCacheFile(cache tokenCache) error {
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token cache: %w", err)
	}

	dir := filepath.Dir(b.cfg.TokenCachePath)
	tmp, err := os.CreateTemp(dir, ".token_cache_*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp cache: %w", err)
	}
	if err := os.Rename(tmpName, b.cfg.TokenCachePath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename token cache: %w", err)
	}
	return nil
}
