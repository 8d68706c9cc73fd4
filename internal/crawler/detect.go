package crawler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-rod/rod"
)

// 页面检测关键词
var (
	noItemsHints = []string{
		"暂无相关商品",
		"没有找到相关商品",
		"未找到相关结果",
		"暂无数据",
		"无搜索结果",
	}
	blockedHints = []string{
		"cloudflare",
		"attention required",
		"verify you are human",
		"access denied",
		"temporarily unavailable",
		"just a moment",
		"checking your browser",
		"recaptcha",
		"hcaptcha",
		"captcha",
		"403 forbidden",
		"429 too many requests",
		"rate limited",
		"too many requests",
		"err_connection",
		"err_proxy",
		"请完成安全验证",
		"访问过于频繁",
		"请登录",
	}
)

const pageTextCheckTimeout = 2 * time.Second

// containsAny 检查文本是否包含任意一个关键词
func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// getPageBodyText 获取页面 body 文本（带超时保护）
func (s *Service) getPageBodyText(page *rod.Page) string {
	pWithTimeout := page.Timeout(pageTextCheckTimeout)
	body, err := pWithTimeout.Element("body")
	if err != nil {
		return ""
	}
	text, err := body.Text()
	if err != nil {
		return ""
	}
	return text
}

func (s *Service) isNoItemsPage(page *rod.Page) bool {
	// 先检查空状态 DOM 元素
	if elems, err := page.Elements(selEmptyState); err == nil && len(elems) > 0 {
		return true
	}
	// 再检查页面文本
	text := s.getPageBodyText(page)
	return text != "" && containsAny(text, noItemsHints)
}

// detectBlockTypeFromPage 从页面 DOM 检测拦截类型。
func (s *Service) detectBlockTypeFromPage(ctx context.Context, page *rod.Page) string {
	detectCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	p := page.Context(detectCtx)

	// 1. Cloudflare iframe / challenge-form
	if iframe, err := p.Element(`iframe[src*="cloudflare"], iframe[src*="challenges"]`); err == nil && iframe != nil {
		return "cloudflare_challenge"
	}
	if form, err := p.Element(`#challenge-form, #challenge-running, [id*="challenge"]`); err == nil && form != nil {
		return "cloudflare_challenge"
	}

	// 2. CAPTCHA 元素
	if captcha, err := p.Element(`[class*="captcha"], [id*="captcha"], .g-recaptcha, .h-captcha`); err == nil && captcha != nil {
		return "captcha"
	}

	// 3. 登录跳转（上游对未登录会话把搜索页重定向到登录）
	if login, err := p.Element(`input[type="password"], [class*="login-form"]`); err == nil && login != nil {
		return "login_redirect"
	}

	// 4. 标题与正文的封锁特征
	if info, err := p.Info(); err == nil {
		title := strings.ToLower(info.Title)
		if title == "about:blank" || title == "" {
			return "blank_page"
		}
		blockedTitles := []string{"just a moment", "attention required", "access denied", "403 forbidden"}
		for _, blocked := range blockedTitles {
			if strings.Contains(title, blocked) {
				return "blocked_title"
			}
		}
	}

	text := s.getPageBodyText(page)
	if len(text) < 50 {
		return "blank_page"
	}
	if containsAny(strings.ToLower(text), blockedHints) {
		return "blocked_content"
	}

	return ""
}

// ============================================================================
// 错误分类
// ============================================================================

// harvestErrorType 采集错误类型
type harvestErrorType int

const (
	errTypeUnknown harvestErrorType = iota
	errTypeTimeout
	errTypeBlocked    // 被封禁（403/429/Cloudflare/登录跳转等）
	errTypeNetwork    // 网络错误
	errTypeParseError // 解析错误
)

// classifyError 统一的错误分类函数
func classifyError(err error) harvestErrorType {
	if err == nil {
		return errTypeUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errTypeTimeout
	}

	msg := strings.ToLower(err.Error())

	blockedKeywords := []string{
		"blocked_page", "cloudflare", "attention required",
		"access denied", "403", "429", "forbidden", "too many requests",
		"login_redirect", "captcha",
	}
	for _, kw := range blockedKeywords {
		if strings.Contains(msg, kw) {
			return errTypeBlocked
		}
	}

	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return errTypeTimeout
	}

	networkKeywords := []string{"net::", "connection", "navigate"}
	for _, kw := range networkKeywords {
		if strings.Contains(msg, kw) {
			return errTypeNetwork
		}
	}

	if strings.Contains(msg, "parse") || strings.Contains(msg, "extract") {
		return errTypeParseError
	}

	return errTypeUnknown
}

// classifyHarvestError 返回用于 metrics 的错误类型字符串
func classifyHarvestError(err error) string {
	switch classifyError(err) {
	case errTypeTimeout:
		return "timeout"
	case errTypeNetwork:
		return "network_error"
	case errTypeParseError:
		return "parse_error"
	case errTypeBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}
