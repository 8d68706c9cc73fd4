package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"pharmwatch/internal/upstream"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// 页面元素选择器（上游 SPA 的商品卡片结构）。
const (
	selGoodsCard     = ".all-goods-wrapper"
	selGoodsName     = ".goods-name"
	selGoodsPrice    = ".goods-price-all"
	selGoodsSupplier = ".goods-footer-info"
	selGoodsMfr      = ".goods-manufacturer"
	selGoodsSpec     = ".goods-spec, .specification"
	selEmptyState    = ".empty-state, .no-result, .el-empty"
)

var (
	cardPriceRe = regexp.MustCompile(`[¥￥]?\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	// 已知批准文号格式
	approvalRe = regexp.MustCompile(`国药准字[HZSJB]\d{8}|国械注[准进][\p{Han}0-9]{0,20}\d+号?|卫妆准字[\p{Han}0-9()（）-]{0,24}|国妆特字[\p{Han}0-9()（）-]{0,24}|国食健字[GJgj]?\d{8,}|卫食健字[(（]?\d{4}[)）]?[\p{Han}0-9]{0,12}`)
	// 详情页 JSON 里批准文号常用的字段名
	approvalFieldNames = []string{
		"approvalNumber", "approval_number", "approvalNo", "approvalNum",
		"licenseNum", "registrationNum",
	}
)

// 高带宽资源与追踪脚本屏蔽列表，降低页面加载压力。
var blockedURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico",
	"*.avif", "*.bmp",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.mp3",
	"*google-analytics*",
	"*googletagmanager*",
	"*doubleclick*",
	"*sentry*",
}

// HarvestOffers 通过浏览器采集一个关键词的逐供应商报价。
//
// 流程:
//  1. 打开新标签页（Stealth 模式）并导航到搜索路由
//  2. 等待商品卡片区域渲染并稳定（≥500ms 无数量变化）
//  3. 滚动触发懒加载直到数量不再增长或达到上限
//  4. 从渲染后的卡片提取 名称/价格/供应商/厂家/规格
//
// 页面在所有退出路径上都会被关闭。
func (s *Service) HarvestOffers(ctx context.Context, keyword string, maxCount int) ([]upstream.Offer, error) {
	if strings.TrimSpace(keyword) == "" {
		return nil, fmt.Errorf("keyword must not be empty")
	}
	if maxCount <= 0 {
		maxCount = s.maxFetchCount
	}
	if maxCount <= 0 {
		maxCount = 100
	}

	harvestStart := time.Now()
	url := BuildSearchURL(s.cfg.Upstream.BaseURL, keyword)

	page, err := s.openPage(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = page.Close() }()

	// 等待卡片区域出现；空结果页同样是合法终态
	if err := s.waitForCards(ctx, page); err != nil {
		if isNoResultsState(err) || s.isNoItemsPage(page) {
			s.logger.Info("no goods found",
				slog.String("keyword", keyword),
				slog.Duration("duration", time.Since(harvestStart)))
			return []upstream.Offer{}, nil
		}
		if blockType := s.detectBlockTypeFromPage(ctx, page); blockType != "" {
			s.logger.Warn("detected blocked page",
				slog.String("keyword", keyword),
				slog.String("block_type", blockType))
			return nil, fmt.Errorf("blocked_page: %s", blockType)
		}
		return nil, fmt.Errorf("wait for goods cards: %w", err)
	}

	// 卡片区域稳定 + 懒加载滚动
	s.scrollForMore(ctx, page, maxCount)

	elements, err := s.collectCards(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("collect cards: %w", err)
	}
	if len(elements) == 0 {
		return []upstream.Offer{}, nil
	}

	now := time.Now()
	offers := make([]upstream.Offer, 0, len(elements))
	skipCount := 0
	for i, el := range elements {
		if len(offers) >= maxCount {
			break
		}
		offer, err := extractOffer(el)
		if err != nil {
			skipCount++
			if skipCount <= 3 {
				s.logger.Warn("extract card failed",
					slog.String("keyword", keyword),
					slog.Int("index", i),
					slog.String("error", err.Error()))
			}
			continue
		}
		offer.Origin = upstream.OriginBrowser
		offer.SourceURL = url
		offer.CrawledAt = now
		offers = append(offers, offer)
	}

	s.logger.Info("harvest completed",
		slog.String("keyword", keyword),
		slog.Int("count", len(offers)),
		slog.Int("skipped", skipCount),
		slog.Duration("duration", time.Since(harvestStart)))

	return offers, nil
}

// ExtractDetail 采集详情页的批准文号等分类信号（尽力而为）。
//
// 两个策略按序执行:
//  a. 监听网络响应，在 JSON 里递归查找批准文号形状的字段
//  b. 对渲染后的 HTML 做批准文号正则扫描
func (s *Service) ExtractDetail(ctx context.Context, drugID int64) (*upstream.DetailSignals, error) {
	url := BuildDetailURL(s.cfg.Upstream.BaseURL, drugID)

	page, err := s.openPage(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = page.Close() }()

	// 策略 a：观察网络 JSON 响应
	var (
		mu       sync.Mutex
		approval string
	)
	if err := (proto.NetworkEnable{}).Call(page); err == nil {
		wait := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
			if !strings.Contains(e.Response.MIMEType, "json") {
				return false
			}
			body, err := proto.NetworkGetResponseBody{RequestID: e.RequestID}.Call(page)
			if err != nil || body == nil {
				return false
			}
			if found := findApprovalInJSON([]byte(body.Body)); found != "" {
				mu.Lock()
				if approval == "" {
					approval = found
				}
				mu.Unlock()
			}
			return false
		})
		go wait()
	}

	// 等待页面渲染
	loadCtx, loadCancel := context.WithTimeout(ctx, s.actionTimeout)
	if err := page.Context(loadCtx).WaitLoad(); err != nil {
		s.logger.Debug("detail WaitLoad failed, continuing anyway",
			slog.Int64("drug_id", drugID),
			slog.String("error", err.Error()))
	}
	loadCancel()

	settleCtx, settleCancel := context.WithTimeout(ctx, 3*time.Second)
	<-settleCtx.Done()
	settleCancel()

	mu.Lock()
	fromNetwork := approval
	mu.Unlock()

	signals := &upstream.DetailSignals{ApprovalNumber: fromNetwork}

	// 策略 b：HTML 正则兜底
	if signals.ApprovalNumber == "" {
		if html, err := page.HTML(); err == nil {
			if m := approvalRe.FindString(html); m != "" {
				signals.ApprovalNumber = m
			}
		}
	}

	return signals, nil
}

// openPage 打开新页面：Stealth 脚本、资源屏蔽、UA、导航。
// 每一步都有独立的超时保护，失败时页面被关闭。
func (s *Service) openPage(ctx context.Context, url string) (*rod.Page, error) {
	browser := s.currentBrowser()
	if browser == nil {
		return nil, fmt.Errorf("browser not initialized")
	}

	// 页面创建使用任务 context，外层用 select 做超时保护
	type pageResult struct {
		page *rod.Page
		err  error
	}
	pageResultCh := make(chan pageResult, 1)
	go func() {
		page, pageErr := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
		select {
		case pageResultCh <- pageResult{page: page, err: pageErr}:
		default:
			// 主 goroutine 已超时离开，清理页面
			if page != nil {
				_ = page.Close()
			}
		}
	}()

	pageCreateTimer := time.NewTimer(pageCreateTimeout)
	defer pageCreateTimer.Stop()

	var basePage *rod.Page
	select {
	case result := <-pageResultCh:
		if result.err != nil {
			return nil, fmt.Errorf("create page failed: %w", result.err)
		}
		basePage = result.page
	case <-pageCreateTimer.C:
		return nil, fmt.Errorf("create page timeout after %v", pageCreateTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled during page creation: %w", ctx.Err())
	}

	// Stealth 脚本
	stealthTimer := time.NewTimer(stealthScriptTimeout)
	defer stealthTimer.Stop()
	stealthDone := make(chan error, 1)
	go func() {
		_, evalErr := basePage.EvalOnNewDocument(stealth.JS)
		stealthDone <- evalErr
	}()
	select {
	case err := <-stealthDone:
		if err != nil {
			_ = basePage.Close()
			return nil, fmt.Errorf("apply stealth script: %w", err)
		}
	case <-stealthTimer.C:
		_ = basePage.Close()
		return nil, fmt.Errorf("apply stealth script timeout after %v", stealthScriptTimeout)
	case <-ctx.Done():
		_ = basePage.Close()
		return nil, fmt.Errorf("context cancelled during stealth script: %w", ctx.Err())
	}

	page := basePage
	if err := (proto.NetworkSetBlockedURLs{Urls: blockedURLs}).Call(page); err != nil {
		s.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}

	page = page.Timeout(s.pageTimeout)
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.defaultUA}); err != nil {
		s.logger.Warn("set user agent failed", slog.String("error", err.Error()))
	}

	s.logger.Debug("loading page", slog.String("url", url))

	navigateCtx, navigateCancel := context.WithTimeout(ctx, s.pageTimeout)
	defer navigateCancel()

	navigateErrCh := make(chan error, 1)
	go func() {
		navigateErrCh <- page.Navigate(url)
	}()
	select {
	case navErr := <-navigateErrCh:
		if navErr != nil {
			_ = page.Close()
			return nil, fmt.Errorf("navigate: %w", navErr)
		}
	case <-navigateCtx.Done():
		_ = page.Close()
		return nil, fmt.Errorf("navigate timeout: %w", navigateCtx.Err())
	}

	// 等待页面加载完成（DOM + 资源）
	loadCtx, loadCancel := context.WithTimeout(ctx, s.actionTimeout)
	defer loadCancel()
	if err := page.Context(loadCtx).WaitLoad(); err != nil {
		s.logger.Debug("WaitLoad failed, continuing anyway", slog.String("error", err.Error()))
	}

	return page, nil
}

// errNoResults 表示搜索结果为空的合法终态。
var errNoResults = fmt.Errorf("no_results_state")

func isNoResultsState(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no_results_state")
}

// waitForCards 等待商品卡片或空状态出现。
func (s *Service) waitForCards(ctx context.Context, page *rod.Page) error {
	raceCtx, raceCancel := context.WithTimeout(ctx, s.actionTimeout)
	defer raceCancel()

	raceErrCh := make(chan error, 1)
	go func() {
		_, raceErr := page.Race().
			Element(selGoodsCard).Handle(func(e *rod.Element) error {
			return nil
		}).
			Element(selEmptyState).Handle(func(e *rod.Element) error {
			return errNoResults
		}).
			Do()
		raceErrCh <- raceErr
	}()

	select {
	case err := <-raceErrCh:
		return err
	case <-raceCtx.Done():
		return fmt.Errorf("race timeout: %w", raceCtx.Err())
	}
}

// scrollForMore 滚动触发懒加载，直到卡片数达到 limit、连续三次无增长
// 或总超时。每轮滚动后等待卡片区域稳定 ≥500ms。
func (s *Service) scrollForMore(ctx context.Context, page *rod.Page, limit int) {
	timeout := time.After(s.pageTimeout)
	noGrowthAttempts := 0
	lastCount := -1

ScrollLoop:
	for {
		currentCount, err := s.countCards(ctx, page)
		if err != nil {
			break
		}
		if currentCount >= limit {
			break
		}

		// 稳定窗口：数量与上一轮一致则累计无增长
		if currentCount == lastCount {
			noGrowthAttempts++
			if noGrowthAttempts >= 3 && currentCount > 0 {
				break
			}
		} else {
			noGrowthAttempts = 0
		}
		lastCount = currentCount

		// 逐步向下滚动而不是直接到底部，确保 Lazy Load 触发
		_, _ = page.Eval(`() => window.scrollBy(0, window.innerHeight)`)

		select {
		case <-timeout:
			break ScrollLoop
		case <-ctx.Done():
			break ScrollLoop
		case <-time.After(scrollWaitInterval):
		}

		// 稳定判定：等待一个稳定窗口后数量不变才认为渲染完成
		settled, err := s.countCards(ctx, page)
		if err != nil {
			break
		}
		if settled != currentCount {
			select {
			case <-time.After(domSettleWindow):
			case <-ctx.Done():
				break ScrollLoop
			}
		}
	}
}

func (s *Service) countCards(ctx context.Context, page *rod.Page) (int, error) {
	countCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	type countResult struct {
		count int
		err   error
	}
	ch := make(chan countResult, 1)
	go func() {
		elems, err := page.Elements(selGoodsCard)
		if err != nil {
			ch <- countResult{err: err}
			return
		}
		ch <- countResult{count: len(elems)}
	}()

	select {
	case res := <-ch:
		return res.count, res.err
	case <-countCtx.Done():
		return 0, fmt.Errorf("count cards timeout: %w", countCtx.Err())
	}
}

func (s *Service) collectCards(ctx context.Context, page *rod.Page) (rod.Elements, error) {
	collectCtx, cancel := context.WithTimeout(ctx, s.actionTimeout)
	defer cancel()

	type elementsResult struct {
		elements rod.Elements
		err      error
	}
	ch := make(chan elementsResult, 1)
	go func() {
		elems, err := page.Elements(selGoodsCard)
		ch <- elementsResult{elements: elems, err: err}
	}()

	select {
	case res := <-ch:
		return res.elements, res.err
	case <-collectCtx.Done():
		return nil, fmt.Errorf("collect cards timeout: %w", collectCtx.Err())
	}
}

// extractOffer 从一张商品卡片提取报价。名称或价格缺失视为提取失败。
func extractOffer(el *rod.Element) (upstream.Offer, error) {
	name := elementText(el, selGoodsName)
	if name == "" {
		return upstream.Offer{}, fmt.Errorf("missing goods name")
	}

	priceText := elementText(el, selGoodsPrice)
	priceCents, ok := ParsePriceCents(priceText)
	if !ok {
		return upstream.Offer{}, fmt.Errorf("unparsable price: %q", priceText)
	}

	return upstream.Offer{
		Name:          name,
		Specification: elementText(el, selGoodsSpec),
		Manufacturer:  elementText(el, selGoodsMfr),
		SupplierName:  elementText(el, selGoodsSupplier),
		PriceCents:    priceCents,
	}, nil
}

// ParsePriceCents 把 "¥12.50"、"1,234.5" 这类价格文本解析为分。
// 解析失败返回 (0, false)。
func ParsePriceCents(text string) (int64, bool) {
	m := cardPriceRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	cleaned := strings.ReplaceAll(m[1], ",", "")
	parts := strings.SplitN(cleaned, ".", 2)

	var cents int64
	for _, ch := range parts[0] {
		if ch < '0' || ch > '9' {
			return 0, false
		}
		cents = cents*10 + int64(ch-'0')
	}
	cents *= 100

	if len(parts) == 2 {
		frac := parts[1]
		if len(frac) == 1 {
			frac += "0"
		}
		for i, ch := range frac {
			if i >= 2 {
				break
			}
			if ch < '0' || ch > '9' {
				return 0, false
			}
		}
		tens := int64(frac[0] - '0')
		ones := int64(0)
		if len(frac) >= 2 {
			ones = int64(frac[1] - '0')
		}
		cents += tens*10 + ones
	}
	return cents, true
}

func elementText(el *rod.Element, selector string) string {
	child, err := el.Element(selector)
	if err != nil || child == nil {
		return ""
	}
	text, err := child.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

// findApprovalInJSON 在任意 JSON 里递归查找批准文号形状的字段值。
func findApprovalInJSON(raw []byte) string {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}
	return walkForApproval(data, 0)
}

func walkForApproval(node any, depth int) string {
	if depth > 8 {
		return ""
	}
	switch v := node.(type) {
	case map[string]any:
		for _, field := range approvalFieldNames {
			if raw, ok := v[field]; ok {
				if s, ok := raw.(string); ok && approvalRe.MatchString(s) {
					return approvalRe.FindString(s)
				}
			}
		}
		for _, child := range v {
			if found := walkForApproval(child, depth+1); found != "" {
				return found
			}
		}
	case []any:
		for _, child := range v {
			if found := walkForApproval(child, depth+1); found != "" {
				return found
			}
		}
	case string:
		if approvalRe.MatchString(v) {
			return approvalRe.FindString(v)
		}
	}
	return ""
}
