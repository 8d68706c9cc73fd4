package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"pharmwatch/internal/config"
	"pharmwatch/internal/errs"
	"pharmwatch/internal/pkg/metrics"
	"pharmwatch/internal/pkg/ratelimit"
)

// 上游接口路径。PC 端搜索只返回聚合数据；逐供应商价格要经由
// 供应商热销接口获取。
const (
	pathSearchAggregate = "/wholesale-drug/sales/getRegularSearchPurchaseListForPc/v5430"
	pathFacetSuppliers  = "/wholesale-drug/sales/facetWholesaleListByProvider/v4270"
	pathSupplierHotList = "/wholesale-drug/sales/getHotWholesalesForProvider/v4230"

	// 信封状态码
	codeOK           = "0"
	codeOKAlt        = "40001" // 上游的特殊成功码
	codeTokenExpired = "40020"

	maxAttempts  = 3
	bodyExcerpt  = 200
	maxPageSize  = 200
	facetPageCap = 1000
)

// Client 是上游 JSON 接口的类型化封装。
//
// 所有调用共享同一个 HTTP 客户端与进程级令牌桶；401/403 或信封码
// 40020 触发一次凭证刷新后重放。
type Client struct {
	cfg     *config.UpstreamConfig
	broker  *TokenBroker
	http    *http.Client
	limiter *ratelimit.RateLimiter
	logger  *slog.Logger
}

// NewClient 创建上游客户端。limiter 可以为 nil（测试场景）。
func NewClient(cfg *config.UpstreamConfig, broker *TokenBroker, limiter *ratelimit.RateLimiter, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		broker:  broker,
		http:    &http.Client{Timeout: cfg.CallTimeout},
		limiter: limiter,
		logger:  logger,
	}
}

// SearchAggregate 搜索关键词，返回聚合行（最低/最高价 + 供应商数）。
func (c *Client) SearchAggregate(ctx context.Context, keyword string, page, pageSize int) ([]DrugAgg, error) {
	if err := validateSearchInput(keyword, page, pageSize); err != nil {
		return nil, err
	}

	data, err := c.call(ctx, "search_aggregate", pathSearchAggregate, map[string]any{
		"keyword":  keyword,
		"page":     page,
		"pageSize": pageSize,
	}, costForPageSize(pageSize))
	if err != nil {
		return nil, err
	}

	rows, err := decodeAggregateRows(data)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// FacetSuppliers 返回关键词的候选供应商列表（最多约 1000 家，无价格）。
func (c *Client) FacetSuppliers(ctx context.Context, keyword string) ([]Supplier, error) {
	if err := validateSearchInput(keyword, 1, 1); err != nil {
		return nil, err
	}

	data, err := c.call(ctx, "facet_suppliers", pathFacetSuppliers, map[string]any{
		"keyword":  keyword,
		"page":     1,
		"pageSize": facetPageCap,
	}, costForPageSize(facetPageCap))
	if err != nil {
		return nil, err
	}

	var payload struct {
		Providers []struct {
			PID          *int64 `json:"pid"`
			Name         string `json:"name"`
			Abbreviation string `json:"abbreviation"`
		} `json:"providers"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode suppliers: %w", err)
	}

	suppliers := make([]Supplier, 0, len(payload.Providers))
	for _, p := range payload.Providers {
		name := p.Abbreviation
		if name == "" {
			name = p.Name
		}
		if p.PID == nil && name == "" {
			continue
		}
		suppliers = append(suppliers, Supplier{ID: p.PID, Name: name})
	}
	return suppliers, nil
}

// SupplierHotList 返回某个供应商的热销报价（带价格）。
func (c *Client) SupplierHotList(ctx context.Context, supplierID int64, page, pageSize int) ([]Offer, error) {
	if supplierID <= 0 {
		return nil, fmt.Errorf("%w: supplier id must be positive", errInvalidInput)
	}
	if page < 1 || pageSize < 1 || pageSize > maxPageSize {
		return nil, fmt.Errorf("%w: page >= 1, pageSize in [1,%d]", errInvalidInput, maxPageSize)
	}

	data, err := c.call(ctx, "supplier_hot_list", pathSupplierHotList, map[string]any{
		"providerId": supplierID,
		"page":       page,
		"pageSize":   pageSize,
	}, costForPageSize(pageSize))
	if err != nil {
		return nil, err
	}

	var items []struct {
		DrugName      string    `json:"drugname"`
		Price         flexPrice `json:"price"`
		Specification string    `json:"specification"`
		Manufacturer  string    `json:"manufacturer"`
		WholesaleID   *int64    `json:"wholesaleid"`
		DrugID        *int64    `json:"drug_id"`
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode hot list: %w", err)
	}

	now := time.Now()
	offers := make([]Offer, 0, len(items))
	sid := supplierID
	for _, it := range items {
		if it.DrugName == "" || it.Price == 0 {
			continue
		}
		sourceURL := ""
		if it.WholesaleID != nil {
			sourceURL = c.cfg.BaseURL + "/#/wholesale/" + strconv.FormatInt(*it.WholesaleID, 10)
		}
		offers = append(offers, Offer{
			UpstreamID:    it.DrugID,
			Name:          it.DrugName,
			Specification: it.Specification,
			Manufacturer:  it.Manufacturer,
			PriceCents:    int64(it.Price),
			SupplierID:    &sid,
			SourceURL:     sourceURL,
			Origin:        OriginEndpoint,
			CrawledAt:     now,
		})
	}
	return offers, nil
}

var errInvalidInput = errors.New("invalid input")

// IsInvalidInput 判断错误是否为参数校验失败（HTTP 层映射为 400）。
func IsInvalidInput(err error) bool {
	return errors.Is(err, errInvalidInput)
}

func validateSearchInput(keyword string, page, pageSize int) error {
	if keyword == "" {
		return fmt.Errorf("%w: keyword must not be empty", errInvalidInput)
	}
	if page < 1 {
		return fmt.Errorf("%w: page must be >= 1", errInvalidInput)
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return fmt.Errorf("%w: pageSize must be in [1,%d]", errInvalidInput, maxPageSize)
	}
	return nil
}

// costForPageSize 把请求体量折算成令牌开销：一页 200 条的热销拉取
// 对上游的压力数倍于一条小探测，配额按体量扣。
func costForPageSize(pageSize int) int {
	cost := 1 + pageSize/200
	if cost > 5 {
		cost = 5
	}
	return cost
}

// call 执行一次信封化的上游调用：限流 → 重试循环 → 信封解包。
// 凭证失效（HTTP 401/403 或信封码 40020）触发一次刷新后重放。
func (c *Client) call(ctx context.Context, endpoint, path string, body map[string]any, cost int) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.AcquireN(ctx, cost); err != nil {
			return nil, err
		}
	}

	data, err := c.callOnce(ctx, endpoint, path, body)
	if err == nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, "success").Inc()
		return data, nil
	}

	// 凭证失效：刷新一次并重放一次
	if isAuthTrigger(err) {
		c.logger.Info("upstream credential rejected, refreshing",
			slog.String("endpoint", endpoint))
		c.broker.Invalidate()
		data, err = c.callOnce(ctx, endpoint, path, body)
		if err == nil {
			metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, "success").Inc()
			return data, nil
		}
		if isAuthTrigger(err) {
			metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, "auth_failed").Inc()
			return nil, &errs.AuthError{Message: err.Error()}
		}
	}

	metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, "failed").Inc()
	return nil, err
}

// callOnce 带网络级重试的单次调用：最多 3 次尝试，重试前指数退避
// 1s、2s，各加 0–300ms 随机抖动。
func (c *Client) callOnce(ctx context.Context, endpoint, path string, body map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			metrics.UpstreamRetriesTotal.Inc()
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			backoff += time.Duration(rand.Int63n(int64(300 * time.Millisecond)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, err := c.doRequest(ctx, path, payload)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}
		c.logger.Debug("upstream call retrying",
			slog.String("endpoint", endpoint),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return nil, lastErr
}

// doRequest 执行一次 HTTP 往返并解开信封。
func (c *Client) doRequest(ctx context.Context, path string, payload []byte) (json.RawMessage, error) {
	token, _, err := c.broker.Get(ctx)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", c.cfg.BaseURL)
	req.Header.Set("Referer", c.cfg.BaseURL+"/")
	req.Header.Set("Token", token)
	req.Header.Set("Authorization", "Bearer "+token)
	req.AddCookie(&http.Cookie{Name: "Token", Value: token})

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &authTriggerError{status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &errs.RateLimited{RetryAfter: parseRetryAfter(resp)}
	case resp.StatusCode >= 500:
		return nil, &errs.UpstreamClientError{Status: resp.StatusCode, BodyExcerpt: excerpt(raw)}
	case resp.StatusCode >= 400:
		return nil, &errs.UpstreamClientError{Status: resp.StatusCode, BodyExcerpt: excerpt(raw)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch string(env.Code) {
	case codeOK, codeOKAlt:
		return env.Data, nil
	case codeTokenExpired:
		return nil, &authTriggerError{envelopeCode: codeTokenExpired}
	default:
		return nil, &errs.UpstreamProtocolError{Code: string(env.Code), Message: env.Message}
	}
}

// authTriggerError 是内部标记错误：表示需要刷新凭证后重放。
type authTriggerError struct {
	status       int
	envelopeCode string
}

func (e *authTriggerError) Error() string {
	if e.envelopeCode != "" {
		return "upstream token expired (code " + e.envelopeCode + ")"
	}
	return "upstream rejected credentials (http " + strconv.Itoa(e.status) + ")"
}

func isAuthTrigger(err error) bool {
	var at *authTriggerError
	if errors.As(err, &at) {
		return true
	}
	return errs.IsAuth(err)
}

// isRetryable 网络错误与 5xx 可重试；4xx、限速、凭证失效不在
// 网络重试循环内处理。
func isRetryable(err error) bool {
	var ce *errs.UpstreamClientError
	if errors.As(err, &ce) {
		return ce.Status >= 500
	}
	var at *authTriggerError
	if errors.As(err, &at) {
		return false
	}
	var rl *errs.RateLimited
	if errors.As(err, &rl) {
		return false
	}
	if errs.IsAuth(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *errs.UpstreamProtocolError
	return !errors.As(err, &pe)
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 5 * time.Second
}

func excerpt(raw []byte) string {
	if len(raw) > bodyExcerpt {
		raw = raw[:bodyExcerpt]
	}
	return string(raw)
}

// decodeAggregateRows 解析聚合行。上游的 data 可能是数组，也可能是
// {list: [...]} 包装；单行可能嵌套在 "drug" 字段里。
func decodeAggregateRows(data json.RawMessage) ([]DrugAgg, error) {
	type aggRow struct {
		DrugName      string    `json:"drugName"`
		MinPrice      flexPrice `json:"minprice"`
		MaxPrice      flexPrice `json:"maxprice"`
		Specification string    `json:"specification"`
		Factory       string    `json:"factory"`
		DrugID        *int64    `json:"drugId"`
		WholesaleNum  int       `json:"wholesaleNum"`
	}
	type aggItem struct {
		aggRow
		Drug *aggRow `json:"drug"`
	}

	var items []aggItem
	if err := json.Unmarshal(data, &items); err != nil {
		var wrapped struct {
			List []aggItem `json:"list"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("decode aggregates: %w", err)
		}
		items = wrapped.List
	}

	rows := make([]DrugAgg, 0, len(items))
	for _, it := range items {
		row := it.aggRow
		if it.Drug != nil {
			row = *it.Drug
		}
		if row.DrugName == "" || row.MinPrice == 0 {
			continue
		}
		maxPrice := int64(row.MaxPrice)
		if maxPrice == 0 {
			maxPrice = int64(row.MinPrice)
		}
		supplierCount := row.WholesaleNum
		if supplierCount <= 0 {
			supplierCount = 1
		}
		rows = append(rows, DrugAgg{
			UpstreamID:    row.DrugID,
			Name:          row.DrugName,
			Specification: row.Specification,
			Manufacturer:  row.Factory,
			MinPriceCents: int64(row.MinPrice),
			MaxPriceCents: maxPrice,
			SupplierCount: supplierCount,
		})
	}
	return rows, nil
}
