package acquire

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/normalize"
	"pharmwatch/internal/upstream"
)

// 采集方式。
const (
	MethodEndpoint = "endpoint"
	MethodBrowser  = "browser"
	MethodHybrid   = "hybrid"
)

// EndpointClient 是上游接口通道的抽象（生产实现为 upstream.Client）。
type EndpointClient interface {
	SearchAggregate(ctx context.Context, keyword string, page, pageSize int) ([]upstream.DrugAgg, error)
	FacetSuppliers(ctx context.Context, keyword string) ([]upstream.Supplier, error)
	SupplierHotList(ctx context.Context, supplierID int64, page, pageSize int) ([]upstream.Offer, error)
}

// Harvester 是浏览器通道的抽象（生产实现为 RemoteHarvester）。
type Harvester interface {
	HarvestOffers(ctx context.Context, keyword string, maxCount int) ([]upstream.Offer, error)
}

// Options 控制单个关键词的采集行为。
type Options struct {
	MinProviders   int  // 接口数据充足阈值（默认 5）
	SupplierCap    int  // 最多展开的供应商数（默认 100）
	APIConcurrency int  // 热销接口并发（默认 8）
	MaxPages       int  // 聚合搜索最多翻页数（默认 1）
	MaxOffers      int  // 浏览器通道最多提取的卡片数
	ForceBrowser   bool // 无视充足性检查，强制执行浏览器通道
	SkipBrowser    bool // 只跑接口通道（快速模式）
	BrowserOnly    bool // 只跑浏览器通道（全量模式）
}

func (o Options) withDefaults() Options {
	if o.MinProviders <= 0 {
		o.MinProviders = 5
	}
	if o.SupplierCap <= 0 {
		o.SupplierCap = 100
	}
	if o.APIConcurrency <= 0 {
		o.APIConcurrency = 8
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 1
	}
	if o.MaxOffers <= 0 {
		o.MaxOffers = 100
	}
	return o
}

// Result 是一次关键词采集的结果。
type Result struct {
	Method        string
	Offers        []upstream.Offer
	Aggregates    []upstream.DrugAgg
	EndpointCount int
	BrowserCount  int
}

// Orchestrator 实现"接口优先、浏览器兜底"的混合采集策略。
type Orchestrator struct {
	endpoint  EndpointClient
	harvester Harvester
	logger    *slog.Logger
}

// NewOrchestrator 创建采集编排器。harvester 可以为 nil（仅接口模式）。
func NewOrchestrator(endpoint EndpointClient, harvester Harvester, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		endpoint:  endpoint,
		harvester: harvester,
		logger:    logger,
	}
}

// AcquireSuppliersForKeyword 按混合策略采集一个关键词的供应商报价。
//
// 算法:
//  1. 接口通道：聚合搜索（按关键词过滤）→ 供应商列表（截断到
//     SupplierCap）→ 并发拉取各供应商热销（按关键词过滤）。
//  2. 充足性检查：报价数 ≥ MinProviders 且未强制浏览器 → 直接返回。
//  3. 浏览器通道：结果并入接口结果。
//  4. 合并去重：身份键 = (标准化名称, 标准化规格, 厂家, 供应商键, 价格)；
//     字段更完整的记录优先，完全相同时接口来源优先。
//
// 浏览器通道失败是可恢复的：降级为 endpoint 结果返回。
func (o *Orchestrator) AcquireSuppliersForKeyword(ctx context.Context, keyword string, opts Options) (Result, error) {
	opts = opts.withDefaults()

	var (
		endpointOffers []upstream.Offer
		aggregates     []upstream.DrugAgg
		err            error
	)

	if !opts.BrowserOnly {
		endpointOffers, aggregates, err = o.endpointPass(ctx, keyword, opts)
		if err != nil {
			return Result{}, err
		}

		// 充足性检查：接口数据够用且未强制浏览器时到此为止
		if !opts.ForceBrowser && len(endpointOffers) >= opts.MinProviders {
			return Result{
				Method:        MethodEndpoint,
				Offers:        endpointOffers,
				Aggregates:    aggregates,
				EndpointCount: len(endpointOffers),
			}, nil
		}
		if opts.SkipBrowser {
			return Result{
				Method:        MethodEndpoint,
				Offers:        endpointOffers,
				Aggregates:    aggregates,
				EndpointCount: len(endpointOffers),
			}, nil
		}
	}

	// 取消在两个通道之间被观察
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	browserOffers, harvestErr := o.browserPass(ctx, keyword, opts)
	if harvestErr != nil {
		var be *errs.BrowserHarvestError
		if errors.As(harvestErr, &be) && !opts.BrowserOnly {
			// 可恢复：退回接口数据
			o.logger.Warn("browser pass failed, degrading to endpoint result",
				slog.String("keyword", keyword),
				slog.String("error", harvestErr.Error()))
			return Result{
				Method:        MethodEndpoint,
				Offers:        endpointOffers,
				Aggregates:    aggregates,
				EndpointCount: len(endpointOffers),
			}, nil
		}
		return Result{}, harvestErr
	}

	merged := mergeOffers(endpointOffers, browserOffers)
	method := MethodHybrid
	if len(endpointOffers) == 0 {
		method = MethodBrowser
	}

	return Result{
		Method:        method,
		Offers:        merged,
		Aggregates:    aggregates,
		EndpointCount: len(endpointOffers),
		BrowserCount:  len(browserOffers),
	}, nil
}

// endpointPass 执行接口通道：聚合 + 供应商展开。
func (o *Orchestrator) endpointPass(ctx context.Context, keyword string, opts Options) ([]upstream.Offer, []upstream.DrugAgg, error) {
	const aggPageSize = 100

	var aggs []upstream.DrugAgg
	for page := 1; page <= opts.MaxPages; page++ {
		batch, err := o.endpoint.SearchAggregate(ctx, keyword, page, aggPageSize)
		if err != nil {
			return nil, nil, err
		}
		aggs = append(aggs, batch...)
		if len(batch) < aggPageSize {
			break
		}
	}

	// 只保留标准化名称包含标准化关键词的聚合行
	matched := aggs[:0]
	for _, agg := range aggs {
		if normalize.MatchesKeyword(agg.Name, keyword) {
			matched = append(matched, agg)
		}
	}
	aggs = matched

	suppliers, err := o.endpoint.FacetSuppliers(ctx, keyword)
	if err != nil {
		return nil, nil, err
	}
	if len(suppliers) > opts.SupplierCap {
		suppliers = suppliers[:opts.SupplierCap]
	}

	offers, err := o.fanOutSuppliers(ctx, keyword, suppliers, opts.APIConcurrency)
	if err != nil {
		return nil, nil, err
	}
	return offers, aggs, nil
}

// fanOutSuppliers 并发拉取各供应商热销报价（有界并发，顺序无关）。
func (o *Orchestrator) fanOutSuppliers(ctx context.Context, keyword string, suppliers []upstream.Supplier, concurrency int) ([]upstream.Offer, error) {
	type supplierResult struct {
		offers []upstream.Offer
		err    error
	}

	sem := make(chan struct{}, concurrency)
	results := make(chan supplierResult, len(suppliers))
	var wg sync.WaitGroup

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, supplier := range suppliers {
		// 无 pid 的供应商无法查询热销接口，跳过
		if supplier.ID == nil {
			continue
		}

		wg.Add(1)
		go func(sup upstream.Supplier) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-fanCtx.Done():
				results <- supplierResult{err: fanCtx.Err()}
				return
			}

			offers, err := o.endpoint.SupplierHotList(fanCtx, *sup.ID, 1, 200)
			if err != nil {
				// 单个供应商失败不致命：记录并继续
				o.logger.Debug("supplier hot list failed",
					slog.Int64("supplier_id", *sup.ID),
					slog.String("error", err.Error()))
				results <- supplierResult{}
				return
			}

			kept := offers[:0]
			for _, offer := range offers {
				if offer.SupplierName == "" {
					offer.SupplierName = sup.Name
				}
				if normalize.MatchesKeyword(offer.Name, keyword) {
					kept = append(kept, offer)
				}
			}
			results <- supplierResult{offers: kept}
		}(supplier)
	}

	wg.Wait()
	close(results)

	var all []upstream.Offer
	for res := range results {
		if res.err != nil {
			if errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded) {
				return nil, res.err
			}
			continue
		}
		all = append(all, res.offers...)
	}
	return all, nil
}

// browserPass 执行浏览器通道。
func (o *Orchestrator) browserPass(ctx context.Context, keyword string, opts Options) ([]upstream.Offer, error) {
	if o.harvester == nil {
		return nil, &errs.BrowserHarvestError{Reason: "harvester not configured"}
	}
	return o.harvester.HarvestOffers(ctx, keyword, opts.MaxOffers)
}

// mergeOffers 合并两个通道的报价并按身份键去重。
//
// 身份键 = (标准化名称, 标准化规格, 厂家, 供应商键, 价格)。
// 冲突时保留非空字段更多的记录；完全相同时接口来源优先。
func mergeOffers(endpointOffers, browserOffers []upstream.Offer) []upstream.Offer {
	type slot struct {
		offer upstream.Offer
		order int
	}
	index := make(map[string]*slot)
	orderSeq := 0

	add := func(offer upstream.Offer) {
		identity, err := normalize.DeriveIdentity(offer.Name, offer.Specification, offer.Manufacturer)
		if err != nil {
			return
		}
		key := identity.Hash + "|" + offer.SupplierKey() + "|" + upstream.Yuan(offer.PriceCents)

		existing, ok := index[key]
		if !ok {
			index[key] = &slot{offer: offer, order: orderSeq}
			orderSeq++
			return
		}

		existingScore := specificity(existing.offer)
		newScore := specificity(offer)
		switch {
		case newScore > existingScore:
			existing.offer = offer
		case newScore == existingScore:
			// 完全相同的内容，接口来源优先
			if existing.offer.Origin != upstream.OriginEndpoint && offer.Origin == upstream.OriginEndpoint {
				existing.offer = offer
			}
		}
	}

	for _, offer := range endpointOffers {
		add(offer)
	}
	for _, offer := range browserOffers {
		add(offer)
	}

	merged := make([]upstream.Offer, len(index))
	for _, s := range index {
		merged[s.order] = s.offer
	}
	return merged
}

// specificity 统计记录的非空字段数，合并时字段更完整者胜出。
func specificity(offer upstream.Offer) int {
	score := 0
	if offer.UpstreamID != nil {
		score++
	}
	if offer.Specification != "" {
		score++
	}
	if offer.Manufacturer != "" {
		score++
	}
	if offer.SupplierID != nil {
		score++
	}
	if offer.SourceURL != "" {
		score++
	}
	if offer.ApprovalNumber != "" {
		score++
	}
	return score
}
