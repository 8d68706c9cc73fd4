package analytics

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"pharmwatch/internal/model"
	"pharmwatch/internal/store"
	"pharmwatch/internal/upstream"
)

// Reader 是分析服务需要的只读数据访问（生产实现为 store.Store）。
type Reader interface {
	SearchDrugs(ctx context.Context, filter store.DrugFilter) ([]model.Drug, error)
	GetDrug(ctx context.Context, id uint) (*model.Drug, error)
	GetPrices(ctx context.Context, drugID uint, includeOutliers bool) ([]model.PriceRecord, error)
	GetPricesSince(ctx context.Context, drugID uint, days int, includeOutliers bool) ([]model.PriceRecord, error)
	CountDrugs(ctx context.Context) (int64, error)
	CountPrices(ctx context.Context) (int64, error)
	ListAlerts(ctx context.Context, days int) ([]model.Alert, error)
}

// Service 提供比价、历史、趋势与采购建议等只读分析。
type Service struct {
	reader Reader
}

// NewService 创建分析服务。
func NewService(reader Reader) *Service {
	return &Service{reader: reader}
}

// CompareEntry 是比价视图中的一行：某供应商的最新报价。
type CompareEntry struct {
	SupplierName string    `json:"supplier_name"`
	SupplierID   *int64    `json:"supplier_id,omitempty"`
	PriceCents   int64     `json:"-"`
	Price        string    `json:"price"`
	CrawledAt    time.Time `json:"crawled_at"`
}

// ComparisonView 是一个药品跨供应商的比价结果。
type ComparisonView struct {
	DrugID  uint           `json:"drug_id"`
	Entries []CompareEntry `json:"entries"`
	Lowest  string         `json:"lowest"`
	Highest string         `json:"highest"`
	DiffPct float64        `json:"diff_pct"`
}

// SearchDrugs 按子串查找药品（名称/规格/别名），按最近活跃排序。
func (s *Service) SearchDrugs(ctx context.Context, query, category string) ([]model.Drug, error) {
	return s.reader.SearchDrugs(ctx, store.DrugFilter{
		Query:    query,
		Category: category,
	})
}

// CompareDrug 生成一个药品的跨供应商比价视图。
//
// 每个供应商取最新一条观察；结果按价格升序，价格相同时较新的
// 观察排在前面。diff_pct = (最高 − 最低) / 最低 × 100。
func (s *Service) CompareDrug(ctx context.Context, drugID uint, includeOutliers bool) (*ComparisonView, error) {
	rows, err := s.reader.GetPrices(ctx, drugID, includeOutliers)
	if err != nil {
		return nil, err
	}

	// 每个供应商保留最新观察
	latest := map[string]model.PriceRecord{}
	for _, row := range rows {
		key := supplierKey(row.SupplierID, row.SupplierName)
		prev, ok := latest[key]
		if !ok || row.CrawledAt.After(prev.CrawledAt) {
			latest[key] = row
		}
	}

	entries := make([]CompareEntry, 0, len(latest))
	for _, row := range latest {
		entries = append(entries, CompareEntry{
			SupplierName: row.SupplierName,
			SupplierID:   row.SupplierID,
			PriceCents:   row.PriceCents,
			Price:        upstream.Yuan(row.PriceCents),
			CrawledAt:    row.CrawledAt,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].PriceCents != entries[j].PriceCents {
			return entries[i].PriceCents < entries[j].PriceCents
		}
		return entries[i].CrawledAt.After(entries[j].CrawledAt)
	})

	view := &ComparisonView{DrugID: drugID, Entries: entries}
	if len(entries) > 0 {
		lowest := entries[0].PriceCents
		highest := entries[len(entries)-1].PriceCents
		view.Lowest = upstream.Yuan(lowest)
		view.Highest = upstream.Yuan(highest)
		if lowest > 0 {
			view.DiffPct = float64(highest-lowest) / float64(lowest) * 100
		}
	}
	return view, nil
}

// HistoryPoint 是价格历史曲线上的一个点。
type HistoryPoint struct {
	CrawledAt    time.Time `json:"crawled_at"`
	Price        string    `json:"price"`
	PriceCents   int64     `json:"-"`
	SupplierName string    `json:"supplier_name"`
	IsOutlier    int       `json:"is_outlier"`
}

// PriceHistory 返回最近 days 天的价格观察，按时间升序。
func (s *Service) PriceHistory(ctx context.Context, drugID uint, days int, includeOutliers bool) ([]HistoryPoint, error) {
	rows, err := s.reader.GetPricesSince(ctx, drugID, days, includeOutliers)
	if err != nil {
		return nil, err
	}

	points := make([]HistoryPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, HistoryPoint{
			CrawledAt:    row.CrawledAt,
			Price:        upstream.Yuan(row.PriceCents),
			PriceCents:   row.PriceCents,
			SupplierName: row.SupplierName,
			IsOutlier:    row.IsOutlier,
		})
	}
	return points, nil
}

// Allocation 是采购建议中的一笔分配。
type Allocation struct {
	SupplierName string `json:"supplier_name"`
	Quantity     int64  `json:"quantity"`
	UnitPrice    string `json:"unit_price"`
	Subtotal     string `json:"subtotal"`
}

// Recommendation 是采购建议结果。
type Recommendation struct {
	DrugID       uint         `json:"drug_id"`
	Quantity     int64        `json:"quantity"`
	Allocations  []Allocation `json:"allocations"`
	TotalCost    string       `json:"total_cost"`
	MedianPrice  string       `json:"median_price"`
	EstSavings   string       `json:"est_savings"`
	BudgetBound  bool         `json:"budget_bound"` // 预算是否限制了采购量
}

// ProcurementRecommendation 对升序价格表做贪心分配。
//
// 从最低价供应商开始分配，直到满足数量或预算耗尽；节省额以
// 中位供应商价为基准估算。异常价不参与。
func (s *Service) ProcurementRecommendation(ctx context.Context, drugID uint, quantity int64, budgetCents *int64) (*Recommendation, error) {
	view, err := s.CompareDrug(ctx, drugID, false)
	if err != nil {
		return nil, err
	}

	rec := &Recommendation{DrugID: drugID, Quantity: quantity}
	if len(view.Entries) == 0 || quantity <= 0 {
		rec.TotalCost = upstream.Yuan(0)
		rec.MedianPrice = upstream.Yuan(0)
		rec.EstSavings = upstream.Yuan(0)
		return rec, nil
	}

	prices := make([]int64, len(view.Entries))
	for i, entry := range view.Entries {
		prices[i] = entry.PriceCents
	}
	medianCents := medianOf(prices)

	remaining := quantity
	var totalCost int64
	for _, entry := range view.Entries {
		if remaining <= 0 {
			break
		}
		take := remaining
		if budgetCents != nil && entry.PriceCents > 0 {
			affordable := (*budgetCents - totalCost) / entry.PriceCents
			if affordable <= 0 {
				rec.BudgetBound = true
				break
			}
			if affordable < take {
				take = affordable
				rec.BudgetBound = true
			}
		}

		subtotal := take * entry.PriceCents
		rec.Allocations = append(rec.Allocations, Allocation{
			SupplierName: entry.SupplierName,
			Quantity:     take,
			UnitPrice:    upstream.Yuan(entry.PriceCents),
			Subtotal:     upstream.Yuan(subtotal),
		})
		totalCost += subtotal
		remaining -= take
	}

	allocated := quantity - remaining
	rec.TotalCost = upstream.Yuan(totalCost)
	rec.MedianPrice = upstream.Yuan(medianCents)
	rec.EstSavings = upstream.Yuan(allocated*medianCents - totalCost)
	return rec, nil
}

// TrendPoint 是按天聚合的价格点。
type TrendPoint struct {
	Day      string `json:"day"`
	AvgPrice string `json:"avg_price"`
}

// Trend 是价格趋势分析结果。
type Trend struct {
	DrugID     uint         `json:"drug_id"`
	Points     []TrendPoint `json:"points"`
	SlopePct   float64      `json:"slope_pct"`  // 每天相对平均价的变化率
	Volatility float64      `json:"volatility"` // 变异系数（标准差/均值）
	Direction  string       `json:"direction"`  // rising / falling / stable
}

// PriceTrend 对最近 days 天的日均价做线性回归与波动率分析。
func (s *Service) PriceTrend(ctx context.Context, drugID uint, days int) (*Trend, error) {
	rows, err := s.reader.GetPricesSince(ctx, drugID, days, false)
	if err != nil {
		return nil, err
	}

	trend := &Trend{DrugID: drugID, Direction: "stable"}
	if len(rows) == 0 {
		return trend, nil
	}

	// 按天聚合
	type daily struct {
		sum   int64
		count int64
	}
	byDay := map[string]*daily{}
	var dayKeys []string
	for _, row := range rows {
		day := row.CrawledAt.Format("2006-01-02")
		d, ok := byDay[day]
		if !ok {
			d = &daily{}
			byDay[day] = d
			dayKeys = append(dayKeys, day)
		}
		d.sum += row.PriceCents
		d.count++
	}
	sort.Strings(dayKeys)

	averages := make([]float64, len(dayKeys))
	for i, day := range dayKeys {
		d := byDay[day]
		avg := float64(d.sum) / float64(d.count)
		averages[i] = avg
		trend.Points = append(trend.Points, TrendPoint{
			Day:      day,
			AvgPrice: upstream.Yuan(int64(math.Round(avg))),
		})
	}

	mean := meanOf(averages)
	if mean <= 0 {
		return trend, nil
	}

	// 线性回归斜率（x = 天序号）
	if len(averages) >= 2 {
		slope := regressionSlope(averages)
		trend.SlopePct = slope / mean * 100
		switch {
		case trend.SlopePct > 0.5:
			trend.Direction = "rising"
		case trend.SlopePct < -0.5:
			trend.Direction = "falling"
		}
	}

	// 波动率 = 标准差 / 均值
	if len(averages) >= 2 {
		var sumSq float64
		for _, v := range averages {
			sumSq += (v - mean) * (v - mean)
		}
		trend.Volatility = math.Sqrt(sumSq/float64(len(averages))) / mean
	}

	return trend, nil
}

// Statistics 是全库汇总。
type Statistics struct {
	Drugs       int64 `json:"drugs"`
	PriceRows   int64 `json:"price_rows"`
	AlertsWeek  int   `json:"alerts_week"`
}

// GetStatistics 返回全库汇总统计。
func (s *Service) GetStatistics(ctx context.Context) (*Statistics, error) {
	drugs, err := s.reader.CountDrugs(ctx)
	if err != nil {
		return nil, err
	}
	prices, err := s.reader.CountPrices(ctx)
	if err != nil {
		return nil, err
	}
	alerts, err := s.reader.ListAlerts(ctx, 7)
	if err != nil {
		return nil, err
	}
	return &Statistics{
		Drugs:      drugs,
		PriceRows:  prices,
		AlertsWeek: len(alerts),
	}, nil
}

func supplierKey(id *int64, name string) string {
	if id != nil {
		return "pid:" + strconv.FormatInt(*id, 10)
	}
	return "name:" + name
}

func medianOf(values []int64) int64 {
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// regressionSlope 对等间隔序列做最小二乘，返回每步的变化量。
func regressionSlope(values []float64) float64 {
	n := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
