package analytics

import (
	"context"
	"testing"
	"time"

	"pharmwatch/internal/model"
	"pharmwatch/internal/store"
)

type fakeReader struct {
	drugs  []model.Drug
	prices map[uint][]model.PriceRecord
	alerts []model.Alert
}

func (f *fakeReader) SearchDrugs(ctx context.Context, filter store.DrugFilter) ([]model.Drug, error) {
	return f.drugs, nil
}

func (f *fakeReader) GetDrug(ctx context.Context, id uint) (*model.Drug, error) {
	for i := range f.drugs {
		if f.drugs[i].ID == id {
			return &f.drugs[i], nil
		}
	}
	return nil, nil
}

func (f *fakeReader) GetPrices(ctx context.Context, drugID uint, includeOutliers bool) ([]model.PriceRecord, error) {
	rows := f.prices[drugID]
	if includeOutliers {
		return rows, nil
	}
	var kept []model.PriceRecord
	for _, row := range rows {
		if row.IsOutlier == model.OutlierNone {
			kept = append(kept, row)
		}
	}
	return kept, nil
}

func (f *fakeReader) GetPricesSince(ctx context.Context, drugID uint, days int, includeOutliers bool) ([]model.PriceRecord, error) {
	return f.GetPrices(ctx, drugID, includeOutliers)
}

func (f *fakeReader) CountDrugs(ctx context.Context) (int64, error) {
	return int64(len(f.drugs)), nil
}

func (f *fakeReader) CountPrices(ctx context.Context) (int64, error) {
	var n int64
	for _, rows := range f.prices {
		n += int64(len(rows))
	}
	return n, nil
}

func (f *fakeReader) ListAlerts(ctx context.Context, days int) ([]model.Alert, error) {
	return f.alerts, nil
}

func sid(v int64) *int64 { return &v }

func at(daysAgo int) time.Time {
	return time.Now().AddDate(0, 0, -daysAgo)
}

func TestCompareDrugOrdering(t *testing.T) {
	reader := &fakeReader{prices: map[uint][]model.PriceRecord{
		1: {
			{DrugID: 1, SupplierID: sid(1), SupplierName: "甲", PriceCents: 1500, CrawledAt: at(2)},
			{DrugID: 1, SupplierID: sid(1), SupplierName: "甲", PriceCents: 1400, CrawledAt: at(1)}, // 甲的最新价
			{DrugID: 1, SupplierID: sid(2), SupplierName: "乙", PriceCents: 1200, CrawledAt: at(1)},
			{DrugID: 1, SupplierID: sid(3), SupplierName: "丙", PriceCents: 1800, CrawledAt: at(3)},
			{DrugID: 1, SupplierID: sid(4), SupplierName: "丁", PriceCents: 999900, IsOutlier: model.OutlierPlaceholder, CrawledAt: at(1)},
		},
	}}
	svc := NewService(reader)

	view, err := svc.CompareDrug(context.Background(), 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Entries) != 3 {
		t.Fatalf("entries = %d, want 3 (outlier excluded, one per supplier)", len(view.Entries))
	}

	// 价格升序
	for i := 0; i+1 < len(view.Entries); i++ {
		if view.Entries[i].PriceCents > view.Entries[i+1].PriceCents {
			t.Errorf("entries not sorted at %d", i)
		}
	}
	if view.Entries[0].SupplierName != "乙" {
		t.Errorf("lowest supplier = %s", view.Entries[0].SupplierName)
	}

	// 甲取最新观察 1400 而不是 1500
	for _, e := range view.Entries {
		if e.SupplierName == "甲" && e.PriceCents != 1400 {
			t.Errorf("supplier 甲 latest = %d, want 1400", e.PriceCents)
		}
	}

	// diff_pct = (1800-1200)/1200*100 = 50
	if view.Lowest != "12.00" || view.Highest != "18.00" {
		t.Errorf("lowest/highest = %s/%s", view.Lowest, view.Highest)
	}
	if view.DiffPct != 50 {
		t.Errorf("diff_pct = %f, want 50", view.DiffPct)
	}
}

func TestCompareDrugTieBreak(t *testing.T) {
	newer := at(0)
	older := at(5)
	reader := &fakeReader{prices: map[uint][]model.PriceRecord{
		1: {
			{DrugID: 1, SupplierID: sid(1), SupplierName: "旧", PriceCents: 1000, CrawledAt: older},
			{DrugID: 1, SupplierID: sid(2), SupplierName: "新", PriceCents: 1000, CrawledAt: newer},
		},
	}}
	svc := NewService(reader)

	view, err := svc.CompareDrug(context.Background(), 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if view.Entries[0].SupplierName != "新" {
		t.Errorf("tie must break by recency, got %s first", view.Entries[0].SupplierName)
	}
}

func TestPriceHistoryHonorsOutlierFilter(t *testing.T) {
	reader := &fakeReader{prices: map[uint][]model.PriceRecord{
		1: {
			{DrugID: 1, SupplierName: "甲", PriceCents: 1000, CrawledAt: at(3)},
			{DrugID: 1, SupplierName: "乙", PriceCents: 999900, IsOutlier: model.OutlierPlaceholder, CrawledAt: at(2)},
			{DrugID: 1, SupplierName: "丙", PriceCents: 1100, CrawledAt: at(1)},
		},
	}}
	svc := NewService(reader)

	filtered, err := svc.PriceHistory(context.Background(), 1, 30, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 2 {
		t.Fatalf("filtered points = %d, want 2", len(filtered))
	}

	all, err := svc.PriceHistory(context.Background(), 1, 30, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("unfiltered points = %d, want 3", len(all))
	}
}

func TestProcurementRecommendationGreedy(t *testing.T) {
	reader := &fakeReader{prices: map[uint][]model.PriceRecord{
		1: {
			{DrugID: 1, SupplierID: sid(1), SupplierName: "便宜", PriceCents: 1000, CrawledAt: at(1)},
			{DrugID: 1, SupplierID: sid(2), SupplierName: "中等", PriceCents: 1500, CrawledAt: at(1)},
			{DrugID: 1, SupplierID: sid(3), SupplierName: "贵", PriceCents: 2000, CrawledAt: at(1)},
		},
	}}
	svc := NewService(reader)

	rec, err := svc.ProcurementRecommendation(context.Background(), 1, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Allocations) != 1 || rec.Allocations[0].SupplierName != "便宜" {
		t.Fatalf("allocations = %+v", rec.Allocations)
	}
	if rec.Allocations[0].Quantity != 10 {
		t.Errorf("quantity = %d", rec.Allocations[0].Quantity)
	}
	if rec.TotalCost != "100.00" {
		t.Errorf("total = %s", rec.TotalCost)
	}
	// 中位价 15 元 → 节省 10*(15-10) = 50 元
	if rec.MedianPrice != "15.00" || rec.EstSavings != "50.00" {
		t.Errorf("median=%s savings=%s", rec.MedianPrice, rec.EstSavings)
	}
}

func TestProcurementRecommendationBudgetBound(t *testing.T) {
	reader := &fakeReader{prices: map[uint][]model.PriceRecord{
		1: {
			{DrugID: 1, SupplierID: sid(1), SupplierName: "便宜", PriceCents: 1000, CrawledAt: at(1)},
		},
	}}
	svc := NewService(reader)

	budget := int64(3500) // 只够 3 件
	rec, err := svc.ProcurementRecommendation(context.Background(), 1, 10, &budget)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.BudgetBound {
		t.Error("expected budget bound")
	}
	if len(rec.Allocations) != 1 || rec.Allocations[0].Quantity != 3 {
		t.Fatalf("allocations = %+v", rec.Allocations)
	}
	if rec.TotalCost != "30.00" {
		t.Errorf("total = %s", rec.TotalCost)
	}
}

func TestPriceTrendDirection(t *testing.T) {
	var rows []model.PriceRecord
	for i := 0; i < 7; i++ {
		rows = append(rows, model.PriceRecord{
			DrugID:     1,
			PriceCents: int64(1000 + i*100), // 每天涨 1 元
			CrawledAt:  at(7 - i),
		})
	}
	reader := &fakeReader{prices: map[uint][]model.PriceRecord{1: rows}}
	svc := NewService(reader)

	trend, err := svc.PriceTrend(context.Background(), 1, 30)
	if err != nil {
		t.Fatal(err)
	}
	if trend.Direction != "rising" {
		t.Errorf("direction = %s, want rising", trend.Direction)
	}
	if trend.SlopePct <= 0 {
		t.Errorf("slope = %f", trend.SlopePct)
	}
	if len(trend.Points) != 7 {
		t.Errorf("points = %d", len(trend.Points))
	}
}

func TestGetStatistics(t *testing.T) {
	reader := &fakeReader{
		drugs: []model.Drug{{ID: 1}, {ID: 2}},
		prices: map[uint][]model.PriceRecord{
			1: {{PriceCents: 100}},
			2: {{PriceCents: 200}, {PriceCents: 300}},
		},
		alerts: []model.Alert{{ID: 1}},
	}
	svc := NewService(reader)

	stats, err := svc.GetStatistics(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Drugs != 2 || stats.PriceRows != 3 || stats.AlertsWeek != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
