package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/model"
	"pharmwatch/internal/pkg/metrics"
	"pharmwatch/internal/upstream"
)

// 占位价集合（元）：供应商没有真实报价时填写的哨兵值。
var placeholderYuan = map[int64]struct{}{
	9999:   {},
	99999:  {},
	999999: {},
}

// 统计检测至少需要的观察数量。
const minObservationsForFences = 4

// AnnotateOutliers 对某个药品的全部价格行重新计算异常标注。
//
// 规则：
//  1. 占位价（9999/99999/999999 元整）→ is_outlier=2, reason "placeholder"
//  2. 非占位行 ≥ 4 条时按 Tukey 围栏标注高/低异常
//  3. 其余为 0
//
// 标注是非破坏性的：从不删除行、从不修改价格。对同一药品的标注
// 持有进程内锁，避免与并发的 AppendPrices 竞争标注窗口。
func (s *Store) AnnotateOutliers(ctx context.Context, drugID uint) error {
	lock := s.annotateLock(drugID)
	lock.Lock()
	defer lock.Unlock()

	var rows []model.PriceRecord
	if err := s.db.WithContext(ctx).
		Select("id", "price_cents", "is_outlier", "outlier_reason").
		Where("drug_id = ?", drugID).
		Find(&rows).Error; err != nil {
		return &errs.PersistenceError{Op: "load prices for annotation", Err: err}
	}
	if len(rows) == 0 {
		return nil
	}

	// 先分离占位行，再对剩余行计算围栏
	nonPlaceholder := make([]int64, 0, len(rows))
	for _, row := range rows {
		if !isPlaceholderCents(row.PriceCents) {
			nonPlaceholder = append(nonPlaceholder, row.PriceCents)
		}
	}

	var low, high int64
	fencesValid := false
	if len(nonPlaceholder) >= minObservationsForFences {
		low, high = tukeyFences(nonPlaceholder)
		fencesValid = true
	}

	for _, row := range rows {
		flag, reason := annotationFor(row.PriceCents, fencesValid, low, high)
		if row.IsOutlier == flag && equalReason(row.OutlierReason, reason) {
			continue
		}

		updates := map[string]interface{}{
			"is_outlier":     flag,
			"outlier_reason": reason,
		}
		if err := s.db.WithContext(ctx).
			Model(&model.PriceRecord{}).
			Where("id = ?", row.ID).
			Updates(updates).Error; err != nil {
			return &errs.PersistenceError{Op: "annotate price row", Err: err}
		}
		switch flag {
		case model.OutlierPlaceholder:
			metrics.OutlierRowsTotal.WithLabelValues("placeholder").Inc()
		case model.OutlierHigh:
			metrics.OutlierRowsTotal.WithLabelValues("high").Inc()
		case model.OutlierLow:
			metrics.OutlierRowsTotal.WithLabelValues("low").Inc()
		}
	}

	return nil
}

func (s *Store) annotateLock(drugID uint) *sync.Mutex {
	actual, _ := s.annotateLocks.LoadOrStore(drugID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// annotationFor 计算单行的标注结果。
func annotationFor(priceCents int64, fencesValid bool, low, high int64) (int, *string) {
	if isPlaceholderCents(priceCents) {
		reason := "placeholder"
		return model.OutlierPlaceholder, &reason
	}
	if fencesValid {
		if priceCents < low {
			reason := fmt.Sprintf("low (<%s)", upstream.Yuan(low))
			return model.OutlierLow, &reason
		}
		if priceCents > high {
			reason := fmt.Sprintf("high (>%s)", upstream.Yuan(high))
			return model.OutlierHigh, &reason
		}
	}
	return model.OutlierNone, nil
}

// isPlaceholderCents 判断定点价格是否命中占位价集合（整数元）。
func isPlaceholderCents(cents int64) bool {
	if cents%100 != 0 {
		return false
	}
	_, ok := placeholderYuan[cents/100]
	return ok
}

// tukeyFences 计算 [Q1-1.5*IQR, Q3+1.5*IQR]。
//
// 四分位数取 Tukey hinge（上下半区的中位数），与价格这种小样本
// 数据集配合时行为稳定。输入长度必须 ≥ 2。
func tukeyFences(values []int64) (low, high int64) {
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	mid := n / 2
	var lower, upper []int64
	if n%2 == 0 {
		lower = sorted[:mid]
		upper = sorted[mid:]
	} else {
		lower = sorted[:mid]
		upper = sorted[mid+1:]
	}

	q1 := median(lower)
	q3 := median(upper)
	iqr := q3 - q1

	low = q1 - (3*iqr)/2
	high = q3 + (3*iqr)/2
	return low, high
}

func median(sorted []int64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func equalReason(a *string, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}
