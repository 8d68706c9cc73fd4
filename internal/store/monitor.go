package store

import (
	"context"
	"fmt"
	"log/slog"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/model"
	"pharmwatch/internal/upstream"

	"gorm.io/gorm"
)

// ListRules 返回某个药品的启用监控规则。
func (s *Store) ListRules(ctx context.Context, drugID uint) ([]model.MonitorRule, error) {
	var rules []model.MonitorRule
	if err := s.db.WithContext(ctx).
		Where("drug_id = ? AND enabled = ?", drugID, true).
		Find(&rules).Error; err != nil {
		return nil, &errs.PersistenceError{Op: "list rules", Err: err}
	}
	return rules, nil
}

// CreateRule 创建一条监控规则。
func (s *Store) CreateRule(ctx context.Context, rule *model.MonitorRule) error {
	switch rule.Kind {
	case model.MonitorPriceDrop, model.MonitorPriceRise, model.MonitorNewSupplier:
	default:
		return fmt.Errorf("invalid rule kind: %s", rule.Kind)
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return &errs.PersistenceError{Op: "create rule", Err: err}
	}
	return nil
}

// EvaluateRules 对一批新写入价格的药品评估监控规则并生成告警。
//
// 告警创建后不可变。对比基准是本批之前的最近一条正常价格；
// new_supplier 规则对比历史出现过的供应商键集合。
func (s *Store) EvaluateRules(ctx context.Context, drugID uint, batchStart int64) ([]model.Alert, error) {
	rules, err := s.ListRules(ctx, drugID)
	if err != nil || len(rules) == 0 {
		return nil, err
	}

	// 本批新行与历史行以主键分界：batchStart 是落库前的最大行 ID
	var newRows []model.PriceRecord
	if err := s.db.WithContext(ctx).
		Where("drug_id = ? AND id > ?", drugID, batchStart).
		Order("id ASC").
		Find(&newRows).Error; err != nil {
		return nil, &errs.PersistenceError{Op: "load new prices", Err: err}
	}
	if len(newRows) == 0 {
		return nil, nil
	}

	var prevRow model.PriceRecord
	hasPrev := true
	err = s.db.WithContext(ctx).
		Where("drug_id = ? AND id <= ? AND is_outlier = ?", drugID, batchStart, model.OutlierNone).
		Order("crawled_at DESC, id DESC").
		First(&prevRow).Error
	if err == gorm.ErrRecordNotFound {
		hasPrev = false
	} else if err != nil {
		return nil, &errs.PersistenceError{Op: "load previous price", Err: err}
	}

	knownSuppliers := map[string]struct{}{}
	var historyRows []model.PriceRecord
	if err := s.db.WithContext(ctx).
		Select("supplier_id", "supplier_name").
		Where("drug_id = ? AND id <= ?", drugID, batchStart).
		Find(&historyRows).Error; err != nil {
		return nil, &errs.PersistenceError{Op: "load supplier history", Err: err}
	}
	for _, row := range historyRows {
		knownSuppliers[supplierKey(row.SupplierID, row.SupplierName)] = struct{}{}
	}

	var alerts []model.Alert
	for _, rule := range rules {
		for _, row := range newRows {
			if isPlaceholderCents(row.PriceCents) {
				continue
			}
			alert, hit := evaluateRule(rule, row, prevRow, hasPrev, knownSuppliers)
			if !hit {
				continue
			}
			if err := s.db.WithContext(ctx).Create(&alert).Error; err != nil {
				return alerts, &errs.PersistenceError{Op: "create alert", Err: err}
			}
			alerts = append(alerts, alert)
			s.logger.Info("monitor alert created",
				slog.Uint64("drug_id", uint64(drugID)),
				slog.String("kind", alert.Kind),
				slog.String("message", alert.Message))
		}
	}
	return alerts, nil
}

func evaluateRule(rule model.MonitorRule, row model.PriceRecord, prev model.PriceRecord, hasPrev bool, known map[string]struct{}) (model.Alert, bool) {
	switch rule.Kind {
	case model.MonitorPriceDrop:
		if !hasPrev || prev.PriceCents <= 0 || row.PriceCents >= prev.PriceCents {
			return model.Alert{}, false
		}
		dropPct := float64(prev.PriceCents-row.PriceCents) / float64(prev.PriceCents) * 100
		if dropPct < rule.ThresholdPct {
			return model.Alert{}, false
		}
		return model.Alert{
			DrugID:   rule.DrugID,
			RuleID:   rule.ID,
			Kind:     rule.Kind,
			Message:  fmt.Sprintf("%s 价格下降 %.1f%% (¥%s → ¥%s)", row.SupplierName, dropPct, upstream.Yuan(prev.PriceCents), upstream.Yuan(row.PriceCents)),
			OldCents: prev.PriceCents,
			NewCents: row.PriceCents,
		}, true

	case model.MonitorPriceRise:
		if !hasPrev || prev.PriceCents <= 0 || row.PriceCents <= prev.PriceCents {
			return model.Alert{}, false
		}
		risePct := float64(row.PriceCents-prev.PriceCents) / float64(prev.PriceCents) * 100
		if risePct < rule.ThresholdPct {
			return model.Alert{}, false
		}
		return model.Alert{
			DrugID:   rule.DrugID,
			RuleID:   rule.ID,
			Kind:     rule.Kind,
			Message:  fmt.Sprintf("%s 价格上涨 %.1f%% (¥%s → ¥%s)", row.SupplierName, risePct, upstream.Yuan(prev.PriceCents), upstream.Yuan(row.PriceCents)),
			OldCents: prev.PriceCents,
			NewCents: row.PriceCents,
		}, true

	case model.MonitorNewSupplier:
		key := supplierKey(row.SupplierID, row.SupplierName)
		if _, seen := known[key]; seen {
			return model.Alert{}, false
		}
		known[key] = struct{}{}
		return model.Alert{
			DrugID:   rule.DrugID,
			RuleID:   rule.ID,
			Kind:     rule.Kind,
			Message:  fmt.Sprintf("新供应商 %s 报价 ¥%s", row.SupplierName, upstream.Yuan(row.PriceCents)),
			NewCents: row.PriceCents,
		}, true
	}
	return model.Alert{}, false
}

// MaxPriceRowID 返回某个药品当前最大的价格行 ID（落库前调用，
// 作为 EvaluateRules 的分界）。
func (s *Store) MaxPriceRowID(ctx context.Context, drugID uint) (int64, error) {
	var maxID *int64
	if err := s.db.WithContext(ctx).
		Model(&model.PriceRecord{}).
		Select("MAX(id)").
		Where("drug_id = ?", drugID).
		Scan(&maxID).Error; err != nil {
		return 0, &errs.PersistenceError{Op: "max price row id", Err: err}
	}
	if maxID == nil {
		return 0, nil
	}
	return *maxID, nil
}
