package store

import (
	"context"
	"time"

	"pharmwatch/internal/errs"
	"pharmwatch/internal/model"

	"gorm.io/gorm"
)

// DrugFilter 是药品列表查询条件。
type DrugFilter struct {
	Query    string // 名称/规格/别名子串
	Category string // 类别过滤（可空）
	Limit    int
	Offset   int
}

// SearchDrugs 在名称、规格与别名上做子串匹配，按最近活跃排序。
func (s *Store) SearchDrugs(ctx context.Context, filter DrugFilter) ([]model.Drug, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := s.db.WithContext(ctx).Model(&model.Drug{}).Where("enabled = ?", true)

	if filter.Query != "" {
		pattern := "%" + filter.Query + "%"
		sub := s.db.Model(&model.DrugAlias{}).Select("drug_id").Where("alias LIKE ?", pattern)
		query = query.Where(
			"name LIKE ? OR specification LIKE ? OR id IN (?)",
			pattern, pattern, sub,
		)
	}
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}

	var drugs []model.Drug
	if err := query.Order("updated_at DESC").Limit(limit).Offset(filter.Offset).Find(&drugs).Error; err != nil {
		return nil, &errs.PersistenceError{Op: "search drugs", Err: err}
	}
	return drugs, nil
}

// GetDrug 按 ID 读取药品。
func (s *Store) GetDrug(ctx context.Context, id uint) (*model.Drug, error) {
	var drug model.Drug
	if err := s.db.WithContext(ctx).First(&drug, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, err
		}
		return nil, &errs.PersistenceError{Op: "get drug", Err: err}
	}
	return &drug, nil
}

// GetPrices 返回某个药品的价格行，按采集时间升序。
// includeOutliers 为 false 时过滤掉所有非正常行。
func (s *Store) GetPrices(ctx context.Context, drugID uint, includeOutliers bool) ([]model.PriceRecord, error) {
	query := s.db.WithContext(ctx).Where("drug_id = ?", drugID)
	if !includeOutliers {
		query = query.Where("is_outlier = ?", model.OutlierNone)
	}

	var rows []model.PriceRecord
	if err := query.Order("crawled_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, &errs.PersistenceError{Op: "get prices", Err: err}
	}
	return rows, nil
}

// GetPricesSince 返回最近 days 天内的价格行（用于历史曲线）。
func (s *Store) GetPricesSince(ctx context.Context, drugID uint, days int, includeOutliers bool) ([]model.PriceRecord, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().AddDate(0, 0, -days)

	query := s.db.WithContext(ctx).Where("drug_id = ? AND crawled_at >= ?", drugID, since)
	if !includeOutliers {
		query = query.Where("is_outlier = ?", model.OutlierNone)
	}

	var rows []model.PriceRecord
	if err := query.Order("crawled_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, &errs.PersistenceError{Op: "get price history", Err: err}
	}
	return rows, nil
}

// CountDrugs 返回启用中的药品总数。
func (s *Store) CountDrugs(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Drug{}).Where("enabled = ?", true).Count(&count).Error; err != nil {
		return 0, &errs.PersistenceError{Op: "count drugs", Err: err}
	}
	return count, nil
}

// CountPrices 返回价格行总数。
func (s *Store) CountPrices(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.PriceRecord{}).Count(&count).Error; err != nil {
		return 0, &errs.PersistenceError{Op: "count prices", Err: err}
	}
	return count, nil
}

// ListAlerts 返回最近 days 天的告警，按时间倒序。
func (s *Store) ListAlerts(ctx context.Context, days int) ([]model.Alert, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().AddDate(0, 0, -days)

	var alerts []model.Alert
	if err := s.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at DESC").
		Limit(500).
		Find(&alerts).Error; err != nil {
		return nil, &errs.PersistenceError{Op: "list alerts", Err: err}
	}
	return alerts, nil
}

// ListWatchItems 返回监控清单，enabledOnly 时只返回启用项，
// 按优先级降序、加入时间升序。
func (s *Store) ListWatchItems(ctx context.Context, enabledOnly bool) ([]model.WatchListItem, error) {
	query := s.db.WithContext(ctx).Model(&model.WatchListItem{})
	if enabledOnly {
		query = query.Where("enabled = ?", true)
	}

	var items []model.WatchListItem
	if err := query.Order("priority DESC, added_at ASC").Find(&items).Error; err != nil {
		return nil, &errs.PersistenceError{Op: "list watch items", Err: err}
	}
	return items, nil
}

// AddWatchItem 添加监控关键词（重复关键词返回已有行）。
func (s *Store) AddWatchItem(ctx context.Context, item *model.WatchListItem) error {
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now()
	}

	var existing model.WatchListItem
	err := s.db.WithContext(ctx).Where("keyword = ?", item.Keyword).First(&existing).Error
	if err == nil {
		*item = existing
		return nil
	}
	if err != gorm.ErrRecordNotFound {
		return &errs.PersistenceError{Op: "load watch item", Err: err}
	}

	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return &errs.PersistenceError{Op: "add watch item", Err: err}
	}
	return nil
}

// RemoveWatchItem 删除监控关键词。
func (s *Store) RemoveWatchItem(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Delete(&model.WatchListItem{}, id).Error; err != nil {
		return &errs.PersistenceError{Op: "remove watch item", Err: err}
	}
	return nil
}

// TouchWatchItem 更新关键词的最近采集时间。
func (s *Store) TouchWatchItem(ctx context.Context, keyword string, at time.Time) error {
	if err := s.db.WithContext(ctx).
		Model(&model.WatchListItem{}).
		Where("keyword = ?", keyword).
		Update("last_crawled_at", at).Error; err != nil {
		return &errs.PersistenceError{Op: "touch watch item", Err: err}
	}
	return nil
}
