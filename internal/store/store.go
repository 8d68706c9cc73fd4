package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pharmwatch/internal/classify"
	"pharmwatch/internal/errs"
	"pharmwatch/internal/model"
	"pharmwatch/internal/normalize"
	"pharmwatch/internal/pkg/metrics"
	"pharmwatch/internal/upstream"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store 是唯一允许写入 Drug / PriceRecord / CrawlTask 的组件。
//
// 每个药品身份的写入在独立事务中完成；异常标注（outlier.go）对同一
// 药品持有进程内逻辑锁，避免与并发的价格写入竞争标注窗口。
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	// 按 drugID 的标注锁
	annotateLocks sync.Map // map[uint]*sync.Mutex
}

// NewStore 创建存储层并执行表结构迁移。
func NewStore(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if err := db.AutoMigrate(
		&model.Drug{},
		&model.PriceRecord{},
		&model.DrugAlias{},
		&model.WatchListItem{},
		&model.CrawlTask{},
		&model.MonitorRule{},
		&model.Alert{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// DB 暴露底层连接，仅供组合根做健康检查与关闭。
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Observation 是一条待写入的价格观察。
type Observation struct {
	PriceCents   int64
	SupplierName string
	SupplierID   *int64
	SourceURL    string
	CrawledAt    time.Time
}

// DrugFields 是 UpsertDrug 时随身份一起写入的属性。
type DrugFields struct {
	UpstreamID     *int64
	Category       classify.Result
	ApprovalNumber string
}

// UpsertDrug 按身份三元组原子地读取或创建药品。
//
// 再次遇到同一身份时：类别仅在新置信度不低于已存置信度时覆盖；
// 批准文号仅在当前为空时补写。返回药品 ID。
func (s *Store) UpsertDrug(ctx context.Context, identity normalize.Identity, fields DrugFields) (uint, error) {
	var approval *string
	if fields.ApprovalNumber != "" {
		approval = &fields.ApprovalNumber
	}

	drug := model.Drug{
		UpstreamID:         fields.UpstreamID,
		Name:               identity.Name,
		Specification:      identity.Specification,
		Manufacturer:       identity.Manufacturer,
		IdentityHash:       identity.Hash,
		SimpleHash:         identity.SimpleHash,
		Category:           fields.Category.Category,
		CategoryConfidence: fields.Category.Confidence,
		CategorySource:     fields.Category.Source,
		ApprovalNumber:     approval,
		Enabled:            true,
	}

	// MySQL 的 ON DUPLICATE KEY UPDATE 按顺序求值：
	// category/category_source 先基于旧的 category_confidence 判定，
	// category_confidence 最后更新。
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "identity_hash"}},
		DoUpdates: clause.Set{
			{Column: clause.Column{Name: "category"}, Value: gorm.Expr("IF(VALUES(category_confidence) >= category_confidence, VALUES(category), category)")},
			{Column: clause.Column{Name: "category_source"}, Value: gorm.Expr("IF(VALUES(category_confidence) >= category_confidence, VALUES(category_source), category_source)")},
			{Column: clause.Column{Name: "category_confidence"}, Value: gorm.Expr("IF(VALUES(category_confidence) >= category_confidence, VALUES(category_confidence), category_confidence)")},
			{Column: clause.Column{Name: "approval_number"}, Value: gorm.Expr("COALESCE(approval_number, VALUES(approval_number))")},
			{Column: clause.Column{Name: "upstream_id"}, Value: gorm.Expr("COALESCE(upstream_id, VALUES(upstream_id))")},
			{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("VALUES(updated_at)")},
		},
	}).Create(&drug).Error
	if err != nil {
		return 0, &errs.PersistenceError{Op: "upsert drug", Err: err}
	}

	// 冲突更新时部分驱动不回填 ID，兜底查询一次。
	if drug.ID == 0 {
		var existing model.Drug
		if err := s.db.WithContext(ctx).Select("id").Where("identity_hash = ?", identity.Hash).First(&existing).Error; err != nil {
			return 0, &errs.PersistenceError{Op: "load upserted drug", Err: err}
		}
		drug.ID = existing.ID
	}

	return drug.ID, nil
}

// AppendPrices 追加价格观察行。
//
// 历史不变量：从不去重历史、从不覆盖已有行。批次内按
// (供应商键, 价格) 去重，避免同一次采集把同一张卡片写两次。
func (s *Store) AppendPrices(ctx context.Context, drugID uint, observations []Observation) (int, error) {
	if len(observations) == 0 {
		return 0, nil
	}

	seen := make(map[string]struct{}, len(observations))
	rows := make([]model.PriceRecord, 0, len(observations))
	for _, obs := range observations {
		key := supplierKey(obs.SupplierID, obs.SupplierName) + "|" + fmt.Sprint(obs.PriceCents)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		crawledAt := obs.CrawledAt
		if crawledAt.IsZero() {
			crawledAt = time.Now()
		}
		rows = append(rows, model.PriceRecord{
			DrugID:       drugID,
			PriceCents:   obs.PriceCents,
			SupplierName: obs.SupplierName,
			SupplierID:   obs.SupplierID,
			SourceURL:    obs.SourceURL,
			CrawledAt:    crawledAt.Truncate(time.Second),
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return 0, &errs.PersistenceError{Op: "append prices", Err: err}
	}
	metrics.PriceRowsWrittenTotal.Add(float64(len(rows)))
	return len(rows), nil
}

// PersistStats 是一次采集结果落库的汇总。
type PersistStats struct {
	DrugsUpserted int
	PricesWritten int
	DroppedOffers int
	AffectedDrugs []uint
	Alerts        []model.Alert
}

// SaveOffers 把一次采集的报价集合落库。
//
// 报价按身份三元组分组；每个身份一个事务，失败只回滚该身份。
// 落库后对受影响的药品执行异常标注与监控规则评估。
func (s *Store) SaveOffers(ctx context.Context, offers []upstream.Offer) (PersistStats, error) {
	stats := PersistStats{}
	if len(offers) == 0 {
		return stats, nil
	}

	type group struct {
		identity normalize.Identity
		fields   DrugFields
		obs      []Observation
		aliases  []string
	}
	groups := make(map[string]*group)
	order := make([]string, 0)

	for _, offer := range offers {
		identity, err := normalize.DeriveIdentity(offer.Name, offer.Specification, offer.Manufacturer)
		if err != nil {
			stats.DroppedOffers++
			s.logger.Warn("drop offer with unnormalizable name",
				slog.String("name", offer.Name),
				slog.String("supplier", offer.SupplierName))
			continue
		}

		g, ok := groups[identity.Hash]
		if !ok {
			result := classify.Classify(classify.Signals{
				Name:           identity.Name,
				Manufacturer:   identity.Manufacturer,
				ApprovalNumber: offer.ApprovalNumber,
			})
			g = &group{
				identity: identity,
				fields: DrugFields{
					UpstreamID:     offer.UpstreamID,
					Category:       result,
					ApprovalNumber: offer.ApprovalNumber,
				},
				aliases: normalize.AliasesFor(identity.Name),
			}
			groups[identity.Hash] = g
			order = append(order, identity.Hash)
		}
		g.obs = append(g.obs, Observation{
			PriceCents:   offer.PriceCents,
			SupplierName: offer.SupplierName,
			SupplierID:   offer.SupplierID,
			SourceURL:    offer.SourceURL,
			CrawledAt:    offer.CrawledAt,
		})
	}

	var firstErr error
	for _, hash := range order {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		g := groups[hash]

		drugID, written, batchStart, err := s.saveIdentity(ctx, g.identity, g.fields, g.obs, g.aliases)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Error("persist identity failed",
				slog.String("name", g.identity.Name),
				slog.String("error", err.Error()))
			continue
		}
		stats.DrugsUpserted++
		stats.PricesWritten += written
		stats.AffectedDrugs = append(stats.AffectedDrugs, drugID)

		if err := s.AnnotateOutliers(ctx, drugID); err != nil {
			s.logger.Warn("outlier annotation failed",
				slog.Uint64("drug_id", uint64(drugID)),
				slog.String("error", err.Error()))
		}

		alerts, err := s.EvaluateRules(ctx, drugID, batchStart)
		if err != nil {
			s.logger.Warn("monitor rule evaluation failed",
				slog.Uint64("drug_id", uint64(drugID)),
				slog.String("error", err.Error()))
		}
		stats.Alerts = append(stats.Alerts, alerts...)
	}

	return stats, firstErr
}

// saveIdentity 在单个事务内写入一个身份的药品行、别名与价格行。
// 返回的 batchStart 是本批价格行之前的最大行 ID，供监控规则评估分界。
func (s *Store) saveIdentity(ctx context.Context, identity normalize.Identity, fields DrugFields, obs []Observation, aliases []string) (uint, int, int64, error) {
	var drugID uint
	var written int
	var batchStart int64
	var unlock func()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := &Store{db: tx, logger: s.logger}

		id, err := txStore.UpsertDrug(ctx, identity, fields)
		if err != nil {
			return err
		}
		drugID = id

		// 持有该药品的标注锁直到事务提交，标注不会与本批价格写入交错
		lock := s.annotateLock(id)
		lock.Lock()
		unlock = lock.Unlock

		start, err := txStore.MaxPriceRowID(ctx, id)
		if err != nil {
			return err
		}
		batchStart = start

		for _, alias := range aliases {
			var existing model.DrugAlias
			err := tx.Where("drug_id = ? AND alias = ?", id, alias).First(&existing).Error
			if err == gorm.ErrRecordNotFound {
				if err := tx.Create(&model.DrugAlias{DrugID: id, Alias: alias}).Error; err != nil {
					return &errs.PersistenceError{Op: "create alias", Err: err}
				}
			} else if err != nil {
				return &errs.PersistenceError{Op: "load alias", Err: err}
			}
		}

		n, err := txStore.AppendPrices(ctx, id, obs)
		if err != nil {
			return err
		}
		written = n
		return nil
	})
	if unlock != nil {
		unlock()
	}
	if err != nil {
		return 0, 0, 0, err
	}
	return drugID, written, batchStart, nil
}

func supplierKey(id *int64, name string) string {
	if id != nil {
		return "pid:" + fmt.Sprint(*id)
	}
	return "name:" + name
}
