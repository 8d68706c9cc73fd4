package model

import (
	"time"
)

// 商品类别。
const (
	CategoryDrug          = "drug"
	CategoryCosmetic      = "cosmetic"
	CategoryMedicalDevice = "medical_device"
	CategoryHealthProduct = "health_product"
	CategoryUnknown       = "unknown"
)

// 类别判定来源。
const (
	CategorySourceAPI     = "api"
	CategorySourceKeyword = "keyword"
	CategorySourceBrowser = "browser"
	CategorySourceManual  = "manual"
	CategorySourceDefault = "default"
)

// 价格异常标记。
const (
	OutlierLow         = -1 // 低于 Tukey 下界
	OutlierNone        = 0  // 正常
	OutlierHigh        = 1  // 高于 Tukey 上界
	OutlierPlaceholder = 2  // 占位价（如 9999）
)

// 任务状态。
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusPaused    = "paused"
	TaskStatusSucceeded = "succeeded"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// Drug 表示一个可售药品的身份。
//
// 同一药品可能被多个供应商以不同价格出售；身份由标准化后的
// (名称, 规格, 生产厂家) 三元组决定，IdentityHash 是该三元组的哈希，
// 上面有唯一索引，保证重复采集不会产生重复行。
type Drug struct {
	ID        uint      `gorm:"primaryKey"` // 内部 ID
	CreatedAt time.Time // 首次发现时间
	UpdatedAt time.Time // 更新时间

	UpstreamID    *int64 `gorm:"index"`                                 // 上游 drugId（可能缺失）
	Name          string `gorm:"type:varchar(255);not null"`            // 标准化后的展示名称
	Specification string `gorm:"type:varchar(191)"`                     // 标准化后的规格（如 "3g*1粒"）
	Manufacturer  string `gorm:"type:varchar(255)"`                     // 生产厂家
	IdentityHash  string `gorm:"type:varchar(64);uniqueIndex;not null"` // 身份三元组哈希（唯一索引）
	SimpleHash    string `gorm:"type:varchar(64);index"`                // 名称+规格哈希，用于近似匹配

	Category           string  `gorm:"type:varchar(32);default:drug"`    // 商品类别
	CategoryConfidence float64 `gorm:"default:0.5"`                      // 类别置信度 [0,1]
	CategorySource     string  `gorm:"type:varchar(32);default:default"` // 类别判定来源
	ApprovalNumber     *string `gorm:"type:varchar(64)"`                 // 批准文号（可能缺失）

	Enabled bool `gorm:"default:true"` // 软归档标记；药品从不物理删除
}

// PriceRecord 表示某一时刻观察到的一条供应商报价。
//
// 价格以分为单位的定点整数存储，避免浮点漂移。
// 历史不变量：记录只追加、从不覆盖，同一 (drug, supplier, price) 在
// 不同采集批次可以重复出现。
type PriceRecord struct {
	ID     uint `gorm:"primaryKey"`
	DrugID uint `gorm:"index;not null"` // 所属药品

	PriceCents   int64     `gorm:"not null"`          // 价格（分）
	SupplierName string    `gorm:"type:varchar(191)"` // 供应商名称
	SupplierID   *int64    `gorm:"index"`             // 上游供应商 pid（可能缺失）
	SourceURL    string    `gorm:"type:varchar(512)"` // 数据来源页面
	CrawledAt    time.Time `gorm:"index;not null"`    // 采集时间

	IsOutlier     int     `gorm:"default:0;index"`  // -1 低 / 0 正常 / 1 高 / 2 占位
	OutlierReason *string `gorm:"type:varchar(64)"` // 标注原因
}

// DrugAlias 记录药品的别名（如商品名、俗称），用于搜索扩展。
type DrugAlias struct {
	ID     uint   `gorm:"primaryKey"`
	DrugID uint   `gorm:"index;not null"`
	Alias  string `gorm:"type:varchar(255);index;not null"`
}

// WatchListItem 是监控清单中的一个关键词。
type WatchListItem struct {
	ID            uint       `gorm:"primaryKey"`
	Keyword       string     `gorm:"type:varchar(191);uniqueIndex;not null"` // 搜索关键词
	CategoryHint  *string    `gorm:"type:varchar(32)"`                       // 类别提示（可选）
	Priority      int        `gorm:"default:0"`                              // 0 普通 / 1 重要 / 2 紧急
	AddedAt       time.Time  // 加入时间
	LastCrawledAt *time.Time // 上次采集时间
	Enabled       bool       `gorm:"default:true"` // 是否启用
}

// CrawlTask 表示一次批量采集任务。
//
// 状态机: pending → running → {succeeded | failed | cancelled}，
// paused 可重入 running。
type CrawlTask struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Name     string `gorm:"type:varchar(191)"`          // 任务名称
	Keywords string `gorm:"type:text;not null"`         // 关键词列表（JSON 数组，保持顺序）
	Status   string `gorm:"type:varchar(16);default:pending;index"`

	TotalKeywords     int `gorm:"default:0"` // 关键词总数
	CompletedKeywords int `gorm:"default:0"` // 成功数
	FailedKeywords    int `gorm:"default:0"` // 失败数
	TotalItems        int `gorm:"default:0"` // 累计写入的价格行数

	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   string `gorm:"type:varchar(512)"` // 最近一次关键词失败原因
}

// 监控规则类型。
const (
	MonitorPriceDrop   = "price_drop"
	MonitorPriceRise   = "price_rise"
	MonitorNewSupplier = "new_supplier"
)

// MonitorRule 表示针对某个药品的价格监控规则。
type MonitorRule struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time

	DrugID       uint    `gorm:"index;not null"`
	Kind         string  `gorm:"type:varchar(16);not null"` // price_drop / price_rise / new_supplier
	ThresholdPct float64 `gorm:"default:0"`                 // 触发阈值（百分比）
	Enabled      bool    `gorm:"default:true"`
}

// Alert 是监控规则触发后生成的告警，创建后不可变。
type Alert struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"index"`

	DrugID   uint   `gorm:"index;not null"`
	RuleID   uint   `gorm:"index"`
	Kind     string `gorm:"type:varchar(16);not null"`
	Message  string `gorm:"type:varchar(512)"`
	OldCents int64  // 变化前价格（分）
	NewCents int64  // 变化后价格（分）
	IsRead   bool   `gorm:"default:false"`
}
