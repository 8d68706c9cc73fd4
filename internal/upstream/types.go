package upstream

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// 数据来源标记。
const (
	OriginEndpoint = "endpoint"
	OriginBrowser  = "browser"
)

// DrugAgg 是搜索接口返回的聚合行：只有最低/最高价与供应商数量，
// 没有逐供应商报价。
type DrugAgg struct {
	UpstreamID    *int64 // 上游 drugId
	Name          string
	Specification string
	Manufacturer  string
	MinPriceCents int64
	MaxPriceCents int64
	SupplierCount int
}

// Supplier 是关键词的一个候选供应商（无价格）。
type Supplier struct {
	ID   *int64 // 上游 pid
	Name string
}

// Offer 是某个供应商对某个药品身份的一条报价观察。
//
// 接口通道与浏览器通道产出同一结构；Origin 记录来源供合并去重时
// 决定优先级。
type Offer struct {
	UpstreamID     *int64 `json:"upstream_id,omitempty"`
	Name           string `json:"name"`
	Specification  string `json:"specification"`
	Manufacturer   string `json:"manufacturer"`
	PriceCents     int64  `json:"price_cents"`
	SupplierID     *int64 `json:"supplier_id,omitempty"`
	SupplierName   string `json:"supplier_name"`
	SourceURL      string `json:"source_url"`
	ApprovalNumber string `json:"approval_number,omitempty"`
	Origin         string `json:"origin"`
	CrawledAt      time.Time `json:"crawled_at"`
}

// SupplierKey 返回合并去重用的供应商键：优先 pid，退化为名称。
func (o Offer) SupplierKey() string {
	if o.SupplierID != nil {
		return "pid:" + strconv.FormatInt(*o.SupplierID, 10)
	}
	return "name:" + o.SupplierName
}

// DetailSignals 是详情页采集到的分类信号（尽力而为）。
type DetailSignals struct {
	ApprovalNumber string `json:"approval_number,omitempty"`
	CategoryHint   string `json:"category_hint,omitempty"`
}

// flexString 兼容上游信封里既可能是字符串也可能是数字的状态码。
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	s = strings.Trim(s, `"`)
	*f = flexString(s)
	return nil
}

// envelope 是上游所有接口共用的响应信封。
type envelope struct {
	Code    flexString      `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// flexPrice 兼容 "¥12.50"、"12.5"、12.5 等价格表示，统一为分。
type flexPrice int64

func (p *flexPrice) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	s = strings.Trim(s, `"`)
	s = strings.TrimLeft(s, "¥￥ ")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*p = 0
		return nil
	}
	*p = flexPrice(math.Round(v * 100))
	return nil
}

// Yuan 将分转为两位小数的元字符串，用于边界展示。
func Yuan(cents int64) string {
	return strconv.FormatFloat(float64(cents)/100, 'f', 2, 64)
}
