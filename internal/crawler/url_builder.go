package crawler

import (
	"net/url"
	"strconv"
	"strings"
)

// BuildSearchURL 构造上游搜索页面的 URL。
//
// 上游是 hash 路由的 SPA，查询参数挂在 fragment 里。
func BuildSearchURL(baseURL, keyword string) string {
	base := strings.TrimRight(baseURL, "/")

	values := url.Values{}
	values.Set("keyword", keyword)
	qs := values.Encode()
	qs = strings.ReplaceAll(qs, "+", "%20")

	return base + "/#/search?" + qs
}

// BuildDetailURL 构造商品详情页的 URL。
func BuildDetailURL(baseURL string, drugID int64) string {
	base := strings.TrimRight(baseURL, "/")
	return base + "/#/drug/" + strconv.FormatInt(drugID, 10)
}
